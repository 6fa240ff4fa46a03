package models

import (
	"context"
	"sync"
)

type scriptStep struct {
	text string
	err  error
}

// ScriptedLLM replays a fixed sequence of responses. Useful for exercising
// the orchestration loop without API calls; once the script runs out it
// repeats the final step.
type ScriptedLLM struct {
	mu    sync.Mutex
	steps []scriptStep
	calls []Request
	idx   int
}

func NewScriptedLLM(responses ...string) *ScriptedLLM {
	s := &ScriptedLLM{}
	for _, r := range responses {
		s.steps = append(s.steps, scriptStep{text: r})
	}
	return s
}

// ThenError appends a step that fails with err.
func (s *ScriptedLLM) ThenError(err error) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{err: err})
	return s
}

// Then appends a step that answers with text.
func (s *ScriptedLLM) Then(text string) *ScriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{text: text})
	return s
}

func (s *ScriptedLLM) Name() string { return "scripted" }

func (s *ScriptedLLM) Generate(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if len(s.steps) == 0 {
		return "", ErrEmptyResponse
	}
	i := s.idx
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	} else {
		s.idx++
	}
	step := s.steps[i]
	return step.text, step.err
}

// Calls returns every request seen so far.
func (s *ScriptedLLM) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

var _ Model = (*ScriptedLLM)(nil)
