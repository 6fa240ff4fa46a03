// Package extract recovers tool-call candidates from free-form model output.
// Models are asked to answer with a single JSON object, but in practice they
// wrap it in code fences, bury it in prose, emit arrays, or fall back to
// pseudo-code call syntax. The extractor works through those formats in
// order of reliability and reports "no candidate" only when every step
// misses, which the caller treats as a final answer.
package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Candidate is a tool call recovered from model output. The tool name is raw
// model output; resolution against the catalog happens elsewhere.
type Candidate struct {
	Tool      string
	Arguments map[string]any
}

// Extractor scans model output for tool calls addressed to one server
// namespace.
type Extractor struct {
	namespace string
	logger    *slog.Logger

	objectPattern *regexp.Regexp
	arrayPattern  *regexp.Regexp
	barePattern   *regexp.Regexp
}

// New builds an extractor for tools named namespace__suffix.
func New(namespace string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	ns := regexp.QuoteMeta(namespace)
	return &Extractor{
		namespace: namespace,
		logger:    logger,
		// One level of brace nesting is enough: a call object is
		// {"tool": ..., "arguments": {...}}.
		objectPattern: regexp.MustCompile(`(?s)\{(?:[^{}]|\{[^{}]*\})*"tool(?:_code)?"(?:[^{}]|\{[^{}]*\})*\}`),
		arrayPattern:  regexp.MustCompile(`(?s)\[(?:[^\[\]]|\[[^\[\]]*\])*"tool(?:_code)?"(?:[^\[\]]|\[[^\[\]]*\])*\]`),
		barePattern:   regexp.MustCompile(ns + `__\w+\(`),
	}
}

// Extract runs the recovery ladder over the model output. The boolean is
// false when the text contains no recognizable tool call.
func (e *Extractor) Extract(text string) (Candidate, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Candidate{}, false
	}

	text = trimFence(text)

	// Strict path: the whole reply is the call object.
	var data any
	if err := json.Unmarshal([]byte(text), &data); err == nil {
		if c, ok := e.fromDecoded(data); ok {
			return c, true
		}
	}

	// Mixed prose and JSON: scan for embedded call objects or arrays.
	for _, pattern := range []*regexp.Regexp{e.objectPattern, e.arrayPattern} {
		for _, match := range pattern.FindAllString(text, -1) {
			var data any
			if err := json.Unmarshal([]byte(match), &data); err != nil {
				continue
			}
			if c, ok := e.fromDecoded(data); ok {
				e.logger.Info("extracted tool call from mixed text", "tool", c.Tool)
				return c, true
			}
		}
	}

	// Last resort: a bare namespace__tool(arg=value) call in plain text.
	if loc := e.barePattern.FindStringIndex(text); loc != nil {
		if c, ok := parseCall(text[loc[0]:], e.namespace); ok {
			e.logger.Info("extracted tool call from call syntax", "tool", c.Tool, "args", c.Arguments)
			return c, true
		}
	}

	return Candidate{}, false
}

// fromDecoded turns decoded JSON into a candidate. Arrays contribute their
// first element only; the remainder is dropped and logged, the model will
// re-issue the rest on later turns.
func (e *Extractor) fromDecoded(data any) (Candidate, bool) {
	if list, ok := data.([]any); ok {
		if len(list) == 0 {
			return Candidate{}, false
		}
		if len(list) > 1 {
			e.logger.Warn("model returned multiple tool calls, using first", "count", len(list))
		}
		data = list[0]
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return Candidate{}, false
	}

	if tool, ok := obj["tool"].(string); ok {
		if _, ok := obj["arguments"]; ok {
			args, _ := obj["arguments"].(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			return Candidate{Tool: tool, Arguments: args}, true
		}
	}

	if code, ok := obj["tool_code"].(string); ok {
		e.logger.Warn("model used tool_code format, recovering call from code")
		if c, ok := parseCall(code, e.namespace); ok {
			return c, true
		}
	}

	return Candidate{}, false
}

// PrecedingText returns the explanatory prose the model wrote before its
// tool call, with trailing "Tool Call:" / "Next:" labels stripped. When the
// text holds no tool call the whole text is returned.
func (e *Extractor) PrecedingText(text string) string {
	text = strings.TrimSpace(text)

	earliest := len(text)
	for _, pattern := range []*regexp.Regexp{e.objectPattern, e.arrayPattern, e.barePattern} {
		if loc := pattern.FindStringIndex(text); loc != nil && loc[0] < earliest {
			earliest = loc[0]
		}
	}
	if earliest == len(text) {
		return text
	}

	preceding := strings.TrimSpace(text[:earliest])
	preceding = trailingLabel.ReplaceAllString(preceding, "")
	return strings.TrimSpace(preceding)
}

var trailingLabel = regexp.MustCompile(`(?i)(Tool Call|Next):\s*$`)

// trimFence drops a surrounding markdown code fence.
func trimFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}
	return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
}

// String renders the candidate for logs.
func (c Candidate) String() string {
	return fmt.Sprintf("%s(%v)", c.Tool, c.Arguments)
}
