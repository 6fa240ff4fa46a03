package models

import (
	"context"
	"errors"
	"testing"
)

func TestScriptedLLMReplaysInOrder(t *testing.T) {
	llm := NewScriptedLLM("first", "second")

	for _, want := range []string{"first", "second", "second"} {
		got, err := llm.Generate(context.Background(), Request{Prompt: "p"})
		if err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
		if got != want {
			t.Fatalf("unexpected response: %q, want %q", got, want)
		}
	}
	if len(llm.Calls()) != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", len(llm.Calls()))
	}
}

func TestScriptedLLMThenError(t *testing.T) {
	boom := errors.New("blocked")
	llm := NewScriptedLLM().ThenError(boom).Then("recovered")

	_, err := llm.Generate(context.Background(), Request{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	got, err := llm.Generate(context.Background(), Request{})
	if err != nil || got != "recovered" {
		t.Fatalf("unexpected step: %q, %v", got, err)
	}
}

func TestScriptedLLMEmptyScript(t *testing.T) {
	llm := NewScriptedLLM()
	if _, err := llm.Generate(context.Background(), Request{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestNewProviderErrorsOnUnknownProvider(t *testing.T) {
	if _, err := NewProvider(context.Background(), "unknown", "model"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
