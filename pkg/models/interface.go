// Package models abstracts the language model providers the analyzer can
// drive. Every provider reduces to single-turn text generation: the
// orchestration loop supplies a fully assembled prompt and reads back plain
// text.
package models

import (
	"context"
	"errors"
)

// ErrEmptyResponse indicates the provider returned no usable text, typically
// because a safety filter blocked the output. The caller may retry with a
// stricter prompt.
var ErrEmptyResponse = errors.New("models: empty response")

// Request is one generation call.
type Request struct {
	Prompt string

	// Temperature overrides the provider default when non-nil. The retry
	// path pins it to zero.
	Temperature *float32
}

// Model is a text-generation provider.
type Model interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}
