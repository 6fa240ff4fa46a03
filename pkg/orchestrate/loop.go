// Package orchestrate runs the conversation loop: prompt the model, extract
// a tool call, resolve and invoke it, fold the result back, repeat until the
// model answers in prose or the call budget runs out.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/proxysleuth/sleuth/pkg/catalog"
	"github.com/proxysleuth/sleuth/pkg/extract"
	"github.com/proxysleuth/sleuth/pkg/models"
)

// DefaultMaxToolCalls bounds how many tool invocations one user query may
// trigger.
const DefaultMaxToolCalls = 10

// interruptedMessage is returned when the user cancels a running chain.
const interruptedMessage = "[INTERRUPTED] User stopped the model's response chain. You can ask a new question or modify your prompt."

// Invoker executes a resolved tool call.
type Invoker interface {
	Invoke(ctx context.Context, name string, arguments map[string]any) (map[string]any, error)
}

// Loop drives one model against one tool server session.
type Loop struct {
	model        models.Model
	catalog      *catalog.Catalog
	resolver     *catalog.Resolver
	extractor    *extract.Extractor
	invoker      Invoker
	conversation *Conversation

	maxToolCalls int
	systemPrompt string
	reporter     func(string)
	logger       *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxToolCalls overrides the invocation budget per query.
func WithMaxToolCalls(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxToolCalls = n
		}
	}
}

// WithSystemPrompt replaces the built-in analyst persona.
func WithSystemPrompt(prompt string) Option {
	return func(l *Loop) {
		if strings.TrimSpace(prompt) != "" {
			l.systemPrompt = prompt
		}
	}
}

// WithReporter registers a callback for the explanatory text the model
// writes before each tool call.
func WithReporter(fn func(string)) Option {
	return func(l *Loop) {
		if fn != nil {
			l.reporter = fn
		}
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithConversation attaches an existing conversation log.
func WithConversation(c *Conversation) Option {
	return func(l *Loop) {
		if c != nil {
			l.conversation = c
		}
	}
}

// New builds a loop. The catalog must be non-empty; a session without tools
// cannot serve any query.
func New(model models.Model, cat *catalog.Catalog, resolver *catalog.Resolver, extractor *extract.Extractor, invoker Invoker, opts ...Option) (*Loop, error) {
	if cat == nil || cat.Len() == 0 {
		return nil, errors.New("orchestrate: tool catalog is empty")
	}
	l := &Loop{
		model:        model,
		catalog:      cat,
		resolver:     resolver,
		extractor:    extractor,
		invoker:      invoker,
		conversation: NewConversation(),
		maxToolCalls: DefaultMaxToolCalls,
		systemPrompt: defaultSystemPrompt,
		reporter:     func(string) {},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Conversation exposes the loop's turn log.
func (l *Loop) Conversation() *Conversation { return l.conversation }

// Model returns the current model.
func (l *Loop) Model() models.Model { return l.model }

// SetModel swaps the model between queries.
func (l *Loop) SetModel(m models.Model) { l.model = m }

// Run processes one user query, invoking tools until the model settles on a
// final text answer. The returned string is always the text shown to the
// user; the error is non-nil only when the session or provider is unusable.
func (l *Loop) Run(ctx context.Context, query string) (string, error) {
	started := time.Now()
	l.conversation.Add(Turn{Role: RoleUser, Content: query})
	l.logger.Info("query started", "conversation", l.conversation.ID(), "query", clip(query, 100))

	text, err := l.generate(ctx, l.buildInitialPrompt(query))
	if err != nil {
		if interrupted, msg := l.checkInterrupt(ctx, err); interrupted {
			return msg, nil
		}
		if errors.Is(err, models.ErrEmptyResponse) {
			msg := "Analysis blocked by safety filters. This may indicate the content contains potentially harmful code. Try rephrasing, e.g. 'Analyze session X for malicious patterns'."
			l.conversation.Add(Turn{Role: RoleAssistant, Content: msg})
			return msg, nil
		}
		return "", err
	}

	toolCalls := 0
	for {
		candidate, ok := l.extractor.Extract(text)
		if !ok {
			l.conversation.Add(Turn{Role: RoleAssistant, Content: text})
			l.logger.Info("query finished",
				"tool_calls", toolCalls,
				"elapsed", time.Since(started).Round(time.Millisecond))
			return text, nil
		}

		if preceding := l.extractor.PrecedingText(text); preceding != "" && preceding != text {
			l.conversation.Add(Turn{Role: RoleAssistant, Content: preceding})
			l.reporter(preceding)
		}

		result := l.execute(ctx, candidate)
		toolCalls++

		resultJSON := marshalResult(result)
		l.conversation.Add(Turn{Role: RoleTool, Tool: candidate.Tool, Content: resultJSON})

		// The in-flight call above always completes; cancellation takes
		// effect between calls.
		if ctx.Err() != nil {
			l.conversation.Add(Turn{Role: RoleSystem, Content: "[User interrupted the response]"})
			l.logger.Info("query interrupted", "tool_calls", toolCalls)
			return interruptedMessage, nil
		}

		if toolCalls >= l.maxToolCalls {
			l.logger.Warn("tool call budget exhausted", "limit", l.maxToolCalls)
			l.conversation.Add(Turn{Role: RoleAssistant, Content: text})
			return text, nil
		}

		text, err = l.generate(ctx, l.buildAnalysisPrompt(candidate.Tool, resultJSON, query))
		if err != nil {
			if interrupted, msg := l.checkInterrupt(ctx, err); interrupted {
				return msg, nil
			}
			if errors.Is(err, models.ErrEmptyResponse) {
				msg := "Follow-up analysis blocked by safety filters. The content may contain malicious code patterns."
				l.conversation.Add(Turn{Role: RoleAssistant, Content: msg})
				return msg, nil
			}
			return "", err
		}
	}
}

// execute resolves and invokes one candidate. Resolution failures become
// error payloads carrying the full valid-name list; they consume budget like
// any other call, which keeps a name-hallucinating model from looping
// forever.
func (l *Loop) execute(ctx context.Context, candidate extract.Candidate) map[string]any {
	name, err := l.resolver.Resolve(candidate.Tool)
	if err != nil {
		var unknown *catalog.UnknownToolError
		if errors.As(err, &unknown) {
			return map[string]any{
				"error":           fmt.Sprintf("Unknown tool: '%s'", unknown.Attempted),
				"message":         "This tool does not exist. Use ONLY these exact tool names:\n- " + strings.Join(unknown.Valid, "\n- "),
				"hint":            "Check the tool name spelling and try again with one from the list above.",
				"available_tools": unknown.Valid,
			}
		}
		return map[string]any{"error": err.Error()}
	}

	result, err := l.invoker.Invoke(ctx, name, candidate.Arguments)
	if err != nil {
		// Session is gone; tell the model and the user plainly.
		return map[string]any{"error": fmt.Sprintf("Tool server unavailable: %v", err)}
	}
	return result
}

// generate calls the model, retrying exactly once at temperature zero with a
// stricter instruction when the response comes back empty or blocked.
func (l *Loop) generate(ctx context.Context, prompt string) (string, error) {
	started := time.Now()
	text, err := l.model.Generate(ctx, models.Request{Prompt: prompt})
	l.logger.Info("model response",
		"model", l.model.Name(),
		"elapsed", time.Since(started).Round(time.Millisecond),
		"chars", len(text),
		"err", err)

	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if err != nil && !errors.Is(err, models.ErrEmptyResponse) {
		return "", err
	}

	l.logger.Warn("empty or blocked response, retrying at temperature 0")
	zero := float32(0)
	text, err = l.model.Generate(ctx, models.Request{Prompt: prompt + retryInstruction, Temperature: &zero})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", models.ErrEmptyResponse
	}
	return text, nil
}

func (l *Loop) checkInterrupt(ctx context.Context, err error) (bool, string) {
	if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return false, ""
	}
	l.conversation.Add(Turn{Role: RoleSystem, Content: "[User interrupted the response]"})
	return true, interruptedMessage
}

func marshalResult(result map[string]any) string {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
