package orchestrate

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxysleuth/sleuth/pkg/catalog"
	"github.com/proxysleuth/sleuth/pkg/extract"
	"github.com/proxysleuth/sleuth/pkg/models"
)

type invokerCall struct {
	name string
	args map[string]any
}

type fakeInvoker struct {
	calls []invokerCall
	fn    func(name string, args map[string]any) (map[string]any, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, invokerCall{name: name, args: args})
	if f.fn != nil {
		return f.fn(name, args)
	}
	return map[string]any{"success": true}, nil
}

func testCatalog() *catalog.Catalog {
	return catalog.FromDescriptors([]catalog.Descriptor{
		{Name: "proxy__live_sessions", Description: "List captured sessions"},
		{Name: "proxy__session_body", Description: "Fetch one session body"},
		{Name: "proxy__live_stats", Description: "Traffic statistics"},
	})
}

func newTestLoop(t *testing.T, model models.Model, invoker Invoker, opts ...Option) *Loop {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cat := testCatalog()
	resolver := catalog.NewResolver("proxy", cat, logger)
	extractor := extract.New("proxy", logger)
	opts = append(opts, WithLogger(logger))
	loop, err := New(model, cat, resolver, extractor, invoker, opts...)
	require.NoError(t, err)
	return loop
}

func TestRunDirectAnswer(t *testing.T) {
	model := models.NewScriptedLLM("The capture is empty; nothing to analyze.")
	invoker := &fakeInvoker{}
	loop := newTestLoop(t, model, invoker)

	out, err := loop.Run(context.Background(), "anything suspicious?")
	require.NoError(t, err)
	assert.Equal(t, "The capture is empty; nothing to analyze.", out)
	assert.Empty(t, invoker.calls)

	turns := loop.Conversation().Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
}

func TestRunSingleToolCallThenAnalysis(t *testing.T) {
	model := models.NewScriptedLLM(
		`{"tool": "proxy__live_sessions", "arguments": {"limit": 10}}`,
		"Found 3 sessions, none flagged.",
	)
	invoker := &fakeInvoker{fn: func(name string, args map[string]any) (map[string]any, error) {
		return map[string]any{"success": true, "sessions": []any{}}, nil
	}}
	loop := newTestLoop(t, model, invoker)

	out, err := loop.Run(context.Background(), "list sessions")
	require.NoError(t, err)
	assert.Equal(t, "Found 3 sessions, none flagged.", out)

	require.Len(t, invoker.calls, 1)
	assert.Equal(t, "proxy__live_sessions", invoker.calls[0].name)
	assert.Equal(t, float64(10), invoker.calls[0].args["limit"])

	// The analysis prompt must carry the tool result and the name list.
	calls := model.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "proxy__live_sessions' returned this result")
	assert.Contains(t, calls[1].Prompt, "use ONLY these exact names")

	var sawTool bool
	for _, turn := range loop.Conversation().Turns() {
		if turn.Role == RoleTool {
			sawTool = true
			assert.Equal(t, "proxy__live_sessions", turn.Tool)
		}
	}
	assert.True(t, sawTool)
}

func TestRunBudgetExhaustionReturnsLastText(t *testing.T) {
	callText := `{"tool": "proxy__live_stats", "arguments": {}}`
	model := models.NewScriptedLLM(callText, callText, callText, callText)
	invoker := &fakeInvoker{}
	loop := newTestLoop(t, model, invoker, WithMaxToolCalls(3))

	out, err := loop.Run(context.Background(), "keep digging")
	require.NoError(t, err)
	assert.Equal(t, callText, out, "exhausted budget returns the last model text verbatim")
	assert.Len(t, invoker.calls, 3)
}

func TestRunRepairedToolName(t *testing.T) {
	model := models.NewScriptedLLM(
		`{"tool": "live_sessions", "arguments": {}}`,
		"done",
	)
	invoker := &fakeInvoker{}
	loop := newTestLoop(t, model, invoker)

	_, err := loop.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, invoker.calls, 1)
	assert.Equal(t, "proxy__live_sessions", invoker.calls[0].name)
}

func TestRunUnknownToolFoldsErrorAndConsumesBudget(t *testing.T) {
	model := models.NewScriptedLLM(
		`{"tool": "proxy__decrypt_everything", "arguments": {}}`,
		"I used a wrong name.",
	)
	invoker := &fakeInvoker{}
	loop := newTestLoop(t, model, invoker)

	out, err := loop.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "I used a wrong name.", out)
	assert.Empty(t, invoker.calls, "unresolvable names never reach the server")

	calls := model.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "Unknown tool: 'proxy__decrypt_everything'")
	assert.Contains(t, calls[1].Prompt, "proxy__live_sessions")
}

func TestRunEmptyResponseRetriesAtTemperatureZero(t *testing.T) {
	model := models.NewScriptedLLM().
		ThenError(models.ErrEmptyResponse).
		Then("All clear.")
	invoker := &fakeInvoker{}
	loop := newTestLoop(t, model, invoker)

	out, err := loop.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "All clear.", out)

	calls := model.Calls()
	require.Len(t, calls, 2)
	require.NotNil(t, calls[1].Temperature)
	assert.Equal(t, float32(0), *calls[1].Temperature)
	assert.Contains(t, calls[1].Prompt, "Respond ONLY with the JSON tool call format")
}

func TestRunBlockedTwiceIsTerminal(t *testing.T) {
	model := models.NewScriptedLLM().
		ThenError(models.ErrEmptyResponse).
		ThenError(models.ErrEmptyResponse)
	invoker := &fakeInvoker{}
	loop := newTestLoop(t, model, invoker)

	out, err := loop.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Contains(t, out, "blocked by safety filters")
	assert.Empty(t, invoker.calls)
}

func TestRunCancellationAppendsSystemTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	model := models.NewScriptedLLM(
		`{"tool": "proxy__live_stats", "arguments": {}}`,
		"never reached",
	)
	invoker := &fakeInvoker{fn: func(name string, args map[string]any) (map[string]any, error) {
		cancel() // user hits Ctrl-C while the call is in flight
		return map[string]any{"success": true}, nil
	}}
	loop := newTestLoop(t, model, invoker)

	out, err := loop.Run(ctx, "q")
	require.NoError(t, err)
	assert.Contains(t, out, "[INTERRUPTED]")
	assert.Len(t, invoker.calls, 1, "in-flight call completes before cancellation lands")

	turns := loop.Conversation().Turns()
	last := turns[len(turns)-1]
	assert.Equal(t, RoleSystem, last.Role)
	assert.Contains(t, last.Content, "interrupted")
}

func TestRunReportsPrecedingText(t *testing.T) {
	model := models.NewScriptedLLM(
		"Let me check the stats first.\n\n"+`{"tool": "proxy__live_stats", "arguments": {}}`,
		"done",
	)
	invoker := &fakeInvoker{}
	var reported []string
	loop := newTestLoop(t, model, invoker, WithReporter(func(s string) {
		reported = append(reported, s)
	}))

	_, err := loop.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, reported, 1)
	assert.Equal(t, "Let me check the stats first.", reported[0])
}

func TestNewRejectsEmptyCatalog(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	empty := catalog.FromDescriptors(nil)
	_, err := New(
		models.NewScriptedLLM(),
		empty,
		catalog.NewResolver("proxy", empty, logger),
		extract.New("proxy", logger),
		&fakeInvoker{},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestConversationClearKeepsIdentity(t *testing.T) {
	c := NewConversation()
	id := c.ID()
	c.Add(Turn{Role: RoleUser, Content: "hello"})
	require.Equal(t, 1, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, id, c.ID())
	assert.Equal(t, "No previous conversation.", c.Recent(5))
}
