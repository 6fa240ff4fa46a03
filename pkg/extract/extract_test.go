package extract

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExtractor() *Extractor {
	return New("proxy", slog.New(slog.DiscardHandler))
}

func TestExtractStrictJSON(t *testing.T) {
	e := testExtractor()
	c, ok := e.Extract(`{"tool": "proxy__live_sessions", "arguments": {"limit": 20}}`)
	require.True(t, ok)
	assert.Equal(t, "proxy__live_sessions", c.Tool)
	assert.Equal(t, float64(20), c.Arguments["limit"])
}

func TestExtractFencedJSON(t *testing.T) {
	e := testExtractor()
	text := "```json\n{\"tool\": \"proxy__session_body\", \"arguments\": {\"session_id\": \"42\"}}\n```"
	c, ok := e.Extract(text)
	require.True(t, ok)
	assert.Equal(t, "proxy__session_body", c.Tool)
	assert.Equal(t, "42", c.Arguments["session_id"])
}

func TestExtractArrayUsesFirstCall(t *testing.T) {
	e := testExtractor()
	text := `[{"tool": "proxy__live_sessions", "arguments": {}}, {"tool": "proxy__live_stats", "arguments": {}}]`
	c, ok := e.Extract(text)
	require.True(t, ok)
	assert.Equal(t, "proxy__live_sessions", c.Tool)
}

func TestExtractEmbeddedInProse(t *testing.T) {
	e := testExtractor()
	text := `Let me check the captured traffic first.

{"tool": "proxy__sessions_search", "arguments": {"query": "login", "field": "url"}}

I'll analyze the results next.`
	c, ok := e.Extract(text)
	require.True(t, ok)
	assert.Equal(t, "proxy__sessions_search", c.Tool)
	assert.Equal(t, "login", c.Arguments["query"])
}

func TestExtractToolCodeRecovery(t *testing.T) {
	e := testExtractor()
	c, ok := e.Extract(`{"tool_code": "print(proxy__session_headers(session_id=\"17\"))"}`)
	require.True(t, ok)
	assert.Equal(t, "proxy__session_headers", c.Tool)
	assert.Equal(t, "17", c.Arguments["session_id"])
}

func TestExtractToolCodeDottedForm(t *testing.T) {
	e := testExtractor()
	c, ok := e.Extract(`{"tool_code": "proxy.live_sessions(limit=5)"}`)
	require.True(t, ok)
	assert.Equal(t, "proxy__live_sessions", c.Tool)
	assert.Equal(t, 5, c.Arguments["limit"])
}

func TestExtractBareCallSyntax(t *testing.T) {
	e := testExtractor()
	c, ok := e.Extract(`I'll fetch it with proxy__session_body(session_id="99", include_binary=true) right away.`)
	require.True(t, ok)
	assert.Equal(t, "proxy__session_body", c.Tool)
	assert.Equal(t, "99", c.Arguments["session_id"])
	assert.Equal(t, "true", c.Arguments["include_binary"])
}

func TestExtractBareCallNumericCoercion(t *testing.T) {
	e := testExtractor()
	c, ok := e.Extract(`proxy__live_sessions(limit=50)`)
	require.True(t, ok)
	assert.Equal(t, 50, c.Arguments["limit"])
}

func TestExtractNoCandidate(t *testing.T) {
	e := testExtractor()
	for _, text := range []string{
		"",
		"The traffic looks clean. No further calls needed.",
		`{"verdict": "benign", "confidence": 0.9}`,
		"The function json.loads(data) parses it.",
	} {
		_, ok := e.Extract(text)
		assert.False(t, ok, "text %q", text)
	}
}

func TestExtractMalformedEmbeddedJSONIgnored(t *testing.T) {
	e := testExtractor()
	_, ok := e.Extract(`Check this: {"tool": "proxy__live_stats", "arguments": broken}`)
	assert.False(t, ok)
}

func TestPrecedingText(t *testing.T) {
	e := testExtractor()

	text := `The first session looks suspicious. Tool Call:
{"tool": "proxy__session_body", "arguments": {"session_id": "3"}}`
	got := e.PrecedingText(text)
	assert.Equal(t, "The first session looks suspicious.", got)

	text = `Checking stats next. Next:
proxy__live_stats()`
	got = e.PrecedingText(text)
	assert.Equal(t, "Checking stats next.", got)

	plain := "Final verdict: the page is a credential phishing kit."
	assert.Equal(t, plain, e.PrecedingText(plain))
}

func TestParseCallQuotedCommaValue(t *testing.T) {
	c, ok := parseCall(`proxy__sessions_search(query="a,b", limit=3)`, "proxy")
	require.True(t, ok)
	assert.Equal(t, "a,b", c.Arguments["query"])
	assert.Equal(t, 3, c.Arguments["limit"])
}

func TestParseCallNoMatch(t *testing.T) {
	_, ok := parseCall(`other__tool(x=1)`, "proxy")
	assert.False(t, ok)
}
