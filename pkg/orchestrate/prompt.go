package orchestrate

import (
	"fmt"
	"strings"
)

// defaultSystemPrompt frames the model as a traffic analyst. The tool-call
// format rules matter more than the persona: every malformed reply the
// extractor has to rescue traces back to a model ignoring one of them.
const defaultSystemPrompt = `You are an expert security analyst helping analyze web traffic captured by an inspection proxy.

When encountering obfuscated JavaScript, perform a security analysis: assume malicious intent until the code's behavior is proven benign. Prioritize executable actions (DOM manipulation, redirects, iframe injection, overlays) over static string content, then control flow, then data and API interaction. Check for dynamic code execution (eval, new Function), anti-analysis techniques (referrer checks, localStorage counters, debugger loops), and UI hijacking (position:fixed overlays with extreme z-index). Synthesize all evidence before concluding.

Sessions can be flagged two ways: by the proxy's own risk heuristics (risk_flag, risk_reasons), and by threat-intelligence comments attached to a session. Threat-intelligence flags are authoritative and a subset of the heuristic ones; always state which kind you are reporting.`

// toolCallRules are the format instructions appended after the tool
// descriptions.
const toolCallRules = `CRITICAL INSTRUCTIONS FOR TOOL CALLING:
1. When the user asks about captured traffic, you MUST use the tools listed above
2. To use a tool, respond with EXACTLY this JSON format (no markdown, no extra text, no code execution):
{"tool": "tool_name", "arguments": {"param": "value"}}
3. MAKE ONE TOOL CALL AT A TIME (not an array of calls)
4. After each tool result, decide if another call is needed
5. DO NOT use code execution or print() statements
6. DO NOT respond with {"tool_code": ...} - this is incorrect
7. DO NOT respond with [{"tool_code": ...}, ...] - this is an array and incorrect
8. After receiving tool results, you can either make another tool call OR provide analysis
9. For session IDs, always use them exactly as provided (they may be numbers or strings)`

// buildInitialPrompt assembles the first prompt of a query: persona, tool
// catalog, calling rules, multi-call budget, recent history and the query.
func (l *Loop) buildInitialPrompt(query string) string {
	var b strings.Builder
	b.WriteString(l.systemPrompt)
	b.WriteString("\n\n")
	b.WriteString(l.catalog.Render())
	b.WriteString("\n")
	b.WriteString(toolCallRules)
	fmt.Fprintf(&b, `

MULTIPLE TOOL CALLS:
You are allowed and encouraged to call tools multiple times to provide complete analysis.
You can make up to %d tool calls in a single user request: list sessions then examine bodies,
search for a pattern then inspect each match, follow investigation leads as they emerge.
Don't announce "I will make X calls" - just make them as needed, with brief progress notes
between calls. Stop when you have sufficient information or when the limit is reached.

CONVERSATION CONTEXT:
%s

USER QUERY: %s

YOUR RESPONSE (if tool needed, use JSON format above; otherwise natural language):`,
		l.maxToolCalls, l.conversation.Recent(5), query)
	return b.String()
}

// buildAnalysisPrompt folds a tool result back to the model. The exact
// valid-name list rides along on every follow-up; without it models drift
// into invented tool names as the conversation grows.
func (l *Loop) buildAnalysisPrompt(toolName, resultJSON, query string) string {
	return fmt.Sprintf(`The tool '%s' returned this result:

%s

Analyze this result in the context of the user's original question: %q

Distinguish proxy risk heuristics from threat-intelligence flags and be clear
about which you are reporting. If a response body contains JavaScript, check
whether it is obfuscated and analyze its behavior, not its strings. Do NOT
repeat previous summaries - add new information only.

%s

IMPORTANT: Do NOT invent tool names. Use ONLY the tools listed above.
If you need to call another tool, respond with JSON format: {"tool": "tool_name", "arguments": {...}}

Otherwise, provide your security-focused analysis.`,
		toolName, resultJSON, query, l.catalog.NamesBlock())
}

// retryInstruction is appended when a blocked or empty response forces the
// single temperature-zero retry.
const retryInstruction = "\n\nIMPORTANT: Respond ONLY with the JSON tool call format if a tool is needed, or a concise sentence otherwise."
