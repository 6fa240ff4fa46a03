// Package invoke executes resolved tool calls and shapes the results for
// model consumption: envelope normalization, automatic follow-up fetches
// after searches, truncation recovery, and preview clipping so a tool result
// never floods the conversation.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/proxysleuth/sleuth/pkg/mcp"
)

// Caller is the slice of the transport session the invoker needs.
type Caller interface {
	CallToolRaw(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error)
}

// Options configure an Invoker.
type Options struct {
	// Namespace is the tool name prefix, e.g. "proxy" for proxy__*.
	Namespace string

	// Store persists oversized payloads to disk. Nil disables persistence.
	Store *DumpStore

	// Notice, when set, receives short human-readable progress lines for
	// automatic follow-up activity.
	Notice func(string)

	Logger *slog.Logger
}

// Invoker executes tool calls against a session.
type Invoker struct {
	caller    Caller
	namespace string
	store     *DumpStore
	notice    func(string)
	logger    *slog.Logger
}

// New builds an invoker on top of a session.
func New(caller Caller, opts Options) *Invoker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notice := opts.Notice
	if notice == nil {
		notice = func(string) {}
	}
	return &Invoker{
		caller:    caller,
		namespace: opts.Namespace,
		store:     opts.Store,
		notice:    notice,
		logger:    logger,
	}
}

// Invoke calls the named tool and returns a normalized payload. Errors that
// leave the session usable (server rejections, timeouts) come back as error
// payloads so they can be folded into the conversation; only a dead session
// surfaces as a Go error.
func (inv *Invoker) Invoke(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	raw, err := inv.caller.CallToolRaw(ctx, name, arguments)
	if err != nil {
		if errors.Is(err, mcp.ErrUnreachable) || errors.Is(err, mcp.ErrClosed) {
			return nil, err
		}
		inv.logger.Warn("tool call failed, folding error into conversation", "tool", name, "err", err)
		return map[string]any{"error": err.Error()}, nil
	}

	payload := Normalize(raw)

	if name == inv.tool("sessions_search") && boolValue(payload["success"]) {
		if followUp := inv.autoFetchBody(ctx, payload); followUp != nil {
			sub, _ := payload["_follow_up"].(map[string]any)
			if sub == nil {
				sub = map[string]any{}
				payload["_follow_up"] = sub
			}
			sub["session_body_preview"] = followUp
		}
	}

	return payload, nil
}

func (inv *Invoker) tool(suffix string) string {
	return inv.namespace + "__" + suffix
}

// Normalize flattens the envelope shapes tool servers answer with into one
// map. In order: an MCP content list (first item wins, text items that carry
// JSON are decoded), a flat result that already looks like a bridge payload,
// and a response.data wrapper. Anything else is passed through, wrapped if
// it is not an object.
func Normalize(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{"error": "Tool call failed"}
	}

	if content := gjson.GetBytes(raw, "content"); content.IsArray() {
		for _, item := range content.Array() {
			if !item.IsObject() {
				continue
			}
			if item.Get("type").String() == "text" && item.Get("text").Exists() {
				return normalizeText(item.Get("text").String())
			}
			return decodeObject(item.Raw)
		}
	}

	for _, key := range []string{"success", "error", "sessions", "bridge_status"} {
		if gjson.GetBytes(raw, key).Exists() {
			return decodeObject(string(raw))
		}
	}

	if envelope := gjson.GetBytes(raw, "response"); envelope.IsObject() {
		if data := envelope.Get("data"); data.Exists() {
			if data.IsObject() {
				return decodeObject(data.Raw)
			}
			return map[string]any{"data": decodeAny(data.Raw)}
		}
		return decodeObject(envelope.Raw)
	}

	if gjson.ValidBytes(raw) && gjson.ParseBytes(raw).IsObject() {
		return decodeObject(string(raw))
	}
	return map[string]any{"result": decodeAny(string(raw))}
}

// normalizeText decodes a text content item: embedded JSON objects are
// unwrapped, everything else rides under a "text" key.
func normalizeText(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj
		}
	} else if strings.HasPrefix(trimmed, "[") {
		var list []any
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return map[string]any{"data": list}
		}
	}
	return map[string]any{"text": text}
}

func decodeObject(raw string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]any{"text": raw}
	}
	return obj
}

func decodeAny(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// ----------------------------------------------------------------------------
// payload helpers

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", s), ".0")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func boolValue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	default:
		return false
	}
}

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
