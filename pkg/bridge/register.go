package bridge

import (
	"context"
	"fmt"
)

// defaultTools binds the bridge client's endpoints to the MCP tool catalog.
// Descriptions are written for the model: they spell out when to reach for
// each tool and how the metadata/content split works, because the listing
// tools return metadata only.
func defaultTools(client *Client) []Tool {
	return []Tool{
		{
			Name: "proxy__live_sessions",
			Description: "List recent captured sessions with metadata ONLY (id, method, status, " +
				"host, url, size, content_type, risk indicators). Use when asked to list recent " +
				"sessions, hosts, or traffic. To see actual content, take a session id from the " +
				"results and call proxy__session_body with it. Session IDs are opaque strings; " +
				"pass them back exactly as returned.",
			InputSchema: objectSchema(map[string]any{
				"limit":           intProp("Maximum number of sessions to return (1-500).", 20),
				"since_minutes":   intProp("Look back this many minutes (1-360).", 60),
				"host_filter":     strProp("Filter by host substring or regex."),
				"status_filter":   strProp("Filter by HTTP status code (e.g. '404')."),
				"suspicious_only": boolProp("Only return sessions previously flagged as suspicious."),
			}),
			Handle: func(ctx context.Context, args map[string]any) map[string]any {
				return client.LiveSessions(ctx, LiveSessionsParams{
					Limit:          intField(args, "limit", 20),
					SinceMinutes:   intField(args, "since_minutes", 60),
					HostFilter:     stringField(args, "host_filter", ""),
					StatusFilter:   stringField(args, "status_filter", ""),
					SuspiciousOnly: boolField(args, "suspicious_only", false),
				})
			},
		},
		{
			Name: "proxy__sessions_search",
			Description: "Search captured sessions by host, url, content type, method, status " +
				"range, or size range. Returns metadata ONLY. Workflow: find sessions here, then " +
				"pass the returned session id to proxy__session_body to inspect the content. The " +
				"content_type filter accepts shortcuts like 'javascript', 'html', 'json'.",
			InputSchema: objectSchema(map[string]any{
				"host_pattern":  strProp("Substring or regex to match host names."),
				"url_pattern":   strProp("Substring or regex to match URLs."),
				"content_type":  strProp("Filter by MIME hint (e.g. 'javascript', 'text/html')."),
				"method":        enumProp("Restrict to a specific HTTP method.", "GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH"),
				"status_min":    intProp("Minimum HTTP status code.", 0),
				"status_max":    intProp("Maximum HTTP status code.", 999),
				"min_size":      intProp("Minimum response size in bytes.", 0),
				"max_size":      intProp("Maximum response size in bytes.", 1_000_000_000),
				"since_minutes": intProp("Only include sessions captured in the last N minutes (1-360).", 0),
				"limit":         intProp("Maximum matches to return (1-500).", 50),
			}),
			Handle: func(ctx context.Context, args map[string]any) map[string]any {
				return client.Search(ctx, SearchParams{
					HostPattern:  stringField(args, "host_pattern", ""),
					URLPattern:   stringField(args, "url_pattern", ""),
					ContentType:  stringField(args, "content_type", ""),
					Method:       stringField(args, "method", ""),
					StatusMin:    intField(args, "status_min", 0),
					StatusMax:    intField(args, "status_max", 999),
					MinSize:      intField(args, "min_size", 0),
					MaxSize:      intField(args, "max_size", 1_000_000_000),
					SinceMinutes: intField(args, "since_minutes", 0),
					Limit:        intField(args, "limit", 50),
				})
			},
		},
		{
			Name: "proxy__session_headers",
			Description: "Fetch ONLY the HTTP headers (not the body) for one captured session. " +
				"Use only when asked about headers, caching directives, cookies, or " +
				"authentication metadata. For response content, JSON data, or scripts use " +
				"proxy__session_body instead.",
			InputSchema: objectSchema(map[string]any{
				"session_id": strProp("Session ID from live_sessions or sessions_search."),
			}, "session_id"),
			Handle: func(ctx context.Context, args map[string]any) map[string]any {
				return client.SessionHeaders(ctx, stringField(args, "session_id", ""))
			},
		},
		{
			Name: "proxy__session_body",
			Description: "Retrieve the actual request and response payload of a session. Use when " +
				"asked to explain, analyze, or inspect a session's content. Returns request_body, " +
				"response_body, content_type, content_length, truncated, host, url, method, " +
				"status, and threat_comment (authoritative threat intelligence when the session " +
				"was flagged). Set include_binary=true for full payloads. Set smart_extract=true " +
				"for large scripts (>50KB) to get head/tail/suspicious-pattern extraction instead " +
				"of a flat truncation.",
			InputSchema: objectSchema(map[string]any{
				"session_id":     strProp("Session ID from live_sessions or sessions_search."),
				"include_binary": boolProp("Return base64-encoded payloads for binary content."),
				"smart_extract":  boolProp("For large files (>50KB), extract head/tail/suspicious patterns instead of truncating. Recommended for JavaScript analysis."),
			}, "session_id"),
			Handle: func(ctx context.Context, args map[string]any) map[string]any {
				return client.SessionBody(ctx,
					stringField(args, "session_id", ""),
					boolField(args, "include_binary", false),
					boolField(args, "smart_extract", false))
			},
		},
		{
			Name: "proxy__compare_sessions",
			Description: "Fetch content from multiple sessions (2-10) in one call for comparative " +
				"analysis. Use when asked to compare sessions or explain how several sessions fit " +
				"together. Each entry carries the same fields as proxy__session_body. For a single " +
				"session use proxy__session_body instead.",
			InputSchema: objectSchema(map[string]any{
				"session_ids":    arrayProp("List of session IDs to compare (2-10 sessions).", "string"),
				"include_binary": boolProp("Return base64-encoded payloads for binary content."),
				"smart_extract":  boolProp("For large files (>50KB), extract head/tail/suspicious patterns. Recommended for JavaScript comparison."),
			}, "session_ids"),
			Handle: func(ctx context.Context, args map[string]any) map[string]any {
				ids := stringSlice(args, "session_ids")
				if len(ids) < 2 {
					return map[string]any{
						"success":   false,
						"error":     "Must provide at least 2 session IDs in a list",
						"requested": len(ids),
					}
				}
				if len(ids) > 10 {
					return map[string]any{
						"success":   false,
						"error":     "Maximum 10 sessions per comparison (to prevent timeout)",
						"requested": len(ids),
					}
				}
				return client.CompareSessions(ctx, ids,
					boolField(args, "include_binary", false),
					boolField(args, "smart_extract", false))
			},
		},
		{
			Name: "proxy__live_stats",
			Description: "Summarise bridge health: buffer depth, capture rates, uptime, and " +
				"utilisation. Returns total_sessions, buffered_sessions, suspicious_sessions, " +
				"last_minute, last_hour, uptime_seconds, and buffer_usage_pct.",
			InputSchema: objectSchema(map[string]any{}),
			Handle: func(ctx context.Context, args map[string]any) map[string]any {
				return client.LiveStats(ctx)
			},
		},
		{
			Name: "proxy__sessions_timeline",
			Description: "Visualise activity bursts grouped by minute, host, status_code, or " +
				"content_type. The timeline buckets include counts plus optional representative " +
				"session IDs for quick follow-up.",
			InputSchema: objectSchema(map[string]any{
				"time_range_minutes": intProp("Look back this many minutes (1-180).", 60),
				"group_by":           enumProp("Group timeline buckets.", "minute", "host", "status_code", "content_type"),
				"include_details":    boolProp("Include representative session IDs for each bucket."),
				"filter_host":        strProp("Restrict results to hosts matching this substring."),
			}),
			Handle: func(ctx context.Context, args map[string]any) map[string]any {
				return client.Timeline(ctx, TimelineParams{
					TimeRangeMinutes: intField(args, "time_range_minutes", 60),
					GroupBy:          stringField(args, "group_by", "minute"),
					IncludeDetails:   boolField(args, "include_details", true),
					FilterHost:       stringField(args, "filter_host", ""),
				})
			},
		},
		{
			Name: "proxy__sessions_clear",
			Description: "Clear the rolling session buffers once evidence has been exported. " +
				"Destructive: requires confirm=true. Returns cleared_counts for live and " +
				"suspicious sessions.",
			InputSchema: objectSchema(map[string]any{
				"confirm":          boolProp("REQUIRED: set to true to permanently clear the live buffer."),
				"clear_suspicious": boolProp("Also clear the dedicated suspicious-session buffer."),
			}),
			Handle: func(ctx context.Context, args map[string]any) map[string]any {
				return client.Clear(ctx,
					boolField(args, "confirm", false),
					boolField(args, "clear_suspicious", false))
			},
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string, def int) map[string]any {
	return map[string]any{"type": "integer", "description": desc, "default": def}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func enumProp(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}

func arrayProp(desc, itemType string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": desc,
		"items":       map[string]any{"type": itemType},
	}
}

// stringSlice coerces an argument list into strings; numeric ids arrive as
// json.Number when clients send them unquoted.
func stringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		default:
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}
