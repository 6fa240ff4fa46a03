package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Tool results are plain maps: they are serialized straight into MCP tool
// responses, and the agent-side normalizer works on flat success/error keys
// rather than typed structs.

// LiveSessionsParams filter the recent-session listing.
type LiveSessionsParams struct {
	Limit          int
	SinceMinutes   int
	HostFilter     string
	StatusFilter   string
	SuspiciousOnly bool
}

// SearchParams filter the advanced session search.
type SearchParams struct {
	HostPattern  string
	URLPattern   string
	ContentType  string
	Method       string
	StatusMin    int
	StatusMax    int
	MinSize      int
	MaxSize      int
	SinceMinutes int // 0 means unbounded
	Limit        int
}

// TimelineParams shape the activity timeline query.
type TimelineParams struct {
	TimeRangeMinutes int
	GroupBy          string
	IncludeDetails   bool
	FilterHost       string
}

// timelineGroupings are the bucket keys the bridge understands.
var timelineGroupings = map[string]bool{
	"minute":       true,
	"host":         true,
	"status_code":  true,
	"content_type": true,
}

// LiveSessions lists recent captured sessions with normalized metadata. The
// result never includes body content; callers follow up with SessionBody.
func (c *Client) LiveSessions(ctx context.Context, p LiveSessionsParams) map[string]any {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(clampInt(p.Limit, 1, 500)))
	query.Set("since_minutes", strconv.Itoa(clampInt(p.SinceMinutes, 1, 360)))
	if p.HostFilter != "" {
		query.Set("host", p.HostFilter)
	}
	if p.StatusFilter != "" {
		query.Set("status", p.StatusFilter)
	}
	if p.SuspiciousOnly {
		query.Set("suspicious_only", "true")
	}

	data, err := c.request(ctx, c.httpClient, http.MethodGet, "/api/sessions", query, nil)
	if err != nil {
		if isDown(err) {
			return map[string]any{
				"success":       false,
				"error":         "Cannot connect to real-time bridge. Is it running?",
				"bridge_status": "Disconnected",
				"help":          "Start the capture bridge before querying sessions.",
			}
		}
		return map[string]any{
			"success":       false,
			"error":         fmt.Sprintf("Session query failed: %v", err),
			"bridge_status": "Error",
		}
	}
	if !boolField(data, "success", true) {
		return map[string]any{
			"success":       false,
			"error":         stringField(data, "error", "Session query failed"),
			"bridge_status": stringField(data, "bridge_status", "Unknown"),
		}
	}

	rawSessions := sliceField(data, "sessions")
	sessions := make([]map[string]any, 0, len(rawSessions))
	hosts := map[string]bool{}
	for _, entry := range rawSessions {
		raw, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		normalized := normalizeSession(raw)
		if host, _ := normalized["host"].(string); host != "" {
			hosts[host] = true
		}
		sessions = append(sessions, normalized)
	}

	statistics, ok := data["statistics"].(map[string]any)
	if !ok {
		statistics = map[string]any{
			"total_returned": len(sessions),
			"total_buffered": intField(data, "total_live", len(rawSessions)),
			"unique_hosts":   sortedKeys(hosts),
		}
	}

	result := map[string]any{
		"success":         true,
		"sessions":        sessions,
		"count":           len(sessions),
		"statistics":      statistics,
		"bridge_status":   "Connected",
		"query":           queryEcho(data, query),
		"time_bounds":     mapField(data, "time_bounds"),
		"query_timestamp": time.Now().Format(time.RFC3339),
	}
	if len(sessions) == 0 {
		result["summary"] = "No live sessions found for the provided filters"
		return result
	}
	result["matched_count"] = intField(data, "matched_count", len(sessions))
	result["summary"] = "Use a session ID with proxy__session_headers or proxy__session_body to inspect content."
	result["unique_hosts"] = sortedKeys(hosts)
	return result
}

// Search runs the advanced session search and normalizes the matches.
func (c *Client) Search(ctx context.Context, p SearchParams) map[string]any {
	query := url.Values{}
	query.Set("status_min", strconv.Itoa(p.StatusMin))
	query.Set("status_max", strconv.Itoa(p.StatusMax))
	query.Set("min_size", strconv.Itoa(p.MinSize))
	query.Set("max_size", strconv.Itoa(p.MaxSize))
	query.Set("limit", strconv.Itoa(clampInt(p.Limit, 1, 500)))
	if p.HostPattern != "" {
		query.Set("host", p.HostPattern)
	}
	if p.URLPattern != "" {
		query.Set("url", p.URLPattern)
	}
	if p.ContentType != "" {
		query.Set("content_type", p.ContentType)
	}
	if p.Method != "" {
		query.Set("method", strings.ToUpper(p.Method))
	}
	if p.SinceMinutes > 0 {
		query.Set("since_minutes", strconv.Itoa(clampInt(p.SinceMinutes, 1, 360)))
	}

	data, err := c.request(ctx, c.httpClient, http.MethodGet, "/api/sessions/search", query, nil)
	if err != nil {
		if isDown(err) {
			return map[string]any{
				"success":       false,
				"error":         "Cannot connect to real-time bridge",
				"bridge_status": "Disconnected",
			}
		}
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Search failed: %v", err),
		}
	}
	if !boolField(data, "success", true) {
		return map[string]any{
			"success": false,
			"error":   stringField(data, "error", "Search failed"),
			"query":   queryEcho(data, query),
		}
	}

	sessions := []map[string]any{}
	hosts := map[string]bool{}
	for _, entry := range sliceField(data, "sessions") {
		raw, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		normalized := normalizeSession(raw)
		if host, _ := normalized["host"].(string); host != "" {
			hosts[host] = true
		}
		sessions = append(sessions, normalized)
	}

	return map[string]any{
		"success":       true,
		"search_type":   "advanced",
		"query":         queryEcho(data, query),
		"total_matched": intField(data, "total_matched", 0),
		"returned":      len(sessions),
		"sessions":      sessions,
		"unique_hosts":  sortedKeys(hosts),
	}
}

// SessionHeaders fetches the captured request/response headers for a session.
func (c *Client) SessionHeaders(ctx context.Context, sessionID string) map[string]any {
	data, err := c.request(ctx, c.httpClient, http.MethodGet, "/api/sessions/headers/"+url.PathEscape(sessionID), nil, nil)
	if err != nil {
		if isDown(err) {
			return map[string]any{
				"success":       false,
				"error":         "Cannot connect to real-time bridge",
				"bridge_status": "Disconnected",
			}
		}
		return map[string]any{
			"success":    false,
			"error":      fmt.Sprintf("Header lookup failed: %v", err),
			"session_id": sessionID,
		}
	}
	if !boolField(data, "success", false) {
		return map[string]any{
			"success":    false,
			"error":      stringField(data, "error", "Headers not available"),
			"session_id": sessionID,
		}
	}
	return map[string]any{
		"success":          true,
		"session_id":       sessionID,
		"request_headers":  mapField(data, "request_headers"),
		"response_headers": mapField(data, "response_headers"),
		"notes": []string{
			"Use these headers to reason about authentication, caching, and security controls yourself.",
		},
	}
}

// SessionBody retrieves the request and response payload of one session,
// retrying on transient bridge failures. When smartExtract is set the bridge
// answers large bodies with a structured head/tail/pattern extraction instead
// of a flat truncation.
func (c *Client) SessionBody(ctx context.Context, sessionID string, includeBinary, smartExtract bool) map[string]any {
	query := url.Values{}
	if includeBinary {
		query.Set("raw", "true")
	}
	if smartExtract {
		query.Set("smart_extract", "true")
	}

	data, err := c.requestWithRetry(ctx, c.bodyClient, http.MethodGet, "/api/sessions/body/"+url.PathEscape(sessionID), query, nil)
	if err != nil {
		if isDown(err) {
			return map[string]any{
				"success":       false,
				"error":         "Cannot connect to real-time bridge after retries",
				"bridge_status": "Disconnected",
			}
		}
		return map[string]any{
			"success":    false,
			"error":      fmt.Sprintf("Body retrieval failed: %v", err),
			"session_id": sessionID,
		}
	}
	if !boolField(data, "success", false) {
		return map[string]any{
			"success":    false,
			"error":      stringField(data, "error", "Body not available"),
			"session_id": sessionID,
		}
	}

	truncated := boolField(data, "truncated", false)
	result := map[string]any{
		"success":            true,
		"analysis_type":      "body",
		"id":                 stringField(data, "id", sessionID),
		"session_id":         sessionID,
		"content_type":       stringField(data, "content_type", ""),
		"content_length":     intField(data, "content_length", 0),
		"request_body":       stringField(data, "request_body", ""),
		"response_body":      stringField(data, "response_body", ""),
		"truncated":          truncated,
		"response_truncated": boolField(data, "response_truncated", truncated),
		"request_truncated":  boolField(data, "request_truncated", false),
		"full_size":          mapField(data, "full_size"),
	}
	result["threat_comment"] = coalesceComment(data, "threat_comments", "session_flags", "threat_flags")

	c.attachSessionMetadata(ctx, sessionID, result)

	if boolField(data, "smart_extraction_available", false) {
		result["smart_extraction"] = mapField(data, "smart_extraction")
		result["smart_extraction_available"] = true
	} else {
		result["smart_extraction_available"] = false
		if msg := stringField(data, "smart_extraction_error", ""); msg != "" {
			result["smart_extraction_error"] = msg
		}
	}
	return result
}

// attachSessionMetadata enriches a body result with host/url/method/status
// from the live listing. Metadata is optional; lookup failures are ignored.
func (c *Client) attachSessionMetadata(ctx context.Context, sessionID string, result map[string]any) {
	listing := c.LiveSessions(ctx, LiveSessionsParams{Limit: 500, SinceMinutes: 360})
	if !boolField(listing, "success", false) {
		return
	}
	sessions, _ := listing["sessions"].([]map[string]any)
	for _, sess := range sessions {
		if stringField(sess, "id", "") != sessionID {
			continue
		}
		result["host"] = stringField(sess, "host", "")
		result["url"] = stringField(sess, "url", "")
		result["method"] = stringField(sess, "method", "")
		result["status"] = stringField(sess, "status", "")
		if result["threat_comment"] == nil && sess["threat_comment"] != nil {
			result["threat_comment"] = sess["threat_comment"]
		}
		return
	}
}

// CompareSessions fetches bodies for several sessions in one call for
// comparative analysis. Per-session failures are folded into the result
// rather than failing the batch.
func (c *Client) CompareSessions(ctx context.Context, sessionIDs []string, includeBinary, smartExtract bool) map[string]any {
	if len(sessionIDs) == 0 {
		return map[string]any{
			"success":   false,
			"error":     "No session IDs provided",
			"sessions":  []map[string]any{},
			"count":     0,
			"requested": 0,
		}
	}

	sessions := make([]map[string]any, 0, len(sessionIDs))
	fetched := 0
	for _, id := range sessionIDs {
		body := c.SessionBody(ctx, id, includeBinary, smartExtract)
		if !boolField(body, "success", false) {
			sessions = append(sessions, map[string]any{
				"session_id":    id,
				"success":       false,
				"error":         stringField(body, "error", "Failed to fetch session"),
				"response_body": "",
				"request_body":  "",
			})
			continue
		}
		info := map[string]any{
			"session_id":     id,
			"success":        true,
			"response_body":  stringField(body, "response_body", ""),
			"request_body":   stringField(body, "request_body", ""),
			"content_type":   stringField(body, "content_type", ""),
			"content_length": intField(body, "content_length", 0),
			"truncated":      boolField(body, "truncated", false),
			"host":           stringField(body, "host", ""),
			"url":            stringField(body, "url", ""),
			"method":         stringField(body, "method", ""),
			"status":         stringField(body, "status", ""),
			"threat_comment": body["threat_comment"],
		}
		if boolField(body, "smart_extraction_available", false) {
			info["smart_extraction"] = mapField(body, "smart_extraction")
			info["smart_extraction_available"] = true
		}
		sessions = append(sessions, info)
		fetched++
	}

	return map[string]any{
		"success":       true,
		"sessions":      sessions,
		"count":         fetched,
		"requested":     len(sessionIDs),
		"analysis_type": "comparison",
		"note":          fmt.Sprintf("Successfully fetched %d of %d sessions for comparison", fetched, len(sessionIDs)),
	}
}

// LiveStats summarises bridge health: buffer depth, capture rates, uptime.
func (c *Client) LiveStats(ctx context.Context) map[string]any {
	data, err := c.request(ctx, c.httpClient, http.MethodGet, "/api/stats", nil, nil)
	if err != nil {
		if isDown(err) {
			return map[string]any{
				"success":       false,
				"error":         "Real-time bridge is not running",
				"bridge_status": "Disconnected",
				"help":          "Start the capture bridge before requesting stats.",
			}
		}
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Failed to get stats: %v", err),
		}
	}

	uptimeSeconds := floatField(data, "uptime_seconds", 0)
	uptimeHours := uptimeSeconds / 3600
	lastMinute := intField(data, "last_minute", 0)
	lastHour := intField(data, "last_hour", 0)
	totalSessions := intField(data, "total_sessions", 0)
	buffered := intField(data, "buffered_sessions", totalSessions)
	suspicious := intField(data, "suspicious_sessions", 0)
	memoryUsage := mapField(data, "memory_usage")
	usageRatio := floatField(data, "buffer_usage_ratio", 0)

	avgPerMinute := 0.0
	if lastHour > 0 {
		avgPerMinute = round1(float64(lastHour) / 60)
	}
	health := "Warning"
	if uptimeSeconds > 0 && !boolField(memoryUsage, "live_buffer_full", false) {
		health = "Healthy"
	}

	return map[string]any{
		"success":             true,
		"bridge_status":       stringField(data, "bridge_status", "Connected"),
		"total_sessions":      totalSessions,
		"buffered_sessions":   buffered,
		"buffer_capacity":     intField(data, "buffer_capacity", 2000),
		"buffer_usage_ratio":  usageRatio,
		"buffer_usage_pct":    round2(usageRatio * 100),
		"suspicious_sessions": suspicious,
		"last_minute":         lastMinute,
		"last_hour":           lastHour,
		"uptime_seconds":      uptimeSeconds,
		"uptime_hours":        round2(uptimeHours),
		"monitoring": map[string]any{
			"total_sessions_captured": totalSessions,
			"sessions_in_buffer":      buffered,
			"suspicious_sessions":     suspicious,
			"uptime_hours":            round2(uptimeHours),
			"capture_rate": map[string]any{
				"last_minute":    lastMinute,
				"last_hour":      lastHour,
				"avg_per_minute": avgPerMinute,
			},
		},
		"memory_status": memoryUsage,
		"health":        health,
		"timestamp":     time.Now().Format(time.RFC3339),
	}
}

// Timeline groups recent activity into buckets by time, host, status, or MIME
// type. Unknown groupings fall back to per-minute buckets.
func (c *Client) Timeline(ctx context.Context, p TimelineParams) map[string]any {
	groupBy := p.GroupBy
	if !timelineGroupings[groupBy] {
		groupBy = "minute"
	}
	rangeMinutes := clampInt(p.TimeRangeMinutes, 1, 180)

	query := url.Values{}
	query.Set("time_range_minutes", strconv.Itoa(rangeMinutes))
	query.Set("group_by", groupBy)
	query.Set("include_details", strconv.FormatBool(p.IncludeDetails))
	if p.FilterHost != "" {
		query.Set("filter_host", p.FilterHost)
	}

	data, err := c.request(ctx, c.httpClient, http.MethodGet, "/api/sessions/timeline", query, nil)
	if err != nil {
		if isDown(err) {
			return map[string]any{
				"success":       false,
				"error":         "Cannot connect to real-time bridge",
				"bridge_status": "Disconnected",
			}
		}
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Timeline request failed: %v", err),
		}
	}

	return map[string]any{
		"success":            true,
		"analysis_type":      "timeline",
		"timeline":           mapField(data, "timeline"),
		"timeline_entries":   intField(data, "timeline_entries", 0),
		"total_sessions":     intField(data, "total_sessions", 0),
		"group_by":           stringField(data, "group_by", groupBy),
		"time_range_minutes": intField(data, "time_range_minutes", rangeMinutes),
		"filter_host":        stringField(data, "filter_host", p.FilterHost),
		"include_details":    p.IncludeDetails,
	}
}

// Clear empties the rolling session buffers. Destructive, so it refuses to
// run without explicit confirmation.
func (c *Client) Clear(ctx context.Context, confirm, clearSuspicious bool) map[string]any {
	if !confirm {
		return map[string]any{
			"success": false,
			"error":   "Confirmation required to clear sessions",
			"help":    "Set confirm=true to permanently delete all buffered session data.",
		}
	}

	payload := map[string]any{"confirm": true, "clear_suspicious": clearSuspicious}
	data, err := c.request(ctx, c.httpClient, http.MethodPost, "/api/clear", nil, payload)
	if err != nil {
		if isDown(err) {
			return map[string]any{
				"success":       false,
				"error":         "Cannot connect to real-time bridge",
				"bridge_status": "Disconnected",
			}
		}
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Clear request failed: %v", err),
		}
	}
	if !boolField(data, "success", true) {
		return map[string]any{
			"success": false,
			"error":   stringField(data, "error", "Clear request failed"),
		}
	}

	return map[string]any{
		"success": true,
		"message": stringField(data, "message", "Sessions cleared"),
		"cleared_counts": map[string]any{
			"live_sessions":       intField(data, "sessions_cleared", 0),
			"suspicious_sessions": intField(data, "suspicious_cleared", 0),
		},
		"timestamp": stringField(data, "timestamp", time.Now().Format(time.RFC3339)),
	}
}

// normalizeSession flattens one raw bridge session record into the stable
// metadata shape the agent prompts are written against. The status field is
// always a string; upstream captures mix numeric and string codes.
func normalizeSession(raw map[string]any) map[string]any {
	status := stringField(raw, "statusCode", "")
	if status == "" {
		status = stringField(raw, "status", "?")
	}
	contentType := stringField(raw, "content_type", "")
	if contentType == "" {
		contentType = stringField(raw, "contentType", "")
	}
	size := intField(raw, "size", intField(raw, "contentLength", 0))
	isHTTPS := boolField(raw, "is_https", strings.EqualFold(stringField(raw, "scheme", ""), "https"))

	return map[string]any{
		"id":              stringField(raw, "id", ""),
		"time":            raw["time"],
		"received_at":     raw["received_at"],
		"received_at_iso": raw["received_at_iso"],
		"method":          stringField(raw, "method", "GET"),
		"status":          status,
		"status_code":     raw["statusCode"],
		"host":            stringField(raw, "host", ""),
		"url":             stringField(raw, "url", ""),
		"content_type":    contentType,
		"size":            size,
		"content_length":  raw["contentLength"],
		"is_https":        isHTTPS,
		"risk_flag":       raw["risk_flag"],
		"risk_score":      raw["risk_score"],
		"risk_level":      raw["risk_level"],
		"risk_reasons":    raw["risk_reasons"],
		"threat_comment":  coalesceComment(raw, "threatComments", "sessionFlags", "threatFlags"),
	}
}

// coalesceComment picks the first non-blank threat-intel annotation. Returns
// nil (not "") when none is present so JSON output carries an explicit null.
func coalesceComment(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v := strings.TrimSpace(stringField(m, key, "")); v != "" {
			return v
		}
	}
	return nil
}

func queryEcho(data map[string]any, sent url.Values) any {
	if echoed, ok := data["query"]; ok {
		return echoed
	}
	flat := map[string]any{}
	for key := range sent {
		flat[key] = sent.Get(key)
	}
	return flat
}

func isDown(err error) bool {
	return errors.Is(err, ErrBridgeDown)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func round1(v float64) float64 { return float64(int(v*10+0.5)) / 10 }
func round2(v float64) float64 { return float64(int(v*100+0.5)) / 100 }
