package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(ClientOptions{
		BaseURL: srv.URL,
		Logger:  slog.New(slog.DiscardHandler),
	})
	client.retryInterval = time.Millisecond
	return client, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func TestLiveSessionsNormalizesMetadata(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions", r.URL.Path)
		assert.Equal(t, "500", r.URL.Query().Get("limit")) // clamped from 9000
		writeJSON(t, w, map[string]any{
			"success": true,
			"sessions": []map[string]any{
				{
					"id":            120,
					"method":        "POST",
					"statusCode":    404,
					"host":          "b.example.com",
					"url":           "https://b.example.com/collect",
					"contentType":   "application/json",
					"contentLength": 2048,
					"scheme":        "HTTPS",
					"sessionFlags":  "  High: JavaScript obfuscation  ",
				},
				{
					"id":     "sid-1758709783214",
					"method": "GET",
					"status": 200,
					"host":   "a.example.com",
				},
			},
		})
	}))

	result := client.LiveSessions(context.Background(), LiveSessionsParams{Limit: 9000, SinceMinutes: 5})
	require.Equal(t, true, result["success"])
	assert.Equal(t, 2, result["count"])
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, result["unique_hosts"])

	sessions := result["sessions"].([]map[string]any)
	first := sessions[0]
	assert.Equal(t, "120", first["id"])
	assert.Equal(t, "404", first["status"])
	assert.Equal(t, "application/json", first["content_type"])
	assert.Equal(t, 2048, first["size"])
	assert.Equal(t, true, first["is_https"])
	assert.Equal(t, "High: JavaScript obfuscation", first["threat_comment"])

	second := sessions[1]
	assert.Equal(t, "200", second["status"])
	assert.Nil(t, second["threat_comment"])
}

func TestLiveSessionsBridgeDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening anymore
	client := NewClient(ClientOptions{BaseURL: srv.URL, Logger: slog.New(slog.DiscardHandler)})

	result := client.LiveSessions(context.Background(), LiveSessionsParams{Limit: 10, SinceMinutes: 5})
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "Disconnected", result["bridge_status"])
	assert.Contains(t, result["error"], "Cannot connect")
}

func TestLiveSessionsEmptyResult(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"success": true, "sessions": []any{}})
	}))

	result := client.LiveSessions(context.Background(), LiveSessionsParams{Limit: 10, SinceMinutes: 5})
	require.Equal(t, true, result["success"])
	assert.Equal(t, 0, result["count"])
	assert.Equal(t, "No live sessions found for the provided filters", result["summary"])
}

func TestSearchBuildsQueryAndNormalizes(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "POST", q.Get("method"))
		assert.Equal(t, "javascript", q.Get("content_type"))
		assert.Equal(t, "400", q.Get("status_min"))
		assert.Equal(t, "", q.Get("since_minutes"))
		writeJSON(t, w, map[string]any{
			"success":       true,
			"total_matched": 7,
			"sessions": []map[string]any{
				{"id": "9", "host": "cdn.example.com", "statusCode": 500},
			},
		})
	}))

	result := client.Search(context.Background(), SearchParams{
		Method:      "post",
		ContentType: "javascript",
		StatusMin:   400,
		StatusMax:   999,
		MaxSize:     1_000_000_000,
		Limit:       50,
	})
	require.Equal(t, true, result["success"])
	assert.Equal(t, "advanced", result["search_type"])
	assert.Equal(t, 7, result["total_matched"])
	assert.Equal(t, 1, result["returned"])
	assert.Equal(t, []string{"cdn.example.com"}, result["unique_hosts"])
}

func TestSessionHeadersFoldsUpstreamFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"success": false, "error": "session evicted"})
	}))

	result := client.SessionHeaders(context.Background(), "42")
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "session evicted", result["error"])
	assert.Equal(t, "42", result["session_id"])
}

func TestSessionBodyEnrichesWithMetadata(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions/body/120":
			assert.Equal(t, "true", r.URL.Query().Get("smart_extract"))
			writeJSON(t, w, map[string]any{
				"success":                    true,
				"content_type":               "text/javascript",
				"content_length":             120000,
				"response_body":              "var a = 1;",
				"truncated":                  true,
				"smart_extraction_available": true,
				"smart_extraction": map[string]any{
					"head": "var a = 1;",
					"tail": "run();",
				},
			})
		case "/api/sessions":
			writeJSON(t, w, map[string]any{
				"success": true,
				"sessions": []map[string]any{
					{"id": "120", "host": "evil.example.com", "url": "https://evil.example.com/x.js", "method": "GET", "statusCode": 200},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	result := client.SessionBody(context.Background(), "120", false, true)
	require.Equal(t, true, result["success"])
	assert.Equal(t, "evil.example.com", result["host"])
	assert.Equal(t, "GET", result["method"])
	assert.Equal(t, "200", result["status"])
	assert.Equal(t, true, result["smart_extraction_available"])
	extraction := result["smart_extraction"].(map[string]any)
	assert.Equal(t, "run();", extraction["tail"])
}

func TestSessionBodyRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions/body/7":
			if attempts.Add(1) < 3 {
				http.Error(w, "buffer draining", http.StatusInternalServerError)
				return
			}
			writeJSON(t, w, map[string]any{"success": true, "response_body": "ok"})
		case "/api/sessions":
			writeJSON(t, w, map[string]any{"success": true, "sessions": []any{}})
		}
	}))

	result := client.SessionBody(context.Background(), "7", false, false)
	require.Equal(t, true, result["success"])
	assert.Equal(t, "ok", result["response_body"])
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSessionBodyGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "still broken", http.StatusInternalServerError)
	}))

	result := client.SessionBody(context.Background(), "7", false, false)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "Body retrieval failed")
	assert.Equal(t, int32(maxAttempts), attempts.Load())
}

func TestCompareSessionsFoldsPartialFailures(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions/body/1":
			writeJSON(t, w, map[string]any{"success": true, "response_body": "alpha", "content_type": "text/html"})
		case "/api/sessions/body/2":
			writeJSON(t, w, map[string]any{"success": false, "error": "session evicted"})
		case "/api/sessions":
			writeJSON(t, w, map[string]any{"success": true, "sessions": []any{}})
		}
	}))

	result := client.CompareSessions(context.Background(), []string{"1", "2"}, false, false)
	require.Equal(t, true, result["success"])
	assert.Equal(t, 1, result["count"])
	assert.Equal(t, 2, result["requested"])
	assert.Contains(t, result["note"], "1 of 2")

	sessions := result["sessions"].([]map[string]any)
	require.Len(t, sessions, 2)
	assert.Equal(t, true, sessions[0]["success"])
	assert.Equal(t, "alpha", sessions[0]["response_body"])
	assert.Equal(t, false, sessions[1]["success"])
	assert.Equal(t, "session evicted", sessions[1]["error"])
}

func TestLiveStatsComputesDerivedFields(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stats", r.URL.Path)
		writeJSON(t, w, map[string]any{
			"total_sessions":     1500,
			"buffered_sessions":  900,
			"buffer_capacity":    2000,
			"buffer_usage_ratio": 0.45,
			"last_minute":        12,
			"last_hour":          600,
			"uptime_seconds":     7200,
			"memory_usage":       map[string]any{"live_buffer_full": false},
		})
	}))

	result := client.LiveStats(context.Background())
	require.Equal(t, true, result["success"])
	assert.Equal(t, 45.0, result["buffer_usage_pct"])
	assert.Equal(t, 2.0, result["uptime_hours"])
	assert.Equal(t, "Healthy", result["health"])

	monitoring := result["monitoring"].(map[string]any)
	rate := monitoring["capture_rate"].(map[string]any)
	assert.Equal(t, 10.0, rate["avg_per_minute"])
}

func TestTimelineFallsBackToMinuteGrouping(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "minute", r.URL.Query().Get("group_by"))
		assert.Equal(t, "180", r.URL.Query().Get("time_range_minutes"))
		writeJSON(t, w, map[string]any{
			"timeline":         map[string]any{"12:00": map[string]any{"count": 4}},
			"timeline_entries": 1,
			"total_sessions":   4,
		})
	}))

	result := client.Timeline(context.Background(), TimelineParams{
		TimeRangeMinutes: 999,
		GroupBy:          "bogus",
		IncludeDetails:   true,
	})
	require.Equal(t, true, result["success"])
	assert.Equal(t, "minute", result["group_by"])
	assert.Equal(t, 1, result["timeline_entries"])
}

func TestClearRefusesWithoutConfirmation(t *testing.T) {
	called := false
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	result := client.Clear(context.Background(), false, false)
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "Confirmation required")
	assert.False(t, called)
}

func TestClearPostsConfirmation(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/clear", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, true, payload["confirm"])
		assert.Equal(t, true, payload["clear_suspicious"])
		writeJSON(t, w, map[string]any{
			"success":            true,
			"sessions_cleared":   42,
			"suspicious_cleared": 3,
		})
	}))

	result := client.Clear(context.Background(), true, true)
	require.Equal(t, true, result["success"])
	counts := result["cleared_counts"].(map[string]any)
	assert.Equal(t, 42, counts["live_sessions"])
	assert.Equal(t, 3, counts["suspicious_sessions"])
}

func TestHealthy(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	assert.True(t, client.Healthy(context.Background()))

	srv.Close()
	assert.False(t, client.Healthy(context.Background()))
}

func TestRequestWrapsNonJSONPayload(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain banner"))
	}))

	data, err := client.request(context.Background(), client.httpClient, http.MethodGet, "/api/stats", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain banner", data["raw"])
}
