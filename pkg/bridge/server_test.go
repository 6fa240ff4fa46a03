package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxysleuth/sleuth/pkg/mcp"
)

// serverConn runs a Server over in-memory pipes and hands back the client
// ends plus a stop function.
func serverConn(t *testing.T, client *Client) (*bufio.Reader, io.Writer) {
	t.Helper()
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	srv := NewServer(client, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx, serverReader, serverWriter)
	}()
	t.Cleanup(func() {
		cancel()
		clientWriter.Close()
		serverWriter.Close()
		<-done
	})
	return bufio.NewReader(clientReader), clientWriter
}

func roundTrip(t *testing.T, r *bufio.Reader, w io.Writer, request map[string]any) map[string]any {
	t.Helper()
	payload, err := json.Marshal(request)
	require.NoError(t, err)
	_, err = w.Write(append(payload, '\n'))
	require.NoError(t, err)

	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var response map[string]any
	require.NoError(t, json.Unmarshal(line, &response))
	return response
}

func stubBridge(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/stats":
			json.NewEncoder(w).Encode(map[string]any{
				"total_sessions": 10,
				"uptime_seconds": 60,
				"memory_usage":   map[string]any{},
			})
		case "/api/sessions":
			json.NewEncoder(w).Encode(map[string]any{
				"success":  true,
				"sessions": []map[string]any{{"id": "1", "host": "example.com", "statusCode": 200}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return NewClient(ClientOptions{BaseURL: srv.URL, Logger: slog.New(slog.DiscardHandler)})
}

func TestServerHandshakeAndListing(t *testing.T) {
	r, w := serverConn(t, stubBridge(t))

	init := roundTrip(t, r, w, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2024-11-05"},
	})
	result := init["result"].(map[string]any)
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "sleuth-bridge", info["name"])

	// Notification draws no reply; the next exchange must still line up.
	payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})
	_, err := w.Write(append(payload, '\n'))
	require.NoError(t, err)

	listing := roundTrip(t, r, w, map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/list"})
	tools := listing["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 8)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "proxy__live_sessions")
	assert.Contains(t, names, "proxy__session_body")
	assert.Contains(t, names, "proxy__sessions_clear")
	for _, name := range names {
		assert.Regexp(t, `^proxy__[a-z_]+$`, name)
	}
}

func TestServerCallWrapsResultAsContent(t *testing.T) {
	r, w := serverConn(t, stubBridge(t))

	response := roundTrip(t, r, w, map[string]any{
		"jsonrpc": "2.0", "id": 5, "method": "tools/call",
		"params": map[string]any{"name": "proxy__live_stats"},
	})
	content := response["result"].(map[string]any)["content"].([]any)
	require.Len(t, content, 1)
	item := content[0].(map[string]any)
	assert.Equal(t, "text", item["type"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(item["text"].(string)), &payload))
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, float64(10), payload["total_sessions"])
}

func TestServerRejectsUnknownTool(t *testing.T) {
	r, w := serverConn(t, stubBridge(t))

	response := roundTrip(t, r, w, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "tools/call",
		"params": map[string]any{"name": "proxy__session_raw"},
	})
	rpcErr := response["error"].(map[string]any)
	assert.Equal(t, float64(codeInvalidParams), rpcErr["code"])
	assert.Contains(t, rpcErr["message"], "unknown tool")
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	r, w := serverConn(t, stubBridge(t))

	response := roundTrip(t, r, w, map[string]any{"jsonrpc": "2.0", "id": 4, "method": "resources/list"})
	rpcErr := response["error"].(map[string]any)
	assert.Equal(t, float64(codeMethodNotFound), rpcErr["code"])
}

func TestServerCompareRequiresTwoIDs(t *testing.T) {
	r, w := serverConn(t, stubBridge(t))

	response := roundTrip(t, r, w, map[string]any{
		"jsonrpc": "2.0", "id": 6, "method": "tools/call",
		"params": map[string]any{
			"name":      "proxy__compare_sessions",
			"arguments": map[string]any{"session_ids": []string{"1"}},
		},
	})
	content := response["result"].(map[string]any)["content"].([]any)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(content[0].(map[string]any)["text"].(string)), &payload))
	assert.Equal(t, false, payload["success"])
	assert.Contains(t, payload["error"], "at least 2 session IDs")
}

// lineTransport adapts pipe ends to the client session's Transport.
type lineTransport struct {
	r *bufio.Reader
	w io.Writer
	c []io.Closer
}

func (t *lineTransport) Send(payload []byte) error {
	_, err := t.w.Write(append(payload, '\n'))
	return err
}

func (t *lineTransport) Receive() ([]byte, error) {
	line, err := t.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (t *lineTransport) Close() error {
	for _, closer := range t.c {
		closer.Close()
	}
	return nil
}

// The server must be drivable by the same client session the agent uses.
func TestServerSpeaksClientProtocol(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	srv := NewServer(stubBridge(t), slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx, serverReader, serverWriter)
	}()
	t.Cleanup(func() {
		cancel()
		serverWriter.Close()
		<-done
	})

	transport := &lineTransport{
		r: bufio.NewReader(clientReader),
		w: clientWriter,
		c: []io.Closer{clientWriter, clientReader},
	}
	session, err := mcp.NewSession(ctx, transport, mcp.Options{
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "sleuth-bridge", session.Server().Name)

	tools, err := session.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 8)

	result, err := session.CallTool(ctx, "proxy__live_sessions", map[string]any{"limit": 5})
	require.NoError(t, err)
	assert.Contains(t, result.Text(), `"success":true`)
}
