// Package mcp implements a Model Context Protocol client session over a
// newline-delimited JSON-RPC 2.0 transport. It covers the tooling surface
// (listing and invoking tools) needed to drive an inspection tool server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// protocolVersion is the MCP release the client advertises during the
	// initialize handshake.
	protocolVersion = "2024-11-05"

	// DefaultRequestTimeout bounds how long a single request waits for its
	// response before the call is abandoned. The server process is left
	// running; only the request fails.
	DefaultRequestTimeout = 30 * time.Second
)

// ClientInfo describes the calling application when establishing a session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options control how the session initialises the remote server.
type Options struct {
	ClientInfo      ClientInfo
	Capabilities    map[string]any
	ProtocolVersion string

	// RequestTimeout bounds each request/response exchange. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Logger receives protocol diagnostics and the server's stderr stream.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// ToolDefinition mirrors the subset of the MCP tool schema the agent needs.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content represents a single content part returned from a tool invocation.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
}

// CallResult captures the structured output of a tool invocation.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates the text parts of the result, joined with newlines.
func (r CallResult) Text() string {
	var segments []string
	for _, part := range r.Content {
		if part.Type != "text" {
			continue
		}
		if trimmed := strings.TrimSpace(part.Text); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return strings.Join(segments, "\n")
}

// Transport carries raw frames between client and server. Send and Receive
// operate on complete JSON documents; framing is the transport's concern.
type Transport interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	Close() error
}

// sessionState tracks the handshake lifecycle.
type sessionState int32

const (
	stateUninitialized sessionState = iota
	stateInitializing
	stateReady
	stateTerminated
)

// Session is a single client connection to a tool server. One request is in
// flight at a time; concurrent callers serialize on an internal mutex. A
// Session is an explicit value: callers may hold several, each owning its own
// server process.
type Session struct {
	transport Transport
	opts      Options
	logger    *slog.Logger
	timeout   time.Duration

	// alive reports whether the underlying server process is still running.
	// Nil when the transport has no process (in-memory tests).
	alive func() bool

	idCounter atomic.Uint64
	state     atomic.Int32

	mu       sync.Mutex // serializes request/response exchanges
	incoming chan envelope
	readErr  error
	readDone chan struct{}

	serverInfo ServerInfo
}

// ServerInfo is the metadata returned by the server during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewSession wraps a transport in a session and performs the initialize
// handshake followed by the initialized notification. The transport is closed
// if the handshake fails.
func NewSession(ctx context.Context, transport Transport, opts Options) (*Session, error) {
	if transport == nil {
		return nil, errors.New("mcp: transport is nil")
	}

	if strings.TrimSpace(opts.ClientInfo.Name) == "" {
		opts.ClientInfo.Name = "sleuth"
	}
	if strings.TrimSpace(opts.ClientInfo.Version) == "" {
		opts.ClientInfo.Version = "dev"
	}
	if opts.Capabilities == nil {
		opts.Capabilities = map[string]any{"tools": map[string]any{}}
	}
	if strings.TrimSpace(opts.ProtocolVersion) == "" {
		opts.ProtocolVersion = protocolVersion
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		transport: transport,
		opts:      opts,
		logger:    logger,
		timeout:   opts.RequestTimeout,
		incoming:  make(chan envelope, 8),
		readDone:  make(chan struct{}),
	}
	if a, ok := transport.(interface{ Alive() bool }); ok {
		s.alive = a.Alive
	}
	go s.readLoop()

	if err := s.handshake(ctx); err != nil {
		s.state.Store(int32(stateTerminated))
		transport.Close()
		return nil, &HandshakeError{Err: err, ProcessAlive: s.processAlive()}
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context) error {
	s.state.Store(int32(stateInitializing))

	params := map[string]any{
		"protocolVersion": s.opts.ProtocolVersion,
		"clientInfo":      s.opts.ClientInfo,
		"capabilities":    s.opts.Capabilities,
	}
	var resp struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := s.request(ctx, "initialize", params, &resp); err != nil {
		return err
	}
	s.serverInfo = resp.ServerInfo

	// The initialized notification is sent exactly once, after the server
	// accepted initialize and before any other request.
	if err := s.Notify("notifications/initialized", nil); err != nil {
		return err
	}

	s.state.Store(int32(stateReady))
	s.logger.Info("mcp session ready",
		"server", resp.ServerInfo.Name,
		"version", resp.ServerInfo.Version,
		"protocol", resp.ProtocolVersion)
	return nil
}

// Server returns the remote server metadata captured during the handshake.
func (s *Session) Server() ServerInfo {
	if s == nil {
		return ServerInfo{}
	}
	return s.serverInfo
}

// Close terminates the session and releases the transport. Idempotent.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	if sessionState(s.state.Swap(int32(stateTerminated))) == stateTerminated {
		return nil
	}
	return s.transport.Close()
}

// ListTools retrieves the tools exposed by the server, following pagination
// cursors when the server paginates.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	var (
		cursor string
		tools  []ToolDefinition
	)
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var resp struct {
			Tools      []ToolDefinition `json:"tools"`
			NextCursor string           `json:"nextCursor,omitempty"`
		}
		if err := s.request(ctx, "tools/list", params, &resp); err != nil {
			return nil, err
		}

		tools = append(tools, resp.Tools...)
		if strings.TrimSpace(resp.NextCursor) == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return tools, nil
}

// CallTool invokes a named tool. When the server flags the invocation as an
// error the result is still returned so callers can inspect the payload.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (CallResult, error) {
	if err := s.ensureReady(); err != nil {
		return CallResult{}, err
	}
	if strings.TrimSpace(name) == "" {
		return CallResult{}, errors.New("mcp: tool name is required")
	}

	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}

	started := time.Now()
	var result CallResult
	err := s.request(ctx, "tools/call", params, &result)
	s.logger.Info("tools/call",
		"tool", name,
		"elapsed", time.Since(started).Round(time.Millisecond),
		"isError", result.IsError,
		"err", err)
	if err != nil {
		return CallResult{}, err
	}
	return result, nil
}

// CallToolRaw invokes a tool and returns the undecoded result payload.
// Servers in the wild answer tools/call with several envelope shapes, so
// callers that normalize envelopes need the raw bytes.
func (s *Session) CallToolRaw(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("mcp: tool name is required")
	}

	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}

	started := time.Now()
	var raw json.RawMessage
	err := s.request(ctx, "tools/call", params, &raw)
	s.logger.Info("tools/call",
		"tool", name,
		"elapsed", time.Since(started).Round(time.Millisecond),
		"bytes", len(raw),
		"err", err)
	return raw, err
}

// Notify sends a JSON-RPC notification. Notifications carry no id and expect
// no response.
func (s *Session) Notify(method string, params any) error {
	if sessionState(s.state.Load()) == stateTerminated {
		return ErrClosed
	}
	msg := notification{JSONRPC: "2.0", Method: method, Params: params}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcp: marshal notification: %w", err)
	}
	if err := s.transport.Send(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (s *Session) ensureReady() error {
	if s == nil {
		return errors.New("mcp: session is nil")
	}
	switch sessionState(s.state.Load()) {
	case stateTerminated:
		return ErrClosed
	case stateReady:
		return nil
	default:
		return errors.New("mcp: session not initialised")
	}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// readLoop continuously decodes frames off the transport into the incoming
// channel. Lines that do not parse as JSON-RPC envelopes are logged and
// skipped; some servers emit banners on stdout before settling down.
func (s *Session) readLoop() {
	defer close(s.readDone)
	defer close(s.incoming)
	for {
		msg, err := s.transport.Receive()
		if err != nil {
			s.readErr = err
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.logger.Warn("discarding unparseable frame", "frame", clip(string(msg), 200))
			continue
		}
		s.incoming <- env
	}
}

// request performs a single JSON-RPC exchange. Only one request is in flight
// at a time; the mutex holds until the matching response (or failure) shows
// up. Responses with stale ids and server-initiated notifications are skipped.
func (s *Session) request(ctx context.Context, method string, params any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	id := s.idCounter.Add(1)
	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionState(s.state.Load()) == stateTerminated {
		return ErrClosed
	}

	if err := s.transport.Send(payload); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrUnreachable, method, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		select {
		case env, ok := <-s.incoming:
			if !ok {
				return s.terminalReadError(method)
			}
			if env.Method != "" {
				s.logger.Debug("server notification", "method", env.Method)
				continue
			}
			if env.ID == nil || *env.ID != id {
				s.logger.Warn("dropping response with stale id", "method", method, "got", env.ID)
				continue
			}
			if env.Error != nil {
				return env.Error
			}
			if out != nil && len(env.Result) > 0 {
				if err := json.Unmarshal(env.Result, out); err != nil {
					return fmt.Errorf("%w: decode %s result: %v", ErrProtocol, method, err)
				}
			}
			return nil
		case <-timer.C:
			if !s.processAlive() {
				return fmt.Errorf("%w: %s: process exited while waiting", ErrUnreachable, method)
			}
			return fmt.Errorf("%w: %s after %s", ErrTimeout, method, s.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// terminalReadError classifies a dead read loop from the caller's view.
func (s *Session) terminalReadError(method string) error {
	if sessionState(s.state.Load()) == stateTerminated {
		return ErrClosed
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, method, s.readErr)
}

func (s *Session) processAlive() bool {
	if s.alive == nil {
		return true
	}
	return s.alive()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
