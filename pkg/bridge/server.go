package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	serverName      = "sleuth-bridge"
	serverVersion   = "1.0.0"
	serverProtocol  = "2024-11-05"
	maxInboundFrame = 4 * 1024 * 1024
)

// JSON-RPC error codes used by the server loop.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Tool is one entry in the server's tool catalog.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handle      func(ctx context.Context, args map[string]any) map[string]any
}

// Server speaks newline-delimited JSON-RPC 2.0 on a reader/writer pair and
// exposes the bridge client's endpoints as MCP tools. One Server serves one
// client connection; stdio deployments construct it once per process.
type Server struct {
	client *Client
	tools  []Tool
	byName map[string]*Tool
	logger *slog.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer builds a server around a bridge client with the full toolset
// registered.
func NewServer(client *Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		client: client,
		logger: logger,
		byName: map[string]*Tool{},
	}
	s.register(defaultTools(client)...)
	return s
}

func (s *Server) register(tools ...Tool) {
	for _, tool := range tools {
		s.tools = append(s.tools, tool)
		s.byName[tool.Name] = &s.tools[len(s.tools)-1]
	}
}

// Tools lists the registered tool catalog in registration order.
func (s *Server) Tools() []Tool {
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type outbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *outboundError  `json:"error,omitempty"`
}

type outboundError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Run serves requests from r until EOF or context cancellation. Each line is
// one JSON-RPC message; blank lines are skipped.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = w

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxInboundFrame)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			frame := make([]byte, len(line))
			copy(frame, line)
			select {
			case lines <- frame:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s.logger.Info("tool server ready", "tools", len(s.tools))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case frame := <-lines:
			s.handleFrame(ctx, frame)
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, frame []byte) {
	var msg inbound
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.logger.Warn("discarding unparseable frame", "err", err)
		s.reply(outbound{JSONRPC: "2.0", Error: &outboundError{Code: codeParseError, Message: "parse error"}})
		return
	}

	switch msg.Method {
	case "initialize":
		s.reply(outbound{JSONRPC: "2.0", ID: msg.ID, Result: map[string]any{
			"protocolVersion": serverProtocol,
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}})
	case "notifications/initialized":
		// Notification; no response.
	case "tools/list":
		s.reply(outbound{JSONRPC: "2.0", ID: msg.ID, Result: map[string]any{
			"tools": s.toolListing(),
		}})
	case "tools/call":
		s.handleCall(ctx, msg)
	case "ping":
		s.reply(outbound{JSONRPC: "2.0", ID: msg.ID, Result: map[string]any{}})
	default:
		if len(msg.ID) == 0 {
			s.logger.Debug("ignoring notification", "method", msg.Method)
			return
		}
		s.reply(outbound{JSONRPC: "2.0", ID: msg.ID, Error: &outboundError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}})
	}
}

func (s *Server) toolListing() []map[string]any {
	listing := make([]map[string]any, 0, len(s.tools))
	for _, tool := range s.tools {
		listing = append(listing, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": tool.InputSchema,
		})
	}
	return listing
}

func (s *Server) handleCall(ctx context.Context, msg inbound) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.reply(outbound{JSONRPC: "2.0", ID: msg.ID, Error: &outboundError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("invalid tools/call params: %v", err),
		}})
		return
	}

	tool, ok := s.byName[params.Name]
	if !ok {
		s.reply(outbound{JSONRPC: "2.0", ID: msg.ID, Error: &outboundError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		}})
		return
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(params.Arguments))
		decoder.UseNumber()
		if err := decoder.Decode(&args); err != nil {
			s.reply(outbound{JSONRPC: "2.0", ID: msg.ID, Error: &outboundError{
				Code:    codeInvalidParams,
				Message: fmt.Sprintf("invalid arguments for %s: %v", params.Name, err),
			}})
			return
		}
	}

	s.logger.Info("tool called", "tool", params.Name)
	result := tool.Handle(ctx, args)
	if !boolField(result, "success", true) {
		s.logger.Warn("tool result", "tool", params.Name, "error", stringField(result, "error", "unknown"))
	} else {
		s.logger.Info("tool result", "tool", params.Name, "ok", true)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"success": false, "error": "encode result: %v"}`, err))
	}
	s.reply(outbound{JSONRPC: "2.0", ID: msg.ID, Result: map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(payload)}},
	}})
}

func (s *Server) reply(msg outbound) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode reply", "err", err)
		return
	}
	payload = append(payload, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(payload); err != nil {
		s.logger.Error("write reply", "err", err)
	}
}
