package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying transport failures. Callers distinguish them
// with errors.Is and decide whether the session is still usable: everything
// except ErrUnreachable and ErrClosed leaves the session alive.
var (
	// ErrTimeout indicates the server did not respond within the request
	// deadline. The server process is still running.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrClosed indicates the session was closed locally.
	ErrClosed = errors.New("mcp: session closed")

	// ErrUnreachable indicates the server process has exited or its pipes
	// are gone.
	ErrUnreachable = errors.New("mcp: server unreachable")

	// ErrProtocol indicates the server sent a frame the client could not
	// interpret as a JSON-RPC response.
	ErrProtocol = errors.New("mcp: protocol violation")
)

// HandshakeError reports a failed initialize exchange. ProcessAlive records
// whether the server process was still running when the handshake gave up,
// which is the first thing worth knowing when a session refuses to come up.
type HandshakeError struct {
	Err          error
	ProcessAlive bool
}

func (e *HandshakeError) Error() string {
	state := "process exited"
	if e.ProcessAlive {
		state = "process alive"
	}
	return fmt.Sprintf("mcp: handshake failed (%s): %v", state, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by the server. The invocation
// itself completed; the server rejected the request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: server error %d: %s", e.Code, e.Message)
}
