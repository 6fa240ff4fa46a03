package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// StdioConfig describes how to spawn a tool server speaking newline-delimited
// JSON-RPC over its stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	Options Options
}

// maxFrameSize caps a single stdout line. Large bodies are expected from
// inspection servers, so the ceiling is generous.
const maxFrameSize = 32 << 20

// shutdownGrace is how long Close waits for the server to exit after its
// stdin is closed before the process is killed.
const shutdownGrace = 3 * time.Second

// NewStdioSession starts the configured command, binds its pipes to a
// transport and performs the handshake. The server's stderr is drained by a
// background goroutine into the session logger so the child can never block
// on a full pipe. Any failure during initialisation stops the process.
func NewStdioSession(ctx context.Context, cfg StdioConfig) (*Session, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	logger := cfg.Options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", cfg.Command, err)
	}
	logger.Info("tool server started", "command", cfg.Command, "pid", cmd.Process.Pid)

	go drainStderr(stderr, logger)

	transport := &stdioTransport{
		reader: bufio.NewReaderSize(stdout, 64<<10),
		writer: stdin,
		cmd:    cmd,
	}

	session, err := NewSession(ctx, transport, cfg.Options)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return session, nil
}

// drainStderr forwards the server's stderr line by line into the log. The
// goroutine exits when the pipe does.
func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Info("server stderr", "line", line)
		}
	}
}

// stdioTransport frames messages as single JSON documents terminated by a
// newline.
type stdioTransport struct {
	reader  *bufio.Reader
	writer  io.WriteCloser
	cmd     *exec.Cmd
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (t *stdioTransport) Send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(payload); err != nil {
		return err
	}
	_, err := t.writer.Write([]byte{'\n'})
	return err
}

func (t *stdioTransport) Receive() ([]byte, error) {
	for {
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 && err == io.EOF {
				return line, nil
			}
			return nil, err
		}
		if len(line) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
		trimmed := []byte(strings.TrimSpace(string(line)))
		if len(trimmed) == 0 {
			continue
		}
		return trimmed, nil
	}
}

// Alive reports whether the spawned process is still running.
func (t *stdioTransport) Alive() bool {
	if t.cmd == nil || t.cmd.Process == nil {
		return false
	}
	if t.cmd.ProcessState != nil {
		return false
	}
	return t.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Close shuts the server down: stdin is closed first so a well-behaved
// server exits on its own, then the process is killed if it lingers past the
// grace period.
func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.writer.Close()
		if t.cmd == nil || t.cmd.Process == nil {
			return
		}
		done := make(chan struct{})
		go func() {
			_ = t.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			_ = t.cmd.Process.Kill()
			<-done
		}
	})
	return t.closeErr
}
