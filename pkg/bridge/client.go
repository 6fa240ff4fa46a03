// Package bridge implements the tool-server side of the proxy inspection
// stack: an HTTP client for the real-time capture bridge plus a stdio MCP
// server exposing its endpoints as tools. The agent in cmd/sleuth talks to
// this server the same way it would talk to any other MCP tool server.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultBaseURL is where the capture bridge listens when started with
	// its stock configuration.
	DefaultBaseURL = "http://127.0.0.1:8081"

	// DefaultTimeout bounds metadata requests; DefaultBodyTimeout bounds
	// body retrieval, which can ship multi-megabyte payloads.
	DefaultTimeout     = 10 * time.Second
	DefaultBodyTimeout = 30 * time.Second

	// retryInitialInterval seeds the 1s/2s/4s retry schedule used for body
	// retrieval. maxAttempts counts the first try plus retries.
	retryInitialInterval = time.Second
	maxAttempts          = 3
)

// ErrBridgeDown marks connection-level failures: the bridge process is not
// listening or the socket dropped mid-request.
var ErrBridgeDown = errors.New("bridge: cannot connect")

// RequestError covers non-connection HTTP failures: timeouts, bad status
// codes, and unparseable payloads.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("bridge: request failed: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("bridge: request failed: %s", e.Message)
}

// Client is a thin synchronous client for the capture bridge HTTP API. The
// zero value is not usable; construct with NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	bodyClient *http.Client
	logger     *slog.Logger

	// retryInterval seeds the body-retrieval backoff. Tests shorten it.
	retryInterval time.Duration
}

// ClientOptions configure NewClient. Zero fields take defaults.
type ClientOptions struct {
	BaseURL     string
	Timeout     time.Duration
	BodyTimeout time.Duration
	Logger      *slog.Logger
}

// NewClient builds a bridge client. Requests deliberately bypass any system
// proxy: the capture proxy itself may be registered as the system proxy, and
// routing bridge traffic through it would deadlock localhost requests.
func NewClient(opts ClientOptions) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	bodyTimeout := opts.BodyTimeout
	if bodyTimeout <= 0 {
		bodyTimeout = DefaultBodyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{Proxy: nil}
	return &Client{
		baseURL:       base,
		httpClient:    &http.Client{Timeout: timeout, Transport: transport},
		bodyClient:    &http.Client{Timeout: bodyTimeout, Transport: transport},
		logger:        logger,
		retryInterval: retryInitialInterval,
	}
}

// BaseURL reports the configured bridge endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// request performs one HTTP exchange against the bridge and decodes the JSON
// body. Non-JSON payloads come back wrapped as {"raw": text}.
func (c *Client) request(ctx context.Context, httpClient *http.Client, method, path string, query url.Values, payload any) (map[string]any, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &RequestError{Message: fmt.Sprintf("encode payload: %v", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &RequestError{Message: err.Error()}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		elapsed := time.Since(started).Round(time.Millisecond)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			c.logger.Warn("bridge request timed out", "method", method, "path", path, "elapsed", elapsed)
			return nil, &RequestError{Message: "bridge request timed out"}
		}
		c.logger.Warn("bridge unreachable", "method", method, "path", path, "elapsed", elapsed, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrBridgeDown, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("read response: %v", err)}
	}

	c.logger.Info("bridge request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(started).Round(time.Millisecond),
		"size", formatSize(len(raw)))

	if resp.StatusCode >= 400 {
		return nil, &RequestError{Status: resp.StatusCode, Message: clipText(string(raw), 200)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return map[string]any{"raw": string(raw)}, nil
	}
	if obj, ok := decoded.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"raw": string(raw)}, nil
}

// requestWithRetry wraps request in a bounded exponential backoff: up to
// maxAttempts tries on a 1s/2s/4s schedule. Used for body retrieval, where
// the bridge occasionally stalls while draining large captures.
func (c *Client) requestWithRetry(ctx context.Context, httpClient *http.Client, method, path string, query url.Values, payload any) (map[string]any, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	attempt := 0
	return backoff.Retry(ctx, func() (map[string]any, error) {
		attempt++
		result, err := c.request(ctx, httpClient, method, path, query, payload)
		if err != nil && attempt < maxAttempts {
			c.logger.Warn("bridge request failed, retrying",
				"path", path, "attempt", attempt, "max", maxAttempts, "err", err)
		}
		return result, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(maxAttempts))
}

// Healthy probes the bridge's health endpoint with a short deadline.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func formatSize(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d bytes", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	}
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
