// Package docsclient calls a running gateway over HTTP or the line channel.
package docsclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/docsgate/pkg/shared/toolwire"
)

// Caller sends one request and waits for its response. A tool failure is a
// Response with Error set, not a returned error.
type Caller interface {
	Call(ctx context.Context, req toolwire.Request) (toolwire.Response, error)
	Close() error
}

// HTTPClient posts requests to the gateway's /mcp endpoint.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTP creates an HTTPClient. httpClient may be nil.
func NewHTTP(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// Call implements Caller.
func (c *HTTPClient) Call(ctx context.Context, req toolwire.Request) (toolwire.Response, error) {
	if req.ID == "" {
		req.ID = toolwire.ID(uuid.NewString())
	}
	body, err := json.Marshal(req)
	if err != nil {
		return toolwire.Response{}, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return toolwire.Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return toolwire.Response{}, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	var out toolwire.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return toolwire.Response{}, fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
	}
	return out, nil
}

// Close implements Caller.
func (c *HTTPClient) Close() error { return nil }

// LineClient speaks the newline-delimited protocol over one connection.
// Calls are serialized; the server answers in order.
type LineClient struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	token  string
}

// DialLine connects to a line channel listener.
func DialLine(ctx context.Context, addr, token string) (*LineClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewLine(conn, token), nil
}

// NewLine wraps an established connection.
func NewLine(conn net.Conn, token string) *LineClient {
	return &LineClient{conn: conn, reader: bufio.NewReader(conn), token: token}
}

// Call implements Caller. The token travels in-band.
func (c *LineClient) Call(ctx context.Context, req toolwire.Request) (toolwire.Response, error) {
	if req.ID == "" {
		req.ID = toolwire.ID(uuid.NewString())
	}
	if req.Auth == "" {
		req.Auth = c.token
	}
	line, err := json.Marshal(req)
	if err != nil {
		return toolwire.Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Unblock I/O once ctx ends; ctx.Err is set by the time the callback runs.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return toolwire.Response{}, c.wrap(ctx, "write", err)
	}
	raw, err := c.reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(raw) == 0 {
			return toolwire.Response{}, errors.New("gateway closed the connection")
		}
		return toolwire.Response{}, c.wrap(ctx, "read", err)
	}
	var out toolwire.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return toolwire.Response{}, fmt.Errorf("unexpected response: %w", err)
	}
	return out, nil
}

func (c *LineClient) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Close implements Caller.
func (c *LineClient) Close() error { return c.conn.Close() }
