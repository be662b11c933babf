// Package upstream performs the gateway's outbound HTTP calls. Every call
// checks a connection out of the pool, is bounded by a timeout and is retried
// at most once when the connection itself failed.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/i2y/docsgate/internal/adapter/outbound/connpool"
	"github.com/i2y/docsgate/internal/domain"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultRetryDelay   = 100 * time.Millisecond
	defaultMaxBodyBytes = 8 << 20
)

// Config controls outbound requests.
type Config struct {
	// UserAgent is sent with every request.
	UserAgent string
	// Timeout bounds one call including the retry.
	Timeout time.Duration
	// RetryDelay is the pause before the single retry.
	RetryDelay time.Duration
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
}

// Client issues GET requests through a connection pool.
type Client struct {
	pool   *connpool.Pool
	cfg    Config
	logger *slog.Logger
}

// New creates a Client.
func New(pool *connpool.Pool, cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Client{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("component", "upstream"),
	}
}

// Get fetches rawURL over a connection to target and returns the body.
// Non-2xx answers become upstream_error; transport failures and timeouts
// become upstream_unavailable.
func (c *Client) Get(ctx context.Context, target, rawURL string) ([]byte, error) {
	log := c.logger.With(slog.String("target", target), slog.String("url", rawURL))
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		var body []byte
		err := c.pool.Do(cctx, target, func(conn *connpool.Conn) error {
			var err error
			body, err = c.do(cctx, conn.Client(), rawURL)
			return err
		})
		if err == nil {
			return body, nil
		}
		var de *domain.Error
		if errors.As(err, &de) || cctx.Err() != nil {
			// Status errors, pool exhaustion and timeouts are final.
			return nil, backoff.Permanent(err)
		}
		log.Warn("Upstream connection failed", slog.Int("attempt", attempt), slog.Any("error", err))
		return nil, err
	}

	body, err := backoff.Retry(cctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryDelay)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		return nil, c.classify(cctx, target, err)
	}
	log.Debug("Upstream call succeeded", slog.Int("bytes", len(body)), slog.Int("attempts", attempt))
	return body, nil
}

// Ping checks that target answers rawURL with a 2xx status.
func (c *Client) Ping(ctx context.Context, target, rawURL string) error {
	_, err := c.Get(ctx, target, rawURL)
	return err
}

func (c *Client) do(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to create request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request execution failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewUpstreamError(resp.StatusCode, statusMessage(resp.StatusCode, body))
	}
	return body, nil
}

func (c *Client) classify(ctx context.Context, target string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.KindUpstreamUnavailable, fmt.Sprintf("%s timed out", target), err)
	}
	return domain.WrapError(domain.KindUpstreamUnavailable, fmt.Sprintf("%s unreachable", target), err)
}

func statusMessage(status int, body []byte) string {
	msg := http.StatusText(status)
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if snippet != "" && !strings.HasPrefix(snippet, "<") {
		msg += ": " + snippet
	}
	return msg
}
