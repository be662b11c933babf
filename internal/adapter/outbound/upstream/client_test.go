package upstream_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/docsgate/internal/adapter/outbound/connpool"
	"github.com/i2y/docsgate/internal/adapter/outbound/upstream"
	"github.com/i2y/docsgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newClient(timeout time.Duration) (*upstream.Client, *connpool.Pool) {
	pool := connpool.New(connpool.Config{MaxPerTarget: 2, AcquireTimeout: time.Second}, testLogger())
	return upstream.New(pool, upstream.Config{
		UserAgent:  "docsgate/test",
		Timeout:    timeout,
		RetryDelay: time.Millisecond,
	}, testLogger()), pool
}

func TestClient_Get(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantBody   string
		wantKind   domain.ErrorKind
		wantStatus int
		wantCalls  int32
	}{
		{
			name: "success sends user agent",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("User-Agent") != "docsgate/test" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				_, _ = w.Write([]byte("hello"))
			},
			wantBody:  "hello",
			wantCalls: 1,
		},
		{
			name: "not found is not retried",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no such crate", http.StatusNotFound)
			},
			wantKind:   domain.KindUpstream,
			wantStatus: http.StatusNotFound,
			wantCalls:  1,
		},
		{
			name: "server error is not retried",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantKind:   domain.KindUpstream,
			wantStatus: http.StatusBadGateway,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			c, pool := newClient(time.Second)
			defer pool.Close()

			body, err := c.Get(context.Background(), "docs", srv.URL+"/serde/latest/serde/")
			if tt.wantKind != "" {
				require.Error(t, err)
				de := domain.AsError(err)
				assert.Equal(t, tt.wantKind, de.Kind)
				assert.Equal(t, tt.wantStatus, de.UpstreamStatus)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantBody, string(body))
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, 0, pool.Stats("docs").InUse, "connection must be released")
		})
	}
}

func TestClient_RetriesDroppedConnectionOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte("second time lucky"))
	}))
	defer srv.Close()

	c, pool := newClient(2 * time.Second)
	defer pool.Close()

	body, err := c.Get(context.Background(), "docs", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", string(body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, pool := newClient(time.Second)
	defer pool.Close()

	_, err := c.Get(context.Background(), "registry", url)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
}

func TestClient_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, pool := newClient(50 * time.Millisecond)
	defer pool.Close()

	start := time.Now()
	_, err := c.Get(context.Background(), "docs", srv.URL)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, pool.Stats("docs").InUse)
}
