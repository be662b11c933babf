package docsclient_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/docsgate/internal/adapter/inbound/linechan"
	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/pkg/docsclient"
	"github.com/i2y/docsgate/pkg/shared/toolwire"
)

type funcDispatcher func(ctx context.Context, req domain.ToolRequest) domain.ToolResponse

func (f funcDispatcher) Handle(ctx context.Context, req domain.ToolRequest) domain.ToolResponse {
	return f(ctx, req)
}

func TestHTTPClient_Call(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mcp", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var req toolwire.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Tool == "boom" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(toolwire.Response{ID: req.ID, Error: &toolwire.Error{Kind: "validation_error", Message: "unknown tool"}})
			return
		}
		_ = json.NewEncoder(w).Encode(toolwire.Response{ID: req.ID, Result: &toolwire.Result{Tool: req.Tool, Content: "ok"}})
	}))
	defer srv.Close()

	c := docsclient.NewHTTP(srv.URL+"/", "tok", nil)
	defer c.Close()

	resp, err := c.Call(context.Background(), toolwire.Request{Tool: "lookup_crate", Params: json.RawMessage(`{"name":"serde"}`)})
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "ok", resp.Result.Content)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "Bearer tok", gotAuth)

	resp, err = c.Call(context.Background(), toolwire.Request{Tool: "boom"})
	require.NoError(t, err, "tool failures are responses")
	require.NotNil(t, resp.Error)
	assert.Equal(t, "validation_error", resp.Error.Kind)
}

func TestHTTPClient_NonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := docsclient.NewHTTP(srv.URL, "", nil).Call(context.Background(), toolwire.Request{Tool: "health_check"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestLineClient_CallsInOrderWithInBandToken(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	server := linechan.New(funcDispatcher(func(_ context.Context, req domain.ToolRequest) domain.ToolResponse {
		return domain.ToolResponse{
			CorrelationID: req.CorrelationID,
			Payload:       &domain.Payload{Tool: req.Kind, Content: req.Credential, Format: domain.FormatMarkdown},
		}
	}), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.ServeConn(ctx, serverConn, serverConn, "pipe")
	}()

	c := docsclient.NewLine(clientConn, "secret")
	for _, id := range []string{"a", "b", "c"} {
		callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := c.Call(callCtx, toolwire.Request{ID: toolwire.ID(id), Tool: "health_check"})
		callCancel()
		require.NoError(t, err)
		assert.Equal(t, toolwire.ID(id), resp.ID)
		require.NotNil(t, resp.Result)
		assert.Equal(t, "secret", resp.Result.Content)
	}

	require.NoError(t, c.Close())
	_ = serverConn.Close()
	<-done
}

func TestLineClient_ContextCancelUnblocksRead(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	// Drain writes without ever answering.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	c := docsclient.NewLine(clientConn, "")
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, toolwire.Request{Tool: "health_check"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
