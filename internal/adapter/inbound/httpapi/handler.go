// Package httpapi exposes the dispatcher over HTTP: one call per POST, a push
// stream for asynchronous calls, and the operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
	"github.com/i2y/docsgate/pkg/shared/toolwire"
)

// MaxBodyBytes bounds a request body.
const MaxBodyBytes = 1 << 20

// ToolLister returns the advertised tool catalog.
type ToolLister interface {
	Execute(ctx context.Context) ([]domain.Tool, error)
	Describe(ctx context.Context, name string) (domain.Tool, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// MaxInFlight bounds concurrently processed calls; zero disables the bound.
	MaxInFlight int
	// Backlog is how many calls may wait for a slot before being refused.
	Backlog        int
	BacklogTimeout time.Duration
	// EnablePOST and EnableSSE select the request/response and push surfaces.
	EnablePOST bool
	EnableSSE  bool
	SSE        SSEConfig

	// TrustedProxies are the peers allowed to name the client through
	// X-Forwarded-For and friends. Empty means the socket peer is the client.
	TrustedProxies []netip.Prefix
}

// Handlers struct holds dependencies for the HTTP handlers.
type Handlers struct {
	dispatcher usecase.ToolDispatcher
	health     usecase.HealthChecker
	tools      ToolLister
	metrics    http.Handler
	cfg        Config
	broker     *broker
	logger     *slog.Logger
}

// NewHandlers creates a new Handlers struct. metrics may be nil.
func NewHandlers(
	dispatcher usecase.ToolDispatcher,
	health usecase.HealthChecker,
	tools ToolLister,
	metrics http.Handler,
	cfg Config,
	logger *slog.Logger,
) *Handlers {
	logger = logger.With("component", "httpapi")
	return &Handlers{
		dispatcher: dispatcher,
		health:     health,
		tools:      tools,
		metrics:    metrics,
		cfg:        cfg,
		broker:     newBroker(cfg.SSE.withDefaults(), logger),
		logger:     logger,
	}
}

// Router builds the route tree.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		trustedRealIP(h.cfg.TrustedProxies),
		middleware.Recoverer,
	)

	r.Get("/health", h.handleHealth)
	r.Get("/mcp/tools", h.handleListTools)
	r.Get("/mcp/tools/{name}", h.handleDescribeTool)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(r chi.Router) {
		if h.cfg.MaxInFlight > 0 {
			r.Use(h.throttle)
		}
		if h.cfg.EnablePOST {
			r.Post("/mcp", h.handleCall)
		}
		if h.cfg.EnableSSE {
			r.Post("/mcp/sse/messages", h.handleSSEMessage)
		}
	})
	if h.cfg.EnableSSE {
		// Streams are long-lived and stay outside the in-flight bound.
		r.Get("/mcp/sse", h.handleSSEStream)
	}
	return r
}

// Shutdown closes every open push session.
func (h *Handlers) Shutdown() { h.broker.closeAll() }

// Sessions returns the number of open push sessions.
func (h *Handlers) Sessions() int { return h.broker.count() }

// handleHealth implements GET /health.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context(), domain.CheckAll, true)
	status := http.StatusOK
	if report.Status == domain.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

// handleListTools implements GET /mcp/tools.
func (h *Handlers) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.tools.Execute(r.Context())
	if err != nil {
		h.logger.Error("Failed to list tools", slog.Any("error", err))
		h.writeError(w, domain.WrapError(domain.KindInternal, "failed to list tools", err), "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// handleDescribeTool implements GET /mcp/tools/{name}.
func (h *Handlers) handleDescribeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tool, err := h.tools.Describe(r.Context(), name)
	switch {
	case errors.Is(err, usecase.ErrToolNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		h.logger.Error("Failed to describe tool", slog.String("tool", name), slog.Any("error", err))
		h.writeError(w, domain.WrapError(domain.KindInternal, "failed to describe tool", err), "")
	default:
		h.writeJSON(w, http.StatusOK, tool)
	}
}

// handleCall implements POST /mcp: one tool call answered in the response body.
func (h *Handlers) handleCall(w http.ResponseWriter, r *http.Request) {
	dreq, wireID, err := h.decodeCall(w, r)
	if err != nil {
		h.writeError(w, err, wireID)
		return
	}
	resp := toolwire.FromDomain(h.dispatcher.Handle(r.Context(), dreq))
	h.writeResponse(w, resp)
}

// decodeCall reads and validates the body of a call.
func (h *Handlers) decodeCall(w http.ResponseWriter, r *http.Request) (domain.ToolRequest, toolwire.ID, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return domain.ToolRequest{}, "", domain.WrapError(domain.KindValidation, "failed to read request body", err)
	}
	req, err := toolwire.Decode(body)
	if err != nil {
		return domain.ToolRequest{}, req.ID, err
	}
	if req.ID == "" {
		req.ID = toolwire.ID(middleware.GetReqID(r.Context()))
	}
	dreq, err := req.ToDomain(clientID(r), r.Header.Get("Authorization"))
	return dreq, req.ID, err
}

func (h *Handlers) writeError(w http.ResponseWriter, err error, id toolwire.ID) {
	h.writeResponse(w, toolwire.Response{ID: id, Error: toolwire.ErrorFrom(err)})
}

func (h *Handlers) writeResponse(w http.ResponseWriter, resp toolwire.Response) {
	status := http.StatusOK
	if resp.Error != nil {
		status = toolwire.HTTPStatus(resp.Error.Kind)
		if resp.Error.RetryAfterMS > 0 {
			secs := (resp.Error.RetryAfterMS + 999) / 1000
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer realm="docsgate"`)
		}
	}
	h.writeJSON(w, status, resp)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response body", slog.Any("error", err))
	}
}

// clientID is the caller's address: the socket peer, or the forwarded client
// when the peer is a trusted proxy.
func clientID(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
