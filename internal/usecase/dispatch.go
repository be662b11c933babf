package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/i2y/docsgate/internal/domain"
)

const tracerName = "github.com/i2y/docsgate/internal/usecase"

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics sets the recorder that observes every call.
func WithMetrics(m MetricsRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithTracer overrides the tracer (defaults to the global provider).
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher routes decoded requests to tool handlers, applying authentication,
// rate limiting and the response cache around each call. It holds no lock of its
// own; contention is confined to the cache's per-key guard and the limiter's
// per-client accounting.
type Dispatcher struct {
	auth    Authenticator
	limiter RateLimiter
	cache   ResponseCache
	tools   *ToolHandlers
	ttls    map[domain.ToolKind]time.Duration
	metrics MetricsRecorder
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. ttls maps each tool to its cache TTL; a
// missing or zero entry disables caching for that tool.
func NewDispatcher(
	auth Authenticator,
	limiter RateLimiter,
	cache ResponseCache,
	tools *ToolHandlers,
	ttls map[domain.ToolKind]time.Duration,
	logger *slog.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		auth:    auth,
		limiter: limiter,
		cache:   cache,
		tools:   tools,
		ttls:    ttls,
		metrics: nopRecorder{},
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With("usecase", "Dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle executes one request. It never panics and never returns a bare error:
// every failure is reported as a typed error in the response.
func (d *Dispatcher) Handle(ctx context.Context, req domain.ToolRequest) (resp domain.ToolResponse) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch "+string(req.Kind), trace.WithAttributes(
		attribute.String("docsgate.tool", string(req.Kind)),
		attribute.String("docsgate.correlation_id", req.CorrelationID),
	))
	defer span.End()

	log := d.logger.With(
		slog.String("tool", string(req.Kind)),
		slog.String("correlation_id", req.CorrelationID),
		slog.String("client_id", req.ClientID),
	)
	fromCache := false

	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered panic during dispatch", slog.Any("panic", r))
			resp = domain.ToolResponse{
				CorrelationID: req.CorrelationID,
				Err:           &domain.Error{Kind: domain.KindInternal, Message: fmt.Sprintf("panic: %v", r)},
			}
		}
		outcome := "ok"
		if resp.Err != nil {
			outcome = string(resp.Err.Kind)
			span.SetStatus(codes.Error, resp.Err.Message)
		}
		span.SetAttributes(attribute.Bool("docsgate.from_cache", fromCache), attribute.String("docsgate.outcome", outcome))
		d.metrics.ObserveDispatch(req.Kind, outcome, fromCache, time.Since(start))
	}()

	if req.Params == nil {
		return d.fail(log, req, domain.NewValidationError("missing params"))
	}
	if req.Params.Kind() != req.Kind {
		return d.fail(log, req, domain.NewValidationError(fmt.Sprintf("params for %s sent to %s", req.Params.Kind(), req.Kind)))
	}

	// 1. Authentication. Failures return before the limiter and cache are consulted.
	clientID := req.ClientID
	if d.auth != nil && d.auth.Enabled() {
		ac, err := d.auth.Validate(ctx, req.Credential)
		if err != nil {
			if domain.KindOf(err) != domain.KindAuth {
				err = domain.NewAuthError("credential validation failed", err)
			}
			return d.fail(log, req, err)
		}
		ctx = domain.WithAuthContext(ctx, ac)
		if ac.Subject != "" {
			clientID = "sub:" + ac.Subject
		}
	}

	// 2. Admission.
	if ok, retryAfter := d.limiter.TryAcquire(clientID, 1); !ok {
		return d.fail(log, req, domain.NewRateLimitError(retryAfter))
	}

	// 3-5. Cache lookup, single-flight compute on miss, store on success.
	compute, err := d.computeFor(req.Params)
	if err != nil {
		return d.fail(log, req, err)
	}
	key := domain.CacheKey(req.Params)
	payload, hit, err := d.cache.GetOrCompute(ctx, key, d.ttls[req.Kind], compute)
	if err != nil {
		return d.fail(log, req, err)
	}
	fromCache = hit
	payload.FromCache = hit

	log.Info("Tool call completed", slog.Bool("from_cache", hit), slog.Duration("elapsed", time.Since(start)))
	return domain.ToolResponse{CorrelationID: req.CorrelationID, Payload: &payload}
}

// computeFor matches the sealed parameter variants exhaustively.
func (d *Dispatcher) computeFor(p domain.Params) (ComputeFunc, error) {
	switch p := p.(type) {
	case domain.LookupCrateParams:
		return func(ctx context.Context) (domain.Payload, error) { return d.tools.LookupCrate(ctx, p) }, nil
	case domain.SearchCratesParams:
		return func(ctx context.Context) (domain.Payload, error) { return d.tools.SearchCrates(ctx, p) }, nil
	case domain.LookupItemParams:
		return func(ctx context.Context) (domain.Payload, error) { return d.tools.LookupItem(ctx, p) }, nil
	case domain.HealthCheckParams:
		return func(ctx context.Context) (domain.Payload, error) { return d.tools.HealthCheck(ctx, p) }, nil
	default:
		return nil, domain.NewValidationError(fmt.Sprintf("unsupported parameters %T", p))
	}
}

func (d *Dispatcher) fail(log *slog.Logger, req domain.ToolRequest, err error) domain.ToolResponse {
	resp := domain.NewErrorResponse(req.CorrelationID, err)
	log.Warn("Tool call failed", slog.String("kind", string(resp.Err.Kind)), slog.Any("error", err))
	return resp
}
