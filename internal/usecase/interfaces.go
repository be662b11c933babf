package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/i2y/docsgate/internal/domain"
)

// --- Admission ---

// Authenticator validates bearer credentials. Implementations are stateless per call.
type Authenticator interface {
	// Enabled reports whether credentials are checked at all.
	Enabled() bool
	// Validate returns the AuthContext for credential or an auth_error.
	Validate(ctx context.Context, credential string) (domain.AuthContext, error)
}

// RateLimiter is a per-client admission gate.
type RateLimiter interface {
	// TryAcquire takes cost tokens from the client's bucket. When it returns
	// false nothing was taken and retryAfter hints when cost tokens will be available.
	TryAcquire(clientID string, cost int) (ok bool, retryAfter time.Duration)
}

// --- Caching ---

// ComputeFunc produces a fresh payload for a cache miss.
type ComputeFunc func(ctx context.Context) (domain.Payload, error)

// ResponseCache is a get-or-compute store with per-key single-flight.
type ResponseCache interface {
	// GetOrCompute returns the cached payload for key when fresh (fromCache=true),
	// otherwise runs compute at most once across concurrent callers of the same key.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (p domain.Payload, fromCache bool, err error)
}

// --- Upstream collaborators ---

// DocsClient talks to the document service.
type DocsClient interface {
	CrateDocs(ctx context.Context, name, version string) (domain.Document, error)
	SearchItem(ctx context.Context, name, version, itemPath string) (domain.Document, error)
	Ping(ctx context.Context) error
}

// RegistryClient talks to the registry service.
type RegistryClient interface {
	Search(ctx context.Context, query string, limit int) ([]domain.CrateSummary, error)
	Ping(ctx context.Context) error
}

// DocRenderer converts upstream HTML into readable output.
type DocRenderer interface {
	Markdown(html string) (string, error)
	Text(html string) (string, error)
}

// --- Serving ---

// ToolDispatcher is the single dispatch surface shared by every transport.
type ToolDispatcher interface {
	Handle(ctx context.Context, req domain.ToolRequest) domain.ToolResponse
}

// HealthChecker runs an aggregated health check.
type HealthChecker interface {
	Check(ctx context.Context, scope domain.CheckType, verbose bool) domain.HealthReport
}

// MetricsRecorder receives one observation per dispatched call.
type MetricsRecorder interface {
	ObserveDispatch(tool domain.ToolKind, outcome string, fromCache bool, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDispatch(domain.ToolKind, string, bool, time.Duration) {}

// --- Catalog ---

// ErrToolNotFound is returned when a tool is not registered in the catalog.
var ErrToolNotFound = errors.New("tool not found")

// ToolRepository stores the advertised tool catalog.
type ToolRepository interface {
	Save(ctx context.Context, tools []domain.Tool) error
	List(ctx context.Context) ([]domain.Tool, error)
	Find(ctx context.Context, kind domain.ToolKind) (domain.Tool, error)
}
