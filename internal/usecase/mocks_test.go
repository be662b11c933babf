package usecase_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
)

type MockDocsClient struct {
	mock.Mock
}

func (m *MockDocsClient) CrateDocs(ctx context.Context, name, version string) (domain.Document, error) {
	args := m.Called(ctx, name, version)
	return args.Get(0).(domain.Document), args.Error(1)
}

func (m *MockDocsClient) SearchItem(ctx context.Context, name, version, itemPath string) (domain.Document, error) {
	args := m.Called(ctx, name, version, itemPath)
	return args.Get(0).(domain.Document), args.Error(1)
}

func (m *MockDocsClient) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockRegistryClient struct {
	mock.Mock
}

func (m *MockRegistryClient) Search(ctx context.Context, query string, limit int) ([]domain.CrateSummary, error) {
	args := m.Called(ctx, query, limit)
	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}
	return result.([]domain.CrateSummary), args.Error(1)
}

func (m *MockRegistryClient) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Enabled() bool {
	return m.Called().Bool(0)
}

func (m *MockAuthenticator) Validate(ctx context.Context, credential string) (domain.AuthContext, error) {
	args := m.Called(ctx, credential)
	return args.Get(0).(domain.AuthContext), args.Error(1)
}

type MockRateLimiter struct {
	mock.Mock
}

func (m *MockRateLimiter) TryAcquire(clientID string, cost int) (bool, time.Duration) {
	args := m.Called(clientID, cost)
	return args.Bool(0), args.Get(1).(time.Duration)
}

type MockHealthChecker struct {
	mock.Mock
}

func (m *MockHealthChecker) Check(ctx context.Context, scope domain.CheckType, verbose bool) domain.HealthReport {
	return m.Called(ctx, scope, verbose).Get(0).(domain.HealthReport)
}

// stubRenderer returns the input unchanged, prefixed by the format.
type stubRenderer struct{}

func (stubRenderer) Markdown(html string) (string, error) { return "md:" + html, nil }
func (stubRenderer) Text(html string) (string, error)     { return "text:" + html, nil }

// mapCache is a minimal ResponseCache without single-flight.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.Payload
	calls   int
}

func newMapCache() *mapCache { return &mapCache{entries: map[string]domain.Payload{}} }

func (c *mapCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute usecase.ComputeFunc) (domain.Payload, bool, error) {
	c.mu.Lock()
	c.calls++
	if p, ok := c.entries[key]; ok && ttl > 0 {
		c.mu.Unlock()
		return p, true, nil
	}
	c.mu.Unlock()

	p, err := compute(ctx)
	if err != nil {
		return domain.Payload{}, false, err
	}
	if ttl > 0 {
		c.mu.Lock()
		c.entries[key] = p
		c.mu.Unlock()
	}
	return p, false, nil
}

type recordedDispatch struct {
	tool      domain.ToolKind
	outcome   string
	fromCache bool
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedDispatch
}

func (r *fakeRecorder) ObserveDispatch(tool domain.ToolKind, outcome string, fromCache bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedDispatch{tool: tool, outcome: outcome, fromCache: fromCache})
}
