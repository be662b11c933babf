package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/docsgate/configs"
	"github.com/i2y/docsgate/internal/app"
	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/pkg/shared/toolwire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeUpstream serves both the document service and the registry.
type fakeUpstream struct {
	mu   sync.Mutex
	hits map[string]int
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/":
		_, _ = io.WriteString(w, "<html><body>ok</body></html>")
	case r.URL.Path == "/api/v1/crates":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"crates":[{"name":"serde","description":"A serialization framework","max_stable_version":"1.0.210","downloads":42}]}`)
	case strings.HasPrefix(r.URL.Path, "/serde/"):
		_, _ = io.WriteString(w, `<html><body><main><h1>Crate serde</h1><p>Serde is a framework for serializing data.</p></main></body></html>`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeUpstream) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func newConfig(upstreamURL string) *configs.Config {
	cfg := configs.Defaults()
	cfg.Upstream.DocsBaseURL = upstreamURL
	cfg.Upstream.RegistryBaseURL = upstreamURL
	cfg.Upstream.Timeout = 5 * time.Second
	cfg.Upstream.HandlerTimeout = 5 * time.Second
	return &cfg
}

func startGateway(t *testing.T, cfg *configs.Config) (*app.App, *httptest.Server) {
	t.Helper()
	a, err := app.New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(a.HTTP.Router())
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, a.Close())
	})
	return a, srv
}

func call(t *testing.T, url, body, credential string) (int, toolwire.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out toolwire.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestGateway_LookupCrateIsCached(t *testing.T) {
	up := &fakeUpstream{hits: map[string]int{}}
	upstream := httptest.NewServer(up)
	defer upstream.Close()

	_, srv := startGateway(t, newConfig(upstream.URL))
	body := `{"id":"1","tool":"lookup_crate","params":{"name":"serde"}}`

	status, first := call(t, srv.URL, body, "")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, first.Result, "unexpected error: %+v", first.Error)
	assert.Contains(t, first.Result.Content, "Serde is a framework")
	assert.False(t, first.Result.FromCache)
	assert.Equal(t, toolwire.ID("1"), first.ID)

	status, second := call(t, srv.URL, body, "")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, second.Result)
	assert.True(t, second.Result.FromCache)
	assert.Equal(t, first.Result.Content, second.Result.Content)

	assert.Equal(t, 1, up.count("/serde/latest/serde/"))
}

func TestGateway_SearchAndMetrics(t *testing.T) {
	up := &fakeUpstream{hits: map[string]int{}}
	upstream := httptest.NewServer(up)
	defer upstream.Close()

	_, srv := startGateway(t, newConfig(upstream.URL))

	status, resp := call(t, srv.URL, `{"tool":"search_crates","params":{"query":"serde","limit":1}}`, "")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Result)
	require.Len(t, resp.Result.Crates, 1)
	assert.Equal(t, "serde", resp.Result.Crates[0].Name)

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	metrics, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `docsgate_tool_calls_total{outcome="ok",tool="search_crates"} 1`)
	assert.Contains(t, string(metrics), `docsgate_pool_idle{target="registry"}`)
	assert.Contains(t, string(metrics), "docsgate_cache_entries 1")
}

func TestGateway_ValidationErrorDoesNotReachUpstream(t *testing.T) {
	up := &fakeUpstream{hits: map[string]int{}}
	upstream := httptest.NewServer(up)
	defer upstream.Close()

	_, srv := startGateway(t, newConfig(upstream.URL))

	status, resp := call(t, srv.URL, `{"tool":"lookup_crate","params":{}}`, "")
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(domain.KindValidation), resp.Error.Kind)
	assert.Zero(t, up.count("/serde/latest/serde/"))
}

func TestGateway_DescribeTool(t *testing.T) {
	upstream := httptest.NewServer(&fakeUpstream{hits: map[string]int{}})
	defer upstream.Close()
	_, srv := startGateway(t, newConfig(upstream.URL))

	resp, err := http.Get(srv.URL + "/mcp/tools/lookup_item")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tool domain.Tool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tool))
	assert.Equal(t, "lookup_item", tool.Name)
	assert.Equal(t, []string{"name", "item_path"}, tool.InputSchema.Required)

	missing, err := http.Get(srv.URL + "/mcp/tools/lookup_everything")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestGateway_Auth(t *testing.T) {
	up := &fakeUpstream{hits: map[string]int{}}
	upstream := httptest.NewServer(up)
	defer upstream.Close()

	cfg := newConfig(upstream.URL)
	cfg.Auth.Enabled = true
	cfg.Auth.Secret = "gateway-secret"
	_, srv := startGateway(t, cfg)

	body := `{"tool":"search_crates","params":{"query":"serde"}}`
	status, resp := call(t, srv.URL, body, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(domain.KindAuth), resp.Error.Kind)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("gateway-secret"))
	require.NoError(t, err)

	status, resp = call(t, srv.URL, body, token)
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, resp.Result)
}

func TestGateway_RedisBackendAddsCacheProbe(t *testing.T) {
	up := &fakeUpstream{hits: map[string]int{}}
	upstream := httptest.NewServer(up)
	defer upstream.Close()
	mr := miniredis.RunT(t)

	cfg := newConfig(upstream.URL)
	cfg.Cache.Backend = configs.CacheBackendRedis
	cfg.Cache.Redis.Addr = mr.Addr()
	a, srv := startGateway(t, cfg)

	report := a.Health.Check(context.Background(), domain.CheckInternal, true)
	names := make([]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"memory", "cache"}, names)
	assert.Equal(t, domain.StatusHealthy, report.Status)

	body := `{"tool":"lookup_crate","params":{"name":"serde"}}`
	_, _ = call(t, srv.URL, body, "")
	_, resp := call(t, srv.URL, body, "")
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.FromCache)
	assert.NotEmpty(t, mr.Keys())
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := newConfig("http://127.0.0.1:1")
	cfg.Cache.Backend = configs.CacheBackendRedis
	cfg.Cache.Redis.Addr = "127.0.0.1:1"

	_, err := app.New(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}
