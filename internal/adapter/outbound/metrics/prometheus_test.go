package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/docsgate/internal/adapter/outbound/metrics"
	"github.com/i2y/docsgate/internal/domain"
)

func TestRecorder_ObserveDispatch(t *testing.T) {
	r := metrics.New()
	r.ObserveDispatch(domain.ToolLookupCrate, "ok", false, 20*time.Millisecond)
	r.ObserveDispatch(domain.ToolLookupCrate, "ok", true, time.Millisecond)
	r.ObserveDispatch(domain.ToolSearchCrates, "rate_limited", false, time.Millisecond)

	count, err := testutil.GatherAndCount(r.Gatherer(), "docsgate_tool_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(r.Gatherer(), "docsgate_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecorder_HandlerExposesGauges(t *testing.T) {
	r := metrics.New()
	r.TrackGauge("pool_in_use", "Connections currently checked out", prometheus.Labels{"target": "docs"}, func() float64 { return 3 })
	r.ObserveDispatch(domain.ToolHealthCheck, "ok", false, time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `docsgate_pool_in_use{target="docs"} 3`)
	assert.Contains(t, string(body), `docsgate_tool_calls_total{outcome="ok",tool="health_check"} 1`)
}
