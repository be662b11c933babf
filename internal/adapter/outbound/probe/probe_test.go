package probe_test

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/docsgate/internal/adapter/outbound/probe"
	"github.com/i2y/docsgate/internal/usecase"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestUpstream(t *testing.T) {
	p := probe.Upstream("docs", pingFunc(func(context.Context) error { return nil }), time.Second)
	assert.Equal(t, usecase.GroupExternal, p.Group)
	assert.True(t, p.Required)
	assert.Equal(t, time.Second, p.Timeout)

	msg, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reachable", msg)

	failing := probe.Upstream("registry", pingFunc(func(context.Context) error { return errors.New("HTTP status code: 503") }), 0)
	_, err = failing.Check(context.Background())
	assert.EqualError(t, err, "HTTP status code: 503")
}

func TestStore(t *testing.T) {
	p := probe.Store("cache", pingFunc(func(context.Context) error { return nil }), 0)
	assert.Equal(t, usecase.GroupInternal, p.Group)
	assert.False(t, p.Required)
	msg, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "connected", msg)
}

func TestMemory(t *testing.T) {
	stats := func(heap uint64) probe.MemStatsFunc {
		return func(m *runtime.MemStats) { m.HeapAlloc = heap }
	}

	tests := []struct {
		name    string
		limit   uint64
		heap    uint64
		wantMsg string
		wantErr string
	}{
		{name: "report only", limit: 0, heap: 3 << 20, wantMsg: "heap 3.0 MiB"},
		{name: "under limit", limit: 1 << 30, heap: 512, wantMsg: "heap 512 B"},
		{name: "over limit", limit: 1 << 20, heap: 2 << 20, wantErr: "heap 2.0 MiB exceeds limit 1.0 MiB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := probe.Memory(tt.limit, stats(tt.heap))
			assert.Equal(t, "memory", p.Name)
			msg, err := p.Check(context.Background())
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, msg, tt.wantMsg)
		})
	}
}
