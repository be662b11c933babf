// Package probe builds the liveness checks run by the health aggregator.
package probe

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/i2y/docsgate/internal/usecase"
)

// Pinger is anything that can confirm a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Upstream checks a required external service.
func Upstream(name string, p Pinger, timeout time.Duration) usecase.Probe {
	return usecase.Probe{
		Name:     name,
		Group:    usecase.GroupExternal,
		Required: true,
		Timeout:  timeout,
		Check: func(ctx context.Context) (string, error) {
			if err := p.Ping(ctx); err != nil {
				return "", err
			}
			return "reachable", nil
		},
	}
}

// Store checks an optional shared cache backend.
func Store(name string, p Pinger, timeout time.Duration) usecase.Probe {
	return usecase.Probe{
		Name:    name,
		Group:   usecase.GroupInternal,
		Timeout: timeout,
		Check: func(ctx context.Context) (string, error) {
			if err := p.Ping(ctx); err != nil {
				return "", err
			}
			return "connected", nil
		},
	}
}

// MemStatsFunc reads runtime memory statistics.
type MemStatsFunc func(*runtime.MemStats)

// Memory reports heap usage and fails once it exceeds limitBytes. A zero
// limit only reports. readStats may be nil.
func Memory(limitBytes uint64, readStats MemStatsFunc) usecase.Probe {
	if readStats == nil {
		readStats = runtime.ReadMemStats
	}
	return usecase.Probe{
		Name:  "memory",
		Group: usecase.GroupInternal,
		Check: func(context.Context) (string, error) {
			var m runtime.MemStats
			readStats(&m)
			msg := fmt.Sprintf("heap %s, %d goroutines", humanBytes(m.HeapAlloc), runtime.NumGoroutine())
			if limitBytes > 0 && m.HeapAlloc > limitBytes {
				return "", fmt.Errorf("heap %s exceeds limit %s", humanBytes(m.HeapAlloc), humanBytes(limitBytes))
			}
			return msg, nil
		},
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
