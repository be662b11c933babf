package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i2y/docsgate/internal/domain"
)

// ProbeGroup places a probe in the external or internal scope.
type ProbeGroup string

const (
	GroupExternal ProbeGroup = "external"
	GroupInternal ProbeGroup = "internal"
)

// ProbeFunc performs one liveness check. A non-empty message is reported even on success.
type ProbeFunc func(ctx context.Context) (message string, err error)

// Probe is a named liveness check.
type Probe struct {
	Name     string
	Group    ProbeGroup
	Required bool
	// Timeout bounds the probe; zero uses the aggregator default.
	Timeout time.Duration
	Check   ProbeFunc
}

// HealthAggregator runs probes concurrently and folds them into one report.
type HealthAggregator struct {
	probes         []Probe
	defaultTimeout time.Duration
	slowThreshold  time.Duration
	startedAt      time.Time
	now            func() time.Time
	logger         *slog.Logger
}

// NewHealthAggregator creates an aggregator. A probe whose latency exceeds
// slowThreshold is reported degraded; zero disables the check.
func NewHealthAggregator(probes []Probe, defaultTimeout, slowThreshold time.Duration, logger *slog.Logger) *HealthAggregator {
	return &HealthAggregator{
		probes:         probes,
		defaultTimeout: defaultTimeout,
		slowThreshold:  slowThreshold,
		startedAt:      time.Now(),
		now:            time.Now,
		logger:         logger.With("usecase", "Health"),
	}
}

// Check runs the probes selected by scope. It always returns a report; probe
// failures are folded into the statuses.
func (a *HealthAggregator) Check(ctx context.Context, scope domain.CheckType, verbose bool) domain.HealthReport {
	selected := a.selectProbes(scope)
	results := make([]domain.ProbeResult, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range selected {
		g.Go(func() error {
			results[i] = a.run(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.HealthReport{
		Status:    overallStatus(results),
		Timestamp: a.now().UTC(),
		Uptime:    a.now().Sub(a.startedAt),
	}
	if verbose {
		report.Checks = results
	} else {
		for _, r := range results {
			if r.Status != domain.StatusHealthy {
				report.Checks = append(report.Checks, r)
			}
		}
	}
	a.logger.Debug("Health check completed",
		slog.String("scope", string(scope)),
		slog.String("status", string(report.Status)),
		slog.Int("probes", len(results)))
	return report
}

func (a *HealthAggregator) selectProbes(scope domain.CheckType) []Probe {
	var out []Probe
	for _, p := range a.probes {
		switch scope {
		case domain.CheckAll:
			out = append(out, p)
		case domain.CheckExternal:
			if p.Group == GroupExternal {
				out = append(out, p)
			}
		case domain.CheckInternal:
			if p.Group == GroupInternal {
				out = append(out, p)
			}
		default:
			if p.Name == string(scope) {
				out = append(out, p)
			}
		}
	}
	return out
}

type probeOutcome struct {
	message string
	err     error
}

// run executes one probe. The probe runs in its own goroutine so one that
// ignores its context still cannot hold the report past its timeout.
func (a *HealthAggregator) run(ctx context.Context, p Probe) domain.ProbeResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := a.now()
	done := make(chan probeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeOutcome{err: fmt.Errorf("probe panicked: %v", r)}
			}
		}()
		msg, err := p.Check(pctx)
		done <- probeOutcome{message: msg, err: err}
	}()

	result := domain.ProbeResult{Name: p.Name, Required: p.Required}
	select {
	case out := <-done:
		result.Latency = a.now().Sub(start)
		switch {
		case out.err != nil && pctx.Err() != nil:
			result.Status = domain.StatusDegraded
			result.Message = fmt.Sprintf("timed out after %s", timeout)
		case out.err != nil:
			result.Status = domain.StatusUnhealthy
			result.Message = out.err.Error()
		case a.slowThreshold > 0 && result.Latency > a.slowThreshold:
			result.Status = domain.StatusDegraded
			result.Message = fmt.Sprintf("slow response (%dms)", result.Latency.Milliseconds())
		default:
			result.Status = domain.StatusHealthy
			result.Message = out.message
		}
	case <-pctx.Done():
		result.Latency = a.now().Sub(start)
		result.Status = domain.StatusDegraded
		result.Message = fmt.Sprintf("timed out after %s", timeout)
	}
	result.CheckedAt = a.now().UTC()
	if result.Status != domain.StatusHealthy {
		a.logger.Warn("Health probe not healthy",
			slog.String("probe", p.Name),
			slog.String("status", string(result.Status)),
			slog.String("message", result.Message))
	}
	return result
}

func overallStatus(results []domain.ProbeResult) domain.HealthStatus {
	status := domain.StatusHealthy
	for _, r := range results {
		if r.Status == domain.StatusUnhealthy && r.Required {
			return domain.StatusUnhealthy
		}
		if r.Status != domain.StatusHealthy {
			status = domain.StatusDegraded
		}
	}
	return status
}
