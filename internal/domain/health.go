package domain

import (
	"encoding/json"
	"time"
)

// HealthStatus is the outcome of one probe or of a whole health check.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ProbeResult is the outcome of a single liveness probe.
type ProbeResult struct {
	Name      string
	Status    HealthStatus
	Latency   time.Duration
	Message   string
	CheckedAt time.Time
	// Required probes turn the overall status unhealthy when they fail.
	Required bool
}

type probeResultJSON struct {
	Name       string       `json:"name"`
	Status     HealthStatus `json:"status"`
	DurationMS int64        `json:"duration_ms"`
	Message    string       `json:"message,omitempty"`
	CheckedAt  time.Time    `json:"checked_at"`
	Required   bool         `json:"required"`
}

func (r ProbeResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(probeResultJSON{
		Name:       r.Name,
		Status:     r.Status,
		DurationMS: r.Latency.Milliseconds(),
		Message:    r.Message,
		CheckedAt:  r.CheckedAt,
		Required:   r.Required,
	})
}

func (r *ProbeResult) UnmarshalJSON(data []byte) error {
	var w probeResultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = ProbeResult{
		Name:      w.Name,
		Status:    w.Status,
		Latency:   time.Duration(w.DurationMS) * time.Millisecond,
		Message:   w.Message,
		CheckedAt: w.CheckedAt,
		Required:  w.Required,
	}
	return nil
}

// HealthReport aggregates the probes of one health check.
type HealthReport struct {
	Status    HealthStatus
	Timestamp time.Time
	Checks    []ProbeResult
	Uptime    time.Duration
}

type healthReportJSON struct {
	Status        HealthStatus  `json:"status"`
	Timestamp     string        `json:"timestamp"`
	Checks        []ProbeResult `json:"checks"`
	UptimeSeconds float64       `json:"uptime"`
}

func (h HealthReport) MarshalJSON() ([]byte, error) {
	checks := h.Checks
	if checks == nil {
		checks = []ProbeResult{}
	}
	return json.Marshal(healthReportJSON{
		Status:        h.Status,
		Timestamp:     h.Timestamp.UTC().Format(time.RFC3339),
		Checks:        checks,
		UptimeSeconds: h.Uptime.Seconds(),
	})
}

func (h *HealthReport) UnmarshalJSON(data []byte) error {
	var w healthReportJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil && w.Timestamp != "" {
		return err
	}
	*h = HealthReport{
		Status:    w.Status,
		Timestamp: ts,
		Checks:    w.Checks,
		Uptime:    time.Duration(w.UptimeSeconds * float64(time.Second)),
	}
	return nil
}
