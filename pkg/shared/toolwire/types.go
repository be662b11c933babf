// Package toolwire defines the JSON shapes exchanged with gateway clients on
// every transport: one request object in, one response object out.
package toolwire

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// ID is a client-chosen correlation id. Numeric ids keep their textual form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.New("id must be a string or a number")
		}
		*id = ID(n.String())
		return nil
	}
}

// Request is one tool invocation.
type Request struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     ID              `json:"id,omitempty"`
	// Auth carries a bearer credential on transports without headers.
	Auth string `json:"auth,omitempty"`
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     ID      `json:"id,omitempty"`
	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

// Result is the success body.
type Result struct {
	Tool      string         `json:"tool"`
	Content   string         `json:"content"`
	Format    string         `json:"format"`
	Source    string         `json:"source,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
	FromCache bool           `json:"from_cache"`
	Crates    []CrateSummary `json:"crates,omitempty"`
	Health    *HealthReport  `json:"health,omitempty"`
}

// CrateSummary is one search_crates hit.
type CrateSummary struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Version       string `json:"version"`
	Downloads     uint64 `json:"downloads"`
	Repository    string `json:"repository,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// HealthReport is the structured health_check result.
type HealthReport struct {
	Status string `json:"status"`
	// Timestamp is RFC 3339 in UTC.
	Timestamp     string        `json:"timestamp"`
	Checks        []HealthCheck `json:"checks"`
	UptimeSeconds float64       `json:"uptime"`
}

// HealthCheck is the outcome of one probe.
type HealthCheck struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Message    string    `json:"message,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
	Required   bool      `json:"required"`
}

// Error is the failure body.
type Error struct {
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	RetryAfterMS   int64  `json:"retry_after_ms,omitempty"`
}
