package toolwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/i2y/docsgate/internal/domain"
)

// Decode parses one request object. Unknown top-level fields are rejected.
// Failures are validation errors.
func Decode(data []byte) (Request, error) {
	var req Request
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return req, domain.NewValidationError("empty request")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, domain.WrapError(domain.KindValidation, "malformed request", err)
	}
	if dec.More() {
		return req, domain.NewValidationError("malformed request: trailing data after request object")
	}
	return req, nil
}

// ToDomain resolves the tool and decodes its params. clientID is the identity
// derived from the connection; credential, when non-empty, takes precedence
// over the in-band Auth field.
func (r Request) ToDomain(clientID, credential string) (domain.ToolRequest, error) {
	kind, err := domain.ParseToolKind(r.Tool)
	if err != nil {
		return domain.ToolRequest{}, err
	}
	params, err := domain.DecodeParams(kind, r.Params)
	if err != nil {
		return domain.ToolRequest{}, err
	}
	if credential == "" {
		credential = r.Auth
	}
	return domain.ToolRequest{
		Kind:          kind,
		Params:        params,
		ClientID:      clientID,
		CorrelationID: string(r.ID),
		Credential:    credential,
	}, nil
}

// FromDomain converts a dispatcher response to its wire form.
func FromDomain(resp domain.ToolResponse) Response {
	out := Response{ID: ID(resp.CorrelationID)}
	if resp.Err != nil {
		out.Error = ErrorFrom(resp.Err)
		return out
	}
	if p := resp.Payload; p != nil {
		out.Result = &Result{
			Tool:      string(p.Tool),
			Content:   p.Content,
			Format:    string(p.Format),
			Source:    p.Source,
			FetchedAt: p.FetchedAt,
			FromCache: p.FromCache,
			Crates:    crateSummaries(p.Crates),
			Health:    healthReport(p.Health),
		}
		return out
	}
	out.Error = &Error{Kind: string(domain.KindInternal), Message: "empty response"}
	return out
}

func crateSummaries(in []domain.CrateSummary) []CrateSummary {
	if in == nil {
		return nil
	}
	out := make([]CrateSummary, len(in))
	for i, c := range in {
		out[i] = CrateSummary{
			Name:          c.Name,
			Description:   c.Description,
			Version:       c.Version,
			Downloads:     c.Downloads,
			Repository:    c.Repository,
			Documentation: c.Documentation,
		}
	}
	return out
}

func healthReport(h *domain.HealthReport) *HealthReport {
	if h == nil {
		return nil
	}
	checks := make([]HealthCheck, len(h.Checks))
	for i, c := range h.Checks {
		checks[i] = HealthCheck{
			Name:       c.Name,
			Status:     string(c.Status),
			DurationMS: c.Latency.Milliseconds(),
			Message:    c.Message,
			CheckedAt:  c.CheckedAt,
			Required:   c.Required,
		}
	}
	return &HealthReport{
		Status:        string(h.Status),
		Timestamp:     h.Timestamp.UTC().Format(time.RFC3339),
		Checks:        checks,
		UptimeSeconds: h.Uptime.Seconds(),
	}
}

// ErrorFrom converts any error to its wire form.
func ErrorFrom(err error) *Error {
	e := domain.AsError(err)
	if e == nil {
		return nil
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	// Validation causes are decoder messages worth showing to the caller.
	if e.Kind == domain.KindValidation && e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return &Error{
		Kind:           string(e.Kind),
		Message:        msg,
		UpstreamStatus: e.UpstreamStatus,
		RetryAfterMS:   retryAfterMS(e.RetryAfter),
	}
}

// retryAfterMS rounds up so a client waiting the hinted time is admitted.
func retryAfterMS(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(d) / float64(time.Millisecond)))
}

// HTTPStatus maps an error kind to the status used by the HTTP transport.
func HTTPStatus(kind string) int {
	switch domain.ErrorKind(kind) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindPoolExhausted, domain.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
