package domain

import "time"

// ToolRequest is one decoded tool invocation. It is treated as immutable once
// handed to the dispatcher.
type ToolRequest struct {
	Kind   ToolKind
	Params Params
	// ClientID identifies the caller for rate limiting. Transports derive it
	// from the connection; the dispatcher replaces it with the token subject
	// when authentication is enabled.
	ClientID string
	// CorrelationID is echoed back verbatim in the response.
	CorrelationID string
	// Credential is the raw bearer credential, if the transport carried one.
	Credential string
}

// ToolResponse answers a ToolRequest. Exactly one of Payload and Err is set.
type ToolResponse struct {
	CorrelationID string
	Payload       *Payload
	Err           *Error
}

// OK reports whether the response carries a payload.
func (r ToolResponse) OK() bool { return r.Err == nil && r.Payload != nil }

// Payload is the normalized result shape shared by all tools.
type Payload struct {
	Tool      ToolKind  `json:"tool"`
	Content   string    `json:"content"`
	Format    Format    `json:"format"`
	Source    string    `json:"source,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	FromCache bool      `json:"from_cache"`

	// Crates is set by search_crates.
	Crates []CrateSummary `json:"crates,omitempty"`
	// Health is set by health_check.
	Health *HealthReport `json:"health,omitempty"`
}

// CrateSummary is one registry search hit.
type CrateSummary struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Version       string `json:"version"`
	Downloads     uint64 `json:"downloads"`
	Repository    string `json:"repository,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// Document is raw documentation fetched from the document service.
type Document struct {
	URL  string
	HTML string
}

// NewErrorResponse builds a failed response, classifying err.
func NewErrorResponse(correlationID string, err error) ToolResponse {
	return ToolResponse{CorrelationID: correlationID, Err: AsError(err)}
}
