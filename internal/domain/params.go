package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Format selects how tool output is rendered.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatHTML     Format = "html"
	FormatJSON     Format = "json"
)

var (
	// LookupFormats are the formats accepted by lookup_crate and lookup_item.
	LookupFormats = []Format{FormatMarkdown, FormatText, FormatHTML}
	// SearchFormats are the formats accepted by search_crates.
	SearchFormats = []Format{FormatMarkdown, FormatText, FormatJSON}
)

// CheckType scopes a health check.
type CheckType string

const (
	CheckAll      CheckType = "all"
	CheckExternal CheckType = "external"
	CheckInternal CheckType = "internal"
	CheckDocs     CheckType = "docs"
	CheckRegistry CheckType = "registry"
)

// Search limit bounds.
const (
	MinSearchLimit     = 1
	MaxSearchLimit     = 100
	DefaultSearchLimit = 10
)

const (
	maxCrateNameLen = 100
	maxVersionLen   = 50
	maxQueryLen     = 200
	maxItemPathLen  = 300
)

// Params is the parameter set of one tool invocation. It is implemented only by
// the four parameter structs in this package.
type Params interface {
	Kind() ToolKind
	// Validate checks the parameters without touching the network.
	Validate() error
	// fields returns the normalized key=value pairs identifying the request.
	fields() map[string]string
}

// LookupCrateParams are the parameters of lookup_crate.
type LookupCrateParams struct {
	Name    string
	Version string
	Format  Format
}

// SearchCratesParams are the parameters of search_crates.
type SearchCratesParams struct {
	Query  string
	Limit  int
	Format Format
}

// LookupItemParams are the parameters of lookup_item.
type LookupItemParams struct {
	Name     string
	ItemPath string
	Version  string
	Format   Format
}

// HealthCheckParams are the parameters of health_check.
type HealthCheckParams struct {
	CheckType CheckType
	Verbose   bool
}

func (LookupCrateParams) Kind() ToolKind  { return ToolLookupCrate }
func (SearchCratesParams) Kind() ToolKind { return ToolSearchCrates }
func (LookupItemParams) Kind() ToolKind   { return ToolLookupItem }
func (HealthCheckParams) Kind() ToolKind  { return ToolHealthCheck }

func (p LookupCrateParams) Validate() error {
	if err := validateCrateName(p.Name); err != nil {
		return err
	}
	if err := validateVersion(p.Version); err != nil {
		return err
	}
	return validateFormat(p.Format, LookupFormats)
}

func (p SearchCratesParams) Validate() error {
	if p.Query == "" {
		return NewValidationError("search query cannot be empty")
	}
	if len(p.Query) > maxQueryLen {
		return NewValidationError(fmt.Sprintf("search query is too long (max %d characters)", maxQueryLen))
	}
	if p.Limit < MinSearchLimit || p.Limit > MaxSearchLimit {
		return NewValidationError(fmt.Sprintf("limit must be between %d and %d, got %d", MinSearchLimit, MaxSearchLimit, p.Limit))
	}
	return validateFormat(p.Format, SearchFormats)
}

func (p LookupItemParams) Validate() error {
	if err := validateCrateName(p.Name); err != nil {
		return err
	}
	if p.ItemPath == "" {
		return NewValidationError("item_path cannot be empty")
	}
	if len(p.ItemPath) > maxItemPathLen {
		return NewValidationError("item_path is too long")
	}
	if err := validateVersion(p.Version); err != nil {
		return err
	}
	return validateFormat(p.Format, LookupFormats)
}

func (p HealthCheckParams) Validate() error {
	switch p.CheckType {
	case CheckAll, CheckExternal, CheckInternal, CheckDocs, CheckRegistry:
		return nil
	default:
		return NewValidationError(fmt.Sprintf("unknown check_type %q", p.CheckType))
	}
}

func (p LookupCrateParams) fields() map[string]string {
	return map[string]string{"name": p.Name, "version": p.Version, "format": string(p.Format)}
}

func (p SearchCratesParams) fields() map[string]string {
	return map[string]string{"query": p.Query, "limit": strconv.Itoa(p.Limit), "format": string(p.Format)}
}

func (p LookupItemParams) fields() map[string]string {
	return map[string]string{"name": p.Name, "item_path": p.ItemPath, "version": p.Version, "format": string(p.Format)}
}

func (p HealthCheckParams) fields() map[string]string {
	return map[string]string{"check_type": string(p.CheckType), "verbose": strconv.FormatBool(p.Verbose)}
}

func validateCrateName(name string) error {
	if name == "" {
		return NewValidationError("crate name cannot be empty")
	}
	if len(name) > maxCrateNameLen {
		return NewValidationError(fmt.Sprintf("crate name is too long (max %d characters)", maxCrateNameLen))
	}
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
		if !ok {
			return NewValidationError(fmt.Sprintf("crate name %q contains invalid characters", name))
		}
	}
	return nil
}

// validateVersion accepts an empty (latest) version.
func validateVersion(version string) error {
	if version == "" {
		return nil
	}
	if len(version) > maxVersionLen {
		return NewValidationError("version is too long")
	}
	if !strings.ContainsAny(version, "0123456789") {
		return NewValidationError(fmt.Sprintf("version %q must contain digits", version))
	}
	return nil
}

func validateFormat(f Format, allowed []Format) error {
	for _, a := range allowed {
		if f == a {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	return NewValidationError(fmt.Sprintf("unsupported format %q (expected one of %s)", f, strings.Join(names, ", ")))
}

// Wire shapes of the params object, used only for decoding.
type (
	lookupCrateWire struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Format  string `json:"format"`
	}
	searchCratesWire struct {
		Query  string `json:"query"`
		Limit  *int   `json:"limit"`
		Format string `json:"format"`
	}
	lookupItemWire struct {
		Name     string `json:"name"`
		ItemPath string `json:"item_path"`
		Version  string `json:"version"`
		Format   string `json:"format"`
	}
	healthCheckWire struct {
		CheckType string `json:"check_type"`
		Verbose   bool   `json:"verbose"`
	}
)

// DecodeParams builds the parameter variant for kind from its JSON object,
// applying defaults and normalizing whitespace and case. Decoding failures are
// returned as validation errors; range checks are left to Params.Validate.
func DecodeParams(kind ToolKind, raw json.RawMessage) (Params, error) {
	switch kind {
	case ToolLookupCrate:
		var w lookupCrateWire
		if err := decodeStrict(raw, &w); err != nil {
			return nil, err
		}
		return LookupCrateParams{
			Name:    normalizeName(w.Name),
			Version: strings.TrimSpace(w.Version),
			Format:  formatOrDefault(w.Format),
		}, nil
	case ToolSearchCrates:
		var w searchCratesWire
		if err := decodeStrict(raw, &w); err != nil {
			return nil, err
		}
		limit := DefaultSearchLimit
		if w.Limit != nil {
			limit = *w.Limit
		}
		return SearchCratesParams{
			Query:  strings.Join(strings.Fields(w.Query), " "),
			Limit:  limit,
			Format: formatOrDefault(w.Format),
		}, nil
	case ToolLookupItem:
		var w lookupItemWire
		if err := decodeStrict(raw, &w); err != nil {
			return nil, err
		}
		return LookupItemParams{
			Name:     normalizeName(w.Name),
			ItemPath: strings.TrimSpace(w.ItemPath),
			Version:  strings.TrimSpace(w.Version),
			Format:   formatOrDefault(w.Format),
		}, nil
	case ToolHealthCheck:
		var w healthCheckWire
		if err := decodeStrict(raw, &w); err != nil {
			return nil, err
		}
		ct := CheckType(strings.ToLower(strings.TrimSpace(w.CheckType)))
		if ct == "" {
			ct = CheckAll
		}
		return HealthCheckParams{CheckType: ct, Verbose: w.Verbose}, nil
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown tool %q", kind))
	}
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return WrapError(KindValidation, "invalid params", err)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func formatOrDefault(f string) Format {
	f = strings.ToLower(strings.TrimSpace(f))
	if f == "" {
		return FormatMarkdown
	}
	return Format(f)
}
