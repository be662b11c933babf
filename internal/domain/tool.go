package domain

import "fmt"

// ToolKind identifies one of the query operations the gateway answers.
// The set is closed: every switch over ToolKind or Params is expected to be exhaustive.
type ToolKind string

const (
	ToolLookupCrate  ToolKind = "lookup_crate"
	ToolSearchCrates ToolKind = "search_crates"
	ToolLookupItem   ToolKind = "lookup_item"
	ToolHealthCheck  ToolKind = "health_check"
)

// ToolKinds lists every supported tool in catalog order.
var ToolKinds = []ToolKind{ToolLookupCrate, ToolSearchCrates, ToolLookupItem, ToolHealthCheck}

// ParseToolKind converts a wire tool name into a ToolKind.
func ParseToolKind(name string) (ToolKind, error) {
	switch ToolKind(name) {
	case ToolLookupCrate, ToolSearchCrates, ToolLookupItem, ToolHealthCheck:
		return ToolKind(name), nil
	case "":
		return "", NewValidationError("missing tool name")
	default:
		return "", NewValidationError(fmt.Sprintf("unknown tool %q", name))
	}
}

// Tool describes a callable tool as advertised to clients.
type Tool struct {
	// Name is the wire name of the tool (one of the ToolKind values).
	Name string `json:"name"`

	// Description is a natural language explanation of what the tool does.
	Description string `json:"description"`

	// InputSchema defines the parameters the tool accepts (JSON Schema).
	InputSchema JSONSchemaProps `json:"input_schema"`

	// ReadOnly and Idempotent are hints for clients; every gateway tool is both.
	ReadOnly   bool `json:"read_only"`
	Idempotent bool `json:"idempotent"`
}

// JSONSchemaProps is the subset of JSON Schema used for tool inputs.
type JSONSchemaProps struct {
	Type        string                     `json:"type"`
	Description string                     `json:"description,omitempty"`
	Properties  map[string]JSONSchemaProps `json:"properties,omitempty"`
	Required    []string                   `json:"required,omitempty"`
	Enum        []interface{}              `json:"enum,omitempty"`
	Default     interface{}                `json:"default,omitempty"`
	Minimum     *float64                   `json:"minimum,omitempty"`
	Maximum     *float64                   `json:"maximum,omitempty"`
}

func bound(v float64) *float64 { return &v }

func formatEnum(formats ...Format) []interface{} {
	out := make([]interface{}, len(formats))
	for i, f := range formats {
		out[i] = string(f)
	}
	return out
}

// Catalog returns the definitions of all tools in ToolKinds order.
func Catalog() []Tool {
	return []Tool{
		{
			Name:        string(ToolLookupCrate),
			Description: "Fetch the documentation of a crate from the document service.",
			InputSchema: JSONSchemaProps{
				Type: "object",
				Properties: map[string]JSONSchemaProps{
					"name":    {Type: "string", Description: "Crate name"},
					"version": {Type: "string", Description: "Crate version (defaults to latest)"},
					"format": {
						Type: "string", Description: "Output format",
						Enum: formatEnum(LookupFormats...), Default: string(FormatMarkdown),
					},
				},
				Required: []string{"name"},
			},
			ReadOnly:   true,
			Idempotent: true,
		},
		{
			Name:        string(ToolSearchCrates),
			Description: "Search the registry for crates matching a query.",
			InputSchema: JSONSchemaProps{
				Type: "object",
				Properties: map[string]JSONSchemaProps{
					"query": {Type: "string", Description: "Search query"},
					"limit": {
						Type: "integer", Description: "Maximum number of results",
						Minimum: bound(MinSearchLimit), Maximum: bound(MaxSearchLimit), Default: DefaultSearchLimit,
					},
					"format": {
						Type: "string", Description: "Output format",
						Enum: formatEnum(SearchFormats...), Default: string(FormatMarkdown),
					},
				},
				Required: []string{"query"},
			},
			ReadOnly:   true,
			Idempotent: true,
		},
		{
			Name:        string(ToolLookupItem),
			Description: "Look up a specific item (type, function, trait, module) inside a crate.",
			InputSchema: JSONSchemaProps{
				Type: "object",
				Properties: map[string]JSONSchemaProps{
					"name":      {Type: "string", Description: "Crate name"},
					"item_path": {Type: "string", Description: "Item path, e.g. serde::Serialize"},
					"version":   {Type: "string", Description: "Crate version (defaults to latest)"},
					"format": {
						Type: "string", Description: "Output format",
						Enum: formatEnum(LookupFormats...), Default: string(FormatMarkdown),
					},
				},
				Required: []string{"name", "item_path"},
			},
			ReadOnly:   true,
			Idempotent: true,
		},
		{
			Name:        string(ToolHealthCheck),
			Description: "Check the health of the gateway and its upstream services.",
			InputSchema: JSONSchemaProps{
				Type: "object",
				Properties: map[string]JSONSchemaProps{
					"check_type": {
						Type: "string", Description: "Which checks to run",
						Enum:    []interface{}{"all", "external", "internal", "docs", "registry"},
						Default: string(CheckAll),
					},
					"verbose": {Type: "boolean", Description: "Include healthy checks in the report", Default: false},
				},
			},
			ReadOnly:   true,
			Idempotent: true,
		},
	}
}
