package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/i2y/docsgate/internal/domain"
)

// DefaultDocsLinkBase is the base URL used for documentation links in search output.
const DefaultDocsLinkBase = "https://docs.rs"

// ToolOption customizes ToolHandlers.
type ToolOption func(*ToolHandlers)

// WithDocsLinkBase sets the base URL used when linking search hits to their docs.
func WithDocsLinkBase(base string) ToolOption {
	return func(h *ToolHandlers) {
		if base != "" {
			h.docsLinkBase = strings.TrimRight(base, "/")
		}
	}
}

// WithClock overrides the clock used for fetched_at stamps.
func WithClock(now func() time.Time) ToolOption {
	return func(h *ToolHandlers) { h.now = now }
}

// ToolHandlers implements the four tools on top of the upstream collaborators.
// Each handler validates its parameters before any network call.
type ToolHandlers struct {
	docs         DocsClient
	registry     RegistryClient
	renderer     DocRenderer
	health       HealthChecker
	docsLinkBase string
	now          func() time.Time
	logger       *slog.Logger
}

// NewToolHandlers creates the tool handlers.
func NewToolHandlers(docs DocsClient, registry RegistryClient, renderer DocRenderer, health HealthChecker, logger *slog.Logger, opts ...ToolOption) *ToolHandlers {
	h := &ToolHandlers{
		docs:         docs,
		registry:     registry,
		renderer:     renderer,
		health:       health,
		docsLinkBase: DefaultDocsLinkBase,
		now:          time.Now,
		logger:       logger.With("usecase", "Tools"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// LookupCrate fetches and renders the documentation of a crate.
func (h *ToolHandlers) LookupCrate(ctx context.Context, p domain.LookupCrateParams) (domain.Payload, error) {
	if err := p.Validate(); err != nil {
		return domain.Payload{}, err
	}
	log := h.logger.With(slog.String("crate", p.Name), slog.String("version", p.Version))
	log.Debug("Fetching crate documentation")

	doc, err := h.docs.CrateDocs(ctx, p.Name, p.Version)
	if err != nil {
		log.Warn("Failed to fetch crate documentation", slog.Any("error", err))
		return domain.Payload{}, err
	}
	markdown, err := h.renderer.Markdown(doc.HTML)
	if err != nil {
		return domain.Payload{}, domain.WrapError(domain.KindInternal, "failed to render documentation", err)
	}
	content, err := h.renderAs(p.Format, doc.HTML, markdown)
	if err != nil {
		return domain.Payload{}, err
	}
	return domain.Payload{
		Tool:      domain.ToolLookupCrate,
		Content:   content,
		Format:    p.Format,
		Source:    doc.URL,
		FetchedAt: h.now().UTC(),
	}, nil
}

// SearchCrates queries the registry and renders at most p.Limit hits.
func (h *ToolHandlers) SearchCrates(ctx context.Context, p domain.SearchCratesParams) (domain.Payload, error) {
	if err := p.Validate(); err != nil {
		return domain.Payload{}, err
	}
	log := h.logger.With(slog.String("query", p.Query), slog.Int("limit", p.Limit))
	log.Debug("Searching registry")

	crates, err := h.registry.Search(ctx, p.Query, p.Limit)
	if err != nil {
		log.Warn("Registry search failed", slog.Any("error", err))
		return domain.Payload{}, err
	}
	if len(crates) > p.Limit {
		crates = crates[:p.Limit]
	}
	if crates == nil {
		crates = []domain.CrateSummary{}
	}
	content, err := formatSearchResults(crates, p.Format, h.docsLinkBase)
	if err != nil {
		return domain.Payload{}, domain.WrapError(domain.KindInternal, "failed to render search results", err)
	}
	log.Debug("Registry search completed", slog.Int("results", len(crates)))
	return domain.Payload{
		Tool:      domain.ToolSearchCrates,
		Content:   content,
		Format:    p.Format,
		Source:    "registry",
		FetchedAt: h.now().UTC(),
		Crates:    crates,
	}, nil
}

// LookupItem searches a crate's documentation for one item path.
func (h *ToolHandlers) LookupItem(ctx context.Context, p domain.LookupItemParams) (domain.Payload, error) {
	if err := p.Validate(); err != nil {
		return domain.Payload{}, err
	}
	log := h.logger.With(slog.String("crate", p.Name), slog.String("item_path", p.ItemPath))
	log.Debug("Looking up item")

	doc, err := h.docs.SearchItem(ctx, p.Name, p.Version, p.ItemPath)
	if err != nil {
		log.Warn("Failed to look up item", slog.Any("error", err))
		return domain.Payload{}, err
	}
	markdown, err := h.renderer.Markdown(doc.HTML)
	if err != nil {
		return domain.Payload{}, domain.WrapError(domain.KindInternal, "failed to render documentation", err)
	}

	var content string
	if strings.TrimSpace(markdown) == "" {
		content = fmt.Sprintf("No documentation found for item '%s' in crate '%s'", p.ItemPath, p.Name)
	} else {
		markdown = fmt.Sprintf("## Search results: %s\n\n%s", p.ItemPath, markdown)
		content, err = h.renderAs(p.Format, doc.HTML, markdown)
		if err != nil {
			return domain.Payload{}, err
		}
	}
	return domain.Payload{
		Tool:      domain.ToolLookupItem,
		Content:   content,
		Format:    p.Format,
		Source:    doc.URL,
		FetchedAt: h.now().UTC(),
	}, nil
}

// HealthCheck fans out to the health aggregator.
func (h *ToolHandlers) HealthCheck(ctx context.Context, p domain.HealthCheckParams) (domain.Payload, error) {
	if err := p.Validate(); err != nil {
		return domain.Payload{}, err
	}
	report := h.health.Check(ctx, p.CheckType, p.Verbose)

	format := domain.FormatText
	content := formatHealthSummary(report)
	if p.Verbose {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return domain.Payload{}, domain.WrapError(domain.KindInternal, "failed to encode health report", err)
		}
		format = domain.FormatJSON
		content = string(data)
	}
	return domain.Payload{
		Tool:      domain.ToolHealthCheck,
		Content:   content,
		Format:    format,
		Source:    "health",
		FetchedAt: h.now().UTC(),
		Health:    &report,
	}, nil
}

func (h *ToolHandlers) renderAs(format domain.Format, html, markdown string) (string, error) {
	switch format {
	case domain.FormatText:
		text, err := h.renderer.Text(html)
		if err != nil {
			return "", domain.WrapError(domain.KindInternal, "failed to render documentation", err)
		}
		return text, nil
	case domain.FormatHTML:
		return escapeAsHTML(markdown), nil
	default:
		return markdown, nil
	}
}
