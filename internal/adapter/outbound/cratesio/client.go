// Package cratesio searches a crates.io-compatible registry.
package cratesio

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
)

// Target is the connection-pool target name of the registry.
const Target = "registry"

// Getter performs pooled GET requests.
type Getter interface {
	Get(ctx context.Context, target, rawURL string) ([]byte, error)
}

// Client implements usecase.RegistryClient.
type Client struct {
	http    Getter
	baseURL string
	logger  *slog.Logger
}

var _ usecase.RegistryClient = (*Client)(nil)

// New creates a Client for the registry rooted at baseURL.
func New(http Getter, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "cratesio"),
	}
}

func (c *Client) searchURL(query string, limit int) string {
	q := url.Values{}
	q.Set("q", query)
	q.Set("per_page", fmt.Sprint(limit))
	return c.baseURL + "/api/v1/crates?" + q.Encode()
}

// Search returns at most limit crates matching query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]domain.CrateSummary, error) {
	body, err := c.http.Get(ctx, Target, c.searchURL(query, limit))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, domain.WrapError(domain.KindUpstream, "registry returned malformed JSON", nil)
	}

	crates := make([]domain.CrateSummary, 0, limit)
	gjson.GetBytes(body, "crates").ForEach(func(_, v gjson.Result) bool {
		name := v.Get("name").String()
		if name == "" {
			return true
		}
		version := v.Get("max_stable_version").String()
		if version == "" {
			version = v.Get("max_version").String()
		}
		crates = append(crates, domain.CrateSummary{
			Name:          name,
			Description:   strings.TrimSpace(v.Get("description").String()),
			Version:       version,
			Downloads:     v.Get("downloads").Uint(),
			Repository:    v.Get("repository").String(),
			Documentation: v.Get("documentation").String(),
		})
		return len(crates) < limit
	})
	c.logger.Debug("Registry search parsed", slog.String("query", query), slog.Int("results", len(crates)))
	return crates, nil
}

// Ping issues a minimal search.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.http.Get(ctx, Target, c.searchURL("serde", 1))
	return err
}
