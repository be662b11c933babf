// Package docsrs reads crate documentation from a docs.rs-compatible service.
package docsrs

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
)

// Target is the connection-pool target name of the document service.
const Target = "docs"

// Getter performs pooled GET requests.
type Getter interface {
	Get(ctx context.Context, target, rawURL string) ([]byte, error)
}

// Client implements usecase.DocsClient.
type Client struct {
	http    Getter
	baseURL string
	logger  *slog.Logger
}

var _ usecase.DocsClient = (*Client)(nil)

// New creates a Client for the service rooted at baseURL.
func New(http Getter, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "docsrs"),
	}
}

// CrateURL returns the documentation page of a crate. An empty version means latest.
func (c *Client) CrateURL(name, version string) string {
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("%s/%s/%s/%s/", c.baseURL,
		url.PathEscape(name), url.PathEscape(version), url.PathEscape(strings.ReplaceAll(name, "-", "_")))
}

// CrateDocs fetches the documentation page of a crate.
func (c *Client) CrateDocs(ctx context.Context, name, version string) (domain.Document, error) {
	u := c.CrateURL(name, version)
	body, err := c.http.Get(ctx, Target, u)
	if err != nil {
		return domain.Document{}, err
	}
	c.logger.Debug("Fetched crate documentation", slog.String("url", u), slog.Int("bytes", len(body)))
	return domain.Document{URL: u, HTML: string(body)}, nil
}

// SearchItem runs the service's in-crate search for itemPath.
func (c *Client) SearchItem(ctx context.Context, name, version, itemPath string) (domain.Document, error) {
	u := c.CrateURL(name, version) + "?search=" + url.QueryEscape(itemPath)
	body, err := c.http.Get(ctx, Target, u)
	if err != nil {
		return domain.Document{}, err
	}
	c.logger.Debug("Fetched item search", slog.String("url", u), slog.Int("bytes", len(body)))
	return domain.Document{URL: u, HTML: string(body)}, nil
}

// Ping checks that the service's front page answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.http.Get(ctx, Target, c.baseURL+"/")
	return err
}
