package usecase

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/i2y/docsgate/internal/domain"
)

func formatSearchResults(crates []domain.CrateSummary, format domain.Format, docsBase string) (string, error) {
	switch format {
	case domain.FormatJSON:
		data, err := json.MarshalIndent(crates, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	case domain.FormatText:
		var b strings.Builder
		for i, c := range crates {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c.Name)
			fmt.Fprintf(&b, "   Version: %s\n", c.Version)
			fmt.Fprintf(&b, "   Downloads: %d\n", c.Downloads)
			if c.Description != "" {
				fmt.Fprintf(&b, "   Description: %s\n", c.Description)
			}
			fmt.Fprintf(&b, "   Docs: %s/%s/\n\n", docsBase, c.Name)
		}
		return b.String(), nil
	default:
		var b strings.Builder
		b.WriteString("# Search results\n\n")
		if len(crates) == 0 {
			b.WriteString("No crates matched the query.\n")
		}
		for i, c := range crates {
			fmt.Fprintf(&b, "## %d. %s\n", i+1, c.Name)
			fmt.Fprintf(&b, "**Version**: %s\n", c.Version)
			fmt.Fprintf(&b, "**Downloads**: %d\n", c.Downloads)
			if c.Description != "" {
				fmt.Fprintf(&b, "**Description**: %s\n", c.Description)
			}
			if c.Repository != "" {
				fmt.Fprintf(&b, "**Repository**: [link](%s)\n", c.Repository)
			}
			if c.Documentation != "" {
				fmt.Fprintf(&b, "**Documentation**: [link](%s)\n", c.Documentation)
			}
			link := fmt.Sprintf("%s/%s/", docsBase, c.Name)
			fmt.Fprintf(&b, "**Docs**: [%s](%s)\n\n", link, link)
		}
		return b.String(), nil
	}
}

func formatHealthSummary(r domain.HealthReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\nUptime: %s\nTimestamp: %s",
		r.Status, r.Uptime.Round(time.Millisecond), r.Timestamp.UTC().Format(time.RFC3339))
	if len(r.Checks) > 0 {
		b.WriteString("\n\nCheck Results:")
		for _, c := range r.Checks {
			fmt.Fprintf(&b, "\n- %s: %s (%dms)", c.Name, c.Status, c.Latency.Milliseconds())
			if c.Message != "" {
				fmt.Fprintf(&b, " - %s", c.Message)
			}
		}
	}
	return b.String()
}

// escapeAsHTML wraps rendered documentation in a preformatted block.
func escapeAsHTML(content string) string {
	return "<pre><code>" + html.EscapeString(content) + "</code></pre>"
}
