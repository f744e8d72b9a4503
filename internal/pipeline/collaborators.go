package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docforge/internal/models"
)

// SiteCrawler is the built-in Crawler: plain HTTP fetches with no markup
// interpretation. Deployments with a real crawling service swap it out
// behind the Crawler interface.
type SiteCrawler struct {
	Client   *http.Client
	MaxBytes int64
}

// NewSiteCrawler returns a crawler with a 15s client and a 2 MiB page cap.
func NewSiteCrawler() *SiteCrawler {
	return &SiteCrawler{
		Client:   &http.Client{Timeout: 15 * time.Second},
		MaxBytes: 2 << 20,
	}
}

// Discover returns the root itself; link extraction belongs to the
// external crawling service.
func (c *SiteCrawler) Discover(ctx context.Context, rootURL string) ([]string, error) {
	return []string{rootURL}, nil
}

// Expand has nothing to add without link extraction.
func (c *SiteCrawler) Expand(ctx context.Context, visited []string) ([]string, error) {
	return nil, nil
}

// Fetch downloads one page as raw text.
func (c *SiteCrawler) Fetch(ctx context.Context, pageURL string) (models.SourceMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return models.SourceMetrics{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return models.SourceMetrics{}, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return models.SourceMetrics{}, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	limit := c.MaxBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return models.SourceMetrics{}, fmt.Errorf("read %s: %w", pageURL, err)
	}
	return models.SourceMetrics{URL: pageURL, Content: string(body)}, nil
}

// MarkdownAssembler is the built-in Assembler: a source digest in
// markdown. The AI rendering service replaces it in production.
type MarkdownAssembler struct{}

// Assemble renders the trusted sources as a ranked digest.
func (MarkdownAssembler) Assemble(ctx context.Context, req Request, sources []models.ScoredSource) (Document, error) {
	if len(sources) == 0 {
		return Document{}, fmt.Errorf("no sources to assemble")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", req.Topic)
	fmt.Fprintf(&b, "Compiled from %d trusted sources.\n\n", len(sources))
	for i, src := range sources {
		fmt.Fprintf(&b, "## %d. %s (score %d)\n\n", i+1, src.URL, src.Quality)
		snippet := src.Content
		if len(snippet) > 500 {
			snippet = snippet[:500] + "…"
		}
		b.WriteString(snippet)
		b.WriteString("\n\n")
	}

	return Document{
		Title:       req.Topic,
		Markdown:    b.String(),
		SourcesUsed: len(sources),
	}, nil
}
