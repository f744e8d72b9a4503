// Package trust scores, deduplicates, and filters harvested content before
// it enters the documentation pipeline.
package trust

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phuslu/log"

	"docforge/internal/models"
	"docforge/internal/pool"
)

// Scoring constants. The aggregate is a fixed weighted combination of the
// four sub-scores; only items at or above TrustThreshold are trusted.
const (
	TrustThreshold      = 70
	HighConfidenceScore = 80

	voteSaturation = 100
	starSaturation = 1000

	weightFreshness = 0.2
	weightCommunity = 0.3
	weightAuthority = 0.3
	weightRelevance = 0.2

	// fingerprintLen is how many normalized leading characters identify a
	// duplicate.
	fingerprintLen = 200
)

// domainAuthority maps known hosts to fixed authority scores. Unknown
// domains score 50, unparsable URLs 20.
var domainAuthority = map[string]int{
	"stackoverflow.com":     95,
	"github.com":            92,
	"developer.mozilla.org": 93,
	"docs.python.org":       95,
	"pkg.go.dev":            95,
	"go.dev":                93,
	"docs.microsoft.com":    90,
	"learn.microsoft.com":   90,
	"developers.google.com": 90,
	"docs.aws.amazon.com":   90,
	"kubernetes.io":         88,
	"reactjs.org":           88,
	"nodejs.org":            88,
	"youtube.com":           75,
	"medium.com":            60,
	"dev.to":                58,
	"reddit.com":            55,
	"news.ycombinator.com":  65,
	"wikipedia.org":         80,
}

// Scorer computes trust scores for harvested sources.
type Scorer struct {
	// MaxAge is the cutoff beyond which freshness is zero.
	MaxAge time.Duration
	// ProbeTimeout bounds each liveness probe in ValidateLinks.
	ProbeTimeout time.Duration
	// ProbeConcurrency bounds parallel liveness probes.
	ProbeConcurrency int

	client *http.Client
	now    func() time.Time
}

// NewScorer returns a scorer with documented defaults: 12 month max age,
// 5s probes, 5 parallel probes.
func NewScorer() *Scorer {
	return &Scorer{
		MaxAge:           365 * 24 * time.Hour,
		ProbeTimeout:     5 * time.Second,
		ProbeConcurrency: 5,
		client:           &http.Client{Timeout: 5 * time.Second},
		now:              time.Now,
	}
}

// Score annotates one source with sub-scores, the weighted aggregate, and
// human-readable reasons.
func (s *Scorer) Score(m models.SourceMetrics) models.ScoredSource {
	out := models.ScoredSource{SourceMetrics: m}

	out.Freshness, out.Reasons = s.freshness(m.PublishedAt, out.Reasons)
	out.Community, out.Reasons = community(m.Votes, m.Stars, out.Reasons)
	out.Authority, out.Reasons = authority(m.URL, out.Reasons)
	out.RelevanceScore, out.Reasons = relevance(m.Relevance, out.Reasons)

	out.Quality = int(math.Round(
		weightFreshness*float64(out.Freshness) +
			weightCommunity*float64(out.Community) +
			weightAuthority*float64(out.Authority) +
			weightRelevance*float64(out.RelevanceScore)))
	return out
}

// ScoreAll scores every source in order.
func (s *Scorer) ScoreAll(sources []models.SourceMetrics) []models.ScoredSource {
	out := make([]models.ScoredSource, 0, len(sources))
	for _, m := range sources {
		out = append(out, s.Score(m))
	}
	return out
}

func (s *Scorer) freshness(published *time.Time, reasons []string) (int, []string) {
	if published == nil {
		return 50, append(reasons, "publish date unknown")
	}
	age := s.now().Sub(*published)
	switch {
	case age > s.MaxAge:
		return 0, append(reasons, fmt.Sprintf("older than max age (%s)", s.MaxAge))
	case age < 30*24*time.Hour:
		return 100, append(reasons, "published within the last month")
	case age < 90*24*time.Hour:
		return 80, append(reasons, "published within the last 3 months")
	case age < 180*24*time.Hour:
		return 60, append(reasons, "published within the last 6 months")
	default:
		return 30, append(reasons, "published more than 6 months ago")
	}
}

func community(votes, stars *int, reasons []string) (int, []string) {
	if votes == nil && stars == nil {
		return 0, append(reasons, "no community signal")
	}
	fromVotes, fromStars := 0, 0
	if votes != nil {
		fromVotes = normalize(*votes, voteSaturation)
	}
	if stars != nil {
		fromStars = normalize(*stars, starSaturation)
	}
	score := fromVotes
	reason := fmt.Sprintf("%d votes", deref(votes))
	if fromStars > score {
		score = fromStars
		reason = fmt.Sprintf("%d stars", deref(stars))
	}
	return score, append(reasons, "community validation from "+reason)
}

func authority(raw string, reasons []string) (int, []string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return 20, append(reasons, "unparsable source URL")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if score, ok := domainAuthority[host]; ok {
		return score, append(reasons, "recognized domain "+host)
	}
	// Known hosts may be queried through subdomains (e.g. en.wikipedia.org).
	for domain, score := range domainAuthority {
		if strings.HasSuffix(host, "."+domain) {
			return score, append(reasons, "recognized domain "+domain)
		}
	}
	if strings.HasSuffix(host, ".gov") || strings.HasSuffix(host, ".edu") {
		return 90, append(reasons, "government or academic domain")
	}
	return 50, append(reasons, "unknown domain "+host)
}

func relevance(ratio *float64, reasons []string) (int, []string) {
	if ratio == nil {
		return 50, append(reasons, "relevance not evaluated")
	}
	r := *ratio
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return int(math.Round(r * 100)), append(reasons, fmt.Sprintf("query overlap %.0f%%", r*100))
}

func normalize(value, saturation int) int {
	if value <= 0 {
		return 0
	}
	if value >= saturation {
		return 100
	}
	return int(math.Round(float64(value) / float64(saturation) * 100))
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// FilterTrusted keeps only sources scoring at or above TrustThreshold,
// sorted by quality descending (stable for equal scores).
func FilterTrusted(sources []models.ScoredSource) []models.ScoredSource {
	out := make([]models.ScoredSource, 0, len(sources))
	for _, src := range sources {
		if src.Quality >= TrustThreshold {
			out = append(out, src)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Quality > out[j-1].Quality; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Deduplicate collapses sources whose normalized leading content collides;
// the first encountered item wins.
func Deduplicate(sources []models.ScoredSource) []models.ScoredSource {
	seen := make(map[string]struct{}, len(sources))
	out := make([]models.ScoredSource, 0, len(sources))
	for _, src := range sources {
		fp := fingerprint(src.Content)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, src)
	}
	return out
}

// fingerprint lowercases, collapses whitespace, and truncates content to
// its leading characters.
func fingerprint(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	if len(normalized) > fingerprintLen {
		normalized = normalized[:fingerprintLen]
	}
	return normalized
}

// ValidateLinks drops sources whose URL fails a lightweight HEAD probe
// within the probe timeout. Probes run through the bounded task pool.
func (s *Scorer) ValidateLinks(ctx context.Context, sources []models.ScoredSource) []models.ScoredSource {
	if len(sources) == 0 {
		return sources
	}
	results := pool.Run(ctx, sources, func(ctx context.Context, src models.ScoredSource) (models.ScoredSource, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, src.URL, nil)
		if err != nil {
			return src, fmt.Errorf("build probe for %s: %w", src.URL, err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return src, fmt.Errorf("probe %s: %w", src.URL, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return src, fmt.Errorf("probe %s: status %d", src.URL, resp.StatusCode)
		}
		return src, nil
	}, pool.Options{Concurrency: s.ProbeConcurrency, ItemTimeout: s.ProbeTimeout})

	out := make([]models.ScoredSource, 0, len(sources))
	for _, r := range results {
		if r.Err != nil {
			log.Debug().Err(r.Err).Msg("dropping dead link")
			continue
		}
		out = append(out, r.Value)
	}
	return out
}

// CrossVerify reports whether at least minSources items score above the
// high-confidence threshold, signaling independent corroboration.
func CrossVerify(sources []models.ScoredSource, minSources int) bool {
	if minSources <= 0 {
		minSources = 1
	}
	n := 0
	for _, src := range sources {
		if src.Quality >= HighConfidenceScore {
			n++
			if n >= minSources {
				return true
			}
		}
	}
	return false
}
