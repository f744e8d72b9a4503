// Package pipeline composes the crawl, research, score, and assemble stages
// into the generate_docs job handler. Stage failures degrade the run rather
// than abort it: the report is always completed.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"docforge/internal/breaker"
	"docforge/internal/config"
	"docforge/internal/fallback"
	"docforge/internal/models"
	"docforge/internal/pool"
	"docforge/internal/progress"
	"docforge/internal/queue"
	"docforge/internal/trust"
)

// JobTypeGenerateDocs is the job type the runner handles.
const JobTypeGenerateDocs = "generate_docs"

// Stage ids, in execution order.
const (
	StageCrawl    = "crawl"
	StageResearch = "research"
	StageScore    = "score"
	StageAssemble = "assemble"
)

// Request is the decoded payload of a generate_docs job.
type Request struct {
	Topic      string
	RootURL    string
	MinSources int
}

// DecodeRequest pulls a Request out of a job payload.
func DecodeRequest(payload map[string]any) (Request, error) {
	req := Request{MinSources: 2}
	if v, ok := payload["topic"].(string); ok {
		req.Topic = v
	}
	if v, ok := payload["root_url"].(string); ok {
		req.RootURL = v
	}
	if v, ok := payload["min_sources"].(float64); ok && v > 0 {
		req.MinSources = int(v)
	}
	if req.Topic == "" {
		return req, fmt.Errorf("payload missing topic")
	}
	return req, nil
}

// Crawler discovers and fetches documentation pages.
type Crawler interface {
	// Discover lists page URLs reachable from the root.
	Discover(ctx context.Context, rootURL string) ([]string, error)
	// Expand lists additional URLs linked from already-fetched pages; the
	// runner calls it when the first pass comes up short.
	Expand(ctx context.Context, visited []string) ([]string, error)
	// Fetch retrieves one page as source material.
	Fetch(ctx context.Context, pageURL string) (models.SourceMetrics, error)
}

// ResearchSource is one named external source with its ordered provider
// chain. Optional sources degrade to a recommendation instead of a warning
// when they fail.
type ResearchSource struct {
	Name      string
	Optional  bool
	Providers []fallback.Provider[[]models.SourceMetrics]
}

// Document is the assembled output.
type Document struct {
	Title       string `json:"title"`
	Markdown    string `json:"markdown"`
	SourcesUsed int    `json:"sources_used"`
}

// Assembler renders trusted sources into the final document.
type Assembler interface {
	Assemble(ctx context.Context, req Request, sources []models.ScoredSource) (Document, error)
}

// ReportSink persists completed pipeline reports.
type ReportSink interface {
	SaveReport(ctx context.Context, report models.PipelineReport) error
}

// Sinks fans a report out to several sinks; the first failure is returned
// after all sinks were tried.
type Sinks []ReportSink

func (s Sinks) SaveReport(ctx context.Context, report models.PipelineReport) error {
	var first error
	for _, sink := range s {
		if err := sink.SaveReport(ctx, report); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Deps are the runner's collaborators. Scorer, Breakers, Tracker, and Bus
// are required; the rest may be nil and the matching stage degrades.
type Deps struct {
	Crawler   Crawler
	Research  []ResearchSource
	Assembler Assembler
	Scorer    *trust.Scorer
	Breakers  *breaker.Registry
	Tracker   *progress.Tracker
	Bus       *progress.Bus
	Reports   ReportSink
}

// Runner executes the documentation pipeline for one job at a time.
type Runner struct {
	cfg   config.Config
	deps  Deps
	chain *fallback.Chain[[]models.SourceMetrics]
}

// NewRunner builds a runner. The research result cache is shared across
// runs so repeated topics reuse fresh provider answers.
func NewRunner(cfg config.Config, deps Deps) *Runner {
	return &Runner{
		cfg:   cfg,
		deps:  deps,
		chain: fallback.NewChain[[]models.SourceMetrics](cfg.ResultCacheTTL, 512),
	}
}

// Handler adapts the runner to the queue's handler contract.
func (r *Runner) Handler() queue.Handler {
	return func(ctx context.Context, job models.Job, report func(int)) (map[string]any, error) {
		req, err := DecodeRequest(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode generate_docs payload: %w", err)
		}
		return r.Run(ctx, job.SessionID, req, report)
	}
}

// Run executes all stages and always produces a completed report. The
// returned error is non-nil only when the run produced no usable output at
// all, so the job layer can retry.
func (r *Runner) Run(ctx context.Context, sessionID string, req Request, report func(int)) (map[string]any, error) {
	if report == nil {
		report = func(int) {}
	}

	stages := []models.StageRecord{
		{ID: StageCrawl, Name: "Crawl documentation"},
		{ID: StageResearch, Name: "Research external sources"},
		{ID: StageScore, Name: "Score and filter sources"},
		{ID: StageAssemble, Name: "Assemble document"},
	}
	r.deps.Bus.Open(sessionID)
	if err := r.deps.Tracker.StartPipeline(sessionID, stages); err != nil {
		return nil, err
	}

	log.Info().Str("session_id", sessionID).Str("topic", req.Topic).Msg("pipeline started")

	pages := r.crawl(ctx, sessionID, req)
	report(30)
	harvested := r.research(ctx, sessionID, req)
	report(55)
	trusted, verified := r.score(ctx, sessionID, req, append(pages, harvested...))
	report(70)
	doc, assembled := r.assemble(ctx, sessionID, req, trusted)
	report(95)

	final, err := r.deps.Tracker.CompletePipeline(sessionID)
	if err != nil {
		return nil, err
	}
	if r.deps.Reports != nil {
		if err := r.deps.Reports.SaveReport(ctx, final); err != nil {
			log.Warn().Str("session_id", sessionID).Err(err).Msg("report not persisted")
		}
	}
	r.deps.Bus.EndSession(sessionID, map[string]any{"quality": final.OverallQuality})
	report(100)

	result := map[string]any{
		"session_id":     sessionID,
		"quality":        final.OverallQuality,
		"pages_crawled":  len(pages),
		"sources_found":  len(harvested),
		"sources_used":   len(trusted),
		"cross_verified": verified,
	}
	if assembled {
		result["title"] = doc.Title
		result["markdown"] = doc.Markdown
	}
	if !assembled && len(trusted) == 0 {
		return result, fmt.Errorf("pipeline produced no output for topic %q", req.Topic)
	}
	return result, nil
}

// crawl fetches documentation pages with a second discovery pass when the
// first yields fewer than the configured minimum.
func (r *Runner) crawl(ctx context.Context, sessionID string, req Request) []models.SourceMetrics {
	update := r.stageUpdater(sessionID, StageCrawl)
	update(progress.StageUpdate{Status: models.StageInProgress})

	if r.deps.Crawler == nil || req.RootURL == "" {
		update(progress.StageUpdate{
			Status:   models.StagePartial,
			Warnings: []string{"no crawl target configured, relying on research sources"},
		})
		return nil
	}

	urls, err := r.deps.Crawler.Discover(ctx, req.RootURL)
	if err != nil {
		update(progress.StageUpdate{Status: models.StageFailed, Error: fmt.Sprintf("discover %s: %v", req.RootURL, err)})
		return nil
	}
	r.deps.Bus.EmitActivity(sessionID, fmt.Sprintf("discovered %d pages", len(urls)), nil)

	pages, fetchErrs := r.fetchAll(ctx, sessionID, urls)

	// Second pass: expand links from fetched pages when the harvest is thin.
	if len(pages) < r.cfg.CrawlMinPages {
		visited := make([]string, 0, len(pages))
		for _, p := range pages {
			visited = append(visited, p.URL)
		}
		if extra, err := r.deps.Crawler.Expand(ctx, visited); err == nil && len(extra) > 0 {
			r.deps.Bus.EmitActivity(sessionID, fmt.Sprintf("expanding crawl by %d pages", len(extra)), nil)
			more, moreErrs := r.fetchAll(ctx, sessionID, extra)
			pages = append(pages, more...)
			fetchErrs = append(fetchErrs, moreErrs...)
		}
	}

	details := map[string]any{"pages": len(pages), "failed_fetches": len(fetchErrs)}
	switch {
	case len(pages) == 0:
		update(progress.StageUpdate{Status: models.StageFailed, Error: "no pages fetched", Details: details})
	case len(pages) < r.cfg.CrawlMinPages || len(fetchErrs) > 0:
		warnings := []string{fmt.Sprintf("fetched %d of %d pages", len(pages), len(pages)+len(fetchErrs))}
		update(progress.StageUpdate{Status: models.StagePartial, Warnings: warnings, Details: details})
	default:
		update(progress.StageUpdate{Status: models.StageCompleted, Details: details})
	}
	return pages
}

func (r *Runner) fetchAll(ctx context.Context, sessionID string, urls []string) ([]models.SourceMetrics, []error) {
	results := pool.Run(ctx, urls, func(ctx context.Context, pageURL string) (models.SourceMetrics, error) {
		return r.deps.Crawler.Fetch(ctx, pageURL)
	}, pool.Options{
		Concurrency: r.cfg.CrawlConcurrency,
		ItemTimeout: r.cfg.CrawlItemTimeout,
		OnProgress: func(completed, total int) {
			pct := completed * 100 / total
			r.deps.Bus.EmitProgress(sessionID, StageCrawl, pct, fmt.Sprintf("fetched %d/%d pages", completed, total))
			_ = r.deps.Tracker.UpdateStage(sessionID, StageCrawl, progress.StageUpdate{Progress: pct})
		},
	})

	var pages []models.SourceMetrics
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		pages = append(pages, res.Value)
	}
	return pages, errs
}

// research runs each source's provider chain, wrapping every provider call
// in that provider's circuit.
func (r *Runner) research(ctx context.Context, sessionID string, req Request) []models.SourceMetrics {
	update := r.stageUpdater(sessionID, StageResearch)
	update(progress.StageUpdate{Status: models.StageInProgress})

	if len(r.deps.Research) == 0 {
		update(progress.StageUpdate{
			Status:   models.StagePartial,
			Warnings: []string{"no research sources configured"},
		})
		return nil
	}

	type harvest struct {
		source  ResearchSource
		results []models.SourceMetrics
		err     error
	}
	settled := pool.Run(ctx, r.deps.Research, func(ctx context.Context, src ResearchSource) (harvest, error) {
		outcome, err := r.chain.Do(ctx, src.Name, r.guard(src.Providers), fallback.Options{
			MaxRetries: r.cfg.ProviderRetries,
			Timeout:    r.cfg.ProviderTimeout,
			CacheKey:   src.Name + ":" + strings.ToLower(req.Topic),
		})
		if err != nil {
			return harvest{source: src, err: err}, nil
		}
		r.deps.Bus.EmitActivity(sessionID,
			fmt.Sprintf("%s returned %d results via %s", src.Name, len(outcome.Data), outcome.Provider), nil)
		return harvest{source: src, results: outcome.Data}, nil
	}, pool.Options{
		Concurrency: len(r.deps.Research),
		OnProgress: func(completed, total int) {
			pct := completed * 100 / total
			r.deps.Bus.EmitProgress(sessionID, StageResearch, pct, fmt.Sprintf("queried %d/%d sources", completed, total))
			_ = r.deps.Tracker.UpdateStage(sessionID, StageResearch, progress.StageUpdate{Progress: pct})
		},
	})

	var all []models.SourceMetrics
	var warnings []string
	failed := 0
	for _, res := range settled {
		h := res.Value
		if res.Err != nil || h.err != nil {
			failed++
			err := res.Err
			if err == nil {
				err = h.err
			}
			if h.source.Optional {
				r.deps.Tracker.DeclareOptionalSource(sessionID, h.source.Name)
			} else {
				warnings = append(warnings, fmt.Sprintf("%s unavailable: %v", h.source.Name, err))
			}
			continue
		}
		all = append(all, h.results...)
	}

	details := map[string]any{"results": len(all), "failed_sources": failed}
	switch {
	case failed == len(r.deps.Research):
		update(progress.StageUpdate{Status: models.StageFailed, Error: "every research source failed", Details: details})
	case len(warnings) > 0:
		update(progress.StageUpdate{Status: models.StagePartial, Warnings: warnings, Details: details})
	default:
		update(progress.StageUpdate{Status: models.StageCompleted, Details: details})
	}
	return all
}

// guard wraps each provider call in its circuit so a tripped dependency
// fast-fails and lets the chain advance.
func (r *Runner) guard(providers []fallback.Provider[[]models.SourceMetrics]) []fallback.Provider[[]models.SourceMetrics] {
	out := make([]fallback.Provider[[]models.SourceMetrics], len(providers))
	for i, p := range providers {
		call := p.Call
		name := p.Name
		out[i] = fallback.Provider[[]models.SourceMetrics]{
			Name: name,
			Call: func(ctx context.Context) ([]models.SourceMetrics, error) {
				var data []models.SourceMetrics
				err := r.deps.Breakers.Do(ctx, name, func(ctx context.Context) error {
					var callErr error
					data, callErr = call(ctx)
					return callErr
				})
				return data, err
			},
		}
	}
	return out
}

// score runs the trust pipeline: score, dedupe, filter, probe, verify.
func (r *Runner) score(ctx context.Context, sessionID string, req Request, raw []models.SourceMetrics) ([]models.ScoredSource, bool) {
	update := r.stageUpdater(sessionID, StageScore)
	update(progress.StageUpdate{Status: models.StageInProgress})

	if len(raw) == 0 {
		update(progress.StageUpdate{Status: models.StageFailed, Error: "no sources to score"})
		return nil, false
	}

	scored := r.deps.Scorer.ScoreAll(raw)
	deduped := trust.Deduplicate(scored)
	trusted := trust.FilterTrusted(deduped)
	trusted = r.deps.Scorer.ValidateLinks(ctx, trusted)
	verified := trust.CrossVerify(trusted, req.MinSources)

	r.deps.Bus.EmitActivity(sessionID,
		fmt.Sprintf("%d of %d sources passed the trust filter", len(trusted), len(raw)), nil)

	details := map[string]any{
		"scored":         len(scored),
		"deduplicated":   len(scored) - len(deduped),
		"trusted":        len(trusted),
		"cross_verified": verified,
	}
	var warnings []string
	if len(trusted) < req.MinSources {
		warnings = append(warnings, fmt.Sprintf("only %d trusted sources, wanted %d", len(trusted), req.MinSources))
	}
	if !verified {
		warnings = append(warnings, "claims could not be cross-verified by independent high-confidence sources")
	}

	switch {
	case len(trusted) == 0:
		update(progress.StageUpdate{Status: models.StageFailed, Error: "no sources passed the trust filter", Details: details})
	case len(warnings) > 0:
		update(progress.StageUpdate{Status: models.StagePartial, Warnings: warnings, Details: details})
	default:
		update(progress.StageUpdate{Status: models.StageCompleted, Details: details})
	}
	return trusted, verified
}

func (r *Runner) assemble(ctx context.Context, sessionID string, req Request, trusted []models.ScoredSource) (Document, bool) {
	update := r.stageUpdater(sessionID, StageAssemble)
	update(progress.StageUpdate{Status: models.StageInProgress})

	if r.deps.Assembler == nil {
		update(progress.StageUpdate{
			Status:   models.StagePartial,
			Warnings: []string{"no assembler configured, emitting raw source list"},
		})
		return Document{}, false
	}
	if len(trusted) == 0 {
		update(progress.StageUpdate{Status: models.StageFailed, Error: "nothing to assemble"})
		return Document{}, false
	}

	doc, err := r.deps.Assembler.Assemble(ctx, req, trusted)
	if err != nil {
		update(progress.StageUpdate{Status: models.StageFailed, Error: err.Error()})
		return Document{}, false
	}
	update(progress.StageUpdate{
		Status:  models.StageCompleted,
		Details: map[string]any{"title": doc.Title, "sources_used": doc.SourcesUsed},
	})
	return doc, true
}

// stageUpdater forwards stage updates to both the tracker and the bus.
func (r *Runner) stageUpdater(sessionID, stageID string) func(progress.StageUpdate) {
	return func(u progress.StageUpdate) {
		if err := r.deps.Tracker.UpdateStage(sessionID, stageID, u); err != nil {
			log.Warn().Str("session_id", sessionID).Str("stage", stageID).Err(err).Msg("stage update dropped")
			return
		}
		msg := u.Status
		if u.Error != "" {
			msg += ": " + u.Error
		}
		r.deps.Bus.EmitProgress(sessionID, stageID, u.Progress, msg)
	}
}
