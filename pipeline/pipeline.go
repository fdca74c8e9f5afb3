// Package pipeline walks categories and listing pages, resolves each report
// and hands finished pages to the progress tracker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-experiences/config"
	"github.com/aluiziolira/go-scrape-experiences/models"
	"github.com/aluiziolira/go-scrape-experiences/parser"
	"github.com/aluiziolira/go-scrape-experiences/scraper"
)

// ErrInterrupted is returned when the context is cancelled mid-run. Work on
// the page in progress is discarded.
var ErrInterrupted = errors.New("pipeline: interrupted")

// Fetcher retrieves raw page content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	FetchListing(ctx context.Context, url string) ([]byte, error)
}

// Tracker is the progress state the pipeline consults and updates.
type Tracker interface {
	IsComplete(unit models.PageUnit) bool
	IsKnown(id string) bool
	RecordReports(records []*models.Record) (int, error)
	MarkPageComplete(unit models.PageUnit, n int) error
	SetCategoryInfo(id, label string, totalPages int)
	TotalPages(id string) int
}

// Pipeline is the sequential crawl orchestrator.
type Pipeline struct {
	cfg     *config.Config
	fetcher Fetcher
	tracker Tracker
	metrics *scraper.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewPipeline wires the orchestrator. metrics may be nil.
func NewPipeline(cfg *config.Config, fetcher Fetcher, tracker Tracker, metrics *scraper.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		fetcher: fetcher,
		tracker: tracker,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Run processes every configured category in order. The summary is returned
// even when the run is interrupted.
func (p *Pipeline) Run(ctx context.Context) (*models.RunSummary, error) {
	summary := &models.RunSummary{
		StartTime:    p.now(),
		ErrorsByType: make(map[string]int),
	}
	defer func() { summary.EndTime = p.now() }()

	for _, cat := range p.cfg.Categories {
		if err := p.runCategory(ctx, cat, summary); err != nil {
			if errors.Is(err, ErrInterrupted) {
				summary.Interrupted = true
				p.logger.Warn("run interrupted", slog.String("category", cat.ID))
			}
			return summary, err
		}
	}
	return summary, nil
}

func (p *Pipeline) runCategory(ctx context.Context, cat models.Category, summary *models.RunSummary) error {
	cs := summary.CategoryByID(cat.ID)
	cs.Label = cat.Label
	total := p.tracker.TotalPages(cat.ID)
	cs.TotalPages = total

	logger := p.logger.With(slog.String("category", cat.ID))

	// Without a known page count, page 0 is read up front for the total and
	// label. The page loop then gets it from the fetcher's listing cache.
	if total == 0 {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		unit := models.PageUnit{CategoryID: cat.ID, Page: 0}
		listing, err := p.fetchListing(ctx, unit)
		if err != nil {
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			if p.tracker.IsComplete(unit) {
				logger.Warn("page discovery failed", slog.Int("page", 0), slog.Any("error", err))
			} else {
				p.failUnit(unit, summary, err)
			}
			logger.Warn("stopping category: page count unknown after listing failure")
			return nil
		}
		total = listing.TotalPages
		cs.TotalPages = total
		if cs.Label == "" {
			cs.Label = listing.Label
		}
	}
	logger.Info("category started", slog.String("label", cs.Label), slog.Int("total_pages", total))

	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		if p.cfg.TestMode() && page >= p.cfg.TestModePages {
			logger.Info("test mode page limit reached", slog.Int("pages", p.cfg.TestModePages))
			return nil
		}
		if total > 0 && page >= total {
			break
		}

		unit := models.PageUnit{CategoryID: cat.ID, Page: page}
		complete := p.tracker.IsComplete(unit)
		if complete {
			summary.PagesSkipped++
			cs.PagesSkipped++
			p.metrics.IncPage("skipped")
			if total > 0 {
				continue
			}
		}

		// A listing is fetched for incomplete units, and for complete ones only
		// while the page count is still unknown.
		listing, err := p.fetchListing(ctx, unit)
		if err != nil {
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			if !complete {
				p.failUnit(unit, summary, err)
			} else {
				logger.Warn("page discovery failed", slog.Int("page", page), slog.Any("error", err))
			}
			if total > 0 {
				continue
			}
			logger.Warn("stopping category: page count unknown after listing failure")
			return nil
		}

		if listing.TotalPages > total {
			total = listing.TotalPages
		}
		last := !listing.HasMore && page+1 >= total
		ambiguous := last && !listing.PaginationFound && len(listing.Stubs)+listing.Skipped >= p.cfg.BatchSize
		if last && !ambiguous && total < page+1 {
			total = page + 1
		}
		cs.TotalPages = total
		if cs.Label == "" {
			cs.Label = listing.Label
		}
		p.tracker.SetCategoryInfo(cat.ID, cs.Label, total)

		if !complete {
			if err := p.processPage(ctx, unit, listing, summary, cs); err != nil {
				if errors.Is(err, ErrInterrupted) {
					return err
				}
				p.failUnit(unit, summary, err)
			}
		}

		if last {
			if ambiguous {
				logger.Warn("pagination ambiguous: full page without pagination controls, stopping category for review",
					slog.Int("page", page),
					slog.Int("stubs", len(listing.Stubs)),
				)
			}
			break
		}
	}

	logger.Info("category finished",
		slog.Int("total_pages", total),
		slog.Int("pages_completed", cs.PagesCompleted),
		slog.Int("pages_skipped", cs.PagesSkipped),
		slog.Int("records", cs.RecordsWritten),
	)
	return nil
}

func (p *Pipeline) fetchListing(ctx context.Context, unit models.PageUnit) (*parser.Listing, error) {
	pageURL := p.cfg.ListingURL(unit.CategoryID, unit.Page)
	body, err := p.fetcher.FetchListing(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	listing, err := parser.ParseListing(body, pageURL, unit.Page, p.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	return listing, nil
}

func (p *Pipeline) processPage(ctx context.Context, unit models.PageUnit, listing *parser.Listing, summary *models.RunSummary, cs *models.CategorySummary) error {
	stubs := listing.Stubs
	truncated := false
	if limit := p.cfg.LimitPerPage; limit > 0 && len(stubs) > limit {
		stubs = stubs[:limit]
		truncated = true
	}

	var (
		records  = make([]*models.Record, 0, len(stubs))
		seen     = make(map[string]struct{}, len(stubs))
		degraded int
	)
	for _, stub := range stubs {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		if p.tracker.IsKnown(stub.ID) {
			summary.KnownSkipped++
			continue
		}
		if _, dup := seen[stub.ID]; dup {
			summary.KnownSkipped++
			continue
		}
		seen[stub.ID] = struct{}{}

		rec, ok := p.resolve(ctx, stub)
		if !ok {
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			degraded++
		}
		records = append(records, rec)
	}

	written, err := p.tracker.RecordReports(records)
	if err != nil {
		return err
	}
	summary.RecordsWritten += written
	summary.DegradedRecords += degraded
	cs.RecordsWritten += written
	cs.DegradedRecords += degraded
	p.metrics.AddRecords(written)

	if truncated {
		p.logger.Info("test mode: page left incomplete",
			slog.String("unit", unit.Key()),
			slog.Int("limit", p.cfg.LimitPerPage),
			slog.Int("records", written),
		)
		return nil
	}

	if err := p.tracker.MarkPageComplete(unit, written); err != nil {
		return err
	}
	summary.PagesCompleted++
	cs.PagesCompleted++
	p.metrics.IncPage("completed")

	p.logger.Info("page complete",
		slog.String("category", unit.CategoryID),
		slog.Int("page", unit.Page+1),
		slog.Int("total_pages", cs.TotalPages),
		slog.Int("records", written),
		slog.Int("degraded", degraded),
	)
	return nil
}

// resolve turns a stub into a record. On failure the record carries only the
// listing fields and ok is false.
func (p *Pipeline) resolve(ctx context.Context, stub models.ReportStub) (*models.Record, bool) {
	body, err := p.fetcher.Fetch(ctx, stub.DetailURL)
	if err != nil {
		if ctx.Err() == nil {
			p.degrade(stub, "fetch", err)
		}
		return models.RecordFromStub(stub), false
	}

	detail, err := parser.ParseDetail(body)
	if err != nil {
		p.degrade(stub, "parse", err)
		return models.RecordFromStub(stub), false
	}
	if detail.DroppedDosages > 0 {
		p.logger.Warn("dose chart truncated",
			slog.String("id", stub.ID),
			slog.Int("kept", models.MaxDosages),
			slog.Int("dropped", detail.DroppedDosages),
		)
	}

	rec := detail.Record
	rec.ApplyStub(stub)
	if err := parser.ValidateRecord(rec); err != nil {
		p.logger.Debug("record incomplete", slog.String("id", rec.ID), slog.Any("error", err))
	}
	return rec, true
}

func (p *Pipeline) degrade(stub models.ReportStub, stage string, err error) {
	p.metrics.IncDegraded()
	p.logger.Warn("detail unavailable, writing listing fields only",
		slog.String("id", stub.ID),
		slog.String("url", stub.DetailURL),
		slog.String("stage", stage),
		slog.String("error_type", scraper.ErrorType(err)),
		slog.Any("error", err),
	)
}

func (p *Pipeline) failUnit(unit models.PageUnit, summary *models.RunSummary, err error) {
	summary.FailedUnits = append(summary.FailedUnits, unit.Key())
	summary.ErrorsByType[scraper.ErrorType(err)]++
	p.metrics.IncPage("failed")
	p.logger.Error("page unit failed",
		slog.String("unit", unit.Key()),
		slog.Any("error", err),
	)
}
