package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-scrape-experiences/config"
	"github.com/aluiziolira/go-scrape-experiences/models"
	"github.com/aluiziolira/go-scrape-experiences/progress"
	"github.com/aluiziolira/go-scrape-experiences/scraper"
)

const testBase = "http://erowid.test"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.Categories = []models.Category{{ID: "39"}}
	cfg.InsecureHosts = nil
	cfg.MinDelay = 0
	cfg.MaxDelay = 0
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = time.Millisecond
	cfg.OutputFile = filepath.Join(dir, "reports.csv")
	cfg.CheckpointFile = filepath.Join(dir, "progress.json")
	require.NoError(t, cfg.Validate())
	return cfg
}

func detailURL(id int) string {
	return fmt.Sprintf("%s/experiences/exp.php?ID=%d", testBase, id)
}

// listingHTML renders a listing page with the given report ids and, when
// totalPages > 0, pagination links for every page.
func listingHTML(cfg *config.Config, category string, totalPages int, ids []int) string {
	var b strings.Builder
	b.WriteString("<html><head><title>Listing " + category + "</title></head><body>")
	if totalPages > 0 {
		b.WriteString(`<table class="results-table"><tr><td>`)
		for i := 0; i < totalPages; i++ {
			fmt.Fprintf(&b, `<a href="exp.cgi?S1=%s&amp;Start=%d&amp;Max=%d">%d</a> `, category, i*cfg.BatchSize, cfg.BatchSize, i+1)
		}
		b.WriteString(`</td></tr></table>`)
	}
	b.WriteString(`<table class="exp-list-table">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<tr class="exp-list-row"><td class="exp-rating"><img alt="Rating %d"></td><td class="exp-title"><a href="exp.php?ID=%d">Title %d</a></td><td class="exp-author">Author %d</td></tr>`, id, id, id, id)
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

func detailHTML(id int, prefix string) string {
	return fmt.Sprintf(`<html><body>
<div class="report-text-surround">
<table class="dosechart"><tr><td class="dosechart-amount">%d mg</td><td class="dosechart-method">oral</td><td class="dosechart-substance">Substance</td></tr></table>
<table class="bodyweight"><tr><td class="bodyweight-amount">150 lbs</td></tr></table>
%s narrative for report %d.
<table class="footdata"><tr>
<td class="footdata-expyear">Exp Year: 2004</td>
<td class="footdata-gender">Gender: Female</td>
<td class="footdata-pubdate">Published: Jun 5, 2006</td>
<td class="footdata-numviews">Views: 1,234</td>
<td class="footdata-expid">ExpID: %d</td>
</tr></table>
</div></body></html>`, id, prefix, id, id)
}

func idRange(from, to int) []int {
	ids := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		ids = append(ids, i)
	}
	return ids
}

type site struct {
	cfg       *config.Config
	transport *httpmock.MockTransport
}

func newSite(cfg *config.Config) *site {
	return &site{cfg: cfg, transport: httpmock.NewMockTransport()}
}

func (s *site) listing(category string, page, totalPages int, ids []int) {
	s.transport.RegisterResponder(http.MethodGet, s.cfg.ListingURL(category, page),
		htmlPage(listingHTML(s.cfg, category, totalPages, ids)))
}

func (s *site) details(ids []int, prefix string) {
	for _, id := range ids {
		s.transport.RegisterResponder(http.MethodGet, detailURL(id),
			htmlPage(detailHTML(id, prefix)))
	}
}

func htmlPage(body string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(200, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	}
}

func (s *site) calls(url string) int {
	return s.transport.GetCallCountInfo()["GET "+url]
}

func (s *site) detailCalls() int {
	total := 0
	for key, n := range s.transport.GetCallCountInfo() {
		if strings.Contains(key, "exp.php") {
			total += n
		}
	}
	return total
}

type run struct {
	summary *models.RunSummary
	err     error
}

func runOnce(t *testing.T, ctx context.Context, cfg *config.Config, s *site, clear bool) run {
	t.Helper()
	fetcher, err := scraper.NewFetcher(cfg, discard)
	require.NoError(t, err)
	fetcher.WithTransport(s.transport)

	tracker, err := progress.Load(progress.Options{
		CheckpointPath: cfg.CheckpointFile,
		OutputPath:     cfg.OutputFile,
		Format:         cfg.OutputFormat,
		Clear:          clear,
		Logger:         discard,
	})
	require.NoError(t, err)
	defer tracker.Close()

	summary, err := NewPipeline(cfg, fetcher, tracker, fetcher.Metrics, discard).Run(ctx)
	return run{summary: summary, err: err}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for i, row := range rows {
		require.Len(t, row, models.NumColumns, "row %d", i)
	}
	return rows[1:]
}

func assertUniqueIDs(t *testing.T, rows [][]string) {
	t.Helper()
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		id := row[models.IDColumn]
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

// twoPageSite serves category 39 with 2 pages of 100 reports; the detail
// page for report 150 is missing.
func twoPageSite(cfg *config.Config, prefix string) *site {
	s := newSite(cfg)
	s.listing("39", 0, 2, idRange(1, 100))
	s.listing("39", 1, 2, idRange(101, 200))
	s.details(idRange(1, 200), prefix)
	s.transport.RegisterResponder(http.MethodGet, detailURL(150), httpmock.NewStringResponder(404, "gone"))
	return s
}

func TestRunWritesOneRowPerStub(t *testing.T) {
	cfg := testConfig(t)
	s := twoPageSite(cfg, "First")

	res := runOnce(t, context.Background(), cfg, s, false)
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.summary.RecordsWritten)
	assert.Equal(t, 1, res.summary.DegradedRecords)
	assert.Equal(t, 2, res.summary.PagesCompleted)
	assert.Empty(t, res.summary.FailedUnits)
	assert.Equal(t, 1, s.calls(cfg.ListingURL("39", 0)), "page 0 is fetched once")

	rows := readRows(t, cfg.OutputFile)
	require.Len(t, rows, 200)
	assertUniqueIDs(t, rows)

	for i, row := range rows {
		id := fmt.Sprint(i + 1)
		assert.Equal(t, id, row[models.IDColumn])
		assert.Equal(t, "Title "+id, row[0])
		if id == "150" {
			assert.Equal(t, "Author 150", row[1])
			assert.Equal(t, "Rating 150", row[6])
			for _, col := range []int{2, 3, 4, 5, 7, 8, 9, 11, 12, 13, 14} {
				assert.Empty(t, row[col], "column %d of degraded row", col)
			}
			continue
		}
		assert.Equal(t, "First narrative for report "+id+".", row[9])
		assert.Equal(t, "2004-01-01", row[2])
		assert.Equal(t, "2006-06-05", row[3])
		assert.Equal(t, "Female", row[4])
		assert.Equal(t, "150", row[7])
		assert.Equal(t, "lb", row[8])
		assert.Equal(t, "1234", row[11])
		assert.Equal(t, "Substance", row[12])
		assert.Equal(t, id+" mg", row[13])
		assert.Empty(t, row[15], "unused dosage slots stay empty")
	}

	state, err := os.ReadFile(cfg.CheckpointFile)
	require.NoError(t, err)
	assert.Contains(t, string(state), `"39_page_0"`)
	assert.Contains(t, string(state), `"39_page_1"`)
}

func TestRunDiscoversPageCountThroughListingCache(t *testing.T) {
	cfg := testConfig(t)
	s := twoPageSite(cfg, "First")

	fetcher, err := scraper.NewFetcher(cfg, discard)
	require.NoError(t, err)
	fetcher.WithTransport(s.transport)
	tracker, err := progress.Load(progress.Options{
		CheckpointPath: cfg.CheckpointFile,
		OutputPath:     cfg.OutputFile,
		Format:         cfg.OutputFormat,
		Logger:         discard,
	})
	require.NoError(t, err)
	defer tracker.Close()

	summary, err := NewPipeline(cfg, fetcher, tracker, fetcher.Metrics, discard).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Categories[0].TotalPages)
	assert.Equal(t, "Listing 39", summary.Categories[0].Label)
	assert.Equal(t, 1, s.calls(cfg.ListingURL("39", 0)))
	assert.Equal(t, 1, s.calls(cfg.ListingURL("39", 1)))
	assert.Equal(t, 1, fetcher.Stats().CacheHits, "page 0 is served from the cache after discovery")
	assert.Equal(t, 2, tracker.TotalPages("39"))
}

func TestRunIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	first := runOnce(t, context.Background(), cfg, twoPageSite(cfg, "First"), false)
	require.NoError(t, first.err)

	s := twoPageSite(cfg, "Second")
	res := runOnce(t, context.Background(), cfg, s, false)
	require.NoError(t, res.err)

	assert.Zero(t, res.summary.RecordsWritten)
	assert.Equal(t, 2, res.summary.PagesSkipped)
	assert.Zero(t, s.transport.GetTotalCallCount(), "a finished category needs no requests")
	assert.Len(t, readRows(t, cfg.OutputFile), 200)
}

func TestRunResumesAfterInterruption(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := twoPageSite(cfg, "First")
	serve := htmlPage(detailHTML(101, "First"))
	s.transport.RegisterResponder(http.MethodGet, detailURL(101), func(req *http.Request) (*http.Response, error) {
		cancel()
		return serve(req)
	})

	res := runOnce(t, ctx, cfg, s, false)
	require.ErrorIs(t, res.err, ErrInterrupted)
	assert.True(t, res.summary.Interrupted)
	assert.Equal(t, 1, res.summary.PagesCompleted)
	assert.Len(t, readRows(t, cfg.OutputFile), 100, "the interrupted page writes nothing")

	resumed := twoPageSite(cfg, "First")
	res = runOnce(t, context.Background(), cfg, resumed, false)
	require.NoError(t, res.err)

	assert.Zero(t, resumed.calls(cfg.ListingURL("39", 0)), "completed page is skipped")
	assert.Equal(t, 1, resumed.calls(cfg.ListingURL("39", 1)))
	assert.Zero(t, resumed.calls(detailURL(1)))
	assert.Equal(t, 1, resumed.calls(detailURL(101)))
	assert.Equal(t, 1, res.summary.PagesSkipped)
	assert.Equal(t, 1, res.summary.PagesCompleted)
	assert.Equal(t, 100, res.summary.RecordsWritten)

	rows := readRows(t, cfg.OutputFile)
	assert.Len(t, rows, 200)
	assertUniqueIDs(t, rows)
}

func TestRunSkipsReportsSeenOnEarlierPages(t *testing.T) {
	cfg := testConfig(t)
	s := newSite(cfg)
	s.listing("39", 0, 2, []int{1, 2, 3})
	s.listing("39", 1, 2, []int{3, 4, 4})
	s.details(idRange(1, 4), "Only")

	res := runOnce(t, context.Background(), cfg, s, false)
	require.NoError(t, res.err)
	assert.Equal(t, 4, res.summary.RecordsWritten)
	assert.Equal(t, 2, res.summary.KnownSkipped)
	assert.Equal(t, 1, s.calls(detailURL(3)))
	assert.Equal(t, 1, s.calls(detailURL(4)))

	rows := readRows(t, cfg.OutputFile)
	assert.Len(t, rows, 4)
	assertUniqueIDs(t, rows)
}

func TestRunClearProgress(t *testing.T) {
	cfg := testConfig(t)
	first := runOnce(t, context.Background(), cfg, twoPageSite(cfg, "Old"), false)
	require.NoError(t, first.err)

	s := twoPageSite(cfg, "New")
	res := runOnce(t, context.Background(), cfg, s, true)
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.summary.RecordsWritten)

	rows := readRows(t, cfg.OutputFile)
	require.Len(t, rows, 200)
	assertUniqueIDs(t, rows)
	for _, row := range rows {
		assert.NotContains(t, row[9], "Old")
	}
}

type failingTracker struct {
	*progress.Tracker
	failKey string
}

func (f *failingTracker) MarkPageComplete(unit models.PageUnit, n int) error {
	if unit.Key() == f.failKey {
		return errors.New("disk full")
	}
	return f.Tracker.MarkPageComplete(unit, n)
}

func TestRunContinuesAfterCheckpointFailure(t *testing.T) {
	cfg := testConfig(t)
	s := newSite(cfg)
	s.listing("39", 0, 2, idRange(1, 3))
	s.listing("39", 1, 2, idRange(4, 6))
	s.details(idRange(1, 6), "Body")

	fetcher, err := scraper.NewFetcher(cfg, discard)
	require.NoError(t, err)
	fetcher.WithTransport(s.transport)
	tracker, err := progress.Load(progress.Options{
		CheckpointPath: cfg.CheckpointFile,
		OutputPath:     cfg.OutputFile,
		Format:         cfg.OutputFormat,
		Logger:         discard,
	})
	require.NoError(t, err)
	defer tracker.Close()

	wrapped := &failingTracker{Tracker: tracker, failKey: "39_page_0"}
	summary, err := NewPipeline(cfg, fetcher, wrapped, nil, discard).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"39_page_0"}, summary.FailedUnits)
	assert.Equal(t, 1, summary.PagesCompleted)
	assert.False(t, tracker.IsComplete(models.PageUnit{CategoryID: "39", Page: 0}))
	assert.True(t, tracker.IsComplete(models.PageUnit{CategoryID: "39", Page: 1}))
	assert.Len(t, readRows(t, cfg.OutputFile), 6)
}

func TestRunTestModeLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.LimitPerPage = 5
	s := twoPageSite(cfg, "Sample")

	res := runOnce(t, context.Background(), cfg, s, false)
	require.NoError(t, res.err)
	assert.Equal(t, 5, res.summary.RecordsWritten)
	assert.Zero(t, res.summary.PagesCompleted, "a truncated page is not complete")
	assert.Zero(t, s.calls(cfg.ListingURL("39", 1)))
	assert.Equal(t, 5, s.detailCalls())

	// A later full run fills in the rest of the page without duplicates.
	cfg.LimitPerPage = 0
	res = runOnce(t, context.Background(), cfg, twoPageSite(cfg, "Sample"), false)
	require.NoError(t, res.err)
	assert.Equal(t, 195, res.summary.RecordsWritten)

	rows := readRows(t, cfg.OutputFile)
	assert.Len(t, rows, 200)
	assertUniqueIDs(t, rows)
}

func TestRunStopsOnAmbiguousPagination(t *testing.T) {
	cfg := testConfig(t)
	s := newSite(cfg)
	s.listing("39", 0, 0, idRange(1, 100))
	s.listing("39", 1, 0, idRange(101, 200))
	s.details(idRange(1, 200), "Body")

	res := runOnce(t, context.Background(), cfg, s, false)
	require.NoError(t, res.err)
	assert.Equal(t, 100, res.summary.RecordsWritten)
	assert.Zero(t, s.calls(cfg.ListingURL("39", 1)))
}

func TestRunSinglePageWithoutPagination(t *testing.T) {
	cfg := testConfig(t)
	s := newSite(cfg)
	s.listing("39", 0, 0, idRange(1, 3))
	s.details(idRange(1, 3), "Body")

	res := runOnce(t, context.Background(), cfg, s, false)
	require.NoError(t, res.err)
	assert.Equal(t, 3, res.summary.RecordsWritten)

	again := newSite(cfg)
	res = runOnce(t, context.Background(), cfg, again, false)
	require.NoError(t, res.err)
	assert.Zero(t, again.transport.GetTotalCallCount())
}

func TestRunListingFailureWithUnknownTotal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Categories = []models.Category{{ID: "39"}, {ID: "8"}}
	s := newSite(cfg)
	s.transport.RegisterResponder(http.MethodGet, cfg.ListingURL("39", 0), httpmock.NewStringResponder(404, ""))
	s.listing("8", 0, 1, []int{7})
	s.details([]int{7}, "Body")

	res := runOnce(t, context.Background(), cfg, s, false)
	require.NoError(t, res.err)
	assert.Equal(t, []string{"39_page_0"}, res.summary.FailedUnits)
	assert.Equal(t, 1, res.summary.ErrorsByType["not_found"])
	assert.Equal(t, 1, res.summary.RecordsWritten)
	assert.Zero(t, s.calls(cfg.ListingURL("39", 1)))
}

func TestRunListingFailureWithKnownTotal(t *testing.T) {
	cfg := testConfig(t)
	s := newSite(cfg)
	s.listing("39", 0, 3, idRange(1, 2))
	s.transport.RegisterResponder(http.MethodGet, cfg.ListingURL("39", 1), httpmock.NewStringResponder(500, ""))
	s.listing("39", 2, 3, idRange(5, 6))
	s.details(idRange(1, 6), "Body")

	res := runOnce(t, context.Background(), cfg, s, false)
	require.NoError(t, res.err)
	assert.Equal(t, []string{"39_page_1"}, res.summary.FailedUnits)
	assert.Equal(t, 2, res.summary.PagesCompleted)
	assert.Equal(t, 4, res.summary.RecordsWritten)
}
