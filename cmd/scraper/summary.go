package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/aluiziolira/go-scrape-experiences/config"
	"github.com/aluiziolira/go-scrape-experiences/models"
)

func printSummary(w io.Writer, cfg *config.Config, summary *models.RunSummary, requestErrors map[string]int, state *models.ProgressState) {
	duration := summary.EndTime.Sub(summary.StartTime).Round(time.Millisecond)
	status := "complete"
	if summary.Interrupted {
		status = "interrupted"
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Scrape " + status)
	t.AppendHeader(table.Row{"Category", "Pages", "Completed", "Skipped", "Records", "Degraded"})
	for _, cs := range summary.Categories {
		name := models.Category{ID: cs.ID, Label: cs.Label}.Name()
		pages := "?"
		if cs.TotalPages > 0 {
			pages = fmt.Sprint(cs.TotalPages)
		}
		t.AppendRow(table.Row{name, pages, cs.PagesCompleted, cs.PagesSkipped, cs.RecordsWritten, cs.DegradedRecords})
	}
	t.AppendFooter(table.Row{"Total", "", summary.PagesCompleted, summary.PagesSkipped, summary.RecordsWritten, summary.DegradedRecords})
	t.SetStyle(table.StyleRounded)
	t.Render()

	successRate := 0.0
	if summary.RequestCount > 0 {
		successRate = float64(summary.RequestCount-summary.ErrorCount) / float64(summary.RequestCount) * 100
	}

	d := table.NewWriter()
	d.SetOutputMirror(w)
	d.AppendRows([]table.Row{
		{"Known reports skipped", summary.KnownSkipped},
		{"Requests", summary.RequestCount},
		{"Success rate", fmt.Sprintf("%.2f%%", successRate)},
		{"Retries", summary.RetryCount},
		{"Request errors", formatCounts(requestErrors)},
		{"Failed units", len(summary.FailedUnits)},
		{"Failures by type", formatCounts(summary.ErrorsByType)},
		{"Records in checkpoint", state.TotalRecords},
		{"Duration", duration},
		{"Output file", cfg.OutputFile},
		{"Checkpoint", cfg.CheckpointFile},
	})
	if len(summary.FailedUnits) > 0 {
		d.AppendRow(table.Row{"Retry on next run", strings.Join(summary.FailedUnits, ", ")})
	}
	d.SetStyle(table.StyleRounded)
	d.Render()
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
