// Package progress records which page units and reports have been durably
// processed so an interrupted crawl can resume without duplicates.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aluiziolira/go-scrape-experiences/models"
	"github.com/aluiziolira/go-scrape-experiences/output"
)

// ErrCorruptCheckpoint marks a checkpoint file that exists but cannot be
// decoded.
var ErrCorruptCheckpoint = errors.New("checkpoint is corrupt")

// Options configures Load.
type Options struct {
	CheckpointPath string
	OutputPath     string
	Format         string
	// Clear discards the checkpoint and truncates the output.
	Clear  bool
	Now    func() time.Time
	Logger *slog.Logger
}

// Tracker owns the progress state and the output writer. It is not safe for
// concurrent use.
type Tracker struct {
	checkpointPath string
	state          *models.ProgressState
	completed      map[string]struct{}
	known          map[string]struct{}
	writer         output.Writer
	now            func() time.Time
	logger         *slog.Logger
}

// Load restores progress from the checkpoint and the existing output, or
// starts a fresh session.
func Load(opts Options) (*Tracker, error) {
	if opts.CheckpointPath == "" || opts.OutputPath == "" {
		return nil, fmt.Errorf("checkpoint and output paths are required")
	}
	if opts.Format == "" {
		opts.Format = output.FormatCSV
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Tracker{
		checkpointPath: opts.CheckpointPath,
		completed:      make(map[string]struct{}),
		known:          make(map[string]struct{}),
		now:            opts.Now,
		logger:         opts.Logger,
	}

	if opts.Clear {
		if err := os.Remove(opts.CheckpointPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove checkpoint: %w", err)
		}
		writer, err := output.Open(opts.Format, opts.OutputPath, true)
		if err != nil {
			return nil, fmt.Errorf("reset output: %w", err)
		}
		t.writer = writer
		t.state = models.NewProgressState(t.now())
		t.logger.Info("progress cleared", slog.String("checkpoint", opts.CheckpointPath), slog.String("output", opts.OutputPath))
		return t, nil
	}

	recovery, err := output.Recover(opts.Format, opts.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("recover output: %w", err)
	}
	if recovery.TruncatedBytes > 0 {
		t.logger.Warn("removed incomplete trailing record from output",
			slog.String("output", opts.OutputPath),
			slog.Int64("bytes", recovery.TruncatedBytes),
		)
	}

	state, err := readCheckpoint(opts.CheckpointPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		state = nil
	case errors.Is(err, ErrCorruptCheckpoint):
		t.logger.Warn("checkpoint unusable, starting fresh session",
			slog.String("checkpoint", opts.CheckpointPath),
			slog.Any("error", err),
		)
		state = nil
	case err != nil:
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	if state != nil && !recovery.Exists {
		t.logger.Warn("checkpoint found without output file, starting fresh session",
			slog.String("checkpoint", opts.CheckpointPath),
			slog.String("output", opts.OutputPath),
		)
		state = nil
	}
	if state == nil {
		state = models.NewProgressState(t.now())
	}
	t.state = state
	for _, key := range state.CompletedPages {
		t.completed[key] = struct{}{}
	}
	for _, id := range recovery.IDs {
		t.known[id] = struct{}{}
	}

	writer, err := output.Open(opts.Format, opts.OutputPath, false)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	t.writer = writer

	t.logger.Info("progress loaded",
		slog.Int("completed_pages", len(t.completed)),
		slog.Int("known_reports", len(t.known)),
		slog.Time("session_start", state.SessionStart),
	)
	return t, nil
}

// IsComplete reports whether unit was completed in this or an earlier run.
func (t *Tracker) IsComplete(unit models.PageUnit) bool {
	_, ok := t.completed[unit.Key()]
	return ok
}

// IsKnown reports whether a report with id has already been written.
func (t *Tracker) IsKnown(id string) bool {
	if id == "" {
		return false
	}
	_, ok := t.known[id]
	return ok
}

// RecordReports appends records to the output and remembers their
// identifiers. Records whose identifier is already known are not written
// again. It returns the number of records written.
func (t *Tracker) RecordReports(records []*models.Record) (int, error) {
	fresh := make([]*models.Record, 0, len(records))
	batch := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if rec.ID != "" {
			if t.IsKnown(rec.ID) {
				continue
			}
			if _, dup := batch[rec.ID]; dup {
				continue
			}
			batch[rec.ID] = struct{}{}
		}
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if err := t.writer.Write(fresh); err != nil {
		return 0, fmt.Errorf("append records: %w", err)
	}
	for id := range batch {
		t.known[id] = struct{}{}
	}
	return len(fresh), nil
}

// MarkPageComplete records unit as done with n reports and persists the
// checkpoint. The unit counts as complete only once the checkpoint is on
// disk; on error the in-memory state is unchanged.
func (t *Tracker) MarkPageComplete(unit models.PageUnit, n int) error {
	key := unit.Key()
	next := t.state.Clone()
	cp := next.Category(unit.CategoryID)

	_, already := t.completed[key]
	if !already {
		next.CompletedPages = append(next.CompletedPages, key)
		cp.PagesCompleted++
	}
	cp.RecordsScraped += n
	next.TotalRecords += n
	next.LastUpdated = t.now()

	if err := writeCheckpoint(t.checkpointPath, next); err != nil {
		return fmt.Errorf("persist checkpoint for %s: %w", key, err)
	}

	t.state = next
	t.completed[key] = struct{}{}
	return nil
}

// SetCategoryInfo records what was discovered about a category. It is
// persisted with the next completed page.
func (t *Tracker) SetCategoryInfo(id, label string, totalPages int) {
	cp := t.state.Category(id)
	if label != "" {
		cp.Label = label
	}
	if totalPages > 0 {
		cp.TotalPages = totalPages
	}
}

// TotalPages returns the discovered page count for a category, or zero.
func (t *Tracker) TotalPages(id string) int {
	if cp, ok := t.state.Categories[id]; ok {
		return cp.TotalPages
	}
	return 0
}

// State returns a copy of the current progress state.
func (t *Tracker) State() *models.ProgressState {
	return t.state.Clone()
}

// KnownCount returns the number of report identifiers already written.
func (t *Tracker) KnownCount() int {
	return len(t.known)
}

// Validate checks the output files are still in place.
func (t *Tracker) Validate() error {
	return t.writer.Validate()
}

// Close releases the output writer.
func (t *Tracker) Close() error {
	if t.writer == nil {
		return nil
	}
	return t.writer.Close()
}

func readCheckpoint(path string) (*models.ProgressState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var state models.ProgressState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	seen := make(map[string]struct{}, len(state.CompletedPages))
	pages := make([]string, 0, len(state.CompletedPages))
	for _, key := range state.CompletedPages {
		if _, err := models.ParsePageUnitKey(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pages = append(pages, key)
	}
	state.CompletedPages = pages
	if state.Categories == nil {
		state.Categories = make(map[string]*models.CategoryProgress)
	}
	for id, cp := range state.Categories {
		if cp == nil {
			state.Categories[id] = &models.CategoryProgress{}
		}
	}
	return &state, nil
}

// writeCheckpoint replaces path atomically: the state is written to a
// temporary file in the same directory, synced, then renamed over path.
func writeCheckpoint(path string, state *models.ProgressState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	// Persist the rename itself; not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
