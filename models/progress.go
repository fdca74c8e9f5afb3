package models

import "time"

// CategoryProgress holds the per-category checkpoint counters.
type CategoryProgress struct {
	PagesCompleted int    `json:"pages_completed"`
	RecordsScraped int    `json:"records_scraped"`
	TotalPages     int    `json:"total_pages,omitempty"`
	Label          string `json:"label,omitempty"`
}

// ProgressState is the durable checkpoint of a crawl.
type ProgressState struct {
	SessionStart   time.Time                    `json:"session_start"`
	LastUpdated    time.Time                    `json:"last_updated"`
	CompletedPages []string                     `json:"completed_pages"`
	TotalRecords   int                          `json:"total_records_scraped"`
	Categories     map[string]*CategoryProgress `json:"categories"`
}

// NewProgressState returns an empty state stamped with now.
func NewProgressState(now time.Time) *ProgressState {
	return &ProgressState{
		SessionStart:   now,
		LastUpdated:    now,
		CompletedPages: []string{},
		Categories:     make(map[string]*CategoryProgress),
	}
}

// Category returns the counters for id, creating them if needed.
func (s *ProgressState) Category(id string) *CategoryProgress {
	if s.Categories == nil {
		s.Categories = make(map[string]*CategoryProgress)
	}
	cp, ok := s.Categories[id]
	if !ok {
		cp = &CategoryProgress{}
		s.Categories[id] = cp
	}
	return cp
}

// Clone returns a deep copy.
func (s *ProgressState) Clone() *ProgressState {
	out := &ProgressState{
		SessionStart:   s.SessionStart,
		LastUpdated:    s.LastUpdated,
		CompletedPages: append([]string(nil), s.CompletedPages...),
		TotalRecords:   s.TotalRecords,
		Categories:     make(map[string]*CategoryProgress, len(s.Categories)),
	}
	if out.CompletedPages == nil {
		out.CompletedPages = []string{}
	}
	for id, cp := range s.Categories {
		copied := *cp
		out.Categories[id] = &copied
	}
	return out
}

// CategorySummary is the per-category slice of a run summary.
type CategorySummary struct {
	ID              string
	Label           string
	TotalPages      int
	PagesCompleted  int
	PagesSkipped    int
	RecordsWritten  int
	DegradedRecords int
}

// RunSummary holds the overall result of a pipeline run.
type RunSummary struct {
	StartTime       time.Time
	EndTime         time.Time
	RecordsWritten  int
	DegradedRecords int
	KnownSkipped    int
	PagesCompleted  int
	PagesSkipped    int
	FailedUnits     []string
	Categories      []*CategorySummary
	Interrupted     bool
	RequestCount    int
	RetryCount      int
	ErrorCount      int
	ErrorsByType    map[string]int
}

// CategoryByID returns the summary entry for id, creating it if needed.
func (r *RunSummary) CategoryByID(id string) *CategorySummary {
	for _, cs := range r.Categories {
		if cs.ID == id {
			return cs
		}
	}
	cs := &CategorySummary{ID: id}
	r.Categories = append(r.Categories, cs)
	return cs
}
