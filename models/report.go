// Package models defines data structures for the scraper.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxDosages is the number of dosage slots carried by every record.
const MaxDosages = 10

// NumColumns is the fixed width of an output row.
const NumColumns = len(descriptiveColumns) + 3*MaxDosages

// DateLayout is the calendar format used for date columns.
const DateLayout = "2006-01-02"

var descriptiveColumns = [...]string{
	"title",
	"author",
	"date_experience",
	"date_published",
	"gender",
	"age_experience",
	"experience_rating",
	"weight_val",
	"weight_scale",
	"text",
	"id",
	"number_views",
}

// IDColumn is the index of the report identifier within a row.
const IDColumn = 10

// Columns returns the output header in its fixed order.
func Columns() []string {
	cols := make([]string, 0, NumColumns)
	cols = append(cols, descriptiveColumns[:]...)
	for i := 1; i <= MaxDosages; i++ {
		cols = append(cols,
			fmt.Sprintf("substance_%d", i),
			fmt.Sprintf("dose_%d", i),
			fmt.Sprintf("method_%d", i),
		)
	}
	return cols
}

// Category is one substance listing on the source site.
type Category struct {
	ID    string `mapstructure:"id" json:"id"`
	Label string `mapstructure:"label" json:"label"`
}

// Name returns the label when known, otherwise the site key.
func (c Category) Name() string {
	if strings.TrimSpace(c.Label) != "" {
		return c.Label
	}
	return "S1=" + c.ID
}

// PageUnit is one listing page of crawl work.
type PageUnit struct {
	CategoryID string
	Page       int
}

// Key encodes the unit the way the checkpoint stores it.
func (u PageUnit) Key() string {
	return fmt.Sprintf("%s_page_%d", u.CategoryID, u.Page)
}

func (u PageUnit) String() string {
	return u.Key()
}

// ParsePageUnitKey decodes a "<category>_page_<index>" key.
func ParsePageUnitKey(key string) (PageUnit, error) {
	idx := strings.LastIndex(key, "_page_")
	if idx <= 0 {
		return PageUnit{}, fmt.Errorf("malformed page key %q", key)
	}
	page, err := strconv.Atoi(key[idx+len("_page_"):])
	if err != nil || page < 0 {
		return PageUnit{}, fmt.Errorf("malformed page index in %q", key)
	}
	return PageUnit{CategoryID: key[:idx], Page: page}, nil
}

// ReportStub is the summary of a report as shown on a listing page.
type ReportStub struct {
	ID        string
	Title     string
	Author    string
	Rating    string
	DetailURL string
}

// Dosage is one row of a report's dose chart.
type Dosage struct {
	Substance string `json:"substance"`
	Amount    string `json:"dose"`
	Method    string `json:"method"`
}

// Record is the flattened output row for one report. Nil pointers and empty
// strings mean the value was not present on the page.
type Record struct {
	Title          string     `json:"title"`
	Author         string     `json:"author"`
	DateExperience *time.Time `json:"date_experience,omitempty"`
	DatePublished  *time.Time `json:"date_published,omitempty"`
	Gender         string     `json:"gender"`
	AgeExperience  string     `json:"age_experience"`
	Rating         string     `json:"experience_rating"`
	WeightValue    *float64   `json:"weight_val,omitempty"`
	WeightUnit     string     `json:"weight_scale"`
	Text           string     `json:"text"`
	ID             string     `json:"id"`
	Views          *int64     `json:"number_views,omitempty"`
	Dosages        []Dosage   `json:"dosages"`
}

// RecordFromStub builds a record carrying only the listing fields.
func RecordFromStub(stub ReportStub) *Record {
	return &Record{
		Title:  stub.Title,
		Author: stub.Author,
		Rating: stub.Rating,
		ID:     stub.ID,
	}
}

// ApplyStub overlays listing fields onto a record parsed from a detail page.
// Listing values win; detail values only fill gaps.
func (r *Record) ApplyStub(stub ReportStub) {
	if stub.Title != "" {
		r.Title = stub.Title
	}
	if stub.Author != "" {
		r.Author = stub.Author
	}
	if stub.Rating != "" {
		r.Rating = stub.Rating
	}
	if stub.ID != "" {
		r.ID = stub.ID
	}
}

// Row renders the record as exactly NumColumns strings.
func (r *Record) Row() []string {
	row := make([]string, 0, NumColumns)
	row = append(row,
		r.Title,
		r.Author,
		formatDate(r.DateExperience),
		formatDate(r.DatePublished),
		r.Gender,
		r.AgeExperience,
		r.Rating,
		formatFloat(r.WeightValue),
		r.WeightUnit,
		r.Text,
		r.ID,
		formatInt(r.Views),
	)
	for i := 0; i < MaxDosages; i++ {
		if i < len(r.Dosages) {
			d := r.Dosages[i]
			row = append(row, d.Substance, d.Amount, d.Method)
			continue
		}
		row = append(row, "", "", "")
	}
	return row
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
