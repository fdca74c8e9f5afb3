// Package parser extracts report data from listing and detail pages.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"github.com/aluiziolira/go-scrape-experiences/models"
)

var (
	weightPattern   = regexp.MustCompile(`^([\d.]+)\s*([a-zA-Z]+)`)
	yearPattern     = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	newlineRun      = regexp.MustCompile(`\n{3,}`)
	nonDigitPattern = regexp.MustCompile(`\D`)
)

// dateLayouts are tried in order before falling back to a bare year.
var dateLayouts = []string{
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
	"2 Jan 2006",
	"2 January 2006",
	"01/02/2006",
	"1/2/2006",
	"Jan. 2, 2006",
	"Jan 2006",
	"January 2006",
}

// ValidateRecord ensures the listing fields needed to identify a report are
// present. Records failing it are still written.
func ValidateRecord(r *models.Record) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("record missing id")
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("record %s missing title", r.ID)
	}
	if strings.TrimSpace(r.Author) == "" {
		return fmt.Errorf("record %s missing author", r.ID)
	}
	if strings.TrimSpace(r.Rating) == "" {
		return fmt.Errorf("record %s missing rating", r.ID)
	}
	return nil
}

// ParseWeight splits a body weight such as "170 lbs" into its value and a
// singular, lower-cased unit. Unparseable input yields nil and "".
func ParseWeight(text string) (*float64, string) {
	m := weightPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return nil, ""
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, ""
	}
	return &v, strings.TrimRight(strings.ToLower(m[2]), "s")
}

// ParseDate accepts the date formats seen on report pages. A string holding
// only a recognisable year resolves to January 1 of that year.
func ParseDate(raw string) *time.Time {
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	if year := yearPattern.FindString(raw); year != "" {
		y, _ := strconv.Atoi(year)
		t := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
		return &t
	}
	return nil
}

// ParseViews reads a view count such as "Views: 12,345".
func ParseViews(text string) *int64 {
	text = strings.ReplaceAll(stripLabel(text), ",", "")
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// NormalizeText collapses blank-line runs and applies NFC normalisation.
func NormalizeText(text string) string {
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return norm.NFC.String(strings.TrimSpace(text))
}

func digits(text string) string {
	return nonDigitPattern.ReplaceAllString(text, "")
}

// stripLabel drops a leading "Label:" prefix from a foot data cell.
func stripLabel(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, ":"); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}

// collapse trims a string and squeezes internal whitespace.
func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// nodeText joins the trimmed text nodes under nodes with newlines.
func nodeText(nodes ...*html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		case html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return strings.Join(parts, "\n")
}
