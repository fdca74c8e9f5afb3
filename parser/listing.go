package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-experiences/models"
)

// Listing is the parsed content of one listing page.
type Listing struct {
	Label string
	Stubs []models.ReportStub
	// TotalPages is the page count advertised by the pagination controls,
	// zero when none were found.
	TotalPages      int
	PaginationFound bool
	HasMore         bool
	// Skipped counts rows dropped for lacking a usable detail link.
	Skipped int
}

// ParseListing extracts report stubs in page order and the pagination state.
// page is the zero-based index of this page and batch the listing size, used
// to interpret Start offsets in pagination links.
func ParseListing(content []byte, pageURL string, page, batch int) (*Listing, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	listing := &Listing{Label: collapse(doc.Find("title").First().Text())}

	doc.Find("table.exp-list-table tr.exp-list-row").Each(func(_ int, row *goquery.Selection) {
		stub, ok := parseStub(row, base)
		if !ok {
			listing.Skipped++
			return
		}
		listing.Stubs = append(listing.Stubs, stub)
	})

	total, hasNext, found := parsePagination(doc, batch)
	listing.TotalPages = total
	listing.PaginationFound = found
	listing.HasMore = hasNext || page+1 < total
	return listing, nil
}

func parseStub(row *goquery.Selection, base *url.URL) (models.ReportStub, bool) {
	var stub models.ReportStub

	if alt, ok := row.Find("td.exp-rating img").First().Attr("alt"); ok {
		stub.Rating = collapse(alt)
	}
	stub.Author = collapse(row.Find("td.exp-author").First().Text())

	title := row.Find("td.exp-title").First()
	stub.Title = collapse(title.Text())

	href, ok := title.Find("a[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return stub, false
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return stub, false
	}
	detail := base.ResolveReference(ref)
	stub.ID = strings.TrimSpace(detail.Query().Get("ID"))
	if stub.ID == "" {
		return stub, false
	}
	stub.DetailURL = detail.String()
	return stub, true
}

// parsePagination reads the results table. The total is the largest page
// number linked, or implied by a Start offset.
func parsePagination(doc *goquery.Document, batch int) (total int, hasNext, found bool) {
	doc.Find("table.results-table a").Each(func(_ int, a *goquery.Selection) {
		text := collapse(a.Text())
		if n, err := strconv.Atoi(text); err == nil && n > 0 {
			found = true
			if n > total {
				total = n
			}
		}

		lower := strings.ToLower(text)
		if strings.Contains(lower, "next") || text == ">" || text == ">>" || text == "»" {
			found = true
			hasNext = true
		}

		if batch <= 0 {
			return
		}
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if start, err := strconv.Atoi(ref.Query().Get("Start")); err == nil && start >= 0 {
			found = true
			if n := start/batch + 1; n > total {
				total = n
			}
		}
	})
	return total, hasNext, found
}
