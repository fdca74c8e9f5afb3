package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/aluiziolira/go-scrape-experiences/models"
)

const (
	bodyStartMarker = "<!--Start Body -->"
	bodyEndMarker   = "<!--End Body -->"
)

// Detail is the parsed content of a report page.
type Detail struct {
	Record *models.Record
	// DroppedDosages counts dose chart rows beyond models.MaxDosages.
	DroppedDosages int
}

// ParseDetail extracts every field the report page carries. Missing sections
// leave their fields empty; only unreadable input is an error.
func ParseDetail(content []byte) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse detail html: %w", err)
	}

	rec := &models.Record{
		Title:  collapse(doc.Find("div.title").First().Text()),
		Author: collapse(doc.Find("div.author a").First().Text()),
	}
	detail := &Detail{Record: rec}

	rec.Dosages, detail.DroppedDosages = parseDosages(doc)

	weight := doc.Find("table.bodyweight td.bodyweight-amount").First()
	if weight.Length() > 0 {
		rec.WeightValue, rec.WeightUnit = ParseWeight(weight.Text())
	}

	parseFootData(doc.Find("table.footdata").First(), rec)

	// Tables are removed from the document here, so this runs last.
	rec.Text = parseNarrative(doc, content)

	return detail, nil
}

func parseDosages(doc *goquery.Document) ([]models.Dosage, int) {
	var (
		dosages []models.Dosage
		dropped int
	)
	doc.Find("table.dosechart tr").Each(func(_ int, row *goquery.Selection) {
		substance := row.Find("td.dosechart-substance")
		if substance.Length() == 0 {
			return
		}
		if len(dosages) == models.MaxDosages {
			dropped++
			return
		}
		dosages = append(dosages, models.Dosage{
			Substance: collapse(substance.First().Text()),
			Amount:    collapse(row.Find("td.dosechart-amount").First().Text()),
			Method:    collapse(row.Find("td.dosechart-method").First().Text()),
		})
	})
	return dosages, dropped
}

func parseFootData(foot *goquery.Selection, rec *models.Record) {
	if foot.Length() == 0 {
		return
	}

	if id := digits(foot.Find("td.footdata-expid").First().Text()); id != "" {
		rec.ID = id
	}
	if cell := foot.Find("td.footdata-gender").First(); cell.Length() > 0 {
		rec.Gender = stripLabel(collapse(cell.Text()))
	}
	if cell := foot.Find("td.footdata-ageofexp").First(); cell.Length() > 0 {
		rec.AgeExperience = stripLabel(collapse(cell.Text()))
	}
	if cell := foot.Find("td.footdata-pubdate").First(); cell.Length() > 0 {
		rec.DatePublished = ParseDate(stripLabel(collapse(cell.Text())))
	}
	if cell := foot.Find("td.footdata-numviews").First(); cell.Length() > 0 {
		rec.Views = ParseViews(collapse(cell.Text()))
	}

	foot.Find("td").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		text := collapse(cell.Text())
		lower := strings.ToLower(text)
		if !strings.Contains(lower, "exp year") && !strings.Contains(lower, "experience") {
			return true
		}
		idx := strings.Index(text, ":")
		if idx < 0 {
			return true
		}
		if t := ParseDate(text[idx+1:]); t != nil {
			rec.DateExperience = t
			return false
		}
		return true
	})
}

func parseNarrative(doc *goquery.Document, content []byte) string {
	surround := doc.Find("div.report-text-surround").First()
	if surround.Length() > 0 {
		surround.Find("table").Remove()
		return NormalizeText(nodeText(surround.Nodes...))
	}

	raw := string(content)
	start := strings.Index(raw, bodyStartMarker)
	if start < 0 {
		return ""
	}
	start += len(bodyStartMarker)
	end := strings.Index(raw[start:], bodyEndMarker)
	if end < 0 {
		return ""
	}
	root, err := html.Parse(strings.NewReader(raw[start : start+end]))
	if err != nil {
		return ""
	}
	return NormalizeText(nodeText(root))
}
