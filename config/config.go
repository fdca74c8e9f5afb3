package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-experiences/models"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL          string
	Categories       []models.Category
	BatchSize        int
	MinDelay         time.Duration
	MaxDelay         time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	OutputFile       string
	OutputFormat     string // csv, json, or dual
	CheckpointFile   string
	UserAgent        string
	InsecureHosts    []string
	ListingCacheSize int
	LimitPerPage     int
	TestModePages    int
	ClearProgress    bool
	Verbose          bool
	RespectRobotsTxt bool
	MetricsAddr      string
}

// DefaultCategories are the listings crawled when none are configured.
func DefaultCategories() []models.Category {
	return []models.Category{
		{ID: "39"},
		{ID: "2"},
		{ID: "8"},
	}
}

// DefaultConfig returns conservative defaults for the Erowid vaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://www.erowid.org",
		Categories:       DefaultCategories(),
		BatchSize:        100,
		MinDelay:         1 * time.Second,
		MaxDelay:         3 * time.Second,
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     300 * time.Millisecond,
		RetryBackoffMax:  10 * time.Second,
		OutputFile:       "output/erowid_experiences.csv",
		OutputFormat:     "csv",
		CheckpointFile:   "output/scrape_progress.json",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		InsecureHosts:    []string{"www.erowid.org"},
		ListingCacheSize: 8,
		TestModePages:    1,
	}
}

// TestMode reports whether a per-page record limit is active.
func (c *Config) TestMode() bool {
	return c.LimitPerPage > 0
}

// ListingURL builds the listing endpoint for a category page.
func (c *Config) ListingURL(categoryID string, page int) string {
	q := url.Values{}
	q.Set("S1", categoryID)
	q.Set("ShowViews", "0")
	q.Set("Cellar", "0")
	q.Set("Start", strconv.Itoa(page*c.BatchSize))
	q.Set("Max", strconv.Itoa(c.BatchSize))
	return strings.TrimSuffix(c.BaseURL, "/") + "/experiences/exp.cgi?" + q.Encode()
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	seen := make(map[string]struct{}, len(c.Categories))
	for _, cat := range c.Categories {
		id := strings.TrimSpace(cat.ID)
		if id == "" {
			return fmt.Errorf("category id cannot be empty")
		}
		if strings.Contains(id, "_page_") {
			return fmt.Errorf("category id %q cannot contain \"_page_\"", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate category id %q", id)
		}
		seen[id] = struct{}{}
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MinDelay < 0 {
		return fmt.Errorf("min delay cannot be negative")
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("max delay (%s) cannot be below min delay (%s)", c.MaxDelay, c.MinDelay)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.CheckpointFile == "" {
		return fmt.Errorf("checkpoint file cannot be empty")
	}
	if c.CheckpointFile == c.OutputFile {
		return fmt.Errorf("checkpoint file must differ from output file")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	for _, host := range c.InsecureHosts {
		if !strings.EqualFold(host, parsedURL.Hostname()) {
			return fmt.Errorf("insecure host %q must match the base URL host %q", host, parsedURL.Hostname())
		}
	}
	if c.ListingCacheSize <= 0 {
		return fmt.Errorf("listing cache size must be positive")
	}
	if c.LimitPerPage < 0 {
		return fmt.Errorf("limit per page cannot be negative")
	}
	if c.TestModePages <= 0 {
		return fmt.Errorf("test mode pages must be positive")
	}

	return nil
}
