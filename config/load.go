package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/aluiziolira/go-scrape-experiences/models"
)

// EnvPrefix is prepended to every environment override, e.g. SCRAPER_OUTPUT.
const EnvPrefix = "SCRAPER"

// brokenTLSHosts serve public content over a certificate chain that does not
// verify. Only these hosts may be exempted from verification by default.
var brokenTLSHosts = []string{"www.erowid.org", "erowid.org"}

// NewViper returns a viper instance wired for SCRAPER_* environment overrides
// and seeded with the defaults.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers DefaultConfig values under their viper keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("min_delay", d.MinDelay)
	v.SetDefault("max_delay", d.MaxDelay)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_backoff", d.RetryBackoff)
	v.SetDefault("retry_backoff_max", d.RetryBackoffMax)
	v.SetDefault("output", d.OutputFile)
	v.SetDefault("format", d.OutputFormat)
	v.SetDefault("checkpoint", d.CheckpointFile)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("listing_cache_size", d.ListingCacheSize)
	v.SetDefault("test_mode_pages", d.TestModePages)
	v.SetDefault("respect_robots", d.RespectRobotsTxt)
	v.SetDefault("verbose", false)
	v.SetDefault("clear_progress", false)
	v.SetDefault("metrics_addr", "")
}

// Load builds a Config from v, reading the file named by the "config" key
// when one is set.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	cfg.BaseURL = v.GetString("base_url")
	cfg.BatchSize = v.GetInt("batch_size")
	cfg.MinDelay = v.GetDuration("min_delay")
	cfg.MaxDelay = v.GetDuration("max_delay")
	cfg.Timeout = v.GetDuration("timeout")
	cfg.MaxRetries = v.GetInt("max_retries")
	cfg.RetryBackoff = v.GetDuration("retry_backoff")
	cfg.RetryBackoffMax = v.GetDuration("retry_backoff_max")
	cfg.OutputFile = v.GetString("output")
	cfg.OutputFormat = strings.ToLower(v.GetString("format"))
	cfg.CheckpointFile = v.GetString("checkpoint")
	cfg.UserAgent = v.GetString("user_agent")
	cfg.ListingCacheSize = v.GetInt("listing_cache_size")
	cfg.TestModePages = v.GetInt("test_mode_pages")
	cfg.RespectRobotsTxt = v.GetBool("respect_robots")
	cfg.Verbose = v.GetBool("verbose")
	cfg.ClearProgress = v.GetBool("clear_progress")
	cfg.MetricsAddr = v.GetString("metrics_addr")
	cfg.LimitPerPage = v.GetInt("limit")

	categories, err := loadCategories(v)
	if err != nil {
		return nil, err
	}
	if len(categories) > 0 {
		cfg.Categories = categories
	}

	if v.IsSet("insecure_hosts") {
		cfg.InsecureHosts = nonEmpty(v.GetStringSlice("insecure_hosts"))
	} else {
		cfg.InsecureHosts = defaultInsecureHosts(cfg.BaseURL)
	}

	return cfg, nil
}

// ParseCategories parses "39:Label,2,8" into categories in the given order.
func ParseCategories(raw string) ([]models.Category, error) {
	var out []models.Category
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, label, _ := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("category %q has an empty id", part)
		}
		out = append(out, models.Category{ID: id, Label: strings.TrimSpace(label)})
	}
	return out, nil
}

func loadCategories(v *viper.Viper) ([]models.Category, error) {
	if !v.IsSet("categories") {
		return nil, nil
	}
	switch raw := v.Get("categories").(type) {
	case string:
		return ParseCategories(raw)
	case []string:
		return ParseCategories(strings.Join(raw, ","))
	default:
		var cats []models.Category
		if err := v.UnmarshalKey("categories", &cats); err != nil {
			return nil, fmt.Errorf("decode categories: %w", err)
		}
		return cats, nil
	}
}

func defaultInsecureHosts(baseURL string) []string {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(parsed.Hostname())
	for _, known := range brokenTLSHosts {
		if host == known {
			return []string{host}
		}
	}
	return nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
