package scraper

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-experiences/config"
)

const (
	ctxStart  = "start"
	ctxBody   = "body"
	ctxStatus = "status"
)

// FetchStats summarises the requests issued by a Fetcher.
type FetchStats struct {
	Requests     int
	Retries      int
	Errors       int
	CacheHits    int
	ErrorsByType map[string]int
}

// Fetcher wraps a synchronous colly collector with the retry policy and a
// small cache for listing pages. It is meant for a single goroutine.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	listings  *lru.Cache[string, []byte]
	Metrics   *Metrics
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	requestCount int
	retryCount   int
	errorCount   int
	cacheHits    int
	errorsByType map[string]int
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config, logger *slog.Logger) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.DetectCharset = true
	collector.WithTransport(newTransport(cfg))

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.MinDelay,
		RandomDelay: cfg.MaxDelay - cfg.MinDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	listings, err := lru.New[string, []byte](cfg.ListingCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create listing cache: %w", err)
	}

	f := &Fetcher{
		cfg:          cfg,
		collector:    collector,
		listings:     listings,
		Metrics:      NewMetrics(),
		logger:       logger,
		sleep:        sleepContext,
		errorsByType: make(map[string]int),
	}
	f.configureHandlers()
	return f, nil
}

// WithTransport swaps the underlying round tripper.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// Fetch retrieves a detail page.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return f.fetch(ctx, rawURL, "detail")
}

// FetchListing retrieves a listing page, serving repeats from the cache.
func (f *Fetcher) FetchListing(ctx context.Context, rawURL string) ([]byte, error) {
	if body, ok := f.listings.Get(rawURL); ok {
		f.cacheHits++
		f.Metrics.IncCacheHit()
		return body, nil
	}
	body, err := f.fetch(ctx, rawURL, "listing")
	if err != nil {
		return nil, err
	}
	f.listings.Add(rawURL, body)
	return body, nil
}

// Stats returns a snapshot of the request counters.
func (f *Fetcher) Stats() FetchStats {
	byType := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		byType[k] = v
	}
	return FetchStats{
		Requests:     f.requestCount,
		Retries:      f.retryCount,
		Errors:       f.errorCount,
		CacheHits:    f.cacheHits,
		ErrorsByType: byType,
	}
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
	})

	f.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxBody, r.Body)
		r.Ctx.Put(ctxStatus, r.StatusCode)
		f.observe(r)
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		if r == nil {
			return
		}
		r.Ctx.Put(ctxStatus, r.StatusCode)
		f.observe(r)
	})
}

func (f *Fetcher) observe(r *colly.Response) {
	if r.Ctx == nil {
		return
	}
	if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
		f.Metrics.ObserveDuration(time.Since(start))
	}
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, phase string) ([]byte, error) {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempts++
		body, err := f.do(rawURL, phase)
		if err == nil {
			return body, nil
		}

		category := errorTypeLabel(err)
		f.errorCount++
		f.errorsByType[category]++
		f.Metrics.IncError(category)

		if !isTransient(err) || attempts > f.cfg.MaxRetries {
			return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: err}
		}

		f.retryCount++
		f.Metrics.IncRetries()
		delay := f.backoff(attempts)
		f.logger.Warn("request failed, retrying",
			slog.String("url", rawURL),
			slog.String("category", category),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: err}
		}
	}
}

func (f *Fetcher) do(rawURL, phase string) ([]byte, error) {
	f.requestCount++
	f.Metrics.IncRequest(phase)
	if f.requestCount%50 == 0 {
		f.logger.Debug("scraper request progress",
			slog.Int("requests", f.requestCount),
			slog.String("url", rawURL),
		)
	}

	cctx := colly.NewContext()
	err := f.collector.Request(http.MethodGet, rawURL, nil, cctx, nil)
	status, _ := cctx.GetAny(ctxStatus).(int)
	if err != nil {
		return nil, classifyError(err, status)
	}
	if status >= http.StatusBadRequest {
		return nil, classifyError(nil, status)
	}
	body, ok := cctx.GetAny(ctxBody).([]byte)
	if !ok {
		return nil, fmt.Errorf("no response body for %s", rawURL)
	}
	return body, nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// hostScopedTransport disables certificate verification for the configured
// hosts only. Every other host goes through the verifying transport.
type hostScopedTransport struct {
	insecure   map[string]struct{}
	verified   http.RoundTripper
	unverified http.RoundTripper
}

func (t *hostScopedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, ok := t.insecure[strings.ToLower(req.URL.Hostname())]; ok {
		return t.unverified.RoundTrip(req)
	}
	return t.verified.RoundTrip(req)
}

func newTransport(cfg *config.Config) http.RoundTripper {
	verified := baseTransport(cfg, nil)
	if len(cfg.InsecureHosts) == 0 {
		return verified
	}

	insecure := make(map[string]struct{}, len(cfg.InsecureHosts))
	for _, host := range cfg.InsecureHosts {
		insecure[strings.ToLower(host)] = struct{}{}
	}
	return &hostScopedTransport{
		insecure: insecure,
		verified: verified,
		// The target's chain is broken for legitimate public content.
		unverified: baseTransport(cfg, &tls.Config{InsecureSkipVerify: true}), //nolint:gosec
	}
}

func baseTransport(cfg *config.Config, tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsConfig,
	}
}
