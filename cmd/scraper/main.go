package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aluiziolira/go-scrape-experiences/config"
	"github.com/aluiziolira/go-scrape-experiences/pipeline"
	"github.com/aluiziolira/go-scrape-experiences/progress"
	"github.com/aluiziolira/go-scrape-experiences/scraper"
)

const exitInterrupted = 130

// negativeLimit matches the token pflag reports when a negative limit is
// mistaken for a shorthand flag, e.g. "unknown shorthand flag: '3' in -3".
var negativeLimit = regexp.MustCompile(`in (-\d+)$`)

// exitError carries a process exit code out of the command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(config.NewViper()).ExecuteContext(ctx)
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, ee.err)
		}
		stop()
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, err)
	stop()
	os.Exit(1)
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraper [limit]",
		Short: "Resumable scraper for Erowid experience reports",
		Long: `Crawls the configured substance listings, fetches every report and appends
one row per report to the output file. Progress is checkpointed after each
listing page so an interrupted run resumes where it stopped.

An optional positional limit enables test mode: at most that many reports are
taken from each listing page.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				limit, err := strconv.Atoi(args[0])
				if err != nil || limit <= 0 {
					return &exitError{code: 1, err: fmt.Errorf("invalid limit %q: must be a positive integer", args[0])}
				}
				v.Set("limit", limit)
			}
			return run(cmd.Context(), v, cmd.OutOrStdout())
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		if m := negativeLimit.FindStringSubmatch(err.Error()); m != nil {
			return &exitError{code: 1, err: fmt.Errorf("invalid limit %q: must be a positive integer", m[1])}
		}
		return &exitError{code: 1, err: err}
	})

	d := config.DefaultConfig()
	f := cmd.Flags()
	f.String("config", "", "Path to a YAML, TOML or JSON config file")
	f.Bool("clear-progress", false, "Discard the checkpoint and truncate the output before starting")
	f.String("output", d.OutputFile, "Output file path")
	f.String("format", d.OutputFormat, "Output format: csv, json, or dual")
	f.String("checkpoint", d.CheckpointFile, "Checkpoint file path")
	f.String("categories", "", `Comma separated category ids, optionally labelled ("39:Cannabis,2,8")`)
	f.Duration("min-delay", d.MinDelay, "Minimum pause between requests")
	f.Duration("max-delay", d.MaxDelay, "Maximum pause between requests")
	f.Duration("timeout", d.Timeout, "Per-request timeout")
	f.Int("max-retries", d.MaxRetries, "Maximum retry attempts per URL")
	f.Duration("retry-backoff", d.RetryBackoff, "Initial retry backoff")
	f.Duration("retry-backoff-max", d.RetryBackoffMax, "Maximum retry backoff")
	f.String("base-url", d.BaseURL, "Base URL of the site")
	f.Bool("respect-robots", d.RespectRobotsTxt, "Respect robots.txt directives")
	f.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	f.BoolP("verbose", "v", false, "Enable verbose logging")

	for key, name := range map[string]string{
		"config":            "config",
		"clear_progress":    "clear-progress",
		"output":            "output",
		"format":            "format",
		"checkpoint":        "checkpoint",
		"categories":        "categories",
		"min_delay":         "min-delay",
		"max_delay":         "max-delay",
		"timeout":           "timeout",
		"max_retries":       "max-retries",
		"retry_backoff":     "retry-backoff",
		"retry_backoff_max": "retry-backoff-max",
		"base_url":          "base-url",
		"respect_robots":    "respect-robots",
		"metrics_addr":      "metrics-addr",
		"verbose":           "verbose",
	} {
		_ = v.BindPFlag(key, f.Lookup(name))
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper, out io.Writer) error {
	cfg, err := config.Load(v)
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	logger, level := newLogger(cfg.Verbose, out)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return &exitError{code: 1}
	}

	slog.Info("starting scrape",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("categories", len(cfg.Categories)),
		slog.String("output", cfg.OutputFile),
		slog.String("format", cfg.OutputFormat),
		slog.Bool("test_mode", cfg.TestMode()),
	)
	if cfg.TestMode() {
		slog.Info("test mode enabled",
			slog.Int("limit_per_page", cfg.LimitPerPage),
			slog.Int("pages_per_category", cfg.TestModePages),
		)
	}

	fetcher, err := scraper.NewFetcher(cfg, logger)
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		return &exitError{code: 1}
	}

	tracker, err := progress.Load(progress.Options{
		CheckpointPath: cfg.CheckpointFile,
		OutputPath:     cfg.OutputFile,
		Format:         cfg.OutputFormat,
		Clear:          cfg.ClearProgress,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("loading progress", slog.Any("error", err))
		return &exitError{code: 1}
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			slog.Error("close output", slog.Any("error", err))
		}
	}()

	metricsServer := startMetricsServer(cfg.MetricsAddr, fetcher.Metrics)
	defer shutdownMetricsServer(metricsServer)

	summary, runErr := pipeline.NewPipeline(cfg, fetcher, tracker, fetcher.Metrics, logger).Run(ctx)
	if summary != nil {
		stats := fetcher.Stats()
		summary.RequestCount = stats.Requests
		summary.RetryCount = stats.Retries
		summary.ErrorCount = stats.Errors
		printSummary(out, cfg, summary, stats.ErrorsByType, tracker.State())
	}

	switch {
	case errors.Is(runErr, pipeline.ErrInterrupted):
		slog.Warn("shutdown signal received, progress saved; rerun to resume")
		return &exitError{code: exitInterrupted}
	case runErr != nil:
		slog.Error("scrape failed", slog.Any("error", runErr))
		return &exitError{code: 1}
	}

	if err := tracker.Validate(); err != nil {
		slog.Error("output validation failed", slog.Any("error", err))
		return &exitError{code: 1}
	}
	return nil
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func shutdownMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func newLogger(verbose bool, out io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f, ok := out.(*os.File); ok && isTerminal(f) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
