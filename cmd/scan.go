package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/config"
	"github.com/accessprobe/scand/internal/detector/wcag"
	collyfetcher "github.com/accessprobe/scand/internal/fetcher/colly"
	"github.com/accessprobe/scand/internal/fetcher/headless"
	"github.com/accessprobe/scand/internal/logging"
	"github.com/accessprobe/scand/internal/render"
	"github.com/accessprobe/scand/internal/report"
	"github.com/accessprobe/scand/internal/scan"
	"github.com/accessprobe/scand/internal/suggester"
)

// newScanCmd creates the 'scan' subcommand for one-shot audits.
func newScanCmd() *cobra.Command {
	var (
		format    string
		withFixes bool
	)
	cmd := &cobra.Command{
		Use:   "scan <url>",
		Short: "Audit a single URL and print the findings",
		Long: `Runs one accessibility scan against the given URL directly in this
process, bypassing the job queue, and prints the findings to stdout.
Logs go to stderr so the report stays pipeable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], format, withFixes)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format (table, json, markdown)")
	cmd.Flags().BoolVar(&withFixes, "fixes", false, "include model-generated fix suggestions (requires suggest.enabled)")
	return cmd
}

func runScan(cmd *cobra.Command, target, format string, withFixes bool) error {
	formatter, err := report.GetFormatter(format)
	if err != nil {
		return err
	}
	if err := scan.ValidateTarget(target); err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync is best effort

	res, err := scanOnce(cmd.Context(), cfg, logger, target, withFixes)
	if err != nil {
		return err
	}
	return formatter.Format(cmd.OutOrStdout(), res)
}

// scanOnce runs the fetch, render, detect, and suggest stages without the
// queue, under the same budgets the worker pool applies.
func scanOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, target string, withFixes bool) (*scan.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.JobTimeout())
	defer cancel()

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})

	fetchCtx, fetchCancel := context.WithTimeout(ctx, cfg.FetchTimeout())
	resp, err := probe.Fetch(fetchCtx, scan.FetchRequest{JobID: "cli", URL: target})
	fetchCancel()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}

	resp = maybeRenderOnce(ctx, cfg, logger, target, resp)

	raw, err := wcag.New().Detect(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("detect violations: %w", err)
	}
	violations := scan.NormalizeViolations(raw)

	res := &scan.Result{
		URL:         resp.URL,
		Violations:  violations,
		Summary:     scan.Summarize(violations),
		Rendered:    resp.Rendered,
		CompletedAt: time.Now().UTC(),
	}
	if res.URL == "" {
		res.URL = target
	}

	if withFixes && len(violations) > 0 {
		res.FixSuggestions = suggestOnce(ctx, cfg, logger, res.URL, violations)
	}
	return res, nil
}

// maybeRenderOnce refetches the page headlessly when the probe response
// looks client-rendered. Render failures keep the probe response.
func maybeRenderOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, target string, resp scan.FetchResponse) scan.FetchResponse {
	if !cfg.Render.Enabled || !render.NewHeuristic(cfg.Render.MinHTMLBytes).ShouldRender(resp) {
		return resp
	}

	renderer, err := headless.NewChromedp(headless.Config{
		MaxParallel:       1,
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: time.Duration(cfg.Render.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		logger.Warn("headless fetcher init failed, scanning probe response", zap.Error(err))
		return resp
	}
	defer renderer.Close()

	renderCtx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout())
	defer cancel()

	rendered, err := renderer.Fetch(renderCtx, scan.FetchRequest{JobID: "cli", URL: target})
	if err != nil {
		logger.Warn("headless render failed, scanning probe response", zap.Error(err))
		return resp
	}
	rendered.Rendered = true
	return rendered
}

// suggestOnce asks the configured model for remediation text. Failures
// yield the placeholder, matching what a queued scan would record.
func suggestOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, url string, violations []scan.Violation) string {
	if !cfg.Suggest.Enabled {
		logger.Warn("fix suggestions requested but suggest.enabled is false")
		return scan.FixSuggestionsUnavailable
	}

	client := suggester.New(suggester.Config{
		BaseURL:       cfg.Suggest.BaseURL,
		APIKey:        cfg.Suggest.APIKey,
		Model:         cfg.Suggest.Model,
		Timeout:       time.Duration(cfg.Suggest.TimeoutSeconds) * time.Second,
		MaxViolations: cfg.Suggest.MaxViolations,
	}, logger.Named("suggester"))

	text, err := client.Suggest(ctx, url, violations)
	if err != nil {
		logger.Warn("fix suggestions unavailable", zap.Error(err))
		return scan.FixSuggestionsUnavailable
	}
	return text
}
