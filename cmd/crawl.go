// Package cmd defines and implements the CLI commands for the listing-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/export"
	"github.com/JakeFAU/listing-crawler/internal/jobs"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	"github.com/JakeFAU/listing-crawler/internal/server"
)

type crawlOptions struct {
	url       string
	wait      float64
	allPages  bool
	workers   int
	pages     []int
	pageCount int
	maxPages  int
	extractor string
	format    string
	output    string
	renderer  string
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one paginated listing and exports its records",
		Long: `Renders pages of the listing at --url, extracts records from each page and
writes the aggregate result as JSON or CSV. Progress is printed to stderr.

Re-run only the pages that failed last time with --pages 3,7.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "", "listing URL; the page query parameter is set per page")
	f.Float64Var(&opts.wait, "wait", 5, "seconds to let each page settle after load")
	f.BoolVar(&opts.allPages, "all-pages", false, "discover the page count from page 1")
	f.IntVar(&opts.workers, "workers", 1, "pages rendered in parallel")
	f.IntSliceVar(&opts.pages, "pages", nil, "exact pages to crawl, e.g. 3,7")
	f.IntVar(&opts.pageCount, "page-count", 0, "crawl pages 1..N when discovery is off")
	f.IntVar(&opts.maxPages, "max-pages", 0, "cap on a discovered page count (0 = none)")
	f.StringVar(&opts.extractor, "extractor", "", "record extractor (lots|generic)")
	f.StringVar(&opts.format, "format", "", "output format (json|csv)")
	f.StringVarP(&opts.output, "output", "o", "", "write the result to this file instead of stdout")
	f.StringVar(&opts.renderer, "renderer", "", "override renderer.mode (headless|static|auto)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, opts *crawlOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.Config
	job := crawlJobFromFlags(cmd, opts, cfg)
	if err := job.Validate(); err != nil {
		return err
	}
	if opts.renderer != "" {
		cfg.Renderer.Mode = opts.renderer
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	format, err := export.ParseFormat(firstNonEmpty(opts.format, cfg.Storage.Format))
	if err != nil {
		return err
	}

	engine, err := server.NewEngine(cfg, rt.Logger)
	if err != nil {
		return err
	}
	defer engine.Close()
	runner, err := engine.NewRunner(job)
	if err != nil {
		return err
	}

	result, runErr := runWithProgress(cmd.Context(), runner, job, cfg.Crawler.Keepalive(), cmd.ErrOrStderr())
	if runErr != nil && !errors.Is(runErr, crawler.ErrCanceled) {
		return fmt.Errorf("crawl: %w", runErr)
	}

	if err := writeResult(cmd.OutOrStdout(), opts.output, format, result); err != nil {
		return err
	}
	rt.Logger.Info("crawl command finished",
		zap.Int("records", len(result.Records)),
		zap.Ints("failed_pages", result.FailedPages()),
	)
	return runErr
}

func crawlJobFromFlags(cmd *cobra.Command, opts *crawlOptions, cfg config.Config) crawler.CrawlJob {
	job := crawler.CrawlJob{
		URL:         opts.url,
		Settle:      cfg.Crawler.Settle(),
		Concurrency: cfg.Crawler.Concurrency,
		Discover:    cfg.Crawler.Discover,
		PageCount:   opts.pageCount,
		Pages:       opts.pages,
		MaxPages:    cfg.Crawler.MaxPages,
		PageLimit:   cfg.Crawler.MaxPagesLimit,
		Extractor:   firstNonEmpty(opts.extractor, cfg.Extractor.Name),
	}
	flags := cmd.Flags()
	if flags.Changed("wait") {
		job.Settle = time.Duration(opts.wait * float64(time.Second))
	}
	if flags.Changed("all-pages") {
		job.Discover = opts.allPages
	}
	if flags.Changed("workers") {
		job.Concurrency = opts.workers
	}
	if flags.Changed("max-pages") {
		job.MaxPages = opts.maxPages
	}
	return job
}

// runWithProgress runs the crawl while printing one line per progress event.
func runWithProgress(
	ctx context.Context,
	runner jobs.Runner,
	job crawler.CrawlJob,
	keepalive time.Duration,
	out io.Writer,
) (crawler.CrawlResult, error) {
	bus := progress.NewBus()
	type outcome struct {
		result crawler.CrawlResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := runner.Run(ctx, job, bus)
		if !bus.Closed() {
			reason := "crawl ended without a terminal event"
			if err != nil {
				reason = err.Error()
			}
			_ = bus.Publish(progress.CrawlFailed(reason))
		}
		done <- outcome{result: result, err: err}
	}()

	for {
		ev, err := bus.Next(ctx, keepalive)
		if err != nil {
			break
		}
		fmt.Fprintln(out, describeEvent(ev))
	}
	o := <-done
	return o.result, o.err
}

func describeEvent(ev progress.Event) string {
	switch ev.Type {
	case progress.TypeDiscoveryStarted:
		return "discovering page count..."
	case progress.TypeDiscoveryComplete:
		return fmt.Sprintf("found %d pages", ev.TotalPages)
	case progress.TypePageStarted:
		return fmt.Sprintf("page %d: started", ev.Page)
	case progress.TypePageComplete:
		return fmt.Sprintf("page %d: %d records", ev.Page, ev.Records)
	case progress.TypePageFailed:
		return fmt.Sprintf("page %d: failed: %s", ev.Page, ev.Reason)
	case progress.TypeCrawlComplete:
		return fmt.Sprintf("done: %d records in %s", ev.TotalRecords, ev.Elapsed.Round(time.Millisecond))
	case progress.TypeCrawlFailed:
		return "crawl failed: " + ev.Reason
	case progress.TypeKeepalive:
		return "still working..."
	default:
		return string(ev.Type)
	}
}

func writeResult(stdout io.Writer, path string, format export.Format, result crawler.CrawlResult) (err error) {
	if path == "" {
		return export.Write(stdout, format, result)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}()
	return export.Write(f, format, result)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
