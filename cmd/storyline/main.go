// Command storyline is the narrative detection CLI.
//
// Usage:
//
//	storyline daemon        Run the full pipeline (poll, extract, detect, consolidate)
//	storyline poll          Fetch configured feeds once
//	storyline extract       Run one extraction batch
//	storyline detect        Run one detection cycle
//	storyline consolidate   Run one consolidation pass
//	storyline backfill      Detect over a historical window
//	storyline serve         Serve the read-side HTTP API
//	storyline dash          Open the terminal dashboard
//	storyline stats         Print pipeline statistics
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/storylinehq/storyline/internal/api"
	"github.com/storylinehq/storyline/internal/cluster"
	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/consolidate"
	"github.com/storylinehq/storyline/internal/dash"
	"github.com/storylinehq/storyline/internal/detect"
	"github.com/storylinehq/storyline/internal/extract"
	"github.com/storylinehq/storyline/internal/feeds"
	"github.com/storylinehq/storyline/internal/lifecycle"
	"github.com/storylinehq/storyline/internal/logging"
	"github.com/storylinehq/storyline/internal/matcher"
	"github.com/storylinehq/storyline/internal/store"
)

const usage = `storyline - persistent narrative detection over news feeds

Usage:
  storyline <command> [flags]

Commands:
  daemon        Run the full pipeline until interrupted
  poll          Fetch configured feeds once
  extract       Run one extraction batch
  detect        Run one detection cycle over the recent window
  consolidate   Run one consolidation pass over all narratives
  backfill      Run detection over a historical window (--days)
  serve         Serve the read-side HTTP API
  dash          Open the terminal dashboard
  stats         Print pipeline statistics

Environment:
  OPENAI_API_KEY   Extraction API key (name configurable via extraction.api_key_env)
  STORYLINE_*      Config overrides, e.g. STORYLINE_API_ADDR, STORYLINE_STORAGE_PATH

Config file: ~/.storyline/config.yaml

Run 'storyline <command> -h' for command-specific help.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	cmd := os.Args[1]
	// Strip the program name + subcommand so flag sets see only their flags
	os.Args = os.Args[1:]

	switch cmd {
	case "daemon":
		runDaemon()
	case "poll":
		runPoll()
	case "extract":
		runExtract()
	case "detect":
		runDetect()
	case "consolidate":
		runConsolidate()
	case "backfill":
		runBackfill()
	case "serve":
		runServe()
	case "dash":
		runDash()
	case "stats":
		runStats()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "storyline: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
}

// app holds the wired pipeline components.
type app struct {
	cfg          *config.Config
	store        *store.Store
	poller       *feeds.Poller
	runner       *extract.Runner
	detector     *detect.Detector
	consolidator *consolidate.Pass
}

// setup loads config, opens the store and wires every component. toFile
// selects the dated log file over stderr; long-running commands use it.
func setup(toFile bool) *app {
	if toFile {
		if err := logging.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "storyline: %v\n", err)
			os.Exit(1)
		}
	} else {
		logging.InitStderr(log.InfoLevel)
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		logging.Fatal("config load failed", "error", err)
	}

	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logging.Fatal("store open failed", "path", cfg.Storage.Path, "error", err)
	}

	provider := extract.NewOpenAIProvider(os.Getenv(cfg.Extraction.APIKeyEnv), cfg.Extraction.Model)
	le := lifecycle.NewEngine(cfg.Lifecycle)
	m := matcher.New(s, cfg.Matching, le)

	return &app{
		cfg:          cfg,
		store:        s,
		poller:       feeds.NewPoller(s, cfg.Feeds),
		runner:       extract.NewRunner(s, provider, cfg.Extraction),
		detector:     detect.NewDetector(s, cluster.NewEngine(cfg.Clustering), m, le, cfg.Detection),
		consolidator: consolidate.New(s, cfg.Matching, le),
	}
}

func (a *app) close() {
	a.store.Close()
	logging.Close()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runDaemon() {
	flags := flag.NewFlagSet("daemon", flag.ExitOnError)
	flags.Parse(os.Args[1:])

	a := setup(true)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	d := detect.NewDaemon(a.poller, a.runner, a.detector, a.consolidator, a.cfg.Detection)
	d.Start(ctx)
	logging.Info("daemon running",
		"poll", a.cfg.Detection.PollInterval,
		"detect", a.cfg.Detection.DetectInterval,
		"consolidate", a.cfg.Detection.ConsolidateInterval)

	go func() {
		if err := api.Serve(ctx, a.cfg.API.Addr, a.store); err != nil {
			logging.Error("api server failed", "error", err)
		}
	}()

	<-ctx.Done()
	d.Wait()
}

func runPoll() {
	flags := flag.NewFlagSet("poll", flag.ExitOnError)
	flags.Parse(os.Args[1:])

	a := setup(false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	n, err := a.poller.PollAll(ctx)
	if err != nil {
		logging.Fatal("poll failed", "error", err)
	}
	fmt.Printf("fetched %d new articles from %d feeds\n", n, len(a.cfg.Feeds))
}

func runExtract() {
	flags := flag.NewFlagSet("extract", flag.ExitOnError)
	flags.Parse(os.Args[1:])

	a := setup(false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := a.runner.Run(ctx)
	if err != nil {
		logging.Fatal("extraction failed", "error", err)
	}
	fmt.Printf("extracted %d, skipped %d, deferred %d\n",
		result.Extracted, result.Skipped, result.Deferred)
}

func runDetect() {
	flags := flag.NewFlagSet("detect", flag.ExitOnError)
	flags.Parse(os.Args[1:])

	a := setup(false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := a.detector.RunCycle(ctx)
	if err != nil {
		logging.Fatal("detection failed", "error", err)
	}
	printCycle(result)
}

func runConsolidate() {
	flags := flag.NewFlagSet("consolidate", flag.ExitOnError)
	flags.Parse(os.Args[1:])

	a := setup(false)
	defer a.close()

	merged, err := a.consolidator.Run()
	if err != nil {
		logging.Fatal("consolidation failed", "error", err)
	}
	fmt.Printf("merged %d narrative pairs\n", merged)
}

func runBackfill() {
	flags := flag.NewFlagSet("backfill", flag.ExitOnError)
	days := flags.Int("days", 7, "how many days of extracted articles to re-detect over")
	flags.Parse(os.Args[1:])

	a := setup(false)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	since := time.Now().UTC().AddDate(0, 0, -*days)
	result, err := a.detector.RunWindow(ctx, since)
	if err != nil {
		logging.Fatal("backfill failed", "error", err)
	}
	printCycle(result)
}

func runServe() {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", "", "listen address (defaults to api.addr)")
	flags.Parse(os.Args[1:])

	a := setup(true)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	listen := a.cfg.API.Addr
	if *addr != "" {
		listen = *addr
	}
	if err := api.Serve(ctx, listen, a.store); err != nil {
		logging.Fatal("api server failed", "error", err)
	}
}

func runDash() {
	flags := flag.NewFlagSet("dash", flag.ExitOnError)
	flags.Parse(os.Args[1:])

	// Logs must not write to the terminal the dashboard owns.
	a := setup(true)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := dash.Run(ctx, a.store); err != nil {
		logging.Fatal("dashboard failed", "error", err)
	}
}

func runStats() {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	flags.Parse(os.Args[1:])

	a := setup(false)
	defer a.close()

	stats, err := a.store.GetStats()
	if err != nil {
		logging.Fatal("stats failed", "error", err)
	}

	fmt.Printf("articles:    %d (%d extracted)\n", stats.Articles, stats.ArticlesExtracted)
	fmt.Printf("narratives:  %d\n", stats.Narratives)
	for state, count := range stats.NarrativesByState {
		fmt.Printf("  %-12s %d\n", state, count)
	}
	if !stats.LastNarrativeWrite.IsZero() {
		fmt.Printf("last write:  %s\n", stats.LastNarrativeWrite.Format(time.RFC3339))
	}
}

func printCycle(result detect.CycleResult) {
	fmt.Printf("articles %d, clusters %d, created %d, merged %d, failed %d, states refreshed %d\n",
		result.Articles, result.Clusters, result.Created, result.Merged, result.Failed, result.Refreshed)
}
