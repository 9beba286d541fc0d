package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/solar-panel-scraper/internal/config"
	"github.com/maltedev/solar-panel-scraper/internal/database"
	"github.com/maltedev/solar-panel-scraper/internal/events"
	"github.com/maltedev/solar-panel-scraper/internal/parser"
	"github.com/maltedev/solar-panel-scraper/internal/reparse"
	"github.com/maltedev/solar-panel-scraper/pkg/logger"
)

func main() {
	var (
		limit        = flag.Int("limit", reparse.DefaultLimit, "Number of raw responses to process")
		offset       = flag.Int("offset", 0, "Offset into the raw responses, newest first")
		apply        = flag.Bool("apply", false, "Write updates to the database (default is a dry run)")
		onlyMissing  = flag.Bool("only-missing", false, "Only panels missing wattage, weight or dimensions")
		asin         = flag.String("asin", "", "Only this ASIN")
		verbose      = flag.Bool("verbose", false, "Log every planned change")
		debug        = flag.Bool("debug", false, "Log extraction evidence per field")
		mismatchOnly = flag.Bool("override-mismatch-only", false, "Only report protected fields that disagree with new evidence")
		checkOvr     = flag.Bool("check-overrides", false, "Tally protected fields against new evidence")
		noEvents     = flag.Bool("no-events", false, "Do not publish review events")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := cfg.Logging.Level
	if *debug {
		level = "debug"
	}
	logger := logger.New(level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.New(ctx, database.ConfigFrom(cfg.Database))
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var publisher reparse.EventPublisher
	if !*noEvents {
		publisher = events.NewPublisher(database.NewOutboxRepository(db), cfg.Redis.Stream, logger)
	}

	runner := reparse.NewRunner(db, parser.NewAmazonParser(logger), publisher, logger)
	opts := reparse.Options{
		Limit:                *limit,
		Offset:               *offset,
		ASIN:                 *asin,
		Apply:                *apply,
		OnlyMissing:          *onlyMissing,
		Verbose:              *verbose,
		Debug:                *debug,
		OverrideMismatchOnly: *mismatchOnly,
		CheckOverrides:       *checkOvr,
	}

	logger.Info("reparse started",
		"limit", opts.Limit,
		"offset", opts.Offset,
		"asin", opts.ASIN,
		"apply", opts.Apply)

	summary, err := runner.Run(ctx, opts)
	if err != nil {
		logger.Error("reparse failed", "error", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logger.Error("failed to encode summary", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if !opts.Apply && summary.UpdatesPlanned > 0 {
		logger.Info("dry run, rerun with -apply to write updates", "updates_planned", summary.UpdatesPlanned)
	}
}
