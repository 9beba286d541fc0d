package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/maltedev/solar-panel-scraper/internal/config"
	"github.com/maltedev/solar-panel-scraper/internal/database"
	"github.com/maltedev/solar-panel-scraper/internal/ingest"
	"github.com/maltedev/solar-panel-scraper/internal/parser"
	"github.com/maltedev/solar-panel-scraper/internal/review"
	"github.com/maltedev/solar-panel-scraper/internal/scraperapi"
	"github.com/maltedev/solar-panel-scraper/internal/storage"
	"github.com/maltedev/solar-panel-scraper/pkg/logger"
)

func main() {
	var (
		asinList = flag.String("asins", "", "Comma separated ASINs")
		asinFile = flag.String("file", "", "File with one ASIN per line")
		search   = flag.String("search", "", "Collect ASINs from an Amazon search first")
		pages    = flag.Int("pages", 1, "Search result pages to collect")
		workers  = flag.Int("workers", 0, "Worker count (default from INGEST_WORKERS)")
		state    = flag.String("state", "", "Checkpoint file; resumes ASINs not yet done")
		noFlags  = flag.Bool("no-flags", false, "Do not raise review flags for incomplete panels")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.RequireScraperAPI(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := scraperapi.NewClient(scraperapi.OptionsFrom(cfg.ScraperAPI), logger)
	if err != nil {
		logger.Error("failed to create scraping API client", "error", err)
		os.Exit(1)
	}

	asins, err := collectASINs(*asinList, *asinFile)
	if err != nil {
		logger.Error("failed to read ASINs", "error", err)
		os.Exit(1)
	}

	if *search != "" {
		for page := 1; page <= *pages; page++ {
			results, err := client.Search(ctx, *search, page)
			if err != nil {
				logger.Error("search failed", "keyword", *search, "page", page, "error", err)
				if errors.Is(err, scraperapi.ErrForbidden) {
					os.Exit(1)
				}
				break
			}
			if len(results) == 0 {
				break
			}
			for _, r := range results {
				asins = append(asins, r.ASIN)
			}
		}
	}

	var checkpoint *storage.Checkpoint
	if *state != "" {
		checkpoint, err = storage.OpenCheckpoint(*state)
		if err != nil {
			logger.Error("failed to open checkpoint", "error", err)
			os.Exit(1)
		}
		if err := checkpoint.Track(asins); err != nil {
			logger.Error("failed to update checkpoint", "error", err)
			os.Exit(1)
		}
		asins = checkpoint.Remaining()
		logger.Info("resuming from checkpoint", "file", *state, "remaining", len(asins), "stats", checkpoint.Stats())
	}

	if len(asins) == 0 {
		fmt.Println("Provide ASINs with -asins, -file or -search")
		flag.Usage()
		os.Exit(1)
	}

	db, err := database.New(ctx, database.ConfigFrom(cfg.Database))
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ingestCfg := ingest.Config{
		Workers:    cfg.Ingest.Workers,
		QueueSize:  cfg.Ingest.QueueSize,
		MaxRetries: cfg.Ingest.MaxRetries,
	}
	if *workers > 0 {
		ingestCfg.Workers = *workers
	}

	pipeline := ingest.NewPipeline(client, db, parser.NewAmazonParser(logger), ingestCfg, logger)
	if !*noFlags {
		pipeline.WithFlagger(review.NewFlagger(db, logger))
	}

	result, err := pipeline.Run(ctx, asins)
	if checkpoint != nil && result != nil {
		if err := saveCheckpoint(checkpoint, result); err != nil {
			logger.Error("failed to save checkpoint", "error", err)
		}
	}
	if result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		logger.Error("ingest stopped", "error", err)
		os.Exit(1)
	}
}

// saveCheckpoint marks ASINs done once their raw response is stored or the
// product is gone. Fetch and store failures stay eligible for the next run.
func saveCheckpoint(c *storage.Checkpoint, result *ingest.Result) error {
	outcomes := make(map[string]string, len(result.Outcomes))
	for asin, o := range result.Outcomes {
		outcomes[asin] = string(o)
	}
	done := func(outcome string) bool {
		switch ingest.Outcome(outcome) {
		case ingest.OutcomeStored, ingest.OutcomeParseFailed, ingest.OutcomeNotFound:
			return true
		}
		return false
	}
	return c.RecordAll(outcomes, done, result.Errors)
}

func collectASINs(list, file string) ([]string, error) {
	var asins []string
	for _, a := range strings.Split(list, ",") {
		if a = strings.TrimSpace(a); a != "" {
			asins = append(asins, a)
		}
	}

	if file == "" {
		return asins, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		asins = append(asins, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	return asins, nil
}
