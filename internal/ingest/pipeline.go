// Package ingest fetches ASINs through the scraping API, parses them and
// stores both the raw response and the panel record.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maltedev/solar-panel-scraper/internal/database"
	"github.com/maltedev/solar-panel-scraper/internal/metrics"
	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/parser"
	"github.com/maltedev/solar-panel-scraper/internal/queue"
	"github.com/maltedev/solar-panel-scraper/internal/scraperapi"
)

type Fetcher interface {
	FetchProduct(ctx context.Context, asin string) (*scraperapi.Response, error)
}

type Store interface {
	SavePanel(ctx context.Context, p *models.Panel) (string, error)
	SaveRawResponse(ctx context.Context, asin string, panelID *string, payload json.RawMessage, meta database.RawMetadata) (int64, error)
}

type PanelParser interface {
	Parse(listing *models.RawListing) (*models.Panel, error)
}

// Flagger raises a review flag for panels stored with missing fields.
type Flagger interface {
	RaiseMissingData(ctx context.Context, panelID, asin string, missing, failures []string) (string, error)
}

type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
}

// Outcome of one ASIN.
type Outcome string

const (
	OutcomeStored       Outcome = "stored"
	OutcomeParseFailed  Outcome = "parse_failed"
	OutcomeFetchFailed  Outcome = "fetch_failed"
	OutcomeStoreFailed  Outcome = "store_failed"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeNotProcessed Outcome = "not_processed"
)

// Result summarizes a run.
type Result struct {
	Processed int                `json:"processed"`
	Stored    int                `json:"stored"`
	Failed    int                `json:"failed"`
	Retries   int                `json:"retries"`
	Forbidden bool               `json:"forbidden"`
	Outcomes  map[string]Outcome `json:"outcomes"`
	Errors    map[string]string  `json:"errors,omitempty"`
}

// ASINs with the given outcome, sorted.
func (r *Result) ASINs(outcome Outcome) []string {
	var asins []string
	for asin, o := range r.Outcomes {
		if o == outcome {
			asins = append(asins, asin)
		}
	}
	sort.Strings(asins)
	return asins
}

type Pipeline struct {
	fetcher Fetcher
	store   Store
	parser  PanelParser
	flagger Flagger
	config  Config
	logger  *slog.Logger
}

// WithFlagger enables review flags for incomplete panels.
func (p *Pipeline) WithFlagger(f Flagger) *Pipeline {
	p.flagger = f
	return p
}

func NewPipeline(fetcher Fetcher, store Store, p PanelParser, config Config, logger *slog.Logger) *Pipeline {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		fetcher: fetcher,
		store:   store,
		parser:  p,
		config:  config,
		logger:  logger.With("component", "ingest"),
	}
}

type run struct {
	queue   *queue.InMemoryQueue
	pending atomic.Int64
	cancel  context.CancelFunc

	mu     sync.Mutex
	result *Result
}

func (r *run) finish(asin string, outcome Outcome, err error) {
	r.mu.Lock()
	r.result.Processed++
	r.result.Outcomes[asin] = outcome
	if outcome == OutcomeStored {
		r.result.Stored++
	} else {
		r.result.Failed++
	}
	if err != nil {
		r.result.Errors[asin] = err.Error()
	}
	r.mu.Unlock()

	if r.pending.Add(-1) == 0 {
		_ = r.queue.Close()
	}
}

// Run processes every ASIN once, retrying transient fetch failures. A 403
// from the scraping API stops the run; ASINs not yet processed are reported
// as not processed and Result.Forbidden is set.
func (p *Pipeline) Run(ctx context.Context, asins []string) (*Result, error) {
	asins = dedupe(asins)
	result := &Result{
		Outcomes: make(map[string]Outcome, len(asins)),
		Errors:   make(map[string]string),
	}
	if len(asins) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	capacity := max(p.config.QueueSize, len(asins))
	r := &run{
		queue:  queue.NewInMemoryQueue(capacity),
		cancel: cancel,
		result: result,
	}
	r.pending.Store(int64(len(asins)))

	for _, asin := range asins {
		if err := r.queue.Push(queue.NewTask(asin, 0)); err != nil {
			return nil, fmt.Errorf("failed to queue %s: %w", asin, err)
		}
	}

	p.logger.Info("ingest started", "asins", len(asins), "workers", p.config.Workers)

	var wg sync.WaitGroup
	for i := range p.config.Workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id, r)
		}(i)
	}
	wg.Wait()

	for _, asin := range asins {
		if _, ok := result.Outcomes[asin]; !ok {
			result.Outcomes[asin] = OutcomeNotProcessed
		}
	}

	p.logger.Info("ingest finished",
		"processed", result.Processed,
		"stored", result.Stored,
		"failed", result.Failed,
		"retries", result.Retries,
		"forbidden", result.Forbidden)

	if result.Forbidden {
		return result, scraperapi.ErrForbidden
	}
	if err := ctx.Err(); err != nil && result.Processed < len(asins) {
		return result, err
	}
	return result, nil
}

func (p *Pipeline) worker(ctx context.Context, id int, r *run) {
	logger := p.logger.With("worker", id)
	for {
		task, err := r.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
				logger.Error("failed to pop task", "error", err)
			}
			return
		}

		outcome, err := p.process(ctx, task)
		switch {
		case errors.Is(err, scraperapi.ErrForbidden):
			logger.Error("scraping API returned 403, stopping ingest", "asin", task.ASIN)
			r.mu.Lock()
			r.result.Forbidden = true
			r.mu.Unlock()
			r.cancel()
			return
		case outcome == OutcomeFetchFailed && scraperapi.IsRetryable(err) && ctx.Err() == nil:
			requeued, qErr := queue.Requeue(r.queue, task, err, p.config.MaxRetries)
			if qErr != nil {
				logger.Error("failed to requeue task", "asin", task.ASIN, "error", qErr)
			}
			if requeued {
				r.mu.Lock()
				r.result.Retries++
				r.mu.Unlock()
				logger.Warn("fetch failed, retrying", "asin", task.ASIN, "retries", task.Retries, "error", err)
				continue
			}
		}

		if ctx.Err() != nil && outcome == OutcomeFetchFailed {
			return
		}
		r.finish(task.ASIN, outcome, err)
	}
}

// process handles one task. The raw response is stored whenever a fetch
// succeeds, including when parsing fails, so it can be reparsed later.
func (p *Pipeline) process(ctx context.Context, task *queue.Task) (Outcome, error) {
	logger := p.logger.With("asin", task.ASIN)

	resp, err := p.fetcher.FetchProduct(ctx, task.ASIN)
	if err != nil {
		if errors.Is(err, scraperapi.ErrProductNotFound) {
			return OutcomeNotFound, err
		}
		return OutcomeFetchFailed, err
	}

	meta := database.RawMetadata{
		ResponseTimeMs: resp.ResponseTime.Milliseconds(),
		StatusCode:     resp.StatusCode,
		Attempts:       resp.Attempts + task.Retries,
	}

	panel, parseErr := p.parse(resp.Body)
	metrics.ObserveParse(missingOf(panel), parseErr)

	var panelID *string
	var storeErr error
	if parseErr == nil {
		id, err := p.store.SavePanel(ctx, panel)
		if err != nil {
			storeErr = fmt.Errorf("failed to save panel: %w", err)
			logger.Error("failed to save panel", "error", err)
		} else {
			panelID = &id
			p.flagMissing(ctx, id, panel)
		}
	} else {
		msg := parseErr.Error()
		meta.ParseError = &msg
		logger.Warn("failed to parse listing, storing raw response only", "error", parseErr)
	}

	if _, err := p.store.SaveRawResponse(ctx, task.ASIN, panelID, resp.Body, meta); err != nil {
		logger.Error("failed to save raw response", "error", err)
		return OutcomeStoreFailed, fmt.Errorf("failed to save raw response: %w", err)
	}

	switch {
	case storeErr != nil:
		return OutcomeStoreFailed, storeErr
	case parseErr != nil:
		return OutcomeParseFailed, parseErr
	}

	logger.Info("panel stored",
		"panel_id", *panelID,
		"name", panel.Name,
		"missing_fields", panel.MissingFields)
	return OutcomeStored, nil
}

func (p *Pipeline) flagMissing(ctx context.Context, panelID string, panel *models.Panel) {
	if p.flagger == nil || len(panel.MissingFields) == 0 {
		return
	}
	if _, err := p.flagger.RaiseMissingData(ctx, panelID, panel.ASIN, panel.MissingFields, panel.ParsingFailures); err != nil {
		p.logger.Error("failed to raise review flag", "asin", panel.ASIN, "panel_id", panelID, "error", err)
	}
}

func (p *Pipeline) parse(body []byte) (*models.Panel, error) {
	listing, err := models.DecodeRawListing(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}
	panel, err := p.parser.Parse(listing)
	if err != nil {
		return nil, err
	}
	if problems := panel.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid panel: %v", problems)
	}
	return panel, nil
}

func missingOf(panel *models.Panel) []string {
	if panel == nil {
		return nil
	}
	return panel.MissingFields
}

// dedupe sanitizes ASINs and drops empties and repeats, keeping order.
func dedupe(asins []string) []string {
	seen := make(map[string]bool, len(asins))
	out := make([]string, 0, len(asins))
	for _, a := range asins {
		a = parser.SanitizeASIN(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
