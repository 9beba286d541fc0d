package reparse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/maltedev/solar-panel-scraper/internal/metrics"
	"github.com/maltedev/solar-panel-scraper/internal/models"
)

const (
	DefaultLimit       = 100
	maxRequiredExample = 5
)

// Store is the persistence the runner needs.
type Store interface {
	ListRawResponses(ctx context.Context, limit, offset int, asin string) ([]models.RawResponse, error)
	// GetStoredPanel returns models.ErrPanelNotFound when the panel is gone.
	GetStoredPanel(ctx context.Context, id string) (*models.StoredPanel, error)
	UpdatePanelFields(ctx context.Context, id string, columns map[string]any) error
	ListPendingFlags(ctx context.Context, panelID string) ([]models.UserFlag, error)
	ResolveFlags(ctx context.Context, ids []string, note string, resolvedAt time.Time) error
}

// EventPublisher forwards reparse results to the review subsystem.
type EventPublisher interface {
	PublishPanelReparsed(ctx context.Context, plan *Plan) error
	PublishOverrideMismatch(ctx context.Context, plan *Plan) error
}

// PanelParser parses a decoded raw listing.
type PanelParser interface {
	Parse(listing *models.RawListing) (*models.Panel, error)
}

type Options struct {
	Limit  int
	Offset int
	ASIN   string

	// Apply writes planned updates and resolves matching review flags.
	Apply bool
	// OnlyMissing skips panels with no missing wattage, weight or dimensions.
	OnlyMissing bool
	// Verbose logs every planned change and override mismatch.
	Verbose bool
	// Debug logs the extraction evidence of every parsed row.
	Debug bool
	// OverrideMismatchOnly reports mismatches and skips rows without one.
	// Implies CheckOverrides.
	OverrideMismatchOnly bool
	CheckOverrides       bool
}

func (o Options) checkOverrides() bool {
	return o.CheckOverrides || o.OverrideMismatchOnly
}

// Summary tallies one reparse run.
type Summary struct {
	RowsProcessed    int `json:"rows_processed"`
	RowsSkipped      int `json:"rows_skipped"`
	RowsMissingPanel int `json:"rows_missing_panel"`
	RowsMissingRaw   int `json:"rows_missing_raw"`

	ParseFailed                int                 `json:"parse_failed"`
	ParseFailedMissingRequired int                 `json:"parse_failed_missing_required"`
	ParseFailedUnknown         int                 `json:"parse_failed_unknown"`
	MissingRequired            map[string]int      `json:"missing_required"`
	MissingRequiredExamples    map[string][]string `json:"missing_required_examples"`

	RowsWithOverrideMismatch int `json:"rows_with_override_mismatch"`
	UpdatesPlanned           int `json:"updates_planned"`
	UpdatesApplied           int `json:"updates_applied"`
	FlagsResolved            int `json:"flags_resolved"`

	FieldUpdates      map[string]int `json:"field_updates"`
	OverrideConfirmed map[string]int `json:"override_confirmed"`
	OverrideMismatch  map[string]int `json:"override_mismatch"`
	OverrideUnparsed  map[string]int `json:"override_unparsed"`
}

func NewSummary() *Summary {
	s := &Summary{
		MissingRequired:         map[string]int{"name": 0, "asin": 0, "brand": 0},
		MissingRequiredExamples: map[string][]string{"name": {}, "asin": {}, "brand": {}},
		FieldUpdates:            make(map[string]int, len(TargetFields)),
		OverrideConfirmed:       make(map[string]int, len(TargetFields)),
		OverrideMismatch:        make(map[string]int, len(TargetFields)),
		OverrideUnparsed:        make(map[string]int, len(TargetFields)),
	}
	for _, f := range TargetFields {
		s.FieldUpdates[f] = 0
		s.OverrideConfirmed[f] = 0
		s.OverrideMismatch[f] = 0
		s.OverrideUnparsed[f] = 0
	}
	return s
}

func (s *Summary) missingRequired(field, example string) {
	s.MissingRequired[field]++
	if len(s.MissingRequiredExamples[field]) < maxRequiredExample {
		s.MissingRequiredExamples[field] = append(s.MissingRequiredExamples[field], example)
	}
}

type Runner struct {
	store     Store
	parser    PanelParser
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner builds a runner. publisher may be nil.
func NewRunner(store Store, parser PanelParser, publisher EventPublisher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		parser:    parser,
		publisher: publisher,
		logger:    logger.With("component", "reparse"),
		now:       time.Now,
	}
}

// Run reparses one page of stored raw responses. Nothing is written unless
// opts.Apply is set.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	summary := NewSummary()

	rows, err := r.store.ListRawResponses(ctx, opts.Limit, opts.Offset, opts.ASIN)
	if err != nil {
		return summary, fmt.Errorf("failed to list raw responses: %w", err)
	}
	if len(rows) == 0 {
		r.logger.Info("No raw_scraper_data rows found for given criteria")
		return summary, nil
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome, err := r.processRow(ctx, row, opts, summary)
		if err != nil {
			return summary, err
		}
		metrics.ReparseRowsTotal.WithLabelValues(outcome).Inc()
	}

	return summary, nil
}

func (r *Runner) processRow(ctx context.Context, row models.RawResponse, opts Options, summary *Summary) (string, error) {
	summary.RowsProcessed++

	if row.PanelID == nil || *row.PanelID == "" {
		summary.RowsMissingPanel++
		return "missing_panel", nil
	}
	panelID := *row.PanelID

	if isEmptyPayload(row.Payload) {
		summary.RowsMissingRaw++
		return "missing_raw", nil
	}

	stored, err := r.store.GetStoredPanel(ctx, panelID)
	if errors.Is(err, models.ErrPanelNotFound) {
		summary.RowsMissingPanel++
		return "missing_panel", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load panel %s: %w", panelID, err)
	}

	if opts.OnlyMissing && !hasTrackedMissing(stored.MissingFields) {
		summary.RowsSkipped++
		return "skipped", nil
	}

	listing, err := models.DecodeRawListing(row.Payload)
	if err != nil {
		r.logger.Warn("Failed to decode raw response", "panel_id", panelID, "error", err)
		summary.ParseFailed++
		summary.ParseFailedUnknown++
		return "parse_failed", nil
	}

	if !r.checkRequired(listing, panelID, summary) {
		summary.ParseFailed++
		summary.ParseFailedMissingRequired++
		return "parse_failed", nil
	}

	parsed, err := r.parser.Parse(listing)
	if err != nil || parsed == nil {
		r.logger.Warn("Failed to parse raw response", "panel_id", panelID, "error", err)
		summary.ParseFailed++
		summary.ParseFailedUnknown++
		return "parse_failed", nil
	}

	if opts.Debug {
		logEvidence(r.logger, stored, parsed)
	}

	plan := Reconcile(stored, parsed)
	for _, u := range plan.Updates {
		summary.FieldUpdates[u.Column]++
		metrics.ReparseFieldUpdatesTotal.WithLabelValues(u.Column).Inc()
	}

	if opts.checkOverrides() {
		r.tallyOverrides(plan, summary)
		if len(plan.Mismatches) > 0 {
			summary.RowsWithOverrideMismatch++
			if opts.Verbose || opts.OverrideMismatchOnly {
				r.logMismatches(plan)
			}
			if r.publisher != nil {
				if err := r.publisher.PublishOverrideMismatch(ctx, plan); err != nil {
					r.logger.Error("Failed to publish override mismatch", "panel_id", panelID, "error", err)
				}
			}
		}
	}

	if opts.OverrideMismatchOnly && len(plan.Mismatches) == 0 {
		summary.RowsSkipped++
		return "skipped", nil
	}

	if !plan.HasChanges() {
		summary.RowsSkipped++
		return "unchanged", nil
	}

	summary.UpdatesPlanned++
	if opts.Verbose && !opts.OverrideMismatchOnly {
		r.logger.Info("Plan update",
			"panel_id", panelID,
			"asin", stored.ASIN,
			"changes", FormatChanges(stored, plan))
	}

	if !opts.Apply {
		return "planned", nil
	}

	if err := r.store.UpdatePanelFields(ctx, panelID, plan.Columns()); err != nil {
		return "", fmt.Errorf("failed to update panel %s: %w", panelID, err)
	}
	summary.UpdatesApplied++

	resolved, err := r.resolvePendingFlags(ctx, panelID, plan.FlagClearFields)
	if err != nil {
		return "", err
	}
	summary.FlagsResolved += resolved

	if r.publisher != nil {
		if err := r.publisher.PublishPanelReparsed(ctx, plan); err != nil {
			r.logger.Error("Failed to publish panel reparsed", "panel_id", panelID, "error", err)
		}
	}
	return "applied", nil
}

// checkRequired mirrors the parser's hard requirements on the raw listing
// so the summary can say which field was missing.
func (r *Runner) checkRequired(listing *models.RawListing, panelID string, summary *Summary) bool {
	asin := listing.ASIN
	if asin == "" {
		asin, _ = listing.SpecTable.Get("ASIN")
	}
	brand := listing.Brand
	if brand == "" {
		brand, _ = listing.SpecTable.Get("Brand")
	}

	example := asin
	if example == "" {
		example = panelID
	}

	ok := true
	if listing.Name == "" {
		summary.missingRequired("name", example)
		ok = false
	}
	if asin == "" {
		summary.missingRequired("asin", panelID)
		ok = false
	}
	if brand == "" {
		summary.missingRequired("brand", example)
		ok = false
	}
	return ok
}

func (r *Runner) tallyOverrides(plan *Plan, summary *Summary) {
	for field, result := range plan.Overrides {
		switch result {
		case OverrideConfirmed:
			summary.OverrideConfirmed[field]++
		case OverrideUnparsed:
			summary.OverrideUnparsed[field]++
		case OverrideMismatch:
			summary.OverrideMismatch[field]++
		}
		metrics.OverrideChecksTotal.WithLabelValues(field, string(result)).Inc()
	}
}

func (r *Runner) logMismatches(plan *Plan) {
	for _, m := range plan.Mismatches {
		proposed := m.Proposed
		r.logger.Info("Override mismatch",
			"panel_id", plan.PanelID,
			"asin", plan.ASIN,
			"field", m.Field,
			"current", formatFieldValue(m.Field, m.Current),
			"proposed", formatFieldValue(m.Field, &proposed)+formatTags(m.Tags),
			"confidence", formatConfidence(m.Confidence),
			"source", m.Source,
			"raw", m.Raw)
	}
}

// resolvePendingFlags resolves pending flags whose flagged fields intersect
// the updated fields. Deletion recommendations are left for a human.
func (r *Runner) resolvePendingFlags(ctx context.Context, panelID string, fields []string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}

	flags, err := r.store.ListPendingFlags(ctx, panelID)
	if err != nil {
		return 0, fmt.Errorf("failed to list flags for panel %s: %w", panelID, err)
	}

	updated := make(map[string]bool, len(fields))
	for _, f := range fields {
		updated[f] = true
	}

	var ids []string
	for _, flag := range flags {
		if flag.Status != models.FlagStatusPending || flag.FlagType == models.FlagTypeDeletionRecommendation {
			continue
		}
		for _, f := range flag.FlaggedFields {
			if updated[f] {
				ids = append(ids, flag.ID)
				break
			}
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	note := ResolutionNote(sorted)
	if err := r.store.ResolveFlags(ctx, ids, note, r.now().UTC()); err != nil {
		return 0, fmt.Errorf("failed to resolve flags for panel %s: %w", panelID, err)
	}

	r.logger.Info("Resolved pending flags",
		"count", len(ids),
		"panel_id", panelID,
		"fields", strings.Join(sorted, ", "))
	return len(ids), nil
}

// ResolutionNote is the admin note written on auto-resolved flags.
func ResolutionNote(fields []string) string {
	return fmt.Sprintf("Auto-resolved by reparse (fields updated: %s)", strings.Join(fields, ", "))
}

func hasTrackedMissing(missing []string) bool {
	for _, f := range missing {
		switch f {
		case "wattage", "weight", "dimensions":
			return true
		}
	}
	return false
}

func isEmptyPayload(payload []byte) bool {
	s := strings.TrimSpace(string(payload))
	return s == "" || s == "null" || s == "{}"
}
