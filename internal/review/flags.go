// Package review raises system flags for human review: panels stored with
// missing fields, and protected fields that fresh evidence disagrees with.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/reparse"
)

type FlagStore interface {
	ListPendingFlags(ctx context.Context, panelID string) ([]models.UserFlag, error)
	CreateFlag(ctx context.Context, flag *models.UserFlag) (string, error)
}

type Flagger struct {
	store  FlagStore
	logger *slog.Logger
}

func NewFlagger(store FlagStore, logger *slog.Logger) *Flagger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flagger{
		store:  store,
		logger: logger.With("component", "review_flagger"),
	}
}

// RaiseMissingData flags a panel stored with missing fields. Fields already
// covered by a pending flag of the same type are left out; it returns ""
// when nothing is left to flag.
func (f *Flagger) RaiseMissingData(ctx context.Context, panelID, asin string, missing, failures []string) (string, error) {
	if len(missing) == 0 {
		return "", nil
	}

	comment := "Missing or failed to parse: " + strings.Join(missing, ", ")
	if len(failures) > 0 {
		comment += "\nParsing failures: " + strings.Join(failures, "; ")
	}

	return f.raise(ctx, panelID, asin, models.FlagTypeSystemMissingData, missing, comment)
}

// RaiseOverrideMismatch flags protected fields whose stored value new
// evidence disagrees with.
func (f *Flagger) RaiseOverrideMismatch(ctx context.Context, panelID, asin string, mismatches []reparse.Mismatch) (string, error) {
	if len(mismatches) == 0 {
		return "", nil
	}

	fields := make([]string, 0, len(mismatches))
	lines := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		fields = append(fields, m.Field)
		lines = append(lines, describeMismatch(m))
	}
	comment := "Reparse evidence disagrees with protected values: " + strings.Join(lines, "; ")

	return f.raise(ctx, panelID, asin, models.FlagTypeOverrideMismatch, fields, comment)
}

func (f *Flagger) raise(ctx context.Context, panelID, asin, flagType string, fields []string, comment string) (string, error) {
	pending, err := f.store.ListPendingFlags(ctx, panelID)
	if err != nil {
		return "", fmt.Errorf("failed to list pending flags: %w", err)
	}

	fields = uncovered(fields, flagType, pending)
	if len(fields) == 0 {
		f.logger.Debug("fields already flagged", "panel_id", panelID, "asin", asin, "flag_type", flagType)
		return "", nil
	}

	flag := &models.UserFlag{
		PanelID:       panelID,
		FlagType:      flagType,
		FlaggedFields: fields,
		UserComment:   &comment,
		Status:        models.FlagStatusPending,
	}
	id, err := f.store.CreateFlag(ctx, flag)
	if err != nil {
		return "", err
	}

	f.logger.Info("review flag raised",
		"flag_id", id,
		"panel_id", panelID,
		"asin", asin,
		"flag_type", flagType,
		"fields", fields)
	return id, nil
}

// uncovered returns the sorted fields no pending flag of flagType names.
func uncovered(fields []string, flagType string, pending []models.UserFlag) []string {
	covered := make(map[string]bool)
	for _, flag := range pending {
		if flag.FlagType != flagType {
			continue
		}
		for _, field := range flag.FlaggedFields {
			covered[field] = true
		}
	}

	seen := make(map[string]bool, len(fields))
	var out []string
	for _, field := range fields {
		if covered[field] || seen[field] {
			continue
		}
		seen[field] = true
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

func describeMismatch(m reparse.Mismatch) string {
	current := "None"
	if m.Current != nil {
		current = fmt.Sprintf("%g", *m.Current)
	}
	desc := fmt.Sprintf("%s stored %s, evidence %g", m.Field, current, m.Proposed)
	if m.Source != "" {
		desc += " from " + m.Source
	}
	if len(m.Tags) > 0 {
		desc += " [" + strings.Join(m.Tags, " ") + "]"
	}
	return desc
}
