package reparse

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/maltedev/solar-panel-scraper/internal/models"
)

const (
	cmPerInch    = 2.54
	kgPerPound   = 0.453592
	maxTextWidth = 160
)

func formatValue(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// formatFieldValue renders a column value with its imperial equivalent for
// lengths and weights.
func formatFieldValue(column string, v *float64) string {
	if v == nil {
		return "None"
	}
	switch column {
	case models.ColumnLengthCm, models.ColumnWidthCm:
		return fmt.Sprintf("%s cm (%.2f in)", formatValue(*v), *v/cmPerInch)
	case models.ColumnWeightKg:
		return fmt.Sprintf("%s kg (%.2f lb)", formatValue(*v), *v/kgPerPound)
	default:
		return formatValue(*v)
	}
}

func formatDimensions(length, width *float64) string {
	if length == nil || width == nil {
		return "None"
	}
	return fmt.Sprintf("%sx%s cm (%.2fx%.2f in)",
		formatValue(*length), formatValue(*width), *length/cmPerInch, *width/cmPerInch)
}

func formatEvidenceValue(field models.Field, v models.Value) string {
	switch {
	case v.IsPair():
		return formatDimensions(&v.Pair.LengthCm, &v.Pair.WidthCm)
	case field == models.FieldWeight:
		return formatFieldValue(models.ColumnWeightKg, &v.Number)
	default:
		return formatValue(v.Number)
	}
}

func formatTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return " [" + strings.Join(tags, " ") + "]"
}

// FormatChanges renders a plan as "column: old -> new [tags]" parts joined
// by "; ".
func FormatChanges(stored *models.StoredPanel, plan *Plan) string {
	parts := make([]string, 0, len(plan.Updates)+1)
	for _, u := range plan.Updates {
		newValue := u.New
		parts = append(parts, fmt.Sprintf("%s: %s -> %s%s",
			u.Column,
			formatFieldValue(u.Column, u.Old),
			formatFieldValue(u.Column, &newValue),
			formatTags(u.Tags)))
	}
	if plan.MissingChanged {
		parts = append(parts, fmt.Sprintf("missing_fields: %v -> %v", stored.MissingFields, plan.MissingFields))
	}
	return strings.Join(parts, "; ")
}

func truncateText(s string) string {
	if s == "" {
		return "None"
	}
	runes := []rune(s)
	if len(runes) <= maxTextWidth {
		return s
	}
	return string(runes[:maxTextWidth-3]) + "..."
}

func formatConfidence(c *float64) string {
	if c == nil {
		return "None"
	}
	return fmt.Sprintf("%.3g", *c)
}

// logEvidence writes one line per field with the current and proposed
// values, the selected candidate and the top candidates.
func logEvidence(logger *slog.Logger, stored *models.StoredPanel, parsed *models.Panel) {
	type row struct {
		field    models.Field
		current  string
		proposed string
	}
	rows := []row{
		{models.FieldWattage, formatFieldValue(models.ColumnWattage, stored.Column(models.ColumnWattage)), formatFieldValue(models.ColumnWattage, parsed.Column(models.ColumnWattage))},
		{models.FieldDimensions, formatDimensions(stored.LengthCm, stored.WidthCm), formatDimensions(parsed.LengthCm, parsed.WidthCm)},
		{models.FieldWeight, formatFieldValue(models.ColumnWeightKg, stored.WeightKg), formatFieldValue(models.ColumnWeightKg, parsed.WeightKg)},
		{models.FieldPieceCount, formatFieldValue(models.ColumnPieceCount, stored.Column(models.ColumnPieceCount)), formatFieldValue(models.ColumnPieceCount, parsed.Column(models.ColumnPieceCount))},
		{models.FieldVoltage, formatFieldValue(models.ColumnVoltage, stored.Voltage), formatFieldValue(models.ColumnVoltage, parsed.Voltage)},
	}

	for _, r := range rows {
		ev := parsed.ExtractionEvidence[r.field]
		selected, confidence, source, raw := "None", "None", "None", "None"
		if ev.Selected != nil {
			selected = formatEvidenceValue(r.field, ev.Selected.Value)
			confidence = formatConfidence(&ev.Selected.Confidence)
			source = ev.Selected.Source
			raw = truncateText(ev.Selected.Raw)
		}

		candidates := make([]string, 0, len(ev.Candidates))
		for i, c := range ev.Candidates {
			if i == 3 {
				break
			}
			candidates = append(candidates, fmt.Sprintf("%s (conf=%s, source=%s, raw=%s)",
				formatEvidenceValue(r.field, c.Value), formatConfidence(&c.Confidence), c.Source, truncateText(c.Raw)))
		}
		candidateText := "None"
		if len(candidates) > 0 {
			candidateText = strings.Join(candidates, "; ")
		}

		logger.Info("Evidence",
			"panel_id", stored.ID,
			"asin", stored.ASIN,
			"field", r.field,
			"current", r.current,
			"proposed", r.proposed,
			"selected", selected,
			"conf", confidence,
			"source", source,
			"raw", raw,
			"candidates", candidateText)
	}
}
