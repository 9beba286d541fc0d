// Package reparse re-runs the parser over stored raw responses and
// reconciles the result with the stored panel. Protected fields are never
// updated; disagreements with them are reported as mismatches.
package reparse

import (
	"math"
	"sort"

	"github.com/maltedev/solar-panel-scraper/internal/models"
)

const (
	valueTolerance    = 0.01
	roundingTolerance = 0.05

	TagSwap     = "swap"
	TagRounding = "rounding"
)

// TargetFields are the stored columns reparse may update.
var TargetFields = []string{
	models.ColumnWattage,
	models.ColumnLengthCm,
	models.ColumnWidthCm,
	models.ColumnWeightKg,
	models.ColumnPieceCount,
	models.ColumnVoltage,
}

// flagFieldAliases maps an updated column to every flagged-field name a
// review flag may use for it.
var flagFieldAliases = map[string][]string{
	models.ColumnLengthCm:   {"length_cm", "width_cm", "dimensions"},
	models.ColumnWidthCm:    {"length_cm", "width_cm", "dimensions"},
	models.ColumnWeightKg:   {"weight_kg", "weight"},
	models.ColumnWattage:    {"wattage"},
	models.ColumnVoltage:    {"voltage"},
	models.ColumnPieceCount: {"piece_count"},
}

// missingFieldKeys maps a column to its missing_fields entry. Piece count
// and voltage are never tracked as missing.
var missingFieldKeys = map[string]string{
	models.ColumnWattage:  "wattage",
	models.ColumnWeightKg: "weight",
	models.ColumnLengthCm: "dimensions",
	models.ColumnWidthCm:  "dimensions",
}

// evidenceField maps a column to the extraction evidence entry behind it.
var evidenceField = map[string]models.Field{
	models.ColumnWattage:    models.FieldWattage,
	models.ColumnLengthCm:   models.FieldDimensions,
	models.ColumnWidthCm:    models.FieldDimensions,
	models.ColumnWeightKg:   models.FieldWeight,
	models.ColumnPieceCount: models.FieldPieceCount,
	models.ColumnVoltage:    models.FieldVoltage,
}

// FieldUpdate is one staged column change.
type FieldUpdate struct {
	Column string   `json:"column"`
	Old    *float64 `json:"old"`
	New    float64  `json:"new"`
	Tags   []string `json:"tags,omitempty"`
}

// Mismatch reports new evidence that disagrees with a protected field.
type Mismatch struct {
	Field      string   `json:"field"`
	Current    *float64 `json:"current"`
	Proposed   float64  `json:"proposed"`
	Confidence *float64 `json:"confidence"`
	Source     string   `json:"source"`
	Raw        string   `json:"raw"`
	Tags       []string `json:"tags"`
}

// OverrideResult is the outcome of comparing a protected field.
type OverrideResult string

const (
	OverrideConfirmed OverrideResult = "confirmed"
	OverrideUnparsed  OverrideResult = "unparsed"
	OverrideMismatch  OverrideResult = "mismatch"
)

// Plan is the reconciliation of one stored panel with a fresh parse.
type Plan struct {
	PanelID string `json:"panel_id"`
	ASIN    string `json:"asin"`

	Updates []FieldUpdate `json:"updates"`

	// MissingFields is the new missing_fields list; only meaningful when
	// MissingChanged is set.
	MissingFields  []string `json:"missing_fields,omitempty"`
	MissingChanged bool     `json:"missing_changed"`

	Overrides  map[string]OverrideResult `json:"overrides,omitempty"`
	Mismatches []Mismatch                `json:"mismatches,omitempty"`

	// FlagClearFields are the flagged-field names a pending review flag
	// may be resolved for once the updates are written.
	FlagClearFields []string `json:"flag_clear_fields,omitempty"`
}

// HasChanges reports whether applying the plan writes anything.
func (p *Plan) HasChanges() bool {
	return len(p.Updates) > 0 || p.MissingChanged
}

// Update returns the staged update for a column.
func (p *Plan) Update(column string) (FieldUpdate, bool) {
	for _, u := range p.Updates {
		if u.Column == column {
			return u, true
		}
	}
	return FieldUpdate{}, false
}

// Columns returns the column values to write, with integer columns as int
// and missing_fields included when it changed.
func (p *Plan) Columns() map[string]any {
	cols := make(map[string]any, len(p.Updates)+1)
	for _, u := range p.Updates {
		switch u.Column {
		case models.ColumnWattage, models.ColumnPieceCount:
			cols[u.Column] = int(math.Round(u.New))
		default:
			cols[u.Column] = u.New
		}
	}
	if p.MissingChanged {
		cols["missing_fields"] = p.MissingFields
	}
	return cols
}

// Reconcile compares a fresh parse against the stored panel. It is pure:
// the stored panel is not modified and nothing is written.
//
// Protected fields (manual or user-verified overrides) are only compared.
// Unprotected fields are staged when the parsed value differs by more than
// 0.01. Length and width are staged together and only when neither is
// protected.
func Reconcile(stored *models.StoredPanel, parsed *models.Panel) *Plan {
	plan := &Plan{
		PanelID:   stored.ID,
		ASIN:      stored.ASIN,
		Overrides: make(map[string]OverrideResult),
	}
	protected := stored.ProtectedFields()
	removeMissing := make(map[string]bool)

	for _, column := range TargetFields {
		if protected[column] {
			plan.checkOverride(column, stored.Column(column), parsed)
		}
	}

	for _, column := range []string{models.ColumnWattage, models.ColumnWeightKg} {
		newValue := parsed.Column(column)
		if newValue == nil || protected[column] {
			continue
		}
		if !valuesEqual(stored.Column(column), newValue) {
			plan.Updates = append(plan.Updates, FieldUpdate{Column: column, Old: stored.Column(column), New: *newValue})
			removeMissing[missingFieldKeys[column]] = true
		}
	}

	newLength, newWidth := parsed.LengthCm, parsed.WidthCm
	if newLength != nil && newWidth != nil && !protected[models.ColumnLengthCm] && !protected[models.ColumnWidthCm] {
		if !valuesEqual(stored.LengthCm, newLength) || !valuesEqual(stored.WidthCm, newWidth) {
			swap := isDimensionSwap(stored.LengthCm, stored.WidthCm, newLength, newWidth)
			lengthUpdate := FieldUpdate{Column: models.ColumnLengthCm, Old: stored.LengthCm, New: *newLength}
			widthUpdate := FieldUpdate{Column: models.ColumnWidthCm, Old: stored.WidthCm, New: *newWidth}
			if swap {
				lengthUpdate.Tags = append(lengthUpdate.Tags, TagSwap)
			}
			if isMinorRounding(stored.LengthCm, newLength) {
				lengthUpdate.Tags = append(lengthUpdate.Tags, TagRounding)
			}
			if isMinorRounding(stored.WidthCm, newWidth) {
				widthUpdate.Tags = append(widthUpdate.Tags, TagRounding)
			}
			plan.Updates = append(plan.Updates, lengthUpdate, widthUpdate)
			removeMissing[missingFieldKeys[models.ColumnLengthCm]] = true
		}
	}

	for _, column := range []string{models.ColumnPieceCount, models.ColumnVoltage} {
		newValue := parsed.Column(column)
		if newValue == nil || protected[column] {
			continue
		}
		if !valuesEqual(stored.Column(column), newValue) {
			plan.Updates = append(plan.Updates, FieldUpdate{Column: column, Old: stored.Column(column), New: *newValue})
		}
	}

	sortUpdates(plan.Updates)

	if len(plan.Mismatches) > 0 && newLength != nil && newWidth != nil &&
		isDimensionSwap(stored.LengthCm, stored.WidthCm, newLength, newWidth) {
		for i := range plan.Mismatches {
			if isDimensionColumn(plan.Mismatches[i].Field) && !contains(plan.Mismatches[i].Tags, TagSwap) {
				plan.Mismatches[i].Tags = append(plan.Mismatches[i].Tags, TagSwap)
			}
		}
	}

	if updated, changed := updateMissingFields(stored.MissingFields, removeMissing); changed {
		plan.MissingFields = updated
		plan.MissingChanged = true
	}

	plan.FlagClearFields = flagClearFields(plan.Updates)
	return plan
}

func (p *Plan) checkOverride(column string, current *float64, parsed *models.Panel) {
	newValue := parsed.Column(column)
	switch {
	case newValue == nil:
		p.Overrides[column] = OverrideUnparsed
	case valuesEqual(current, newValue):
		p.Overrides[column] = OverrideConfirmed
	default:
		p.Overrides[column] = OverrideMismatch
		m := Mismatch{
			Field:    column,
			Current:  current,
			Proposed: *newValue,
			Tags:     []string{},
		}
		if ev, ok := parsed.ExtractionEvidence[evidenceField[column]]; ok && ev.Selected != nil {
			confidence := ev.Selected.Confidence
			m.Confidence = &confidence
			m.Source = ev.Selected.Source
			m.Raw = ev.Selected.Raw
		}
		if isDimensionColumn(column) && isMinorRounding(current, newValue) {
			m.Tags = append(m.Tags, TagRounding)
		}
		p.Mismatches = append(p.Mismatches, m)
	}
}

func sortUpdates(updates []FieldUpdate) {
	order := make(map[string]int, len(TargetFields))
	for i, f := range TargetFields {
		order[f] = i
	}
	sort.SliceStable(updates, func(i, j int) bool {
		return order[updates[i].Column] < order[updates[j].Column]
	})
}

func valuesEqual(old, new *float64) bool {
	if old == nil && new == nil {
		return true
	}
	if old == nil || new == nil {
		return false
	}
	return math.Abs(*old-*new) <= valueTolerance
}

// isMinorRounding reports a change of more than zero and at most 0.05.
func isMinorRounding(old, new *float64) bool {
	if old == nil || new == nil {
		return false
	}
	diff := math.Abs(*old - *new)
	return diff > 0 && diff <= roundingTolerance
}

// isDimensionSwap reports whether the new pair is the old pair with length
// and width exchanged.
func isDimensionSwap(oldLength, oldWidth, newLength, newWidth *float64) bool {
	if oldLength == nil || oldWidth == nil || newLength == nil || newWidth == nil {
		return false
	}
	return math.Abs(*oldLength-*newWidth) <= valueTolerance &&
		math.Abs(*oldWidth-*newLength) <= valueTolerance
}

func isDimensionColumn(column string) bool {
	return column == models.ColumnLengthCm || column == models.ColumnWidthCm
}

// updateMissingFields drops the given keys. changed is false when nothing
// was removed.
func updateMissingFields(current []string, remove map[string]bool) ([]string, bool) {
	if len(remove) == 0 {
		return nil, false
	}
	updated := make([]string, 0, len(current))
	for _, f := range current {
		if !remove[f] {
			updated = append(updated, f)
		}
	}
	if len(updated) == len(current) {
		return nil, false
	}
	return updated, true
}

func flagClearFields(updates []FieldUpdate) []string {
	set := make(map[string]bool)
	for _, u := range updates {
		aliases, ok := flagFieldAliases[u.Column]
		if !ok {
			aliases = []string{u.Column}
		}
		for _, a := range aliases {
			set[a] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
