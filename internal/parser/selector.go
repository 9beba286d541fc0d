package parser

import (
	"fmt"
	"sort"

	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/units"
)

// evidenceLimit is how many top candidates are kept per field for audit.
const evidenceLimit = 3

// Validator reports whether a value is physically plausible for a field.
type Validator func(models.Value) bool

func validDimensions(v models.Value) bool {
	if !v.IsPair() {
		return false
	}
	l, w := v.Pair.LengthCm, v.Pair.WidthCm
	return l > 0 && w > 0 && l >= w && l <= 400 && w <= 400
}

func validWeight(v models.Value) bool {
	return !v.IsPair() && v.Number >= 0.1 && v.Number <= 100
}

func validWattage(v models.Value) bool {
	return v.IsWhole() && v.Number >= 5 && v.Number <= units.MaxPanelWattage
}

func validPieceCount(v models.Value) bool {
	return v.IsWhole() && v.Number >= 1 && v.Number <= 50
}

func validVoltage(v models.Value) bool {
	return !v.IsPair() && v.Number >= 1 && v.Number <= 200
}

// fieldRule configures selection for one field. Untracked fields never
// add to missing_fields or parsing_failures.
type fieldRule struct {
	field      models.Field
	threshold  float64
	validate   Validator
	missingKey string
	tracked    bool
}

var (
	wattageRule    = fieldRule{models.FieldWattage, 0.6, validWattage, "wattage", true}
	dimensionsRule = fieldRule{models.FieldDimensions, 0.6, validDimensions, "dimensions", true}
	weightRule     = fieldRule{models.FieldWeight, 0.65, validWeight, "weight", true}
	pieceCountRule = fieldRule{models.FieldPieceCount, 0.6, validPieceCount, "", false}
	voltageRule    = fieldRule{models.FieldVoltage, 0.55, validVoltage, "", false}
)

// selection is the outcome for one field.
type selection struct {
	value    *models.Value
	evidence models.FieldEvidence
	missing  string
	failure  string
}

// sortCandidates orders by confidence descending, then source ascending.
func sortCandidates(candidates []models.Candidate) []models.Candidate {
	sorted := append([]models.Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Source < sorted[j].Source
	})
	return sorted
}

// selectField picks the highest-ranked candidate that passes validation.
// A winner below the threshold is rejected. Evidence is recorded either way.
func selectField(rule fieldRule, candidates []models.Candidate) selection {
	sorted := sortCandidates(candidates)

	top := sorted
	if len(top) > evidenceLimit {
		top = top[:evidenceLimit]
	}
	out := selection{evidence: models.FieldEvidence{Candidates: append([]models.Candidate{}, top...)}}

	var best *models.Candidate
	for i := range sorted {
		if rule.validate != nil && !rule.validate(sorted[i].Value) {
			continue
		}
		best = &sorted[i]
		break
	}

	if best != nil {
		selected := *best
		out.evidence.Selected = &selected
	}

	switch {
	case best == nil:
		if rule.tracked {
			out.missing = rule.missingKey
			out.failure = fmt.Sprintf("No %s candidates", rule.field)
		}
	case best.Confidence < rule.threshold:
		if rule.tracked {
			out.missing = rule.missingKey
			out.failure = fmt.Sprintf("Low confidence %s (%.2f) from %s", rule.field, best.Confidence, best.Source)
		}
	default:
		value := best.Value
		out.value = &value
	}

	return out
}
