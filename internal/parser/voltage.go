package parser

import (
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/units"
)

// Voltage tiers. Typical panel voltages are the most likely to describe
// the panel itself; large values usually describe a system rating.
const (
	typicalVoltageBonus    = 0.85
	reasonableVoltageBonus = 0.7
	systemVoltageBonus     = 0.4
	voltageBaseOffset      = 0.5
	textVoltageCap         = 0.9

	patternTypicalVoltage    = "typical_voltage"
	patternReasonableVoltage = "reasonable_voltage"
	patternSystemVoltage     = "system_voltage"
)

var (
	typicalPanelVoltages = map[float64]bool{6: true, 12: true, 18: true, 24: true, 36: true, 48: true, 60: true}
	voltageNumberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

type voltageChoice struct {
	value   float64
	bonus   float64
	pattern string
}

// chooseVoltage picks the first value that rounds to a typical panel
// voltage, else the lowest value in 1..200, else the lowest value.
func chooseVoltage(values []float64) (voltageChoice, bool) {
	if len(values) == 0 {
		return voltageChoice{}, false
	}
	for _, v := range values {
		if typicalPanelVoltages[math.RoundToEven(v)] {
			return voltageChoice{value: units.Round2(v), bonus: typicalVoltageBonus, pattern: patternTypicalVoltage}, true
		}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	for _, v := range sorted {
		if v >= 1 && v <= 200 {
			return voltageChoice{value: units.Round2(v), bonus: reasonableVoltageBonus, pattern: patternReasonableVoltage}, true
		}
	}
	return voltageChoice{value: units.Round2(sorted[0]), bonus: systemVoltageBonus, pattern: patternSystemVoltage}, true
}

func voltageNumbers(text string) []float64 {
	var values []float64
	for _, s := range voltageNumberPattern.FindAllString(text, -1) {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			values = append(values, v)
		}
	}
	return values
}

// ExtractVoltage classifies every number near a voltage key, in the title
// and in the joined feature bullets.
func (e *SpecExtractor) ExtractVoltage() []models.Candidate {
	var candidates []models.Candidate

	for _, m := range e.findSpecs(voltageKeys) {
		choice, ok := chooseVoltage(voltageNumbers(m.value))
		if !ok {
			continue
		}
		candidates = append(candidates, models.Candidate{
			Field:      models.FieldVoltage,
			Value:      models.Scalar(choice.value),
			Confidence: math.Min(maxConfidence, m.confidence+choice.bonus-voltageBaseOffset),
			Source:     m.source(),
			Raw:        m.value,
			Meta:       models.CandidateMeta{Pattern: choice.pattern},
		})
	}

	texts := []struct {
		text       string
		source     string
		confidence float64
	}{
		{e.title, sourceTitle, 0.5},
		{e.joinedFeatures(), sourceFeatures, 0.45},
	}
	for _, t := range texts {
		if t.text == "" {
			continue
		}
		choice, ok := chooseVoltage(voltageNumbers(t.text))
		if !ok {
			continue
		}
		candidates = append(candidates, models.Candidate{
			Field:      models.FieldVoltage,
			Value:      models.Scalar(choice.value),
			Confidence: math.Min(textVoltageCap, t.confidence+choice.bonus-voltageBaseOffset),
			Source:     t.source,
			Raw:        t.text,
			Meta:       models.CandidateMeta{Pattern: choice.pattern},
		})
	}

	boostConsensus(candidates, consensusTolerance)
	return candidates
}
