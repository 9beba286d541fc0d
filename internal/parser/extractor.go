package parser

import (
	"strings"

	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/units"
)

// Candidate sources outside the spec table.
const (
	sourceSpecPrefix    = "product_information."
	sourceFeatures      = "feature_bullets"
	sourceTitle         = "title"
	sourceDescription   = "description"
	sourceMathConfirmed = "math_confirmed."
)

// consensusTolerance is the absolute difference under which two candidate
// values count as agreeing.
const consensusTolerance = 0.01

// keyWeight maps a lower-cased spec-table key substring to a base
// confidence. Tables are ordered most specific first; the first substring
// that matches a key wins. So "Package Weight" scores 0.6 rather than
// falling through to "weight" at 0.7, and "Package Quantity" scores 0.75
// rather than "pack" at 0.6.
type keyWeight struct {
	pattern    string
	confidence float64
}

var (
	wattageKeys = []keyWeight{
		{"maximum power output", 0.9},
		{"maximum power", 0.9},
		{"rated power", 0.85},
		{"wattage", 0.85},
		{"output power", 0.8},
		{"power", 0.7},
	}

	dimensionKeys = []keyWeight{
		{"product dimensions", 0.9},
		{"item dimensions l x w x h", 0.85},
		{"item dimensions", 0.85},
		{"package dimensions", 0.6},
		{"dimensions", 0.7},
	}

	weightKeys = []keyWeight{
		{"item weight", 0.9},
		{"package weight", 0.6},
		{"weight", 0.7},
	}

	pieceKeys = []keyWeight{
		{"item package quantity", 0.9},
		{"number of pieces", 0.9},
		{"number of items", 0.85},
		{"piece count", 0.85},
		{"package quantity", 0.75},
		{"pieces", 0.7},
		{"pack", 0.6},
	}

	voltageKeys = []keyWeight{
		{"output voltage", 0.9},
		{"operating voltage", 0.85},
		{"rated voltage", 0.85},
		{"maximum voltage", 0.8},
		{"max voltage", 0.8},
		{"voltage", 0.7},
	}
)

type specMatch struct {
	key        string
	value      string
	confidence float64
}

func (m specMatch) source() string {
	return sourceSpecPrefix + m.key
}

// SpecExtractor produces candidates for each spec field from one listing.
// It holds whitespace-normalized copies of every text source and never
// mutates them after construction.
type SpecExtractor struct {
	asin        string
	title       string
	features    []string
	description string
	specs       models.SpecTable
}

func NewSpecExtractor(listing *models.RawListing) *SpecExtractor {
	e := &SpecExtractor{
		asin:        listing.ASIN,
		title:       normalizeText(listing.Name),
		description: normalizeText(listing.Description),
	}
	if e.asin == "" {
		e.asin, _ = listing.SpecTable.Get("ASIN")
	}
	for _, f := range listing.FeatureBullets {
		if text := normalizeText(f); text != "" {
			e.features = append(e.features, text)
		}
	}
	for _, entry := range listing.SpecTable {
		e.specs = append(e.specs, models.SpecEntry{Key: entry.Key, Value: normalizeText(entry.Value)})
	}
	return e
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (e *SpecExtractor) findSpecs(keys []keyWeight) []specMatch {
	var matches []specMatch
	for _, entry := range e.specs {
		if entry.Value == "" {
			continue
		}
		keyLower := strings.ToLower(entry.Key)
		for _, kw := range keys {
			if strings.Contains(keyLower, kw.pattern) {
				matches = append(matches, specMatch{key: entry.Key, value: entry.Value, confidence: kw.confidence})
				break
			}
		}
	}
	return matches
}

func (e *SpecExtractor) joinedFeatures() string {
	return strings.Join(e.features, " ")
}

func (e *SpecExtractor) logContext() string {
	if e.asin == "" {
		return ""
	}
	return "ASIN " + e.asin
}

// ExtractDimensions reads dimension spec keys first, then falls back to
// the title and description at low confidence.
func (e *SpecExtractor) ExtractDimensions() []models.Candidate {
	var candidates []models.Candidate
	for _, m := range e.findSpecs(dimensionKeys) {
		if dims, ok := units.ParseDimensionString(m.value); ok {
			candidates = append(candidates, models.Candidate{
				Field:      models.FieldDimensions,
				Value:      models.Pair(dims),
				Confidence: m.confidence,
				Source:     m.source(),
				Raw:        m.value,
			})
		}
	}

	fallbacks := []struct {
		text       string
		source     string
		confidence float64
	}{
		{e.title, sourceTitle, 0.45},
		{e.description, sourceDescription, 0.35},
	}
	for _, fb := range fallbacks {
		if fb.text == "" {
			continue
		}
		if dims, ok := units.ParseDimensionString(fb.text); ok {
			candidates = append(candidates, models.Candidate{
				Field:      models.FieldDimensions,
				Value:      models.Pair(dims),
				Confidence: fb.confidence,
				Source:     fb.source,
				Raw:        fb.text,
			})
		}
	}

	boostConsensus(candidates, consensusTolerance)
	return candidates
}

// ExtractWeight only trusts the spec table.
func (e *SpecExtractor) ExtractWeight() []models.Candidate {
	var candidates []models.Candidate
	for _, m := range e.findSpecs(weightKeys) {
		if kg, ok := units.ParseWeightString(m.value); ok && kg != 0 {
			candidates = append(candidates, models.Candidate{
				Field:      models.FieldWeight,
				Value:      models.Scalar(kg),
				Confidence: m.confidence,
				Source:     m.source(),
				Raw:        m.value,
			})
		}
	}

	boostConsensus(candidates, consensusTolerance)
	return candidates
}

// Evidence holds every candidate list produced for one listing.
type Evidence struct {
	Wattage    []models.Candidate
	Dimensions []models.Candidate
	Weight     []models.Candidate
	PieceCount []models.Candidate
	Voltage    []models.Candidate
}

// ExtractAll runs every extractor. Piece count candidates include the
// math-confirmed ones derived from wattage.
func (e *SpecExtractor) ExtractAll() Evidence {
	wattage := e.ExtractWattage()
	ev := Evidence{
		Wattage:    wattage,
		Dimensions: e.ExtractDimensions(),
		Weight:     e.ExtractWeight(),
		Voltage:    e.ExtractVoltage(),
		PieceCount: e.ExtractPieceCount(wattage),
	}
	ev.PieceCount = append(ev.PieceCount, MathConfirmedPieceCount(wattage)...)
	return ev
}
