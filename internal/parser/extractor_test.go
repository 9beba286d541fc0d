package parser

import (
	"testing"

	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWattageCandidates(t *testing.T) {
	e := NewSpecExtractor(&models.RawListing{ASIN: "B000TEST01"})

	tests := []struct {
		name       string
		text       string
		values     []int
		pieceCount int
		pattern    string
	}{
		{name: "simple watts", text: "100 Watts", values: []int{100}},
		{name: "count x wattage", text: "2 x 100W", values: []int{100, 100}, pieceCount: 2, pattern: patternCountXWattage},
		{name: "unicode times", text: "4×50W panels", values: []int{50, 50}, pieceCount: 4, pattern: patternCountXWattage},
		{name: "wattage x count", text: "100W x 2 pcs", values: []int{100, 100}, pieceCount: 2, pattern: patternWattageXCount},
		{name: "count pcs wattage", text: "2PCS 100W", values: []int{100, 100}, pieceCount: 2, pattern: patternCountPcsWattage},
		{name: "kilowatt", text: "1.2kW array", values: []int{1200}},
		{name: "inverter nearby", text: "includes 1000W inverter", values: nil},
		{name: "battery capacity nearby", text: "100W panel and 1280Wh battery", values: nil},
		{name: "noise far away", text: "100W monocrystalline panel, high efficiency cells, sold without any inverter", values: []int{100}},
		{name: "zero watts skipped", text: "0W standby", values: nil},
		{name: "no wattage", text: "Monocrystalline", values: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidates := e.wattageCandidates(tt.text, sourceFeatures, 0.75)

			var values []int
			for _, c := range candidates {
				assert.Equal(t, models.FieldWattage, c.Field)
				assert.Equal(t, sourceFeatures, c.Source)
				values = append(values, c.Value.Int())
			}
			assert.Equal(t, tt.values, values)

			if tt.pieceCount > 0 {
				require.NotEmpty(t, candidates)
				assert.Equal(t, tt.pieceCount, candidates[0].Meta.PieceCount)
				assert.Equal(t, tt.pattern, candidates[0].Meta.Pattern)
				assert.InDelta(t, 0.85, candidates[0].Confidence, 1e-9)
			}
		})
	}
}

func TestNoisyMultiPatternAbortsFragment(t *testing.T) {
	e := NewSpecExtractor(&models.RawListing{})
	candidates := e.wattageCandidates("2 x 100W with 20A charge controller. Also 50W spare", sourceTitle, 0.6)
	assert.Empty(t, candidates)
}

func TestExtractWattageSourcesAndConsensus(t *testing.T) {
	listing := &models.RawListing{
		Name:           "100W Solar Panel",
		FeatureBullets: []string{"Rated at 100 watts"},
		Description:    "A 100W panel",
		SpecTable: models.SpecTable{
			{Key: "Maximum Power", Value: "100 Watts"},
			{Key: "Color", Value: "Black"},
		},
	}

	candidates := NewSpecExtractor(listing).ExtractWattage()
	require.Len(t, candidates, 4)

	// four agreeing sources earn the maximum bonus
	expected := map[string]float64{
		"product_information.Maximum Power": 0.99,
		sourceFeatures:                      0.9,
		sourceTitle:                         0.75,
		sourceDescription:                   0.6,
	}
	for _, c := range candidates {
		assert.InDelta(t, expected[c.Source], c.Confidence, 1e-9, c.Source)
	}
}

func TestBoostConsensusMonotonic(t *testing.T) {
	base := models.Candidate{Field: models.FieldWattage, Value: models.Count(100), Confidence: 0.6, Source: "title"}

	single := []models.Candidate{base}
	boostConsensus(single, consensusTolerance)
	assert.Equal(t, 0.6, single[0].Confidence)

	pair := []models.Candidate{base, {Field: models.FieldWattage, Value: models.Count(100), Confidence: 0.9, Source: "feature_bullets"}}
	boostConsensus(pair, consensusTolerance)
	assert.InDelta(t, 0.65, pair[0].Confidence, 1e-9)
	assert.InDelta(t, 0.95, pair[1].Confidence, 1e-9)

	capped := []models.Candidate{
		{Value: models.Count(100), Confidence: 0.97},
		{Value: models.Count(100), Confidence: 0.5},
		{Value: models.Count(200), Confidence: 0.5},
	}
	boostConsensus(capped, consensusTolerance)
	assert.Equal(t, 0.99, capped[0].Confidence)
	assert.InDelta(t, 0.55, capped[1].Confidence, 1e-9)
	assert.Equal(t, 0.5, capped[2].Confidence)

	many := make([]models.Candidate, 6)
	for i := range many {
		many[i] = models.Candidate{Value: models.Count(50), Confidence: 0.5}
	}
	boostConsensus(many, consensusTolerance)
	for _, c := range many {
		assert.InDelta(t, 0.65, c.Confidence, 1e-9)
	}
}

func TestBoostConsensusDimensions(t *testing.T) {
	candidates := []models.Candidate{
		{Value: models.Pair(units.Dimensions{LengthCm: 116, WidthCm: 44.98}), Confidence: 0.9},
		{Value: models.Pair(units.Dimensions{LengthCm: 116.005, WidthCm: 44.98}), Confidence: 0.45},
		{Value: models.Pair(units.Dimensions{LengthCm: 116, WidthCm: 50}), Confidence: 0.35},
	}
	boostConsensus(candidates, consensusTolerance)
	assert.InDelta(t, 0.95, candidates[0].Confidence, 1e-9)
	assert.InDelta(t, 0.5, candidates[1].Confidence, 1e-9)
	assert.Equal(t, 0.35, candidates[2].Confidence)
}

func TestMathConfirmedPieceCount(t *testing.T) {
	wattage := []models.Candidate{
		{Field: models.FieldWattage, Value: models.Count(100), Confidence: 0.7, Source: "feature_bullets", Raw: "2 x 100W",
			Meta: models.CandidateMeta{PieceCount: 2, Pattern: patternCountXWattage}},
		{Field: models.FieldWattage, Value: models.Count(200), Confidence: 0.75, Source: "feature_bullets", Raw: "200W"},
		{Field: models.FieldWattage, Value: models.Count(200), Confidence: 0.9, Source: "title", Raw: "200W"},
	}

	confirmed := MathConfirmedPieceCount(wattage)
	require.Len(t, confirmed, 1)

	c := confirmed[0]
	assert.Equal(t, models.FieldPieceCount, c.Field)
	assert.Equal(t, 2, c.Value.Int())
	assert.Equal(t, "math_confirmed.feature_bullets", c.Source)
	assert.InDelta(t, 0.95, c.Confidence, 1e-9)
	assert.Equal(t, 100, c.Meta.PerPanelWattage)
	assert.Equal(t, 200, c.Meta.TotalWattage)
	assert.Equal(t, patternCountXWattageMath, c.Meta.Pattern)
	assert.GreaterOrEqual(t, c.Confidence, wattage[0].Confidence)
	assert.GreaterOrEqual(t, c.Confidence, wattage[1].Confidence)
}

func TestMathConfirmedPieceCountTolerance(t *testing.T) {
	wattage := []models.Candidate{
		{Value: models.Count(100), Confidence: 0.7, Source: "product_information.Maximum Power",
			Meta: models.CandidateMeta{PieceCount: 4}},
		{Value: models.Count(401), Confidence: 0.9, Source: "product_information.Wattage"},
		{Value: models.Count(398), Confidence: 0.9, Source: "product_information.Power"},
	}

	confirmed := MathConfirmedPieceCount(wattage)
	require.Len(t, confirmed, 1)
	assert.Equal(t, 4, confirmed[0].Value.Int())
	assert.Equal(t, 401, confirmed[0].Meta.TotalWattage)
	assert.InDelta(t, 0.99, confirmed[0].Confidence, 1e-9)

	assert.Empty(t, MathConfirmedPieceCount(wattage[:1]))
}

func TestExtractPieceCount(t *testing.T) {
	listing := &models.RawListing{
		Name:           "Solar Panel 2 Pack",
		FeatureBullets: []string{"Set of 2 bifacial panels"},
		SpecTable: models.SpecTable{
			{Key: "Item Package Quantity", Value: "2"},
			{Key: "Package Quantity", Value: "2 units"},
		},
	}

	candidates := NewSpecExtractor(listing).ExtractPieceCount(nil)
	bySource := make(map[string]models.Candidate)
	for _, c := range candidates {
		assert.Equal(t, 2, c.Value.Int())
		bySource[c.Source] = c
	}

	require.Contains(t, bySource, "product_information.Item Package Quantity")
	require.Contains(t, bySource, "product_information.Package Quantity")
	require.Contains(t, bySource, sourceTitle)
	require.Contains(t, bySource, sourceFeatures)

	assert.InDelta(t, 0.99, bySource["product_information.Item Package Quantity"].Confidence, 1e-9)
	assert.InDelta(t, 0.9, bySource["product_information.Package Quantity"].Confidence, 1e-9)
	assert.InDelta(t, 0.7, bySource[sourceTitle].Confidence, 1e-9)
}

func TestFindSpecsKeyPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		keys       []keyWeight
		confidence float64
	}{
		{"item weight", "Item Weight", weightKeys, 0.9},
		{"package weight before weight", "Package Weight", weightKeys, 0.6},
		{"plain weight", "Weight", weightKeys, 0.7},
		{"item package quantity", "Item Package Quantity", pieceKeys, 0.9},
		{"package quantity before pack", "Package Quantity", pieceKeys, 0.75},
		{"plain pack", "Pack Size", pieceKeys, 0.6},
		{"package dimensions before dimensions", "Package Dimensions", dimensionKeys, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewSpecExtractor(&models.RawListing{
				SpecTable: models.SpecTable{{Key: tt.key, Value: "2"}},
			})

			matches := e.findSpecs(tt.keys)
			require.Len(t, matches, 1)
			assert.InDelta(t, tt.confidence, matches[0].confidence, 1e-9)
		})
	}
}

func TestChooseVoltage(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		value   float64
		pattern string
		ok      bool
	}{
		{name: "typical after non typical", values: []float64{100, 12}, value: 12, pattern: patternTypicalVoltage, ok: true},
		{name: "rounds to typical", values: []float64{17.6}, value: 17.6, pattern: patternTypicalVoltage, ok: true},
		{name: "lowest reasonable", values: []float64{150, 5}, value: 5, pattern: patternReasonableVoltage, ok: true},
		{name: "system voltage", values: []float64{1500, 600}, value: 600, pattern: patternSystemVoltage, ok: true},
		{name: "nothing", values: nil, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			choice, ok := chooseVoltage(tt.values)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.value, choice.value)
			assert.Equal(t, tt.pattern, choice.pattern)
		})
	}
}

func TestExtractVoltage(t *testing.T) {
	listing := &models.RawListing{
		Name: "200W 24V Solar Panel",
		SpecTable: models.SpecTable{
			{Key: "Maximum System Voltage", Value: "1000 Volts"},
		},
	}

	candidates := NewSpecExtractor(listing).ExtractVoltage()
	require.Len(t, candidates, 2)

	system := candidates[0]
	assert.Equal(t, 1000.0, system.Value.Number)
	assert.Equal(t, patternSystemVoltage, system.Meta.Pattern)
	assert.InDelta(t, 0.6, system.Confidence, 1e-9)

	title := candidates[1]
	assert.Equal(t, 24.0, title.Value.Number)
	assert.InDelta(t, 0.85, title.Confidence, 1e-9)

	sel := selectField(voltageRule, candidates)
	require.NotNil(t, sel.value)
	assert.Equal(t, 24.0, sel.value.Number)
}

func TestSelectField(t *testing.T) {
	t.Run("out of range candidates stay in evidence", func(t *testing.T) {
		candidates := []models.Candidate{
			{Field: models.FieldDimensions, Value: models.Pair(units.Dimensions{LengthCm: 500, WidthCm: 100}), Confidence: 0.9, Source: "title"},
		}
		sel := selectField(dimensionsRule, candidates)
		assert.Nil(t, sel.value)
		assert.Nil(t, sel.evidence.Selected)
		assert.Len(t, sel.evidence.Candidates, 1)
		assert.Equal(t, "dimensions", sel.missing)
		assert.Equal(t, "No dimensions candidates", sel.failure)
	})

	t.Run("low confidence", func(t *testing.T) {
		candidates := []models.Candidate{
			{Field: models.FieldWeight, Value: models.Scalar(8.5), Confidence: 0.6, Source: "product_information.Package Weight"},
		}
		sel := selectField(weightRule, candidates)
		assert.Nil(t, sel.value)
		require.NotNil(t, sel.evidence.Selected)
		assert.Equal(t, "weight", sel.missing)
		assert.Equal(t, "Low confidence weight (0.60) from product_information.Package Weight", sel.failure)
	})

	t.Run("untracked field", func(t *testing.T) {
		sel := selectField(pieceCountRule, nil)
		assert.Nil(t, sel.value)
		assert.Empty(t, sel.missing)
		assert.Empty(t, sel.failure)
		assert.Empty(t, sel.evidence.Candidates)
	})

	t.Run("ties broken by source", func(t *testing.T) {
		candidates := []models.Candidate{
			{Value: models.Count(120), Confidence: 0.75, Source: "title"},
			{Value: models.Count(100), Confidence: 0.75, Source: "feature_bullets"},
			{Value: models.Count(3), Confidence: 0.95, Source: "description"},
			{Value: models.Count(90), Confidence: 0.5, Source: "description"},
		}
		sel := selectField(wattageRule, candidates)
		require.NotNil(t, sel.value)
		assert.Equal(t, 100, sel.value.Int())
		require.Len(t, sel.evidence.Candidates, 3)
		assert.Equal(t, "description", sel.evidence.Candidates[0].Source)
		assert.Equal(t, "feature_bullets", sel.evidence.Candidates[1].Source)
		assert.Equal(t, "title", sel.evidence.Candidates[2].Source)
	})
}
