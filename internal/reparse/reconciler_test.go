package reparse

import (
	"testing"

	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsedPanel() *models.Panel {
	p := models.NewPanel("B0C99GS958", "Bifacial 100 Watt Solar Panel", "FivstaSola")
	p.Wattage = models.Int(100)
	p.LengthCm = models.Float(116.0)
	p.WidthCm = models.Float(44.98)
	p.WeightKg = models.Float(7.2)
	p.Voltage = models.Float(12)

	wattage := models.Candidate{
		Field:      models.FieldWattage,
		Value:      models.Scalar(100),
		Confidence: 0.99,
		Source:     "product_information.Maximum Power",
		Raw:        "100 Watts",
	}
	dims := models.Candidate{
		Field:      models.FieldDimensions,
		Value:      models.Pair(units.Dimensions{LengthCm: 116.0, WidthCm: 44.98}),
		Confidence: 0.9,
		Source:     "product_information.Product Dimensions",
		Raw:        `45.67"L x 17.71"W x 1.18"H`,
	}
	p.ExtractionEvidence[models.FieldWattage] = models.FieldEvidence{Selected: &wattage, Candidates: []models.Candidate{wattage}}
	p.ExtractionEvidence[models.FieldDimensions] = models.FieldEvidence{Selected: &dims, Candidates: []models.Candidate{dims}}
	return p
}

func storedPanel() *models.StoredPanel {
	return &models.StoredPanel{
		ID:            "panel-1",
		ASIN:          "B0C99GS958",
		Wattage:       models.Int(100),
		LengthCm:      models.Float(116.0),
		WidthCm:       models.Float(44.98),
		WeightKg:      models.Float(7.2),
		Voltage:       models.Float(12),
		MissingFields: []string{},
	}
}

func TestReconcileNoChanges(t *testing.T) {
	plan := Reconcile(storedPanel(), parsedPanel())

	assert.False(t, plan.HasChanges())
	assert.Empty(t, plan.Updates)
	assert.Empty(t, plan.Mismatches)
	assert.Empty(t, plan.FlagClearFields)
}

func TestReconcileUnprotectedUpdates(t *testing.T) {
	stored := storedPanel()
	stored.Wattage = nil
	stored.WeightKg = models.Float(6.5)
	stored.MissingFields = []string{"wattage", "price"}

	plan := Reconcile(stored, parsedPanel())

	require.Len(t, plan.Updates, 2)
	assert.Equal(t, models.ColumnWattage, plan.Updates[0].Column)
	assert.Nil(t, plan.Updates[0].Old)
	assert.Equal(t, 100.0, plan.Updates[0].New)
	assert.Equal(t, models.ColumnWeightKg, plan.Updates[1].Column)

	assert.True(t, plan.MissingChanged)
	assert.Equal(t, []string{"price"}, plan.MissingFields)
	assert.Equal(t, []string{"wattage", "weight", "weight_kg"}, plan.FlagClearFields)

	cols := plan.Columns()
	assert.Equal(t, 100, cols["wattage"])
	assert.Equal(t, 7.2, cols["weight_kg"])
	assert.Equal(t, []string{"price"}, cols["missing_fields"])
}

func TestReconcileWithinTolerance(t *testing.T) {
	stored := storedPanel()
	stored.LengthCm = models.Float(116.005)
	stored.WeightKg = models.Float(7.195)

	plan := Reconcile(stored, parsedPanel())
	assert.False(t, plan.HasChanges())
}

func TestReconcileProtectedFieldIsNeverUpdated(t *testing.T) {
	stored := storedPanel()
	stored.Wattage = models.Int(90)
	stored.ManualOverrides = []string{"wattage"}
	stored.MissingFields = []string{"wattage"}

	plan := Reconcile(stored, parsedPanel())

	_, updated := plan.Update(models.ColumnWattage)
	assert.False(t, updated)
	assert.NotContains(t, plan.Columns(), "wattage")
	assert.False(t, plan.MissingChanged)
	assert.Equal(t, 90, *stored.Wattage)

	require.Len(t, plan.Mismatches, 1)
	m := plan.Mismatches[0]
	assert.Equal(t, "wattage", m.Field)
	assert.Equal(t, 90.0, *m.Current)
	assert.Equal(t, 100.0, m.Proposed)
	require.NotNil(t, m.Confidence)
	assert.Equal(t, 0.99, *m.Confidence)
	assert.Equal(t, "product_information.Maximum Power", m.Source)
	assert.Equal(t, "100 Watts", m.Raw)
	assert.Equal(t, OverrideMismatch, plan.Overrides["wattage"])
}

func TestReconcileOverrideOutcomes(t *testing.T) {
	stored := storedPanel()
	stored.PieceCount = models.Int(4)
	stored.ManualOverrides = []string{"voltage"}
	stored.UserVerifiedOverrides = []string{"piece_count"}

	plan := Reconcile(stored, parsedPanel())

	assert.Equal(t, OverrideConfirmed, plan.Overrides["voltage"])
	assert.Equal(t, OverrideUnparsed, plan.Overrides["piece_count"])
	assert.Empty(t, plan.Mismatches)
	assert.False(t, plan.HasChanges())
}

func TestReconcileDimensions(t *testing.T) {
	tests := []struct {
		name        string
		length      float64
		width       float64
		protected   []string
		wantUpdate  bool
		lengthTags  []string
		widthTags   []string
		mismatchTag map[string][]string
	}{
		{
			name:       "swap",
			length:     44.98,
			width:      116.0,
			wantUpdate: true,
			lengthTags: []string{TagSwap},
		},
		{
			name:       "minor rounding",
			length:     116.03,
			width:      44.98,
			wantUpdate: true,
			lengthTags: []string{TagRounding},
		},
		{
			name:       "real change",
			length:     120,
			width:      50,
			wantUpdate: true,
		},
		{
			name:        "width protected blocks the pair",
			length:      120,
			width:       44.96,
			protected:   []string{"width_cm"},
			mismatchTag: map[string][]string{"width_cm": {TagRounding}},
		},
		{
			name:        "swap against protected dimensions",
			length:      44.98,
			width:       116.0,
			protected:   []string{"length_cm", "width_cm"},
			mismatchTag: map[string][]string{"length_cm": {TagSwap}, "width_cm": {TagSwap}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := storedPanel()
			stored.LengthCm = models.Float(tt.length)
			stored.WidthCm = models.Float(tt.width)
			stored.ManualOverrides = tt.protected
			stored.MissingFields = []string{"dimensions"}

			plan := Reconcile(stored, parsedPanel())

			lengthUpdate, hasLength := plan.Update(models.ColumnLengthCm)
			widthUpdate, hasWidth := plan.Update(models.ColumnWidthCm)
			assert.Equal(t, tt.wantUpdate, hasLength)
			assert.Equal(t, tt.wantUpdate, hasWidth)
			assert.Equal(t, tt.wantUpdate, plan.MissingChanged)

			if tt.wantUpdate {
				assert.Equal(t, 116.0, lengthUpdate.New)
				assert.Equal(t, 44.98, widthUpdate.New)
				assert.Equal(t, tt.lengthTags, lengthUpdate.Tags)
				assert.Equal(t, tt.widthTags, widthUpdate.Tags)
				assert.Equal(t, []string{"dimensions", "length_cm", "width_cm"}, plan.FlagClearFields)
				assert.Empty(t, plan.MissingFields)
			}

			got := make(map[string][]string)
			for _, m := range plan.Mismatches {
				got[m.Field] = m.Tags
			}
			if tt.mismatchTag == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.mismatchTag, got)
			}
		})
	}
}

func TestReconcileLeavesStoredPanelUntouched(t *testing.T) {
	stored := storedPanel()
	stored.Wattage = nil
	stored.MissingFields = []string{"wattage"}

	Reconcile(stored, parsedPanel())

	assert.Nil(t, stored.Wattage)
	assert.Equal(t, []string{"wattage"}, stored.MissingFields)
}

func TestFormatChanges(t *testing.T) {
	stored := storedPanel()
	stored.LengthCm = models.Float(44.98)
	stored.WidthCm = models.Float(116.0)
	stored.MissingFields = []string{"dimensions"}

	got := FormatChanges(stored, Reconcile(stored, parsedPanel()))

	assert.Equal(t,
		"length_cm: 44.98 cm (17.71 in) -> 116 cm (45.67 in) [swap]; "+
			"width_cm: 116 cm (45.67 in) -> 44.98 cm (17.71 in); "+
			"missing_fields: [dimensions] -> []",
		got)
}

func TestFormatFieldValue(t *testing.T) {
	assert.Equal(t, "None", formatFieldValue("wattage", nil))
	assert.Equal(t, "100", formatFieldValue("wattage", models.Float(100)))
	assert.Equal(t, "7.2 kg (15.87 lb)", formatFieldValue("weight_kg", models.Float(7.2)))
	assert.Equal(t, "12.5", formatFieldValue("voltage", models.Float(12.5)))
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "None", truncateText(""))
	assert.Equal(t, "short", truncateText("short"))

	long := make([]rune, 200)
	for i := range long {
		long[i] = 'a'
	}
	got := truncateText(string(long))
	assert.Len(t, got, 160)
	assert.Equal(t, "...", got[157:])
}
