package models

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/maltedev/solar-panel-scraper/internal/units"
	"github.com/shopspring/decimal"
)

// Field names an extracted panel attribute.
type Field string

const (
	FieldWattage    Field = "wattage"
	FieldDimensions Field = "dimensions"
	FieldWeight     Field = "weight"
	FieldPieceCount Field = "piece_count"
	FieldVoltage    Field = "voltage"
)

// Fields lists every extracted field in selection order.
var Fields = []Field{FieldWattage, FieldDimensions, FieldWeight, FieldPieceCount, FieldVoltage}

// Value is either a scalar or a (length, width) pair. Integer fields
// (wattage, piece_count) store whole numbers in Number.
type Value struct {
	Number float64
	Pair   *units.Dimensions
}

func Scalar(v float64) Value {
	return Value{Number: v}
}

func Count(n int) Value {
	return Value{Number: float64(n)}
}

func Pair(d units.Dimensions) Value {
	return Value{Pair: &d}
}

func (v Value) IsPair() bool {
	return v.Pair != nil
}

// Int returns the scalar rounded to the nearest whole number.
func (v Value) Int() int {
	return int(math.Round(v.Number))
}

// IsWhole reports whether the scalar has no fractional part.
func (v Value) IsWhole() bool {
	return !v.IsPair() && v.Number == math.Trunc(v.Number)
}

// Equal compares two values within tol. Pairs match only when both
// components are within tol; a pair never equals a scalar.
func (v Value) Equal(other Value, tol float64) bool {
	if v.IsPair() != other.IsPair() {
		return false
	}
	if v.IsPair() {
		return math.Abs(v.Pair.LengthCm-other.Pair.LengthCm) <= tol &&
			math.Abs(v.Pair.WidthCm-other.Pair.WidthCm) <= tol
	}
	return math.Abs(v.Number-other.Number) <= tol
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Pair != nil {
		return json.Marshal([2]float64{v.Pair.LengthCm, v.Pair.WidthCm})
	}
	return json.Marshal(v.Number)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var pair []float64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("dimension value needs 2 components, got %d", len(pair))
		}
		*v = Pair(units.Dimensions{LengthCm: pair[0], WidthCm: pair[1]})
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("failed to decode candidate value: %w", err)
	}
	*v = Scalar(n)
	return nil
}

// CandidateMeta carries pattern details that selection and math
// confirmation rely on.
type CandidateMeta struct {
	PieceCount      int    `json:"piece_count,omitempty"`
	Pattern         string `json:"pattern,omitempty"`
	PerPanelWattage int    `json:"per_panel_wattage,omitempty"`
	TotalWattage    int    `json:"total_wattage,omitempty"`
}

// Candidate is one hypothesis for a field value with its provenance.
type Candidate struct {
	Field      Field         `json:"field"`
	Value      Value         `json:"value"`
	Confidence float64       `json:"confidence"`
	Source     string        `json:"source"`
	Raw        string        `json:"raw"`
	Meta       CandidateMeta `json:"meta"`
}

type candidateJSON struct {
	Field      Field         `json:"field"`
	Value      Value         `json:"value"`
	Confidence float64       `json:"confidence"`
	Source     string        `json:"source"`
	Raw        *string       `json:"raw"`
	Meta       CandidateMeta `json:"meta"`
}

// MarshalJSON rounds confidence to 3 places and writes an empty raw as null.
func (c Candidate) MarshalJSON() ([]byte, error) {
	out := candidateJSON{
		Field:      c.Field,
		Value:      c.Value,
		Confidence: decimal.NewFromFloat(c.Confidence).Round(3).InexactFloat64(),
		Source:     c.Source,
		Meta:       c.Meta,
	}
	if c.Raw != "" {
		raw := c.Raw
		out.Raw = &raw
	}
	return json.Marshal(out)
}

func (c *Candidate) UnmarshalJSON(data []byte) error {
	var in candidateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Candidate{
		Field:      in.Field,
		Value:      in.Value,
		Confidence: in.Confidence,
		Source:     in.Source,
		Meta:       in.Meta,
	}
	if in.Raw != nil {
		c.Raw = *in.Raw
	}
	return nil
}

// FieldEvidence is the audit trail for one field: the top candidates by
// confidence and the selected one, if any.
type FieldEvidence struct {
	Selected   *Candidate  `json:"selected,omitempty"`
	Candidates []Candidate `json:"candidates"`
}
