package units

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Dimensions is a panel footprint in centimeters. LengthCm >= WidthCm.
type Dimensions struct {
	LengthCm float64 `json:"length_cm"`
	WidthCm  float64 `json:"width_cm"`
}

type lengthUnit string

const (
	unitNone   lengthUnit = ""
	unitInch   lengthUnit = "in"
	unitCm     lengthUnit = "cm"
	unitMm     lengthUnit = "mm"
	unitMeters lengthUnit = "m"
)

// inchThreshold: unit-less triples whose largest value is at or below this
// are read as inches, anything larger as centimeters.
const inchThreshold = 20

var (
	dimNoisePattern      = regexp.MustCompile(`[,\x{00a0}]`)
	dimSpacePattern      = regexp.MustCompile(`\s+`)
	labelSuffixPattern   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(mm|cm|m|in|inch|inches|")?\s*([lwh])\b`)
	labelPrefixPattern   = regexp.MustCompile(`(?:length|width|height|l|w|h)\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(mm|cm|m|in|inch|inches|")?`)
	threeWithUnitPattern = regexp.MustCompile(`(?i)([\d.]+)\s*x\s*([\d.]+)\s*x\s*([\d.]+)\s*(mm|cm|m|in|inch|inches)`)
	threeBarePattern     = regexp.MustCompile(`(?i)([\d.]+)\s*x\s*([\d.]+)\s*x\s*([\d.]+)`)
	twoWithUnitPattern   = regexp.MustCompile(`(?i)([\d.]+)\s*x\s*([\d.]+)\s*(mm|cm|m|in|inch|inches)`)
	meterWordPattern     = regexp.MustCompile(`\bmeters?\b|\bm\b`)
)

type labeledValue struct {
	value float64
	unit  string
}

// ParseDimensionString parses an Amazon dimension string into the two
// largest measurements in centimeters.
//
// The result is always reordered so LengthCm >= WidthCm. Amazon does not
// consistently list length before width, so "17.71 x 45.67 x 1.18 inches"
// and "45.67 x 17.71 x 1.18 inches" give the same answer.
//
// Formats are tried in order: L/W/H labels with per-token units, three
// numbers with a trailing unit, three bare numbers (unit inferred from
// magnitude), two numbers with a unit.
func ParseDimensionString(text string) (Dimensions, bool) {
	if strings.TrimSpace(text) == "" {
		return Dimensions{}, false
	}

	normalized := strings.ToLower(text)
	normalized = strings.ReplaceAll(normalized, "×", "x")
	normalized = dimNoisePattern.ReplaceAllString(normalized, " ")
	normalized = strings.TrimSpace(dimSpacePattern.ReplaceAllString(normalized, " "))

	dims, ok, err := parseNormalizedDimensions(normalized)
	if err != nil {
		slog.Debug("unparseable dimensions", "text", text, "error", err)
		return Dimensions{}, false
	}
	return dims, ok
}

func parseNormalizedDimensions(s string) (Dimensions, bool, error) {
	var labeled []labeledValue
	for _, m := range labelSuffixPattern.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Dimensions{}, false, err
		}
		labeled = append(labeled, labeledValue{value: v, unit: m[2]})
	}
	for _, m := range labelPrefixPattern.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Dimensions{}, false, err
		}
		labeled = append(labeled, labeledValue{value: v, unit: m[2]})
	}

	if len(labeled) >= 2 {
		fallback := guessUnitFromText(s)
		values := make([]float64, len(labeled))
		for i, lv := range labeled {
			values[i] = lv.value
		}
		if fallback == unitNone {
			fallback = guessUnitFromValues(values)
		}
		converted := make([]float64, len(labeled))
		for i, lv := range labeled {
			unit := normalizeUnit(lv.unit)
			if unit == unitNone {
				unit = fallback
			}
			converted[i] = toCm(lv.value, unit)
		}
		if dims, ok := selectLengthWidth(converted); ok {
			return dims, true, nil
		}
	}

	if m := threeWithUnitPattern.FindStringSubmatch(s); m != nil {
		values, err := parseFloats(m[1:4])
		if err != nil {
			return Dimensions{}, false, err
		}
		if dims, ok := selectLengthWidth(convertAll(values, normalizeUnit(m[4]))); ok {
			return dims, true, nil
		}
	}

	if m := threeBarePattern.FindStringSubmatch(s); m != nil {
		values, err := parseFloats(m[1:4])
		if err != nil {
			return Dimensions{}, false, err
		}
		if dims, ok := selectLengthWidth(convertAll(values, guessUnitFromValues(values))); ok {
			return dims, true, nil
		}
	}

	if m := twoWithUnitPattern.FindStringSubmatch(s); m != nil {
		values, err := parseFloats(m[1:3])
		if err != nil {
			return Dimensions{}, false, err
		}
		if dims, ok := selectLengthWidth(convertAll(values, normalizeUnit(m[3]))); ok {
			return dims, true, nil
		}
	}

	return Dimensions{}, false, nil
}

func normalizeUnit(unit string) lengthUnit {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case `"`, "in", "inch", "inches":
		return unitInch
	case "cm", "centimeter", "centimeters":
		return unitCm
	case "mm", "millimeter", "millimeters":
		return unitMm
	case "m", "meter", "meters":
		return unitMeters
	default:
		return unitNone
	}
}

func guessUnitFromText(s string) lengthUnit {
	switch {
	case strings.Contains(s, `"`) || strings.Contains(s, "inch"):
		return unitInch
	case strings.Contains(s, "mm") || strings.Contains(s, "millimeter"):
		return unitMm
	case strings.Contains(s, "cm") || strings.Contains(s, "centimeter"):
		return unitCm
	case meterWordPattern.MatchString(s):
		return unitMeters
	default:
		return unitNone
	}
}

func guessUnitFromValues(values []float64) lengthUnit {
	if len(values) == 0 {
		return unitNone
	}
	largest := values[0]
	for _, v := range values[1:] {
		if v > largest {
			largest = v
		}
	}
	if largest <= inchThreshold {
		return unitInch
	}
	return unitCm
}

func toCm(value float64, unit lengthUnit) float64 {
	switch unit {
	case unitInch:
		return InchesToCm(value)
	case unitMm:
		return round2(decimal.NewFromFloat(value).Div(decimal.NewFromInt(10)))
	case unitMeters:
		return round2(decimal.NewFromFloat(value).Mul(decimal.NewFromInt(100)))
	default:
		return Round2(value)
	}
}

func convertAll(values []float64, unit lengthUnit) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = toCm(v, unit)
	}
	return out
}

func selectLengthWidth(valuesCm []float64) (Dimensions, bool) {
	cleaned := make([]float64, 0, len(valuesCm))
	for _, v := range valuesCm {
		if v > 0 {
			cleaned = append(cleaned, v)
		}
	}
	if len(cleaned) < 2 {
		return Dimensions{}, false
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(cleaned)))
	return Dimensions{LengthCm: Round2(cleaned[0]), WidthCm: Round2(cleaned[1])}, true
}

func parseFloats(raw []string) ([]float64, error) {
	out := make([]float64, len(raw))
	for i, r := range raw {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
