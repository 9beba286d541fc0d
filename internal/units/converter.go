// Package units converts measurement units and parses free-text quantity
// strings from Amazon listings into typed values.
//
// Every parser returns (value, ok). ok == false means the text carried no
// usable evidence; it is never an error condition.
package units

import (
	"errors"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxPanelWattage is the ceiling for a single panel. Anything above it is
// almost always an inverter, battery or kit total that leaked into the text.
const MaxPanelWattage = 2000

var (
	cmPerInch = decimal.RequireFromString("2.54")
	kgPerLb   = decimal.RequireFromString("0.453592")
	kgPerOz   = decimal.RequireFromString("0.0283495")

	firstNumberPattern = regexp.MustCompile(`([\d.]+)`)
	scientificPattern  = regexp.MustCompile(`(-?[\d.]+[Ee][+-]?\d+)`)
	signedPattern      = regexp.MustCompile(`(-?[\d.]+)`)
	priceNoisePattern  = regexp.MustCompile(`[$,]`)
)

// InchesToCm converts inches to centimeters, rounded half-up to 2 places.
func InchesToCm(inches float64) float64 {
	return round2(decimal.NewFromFloat(inches).Mul(cmPerInch))
}

// PoundsToKg converts pounds to kilograms, rounded half-up to 2 places.
func PoundsToKg(pounds float64) float64 {
	return round2(decimal.NewFromFloat(pounds).Mul(kgPerLb))
}

// Round2 rounds half away from zero to 2 decimal places using decimal
// arithmetic, so 116.005 stays 116.01 instead of drifting to 116.00.
func Round2(v float64) float64 {
	return round2(decimal.NewFromFloat(v))
}

func round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

// ParseWeightString parses a weight into kilograms.
//
// A string without a recognizable unit is read as POUNDS. Amazon US listings
// report "Item Weight" in pounds and frequently drop the unit, so this default
// is intentional.
func ParseWeightString(text string) (float64, bool) {
	if strings.TrimSpace(text) == "" {
		return 0, false
	}
	m := firstNumberPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		slog.Debug("unparseable weight", "text", text, "error", err)
		return 0, false
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "kg") || strings.Contains(lower, "kilogram"):
		return Round2(value), true
	case strings.Contains(lower, "g"):
		return round2(decimal.NewFromFloat(value).Div(decimal.NewFromInt(1000))), true
	case strings.Contains(lower, "oz") || strings.Contains(lower, "ounce"):
		return round2(decimal.NewFromFloat(value).Mul(kgPerOz)), true
	default:
		// lb, lbs, pound(s) and unit-less values
		return PoundsToKg(value), true
	}
}

// ParsePowerString parses a wattage into integer watts. It understands plain
// numbers, scientific notation ("8E+2 Watts") and kilowatt suffixes ("1.5kW").
// Values round half away from zero. Results outside 0..MaxPanelWattage are
// rejected; context is only used to make the warning traceable.
func ParsePowerString(text string, context string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}

	value, found := 0.0, false
	for _, pattern := range []*regexp.Regexp{scientificPattern, signedPattern} {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if errors.Is(err, strconv.ErrRange) {
			return 0, false
		}
		if err != nil {
			continue
		}
		value, found = v, true
		break
	}
	if !found {
		return 0, false
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, "kw") || strings.Contains(lower, "kilowatt") {
		value *= 1000
	}

	var rounded float64
	if value >= 0 {
		rounded = math.Trunc(value + 0.5)
	} else {
		rounded = math.Trunc(value - 0.5)
	}

	if math.IsNaN(rounded) || rounded < 0 || rounded > MaxPanelWattage {
		attrs := []any{"watts", rounded, "text", text}
		if context != "" {
			attrs = append(attrs, "context", context)
		}
		slog.Warn("wattage outside plausible range for a single panel", attrs...)
		return 0, false
	}

	return int(rounded), true
}

// ParseVoltageString extracts the first number in text, rounded to 2 places.
// Range checks happen during field selection, not here.
func ParseVoltageString(text string) (float64, bool) {
	return firstNumber(text)
}

// ParsePriceString strips "$" and thousands separators and returns the
// first number, rounded to 2 places.
func ParsePriceString(text string) (float64, bool) {
	return firstNumber(priceNoisePattern.ReplaceAllString(text, ""))
}

func firstNumber(text string) (float64, bool) {
	m := firstNumberPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		slog.Debug("unparseable quantity", "text", text, "error", err)
		return 0, false
	}
	return Round2(v), true
}
