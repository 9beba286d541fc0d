package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/units"
)

// noiseWindow is how many bytes around a wattage match are scanned for
// accessory terms.
const noiseWindow = 30

// multiPatternBonus is added to the base confidence when a count x wattage
// pattern matched.
const multiPatternBonus = 0.1

const (
	patternCountXWattage   = "count_x_wattage"
	patternWattageXCount   = "wattage_x_count"
	patternCountPcsWattage = "count_pcs_wattage"
)

var wattageNoisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(inverter|battery|lifepo4|controller|charge controller|charger|generator|capacity|storage)\b`),
	regexp.MustCompile(`(?i)\bpower\s+station\b`),
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:kwh|wh|ah|mah)\b`),
}

// multiWattagePattern captures a piece count and a per-unit wattage. The
// count and watts groups differ between layouts.
type multiWattagePattern struct {
	name       string
	re         *regexp.Regexp
	countGroup int
	wattsGroup int
}

var multiWattagePatterns = []multiWattagePattern{
	{
		// 2x100W, 2 pcs x 100 watts
		name:       patternCountXWattage,
		re:         regexp.MustCompile(`(?i)(\d+)\s*(?:pcs?|pieces|panels?)?\s*[x]\s*(\d+(?:\.\d+)?)\s*(?:w|watt|watts)\b`),
		countGroup: 1,
		wattsGroup: 2,
	},
	{
		// 100W x2, 100 watts x 4 panels
		name:       patternWattageXCount,
		re:         regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:w|watt|watts)\s*[x]\s*(\d+)\s*(?:pcs?|pieces|panels?)?\b`),
		countGroup: 2,
		wattsGroup: 1,
	},
	{
		// 2PCS 100W
		name:       patternCountPcsWattage,
		re:         regexp.MustCompile(`(?i)(\d+)\s*(?:pcs?|pieces|panels?)\s*(\d+(?:\.\d+)?)\s*(?:w|watt|watts)\b`),
		countGroup: 1,
		wattsGroup: 2,
	},
}

var simpleWattagePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:k?w|watt|watts)\b`)

// ExtractWattage scans spec-table power keys, every feature bullet, the
// title and the description, then applies consensus boosting.
func (e *SpecExtractor) ExtractWattage() []models.Candidate {
	var candidates []models.Candidate
	for _, m := range e.findSpecs(wattageKeys) {
		candidates = append(candidates, e.wattageCandidates(m.value, m.source(), m.confidence)...)
	}
	for _, feature := range e.features {
		candidates = append(candidates, e.wattageCandidates(feature, sourceFeatures, 0.75)...)
	}
	if e.title != "" {
		candidates = append(candidates, e.wattageCandidates(e.title, sourceTitle, 0.6)...)
	}
	if e.description != "" {
		candidates = append(candidates, e.wattageCandidates(e.description, sourceDescription, 0.45)...)
	}

	boostConsensus(candidates, consensusTolerance)
	return candidates
}

// wattageCandidates extracts wattage candidates from one text fragment.
// A count x wattage match next to accessory wording discards the rest of
// the fragment; a noisy simple match is only skipped.
func (e *SpecExtractor) wattageCandidates(text, source string, base float64) []models.Candidate {
	var candidates []models.Candidate
	if text == "" {
		return candidates
	}

	normalized := strings.ReplaceAll(text, "×", "x")
	context := e.logContext()

	for _, p := range multiWattagePatterns {
		loc := p.re.FindStringSubmatchIndex(normalized)
		if loc == nil {
			continue
		}
		if isNoiseContext(normalized, loc[0], loc[1]) {
			return candidates
		}
		count, err := strconv.Atoi(group(normalized, loc, p.countGroup))
		if err != nil {
			continue
		}
		watts, ok := units.ParsePowerString(group(normalized, loc, p.wattsGroup), context)
		if !ok || watts == 0 {
			continue
		}
		candidates = append(candidates, models.Candidate{
			Field:      models.FieldWattage,
			Value:      models.Count(watts),
			Confidence: base + multiPatternBonus,
			Source:     source,
			Raw:        normalized[loc[0]:loc[1]],
			Meta:       models.CandidateMeta{PieceCount: count, Pattern: p.name},
		})
	}

	for _, loc := range simpleWattagePattern.FindAllStringIndex(normalized, -1) {
		if isNoiseContext(normalized, loc[0], loc[1]) {
			continue
		}
		raw := normalized[loc[0]:loc[1]]
		watts, ok := units.ParsePowerString(raw, context)
		if !ok || watts == 0 {
			continue
		}
		candidates = append(candidates, models.Candidate{
			Field:      models.FieldWattage,
			Value:      models.Count(watts),
			Confidence: base,
			Source:     source,
			Raw:        raw,
		})
	}

	return candidates
}

func group(s string, loc []int, n int) string {
	start, end := loc[2*n], loc[2*n+1]
	if start < 0 {
		return ""
	}
	return s[start:end]
}

func isNoiseContext(text string, start, end int) bool {
	from := max(0, start-noiseWindow)
	to := min(len(text), end+noiseWindow)
	window := text[from:to]
	for _, pattern := range wattageNoisePatterns {
		if pattern.MatchString(window) {
			return true
		}
	}
	return false
}
