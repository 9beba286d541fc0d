package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/solar-panel-scraper/internal/models"
)

const (
	// derivedPieceCap caps piece counts re-emitted from wattage patterns.
	derivedPieceCap = 0.95
	// mathConfirmedBonus is added to the stronger of the two wattage
	// candidates that confirm a piece count.
	mathConfirmedBonus = 0.2
	// mathTolerance is the allowed gap in watts between count*perUnit and
	// the observed total.
	mathTolerance = 1.0

	patternCountXWattageMath = "count_x_wattage_math"
)

var (
	leadingIntPattern = regexp.MustCompile(`(\d+)`)
	packPatterns      = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+)\s*(?:pack|pk|pcs|pieces|panels?|set)\b`),
		regexp.MustCompile(`(?i)(?:pack of|set of)\s*(\d+)`),
	}
)

// ExtractPieceCount combines spec-table quantity keys, counts implied by
// count x wattage matches and pack-size wording in the title and features.
func (e *SpecExtractor) ExtractPieceCount(wattage []models.Candidate) []models.Candidate {
	var candidates []models.Candidate

	for _, m := range e.findSpecs(pieceKeys) {
		match := leadingIntPattern.FindStringSubmatch(m.value)
		if match == nil {
			continue
		}
		count, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		candidates = append(candidates, models.Candidate{
			Field:      models.FieldPieceCount,
			Value:      models.Count(count),
			Confidence: m.confidence,
			Source:     m.source(),
			Raw:        m.value,
		})
	}

	for _, w := range wattage {
		if w.Meta.PieceCount <= 0 {
			continue
		}
		candidates = append(candidates, models.Candidate{
			Field:      models.FieldPieceCount,
			Value:      models.Count(w.Meta.PieceCount),
			Confidence: math.Min(derivedPieceCap, w.Confidence+0.1),
			Source:     w.Source + ".piece_count",
			Raw:        w.Raw,
		})
	}

	texts := []struct {
		text       string
		source     string
		confidence float64
	}{
		{e.title, sourceTitle, 0.55},
		{e.joinedFeatures(), sourceFeatures, 0.5},
	}
	for _, t := range texts {
		if t.text == "" {
			continue
		}
		for _, pattern := range packPatterns {
			loc := pattern.FindStringSubmatchIndex(t.text)
			if loc == nil {
				continue
			}
			count, err := strconv.Atoi(group(t.text, loc, 1))
			if err != nil {
				continue
			}
			candidates = append(candidates, models.Candidate{
				Field:      models.FieldPieceCount,
				Value:      models.Count(count),
				Confidence: t.confidence,
				Source:     t.source,
				Raw:        t.text[loc[0]:loc[1]],
			})
		}
	}

	boostConsensus(candidates, consensusTolerance)
	return candidates
}

func baseSource(source string) string {
	if i := strings.IndexByte(source, '.'); i >= 0 {
		return source[:i]
	}
	return source
}

// MathConfirmedPieceCount cross-checks wattage candidates from the same
// base source. When a per-unit candidate carrying a piece count times its
// wattage matches another candidate's total within 1W, a piece count
// candidate tagged math_confirmed.<source> is emitted at
// min(0.99, max(perUnit, total)+0.2). One candidate is kept per count.
func MathConfirmedPieceCount(wattage []models.Candidate) []models.Candidate {
	var confirmed []models.Candidate
	byCount := make(map[int]int)

	for i, perUnit := range wattage {
		count := perUnit.Meta.PieceCount
		if count <= 0 || !perUnit.Value.IsWhole() {
			continue
		}
		for j, total := range wattage {
			if i == j || !total.Value.IsWhole() {
				continue
			}
			if baseSource(total.Source) != baseSource(perUnit.Source) {
				continue
			}
			expected := count * perUnit.Value.Int()
			if math.Abs(float64(total.Value.Int()-expected)) > mathTolerance {
				continue
			}

			raw := perUnit.Raw
			if raw == "" {
				raw = total.Raw
			}
			candidate := models.Candidate{
				Field:      models.FieldPieceCount,
				Value:      models.Count(count),
				Confidence: math.Min(maxConfidence, math.Max(perUnit.Confidence, total.Confidence)+mathConfirmedBonus),
				Source:     sourceMathConfirmed + perUnit.Source,
				Raw:        raw,
				Meta: models.CandidateMeta{
					PerPanelWattage: perUnit.Value.Int(),
					TotalWattage:    total.Value.Int(),
					Pattern:         patternCountXWattageMath,
				},
			}

			idx, seen := byCount[count]
			if !seen {
				byCount[count] = len(confirmed)
				confirmed = append(confirmed, candidate)
				continue
			}
			if candidate.Confidence > confirmed[idx].Confidence {
				confirmed[idx] = candidate
			}
		}
	}

	return confirmed
}
