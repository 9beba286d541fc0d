package parser

import (
	"math"

	"github.com/maltedev/solar-panel-scraper/internal/models"
)

const (
	maxConfidence     = 0.99
	consensusStep     = 0.05
	maxConsensusBonus = 0.15
)

// boostConsensus groups candidates whose values agree with the first
// member of a group and raises every member of a multi-candidate group by
// min(0.15, 0.05*(n-1)), capped at 0.99. Candidates are updated in place.
func boostConsensus(candidates []models.Candidate, tolerance float64) {
	if len(candidates) == 0 {
		return
	}

	var groups [][]int
	for i := range candidates {
		placed := false
		for g, group := range groups {
			ref := candidates[group[0]].Value
			if ref.Equal(candidates[i].Value, tolerance) {
				groups[g] = append(groups[g], i)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []int{i})
		}
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		bonus := math.Min(maxConsensusBonus, consensusStep*float64(len(group)-1))
		for _, i := range group {
			candidates[i].Confidence = math.Min(maxConfidence, candidates[i].Confidence+bonus)
		}
	}
}
