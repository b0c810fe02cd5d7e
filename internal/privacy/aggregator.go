package privacy

import "sort"

// DefaultThreshold is the minimum confidence a candidate needs to be kept
const DefaultThreshold = 0.7

// HighConfidence is the score at or above which a match counts as high
// confidence in a Summary
const HighConfidence = 0.9

// Aggregate merges pattern and model candidates into one ordered,
// non-overlapping match set.
//
// Pattern candidates are scanned before model candidates, so when two
// candidates overlap the pattern result wins regardless of score. A
// candidate is accepted only if it reaches threshold, has a well-formed
// range and does not intersect an already accepted range. Rejection is
// silent. The accepted set is returned sorted by Start.
func Aggregate(patternMatches, modelMatches []Match, threshold float64) []Match {
	candidates := make([]Match, 0, len(patternMatches)+len(modelMatches))
	candidates = append(candidates, patternMatches...)
	candidates = append(candidates, modelMatches...)

	accepted := make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Confidence < threshold {
			continue
		}
		if candidate.Start < 0 || candidate.Start >= candidate.End {
			continue
		}

		overlap := false
		for _, kept := range accepted {
			if candidate.Overlaps(kept) {
				overlap = true
				break
			}
		}
		if !overlap {
			accepted = append(accepted, candidate)
		}
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Start < accepted[j].Start
	})

	return accepted
}

// Summarize reduces a match set to per-category counts. Counts do not depend
// on the order of matches; the returned Matches slice is a copy in input order.
func Summarize(matches []Match) Summary {
	summary := Summary{
		Total:      len(matches),
		ByCategory: make(map[PIIType]int),
		Matches:    make([]Match, len(matches)),
	}
	copy(summary.Matches, matches)

	for _, m := range matches {
		summary.ByCategory[m.Category]++
		if m.Confidence >= HighConfidence {
			summary.HighConfidenceCount++
		}
	}

	return summary
}
