package threat

// Confidence scoring. A single pure function recomputes the persisted
// confidence from its constituent inputs; nothing else writes the field.

// corroborationBonus saturates with distinct-source count so that stacking
// duplicate low-quality sources cannot inflate confidence indefinitely.
var corroborationBonus = []int{0, 0, 8, 12, 14, 15}

// ComputeConfidence derives the record's confidence in [0,100]:
//
//	clamp(base + corroboration + patternAdjust + voteDelta − disputePenalty)
//
// base is the reliability of the single most reliable contributing source,
// not an average: one trustworthy reporter should not be diluted by a crowd
// of weak ones.
func ComputeConfidence(r *Record) int {
	base := 0
	for _, s := range r.Sources {
		if s.Reliability > base {
			base = s.Reliability
		}
	}

	n := len(r.Sources)
	if n >= len(corroborationBonus) {
		n = len(corroborationBonus) - 1
	}
	bonus := corroborationBonus[n]

	score := base + bonus + r.PatternAdjust + voteDelta(r.Votes) - disputePenalty(r.Disputes)
	return clamp(score, 0, 100)
}

// voteDelta maps community votes to a small bounded contribution.
func voteDelta(v Votes) int {
	return clamp(v.Up-v.Down, -5, 5)
}

func disputePenalty(disputes int) int {
	return clamp(disputes*10, 0, 30)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
