package fusion

// Score ranges of the adapters.
const (
	ProbabilityLow  = 0.0
	ProbabilityHigh = 1.0
	MarginLow       = -1.0
	MarginHigh      = 1.0
)

// Likelihood maps score from [lo, hi] onto [0, 1] piecewise linearly so the
// decision threshold lands on 0.5. A vote is FAULT exactly when the
// likelihood exceeds 0.5.
func Likelihood(score, threshold, lo, hi float64) float64 {
	if threshold <= lo {
		if score <= threshold {
			return 0.5
		}
		return clamp01(0.5 + 0.5*(score-threshold)/(hi-threshold))
	}
	if threshold >= hi {
		if score > threshold {
			return 1
		}
		return clamp01(0.5 * (score - lo) / (threshold - lo))
	}
	if score <= threshold {
		return clamp01(0.5 * (score - lo) / (threshold - lo))
	}
	return clamp01(0.5 + 0.5*(score-threshold)/(hi-threshold))
}

// NewVote builds a vote from a smoothed score.
func NewVote(score, threshold, lo, hi float64) Vote {
	return Vote{
		Ran:        true,
		Fault:      score > threshold,
		Score:      score,
		Threshold:  threshold,
		Likelihood: Likelihood(score, threshold, lo, hi),
	}
}

// Leaning reports whether v shows any lean toward FAULT: its score clears
// leanFactor times its threshold.
func (v Vote) Leaning(leanFactor float64) bool {
	if !v.Ran {
		return false
	}
	return v.Score > v.Threshold*leanFactor
}
