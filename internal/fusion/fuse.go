package fusion

import (
	"gonum.org/v1/gonum/floats"
)

// Vote is one adapter's output after smoothing and thresholding.
type Vote struct {
	Ran   bool
	Fault bool
	// Score is the smoothed raw signal: probability for CNN and multiclass,
	// cosine margin for ProtoNet.
	Score      float64
	Threshold  float64
	Likelihood float64
}

// Weights scale each model in weighted-average strategies. Zero means 1.
type Weights struct {
	CNN        float64
	ProtoNet   float64
	Multiclass float64
}

func (w Weights) of(m Model) float64 {
	var v float64
	switch m {
	case CNN:
		v = w.CNN
	case ProtoNet:
		v = w.ProtoNet
	case Multiclass:
		v = w.Multiclass
	}
	if v <= 0 {
		return 1
	}
	return v
}

// Input collects the votes of one cycle.
type Input struct {
	CNN        Vote
	ProtoNet   Vote
	Multiclass Vote
	Weights    Weights
}

// Vote returns the vote of m.
func (in Input) Vote(m Model) Vote {
	switch m {
	case CNN:
		return in.CNN
	case ProtoNet:
		return in.ProtoNet
	}
	return in.Multiclass
}

// Decision is the fused verdict.
type Decision struct {
	Fault bool
	// Confidence is certainty in the stated verdict: Raw for FAULT, 1-Raw for OK.
	Confidence float64
	// Raw is the combined fault likelihood.
	Raw       float64
	Agreement int
	Voters    int
}

// Fuse applies strategy s to in.
func Fuse(s Strategy, in Input) Decision {
	var voters []Model
	switch {
	case s.usesPrimaryPair():
		voters = ran(in, CNN, ProtoNet)
	default:
		if m, ok := s.Single(); ok {
			voters = ran(in, m)
		} else {
			voters = ran(in, CNN, ProtoNet, Multiclass)
		}
	}

	var d Decision
	if len(voters) == 0 && !(s == StrategyVerify && in.Multiclass.Ran) {
		d.Confidence = 1
		return d
	}

	likes := likelihoods(in, voters)
	faults := countFaults(in, voters)

	switch s {
	case StrategyOr, StrategyClassify:
		d.Fault = faults > 0
		d.Raw = floats.Max(likes)
	case StrategyAnd, StrategyAll, StrategyClassifyAnd:
		d.Fault = faults == len(voters)
		d.Raw = floats.Min(likes)
	case StrategyMajority:
		d.Fault = faults*2 > len(voters)
		d.Raw = weightedMean(in, voters)
	case StrategyVerify:
		primaryFault := faults > 0
		if in.Multiclass.Ran {
			voters = append(voters, Multiclass)
			d.Fault = primaryFault && in.Multiclass.Fault
			d.Raw = weightedMean(in, voters)
		} else {
			d.Fault = primaryFault
			d.Raw = floats.Max(likes)
		}
	default:
		d.Fault = faults > 0
		d.Raw = likes[0]
	}

	d.Raw = clamp01(d.Raw)
	d.Voters = len(voters)
	for _, m := range voters {
		if in.Vote(m).Fault == d.Fault {
			d.Agreement++
		}
	}
	d.Confidence = ConfidenceFor(d.Fault, d.Raw)
	return d
}

// ConfidenceFor re-expresses a fault likelihood as certainty in verdict.
func ConfidenceFor(fault bool, raw float64) float64 {
	raw = clamp01(raw)
	if fault {
		return raw
	}
	return 1 - raw
}

func ran(in Input, models ...Model) []Model {
	var out []Model
	for _, m := range models {
		if in.Vote(m).Ran {
			out = append(out, m)
		}
	}
	return out
}

func likelihoods(in Input, models []Model) []float64 {
	out := make([]float64, len(models))
	for i, m := range models {
		out[i] = in.Vote(m).Likelihood
	}
	return out
}

func countFaults(in Input, models []Model) int {
	n := 0
	for _, m := range models {
		if in.Vote(m).Fault {
			n++
		}
	}
	return n
}

func weightedMean(in Input, models []Model) float64 {
	w := make([]float64, len(models))
	for i, m := range models {
		w[i] = in.Weights.of(m)
	}
	return floats.Dot(w, likelihoods(in, models)) / floats.Sum(w)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
