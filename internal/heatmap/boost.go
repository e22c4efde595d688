package heatmap

import (
	"math"

	"github.com/rinkhals-tools/faultwatch/internal/fusion"
)

// Boost paths.
const (
	PathNone        = 0
	PathHeatmap     = 1
	PathCorroborate = 2
)

// BoostParams are the tuning constants of the override rule.
type BoostParams struct {
	BoostThreshold       float64
	CorroborateThreshold float64
	MinStrongCells       int
	LeanFactor           float64
	ProtoVetoMargin      float64
	Gain                 float64
	ConfidenceCap        float64
	FallbackFloor        float64
}

// BoostInput is the evidence of one cycle.
type BoostInput struct {
	Strategy    fusion.Strategy
	Fault       bool
	Max         float64
	StrongCells int
	Votes       fusion.Input
}

// EvaluateBoost returns the path that overrides an OK verdict, or PathNone.
// A FAULT verdict is never changed.
func EvaluateBoost(in BoostInput, p BoostParams) int {
	if in.Fault || in.StrongCells < p.MinStrongCells {
		return PathNone
	}
	if in.Max > p.BoostThreshold && anyLeaning(in.Votes, p.LeanFactor) {
		return PathHeatmap
	}
	if in.Max > p.CorroborateThreshold && corroborated(in, p) {
		return PathCorroborate
	}
	return PathNone
}

func anyLeaning(v fusion.Input, lean float64) bool {
	return v.CNN.Leaning(lean) || v.ProtoNet.Leaning(lean) || v.Multiclass.Leaning(lean)
}

// corroborated asks for the same evidence the strategy itself relies on.
func corroborated(in BoostInput, p BoostParams) bool {
	v := in.Votes
	switch in.Strategy {
	case fusion.StrategyAnd, fusion.StrategyAll, fusion.StrategyClassifyAnd:
		if !v.CNN.Ran || v.CNN.Score <= v.CNN.Threshold {
			return false
		}
		return !v.ProtoNet.Ran || v.ProtoNet.Leaning(p.LeanFactor)
	case fusion.StrategyMajority:
		ran, leaning := 0, 0
		for _, vote := range []fusion.Vote{v.CNN, v.ProtoNet, v.Multiclass} {
			if !vote.Ran {
				continue
			}
			ran++
			if vote.Leaning(p.LeanFactor) {
				leaning++
			}
		}
		return ran > 0 && leaning*2 >= ran
	case fusion.StrategyCNN:
		return v.CNN.Leaning(p.LeanFactor)
	case fusion.StrategyProtoNet:
		return v.ProtoNet.Leaning(p.LeanFactor)
	case fusion.StrategyMulticlass:
		return v.Multiclass.Leaning(p.LeanFactor)
	default:
		// or, verify, classify
		if v.ProtoNet.Ran && v.ProtoNet.Score < p.ProtoVetoMargin {
			return false
		}
		return anyLeaning(v, p.LeanFactor)
	}
}

// BoostConfidence scales the multiclass fault likelihood by how far max
// exceeds the boost threshold, capped. Without a multiclass result the
// strongest other likelihood is used, never below the fallback floor.
func BoostConfidence(max float64, v fusion.Input, p BoostParams) float64 {
	var base float64
	if v.Multiclass.Ran {
		base = v.Multiclass.Likelihood
	} else {
		base = p.FallbackFloor
		for _, vote := range []fusion.Vote{v.CNN, v.ProtoNet} {
			if vote.Ran {
				base = math.Max(base, vote.Likelihood)
			}
		}
	}
	excess := 0.0
	if p.BoostThreshold > 0 {
		excess = math.Max(0, max-p.BoostThreshold) / p.BoostThreshold
	}
	conf := base * (1 + p.Gain*excess)
	return math.Max(0, math.Min(p.ConfidenceCap, conf))
}
