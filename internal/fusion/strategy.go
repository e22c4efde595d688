// Package fusion combines per-model votes into one OK/FAULT verdict.
package fusion

import (
	"fmt"
	"strings"
)

// Model identifies one of the three classifier adapters.
type Model int

const (
	CNN Model = iota
	ProtoNet
	Multiclass
)

func (m Model) String() string {
	switch m {
	case CNN:
		return "cnn"
	case ProtoNet:
		return "protonet"
	case Multiclass:
		return "multiclass"
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// Strategy names a vote combination rule.
type Strategy string

const (
	StrategyOr          Strategy = "or"
	StrategyAnd         Strategy = "and"
	StrategyAll         Strategy = "all"
	StrategyMajority    Strategy = "majority"
	// StrategyVerify confirms a primary fault with multiclass. When
	// multiclass did not run the verdict falls back to the primary OR
	// instead of reporting OK.
	StrategyVerify      Strategy = "verify"
	StrategyClassify    Strategy = "classify"
	StrategyClassifyAnd Strategy = "classify_and"
	StrategyCNN         Strategy = "cnn"
	StrategyProtoNet    Strategy = "protonet"
	StrategyMulticlass  Strategy = "multiclass"

	DefaultStrategy = StrategyAnd
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{
	StrategyOr, StrategyAnd, StrategyAll, StrategyMajority, StrategyVerify,
	StrategyClassify, StrategyClassifyAnd, StrategyCNN, StrategyProtoNet, StrategyMulticlass,
}

// ParseStrategy accepts a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown fusion strategy %q", s)
}

// IsStrict reports AND-style strategies. These never lower the CNN
// threshold on ProtoNet suspicion.
func (s Strategy) IsStrict() bool {
	return s == StrategyAnd || s == StrategyAll || s == StrategyClassifyAnd
}

// IsVerifyStyle reports strategies that only run multiclass when a primary
// model flagged the frame or the heatmap needs it.
func (s Strategy) IsVerifyStyle() bool {
	return s == StrategyVerify || s == StrategyClassify
}

// Single returns the model a single-model strategy forces.
func (s Strategy) Single() (Model, bool) {
	switch s {
	case StrategyCNN:
		return CNN, true
	case StrategyProtoNet:
		return ProtoNet, true
	case StrategyMulticlass:
		return Multiclass, true
	}
	return 0, false
}

// usesPrimaryPair reports strategies where CNN and ProtoNet vote and
// multiclass labels or confirms.
func (s Strategy) usesPrimaryPair() bool {
	switch s {
	case StrategyAnd, StrategyClassifyAnd, StrategyVerify, StrategyClassify:
		return true
	}
	return false
}

// Enabled is a set of models.
type Enabled struct {
	CNN        bool
	ProtoNet   bool
	Multiclass bool
}

// Has reports whether m is in the set.
func (e Enabled) Has(m Model) bool {
	switch m {
	case CNN:
		return e.CNN
	case ProtoNet:
		return e.ProtoNet
	case Multiclass:
		return e.Multiclass
	}
	return false
}

// Count returns the number of models in the set.
func (e Enabled) Count() int {
	n := 0
	for _, b := range []bool{e.CNN, e.ProtoNet, e.Multiclass} {
		if b {
			n++
		}
	}
	return n
}

// Allowed returns the models that may run under s. Single-model strategies
// force their model regardless of the enable flags.
func (s Strategy) Allowed(enabled Enabled) Enabled {
	if m, ok := s.Single(); ok {
		var e Enabled
		switch m {
		case CNN:
			e.CNN = true
		case ProtoNet:
			e.ProtoNet = true
		case Multiclass:
			e.Multiclass = true
		}
		return e
	}
	return enabled
}

// ShouldRunMulticlass applies the verify-style gate.
func (s Strategy) ShouldRunMulticlass(primaryFault, heatmapEnabled bool) bool {
	if !s.IsVerifyStyle() {
		return true
	}
	return primaryFault || heatmapEnabled
}

// CNNThreshold returns the CNN threshold for this cycle. Non-strict
// strategies lower it to gated when ProtoNet's likelihood exceeds trigger.
func (s Strategy) CNNThreshold(base, gated, trigger float64, proto Vote) float64 {
	if s.IsStrict() || !proto.Ran {
		return base
	}
	if proto.Likelihood > trigger && gated < base {
		return gated
	}
	return base
}
