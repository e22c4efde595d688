package config

import (
	"fmt"
)

// ThresholdProfile is a named bundle of per-model thresholds and heatmap
// boost tuning. Nil fields mean "use the default".
type ThresholdProfile struct {
	Name string `json:"name,omitempty"`

	CNNThreshold      *float64 `json:"cnn_threshold,omitempty"`
	CNNGatedThreshold *float64 `json:"cnn_gated_threshold,omitempty"`
	ProtoThreshold    *float64 `json:"proto_threshold,omitempty"`
	ProtoGateTrigger  *float64 `json:"proto_gate_trigger,omitempty"`
	MultiThreshold    *float64 `json:"multi_threshold,omitempty"`
	EMAAlpha          *float64 `json:"ema_alpha,omitempty"`

	HeatmapEMAAlpha      *float64 `json:"heatmap_ema_alpha,omitempty"`
	CellThreshold        *float64 `json:"heatmap_cell_threshold,omitempty"`
	BoostThreshold       *float64 `json:"heatmap_boost_threshold,omitempty"`
	CorroborateThreshold *float64 `json:"heatmap_corroborate_threshold,omitempty"`
	MinStrongCells       *int     `json:"heatmap_min_strong_cells,omitempty"`
	CoarseWeight         *float64 `json:"heatmap_coarse_weight,omitempty"`
	LeanFactor           *float64 `json:"lean_factor,omitempty"`
	ProtoVetoMargin      *float64 `json:"proto_veto_margin,omitempty"`
	BoostGain            *float64 `json:"boost_gain,omitempty"`
	BoostConfidenceCap   *float64 `json:"boost_confidence_cap,omitempty"`
	BoostFallbackFloor   *float64 `json:"boost_fallback_floor,omitempty"`
	WeightCNN            *float64 `json:"weight_cnn,omitempty"`
	WeightProto          *float64 `json:"weight_proto,omitempty"`
	WeightMulti          *float64 `json:"weight_multi,omitempty"`
}

// Calibrated defaults.
const (
	DefaultCNNThreshold         = 0.29
	DefaultCNNGatedThreshold    = 0.15
	DefaultProtoThreshold       = 0.60
	DefaultProtoGateTrigger     = 0.35
	DefaultMultiThreshold       = 0.81
	DefaultVerifyMultiThreshold = 0.10
	DefaultEMAAlpha             = 0.5
	DefaultHeatmapEMAAlpha      = 0.5
	DefaultCellThreshold        = 0.30
	DefaultBoostThreshold       = 1.6
	DefaultCorroborateThreshold = 1.0
	DefaultMinStrongCells       = 3
	DefaultCoarseWeight         = 0.5
	DefaultLeanFactor           = 0.5
	DefaultProtoVetoMargin      = -0.10
	DefaultBoostGain            = 1.0
	DefaultBoostConfidenceCap   = 0.95
	DefaultBoostFallbackFloor   = 0.60
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

// Float64 returns a pointer to v, for building profiles in code.
func Float64(v float64) *float64 { return ptrFloat64(v) }

// Int returns a pointer to v.
func Int(v int) *int { return ptrInt(v) }

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func (p *ThresholdProfile) GetCNNThreshold() float64 {
	return getFloat(p.CNNThreshold, DefaultCNNThreshold)
}

func (p *ThresholdProfile) GetCNNGatedThreshold() float64 {
	return getFloat(p.CNNGatedThreshold, DefaultCNNGatedThreshold)
}

func (p *ThresholdProfile) GetProtoThreshold() float64 {
	return getFloat(p.ProtoThreshold, DefaultProtoThreshold)
}

func (p *ThresholdProfile) GetProtoGateTrigger() float64 {
	return getFloat(p.ProtoGateTrigger, DefaultProtoGateTrigger)
}

// GetMultiThreshold returns the multiclass threshold. Verify-style strategies
// use multiclass as a confirmer and default to a much lower bar.
func (p *ThresholdProfile) GetMultiThreshold(verifyStyle bool) float64 {
	if verifyStyle {
		return getFloat(p.MultiThreshold, DefaultVerifyMultiThreshold)
	}
	return getFloat(p.MultiThreshold, DefaultMultiThreshold)
}

func (p *ThresholdProfile) GetEMAAlpha() float64 {
	return getFloat(p.EMAAlpha, DefaultEMAAlpha)
}

func (p *ThresholdProfile) GetHeatmapEMAAlpha() float64 {
	return getFloat(p.HeatmapEMAAlpha, DefaultHeatmapEMAAlpha)
}

func (p *ThresholdProfile) GetCellThreshold() float64 {
	return getFloat(p.CellThreshold, DefaultCellThreshold)
}

func (p *ThresholdProfile) GetBoostThreshold() float64 {
	return getFloat(p.BoostThreshold, DefaultBoostThreshold)
}

func (p *ThresholdProfile) GetCorroborateThreshold() float64 {
	return getFloat(p.CorroborateThreshold, DefaultCorroborateThreshold)
}

func (p *ThresholdProfile) GetMinStrongCells() int {
	if p.MinStrongCells == nil {
		return DefaultMinStrongCells
	}
	return *p.MinStrongCells
}

func (p *ThresholdProfile) GetCoarseWeight() float64 {
	return getFloat(p.CoarseWeight, DefaultCoarseWeight)
}

func (p *ThresholdProfile) GetLeanFactor() float64 {
	return getFloat(p.LeanFactor, DefaultLeanFactor)
}

func (p *ThresholdProfile) GetProtoVetoMargin() float64 {
	return getFloat(p.ProtoVetoMargin, DefaultProtoVetoMargin)
}

func (p *ThresholdProfile) GetBoostGain() float64 {
	return getFloat(p.BoostGain, DefaultBoostGain)
}

func (p *ThresholdProfile) GetBoostConfidenceCap() float64 {
	return getFloat(p.BoostConfidenceCap, DefaultBoostConfidenceCap)
}

func (p *ThresholdProfile) GetBoostFallbackFloor() float64 {
	return getFloat(p.BoostFallbackFloor, DefaultBoostFallbackFloor)
}

// GetWeights returns the majority/verify weights for CNN, ProtoNet and multiclass.
func (p *ThresholdProfile) GetWeights() (cnn, proto, multi float64) {
	return getFloat(p.WeightCNN, 1), getFloat(p.WeightProto, 1), getFloat(p.WeightMulti, 1)
}

// Validate checks that every set value is in range.
func (p *ThresholdProfile) Validate() error {
	unit := []struct {
		name string
		v    *float64
	}{
		{"cnn_threshold", p.CNNThreshold},
		{"cnn_gated_threshold", p.CNNGatedThreshold},
		{"proto_gate_trigger", p.ProtoGateTrigger},
		{"multi_threshold", p.MultiThreshold},
		{"ema_alpha", p.EMAAlpha},
		{"heatmap_ema_alpha", p.HeatmapEMAAlpha},
		{"lean_factor", p.LeanFactor},
		{"boost_confidence_cap", p.BoostConfidenceCap},
		{"boost_fallback_floor", p.BoostFallbackFloor},
	}
	for _, f := range unit {
		if f.v != nil && (*f.v <= 0 || *f.v > 1) {
			return fmt.Errorf("%s must be in (0, 1], got %f", f.name, *f.v)
		}
	}

	positive := []struct {
		name string
		v    *float64
	}{
		{"heatmap_cell_threshold", p.CellThreshold},
		{"heatmap_boost_threshold", p.BoostThreshold},
		{"heatmap_corroborate_threshold", p.CorroborateThreshold},
		{"boost_gain", p.BoostGain},
		{"weight_cnn", p.WeightCNN},
		{"weight_proto", p.WeightProto},
		{"weight_multi", p.WeightMulti},
	}
	for _, f := range positive {
		if f.v != nil && *f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", f.name, *f.v)
		}
	}

	// cosine margins are signed
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"proto_threshold", p.ProtoThreshold},
		{"proto_veto_margin", p.ProtoVetoMargin},
	} {
		if f.v != nil && (*f.v < -1 || *f.v > 1) {
			return fmt.Errorf("%s must be in [-1, 1], got %f", f.name, *f.v)
		}
	}

	if p.CoarseWeight != nil && (*p.CoarseWeight < 0 || *p.CoarseWeight > 1) {
		return fmt.Errorf("heatmap_coarse_weight must be in [0, 1], got %f", *p.CoarseWeight)
	}
	if p.MinStrongCells != nil && *p.MinStrongCells < 1 {
		return fmt.Errorf("heatmap_min_strong_cells must be at least 1, got %d", *p.MinStrongCells)
	}
	if p.BoostThreshold != nil && p.CorroborateThreshold != nil && *p.CorroborateThreshold > *p.BoostThreshold {
		return fmt.Errorf("heatmap_corroborate_threshold (%f) must not exceed heatmap_boost_threshold (%f)",
			*p.CorroborateThreshold, *p.BoostThreshold)
	}
	return nil
}

// MergeProfiles returns base with every field set in override replacing it.
// Neither argument is modified; the result shares no pointers with them.
func MergeProfiles(base, override ThresholdProfile) ThresholdProfile {
	out := ThresholdProfile{Name: base.Name}
	if override.Name != "" {
		out.Name = override.Name
	}
	pickF := func(b, o *float64) *float64 {
		if o != nil {
			return ptrFloat64(*o)
		}
		if b != nil {
			return ptrFloat64(*b)
		}
		return nil
	}
	out.CNNThreshold = pickF(base.CNNThreshold, override.CNNThreshold)
	out.CNNGatedThreshold = pickF(base.CNNGatedThreshold, override.CNNGatedThreshold)
	out.ProtoThreshold = pickF(base.ProtoThreshold, override.ProtoThreshold)
	out.ProtoGateTrigger = pickF(base.ProtoGateTrigger, override.ProtoGateTrigger)
	out.MultiThreshold = pickF(base.MultiThreshold, override.MultiThreshold)
	out.EMAAlpha = pickF(base.EMAAlpha, override.EMAAlpha)
	out.HeatmapEMAAlpha = pickF(base.HeatmapEMAAlpha, override.HeatmapEMAAlpha)
	out.CellThreshold = pickF(base.CellThreshold, override.CellThreshold)
	out.BoostThreshold = pickF(base.BoostThreshold, override.BoostThreshold)
	out.CorroborateThreshold = pickF(base.CorroborateThreshold, override.CorroborateThreshold)
	out.CoarseWeight = pickF(base.CoarseWeight, override.CoarseWeight)
	out.LeanFactor = pickF(base.LeanFactor, override.LeanFactor)
	out.ProtoVetoMargin = pickF(base.ProtoVetoMargin, override.ProtoVetoMargin)
	out.BoostGain = pickF(base.BoostGain, override.BoostGain)
	out.BoostConfidenceCap = pickF(base.BoostConfidenceCap, override.BoostConfidenceCap)
	out.BoostFallbackFloor = pickF(base.BoostFallbackFloor, override.BoostFallbackFloor)
	out.WeightCNN = pickF(base.WeightCNN, override.WeightCNN)
	out.WeightProto = pickF(base.WeightProto, override.WeightProto)
	out.WeightMulti = pickF(base.WeightMulti, override.WeightMulti)
	switch {
	case override.MinStrongCells != nil:
		out.MinStrongCells = ptrInt(*override.MinStrongCells)
	case base.MinStrongCells != nil:
		out.MinStrongCells = ptrInt(*base.MinStrongCells)
	}
	return out
}
