// Package config holds the detection engine configuration and the
// per-model-set threshold profiles.
package config

import (
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/fusion"
	"github.com/rinkhals-tools/faultwatch/internal/regionmask"
	"github.com/rinkhals-tools/faultwatch/internal/zmask"
)

// Limits applied when loading a config file.
const (
	MinInterval       = 1 * time.Second
	MaxInterval       = 60 * time.Second
	MinVerifyInterval = 1 * time.Second
	MaxVerifyInterval = 30 * time.Second
	MinFreeMemFloor   = 5
	MaxFreeMemFloor   = 100
	MaxPace           = 500 * time.Millisecond
	MaxBeepPattern    = 5
)

// DetectionConfig is the engine configuration. The scheduler copies it once
// per cycle; replace it wholesale to change behaviour.
type DetectionConfig struct {
	Enabled      bool
	CNNEnabled   bool
	ProtoEnabled bool
	MultiEnabled bool

	Strategy       fusion.Strategy
	Interval       time.Duration
	VerifyInterval time.Duration

	ModelSet         string
	ThresholdProfile string
	// CustomThresholds is merged over the selected profile when set.
	CustomThresholds *ThresholdProfile

	HeatmapEnabled bool
	DebugLogging   bool
	MinFreeMemMB   int
	Pace           time.Duration
	BeepPattern    int
	// SetupMode evaluates the whole grid and never alerts.
	SetupMode bool

	StaticMask regionmask.Mask
	ZMasks     zmask.Table
	MaskRows   int
	MaskCols   int
}

// DefaultDetectionConfig returns the startup configuration.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		Enabled:        false,
		CNNEnabled:     true,
		ProtoEnabled:   true,
		MultiEnabled:   true,
		Strategy:       fusion.DefaultStrategy,
		Interval:       5 * time.Second,
		VerifyInterval: 2 * time.Second,
		HeatmapEnabled: true,
		MinFreeMemMB:   20,
		Pace:           150 * time.Millisecond,
		StaticMask:     regionmask.AllOnes(regionmask.DefaultCells),
		MaskRows:       regionmask.DefaultRows,
		MaskCols:       regionmask.DefaultCols,
	}
}

// Clone returns a copy that shares no mutable state with c.
func (c DetectionConfig) Clone() DetectionConfig {
	out := c
	if c.CustomThresholds != nil {
		p := MergeProfiles(ThresholdProfile{}, *c.CustomThresholds)
		out.CustomThresholds = &p
	}
	return out
}

// EnabledModels returns the enable flags as a fusion set.
func (c DetectionConfig) EnabledModels() fusion.Enabled {
	return fusion.Enabled{CNN: c.CNNEnabled, ProtoNet: c.ProtoEnabled, Multiclass: c.MultiEnabled}
}

// ResolveProfile merges the custom thresholds over the given profile.
func (c DetectionConfig) ResolveProfile(selected ThresholdProfile) ThresholdProfile {
	if c.CustomThresholds == nil {
		return MergeProfiles(selected, ThresholdProfile{})
	}
	return MergeProfiles(selected, *c.CustomThresholds)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
