package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/fusion"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/regionmask"
	"github.com/rinkhals-tools/faultwatch/internal/zmask"
)

// FileConfig is the on-disk form of DetectionConfig. Fields omitted from the
// file keep their defaults.
type FileConfig struct {
	Enabled          *bool             `json:"fault_detect_enabled,omitempty"`
	CNNEnabled       *bool             `json:"fault_detect_cnn_enabled,omitempty"`
	ProtoEnabled     *bool             `json:"fault_detect_proto_enabled,omitempty"`
	MultiEnabled     *bool             `json:"fault_detect_multi_enabled,omitempty"`
	Strategy         *string           `json:"fault_detect_strategy,omitempty"`
	IntervalSeconds  *int              `json:"fault_detect_interval,omitempty"`
	VerifySeconds    *int              `json:"fault_detect_verify_interval,omitempty"`
	ModelSet         *string           `json:"fault_detect_model_set,omitempty"`
	ThresholdProfile *string           `json:"fault_detect_threshold_profile,omitempty"`
	Thresholds       *ThresholdProfile `json:"fd_thresholds,omitempty"`
	HeatmapEnabled   *bool             `json:"fault_detect_heatmap_enabled,omitempty"`
	DebugLogging     *bool             `json:"fd_debug_logging,omitempty"`
	MinFreeMemMB     *int              `json:"fault_detect_min_free_mem,omitempty"`
	PaceMillis       *int              `json:"fault_detect_pace_ms,omitempty"`
	BeepPattern      *int              `json:"fault_detect_beep_pattern,omitempty"`
	SetupMode        *bool             `json:"fault_detect_setup_mode,omitempty"`
	Mask             *string           `json:"fault_detect_mask,omitempty"`
	ZMasks           *zmask.Table      `json:"fault_detect_z_masks,omitempty"`
}

const maxFileSize = 1 * 1024 * 1024 // 1MB

// LoadFileConfig reads a FileConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadFileConfig(path string) (*FileConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	fc := &FileConfig{}
	if err := json.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return fc, nil
}

// LoadDetectionConfig returns the defaults overlaid with the file at path.
func LoadDetectionConfig(path string) (DetectionConfig, error) {
	cfg := DefaultDetectionConfig()
	fc, err := LoadFileConfig(path)
	if err != nil {
		return cfg, err
	}
	if err := fc.Apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that cannot be clamped.
func (fc *FileConfig) Validate() error {
	if fc.Strategy != nil {
		if _, err := fusion.ParseStrategy(*fc.Strategy); err != nil {
			return err
		}
	}
	if fc.Mask != nil {
		if _, _, err := regionmask.ParseStored(*fc.Mask); err != nil {
			return fmt.Errorf("fault_detect_mask: %w", err)
		}
	}
	if fc.Thresholds != nil {
		if err := fc.Thresholds.Validate(); err != nil {
			return fmt.Errorf("fd_thresholds: %w", err)
		}
	}
	return nil
}

// Apply overlays the set fields onto cfg, clamping numeric ranges.
func (fc *FileConfig) Apply(cfg *DetectionConfig) error {
	if err := fc.Validate(); err != nil {
		return err
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&cfg.Enabled, fc.Enabled)
	setBool(&cfg.CNNEnabled, fc.CNNEnabled)
	setBool(&cfg.ProtoEnabled, fc.ProtoEnabled)
	setBool(&cfg.MultiEnabled, fc.MultiEnabled)
	setBool(&cfg.HeatmapEnabled, fc.HeatmapEnabled)
	setBool(&cfg.DebugLogging, fc.DebugLogging)
	setBool(&cfg.SetupMode, fc.SetupMode)

	if fc.Strategy != nil {
		s, _ := fusion.ParseStrategy(*fc.Strategy)
		cfg.Strategy = s
	}
	if fc.IntervalSeconds != nil {
		cfg.Interval = clampDuration(time.Duration(*fc.IntervalSeconds)*time.Second, MinInterval, MaxInterval)
	}
	if fc.VerifySeconds != nil {
		cfg.VerifyInterval = clampDuration(time.Duration(*fc.VerifySeconds)*time.Second, MinVerifyInterval, MaxVerifyInterval)
	}
	if fc.ModelSet != nil {
		cfg.ModelSet = *fc.ModelSet
	}
	if fc.ThresholdProfile != nil {
		cfg.ThresholdProfile = *fc.ThresholdProfile
	}
	if fc.Thresholds != nil {
		p := MergeProfiles(ThresholdProfile{}, *fc.Thresholds)
		cfg.CustomThresholds = &p
	}
	if fc.MinFreeMemMB != nil {
		cfg.MinFreeMemMB = clampInt(*fc.MinFreeMemMB, MinFreeMemFloor, MaxFreeMemFloor)
	}
	if fc.PaceMillis != nil {
		cfg.Pace = clampDuration(time.Duration(*fc.PaceMillis)*time.Millisecond, 0, MaxPace)
	}
	if fc.BeepPattern != nil {
		cfg.BeepPattern = clampInt(*fc.BeepPattern, 0, MaxBeepPattern)
	}
	if fc.Mask != nil {
		m, migrated, _ := regionmask.ParseStored(*fc.Mask)
		if migrated {
			monitoring.Logf("[Config] migrating legacy 14x14 mask to the %dx%d grid", regionmask.DefaultRows, regionmask.DefaultCols)
		}
		cfg.StaticMask = m
	}
	if fc.ZMasks != nil {
		cfg.ZMasks = *fc.ZMasks
	}
	return nil
}

// FileConfigFrom builds a fully populated FileConfig from cfg.
func FileConfigFrom(cfg DetectionConfig) *FileConfig {
	b := func(v bool) *bool { return &v }
	s := func(v string) *string { return &v }
	i := func(v int) *int { return &v }
	fc := &FileConfig{
		Enabled:          b(cfg.Enabled),
		CNNEnabled:       b(cfg.CNNEnabled),
		ProtoEnabled:     b(cfg.ProtoEnabled),
		MultiEnabled:     b(cfg.MultiEnabled),
		Strategy:         s(string(cfg.Strategy)),
		IntervalSeconds:  i(int(cfg.Interval / time.Second)),
		VerifySeconds:    i(int(cfg.VerifyInterval / time.Second)),
		ModelSet:         s(cfg.ModelSet),
		ThresholdProfile: s(cfg.ThresholdProfile),
		HeatmapEnabled:   b(cfg.HeatmapEnabled),
		DebugLogging:     b(cfg.DebugLogging),
		MinFreeMemMB:     i(cfg.MinFreeMemMB),
		PaceMillis:       i(int(cfg.Pace / time.Millisecond)),
		BeepPattern:      i(cfg.BeepPattern),
		SetupMode:        b(cfg.SetupMode),
		Mask:             s(cfg.StaticMask.Hex()),
	}
	if cfg.CustomThresholds != nil {
		p := MergeProfiles(ThresholdProfile{}, *cfg.CustomThresholds)
		fc.Thresholds = &p
	}
	if cfg.ZMasks.Len() > 0 {
		z := cfg.ZMasks
		fc.ZMasks = &z
	}
	return fc
}

// SaveFileConfig writes fc as indented JSON through fsys.
func SaveFileConfig(fsys fsutil.FileSystem, path string, fc *FileConfig) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return fsutil.WriteFileAtomic(fsys, path, data, 0644)
}
