package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/fusion"
	"github.com/rinkhals-tools/faultwatch/internal/regionmask"
	"github.com/rinkhals-tools/faultwatch/internal/zmask"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "faultwatch.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultDetectionConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultDetectionConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, fusion.StrategyAnd, cfg.Strategy)
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, 2*time.Second, cfg.VerifyInterval)
	assert.Equal(t, 20, cfg.MinFreeMemMB)
	assert.Equal(t, 150*time.Millisecond, cfg.Pace)
	assert.Equal(t, regionmask.DefaultCells, cfg.StaticMask.Count())
	assert.Equal(t, 0, cfg.ZMasks.Len())
}

func TestLoadDetectionConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
  "fault_detect_enabled": true,
  "fault_detect_strategy": "Verify",
  "fault_detect_interval": 10,
  "fault_detect_verify_interval": 3,
  "fault_detect_model_set": "kobra_v2",
  "fault_detect_threshold_profile": "sensitive",
  "fd_thresholds": {"cnn_threshold": 0.4},
  "fault_detect_pace_ms": 50,
  "fault_detect_beep_pattern": 2,
  "fault_detect_mask": "ff",
  "fault_detect_z_masks": [[30, "f0"], [5, "0f"]]
}`)
	cfg, err := LoadDetectionConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, fusion.StrategyVerify, cfg.Strategy)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 3*time.Second, cfg.VerifyInterval)
	assert.Equal(t, "kobra_v2", cfg.ModelSet)
	assert.Equal(t, "sensitive", cfg.ThresholdProfile)
	require.NotNil(t, cfg.CustomThresholds)
	assert.Equal(t, 0.4, cfg.CustomThresholds.GetCNNThreshold())
	assert.Equal(t, 50*time.Millisecond, cfg.Pace)
	assert.Equal(t, 2, cfg.BeepPattern)
	assert.Equal(t, 8, cfg.StaticMask.Count())
	require.Equal(t, 2, cfg.ZMasks.Len())
	assert.Equal(t, 5.0, cfg.ZMasks.Entries()[0].Height)

	// untouched fields keep defaults
	assert.True(t, cfg.CNNEnabled)
	assert.Equal(t, 20, cfg.MinFreeMemMB)
}

func TestLoadDetectionConfig_Clamps(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
  "fault_detect_interval": 0,
  "fault_detect_verify_interval": 99,
  "fault_detect_min_free_mem": 1000,
  "fault_detect_pace_ms": -5,
  "fault_detect_beep_pattern": 9
}`)
	cfg, err := LoadDetectionConfig(path)
	require.NoError(t, err)

	assert.Equal(t, MinInterval, cfg.Interval)
	assert.Equal(t, MaxVerifyInterval, cfg.VerifyInterval)
	assert.Equal(t, MaxFreeMemFloor, cfg.MinFreeMemMB)
	assert.Equal(t, time.Duration(0), cfg.Pace)
	assert.Equal(t, MaxBeepPattern, cfg.BeepPattern)
}

func TestLoadDetectionConfig_MigratesLegacyMask(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
  "fault_detect_mask": "ff:ffffffffffffffff:ffffffffffffffff:ffffffffffffffff",
  "fault_detect_z_masks": [[0, "0:0:0:1"], [10, "3"]]
}`)
	cfg, err := LoadDetectionConfig(path)
	require.NoError(t, err)

	full := regionmask.AllOnes(regionmask.DefaultCells)
	assert.Equal(t, full, cfg.StaticMask)
	require.Equal(t, 2, cfg.ZMasks.Len())
	assert.Equal(t, full, cfg.ZMasks.Entries()[0].Mask)
	assert.Equal(t, 2, cfg.ZMasks.Entries()[1].Mask.Count())
}

func TestLoadFileConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad strategy":  `{"fault_detect_strategy": "sometimes"}`,
		"bad mask":      `{"fault_detect_mask": "xyz"}`,
		"bad threshold": `{"fd_thresholds": {"cnn_threshold": 1.5}}`,
		"bad json":      `{`,
		"bad z table":   `{"fault_detect_z_masks": [[1]]}`,
	}
	for name, body := range tests {
		_, err := LoadFileConfig(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err := LoadFileConfig(filepath.Join(t.TempDir(), "config.yaml"))
	assert.ErrorContains(t, err, ".json")

	_, err = LoadFileConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSaveFileConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultDetectionConfig()
	cfg.Enabled = true
	cfg.Strategy = fusion.StrategyMajority
	cfg.CustomThresholds = &ThresholdProfile{BoostThreshold: Float64(2.0)}
	cfg.StaticMask = regionmask.AllOnes(40)

	path := filepath.Join(t.TempDir(), "out", "faultwatch.json")
	require.NoError(t, SaveFileConfig(fsutil.OSFileSystem{}, path, FileConfigFrom(cfg)))

	loaded, err := LoadDetectionConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded, cmp.AllowUnexported(zmask.Table{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectionConfig_CloneIsolation(t *testing.T) {
	t.Parallel()

	cfg := DefaultDetectionConfig()
	cfg.CustomThresholds = &ThresholdProfile{CNNThreshold: Float64(0.3)}

	cp := cfg.Clone()
	*cp.CustomThresholds.CNNThreshold = 0.9
	assert.Equal(t, 0.3, cfg.CustomThresholds.GetCNNThreshold())
}

func TestDetectionConfig_ResolveProfile(t *testing.T) {
	t.Parallel()

	selected := ThresholdProfile{Name: "default", CNNThreshold: Float64(0.2), ProtoThreshold: Float64(0.5)}
	cfg := DefaultDetectionConfig()

	p := cfg.ResolveProfile(selected)
	assert.Equal(t, 0.2, p.GetCNNThreshold())

	cfg.CustomThresholds = &ThresholdProfile{CNNThreshold: Float64(0.4)}
	p = cfg.ResolveProfile(selected)
	assert.Equal(t, 0.4, p.GetCNNThreshold())
	assert.Equal(t, 0.5, p.GetProtoThreshold())
	assert.Equal(t, "default", p.Name)
}
