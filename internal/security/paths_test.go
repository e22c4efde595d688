package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithin(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	data := filepath.Join(tmp, "data")
	outside := filepath.Join(tmp, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(data, "fault"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(data, "escape")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing dir", filepath.Join(data, "fault"), false},
		{"new nested path", filepath.Join(data, "protos", "run1"), false},
		{"root itself", data, false},
		{"dot dot", filepath.Join(data, "..", "outside"), true},
		{"sibling with common prefix", data + "2", true},
		{"symlink to outside", filepath.Join(data, "escape"), true},
		{"new file under symlink", filepath.Join(data, "escape", "new", "file.bin"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithin(tt.path, data)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinAny(t *testing.T) {
	t.Parallel()

	a, b := t.TempDir(), t.TempDir()
	assert.NoError(t, ValidatePathWithinAny(filepath.Join(b, "x"), []string{a, b}))
	assert.Error(t, ValidatePathWithinAny("/etc/passwd", []string{a, b}))
	assert.Error(t, ValidatePathWithinAny(a, nil))
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"spring-2026":        "spring-2026",
		"PLA on textured/..": "PLA_on_textured",
		"../../etc":          "etc",
		"":                   "unnamed",
		"***":                "unnamed",
		"a  b":               "a_b",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), in)
	}
}
