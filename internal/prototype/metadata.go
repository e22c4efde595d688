package prototype

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/security"
)

// MetadataFile describes a prototype set.
const MetadataFile = "metadata.json"

// Mode selects how a run treats existing prototypes.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode accepts "full" or "incremental".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, "":
		return ModeFull, nil
	case ModeIncremental:
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown prototype mode %q", s)
}

// Separation measures how distinct the two class prototypes are.
type Separation struct {
	Cosine float64 `json:"cosine_similarity"`
	Margin float64 `json:"margin"`
}

// ModelStats is the per-encoder record of a run.
type ModelStats struct {
	BlobHash    string        `json:"blob_hash"`
	EncoderHash string        `json:"encoder_hash"`
	Dim         int           `json:"dim"`
	Counts      map[Class]int `json:"counts"`
	Separation  Separation    `json:"separation"`
}

// Metadata is the content of metadata.json.
type Metadata struct {
	RunID     string                `json:"run_id"`
	CreatedAt time.Time             `json:"created_at"`
	Mode      Mode                  `json:"mode"`
	Dataset   string                `json:"dataset"`
	ModelSet  string                `json:"model_set"`
	Models    map[string]ModelStats `json:"models"`
	// Hashes lists every image folded into the prototypes, per class.
	Hashes map[Class][]string `json:"image_hashes"`
}

// Contains reports whether hash was folded into a previous run.
func (m *Metadata) Contains(class Class, hash string) bool {
	if m == nil {
		return false
	}
	for _, h := range m.Hashes[class] {
		if h == hash {
			return true
		}
	}
	return false
}

// ReadMetadata loads the metadata of the set in dir. A missing file returns
// nil without error.
func ReadMetadata(fsys fsutil.FileSystem, dir string) (*Metadata, error) {
	data, err := fsys.ReadFile(filepath.Join(dir, MetadataFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", MetadataFile, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetadataFile, err)
	}
	return &m, nil
}

func writeMetadata(fsys fsutil.FileSystem, dir string, m *Metadata) error {
	for c := range m.Hashes {
		sort.Strings(m.Hashes[c])
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(fsys, filepath.Join(dir, MetadataFile), data, 0o644)
}

// DefaultOutput is the prototype set directory used when a request names
// none: a per-model-set folder inside the dataset.
func DefaultOutput(dataset, modelSet string) string {
	return filepath.Join(dataset, "prototypes", security.SanitizeName(modelSet))
}
