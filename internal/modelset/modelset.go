// Package modelset discovers model-set directories and resolves the files
// inside them.
package modelset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rinkhals-tools/faultwatch/internal/config"
	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
)

// ErrModelNotFound is returned when a model file cannot be located.
var ErrModelNotFound = errors.New("model file not found")

// MetadataFile is the optional per-set description.
const MetadataFile = "modelset.json"

// Kind is a model role within a set.
type Kind int

const (
	CNN Kind = iota
	ProtoNet
	Multiclass
	SpatialFine
	SpatialCoarse
	kindCount
)

// Kinds lists every model role.
var Kinds = []Kind{CNN, ProtoNet, Multiclass, SpatialFine, SpatialCoarse}

func (k Kind) String() string {
	switch k {
	case CNN:
		return "cnn"
	case ProtoNet:
		return "protonet"
	case Multiclass:
		return "multiclass"
	case SpatialFine:
		return "spatial_fine"
	case SpatialCoarse:
		return "spatial_coarse"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DefaultFile is the conventional model filename of k.
func (k Kind) DefaultFile() string {
	return k.String() + ".rknn"
}

// PrototypeFile is the prototype blob of an encoder kind, or "" for
// classifiers that need none.
func (k Kind) PrototypeFile() string {
	switch k {
	case ProtoNet:
		return "prototypes.bin"
	case SpatialFine:
		return "spatial_fine_prototypes.bin"
	case SpatialCoarse:
		return "spatial_coarse_prototypes.bin"
	}
	return ""
}

// DefaultFaultClasses is the multiclass label order.
var DefaultFaultClasses = []string{
	"Cracking", "Layer Shifting", "Spaghetti", "Stringing", "Success", "Under-Extrusion", "Warping",
}

// SuccessLabel names the non-fault multiclass category.
const SuccessLabel = "Success"

// Metadata is the content of modelset.json.
type Metadata struct {
	DisplayName          string                    `json:"display_name,omitempty"`
	Description          string                    `json:"description,omitempty"`
	Files                map[string]string         `json:"files,omitempty"`
	PrototypesNormalized bool                      `json:"prototypes_normalized,omitempty"`
	InputGrayscale       *bool                     `json:"input_grayscale,omitempty"`
	FaultClasses         []string                  `json:"fault_classes,omitempty"`
	Profiles             []config.ThresholdProfile `json:"profiles,omitempty"`
}

// ModelSet is one directory of models.
type ModelSet struct {
	Name string
	Dir  string
	Meta Metadata

	fs        fsutil.FileSystem
	available [kindCount]bool
}

// Open reads the set at dir. A missing modelset.json is not an error.
func Open(fsys fsutil.FileSystem, dir string) (*ModelSet, error) {
	info, err := fsys.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("model set %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model set %s: not a directory", dir)
	}

	s := &ModelSet{Name: filepath.Base(dir), Dir: dir, fs: fsys}
	data, err := fsys.ReadFile(filepath.Join(dir, MetadataFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.Meta); err != nil {
			return nil, fmt.Errorf("model set %s: failed to parse %s: %w", s.Name, MetadataFile, err)
		}
		for i := range s.Meta.Profiles {
			if err := s.Meta.Profiles[i].Validate(); err != nil {
				return nil, fmt.Errorf("model set %s: profile %q: %w", s.Name, s.Meta.Profiles[i].Name, err)
			}
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("model set %s: %w", s.Name, err)
	}
	s.Refresh()
	return s, nil
}

// Refresh re-checks which model kinds are present on disk.
func (s *ModelSet) Refresh() {
	for _, k := range Kinds {
		_, err := s.Path(k)
		ok := err == nil
		if pf := k.PrototypeFile(); ok && pf != "" {
			ok = s.fs.Exists(filepath.Join(s.Dir, pf))
		}
		s.available[k] = ok
	}
}

// Has reports whether kind k was available at the last Refresh. Encoders
// count as available only with their prototypes.
func (s *ModelSet) Has(k Kind) bool {
	if k < 0 || k >= kindCount {
		return false
	}
	return s.available[k]
}

// Valid reports whether at least one model kind is usable.
func (s *ModelSet) Valid() bool {
	for _, k := range Kinds {
		if s.available[k] {
			return true
		}
	}
	return false
}

// Label returns the display name, falling back to the directory name.
func (s *ModelSet) Label() string {
	if s.Meta.DisplayName != "" {
		return s.Meta.DisplayName
	}
	return s.Name
}

// Grayscale reports whether inputs are converted to replicated luma.
func (s *ModelSet) Grayscale() bool {
	if s.Meta.InputGrayscale == nil {
		return true
	}
	return *s.Meta.InputGrayscale
}

// FaultClasses returns the multiclass label table.
func (s *ModelSet) FaultClasses() []string {
	if len(s.Meta.FaultClasses) > 0 {
		return s.Meta.FaultClasses
	}
	return DefaultFaultClasses
}

// Profile returns the named threshold profile. An empty or unknown name
// selects the first profile, or an all-default profile when there is none.
func (s *ModelSet) Profile(name string) config.ThresholdProfile {
	for _, p := range s.Meta.Profiles {
		if p.Name == name {
			return p
		}
	}
	if len(s.Meta.Profiles) > 0 {
		return s.Meta.Profiles[0]
	}
	return config.ThresholdProfile{Name: "default"}
}

// ProfileNames lists the profiles defined by the set.
func (s *ModelSet) ProfileNames() []string {
	names := make([]string, len(s.Meta.Profiles))
	for i, p := range s.Meta.Profiles {
		names[i] = p.Name
	}
	return names
}

func (s *ModelSet) configuredFile(k Kind) string {
	if f, ok := s.Meta.Files[k.String()]; ok && f != "" {
		return filepath.Base(f)
	}
	return k.DefaultFile()
}

// Path resolves the model file of kind k, checking the filesystem each call.
// Multiclass models have no fixed name in older sets, so a missing file
// falls back to *multiclass*.rknn and then to any .rknn no other kind claims.
func (s *ModelSet) Path(k Kind) (string, error) {
	name := s.configuredFile(k)
	p := filepath.Join(s.Dir, name)
	if s.fs.Exists(p) {
		return p, nil
	}
	if k != Multiclass {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, p)
	}

	matches, err := fsutil.Glob(s.fs, s.Dir, "*multiclass*.rknn")
	if err != nil {
		return "", err
	}
	if len(matches) > 0 {
		return filepath.Join(s.Dir, matches[0]), nil
	}

	claimed := map[string]bool{}
	for _, other := range Kinds {
		if other != Multiclass {
			claimed[strings.ToLower(s.configuredFile(other))] = true
		}
	}
	matches, err = fsutil.Glob(s.fs, s.Dir, "*.rknn")
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if !claimed[strings.ToLower(m)] {
			return filepath.Join(s.Dir, m), nil
		}
	}
	return "", fmt.Errorf("%w: no multiclass model in %s", ErrModelNotFound, s.Dir)
}

// LoadPrototypes reads the prototype blob of encoder kind k.
func (s *ModelSet) LoadPrototypes(k Kind) (Prototypes, error) {
	pf := k.PrototypeFile()
	if pf == "" {
		return Prototypes{}, fmt.Errorf("%s has no prototypes", k)
	}
	data, err := s.fs.ReadFile(filepath.Join(s.Dir, pf))
	if err != nil {
		return Prototypes{}, fmt.Errorf("failed to read %s prototypes: %w", k, err)
	}
	p, err := DecodePrototypes(data)
	if err != nil {
		return Prototypes{}, fmt.Errorf("%s prototypes: %w", k, err)
	}
	p.Normalized = s.Meta.PrototypesNormalized
	return p, nil
}
