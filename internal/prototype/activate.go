package prototype

import (
	"fmt"
	"path/filepath"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
)

// Activate copies the prototype blobs of the completed set in dir into the
// model set, making them live for the next cycle. It returns the activated
// encoder kinds.
func Activate(fsys fsutil.FileSystem, dir string, ms *modelset.ModelSet) ([]modelset.Kind, error) {
	meta, err := ReadMetadata(fsys, dir)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%s has no %s; the run did not complete", dir, MetadataFile)
	}

	var done []modelset.Kind
	for _, k := range Encoders {
		st, ok := meta.Models[k.String()]
		if !ok {
			continue
		}
		data, err := fsys.ReadFile(filepath.Join(dir, k.PrototypeFile()))
		if err != nil {
			return done, fmt.Errorf("%s: %w", k, err)
		}
		if blobHash(data) != st.BlobHash {
			return done, fmt.Errorf("%s: blob does not match %s", k, MetadataFile)
		}
		if err := fsutil.WriteFileAtomic(fsys, filepath.Join(ms.Dir, k.PrototypeFile()), data, 0o644); err != nil {
			return done, fmt.Errorf("%s: %w", k, err)
		}
		done = append(done, k)
	}
	if len(done) == 0 {
		return nil, fmt.Errorf("%s holds no prototypes", dir)
	}
	ms.Refresh()
	monitoring.Logf("[Prototype] activated run %s into %s (%d models)", meta.RunID, ms.Name, len(done))
	return done, nil
}
