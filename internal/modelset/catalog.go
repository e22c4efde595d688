package modelset

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
)

// Catalog is the root directory holding one subdirectory per model set.
type Catalog struct {
	FS   fsutil.FileSystem
	Root string
}

// NewCatalog returns a catalog over root.
func NewCatalog(fsys fsutil.FileSystem, root string) *Catalog {
	return &Catalog{FS: fsys, Root: root}
}

// Scan returns every valid model set under the root, sorted by name.
// Sets that fail to open are logged and skipped.
func (c *Catalog) Scan() ([]*ModelSet, error) {
	dirs, err := fsutil.Subdirs(c.FS, c.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", c.Root, err)
	}
	var sets []*ModelSet
	for _, d := range dirs {
		s, err := Open(c.FS, filepath.Join(c.Root, d))
		if err != nil {
			monitoring.Logf("[ModelSet] skipping %s: %v", d, err)
			continue
		}
		if !s.Valid() {
			continue
		}
		sets = append(sets, s)
	}
	return sets, nil
}

// Open opens the named set. The name must be a plain directory name.
func (c *Catalog) Open(name string) (*ModelSet, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid model set name %q", name)
	}
	return Open(c.FS, filepath.Join(c.Root, name))
}
