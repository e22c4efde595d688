// Package prototype builds the per-class reference embeddings consumed by
// the ProtoNet classifier and the heatmap engine.
package prototype

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
)

// Class is a dataset label.
type Class string

const (
	ClassFault Class = "fault"
	ClassOK    Class = "ok"
)

// Classes is the processing order. Prototype blobs store FAULT first.
var Classes = []Class{ClassFault, ClassOK}

// ParseClass accepts "fault" or "ok", case-insensitively.
func ParseClass(s string) (Class, error) {
	switch Class(strings.ToLower(strings.TrimSpace(s))) {
	case ClassFault:
		return ClassFault, nil
	case ClassOK:
		return ClassOK, nil
	}
	return "", fmt.Errorf("unknown class %q", s)
}

// LedgerFile records the content hash of every dataset image.
const LedgerFile = "hashes.json"

// imagePatterns are the file types picked up from class folders.
var imagePatterns = []string{"*.jpg", "*.jpeg", "*.JPG", "*.JPEG"}

// Ledger maps class to content hash to file name.
type Ledger map[Class]map[string]string

// Contains reports whether hash is recorded for class.
func (l Ledger) Contains(class Class, hash string) bool {
	_, ok := l[class][hash]
	return ok
}

func (l Ledger) add(class Class, hash, name string) {
	if l[class] == nil {
		l[class] = map[string]string{}
	}
	l[class][hash] = name
}

// HashImage returns the dedup hash of an encoded image.
func HashImage(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Image is one dataset file.
type Image struct {
	Class Class
	Name  string
	Path  string
}

// Dataset is a directory with one image folder per class.
type Dataset struct {
	FS   fsutil.FileSystem
	Root string
}

// NewDataset returns the dataset rooted at root.
func NewDataset(fsys fsutil.FileSystem, root string) *Dataset {
	return &Dataset{FS: fsys, Root: root}
}

// ClassDir returns the folder of class.
func (d *Dataset) ClassDir(class Class) string {
	return filepath.Join(d.Root, string(class))
}

// Images lists the images of class sorted by name. A missing folder yields
// no images.
func (d *Dataset) Images(class Class) ([]Image, error) {
	seen := map[string]bool{}
	var names []string
	for _, p := range imagePatterns {
		matches, err := fsutil.Glob(d.FS, d.ClassDir(class), p)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				names = append(names, m)
			}
		}
	}
	sort.Strings(names)
	out := make([]Image, len(names))
	for i, n := range names {
		out[i] = Image{Class: class, Name: n, Path: filepath.Join(d.ClassDir(class), n)}
	}
	return out, nil
}

// Counts returns the number of images per class.
func (d *Dataset) Counts() (map[Class]int, error) {
	counts := map[Class]int{}
	for _, c := range Classes {
		imgs, err := d.Images(c)
		if err != nil {
			return nil, err
		}
		counts[c] = len(imgs)
	}
	return counts, nil
}

// Ledger reads hashes.json. A missing ledger is empty.
func (d *Dataset) Ledger() (Ledger, error) {
	l := Ledger{}
	data, err := d.FS.ReadFile(filepath.Join(d.Root, LedgerFile))
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}
	return l, nil
}

func (d *Dataset) saveLedger(l Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(d.FS, filepath.Join(d.Root, LedgerFile), data, 0o644)
}

// Add stores an encoded image under class unless an identical image is
// already recorded. It returns the file name and whether it was written.
func (d *Dataset) Add(class Class, data []byte) (string, bool, error) {
	if len(data) == 0 {
		return "", false, fmt.Errorf("empty image")
	}
	l, err := d.Ledger()
	if err != nil {
		return "", false, err
	}
	hash := HashImage(data)
	if name, ok := l[class][hash]; ok {
		return name, false, nil
	}

	name := d.nextName(class, l, hash)
	if err := fsutil.WriteFileAtomic(d.FS, filepath.Join(d.ClassDir(class), name), data, 0o644); err != nil {
		return "", false, fmt.Errorf("failed to store image: %w", err)
	}
	l.add(class, hash, name)
	if err := d.saveLedger(l); err != nil {
		return "", false, fmt.Errorf("failed to update ledger: %w", err)
	}
	return name, true, nil
}

// nextName numbers captures per class: fault_0001_<hash8>.jpg.
func (d *Dataset) nextName(class Class, l Ledger, hash string) string {
	n := len(l[class]) + 1
	for {
		name := string(class) + "_" + pad(n) + "_" + hash[:8] + ".jpg"
		if !d.FS.Exists(filepath.Join(d.ClassDir(class), name)) {
			return name
		}
		n++
	}
}

func pad(n int) string {
	s := strconv.Itoa(n)
	if len(s) < 4 {
		s = strings.Repeat("0", 4-len(s)) + s
	}
	return s
}
