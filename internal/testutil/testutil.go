// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewRequest builds a test request with an optional string body.
func NewRequest(method, target, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return httptest.NewRequest(method, target, r)
}

// ModelSet describes a model set directory to create.
type ModelSet struct {
	Name  string
	Kinds []modelset.Kind
	Meta  *modelset.Metadata
	// Prototypes is written for every encoder kind in Kinds. Nil writes a
	// 2-dimensional orthogonal pair.
	Prototypes *modelset.Prototypes
}

// WriteModelSet creates placeholder model files, prototype blobs and the
// optional modelset.json under root, and returns the set directory.
func WriteModelSet(t testing.TB, fsys fsutil.FileSystem, root string, ms ModelSet) string {
	t.Helper()
	dir := filepath.Join(root, ms.Name)
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	protos := modelset.Prototypes{Fault: []float32{1, 0}, OK: []float32{0, 1}, Normalized: true}
	if ms.Prototypes != nil {
		protos = *ms.Prototypes
	}
	write := func(name string, data []byte) {
		if err := fsys.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	for _, k := range ms.Kinds {
		write(k.DefaultFile(), []byte(k.String()))
		if pf := k.PrototypeFile(); pf != "" {
			write(pf, protos.Encode())
		}
	}
	if ms.Meta != nil {
		data, err := json.Marshal(ms.Meta)
		if err != nil {
			t.Fatalf("encode metadata: %v", err)
		}
		write(modelset.MetadataFile, data)
	}
	return dir
}
