package testutil

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
)

func TestWriteModelSet(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	dir := WriteModelSet(t, fsys, "/models", ModelSet{
		Name:  "set1",
		Kinds: []modelset.Kind{modelset.CNN, modelset.ProtoNet},
		Meta:  &modelset.Metadata{DisplayName: "Set One"},
	})
	assert.Equal(t, "/models/set1", dir)

	ms, err := modelset.Open(fsys, dir)
	require.NoError(t, err)
	assert.Equal(t, "Set One", ms.Label())
	assert.True(t, ms.Has(modelset.CNN))
	assert.True(t, ms.Has(modelset.ProtoNet))
	assert.False(t, ms.Has(modelset.Multiclass))

	p, err := ms.LoadPrototypes(modelset.ProtoNet)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Dim())
}

func TestNewRequest(t *testing.T) {
	t.Parallel()
	r := NewRequest(http.MethodPut, "/api/config", `{"a":1}`)
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	r = NewRequest(http.MethodGet, "/api/status", "")
	body, err = io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper()               {}
func (r *recordingTB) Errorf(string, ...any) { r.failed = true }

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()
	rec := &recordingTB{}
	AssertStatusCode(rec, http.StatusOK, http.StatusOK)
	assert.False(t, rec.failed)

	AssertStatusCode(rec, http.StatusOK, http.StatusBadRequest)
	assert.True(t, rec.failed)
}
