package prototype

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
	"github.com/rinkhals-tools/faultwatch/internal/preprocess"
	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

// solidCodec decodes any payload to a 4x4 image filled with its first byte.
type solidCodec struct{}

func (solidCodec) Config(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, preprocess.ErrDecode
	}
	return 4, 4, nil
}

func (solidCodec) Decode(data []byte, _ int) (preprocess.Image, error) {
	return preprocess.Image{W: 4, H: 4, Pix: bytes.Repeat(data[:1], 48)}, nil
}

// brightness embeds a solid frame of value v as [v, 2v].
func brightness(_ string, in []byte) (npu.Output, error) {
	v := float32(in[0])
	return npu.Output{Shape: []int{1, 2}, Data: []float32{v, 2 * v}}, nil
}

func brightnessGrid(_ string, in []byte) (npu.Output, error) {
	v := float32(in[0])
	data := make([]float32, 0, 8)
	for i := 0; i < 4; i++ {
		data = append(data, v, 2*v)
	}
	return npu.Output{Shape: []int{1, 2, 2, 2}, Data: data}, nil
}

type fixture struct {
	fs      *fsutil.MemoryFileSystem
	backend *npu.MockBackend
	svc     *Service
	ds      *Dataset
	req     Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("/models/set1/protonet.rknn", []byte("encoder-v1"), 0o644))
	require.NoError(t, fs.WriteFile("/models/set1/spatial_coarse.rknn", []byte("coarse-v1"), 0o644))

	backend := npu.NewMockBackend(0, 0, 0)
	backend.Handle("protonet.rknn", brightness)
	backend.Handle("spatial_coarse.rknn", brightnessGrid)

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(fs, modelset.NewCatalog(fs, "/models"), npu.NewRunner(backend, clock),
		&preprocess.Pipeline{Codec: solidCodec{}, CropSize: 4, ResizeShort: 4}, clock)

	return &fixture{
		fs:      fs,
		backend: backend,
		svc:     svc,
		ds:      NewDataset(fs, "/data"),
		req:     Request{Mode: ModeFull, Dataset: "/data", ModelSet: "set1", Output: "/protos/run"},
	}
}

func (f *fixture) add(t *testing.T, class Class, values ...byte) {
	t.Helper()
	for _, v := range values {
		_, added, err := f.ds.Add(class, []byte{v, byte(len(class)), 0xd8})
		require.NoError(t, err)
		require.True(t, added)
	}
}

func (f *fixture) blob(t *testing.T, dir string, k modelset.Kind) modelset.Prototypes {
	t.Helper()
	data, err := f.fs.ReadFile(filepath.Join(dir, k.PrototypeFile()))
	require.NoError(t, err)
	p, err := modelset.DecodePrototypes(data)
	require.NoError(t, err)
	return p
}

func TestDataset_AddDeduplicates(t *testing.T) {
	t.Parallel()

	ds := NewDataset(fsutil.NewMemoryFileSystem(), "/data")
	img := []byte("jpeg-bytes")

	name, added, err := ds.Add(ClassFault, img)
	require.NoError(t, err)
	assert.True(t, added)

	again, added, err := ds.Add(ClassFault, img)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, name, again)

	_, added, err = ds.Add(ClassOK, img)
	require.NoError(t, err)
	assert.True(t, added, "dedup is per class")

	l, err := ds.Ledger()
	require.NoError(t, err)
	assert.True(t, l.Contains(ClassFault, HashImage(img)))
	assert.Len(t, l[ClassFault], 1)

	counts, err := ds.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[Class]int{ClassFault: 1, ClassOK: 1}, counts)

	_, _, err = ds.Add(ClassOK, nil)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	t.Parallel()

	c, err := ParseClass(" FAULT ")
	require.NoError(t, err)
	assert.Equal(t, ClassFault, c)
	_, err = ParseClass("maybe")
	assert.Error(t, err)

	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)
	_, err = ParseMode("partial")
	assert.Error(t, err)
}

func TestDefaultOutput(t *testing.T) {
	t.Parallel()
	assert.Equal(t, filepath.Join("/data/ds", "prototypes", "set_v2"), DefaultOutput("/data/ds", "set v2"))
	assert.Equal(t, filepath.Join("/data/ds", "prototypes", "etc"), DefaultOutput("/data/ds", "../../etc"))
}

func TestMerge_MatchesDirectAverage(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	for iter := 0; iter < 200; iter++ {
		dim := 1 + rng.Intn(8)
		nOld, nNew := 1+rng.Intn(10), rng.Intn(10)
		var all [][]float64
		for i := 0; i < nOld+nNew; i++ {
			v := make([]float64, dim)
			for j := range v {
				v[j] = rng.Float64()*2 - 1
			}
			all = append(all, v)
		}

		oldSum := make([]float64, dim)
		newSum := make([]float64, dim)
		for i, v := range all {
			dst := newSum
			if i < nOld {
				dst = oldSum
			}
			for j := range v {
				dst[j] += v[j]
			}
		}
		oldMean := Merge(nil, 0, oldSum, nOld)
		merged := Merge(toFloat32(oldMean), nOld, newSum, nNew)

		direct := make([]float64, dim)
		for _, v := range all {
			for j := range v {
				direct[j] += v[j] / float64(len(all))
			}
		}
		require.InDeltaSlice(t, direct, merged, 1e-6)
	}
}

func TestSeparate(t *testing.T) {
	t.Parallel()

	s := Separate([]float64{1, 0}, []float64{0, 1})
	assert.InDelta(t, 0.0, s.Cosine, 1e-12)
	assert.InDelta(t, 1.0, s.Margin, 1e-12)
}

func TestCompute_Full(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 2, 4)
	f.add(t, ClassOK, 10, 20)

	meta, err := f.svc.Compute(context.Background(), f.req)
	require.NoError(t, err)

	p := f.blob(t, f.req.Output, modelset.ProtoNet)
	assert.Equal(t, []float32{3, 6}, p.Fault)
	assert.Equal(t, []float32{15, 30}, p.OK)
	coarse := f.blob(t, f.req.Output, modelset.SpatialCoarse)
	assert.Equal(t, []float32{3, 6}, coarse.Fault)

	require.Contains(t, meta.Models, "protonet")
	require.Contains(t, meta.Models, "spatial_coarse")
	assert.NotContains(t, meta.Models, "spatial_fine")
	st := meta.Models["protonet"]
	assert.Equal(t, 2, st.Dim)
	assert.Equal(t, map[Class]int{ClassFault: 2, ClassOK: 2}, st.Counts)
	assert.InDelta(t, 1.0, st.Separation.Cosine, 1e-9, "parallel prototypes")
	assert.Len(t, meta.Hashes[ClassFault], 2)
	assert.Equal(t, ModeFull, meta.Mode)
	assert.NotEmpty(t, meta.RunID)

	onDisk, err := ReadMetadata(f.fs, f.req.Output)
	require.NoError(t, err)
	assert.Equal(t, meta.RunID, onDisk.RunID)

	prog := f.svc.Progress()
	assert.Equal(t, PhaseDone, prog.Phase)
	assert.Equal(t, 8, prog.Total)
	assert.Equal(t, 8, prog.Done)
	assert.Zero(t, f.backend.Live())
}

func TestCompute_IncrementalMatchesFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 2, 4)
	f.add(t, ClassOK, 10, 20)
	_, err := f.svc.Compute(context.Background(), f.req)
	require.NoError(t, err)

	f.add(t, ClassFault, 6)
	f.add(t, ClassOK, 30, 40)
	before := len(f.backend.Loads())

	inc := f.req
	inc.Mode = ModeIncremental
	meta, err := f.svc.Compute(context.Background(), inc)
	require.NoError(t, err)
	assert.Equal(t, 2*3, len(f.backend.Loads())-before, "only new images are embedded")
	assert.Equal(t, map[Class]int{ClassFault: 3, ClassOK: 4}, meta.Models["protonet"].Counts)
	assert.Len(t, meta.Hashes[ClassOK], 4)

	full := f.req
	full.Output = "/protos/full"
	_, err = f.svc.Compute(context.Background(), full)
	require.NoError(t, err)

	for _, k := range []modelset.Kind{modelset.ProtoNet, modelset.SpatialCoarse} {
		got := f.blob(t, inc.Output, k)
		want := f.blob(t, full.Output, k)
		assert.InDeltaSlice(t, want.Fault, got.Fault, 1e-4, k.String())
		assert.InDeltaSlice(t, want.OK, got.OK, 1e-4, k.String())
	}
}

func TestCompute_IncrementalWithoutPreviousRunsFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 8)
	f.add(t, ClassOK, 16)
	req := f.req
	req.Mode = ModeIncremental

	meta, err := f.svc.Compute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[Class]int{ClassFault: 1, ClassOK: 1}, meta.Models["protonet"].Counts)
}

func TestCompute_EmptyClass(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 2)

	_, err := f.svc.Compute(context.Background(), f.req)
	require.ErrorIs(t, err, ErrEmptyClass)
	assert.False(t, f.fs.Exists(filepath.Join(f.req.Output, MetadataFile)))
	assert.False(t, f.fs.Exists(filepath.Join(f.req.Output, modelset.ProtoNet.PrototypeFile())))
	assert.Equal(t, PhaseFailed, f.svc.Progress().Phase)
	assert.Contains(t, f.svc.Progress().Error, "ok")
}

func TestCompute_Cancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 2, 4)
	f.add(t, ClassOK, 10, 20)
	f.backend.Handle("protonet.rknn", func(path string, in []byte) (npu.Output, error) {
		f.svc.Cancel()
		return brightness(path, in)
	})

	_, err := f.svc.Compute(context.Background(), f.req)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, f.backend.Loads(), 1, "stops before the next image")
	assert.False(t, f.fs.Exists(filepath.Join(f.req.Output, MetadataFile)))
	assert.Equal(t, PhaseCancelled, f.svc.Progress().Phase)
}

func TestCompute_ContextCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 2)
	f.add(t, ClassOK, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Compute(ctx, f.req)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestCompute_FailedModelLeavesNoFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 2)
	f.add(t, ClassOK, 10)
	f.backend.Handle("spatial_coarse.rknn", func(string, []byte) (npu.Output, error) {
		return npu.Output{}, errors.New("dma alloc failed hard")
	})

	_, err := f.svc.Compute(context.Background(), f.req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spatial_coarse")
	assert.True(t, f.fs.Exists(filepath.Join(f.req.Output, modelset.ProtoNet.PrototypeFile())))
	assert.False(t, f.fs.Exists(filepath.Join(f.req.Output, modelset.SpatialCoarse.PrototypeFile())))
	assert.False(t, f.fs.Exists(filepath.Join(f.req.Output, MetadataFile)))
}

func TestService_SubmitAndRunPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 2)
	f.add(t, ClassOK, 10)

	ran, err := f.svc.RunPending(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	require.Error(t, f.svc.Submit(Request{Mode: ModeFull}))
	require.NoError(t, f.svc.Submit(f.req))
	assert.ErrorIs(t, f.svc.Submit(f.req), ErrBusy)
	assert.True(t, f.svc.Pending())
	assert.Equal(t, PhasePending, f.svc.Progress().Phase)

	ran, err = f.svc.RunPending(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, f.svc.Pending())
	assert.Equal(t, PhaseDone, f.svc.Progress().Phase)

	require.NoError(t, f.svc.Submit(f.req))
	f.svc.Cancel()
	assert.False(t, f.svc.Pending())
	assert.Equal(t, PhaseCancelled, f.svc.Progress().Phase)
}

func TestActivate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add(t, ClassFault, 2)
	f.add(t, ClassOK, 10)

	ms, err := f.svc.Catalog.Open("set1")
	require.NoError(t, err)
	assert.False(t, ms.Has(modelset.ProtoNet), "no prototypes yet")

	_, err = Activate(f.fs, f.req.Output, ms)
	require.Error(t, err)

	_, err = f.svc.Compute(context.Background(), f.req)
	require.NoError(t, err)

	kinds, err := Activate(f.fs, f.req.Output, ms)
	require.NoError(t, err)
	assert.Equal(t, []modelset.Kind{modelset.ProtoNet, modelset.SpatialCoarse}, kinds)
	assert.True(t, ms.Has(modelset.ProtoNet))
	assert.True(t, ms.Has(modelset.SpatialCoarse))

	p, err := ms.LoadPrototypes(modelset.ProtoNet)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, p.Fault)

	require.NoError(t, f.fs.WriteFile(filepath.Join(f.req.Output, modelset.ProtoNet.PrototypeFile()), []byte("tampered"), 0o644))
	_, err = Activate(f.fs, f.req.Output, ms)
	assert.Error(t, err)
}
