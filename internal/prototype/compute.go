package prototype

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/heatmap"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
)

// Encoders is the processing order of the embedding models.
var Encoders = []modelset.Kind{modelset.ProtoNet, modelset.SpatialFine, modelset.SpatialCoarse}

type hashedImage struct {
	Image
	hash string
}

// encoderPass is the work for one embedding model.
type encoderPass struct {
	kind        modelset.Kind
	path        string
	encoderHash string
	// base is the previous prototype merged into; nil for a full pass.
	base       *modelset.Prototypes
	baseCounts map[Class]int
}

// Compute runs req to completion on the calling goroutine. Metadata is
// written only when every encoder pass succeeded.
func (s *Service) Compute(ctx context.Context, req Request) (meta *Metadata, err error) {
	runID := uuid.New().String()
	s.update(func(p *Progress) {
		*p = Progress{Phase: PhaseRunning, Mode: req.Mode, RunID: runID, Started: s.Clock.Now()}
	})
	defer func() { s.finish(err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	ms, err := s.Catalog.Open(req.ModelSet)
	if err != nil {
		return nil, err
	}
	ds := NewDataset(s.FS, req.Dataset)

	var prev *Metadata
	if req.Mode == ModeIncremental {
		if prev, err = ReadMetadata(s.FS, req.Output); err != nil {
			return nil, err
		}
		if prev == nil {
			monitoring.Logf("[Prototype] no previous set in %s, computing from scratch", req.Output)
		}
	}

	all, err := s.hashDataset(ctx, ds)
	if err != nil {
		return nil, err
	}

	var passes []encoderPass
	for _, k := range Encoders {
		path, err := ms.Path(k)
		if err != nil {
			continue
		}
		encHash, err := s.fileHash(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		pass := encoderPass{kind: k, path: path, encoderHash: encHash}
		if prev != nil {
			pass.base, pass.baseCounts = s.mergeBase(req.Output, prev, k, encHash)
		}
		passes = append(passes, pass)
	}
	if len(passes) == 0 {
		return nil, fmt.Errorf("model set %s has no embedding models", ms.Name)
	}

	total := 0
	work := make([]map[Class][]hashedImage, len(passes))
	for i, pass := range passes {
		work[i] = map[Class][]hashedImage{}
		for _, c := range Classes {
			imgs := all[c]
			if pass.base != nil {
				imgs = unseen(imgs, c, prev)
			} else if len(imgs) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrEmptyClass, c)
			}
			work[i][c] = imgs
			total += len(imgs)
		}
	}
	s.update(func(p *Progress) { p.Total = total })

	meta = &Metadata{
		RunID:     runID,
		CreatedAt: s.Clock.Now().UTC(),
		Mode:      req.Mode,
		Dataset:   req.Dataset,
		ModelSet:  ms.Name,
		Models:    map[string]ModelStats{},
		Hashes:    map[Class][]string{},
	}
	for i, pass := range passes {
		stats, err := s.runPass(ctx, ms, req.Output, pass, work[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pass.kind, err)
		}
		meta.Models[pass.kind.String()] = stats
	}
	for _, c := range Classes {
		if prev != nil {
			meta.Hashes[c] = append(meta.Hashes[c], prev.Hashes[c]...)
			for _, img := range unseen(all[c], c, prev) {
				meta.Hashes[c] = append(meta.Hashes[c], img.hash)
			}
			continue
		}
		for _, img := range all[c] {
			meta.Hashes[c] = append(meta.Hashes[c], img.hash)
		}
	}
	if err := writeMetadata(s.FS, req.Output, meta); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	monitoring.Logf("[Prototype] run %s complete: %d models, %d images", runID, len(passes), total)
	return meta, nil
}

// hashDataset reads every image once, dropping in-class duplicates.
func (s *Service) hashDataset(ctx context.Context, ds *Dataset) (map[Class][]hashedImage, error) {
	out := map[Class][]hashedImage{}
	for _, c := range Classes {
		imgs, err := ds.Images(c)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, img := range imgs {
			if err := s.checkpoint(ctx); err != nil {
				return nil, err
			}
			data, err := s.FS.ReadFile(img.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", img.Path, err)
			}
			h := HashImage(data)
			if seen[h] {
				continue
			}
			seen[h] = true
			out[c] = append(out[c], hashedImage{Image: img, hash: h})
		}
	}
	return out, nil
}

func unseen(imgs []hashedImage, c Class, prev *Metadata) []hashedImage {
	var out []hashedImage
	for _, img := range imgs {
		if !prev.Contains(c, img.hash) {
			out = append(out, img)
		}
	}
	return out
}

func (s *Service) fileHash(path string) (string, error) {
	data, err := s.FS.ReadFile(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// mergeBase returns the previous prototype of k when an incremental merge is
// sound: same encoder, blob unchanged since the metadata was written.
func (s *Service) mergeBase(dir string, prev *Metadata, k modelset.Kind, encHash string) (*modelset.Prototypes, map[Class]int) {
	st, ok := prev.Models[k.String()]
	if !ok {
		monitoring.Logf("[Prototype] %s has no previous prototypes, full pass", k)
		return nil, nil
	}
	if st.EncoderHash != encHash {
		monitoring.Logf("[Prototype] %s encoder changed, full pass", k)
		return nil, nil
	}
	data, err := s.FS.ReadFile(filepath.Join(dir, k.PrototypeFile()))
	if err != nil {
		monitoring.Logf("[Prototype] %s previous blob unreadable (%v), full pass", k, err)
		return nil, nil
	}
	if blobHash(data) != st.BlobHash {
		monitoring.Logf("[Prototype] %s blob modified since last run, full pass", k)
		return nil, nil
	}
	p, err := modelset.DecodePrototypes(data)
	if err != nil || p.Dim() != st.Dim {
		monitoring.Logf("[Prototype] %s previous blob invalid, full pass", k)
		return nil, nil
	}
	return &p, st.Counts
}

func blobHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func (s *Service) runPass(ctx context.Context, ms *modelset.ModelSet, outDir string, pass encoderPass, work map[Class][]hashedImage) (ModelStats, error) {
	s.update(func(p *Progress) { p.Model = pass.kind.String() })

	dim := 0
	if pass.base != nil {
		dim = pass.base.Dim()
	}
	vecs := map[Class][]float64{}
	counts := map[Class]int{}
	for _, c := range Classes {
		s.update(func(p *Progress) { p.Class = c })
		sum := make([]float64, dim)
		n := 0
		for _, img := range work[c] {
			if err := s.checkpoint(ctx); err != nil {
				return ModelStats{}, err
			}
			v, err := s.embed(ctx, ms, pass, img)
			if err != nil {
				return ModelStats{}, err
			}
			if dim == 0 {
				dim = len(v)
				sum = make([]float64, dim)
			}
			if len(v) != dim {
				return ModelStats{}, fmt.Errorf("%s: embedding has %d values, want %d", img.Name, len(v), dim)
			}
			floats.Add(sum, v)
			n++
			s.update(func(p *Progress) { p.Done++ })
		}

		var old []float32
		oldN := 0
		if pass.base != nil {
			old = pass.base.Fault
			if c == ClassOK {
				old = pass.base.OK
			}
			oldN = pass.baseCounts[c]
		}
		if n+oldN == 0 {
			return ModelStats{}, fmt.Errorf("%w: %s", ErrEmptyClass, c)
		}
		vecs[c] = Merge(old, oldN, sum, n)
		counts[c] = oldN + n
	}
	if err := s.checkpoint(ctx); err != nil {
		return ModelStats{}, err
	}

	p := modelset.Prototypes{Fault: toFloat32(vecs[ClassFault]), OK: toFloat32(vecs[ClassOK])}
	if ms.Meta.PrototypesNormalized {
		normalize(p.Fault)
		normalize(p.OK)
	}
	sep := Separate(vecs[ClassFault], vecs[ClassOK])
	monitoring.Logf("[Prototype] %s: dim=%d fault=%d ok=%d cos=%.4f margin=%.4f",
		pass.kind, dim, counts[ClassFault], counts[ClassOK], sep.Cosine, sep.Margin)

	blob := p.Encode()
	if err := fsutil.WriteFileAtomic(s.FS, filepath.Join(outDir, pass.kind.PrototypeFile()), blob, 0o644); err != nil {
		return ModelStats{}, fmt.Errorf("failed to write prototypes: %w", err)
	}
	return ModelStats{
		BlobHash:    blobHash(blob),
		EncoderHash: pass.encoderHash,
		Dim:         dim,
		Counts:      counts,
		Separation:  sep,
	}, nil
}

// embed returns the embedding of one image: the raw vector for the
// classification encoder, the pooled grid for spatial encoders.
func (s *Service) embed(ctx context.Context, ms *modelset.ModelSet, pass encoderPass, img hashedImage) ([]float64, error) {
	data, err := s.FS.ReadFile(img.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", img.Name, err)
	}
	res, err := s.Pipeline.Process(data, 0, 0, ms.Grayscale())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", img.Name, err)
	}
	out, err := s.Runner.Run(ctx, pass.path, res.Tensor.Pix)
	if err != nil {
		return nil, err
	}
	return Embedding(pass.kind, out)
}

// Embedding flattens an encoder output into one vector.
func Embedding(k modelset.Kind, out npu.Output) ([]float64, error) {
	if k == modelset.SpatialFine || k == modelset.SpatialCoarse {
		e, err := heatmap.EmbeddingsFromOutput(out)
		if err != nil {
			return nil, err
		}
		return e.Pool(), nil
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("encoder produced no output")
	}
	v := make([]float64, len(out.Data))
	for i, x := range out.Data {
		v[i] = float64(x)
	}
	return v, nil
}

// Merge folds a sum of n new embeddings into a mean of oldN previous ones:
// (old*oldN + sum) / (oldN + n). With no previous mean it is sum / n.
func Merge(old []float32, oldN int, sum []float64, n int) []float64 {
	out := make([]float64, len(sum))
	if oldN > 0 && len(old) == len(sum) {
		for i, v := range old {
			out[i] = float64(v) * float64(oldN)
		}
	} else {
		oldN = 0
	}
	floats.Add(out, sum)
	if total := oldN + n; total > 0 {
		floats.Scale(1/float64(total), out)
	}
	return out
}

// Separate compares the class prototypes: cosine similarity, and the margin
// a perfect FAULT example would score (1 - cosine).
func Separate(fault, ok []float64) Separation {
	cos := heatmap.Cosine(fault, ok)
	return Separation{Cosine: cos, Margin: 1 - cos}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func normalize(v []float32) {
	var ss float64
	for _, x := range v {
		ss += float64(x) * float64(x)
	}
	if ss == 0 {
		return
	}
	inv := 1 / math.Sqrt(ss)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
