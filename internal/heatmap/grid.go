// Package heatmap localises fault evidence on a grid of spatial embeddings
// and decides when that evidence overrides an OK verdict.
package heatmap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
)

// Grid is a row-major matrix of per-cell values.
type Grid struct {
	Rows, Cols int
	Cells      []float64
}

// NewGrid allocates a zero grid.
func NewGrid(rows, cols int) Grid {
	return Grid{Rows: rows, Cols: cols, Cells: make([]float64, rows*cols)}
}

// At returns cell (r, c). It panics outside the grid.
func (g Grid) At(r, c int) float64 {
	if r < 0 || r >= g.Rows || c < 0 || c >= g.Cols {
		panic(fmt.Sprintf("heatmap: cell (%d,%d) outside %dx%d grid", r, c, g.Rows, g.Cols))
	}
	return g.Cells[r*g.Cols+c]
}

// Set assigns cell (r, c).
func (g Grid) Set(r, c int, v float64) {
	if r < 0 || r >= g.Rows || c < 0 || c >= g.Cols {
		panic(fmt.Sprintf("heatmap: cell (%d,%d) outside %dx%d grid", r, c, g.Rows, g.Cols))
	}
	g.Cells[r*g.Cols+c] = v
}

// Empty reports a grid without cells.
func (g Grid) Empty() bool { return len(g.Cells) == 0 }

// Embeddings is an encoder output of Rows x Cols cells of Dim values.
type Embeddings struct {
	Rows, Cols, Dim int
	Data            []float32
}

// Cell returns the embedding of cell (r, c).
func (e Embeddings) Cell(r, c int) []float32 {
	off := (r*e.Cols + c) * e.Dim
	return e.Data[off : off+e.Dim]
}

// EmbeddingsFromOutput interprets a [1, H, W, D] or [H, W, D] tensor.
func EmbeddingsFromOutput(out npu.Output) (Embeddings, error) {
	shape := out.Shape
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 {
		return Embeddings{}, fmt.Errorf("spatial output shape %v is not HWC", out.Shape)
	}
	e := Embeddings{Rows: shape[0], Cols: shape[1], Dim: shape[2], Data: out.Data}
	if e.Rows*e.Cols*e.Dim != len(out.Data) || e.Dim == 0 {
		return Embeddings{}, fmt.Errorf("spatial output has %d values for shape %v", len(out.Data), out.Shape)
	}
	return e, nil
}

// Pool averages every cell into one vector (global average pooling).
func (e Embeddings) Pool() []float64 {
	sum := make([]float64, e.Dim)
	cell := make([]float64, e.Dim)
	for r := 0; r < e.Rows; r++ {
		for c := 0; c < e.Cols; c++ {
			toFloat64(cell, e.Cell(r, c))
			floats.Add(sum, cell)
		}
	}
	if n := e.Rows * e.Cols; n > 0 {
		floats.Scale(1/float64(n), sum)
	}
	return sum
}

func toFloat64(dst []float64, src []float32) []float64 {
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}

// Scorer computes prototype margins for embedding vectors.
type Scorer struct {
	fault, ok  []float64
	normalized bool
}

// NewScorer prepares p for repeated scoring.
func NewScorer(p modelset.Prototypes) (*Scorer, error) {
	if p.Dim() == 0 || len(p.OK) != p.Dim() {
		return nil, fmt.Errorf("prototypes have mismatched dimensions %d/%d", len(p.Fault), len(p.OK))
	}
	s := &Scorer{
		fault:      toFloat64(make([]float64, p.Dim()), p.Fault),
		ok:         toFloat64(make([]float64, p.Dim()), p.OK),
		normalized: p.Normalized,
	}
	return s, nil
}

// Dim returns the prototype dimension.
func (s *Scorer) Dim() int { return len(s.fault) }

// Margin returns similarity to the FAULT prototype minus similarity to the
// OK prototype: a dot product for normalized prototypes, else cosine.
func (s *Scorer) Margin(v []float64) float64 {
	if s.normalized {
		return floats.Dot(v, s.fault) - floats.Dot(v, s.ok)
	}
	return Cosine(v, s.fault) - Cosine(v, s.ok)
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// Margins scores every cell of e.
func (s *Scorer) Margins(e Embeddings) (Grid, error) {
	if e.Dim != s.Dim() {
		return Grid{}, fmt.Errorf("embedding dimension %d does not match prototypes %d", e.Dim, s.Dim())
	}
	g := NewGrid(e.Rows, e.Cols)
	cell := make([]float64, e.Dim)
	for r := 0; r < e.Rows; r++ {
		for c := 0; c < e.Cols; c++ {
			g.Set(r, c, s.Margin(toFloat64(cell, e.Cell(r, c))))
		}
	}
	return g, nil
}

// Upscale resamples g to rows x cols with bilinear interpolation on cell
// centres.
func Upscale(g Grid, rows, cols int) Grid {
	out := NewGrid(rows, cols)
	if g.Empty() {
		return out
	}
	sy := float64(g.Rows) / float64(rows)
	sx := float64(g.Cols) / float64(cols)
	for r := 0; r < rows; r++ {
		fy := clamp((float64(r)+0.5)*sy-0.5, 0, float64(g.Rows-1))
		y0 := int(fy)
		y1 := min(y0+1, g.Rows-1)
		wy := fy - float64(y0)
		for c := 0; c < cols; c++ {
			fx := clamp((float64(c)+0.5)*sx-0.5, 0, float64(g.Cols-1))
			x0 := int(fx)
			x1 := min(x0+1, g.Cols-1)
			wx := fx - float64(x0)
			top := g.At(y0, x0)*(1-wx) + g.At(y0, x1)*wx
			bot := g.At(y1, x0)*(1-wx) + g.At(y1, x1)*wx
			out.Set(r, c, top*(1-wy)+bot*wy)
		}
	}
	return out
}

// Rescale min/max-normalizes g into [lo, hi]. A flat grid maps to the
// midpoint.
func Rescale(g Grid, lo, hi float64) Grid {
	out := NewGrid(g.Rows, g.Cols)
	if g.Empty() {
		return out
	}
	gmin, gmax := floats.Min(g.Cells), floats.Max(g.Cells)
	span := gmax - gmin
	for i, v := range g.Cells {
		if span == 0 {
			out.Cells[i] = (lo + hi) / 2
			continue
		}
		out.Cells[i] = lo + (v-gmin)/span*(hi-lo)
	}
	return out
}

// Blend combines a coarse and a fine margin grid: the coarse grid is
// upscaled to the fine resolution, the fine grid rescaled to the coarse
// value range, and the two mixed with coarseWeight.
func Blend(coarse, fine Grid, coarseWeight float64) Grid {
	up := Upscale(coarse, fine.Rows, fine.Cols)
	lo, hi := floats.Min(up.Cells), floats.Max(up.Cells)
	norm := Rescale(fine, lo, hi)
	out := NewGrid(fine.Rows, fine.Cols)
	for i := range out.Cells {
		out.Cells[i] = coarseWeight*up.Cells[i] + (1-coarseWeight)*norm.Cells[i]
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
