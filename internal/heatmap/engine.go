package heatmap

import (
	"math"

	"github.com/rinkhals-tools/faultwatch/internal/fusion"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/preprocess"
	"github.com/rinkhals-tools/faultwatch/internal/regionmask"
)

// Region restricts evaluation to part of the frame.
type Region struct {
	Mask       regionmask.Mask
	Rows, Cols int
	// Crop places the heatmap grid inside the full frame the mask was drawn on.
	Crop preprocess.Rect
}

// Active reports whether grid cell (r, c) of a rows x cols grid falls on a
// set mask cell. An all-zero mask leaves every cell active.
func (reg Region) Active(r, c, rows, cols int) bool {
	if reg.Mask.IsZero() || reg.Rows <= 0 || reg.Cols <= 0 {
		return true
	}
	x, y := reg.Crop.Map((float64(c)+0.5)/float64(cols), (float64(r)+0.5)/float64(rows))
	mr := min(int(y*float64(reg.Rows)), reg.Rows-1)
	mc := min(int(x*float64(reg.Cols)), reg.Cols-1)
	return reg.Mask.Test(mr*reg.Cols + mc)
}

// Analysis summarises a grid inside a region.
type Analysis struct {
	Max            float64
	MaxRow, MaxCol int
	// MaxX, MaxY locate the max cell centre in normalized frame coordinates.
	MaxX, MaxY  float64
	StrongCells int
	ActiveCells int
}

// Analyze finds the masked maximum and counts cells above cellThreshold.
func Analyze(g Grid, reg Region, cellThreshold float64) Analysis {
	a := Analysis{Max: math.Inf(-1), MaxRow: -1, MaxCol: -1}
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if !reg.Active(r, c, g.Rows, g.Cols) {
				continue
			}
			a.ActiveCells++
			v := g.At(r, c)
			if v > cellThreshold {
				a.StrongCells++
			}
			if v > a.Max {
				a.Max, a.MaxRow, a.MaxCol = v, r, c
			}
		}
	}
	if a.ActiveCells == 0 {
		a.Max = 0
		return a
	}
	a.MaxX, a.MaxY = reg.Crop.Map((float64(a.MaxCol)+0.5)/float64(g.Cols), (float64(a.MaxRow)+0.5)/float64(g.Rows))
	return a
}

// Inputs are the spatial encoder results of one cycle. A nil scorer or
// empty embeddings skips that scale.
type Inputs struct {
	Fine, Coarse             Embeddings
	FineScorer, CoarseScorer *Scorer

	CoarseWeight  float64
	EMAAlpha      float64
	CellThreshold float64
	Region        Region
}

// Result is the smoothed grid and its analysis.
type Result struct {
	Grid     Grid
	Analysis Analysis
}

// Engine keeps the per-cell moving averages across cycles.
type Engine struct {
	rows, cols int
	ema        []fusion.EMA
}

// NewEngine returns an engine with no history.
func NewEngine() *Engine {
	return &Engine{}
}

// Reset drops the per-cell history.
func (e *Engine) Reset() {
	e.ema = nil
	e.rows, e.cols = 0, 0
}

// Smooth feeds g through the per-cell EMA. History restarts when the grid
// size changes.
func (e *Engine) Smooth(g Grid, alpha float64) Grid {
	if g.Rows != e.rows || g.Cols != e.cols || len(e.ema) != len(g.Cells) {
		e.rows, e.cols = g.Rows, g.Cols
		e.ema = make([]fusion.EMA, len(g.Cells))
	}
	out := NewGrid(g.Rows, g.Cols)
	for i, v := range g.Cells {
		e.ema[i].Alpha = alpha
		out.Cells[i] = e.ema[i].Update(v)
	}
	return out
}

// Compute scores the available scales, blends them, smooths and analyses
// the result. ok is false when no scale produced a grid.
func (e *Engine) Compute(in Inputs) (Result, bool, error) {
	var fine, coarse Grid
	var err error
	if in.FineScorer != nil && in.Fine.Dim > 0 {
		if fine, err = in.FineScorer.Margins(in.Fine); err != nil {
			return Result{}, false, err
		}
	}
	if in.CoarseScorer != nil && in.Coarse.Dim > 0 {
		if coarse, err = in.CoarseScorer.Margins(in.Coarse); err != nil {
			return Result{}, false, err
		}
	}

	var raw Grid
	switch {
	case !fine.Empty() && !coarse.Empty():
		raw = Blend(coarse, fine, in.CoarseWeight)
	case !fine.Empty():
		raw = fine
	case !coarse.Empty():
		raw = coarse
	default:
		return Result{}, false, nil
	}

	smoothed := e.Smooth(raw, in.EMAAlpha)
	a := Analyze(smoothed, in.Region, in.CellThreshold)
	if monitoring.DebugEnabled() {
		rawA := Analyze(raw, in.Region, in.CellThreshold)
		monitoring.Debugf("[Heatmap] fine=%dx%d coarse=%dx%d raw max=%.3f smoothed max=%.3f strong=%d/%d",
			fine.Rows, fine.Cols, coarse.Rows, coarse.Cols, rawA.Max, a.Max, a.StrongCells, a.ActiveCells)
	}
	return Result{Grid: smoothed, Analysis: a}, true, nil
}
