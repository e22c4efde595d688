package preprocess

import (
	"fmt"
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

// Model input geometry.
const (
	DefaultCropSize    = 224
	DefaultResizeShort = 256
)

// Pipeline decodes and crops stills for the classifiers.
type Pipeline struct {
	Codec       Codec
	CropSize    int
	ResizeShort int
	// Clock times the decode and resize stages. Nil uses the wall clock.
	Clock timeutil.Clock
}

// NewPipeline returns a pipeline with the default 256/224 geometry.
func NewPipeline(codec Codec) *Pipeline {
	if codec == nil {
		codec = JPEGCodec{}
	}
	return &Pipeline{Codec: codec, CropSize: DefaultCropSize, ResizeShort: DefaultResizeShort, Clock: timeutil.RealClock{}}
}

// WithClock returns a copy of p timed by clock.
func (p *Pipeline) WithClock(clock timeutil.Clock) *Pipeline {
	cp := *p
	cp.Clock = clock
	return &cp
}

func (p *Pipeline) clock() timeutil.Clock {
	if p.Clock == nil {
		return timeutil.RealClock{}
	}
	return p.Clock
}

// Result is a preprocessed frame.
type Result struct {
	Tensor     Tensor
	Crop       Rect
	Denom      int
	DecodeTime time.Duration
	ResizeTime time.Duration
}

// Process decodes data, whose native size is w x h (zero to ask the codec),
// and produces the model tensor. grey converts it to replicated luma.
func (p *Pipeline) Process(data []byte, w, h int, grey bool) (Result, error) {
	var res Result
	if w <= 0 || h <= 0 {
		var err error
		w, h, err = p.Codec.Config(data)
		if err != nil {
			return res, err
		}
	}

	clock := p.clock()
	start := clock.Now()
	res.Denom = ChooseScale(w, h, p.CropSize, p.CropSize)
	img, err := p.Codec.Decode(data, res.Denom)
	if err != nil {
		return res, err
	}
	res.DecodeTime = clock.Since(start)

	start = clock.Now()
	t, crop, err := ResizeCrop(img, p.ResizeShort, p.CropSize)
	if err != nil {
		return res, fmt.Errorf("preprocess: %w", err)
	}
	if grey {
		t.Grey()
	}
	res.Tensor = t
	res.Crop = crop
	res.ResizeTime = clock.Since(start)
	return res, nil
}
