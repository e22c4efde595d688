package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

func solid(w, h int, r, g, b byte) Image {
	img := Image{W: w, H: h, Pix: make([]byte, w*h*3)}
	for i := 0; i < len(img.Pix); i += 3 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = r, g, b
	}
	return img
}

func TestChooseScale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w, h, want int
	}{
		{1920, 1080, 2},
		{4000, 3000, 4},
		{8000, 6000, 8},
		{640, 480, 1},
		{448, 448, 1},
		{896, 896, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChooseScale(tt.w, tt.h, 224, 224), "%dx%d", tt.w, tt.h)
	}
}

func TestResizeCrop_CropRect(t *testing.T) {
	t.Parallel()

	tensor, r, err := ResizeCrop(solid(400, 200, 10, 20, 30), 256, 224)
	require.NoError(t, err)
	assert.Equal(t, 224, tensor.W)
	assert.Equal(t, 224, tensor.H)
	assert.Len(t, tensor.Pix, 224*224*3)
	assert.InDelta(t, 0.28125, r.X0, 1e-9)
	assert.InDelta(t, 0.71875, r.X1, 1e-9)
	assert.InDelta(t, 0.0625, r.Y0, 1e-9)
	assert.InDelta(t, 0.9375, r.Y1, 1e-9)

	for i := 0; i < len(tensor.Pix); i += 3 {
		require.Equal(t, []byte{10, 20, 30}, tensor.Pix[i:i+3])
	}
}

func TestResizeCrop_CentersContent(t *testing.T) {
	t.Parallel()

	img := Image{W: 512, H: 256, Pix: make([]byte, 512*256*3)}
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			img.Pix[(y*img.W+x)*3] = byte(x / 2)
		}
	}

	tensor, r, err := ResizeCrop(img, 256, 224)
	require.NoError(t, err)
	assert.Equal(t, byte(72), tensor.Pix[0])
	last := (223*224 + 223) * 3
	assert.Equal(t, byte((144+223)/2), tensor.Pix[last])

	x, y := r.Map(0.5, 0.5)
	assert.InDelta(t, 0.5, x, 1e-9)
	assert.InDelta(t, 0.5, y, 1e-9)
}

func TestResizeCrop_Errors(t *testing.T) {
	t.Parallel()

	_, _, err := ResizeCrop(Image{}, 256, 224)
	assert.Error(t, err)

	_, _, err = ResizeCrop(solid(10, 10, 0, 0, 0), 100, 224)
	assert.Error(t, err)

	_, _, err = ResizeCrop(Image{W: 10, H: 10, Pix: make([]byte, 5)}, 256, 224)
	assert.Error(t, err)
}

func TestTensor_Grey(t *testing.T) {
	t.Parallel()

	tensor := Tensor{W: 2, H: 1, C: 3, Pix: []byte{255, 0, 0, 255, 255, 255}}
	tensor.Grey()
	assert.Equal(t, []byte{76, 76, 76, 255, 255, 255}, tensor.Pix)
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func TestPipeline_ProcessJPEG(t *testing.T) {
	t.Parallel()

	data := encodeJPEG(t, 1000, 900)
	p := NewPipeline(nil)

	res, err := p.Process(data, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Denom)
	assert.Equal(t, 224, res.Tensor.W)
	assert.InDelta(t, 200, float64(res.Tensor.Pix[0]), 6)
	assert.InDelta(t, 100, float64(res.Tensor.Pix[1]), 6)

	grey, err := p.Process(data, 1000, 900, true)
	require.NoError(t, err)
	assert.Equal(t, grey.Tensor.Pix[0], grey.Tensor.Pix[1])
	assert.Equal(t, grey.Tensor.Pix[1], grey.Tensor.Pix[2])
}

// slowCodec decodes to a grey still, advancing clock by delay.
type slowCodec struct {
	clock *timeutil.MockClock
	delay time.Duration
}

func (c slowCodec) Config([]byte) (int, int, error) { return 8, 8, nil }

func (c slowCodec) Decode([]byte, int) (Image, error) {
	c.clock.Advance(c.delay)
	return solid(8, 8, 90, 90, 90), nil
}

func TestPipeline_TimingsFollowClock(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	p := &Pipeline{Codec: slowCodec{clock: clock, delay: 30 * time.Millisecond}, CropSize: 4, ResizeShort: 4, Clock: clock}

	res, err := p.Process([]byte{1}, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, res.DecodeTime)
	assert.Zero(t, res.ResizeTime)

	other := timeutil.NewMockClock(time.Time{})
	q := p.WithClock(other)
	assert.Same(t, other, q.Clock)
	assert.Same(t, clock, p.Clock, "WithClock copies")
}

func TestPipeline_CorruptInput(t *testing.T) {
	t.Parallel()

	p := NewPipeline(JPEGCodec{})
	_, err := p.Process([]byte("not a jpeg"), 0, 0, false)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = p.Process([]byte("not a jpeg"), 640, 480, false)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFromImage_Downscale(t *testing.T) {
	t.Parallel()

	src := image.NewRGBA(image.Rect(0, 0, 80, 40))
	img := FromImage(src, 4)
	assert.Equal(t, 20, img.W)
	assert.Equal(t, 10, img.H)
	assert.Len(t, img.Pix, 20*10*3)
}
