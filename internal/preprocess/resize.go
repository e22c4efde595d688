package preprocess

import (
	"fmt"
	"math"
)

// Rect is a normalized [0,1] rectangle in source image coordinates.
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// Full is the whole frame.
var Full = Rect{0, 0, 1, 1}

// Map converts a point inside the rectangle (u, v in [0,1]) to source image
// coordinates.
func (r Rect) Map(u, v float64) (x, y float64) {
	return r.X0 + u*(r.X1-r.X0), r.Y0 + v*(r.Y1-r.Y0)
}

// Tensor is an interleaved HWC uint8 model input.
type Tensor struct {
	W, H, C int
	Pix     []byte
}

// ResizeCrop scales img so its shorter side equals short and cuts the
// centered size x size square, in one bilinear pass. It returns the tensor
// and the crop rectangle relative to img.
func ResizeCrop(img Image, short, size int) (Tensor, Rect, error) {
	if img.W <= 0 || img.H <= 0 || len(img.Pix) < img.W*img.H*3 {
		return Tensor{}, Rect{}, fmt.Errorf("resize: invalid source %dx%d", img.W, img.H)
	}
	if size <= 0 || short < size {
		return Tensor{}, Rect{}, fmt.Errorf("resize: crop %d larger than target short side %d", size, short)
	}

	minSide := img.W
	if img.H < minSide {
		minSide = img.H
	}
	scale := float64(short) / float64(minSide)
	rw := int(math.Round(float64(img.W) * scale))
	rh := int(math.Round(float64(img.H) * scale))
	if rw < size {
		rw = size
	}
	if rh < size {
		rh = size
	}
	ox := (rw - size) / 2
	oy := (rh - size) / 2

	t := Tensor{W: size, H: size, C: 3, Pix: make([]byte, size*size*3)}
	inv := 1 / scale
	maxX, maxY := float64(img.W-1), float64(img.H-1)
	for y := 0; y < size; y++ {
		sy := clampF((float64(y+oy)+0.5)*inv-0.5, 0, maxY)
		y0 := int(sy)
		y1 := y0 + 1
		if y1 > img.H-1 {
			y1 = img.H - 1
		}
		fy := sy - float64(y0)
		for x := 0; x < size; x++ {
			sx := clampF((float64(x+ox)+0.5)*inv-0.5, 0, maxX)
			x0 := int(sx)
			x1 := x0 + 1
			if x1 > img.W-1 {
				x1 = img.W - 1
			}
			fx := sx - float64(x0)
			p00 := (y0*img.W + x0) * 3
			p01 := (y0*img.W + x1) * 3
			p10 := (y1*img.W + x0) * 3
			p11 := (y1*img.W + x1) * 3
			d := (y*size + x) * 3
			for c := 0; c < 3; c++ {
				top := float64(img.Pix[p00+c])*(1-fx) + float64(img.Pix[p01+c])*fx
				bot := float64(img.Pix[p10+c])*(1-fx) + float64(img.Pix[p11+c])*fx
				t.Pix[d+c] = uint8(clampF(math.Round(top*(1-fy)+bot*fy), 0, 255))
			}
		}
	}

	r := Rect{
		X0: float64(ox) / float64(rw),
		Y0: float64(oy) / float64(rh),
		X1: float64(ox+size) / float64(rw),
		Y1: float64(oy+size) / float64(rh),
	}
	return t, r, nil
}

// Grey replaces every pixel with its BT.601 luma, replicated to all channels.
func (t *Tensor) Grey() {
	for i := 0; i+2 < len(t.Pix); i += 3 {
		r, g, b := uint32(t.Pix[i]), uint32(t.Pix[i+1]), uint32(t.Pix[i+2])
		y := uint8((306*r + 601*g + 117*b) >> 10)
		t.Pix[i], t.Pix[i+1], t.Pix[i+2] = y, y, y
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
