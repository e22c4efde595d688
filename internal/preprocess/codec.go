// Package preprocess turns an encoded camera still into the fixed-size
// tensor the classifiers consume.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// ErrDecode wraps codec failures.
var ErrDecode = errors.New("decode failed")

// Image is an interleaved RGB raster.
type Image struct {
	W, H int
	Pix  []byte
}

// Codec decodes encoded stills. denom is the scale hint (1, 2, 4 or 8); the
// result is approximately 1/denom of the native size.
type Codec interface {
	Config(data []byte) (w, h int, err error)
	Decode(data []byte, denom int) (Image, error)
}

// JPEGCodec decodes baseline JPEG with image/jpeg. Reduced scales are
// produced by a bilinear downscale after the full decode.
type JPEGCodec struct{}

func (JPEGCodec) Config(data []byte) (int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return cfg.Width, cfg.Height, nil
}

func (JPEGCodec) Decode(data []byte, denom int) (Image, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return FromImage(src, denom), nil
}

// FromImage converts any image.Image to RGB, downscaling by denom.
func FromImage(src image.Image, denom int) Image {
	if denom < 1 {
		denom = 1
	}
	b := src.Bounds()
	w, h := b.Dx()/denom, b.Dy()/denom
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if denom == 1 {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}

	out := Image{W: w, H: h, Pix: make([]byte, w*h*3)}
	for i, j := 0, 0; i < len(dst.Pix); i, j = i+4, j+3 {
		out.Pix[j] = dst.Pix[i]
		out.Pix[j+1] = dst.Pix[i+1]
		out.Pix[j+2] = dst.Pix[i+2]
	}
	return out
}

// Scales lists the codec-native reduction factors, largest first.
var Scales = []int{8, 4, 2}

// ChooseScale returns the largest reduction denom whose output is still at
// least twice the crop in both dimensions, or 1.
func ChooseScale(srcW, srcH, cropW, cropH int) int {
	for _, d := range Scales {
		if srcW/d >= 2*cropW && srcH/d >= 2*cropH {
			return d
		}
	}
	return 1
}
