// Package decoder turns encoded image bytes into display-sized images.
//
// Decoding is two-pass: the header is read first to learn the dimensions,
// a power-of-two sample factor is derived from the minimum display
// dimension, and only then is the full image decoded and scaled down.
package decoder

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF format
	_ "image/jpeg" // register JPEG format
	_ "image/png"  // register PNG format

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"  // register BMP format
	_ "golang.org/x/image/webp" // register WebP format

	"catimage/internal/core"
)

const (
	// DefaultMinDimension is the smallest edge a downsampled image may have.
	DefaultMinDimension = 70

	// DefaultMaxPixels bounds the decoded size of a single image (about 160 MB of RGBA).
	DefaultMaxPixels = 40_000_000
)

// Decoder decodes and downsamples images. The zero value uses the defaults.
type Decoder struct {
	MinDimension int
	MaxPixels    int64
}

// New creates a Decoder. Non-positive arguments select the defaults.
func New(minDim int, maxPixels int64) *Decoder {
	return &Decoder{MinDimension: minDim, MaxPixels: maxPixels}
}

// SampleFactor returns the power-of-two factor by which a w x h image can be
// shrunk while keeping both edges at least minDim. The final halving step is
// undone, so the result is one step more conservative than the tightest fit.
func SampleFactor(w, h, minDim int) int {
	scale := 1
	for {
		if w/2 < minDim || h/2 < minDim {
			break
		}
		w /= 2
		h /= 2
		scale *= 2
	}
	if scale >= 2 {
		scale /= 2
	}
	return scale
}

// Decode decodes data and downsamples it by SampleFactor.
func (d *Decoder) Decode(key core.Key, data []byte) (*core.Image, error) {
	return d.decode(key, data, true)
}

// DecodeFull decodes data at its native size. The pixel budget still applies.
func (d *Decoder) DecodeFull(key core.Key, data []byte) (*core.Image, error) {
	return d.decode(key, data, false)
}

func (d *Decoder) decode(key core.Key, data []byte, sample bool) (*core.Image, error) {
	if len(data) == 0 {
		return nil, core.NewDecodeError(key, "empty input", nil)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, core.NewDecodeError(key, "unreadable header", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, core.NewDecodeError(key, fmt.Sprintf("invalid dimensions %dx%d", cfg.Width, cfg.Height), nil)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > d.maxPixels() {
		return nil, core.NewOutOfMemoryError(key, fmt.Sprintf("%s image %dx%d exceeds %d pixels", format, cfg.Width, cfg.Height, d.maxPixels()))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, core.NewDecodeError(key, "corrupt "+format+" data", err)
	}
	if !sample {
		return core.NewImage(img), nil
	}

	factor := SampleFactor(cfg.Width, cfg.Height, d.minDimension())
	if factor <= 1 {
		return core.NewImage(img), nil
	}
	return core.NewImage(Scale(img, cfg.Width/factor, cfg.Height/factor)), nil
}

// Scale resizes img to exactly w x h.
func Scale(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Fit scales img down so it fits within maxW x maxH, preserving aspect ratio.
// Images already inside the bound are returned unchanged.
func Fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}
	ratio := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := max(1, int(float64(w)*ratio))
	nh := max(1, int(float64(h)*ratio))
	return Scale(img, nw, nh)
}

func (d *Decoder) minDimension() int {
	if d == nil || d.MinDimension <= 0 {
		return DefaultMinDimension
	}
	return d.MinDimension
}

func (d *Decoder) maxPixels() int64 {
	if d == nil || d.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return d.MaxPixels
}
