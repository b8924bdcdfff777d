// Package core provides the shared types and contracts of the image pipeline.
package core

import (
	"fmt"
	"image"
	"strings"
)

// Key identifies cacheable image content. Equal keys are the same cached
// artifact regardless of the Kind they were requested with.
type Key string

// Kind selects the fetcher used to produce an image
type Kind int

const (
	// KindURL fetches encoded bytes over HTTP
	KindURL Kind = iota + 1
	// KindAsset reads encoded bytes from the bundled asset directory
	KindAsset
	// KindResource resolves a numeric resource id to a decoded image
	KindResource
	// KindPlatformIcon resolves a package identifier to its icon
	KindPlatformIcon
	// KindVideoThumbnail extracts a frame from a video file
	KindVideoThumbnail
)

var kindNames = map[Kind]string{
	KindURL:            "url",
	KindAsset:          "asset",
	KindResource:       "resource",
	KindPlatformIcon:   "icon",
	KindVideoThumbnail: "video",
}

// String returns the wire name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind parses a wire name (case-insensitive) into a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown image kind %q (valid: url, asset, resource, icon, video)", s)
}

// ReturnsImage reports whether fetchers of this kind hand back a decoded image
// directly instead of encoded bytes. Such results bypass the file cache and decoder.
func (k Kind) ReturnsImage() bool {
	switch k {
	case KindResource, KindPlatformIcon, KindVideoThumbnail:
		return true
	default:
		return false
	}
}

// Image is a decoded, display-ready pixel buffer.
type Image struct {
	img image.Image
}

// NewImage wraps a decoded image. Returns nil for a nil image.
func NewImage(img image.Image) *Image {
	if img == nil {
		return nil
	}
	return &Image{img: img}
}

// Image returns the underlying image.Image
func (i *Image) Image() image.Image {
	if i == nil {
		return nil
	}
	return i.img
}

// Width returns the width in pixels
func (i *Image) Width() int {
	if i == nil || i.img == nil {
		return 0
	}
	return i.img.Bounds().Dx()
}

// Height returns the height in pixels
func (i *Image) Height() int {
	if i == nil || i.img == nil {
		return 0
	}
	return i.img.Bounds().Dy()
}

// Weight returns the approximate decoded size in bytes (4 bytes per pixel).
func (i *Image) Weight() int64 {
	return int64(i.Width()) * int64(i.Height()) * 4
}
