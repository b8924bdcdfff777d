package fetcher

import (
	"context"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"catimage/internal/core"
	"catimage/internal/decoder"
)

// IconResolver looks up the launcher icon of an installed package.
type IconResolver interface {
	// ResolveIcon returns an error matching core.ErrPackageNotFound for unknown packages.
	ResolveIcon(ctx context.Context, pkg string) (*core.Image, error)
}

// DirIconResolver serves icons from a directory.
//
// A package is installed when either <pkg>.png or an entry named <pkg> exists.
// Installed packages whose icon is missing or unreadable get the default icon.
type DirIconResolver struct {
	fs          billy.Filesystem
	decoder     *decoder.Decoder
	defaultIcon *core.Image
}

// NewDirIconResolver creates a resolver over fs. A nil defaultIcon selects DefaultIcon().
func NewDirIconResolver(fs billy.Filesystem, dec *decoder.Decoder, defaultIcon *core.Image) *DirIconResolver {
	if defaultIcon == nil {
		defaultIcon = DefaultIcon()
	}
	return &DirIconResolver{fs: fs, decoder: dec, defaultIcon: defaultIcon}
}

// ResolveIcon implements IconResolver.
func (r *DirIconResolver) ResolveIcon(ctx context.Context, pkg string) (*core.Image, error) {
	if !validPackageName(pkg) {
		return nil, core.NewPackageNotFoundError(pkg, nil)
	}

	data, err := util.ReadFile(r.fs, pkg+".png")
	if err == nil {
		img, derr := r.decoder.DecodeFull(core.Key(pkg), data)
		if derr == nil {
			return img, nil
		}
		slog.Warn("unreadable package icon, using default", "package", pkg, "error", derr)
		return r.defaultIcon, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, core.NewFetchError(core.KindPlatformIcon, core.Key(pkg), "failed to read icon", err)
	}

	if _, err := r.fs.Stat(pkg); err == nil {
		return r.defaultIcon, nil
	}
	return nil, core.NewPackageNotFoundError(pkg, err)
}

// DefaultIcon returns the built-in 48x48 fallback icon.
func DefaultIcon() *core.Image {
	const size = 48
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	fill := color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	return core.NewImage(img)
}

// validPackageName accepts dotted identifiers like com.example.app.
func validPackageName(pkg string) bool {
	if pkg == "" || strings.HasPrefix(pkg, ".") || strings.Contains(pkg, "..") {
		return false
	}
	for _, r := range pkg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// IconFetcher adapts an IconResolver to the fetcher contract.
type IconFetcher struct {
	resolver IconResolver
}

// NewIconFetcher creates a fetcher backed by resolver.
func NewIconFetcher(resolver IconResolver) *IconFetcher {
	return &IconFetcher{resolver: resolver}
}

// Fetch resolves req.Key as a package name.
func (f *IconFetcher) Fetch(ctx context.Context, req core.Request) (core.Result, error) {
	img, err := f.resolver.ResolveIcon(ctx, string(req.Key))
	if err != nil {
		return core.Result{}, err
	}
	return core.Result{Image: img}, nil
}
