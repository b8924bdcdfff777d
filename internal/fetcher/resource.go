package fetcher

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"catimage/internal/core"
	"catimage/internal/decoder"
)

// resourceExtensions are tried in order when resolving a resource id.
var resourceExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}

// ResourceFetcher resolves numeric resource ids to images stored as <id>.<ext>.
// Resources are decoded at native size and never pass through the file cache.
type ResourceFetcher struct {
	fs      billy.Filesystem
	decoder *decoder.Decoder
}

// NewResourceFetcher creates a fetcher over the resource directory fs.
func NewResourceFetcher(fs billy.Filesystem, dec *decoder.Decoder) *ResourceFetcher {
	return &ResourceFetcher{fs: fs, decoder: dec}
}

// Fetch decodes the resource identified by req.AuxID.
func (f *ResourceFetcher) Fetch(ctx context.Context, req core.Request) (core.Result, error) {
	if req.AuxID <= 0 {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "missing resource id", nil)
	}

	base := strconv.Itoa(req.AuxID)
	for _, ext := range resourceExtensions {
		data, err := util.ReadFile(f.fs, base+ext)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return core.Result{}, core.NewFetchError(req.Kind, req.Key, "failed to read resource", err)
		}
		img, err := f.decoder.DecodeFull(req.Key, data)
		if err != nil {
			return core.Result{}, err
		}
		return core.Result{Image: img}, nil
	}
	return core.Result{}, core.NewFetchError(req.Kind, req.Key, "resource "+base+" not found", nil)
}
