package fetcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"catimage/internal/core"
)

// AssetFetcher reads bundled assets from a read-only directory.
type AssetFetcher struct {
	fs billy.Filesystem
}

// NewAssetFetcher creates a fetcher reading keys as relative paths inside fs.
func NewAssetFetcher(fs billy.Filesystem) *AssetFetcher {
	return &AssetFetcher{fs: fs}
}

// Fetch returns the raw bytes of the asset named by req.Key.
func (f *AssetFetcher) Fetch(ctx context.Context, req core.Request) (core.Result, error) {
	name, ok := cleanAssetPath(string(req.Key))
	if !ok {
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "invalid asset path", nil)
	}

	data, err := util.ReadFile(f.fs, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.Result{}, core.NewFetchError(req.Kind, req.Key, "asset not found", err)
		}
		return core.Result{}, core.NewFetchError(req.Kind, req.Key, "failed to read asset", err)
	}
	return core.Result{Data: data}, nil
}

// cleanAssetPath rejects absolute paths and any path escaping the asset root.
func cleanAssetPath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "./")
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", false
	}
	cleaned := path.Clean(p)
	if !fs.ValidPath(cleaned) || cleaned == "." {
		return "", false
	}
	return cleaned, true
}
