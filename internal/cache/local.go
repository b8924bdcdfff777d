package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"catimage/internal/core"
)

const (
	// DefaultLocalMaxSize is the directory ceiling used when none is configured (50 MiB).
	DefaultLocalMaxSize int64 = 50 << 20

	tempPrefix = ".tmp-"
)

// LocalCache implements Store using a flat directory of files named by key hash.
// This is suitable for single-instance deployments.
type LocalCache struct {
	// mu guards every filesystem call. billy filesystems such as memfs are not
	// safe for concurrent use, even across different files.
	mu      sync.Mutex
	fs      billy.Filesystem
	dir     string
	maxSize int64
}

// NewLocalCache creates a cache rooted at dir inside fs.
// A non-positive maxSize selects DefaultLocalMaxSize.
func NewLocalCache(fs billy.Filesystem, dir string, maxSize int64) (*LocalCache, error) {
	if maxSize <= 0 {
		maxSize = DefaultLocalMaxSize
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &LocalCache{
		fs:      fs,
		dir:     dir,
		maxSize: maxSize,
	}, nil
}

// NewDiskCache creates a LocalCache on the host filesystem at path.
func NewDiskCache(path string, maxSize int64) (*LocalCache, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid cache directory %q: %w", path, err)
	}
	return NewLocalCache(osfs.New(filepath.Dir(abs)), filepath.Base(abs), maxSize)
}

// PathFor returns the deterministic file path for key, relative to the filesystem root.
func (c *LocalCache) PathFor(key core.Key) string {
	return c.fs.Join(c.dir, HashKey(key))
}

// Get reads the file stored for key and refreshes its modification time.
func (c *LocalCache) Get(ctx context.Context, key core.Key) ([]byte, error) {
	path := c.PathFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := util.ReadFile(c.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.NewNotCachedError(key)
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	if ch, ok := c.fs.(billy.Change); ok {
		now := time.Now()
		if err := ch.Chtimes(path, now, now); err != nil {
			slog.Debug("failed to touch cache file", "path", path, "error", err)
		}
	}
	return data, nil
}

// Set writes data for key atomically and trims the directory to its ceiling.
func (c *LocalCache) Set(ctx context.Context, key core.Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Write atomically using temp file + rename
	tmp, err := c.fs.TempFile(c.dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = c.fs.Remove(tmpName)
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := c.fs.Rename(tmpName, c.PathFor(key)); err != nil {
		_ = c.fs.Remove(tmpName) // Clean up temp file
		return fmt.Errorf("failed to rename cache file: %w", err)
	}

	return c.evictLocked()
}

// Clear removes the cache directory with everything in it and recreates it.
// Writers racing with Clear may fail their rename; they never leave partial files behind.
func (c *LocalCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := util.RemoveAll(c.fs, c.dir); err != nil {
		return fmt.Errorf("failed to remove cache directory: %w", err)
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to recreate cache directory: %w", err)
	}
	return nil
}

// Size returns the total bytes and number of cached files.
func (c *LocalCache) Size() (int64, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := c.entries()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size()
	}
	return total, len(files), nil
}

// Close is a no-op for local cache.
func (c *LocalCache) Close() error {
	return nil
}

// evictLocked deletes oldest-modified files until the directory fits maxSize.
// c.mu must be held.
func (c *LocalCache) evictLocked() error {
	files, err := c.entries()
	if err != nil {
		return err
	}

	var total int64
	for _, f := range files {
		total += f.Size()
	}
	if total <= c.maxSize {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime().Before(files[j].ModTime())
	})

	removed := 0
	for _, f := range files {
		if total <= c.maxSize {
			break
		}
		if err := c.fs.Remove(c.fs.Join(c.dir, f.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to evict cache file: %w", err)
		}
		total -= f.Size()
		removed++
	}
	slog.Debug("file cache trimmed", "removed", removed, "size_bytes", total)
	return nil
}

// entries lists the cached files, skipping in-flight temp files.
func (c *LocalCache) entries() ([]os.FileInfo, error) {
	infos, err := c.fs.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}
	files := infos[:0]
	for _, fi := range infos {
		if fi.IsDir() || strings.HasPrefix(fi.Name(), tempPrefix) {
			continue
		}
		files = append(files, fi)
	}
	return files, nil
}

var _ Store = (*LocalCache)(nil)
