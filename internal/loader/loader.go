// Package loader schedules image loads and delivers results to display targets.
//
// A request that hits the memory cache is delivered without a background task.
// Otherwise the target's placeholder is shown, and a task on the worker pool
// resolves the image through the file cache or the fetcher for its kind. The
// result reaches the target on the single display consumer, and only if the
// target has not been reassigned in the meantime (last request wins).
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"catimage/internal/cache"
	"catimage/internal/core"
	"catimage/internal/decoder"
	"catimage/internal/fetcher"
	"catimage/internal/memcache"
	"catimage/internal/observability"
	"catimage/internal/runqueue"
)

const (
	// DefaultWorkers is the worker pool size used when none is configured.
	DefaultWorkers = 5

	// DefaultTaskTimeout bounds a single background task.
	DefaultTaskTimeout = 2 * time.Minute
)

// State reports how DisplayImage handled a request.
type State string

const (
	// StateMemoryHit means the image was in memory and no task was scheduled.
	StateMemoryHit State = "memory_hit"
	// StateQueued means the placeholder was shown and a task was scheduled.
	StateQueued State = "queued"
	// StateRejected means the loader is stopped and the request was dropped.
	StateRejected State = "rejected"
)

// Options configures a Loader. Memory, Files, Fetcher and Decoder are required.
type Options struct {
	Memory  *memcache.Cache
	Files   cache.Store
	Fetcher core.Fetcher
	Decoder *decoder.Decoder

	// Icons serves ResolveIcon. Optional.
	Icons fetcher.IconResolver

	Hooks       observability.Hooks
	Workers     int
	TaskTimeout time.Duration
}

// assignment is the most recent request for a target.
type assignment struct {
	key core.Key
	gen uint64
}

// task is one background load. Immutable once created.
type task struct {
	id          string
	key         core.Key
	auxID       int
	kind        core.Kind
	target      core.Target
	gen         uint64
	placeholder *core.Image
}

// Loader is the dispatcher. Safe for concurrent use.
type Loader struct {
	memory  *memcache.Cache
	files   cache.Store
	fetcher core.Fetcher
	decoder *decoder.Decoder
	icons   fetcher.IconResolver
	hooks   observability.Hooks

	taskTimeout time.Duration

	mu      sync.Mutex
	pending map[core.TargetID]assignment
	gen     uint64
	stopped bool

	flight  singleflight.Group
	pool    *pool
	display *runqueue.RunQueue

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Loader and starts its worker pool.
func New(opts Options) (*Loader, error) {
	if opts.Memory == nil || opts.Files == nil || opts.Fetcher == nil || opts.Decoder == nil {
		return nil, fmt.Errorf("loader: memory cache, file cache, fetcher and decoder are required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		memory:      opts.Memory,
		files:       opts.Files,
		fetcher:     opts.Fetcher,
		decoder:     opts.Decoder,
		icons:       opts.Icons,
		hooks:       opts.Hooks,
		taskTimeout: timeout,
		pending:     make(map[core.TargetID]assignment),
		display:     runqueue.New("display"),
		ctx:         ctx,
		cancel:      cancel,
	}
	l.pool = newPool(workers, l.run)

	slog.Info("loader started", "workers", workers, "task_timeout", timeout)
	return l, nil
}

// DisplayImage shows the image for key on target. On a memory hit the image is
// delivered without a background task; otherwise placeholder is shown first
// and the image follows once loaded. Failures show placeholder. Never blocks on I/O.
func (l *Loader) DisplayImage(key core.Key, auxID int, kind core.Kind, target core.Target, placeholder *core.Image) State {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		slog.Warn("loader stopped, dropping request", "key", key, "target", target.ID())
		return StateRejected
	}
	l.gen++
	gen := l.gen
	l.pending[target.ID()] = assignment{key: key, gen: gen}
	if kt, ok := target.(core.KeyedTarget); ok {
		kt.Assign(key)
	}
	l.mu.Unlock()

	t := &task{
		key:         key,
		auxID:       auxID,
		kind:        kind,
		target:      target,
		gen:         gen,
		placeholder: placeholder,
	}

	if img, ok := l.memory.Get(key); ok {
		l.hooks.Request(kind, true)
		l.display.Post(func() { l.deliver(t, img) })
		return StateMemoryHit
	}
	l.hooks.Request(kind, false)

	// Posted before submission so the placeholder always precedes the result.
	l.display.Post(func() {
		if l.isStale(t) {
			return
		}
		target.SetPlaceholder(placeholder)
	})

	t.id = uuid.NewString()
	if !l.pool.submit(t) {
		// Stop raced with this call.
		l.forget(t)
		slog.Warn("loader stopped, dropping request", "key", key, "target", target.ID())
		return StateRejected
	}
	return StateQueued
}

// forget drops t's pending entry unless the target has been reassigned since.
func (l *Loader) forget(t *task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.pending[t.target.ID()]; ok && a.gen == t.gen {
		delete(l.pending, t.target.ID())
	}
}

// Release forgets target. Any in-flight task for it becomes stale.
func (l *Loader) Release(id core.TargetID) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// PendingKey returns the key most recently requested for target.
func (l *Loader) PendingKey(id core.TargetID) (core.Key, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.pending[id]
	return a.key, ok
}

// ClearCache empties both cache tiers.
func (l *Loader) ClearCache(ctx context.Context) error {
	l.memory.Clear()
	if err := l.files.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear file cache: %w", err)
	}
	slog.Info("image caches cleared")
	return nil
}

// ResolveIcon synchronously returns the icon of an installed package.
// Unknown packages yield an error matching core.ErrPackageNotFound.
func (l *Loader) ResolveIcon(ctx context.Context, pkg string) (*core.Image, error) {
	if l.icons == nil {
		return nil, core.NewPackageNotFoundError(pkg, errors.New("icon resolution not configured"))
	}
	return l.icons.ResolveIcon(ctx, pkg)
}

// Stats returns the number of queued and running tasks and pending targets.
func (l *Loader) Stats() (queued, active, targets int) {
	queued, active = l.pool.stats()
	l.mu.Lock()
	targets = len(l.pending)
	l.mu.Unlock()
	return queued, active, targets
}

// Stop refuses new requests, lets queued tasks finish and drains the display
// consumer. Returns ctx.Err() if ctx ends first; outstanding fetches are then cancelled.
func (l *Loader) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.pool.stop()
		l.display.Stop(func() { close(done) })
	}()

	select {
	case <-done:
		l.cancel()
		slog.Info("loader stopped")
		return nil
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("loader stop: %w", ctx.Err())
	}
}

// isStale reports whether t's target has since been reassigned or released.
func (l *Loader) isStale(t *task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.pending[t.target.ID()]
	return !ok || a.gen != t.gen
}

// run executes t on a pool worker.
func (l *Loader) run(t *task) {
	if l.isStale(t) {
		slog.Debug("task stale before fetch", "request_id", t.id, "key", t.key, "target", t.target.ID())
		l.hooks.Delivery(t.kind, observability.OutcomeStale)
		return
	}

	ctx, cancel := context.WithTimeout(core.WithRequestID(l.ctx, t.id), l.taskTimeout)
	defer cancel()

	start := time.Now()
	img, source, err := l.resolve(ctx, t)
	l.hooks.TaskEnd(observability.TaskInfo{
		RequestID: t.id,
		Key:       t.key,
		Kind:      t.kind,
		Source:    source,
		Duration:  time.Since(start),
		Err:       err,
	})

	if err != nil {
		img = nil
		if errors.Is(err, core.ErrOutOfMemory) {
			l.memory.Clear()
			slog.Warn("out of memory while loading image, memory cache cleared",
				"request_id", t.id, "key", t.key, "kind", t.kind.String(), "error", err)
		} else {
			slog.Warn("image load failed",
				"request_id", t.id, "key", t.key, "kind", t.kind.String(), "error", err)
		}
	} else {
		l.memory.Put(t.key, img)
	}

	if l.isStale(t) {
		slog.Debug("task stale after load", "request_id", t.id, "key", t.key, "target", t.target.ID())
		l.hooks.Delivery(t.kind, observability.OutcomeStale)
		return
	}
	l.display.Post(func() { l.deliver(t, img) })
}

// deliver runs on the display consumer.
func (l *Loader) deliver(t *task, img *core.Image) {
	if l.isStale(t) {
		l.hooks.Delivery(t.kind, observability.OutcomeStale)
		return
	}
	if img != nil {
		t.target.SetImage(img)
		l.hooks.Delivery(t.kind, observability.OutcomeImage)
		return
	}
	t.target.SetPlaceholder(t.placeholder)
	l.hooks.Delivery(t.kind, observability.OutcomePlaceholder)
}

// resolve produces the image for t, returning where it came from.
func (l *Loader) resolve(ctx context.Context, t *task) (*core.Image, string, error) {
	if !t.kind.ReturnsImage() {
		data, err := l.files.Get(ctx, t.key)
		switch {
		case err == nil:
			img, derr := l.decoder.Decode(t.key, data)
			if derr == nil {
				return img, observability.SourceFileCache, nil
			}
			if errors.Is(derr, core.ErrOutOfMemory) {
				return nil, observability.SourceFileCache, derr
			}
			slog.Warn("cached file undecodable, refetching", "key", t.key, "error", derr)
		case !errors.Is(err, core.ErrNotCached):
			slog.Warn("file cache read failed", "key", t.key, "error", err)
		}
	}

	img, err := l.fetchShared(t)
	if err != nil {
		return nil, observability.SourceFetch, err
	}
	return img, observability.SourceFetch, nil
}

// fetchShared runs one fetch per kind and key at a time; concurrent callers share its result.
func (l *Loader) fetchShared(t *task) (*core.Image, error) {
	v, err, shared := l.flight.Do(t.kind.String()+"\x00"+string(t.key), func() (any, error) {
		ctx, cancel := context.WithTimeout(core.WithRequestID(l.ctx, t.id), l.taskTimeout)
		defer cancel()
		return l.fetch(ctx, t)
	})
	if shared {
		slog.Debug("fetch shared with concurrent request", "key", t.key, "request_id", t.id)
	}
	if err != nil {
		return nil, err
	}
	return v.(*core.Image), nil
}

func (l *Loader) fetch(ctx context.Context, t *task) (*core.Image, error) {
	res, err := l.fetcher.Fetch(ctx, core.Request{Key: t.key, AuxID: t.auxID, Kind: t.kind})
	if err != nil {
		return nil, err
	}
	if t.kind.ReturnsImage() {
		if res.Image == nil {
			return nil, core.NewFetchError(t.kind, t.key, "fetcher returned no image", nil)
		}
		return res.Image, nil
	}

	if err := l.files.Set(ctx, t.key, res.Data); err != nil {
		slog.Warn("failed to persist image bytes", "key", t.key, "error", err)
	}
	return l.decoder.Decode(t.key, res.Data)
}
