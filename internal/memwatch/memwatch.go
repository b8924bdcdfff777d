// Package memwatch trims the memory cache when the host or the Go heap runs low on memory.
package memwatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// DefaultThresholdPercent is the system memory usage that triggers a trim.
	DefaultThresholdPercent = 90.0

	// DefaultInterval is the polling period.
	DefaultInterval = 10 * time.Second

	// trimFraction is the share of cached images dropped per trim.
	trimFraction = 0.5
)

// Trimmer drops a fraction of its least recently used entries.
type Trimmer interface {
	Trim(fraction float64) int
}

// Sample is one memory reading.
type Sample struct {
	SystemUsedPercent float64
	HeapInuse         uint64
}

// Watcher polls memory usage and trims a Trimmer under pressure.
type Watcher struct {
	target           Trimmer
	thresholdPercent float64
	heapLimit        uint64
	interval         time.Duration
	sample           func(ctx context.Context) (Sample, error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithHeapLimit also trims when the Go heap in use exceeds limit bytes.
func WithHeapLimit(limit uint64) Option {
	return func(w *Watcher) {
		w.heapLimit = limit
	}
}

// WithSampler replaces the memory probe. Used by tests.
func WithSampler(fn func(ctx context.Context) (Sample, error)) Option {
	return func(w *Watcher) {
		w.sample = fn
	}
}

// New creates a watcher. Non-positive thresholdPercent or interval select the defaults.
func New(target Trimmer, thresholdPercent float64, interval time.Duration, opts ...Option) *Watcher {
	if thresholdPercent <= 0 || thresholdPercent > 100 {
		thresholdPercent = DefaultThresholdPercent
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	w := &Watcher{
		target:           target,
		thresholdPercent: thresholdPercent,
		interval:         interval,
		sample:           systemSample,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				slog.Warn("memory probe failed", "error", err)
			}
		}
	}
}

// Check takes one sample and trims if either limit is exceeded. Returns the number of entries dropped.
func (w *Watcher) Check(ctx context.Context) (int, error) {
	s, err := w.sample(ctx)
	if err != nil {
		return 0, err
	}

	overSystem := s.SystemUsedPercent >= w.thresholdPercent
	overHeap := w.heapLimit > 0 && s.HeapInuse > w.heapLimit
	if !overSystem && !overHeap {
		return 0, nil
	}

	n := w.target.Trim(trimFraction)
	slog.Info("memory pressure, trimmed image cache",
		"system_used_percent", s.SystemUsedPercent,
		"heap_inuse_bytes", s.HeapInuse,
		"evicted", n,
	)
	return n, nil
}

func systemSample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read system memory: %w", err)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{SystemUsedPercent: vm.UsedPercent, HeapInuse: ms.HeapInuse}, nil
}
