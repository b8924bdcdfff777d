// Package observability provides instrumentation callbacks for the image pipeline.
package observability

import (
	"time"

	"catimage/internal/core"
)

// Source names where a task obtained its image.
const (
	SourceFileCache = "file_cache"
	SourceFetch     = "fetch"
)

// Outcomes of a single delivery on the display consumer.
const (
	OutcomeImage       = "image"
	OutcomePlaceholder = "placeholder"
	OutcomeStale       = "stale"
)

// TaskInfo describes a finished background task.
type TaskInfo struct {
	RequestID string
	Key       core.Key
	Kind      core.Kind
	Source    string
	Duration  time.Duration
	// Err is nil on success.
	Err error
}

// Hooks holds optional callbacks invoked by the loader. Any nil field is skipped.
// Callbacks run on loader goroutines and must not block.
type Hooks struct {
	// OnRequest fires for every DisplayImage call.
	OnRequest func(kind core.Kind, memoryHit bool)

	// OnTaskEnd fires when a background task finishes resolving its image.
	OnTaskEnd func(info TaskInfo)

	// OnDelivery fires on the display consumer with one of the Outcome* values.
	OnDelivery func(kind core.Kind, outcome string)

	// OnMemoryEvict fires when entries leave the memory cache under pressure or LRU.
	OnMemoryEvict func(count int, weight int64)
}

// Request invokes OnRequest if set.
func (h Hooks) Request(kind core.Kind, memoryHit bool) {
	if h.OnRequest != nil {
		h.OnRequest(kind, memoryHit)
	}
}

// TaskEnd invokes OnTaskEnd if set.
func (h Hooks) TaskEnd(info TaskInfo) {
	if h.OnTaskEnd != nil {
		h.OnTaskEnd(info)
	}
}

// Delivery invokes OnDelivery if set.
func (h Hooks) Delivery(kind core.Kind, outcome string) {
	if h.OnDelivery != nil {
		h.OnDelivery(kind, outcome)
	}
}

// MemoryEvict invokes OnMemoryEvict if set.
func (h Hooks) MemoryEvict(count int, weight int64) {
	if h.OnMemoryEvict != nil {
		h.OnMemoryEvict(count, weight)
	}
}
