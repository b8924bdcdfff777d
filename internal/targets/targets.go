// Package targets provides named display slots that images are delivered into.
package targets

import (
	"sync"
	"time"

	"catimage/internal/core"
)

// State is a point-in-time copy of what a slot shows.
type State struct {
	// Key is the key most recently assigned to the slot.
	Key         core.Key
	Image       *core.Image
	Placeholder bool
	Updates     uint64
	UpdatedAt   time.Time
}

// Slot is a display target identified by name. Implements core.KeyedTarget.
type Slot struct {
	id core.TargetID

	mu    sync.RWMutex
	state State
}

// ID implements core.Target.
func (s *Slot) ID() core.TargetID {
	return s.id
}

// SetImage implements core.Target.
func (s *Slot) SetImage(img *core.Image) {
	s.set(img, false)
}

// SetPlaceholder implements core.Target.
func (s *Slot) SetPlaceholder(img *core.Image) {
	s.set(img, true)
}

func (s *Slot) set(img *core.Image, placeholder bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Image = img
	s.state.Placeholder = placeholder
	s.state.Updates++
	s.state.UpdatedAt = time.Now()
}

// Assign records key as the slot's most recent request. The loader calls it
// while registering the request.
func (s *Slot) Assign(key core.Key) {
	s.mu.Lock()
	s.state.Key = key
	s.mu.Unlock()
}

// Snapshot returns the current state.
func (s *Slot) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Registry owns the set of live slots. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	slots     map[core.TargetID]*Slot
	onRelease func(core.TargetID)
}

// NewRegistry creates an empty registry. onRelease, when non-nil, is called
// while the slot is being removed so in-flight work for it can be invalidated.
// It runs under the registry lock and must not call back into the registry.
func NewRegistry(onRelease func(core.TargetID)) *Registry {
	return &Registry{
		slots:     make(map[core.TargetID]*Slot),
		onRelease: onRelease,
	}
}

// Acquire returns the slot named id, creating it if needed.
func (r *Registry) Acquire(id core.TargetID) *Slot {
	r.mu.RLock()
	s, ok := r.slots[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		return s
	}
	s = &Slot{id: id}
	r.slots[id] = s
	return s
}

// Get returns the slot named id.
func (r *Registry) Get(id core.TargetID) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	return s, ok
}

// Release removes the slot named id. Reports whether it existed.
// An Acquire of the same id waits until onRelease has returned, so a new slot
// never has its request invalidated by the release of the old one.
func (r *Registry) Release(id core.TargetID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.slots[id]
	if !ok {
		return false
	}
	delete(r.slots, id)
	if r.onRelease != nil {
		r.onRelease(id)
	}
	return true
}

// Len returns the number of live slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

var _ core.KeyedTarget = (*Slot)(nil)
