package state

import (
	"sync"

	"flight-cdm/internal/model"
	"flight-cdm/pkg/utils"
)

// StartedRegistry tracks identifiers that left the pending queue.
type StartedRegistry struct {
	mu      sync.RWMutex
	entries map[string]model.StartedEntry
}

// NewStartedRegistry creates an empty registry
func NewStartedRegistry() *StartedRegistry {
	return &StartedRegistry{entries: make(map[string]model.StartedEntry)}
}

// Mark records e, replacing any earlier entry for the same identifier.
func (r *StartedRegistry) Mark(e model.StartedEntry) {
	e.Identifier = utils.NormalizeIdentifier(e.Identifier)

	r.mu.Lock()
	r.entries[e.Identifier] = e
	r.mu.Unlock()
}

// Remove deletes and returns the entry for identifier.
func (r *StartedRegistry) Remove(identifier string) (model.StartedEntry, bool) {
	id := utils.NormalizeIdentifier(identifier)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

// Get returns the entry for identifier.
func (r *StartedRegistry) Get(identifier string) (model.StartedEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[utils.NormalizeIdentifier(identifier)]
	return e, ok
}

// Snapshot returns a copy of every entry keyed by identifier.
func (r *StartedRegistry) Snapshot() map[string]model.StartedEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]model.StartedEntry, len(r.entries))
	for id, e := range r.entries {
		out[id] = e
	}
	return out
}

// Len returns the number of started identifiers.
func (r *StartedRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
