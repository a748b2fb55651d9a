package state

import (
	"sync"

	"github.com/brunoga/deep"

	"flight-cdm/internal/model"
	"flight-cdm/pkg/utils"
)

// StartFlag is the toggle that requests a TSAT for an identifier.
const StartFlag = "start"

// Toggle holds one identifier's flags and its sector context.
type Toggle struct {
	Flags  map[string]bool
	Sector string
}

func (t *Toggle) view() model.ToggleView {
	flags := make(map[string]bool, len(t.Flags))
	for k, v := range t.Flags {
		flags[k] = v
	}
	return model.ToggleView{Flags: flags, Sector: t.Sector}
}

func (t *Toggle) anySet() bool {
	for _, v := range t.Flags {
		if v {
			return true
		}
	}
	return false
}

// ToggleStore is the shared map of per-identifier boolean flags. It lives
// for the process lifetime and is never persisted.
type ToggleStore struct {
	mu      sync.RWMutex
	toggles map[string]*Toggle
}

// NewToggleStore creates an empty store
func NewToggleStore() *ToggleStore {
	return &ToggleStore{toggles: make(map[string]*Toggle)}
}

// Set records flag=value for identifier. A non-empty sector replaces the
// stored sector context. The record is dropped once every flag is false.
// It returns the resulting view and the previous value of the flag.
func (s *ToggleStore) Set(identifier, flag string, value bool, sector string) (model.ToggleView, bool) {
	id := utils.NormalizeIdentifier(identifier)
	sector = utils.NormalizeSector(sector)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.toggles[id]
	if !ok {
		t = &Toggle{Flags: make(map[string]bool)}
		s.toggles[id] = t
	}
	prev := t.Flags[flag]
	t.Flags[flag] = value
	if sector != "" {
		t.Sector = sector
	}

	view := t.view()
	if !t.anySet() {
		delete(s.toggles, id)
	}
	return view, prev
}

// Sector returns the last sector recorded for identifier.
func (s *ToggleStore) Sector(identifier string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.toggles[utils.NormalizeIdentifier(identifier)]; ok {
		return t.Sector
	}
	return ""
}

// Snapshot returns a copy of every toggle keyed by identifier.
func (s *ToggleStore) Snapshot() map[string]model.ToggleView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.ToggleView, len(s.toggles))
	for id, t := range s.toggles {
		out[id] = model.ToggleView{Flags: t.Flags, Sector: t.Sector}
	}
	return deep.MustCopy(out)
}
