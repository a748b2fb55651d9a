package flow

import (
	"errors"
	"fmt"
	"sync"

	"flight-cdm/pkg/utils"
)

// DefaultRate is the departures-per-hour the allocator assumes when a
// sector has no configured rate.
const DefaultRate = 60

// ErrInvalidRate is returned for negative rates.
var ErrInvalidRate = errors.New("flow rate must not be negative")

// Registry holds the configured maximum departures per hour for each sector.
type Registry struct {
	mu    sync.RWMutex
	rates map[string]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{rates: make(map[string]int)}
}

// Set configures the rate for a sector. A rate of 0 removes the sector's
// flow definition.
func (r *Registry) Set(sector string, rate int) error {
	if rate < 0 {
		return fmt.Errorf("sector %s: %w", sector, ErrInvalidRate)
	}
	s := utils.NormalizeSector(sector)
	if s == "" {
		return fmt.Errorf("sector is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rate == 0 {
		delete(r.rates, s)
		return nil
	}
	r.rates[s] = rate
	return nil
}

// Rate returns the configured rate and whether one is defined.
func (r *Registry) Rate(sector string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rate, ok := r.rates[utils.NormalizeSector(sector)]
	if !ok || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// Effective returns the configured rate, or DefaultRate if none is defined.
func (r *Registry) Effective(sector string) int {
	if rate, ok := r.Rate(sector); ok {
		return rate
	}
	return DefaultRate
}

// All returns a copy of every configured rate.
func (r *Registry) All() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.rates))
	for s, rate := range r.rates {
		out[s] = rate
	}
	return out
}

// Load replaces the registry contents, skipping invalid rates.
func (r *Registry) Load(rates map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rates = make(map[string]int, len(rates))
	for s, rate := range rates {
		if rate > 0 {
			r.rates[utils.NormalizeSector(s)] = rate
		}
	}
}

// MinSpacing returns the minimum minutes between two departures in a sector
// at the given rate.
func MinSpacing(rate int) int {
	if rate <= 31 {
		return 2
	}
	return max(1, 60/rate)
}

// SlotInterval returns the spacing between generated TOBT slots.
func SlotInterval(rate int) int {
	if rate <= 0 {
		return 0
	}
	return max(1, 60/rate)
}
