package tsat

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"flight-cdm/internal/buffer"
	"flight-cdm/internal/flow"
	"flight-cdm/internal/model"
	"flight-cdm/pkg/utils"
)

const (
	// staleAfter is how far in the past an entry may be before it is pruned.
	staleAfter = 60 * time.Minute
	// window is the rolling capacity window.
	window = 60 * time.Minute
	// defaultHorizon bounds the minute-by-minute search.
	defaultHorizon = 48 * time.Hour
)

// ErrSearchExhausted is returned if no candidate satisfies the capacity
// and spacing rules within the search horizon. No valid configuration
// reaches it.
var ErrSearchExhausted = fmt.Errorf("tsat: search horizon exhausted: %w", model.ErrConflict)

// LowerBounds supplies a pre-committed off-block time (HH:MM) for an
// identifier departing from origin.
type LowerBounds interface {
	TOBTFor(identifier, origin string) (string, bool)
}

// Option configures an Allocator
type Option func(*Allocator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// WithLowerBounds sets the TOBT lower-bound provider.
func WithLowerBounds(lb LowerBounds) Option {
	return func(a *Allocator) { a.bounds = lb }
}

// WithHorizon overrides the maximum search distance from the earliest time.
func WithHorizon(d time.Duration) Option {
	return func(a *Allocator) { a.horizon = d }
}

type sectorQueue struct {
	mu    sync.Mutex
	queue *buffer.Queue
}

// Allocator assigns target start approval times per sector subject to the
// sector's rolling hourly capacity and minimum spacing.
type Allocator struct {
	rates   *flow.Registry
	bounds  LowerBounds
	now     func() time.Time
	horizon time.Duration

	mu      sync.Mutex
	sectors map[string]*sectorQueue

	pubMu     sync.RWMutex
	published map[string]model.TSAT
}

// New creates an allocator reading rates from the registry
func New(rates *flow.Registry, opts ...Option) *Allocator {
	a := &Allocator{
		rates:     rates,
		now:       time.Now,
		horizon:   defaultHorizon,
		sectors:   make(map[string]*sectorQueue),
		published: make(map[string]model.TSAT),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) sector(s string) *sectorQueue {
	a.mu.Lock()
	defer a.mu.Unlock()

	sq, ok := a.sectors[s]
	if !ok {
		sq = &sectorQueue{queue: buffer.NewQueue()}
		a.sectors[s] = sq
	}
	return sq
}

func normalize(sector, identifier string) (string, string, error) {
	v := &model.ValidationError{}
	s := utils.NormalizeSector(sector)
	if s == "" {
		v.Add("sector", "sector is required")
	}
	id := utils.NormalizeIdentifier(identifier)
	if id == "" {
		v.Add("identifier", "identifier is required")
	}
	return s, id, v.OrNil()
}

// Assign computes the earliest acceptable time for identifier in sector,
// replacing any previous entry, and returns it as HH:MM.
func (a *Allocator) Assign(sector, identifier string) (string, error) {
	s, id, err := normalize(sector, identifier)
	if err != nil {
		return "", err
	}

	rate := a.rates.Effective(s)
	origin := utils.SectorOrigin(s)

	now := utils.TruncateToMinute(a.now())
	earliest := now.Add(time.Minute)
	if a.bounds != nil {
		if hhmm, ok := a.bounds.TOBTFor(id, origin); ok {
			if bound, err := utils.ResolveClockTimeRelativeTo(hhmm, now); err == nil && bound.After(earliest) {
				earliest = bound
			}
		}
	}

	prev, moved := a.Published(id)
	moved = moved && prev.Sector != s

	hhmm, err := a.insert(s, id, origin, earliest, rate, now)
	if err != nil {
		return "", err
	}
	// An identifier lives in exactly one sector queue. The old entry is
	// dropped only once the new sector accepted it.
	if moved {
		a.removeFromSector(prev.Sector, id)
	}
	return hhmm, nil
}

func (a *Allocator) insert(s, id, origin string, earliest time.Time, rate int, now time.Time) (string, error) {
	sq := a.sector(s)
	sq.mu.Lock()
	defer sq.mu.Unlock()

	sq.queue.Remove(id)
	a.unpublishSector(s, sq.queue.Prune(now.Add(-staleAfter))...)

	candidate, err := a.search(sq.queue, earliest, rate)
	if err != nil {
		a.unpublishSector(s, id)
		return "", err
	}

	sq.queue.Insert(buffer.Entry{Identifier: id, Time: candidate, Origin: origin})
	hhmm := utils.FormatClock(candidate)
	a.publish(model.TSAT{Identifier: id, Sector: s, Origin: origin, Time: hhmm})
	return hhmm, nil
}

// Recalculate always recomputes identifier's time; it is Assign under
// another name.
func (a *Allocator) Recalculate(sector, identifier string) (string, error) {
	return a.Assign(sector, identifier)
}

// Restore reinserts identifier at a previously computed time without
// searching.
func (a *Allocator) Restore(sector, identifier string, t time.Time) (string, error) {
	s, id, err := normalize(sector, identifier)
	if err != nil {
		return "", err
	}
	origin := utils.SectorOrigin(s)

	if prev, ok := a.Published(id); ok && prev.Sector != s {
		a.removeFromSector(prev.Sector, id)
	}

	sq := a.sector(s)
	sq.mu.Lock()
	defer sq.mu.Unlock()

	t = utils.TruncateToMinute(t)
	sq.queue.Insert(buffer.Entry{Identifier: id, Time: t, Origin: origin})
	hhmm := utils.FormatClock(t)
	a.publish(model.TSAT{Identifier: id, Sector: s, Origin: origin, Time: hhmm})

	return hhmm, nil
}

// Clear removes identifier from sector's queue and its published TSAT. A
// TSAT published for another sector is left alone. Clearing an absent
// identifier is a no-op.
func (a *Allocator) Clear(sector, identifier string) {
	s, id, err := normalize(sector, identifier)
	if err != nil {
		return
	}
	a.removeFromSector(s, id)
	a.unpublishSector(s, id)
}

// Entry returns identifier's queue entry in sector.
func (a *Allocator) Entry(sector, identifier string) (buffer.Entry, bool) {
	s, id, err := normalize(sector, identifier)
	if err != nil {
		return buffer.Entry{}, false
	}
	sq := a.sector(s)
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.queue.Get(id)
}

func (a *Allocator) removeFromSector(s, id string) {
	sq := a.sector(s)
	sq.mu.Lock()
	sq.queue.Remove(id)
	sq.mu.Unlock()
}

// search is a greedy earliest-fit over one-minute candidates.
func (a *Allocator) search(q *buffer.Queue, earliest time.Time, rate int) (time.Time, error) {
	spacing := time.Duration(flow.MinSpacing(rate)) * time.Minute
	limit := earliest.Add(a.horizon)

	for candidate := earliest; !candidate.After(limit); candidate = candidate.Add(time.Minute) {
		if windowFull(q, candidate, rate) {
			continue
		}
		if q.ConflictsWithin(candidate, spacing) {
			continue
		}
		return candidate, nil
	}
	return time.Time{}, ErrSearchExhausted
}

// windowFull reports whether adding an entry at t would put more than
// maxPerHour entries into any rolling window (T-60m, T] that contains t.
func windowFull(q *buffer.Queue, t time.Time, maxPerHour int) bool {
	for end := t; end.Before(t.Add(window)); end = end.Add(time.Minute) {
		if q.CountInWindow(end.Add(-window), end) >= maxPerHour {
			return true
		}
	}
	return false
}

func (a *Allocator) publish(t model.TSAT) {
	a.pubMu.Lock()
	a.published[t.Identifier] = t
	a.pubMu.Unlock()
}

func (a *Allocator) unpublishSector(s string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	for _, id := range ids {
		if t, ok := a.published[id]; ok && t.Sector == s {
			delete(a.published, id)
		}
	}
}

// Published returns the current TSAT for identifier.
func (a *Allocator) Published(identifier string) (model.TSAT, bool) {
	a.pubMu.RLock()
	defer a.pubMu.RUnlock()
	t, ok := a.published[utils.NormalizeIdentifier(identifier)]
	return t, ok
}

// PublishedAll returns a copy of every published TSAT keyed by identifier.
func (a *Allocator) PublishedAll() map[string]model.TSAT {
	a.pubMu.RLock()
	defer a.pubMu.RUnlock()

	out := make(map[string]model.TSAT, len(a.published))
	for id, t := range a.published {
		out[id] = t
	}
	return out
}

// Queue returns a copy of sector's pending entries in time order.
func (a *Allocator) Queue(sector string) []buffer.Entry {
	s := utils.NormalizeSector(sector)
	a.mu.Lock()
	sq, ok := a.sectors[s]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.queue.Entries()
}

// Sectors returns every sector that has had a queue, sorted.
func (a *Allocator) Sectors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.sectors))
	for s := range a.sectors {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
