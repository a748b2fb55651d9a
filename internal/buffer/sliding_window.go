package buffer

import (
	"sort"
	"time"
)

// Entry is one pending TSAT assignment inside a sector queue.
type Entry struct {
	Identifier string    `json:"identifier"`
	Time       time.Time `json:"time"`
	Origin     string    `json:"origin"`
}

// Queue is a sector's time-ordered set of TSAT entries. At most one entry
// exists per identifier. Queue is not safe for concurrent use; the
// allocator guards each sector's queue with its own lock.
type Queue struct {
	entries []Entry
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Insert adds e keeping the queue sorted ascending by time. Any existing
// entry for the same identifier is replaced.
func (q *Queue) Insert(e Entry) {
	q.Remove(e.Identifier)

	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].Time.After(e.Time)
	})
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// Remove deletes the entry for identifier and reports whether it existed.
func (q *Queue) Remove(identifier string) bool {
	for i, e := range q.entries {
		if e.Identifier == identifier {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the entry for identifier.
func (q *Queue) Get(identifier string) (Entry, bool) {
	for _, e := range q.entries {
		if e.Identifier == identifier {
			return e, true
		}
	}
	return Entry{}, false
}

// Prune removes entries strictly before cutoff and returns their identifiers.
func (q *Queue) Prune(cutoff time.Time) []string {
	firstValid := 0
	for i, e := range q.entries {
		if !e.Time.Before(cutoff) {
			firstValid = i
			break
		}
		firstValid = i + 1
	}

	if firstValid == 0 {
		return nil
	}

	removed := make([]string, 0, firstValid)
	for _, e := range q.entries[:firstValid] {
		removed = append(removed, e.Identifier)
	}
	q.entries = append([]Entry(nil), q.entries[firstValid:]...)
	return removed
}

// CountInWindow returns the number of entries with time in (start, end].
func (q *Queue) CountInWindow(start, end time.Time) int {
	count := 0
	for _, e := range q.entries {
		if e.Time.After(end) {
			break
		}
		if e.Time.After(start) {
			count++
		}
	}
	return count
}

// ConflictsWithin reports whether any entry is closer than spacing to t.
func (q *Queue) ConflictsWithin(t time.Time, spacing time.Duration) bool {
	for _, e := range q.entries {
		d := e.Time.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < spacing {
			return true
		}
	}
	return false
}

// Entries returns a copy of the queue in time order.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
