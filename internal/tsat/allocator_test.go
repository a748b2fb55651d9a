package tsat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"flight-cdm/internal/buffer"
	"flight-cdm/internal/flow"
	"flight-cdm/internal/model"
	"flight-cdm/pkg/utils"
)

const sector = "EGLL-EGKK"

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type bounds map[string]string

func (b bounds) TOBTFor(identifier, origin string) (string, bool) {
	v, ok := b[origin+"/"+identifier]
	return v, ok
}

func newTestAllocator(t *testing.T, rate int, opts ...Option) (*Allocator, *clock) {
	t.Helper()
	rates := flow.NewRegistry()
	if rate > 0 {
		if err := rates.Set(sector, rate); err != nil {
			t.Fatalf("Set rate: %v", err)
		}
	}
	c := &clock{t: time.Date(2025, 11, 1, 10, 0, 30, 0, time.UTC)}
	opts = append([]Option{WithClock(c.now)}, opts...)
	return New(rates, opts...), c
}

func checkInvariants(t *testing.T, entries []buffer.Entry, rate int) {
	t.Helper()
	spacing := time.Duration(flow.MinSpacing(rate)) * time.Minute

	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			d := entries[j].Time.Sub(entries[i].Time)
			if d < 0 {
				d = -d
			}
			if d < spacing {
				t.Errorf("%s and %s are %v apart, want >= %v",
					entries[i].Identifier, entries[j].Identifier, d, spacing)
			}
		}
	}

	if len(entries) == 0 {
		return
	}
	first := entries[0].Time
	last := entries[len(entries)-1].Time.Add(window)
	for end := first; !end.After(last); end = end.Add(time.Minute) {
		count := 0
		for _, e := range entries {
			if e.Time.After(end.Add(-window)) && !e.Time.After(end) {
				count++
			}
		}
		if count > rate {
			t.Fatalf("window ending %s holds %d entries, rate %d", utils.FormatClock(end), count, rate)
		}
	}
}

func TestAssignStartsOneMinuteAfterNow(t *testing.T) {
	a, _ := newTestAllocator(t, 0)

	got, err := a.Assign(" egll-egkk ", " baw1 ")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got != "10:01" {
		t.Errorf("Assign = %s, want 10:01", got)
	}

	pub, ok := a.Published("BAW1")
	if !ok {
		t.Fatal("expected published TSAT")
	}
	if pub.Origin != "EGLL" || pub.Sector != sector || pub.Time != "10:01" {
		t.Errorf("published = %+v", pub)
	}
}

func TestAssignValidation(t *testing.T) {
	a, _ := newTestAllocator(t, 20)

	_, err := a.Assign("  ", "BAW1")
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for empty sector, got %v", err)
	}
	_, err = a.Assign(sector, "")
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for empty identifier, got %v", err)
	}
}

func TestRateTwentyScenario(t *testing.T) {
	a, _ := newTestAllocator(t, 20)

	var times []string
	for i := 0; i < 25; i++ {
		got, err := a.Assign(sector, fmt.Sprintf("WF%03d", i))
		if err != nil {
			t.Fatalf("Assign %d: %v", i, err)
		}
		times = append(times, got)
	}

	if times[0] != "10:01" || times[1] != "10:03" || times[19] != "10:39" {
		t.Errorf("first window = %v", times[:20])
	}
	// The 21st cannot fit until the entry at 10:01 leaves the trailing window.
	if times[20] != "11:01" {
		t.Errorf("21st = %s, want 11:01", times[20])
	}
	if times[21] != "11:03" {
		t.Errorf("22nd = %s, want 11:03", times[21])
	}

	checkInvariants(t, a.Queue(sector), 20)
}

func TestHighRateSpacing(t *testing.T) {
	a, _ := newTestAllocator(t, 60)

	for i := 0; i < 70; i++ {
		if _, err := a.Assign(sector, fmt.Sprintf("WF%03d", i)); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}
	entries := a.Queue(sector)
	if len(entries) != 70 {
		t.Fatalf("queue has %d entries", len(entries))
	}
	checkInvariants(t, entries, 60)
}

func TestBackfillKeepsInvariants(t *testing.T) {
	a, _ := newTestAllocator(t, 10)

	for i := 0; i < 15; i++ {
		if _, err := a.Assign(sector, fmt.Sprintf("WF%03d", i)); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}
	// Free up gaps in the middle of the queue and refill them.
	a.Clear(sector, "WF003")
	a.Clear(sector, "WF004")
	for i := 15; i < 20; i++ {
		if _, err := a.Assign(sector, fmt.Sprintf("WF%03d", i)); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}
	checkInvariants(t, a.Queue(sector), 10)
}

func TestReassignIsMonotonic(t *testing.T) {
	a, c := newTestAllocator(t, 20)

	for _, id := range []string{"A", "B", "C"} {
		if _, err := a.Assign(sector, id); err != nil {
			t.Fatal(err)
		}
	}

	first, _ := a.Assign(sector, "B")
	second, _ := a.Assign(sector, "B")
	if second < first {
		t.Errorf("reassign moved backwards: %s then %s", first, second)
	}

	c.t = c.t.Add(5 * time.Minute)
	third, _ := a.Recalculate(sector, "B")
	if third < second {
		t.Errorf("recalculate moved backwards: %s then %s", second, third)
	}
}

func TestClearThenAssignMatchesFreshSearch(t *testing.T) {
	a, _ := newTestAllocator(t, 20)
	b, _ := newTestAllocator(t, 20)

	for _, id := range []string{"A", "B", "C"} {
		if _, err := a.Assign(sector, id); err != nil {
			t.Fatal(err)
		}
		if id != "B" {
			if _, err := b.Assign(sector, id); err != nil {
				t.Fatal(err)
			}
		}
	}
	// Reproduce A, C in b at the same times as a.
	entryA, _ := a.Entry(sector, "A")
	entryC, _ := a.Entry(sector, "C")
	b.Clear(sector, "A")
	b.Clear(sector, "C")
	b.Restore(sector, "A", entryA.Time)
	b.Restore(sector, "C", entryC.Time)

	a.Clear(sector, "B")
	if _, ok := a.Published("B"); ok {
		t.Fatal("cleared identifier must not stay published")
	}

	got, _ := a.Assign(sector, "B")
	want, _ := b.Assign(sector, "B")
	if got != want {
		t.Errorf("clear+assign = %s, fresh = %s", got, want)
	}
}

func TestClearAbsentIsNoop(t *testing.T) {
	a, _ := newTestAllocator(t, 20)
	a.Clear(sector, "NOPE")
	a.Clear("", "")
	if len(a.PublishedAll()) != 0 {
		t.Error("nothing should be published")
	}
}

func TestClearOtherSectorKeepsTSAT(t *testing.T) {
	a, _ := newTestAllocator(t, 20)
	if _, err := a.Assign(sector, "BAW1"); err != nil {
		t.Fatal(err)
	}

	a.Clear("LFPG-EGKK", "BAW1")

	if got, ok := a.Published("BAW1"); !ok || got.Sector != sector {
		t.Errorf("Published = %+v, %v; want TSAT on %s", got, ok, sector)
	}
	if _, ok := a.Entry(sector, "BAW1"); !ok {
		t.Error("queue entry should remain on its own sector")
	}
}

func TestLowerBoundRaisesEarliest(t *testing.T) {
	lb := bounds{"EGLL/BAW1": "10:40", "EGLL/BAW2": "09:40"}
	a, _ := newTestAllocator(t, 20, WithLowerBounds(lb))

	got, err := a.Assign(sector, "BAW1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "10:40" {
		t.Errorf("BAW1 = %s, want 10:40", got)
	}

	// A bound that is not after now refers to the next day.
	got, err = a.Assign(sector, "BAW2")
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := a.Entry(sector, "BAW2")
	want := time.Date(2025, 11, 2, 9, 40, 0, 0, time.UTC)
	if got != "09:40" || !entry.Time.Equal(want) {
		t.Errorf("BAW2 = %s at %v, want 09:40 on %v", got, entry.Time, want)
	}

	// A bound at another origin is ignored.
	other, _ := a.Assign("EGKK-EGLL", "BAW1")
	if other != "10:01" {
		t.Errorf("BAW1 at EGKK = %s, want 10:01", other)
	}
}

func TestIdentifierLivesInOneSector(t *testing.T) {
	a, _ := newTestAllocator(t, 20)

	if _, err := a.Assign(sector, "BAW1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Assign("EGKK-LFPG", "BAW1"); err != nil {
		t.Fatal(err)
	}
	if len(a.Queue(sector)) != 0 {
		t.Error("identifier should have left its previous sector queue")
	}
	if len(a.Queue("EGKK-LFPG")) != 1 {
		t.Error("identifier should be queued in its new sector")
	}
}

func TestStaleEntriesArePruned(t *testing.T) {
	a, c := newTestAllocator(t, 20)

	if _, err := a.Assign(sector, "OLD"); err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(2 * time.Hour)
	if _, err := a.Assign(sector, "NEW"); err != nil {
		t.Fatal(err)
	}

	entries := a.Queue(sector)
	if len(entries) != 1 || entries[0].Identifier != "NEW" {
		t.Errorf("queue = %+v", entries)
	}
	if _, ok := a.Published("OLD"); ok {
		t.Error("pruned entry must not stay published")
	}
}

func TestRestoreKeepsExactTime(t *testing.T) {
	a, _ := newTestAllocator(t, 20)
	at := time.Date(2025, 11, 1, 10, 17, 0, 0, time.UTC)

	got, err := a.Restore(sector, "BAW1", at)
	if err != nil {
		t.Fatal(err)
	}
	if got != "10:17" {
		t.Errorf("Restore = %s", got)
	}
	if e, ok := a.Entry(sector, "BAW1"); !ok || !e.Time.Equal(at) {
		t.Errorf("entry = %+v", e)
	}
}

func TestSearchHorizon(t *testing.T) {
	a, _ := newTestAllocator(t, 1, WithHorizon(30*time.Minute))

	if _, err := a.Assign(sector, "A"); err != nil {
		t.Fatal(err)
	}
	_, err := a.Assign(sector, "B")
	if !errors.Is(err, ErrSearchExhausted) {
		t.Errorf("expected ErrSearchExhausted, got %v", err)
	}
	if _, ok := a.Published("B"); ok {
		t.Error("failed assignment must not be published")
	}
}
