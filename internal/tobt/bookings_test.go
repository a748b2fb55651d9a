package tobt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"flight-cdm/internal/flow"
	"flight-cdm/internal/model"
)

type stubStore struct {
	mu      sync.Mutex
	saved   map[string]Booking
	deleted []string
	err     error
}

func newStubStore() *stubStore {
	return &stubStore{saved: make(map[string]Booking)}
}

func (s *stubStore) SaveBooking(_ context.Context, b Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved[b.Key] = b
	return nil
}

func (s *stubStore) DeleteBooking(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.saved, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *stubStore) {
	t.Helper()
	rates := flow.NewRegistry()
	_ = rates.Set("EGLL-EGKK", 3)
	_ = rates.Set("EGLL-LFPG", 3)

	pool := NewPool()
	if err := pool.Rebuild([]model.ScheduleRow{
		{Sector: "EGLL-EGKK", Date: "2025-11-01", ScheduledDepartureTime: "10:00"},
		{Sector: "EGLL-EGKK", Date: "2025-11-01", ScheduledDepartureTime: "14:00"},
		{Sector: "EGLL-LFPG", Date: "2025-11-01", ScheduledDepartureTime: "10:00"},
	}, rates, testNow); err != nil {
		t.Fatal(err)
	}

	store := newStubStore()
	return NewLedger(pool, WithStore(store), WithLedgerClock(func() time.Time { return testNow })), store
}

const (
	slot0940 = "EGLL-EGKK|2025-11-01|10:00|09:40"
	slot1000 = "EGLL-EGKK|2025-11-01|10:00|10:00"
	slot1020 = "EGLL-EGKK|2025-11-01|10:00|10:20"
	slot1400 = "EGLL-EGKK|2025-11-01|14:00|14:00"
	slotLFPG = "EGLL-LFPG|2025-11-01|10:00|10:00"
)

func TestBookDuplicateIdentifierScenario(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Book(ctx, slot0940, ParticipantOwner{ID: "111"}, "BAW1"); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	_, err := l.Book(ctx, slot1020, ParticipantOwner{ID: "222"}, " baw1 ")
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatalf("err = %v, want ErrDuplicateIdentifier", err)
	}
	if !errors.Is(err, model.ErrConflict) {
		t.Error("duplicate identifier must be a conflict")
	}
	if l.IsBooked(slot1020) {
		t.Error("rejected booking must not be stored")
	}

	// The same identifier on another sector is allowed.
	if _, err := l.Book(ctx, slotLFPG, ParticipantOwner{ID: "222"}, "BAW1"); err != nil {
		t.Errorf("other sector: %v", err)
	}
}

func TestBookConflicts(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		owner Owner
		id    string
		want  error
	}{
		{name: "slot taken", key: slot0940, owner: ParticipantOwner{ID: "333"}, id: "EZY9", want: ErrSlotTaken},
		{name: "owner double booking", key: slot1000, owner: ParticipantOwner{ID: "111"}, id: "BAW2", want: ErrOwnerAlreadyBooked},
		{name: "reserved identifier", key: slot1000, owner: ParticipantOwner{ID: "333"}, id: "TEAM1", want: ErrReservedIdentifier},
		{name: "unknown slot", key: "EGLL-EGKK|2025-11-01|10:00|10:01", owner: ParticipantOwner{ID: "333"}, id: "EZY9", want: model.ErrNotFound},
		{name: "missing identifier", key: slot1000, owner: ParticipantOwner{ID: "333"}, id: " ", want: model.ErrValidation},
		{name: "missing owner", key: slot1000, owner: nil, id: "EZY9", want: model.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			l.SetReserved(map[string]string{"team1": "444"})
			if _, err := l.Book(context.Background(), slot0940, ParticipantOwner{ID: "111"}, "BAW1"); err != nil {
				t.Fatal(err)
			}

			_, err := l.Book(context.Background(), tt.key, tt.owner, tt.id)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReservedIdentifierRules(t *testing.T) {
	l, _ := newTestLedger(t)
	l.SetReserved(map[string]string{"TEAM1": "444"})
	ctx := context.Background()

	if _, err := l.Book(ctx, slot0940, ParticipantOwner{ID: "444"}, "team1"); err != nil {
		t.Errorf("pinned owner: %v", err)
	}
	if _, err := l.Book(ctx, slotLFPG, OperatorOwner{}, "TEAM1"); err != nil {
		t.Errorf("operator: %v", err)
	}
}

func TestBookExclusiveUnderConcurrency(t *testing.T) {
	l, store := newTestLedger(t)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := ParticipantOwner{ID: string(rune('A' + i))}
			_, err := l.Book(context.Background(), slot1000, owner, "CS"+owner.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrSlotTaken):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || conflicts != workers-1 {
		t.Errorf("successes = %d, conflicts = %d", successes, conflicts)
	}
	if len(l.All()) != 1 || len(store.saved) != 1 {
		t.Errorf("ledger has %d bookings, store has %d", len(l.All()), len(store.saved))
	}
}

func TestCancelOwnership(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Book(ctx, slot0940, ParticipantOwner{ID: "111"}, "BAW1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Book(ctx, slot1400, OperatorOwner{}, "OPS1"); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Cancel(ctx, slot0940, Requester{ParticipantID: "222"}); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("other participant: err = %v", err)
	}
	if _, err := l.Cancel(ctx, slot1400, Requester{ParticipantID: "111"}); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("participant on operator booking: err = %v", err)
	}
	if _, err := l.Cancel(ctx, slot1400, Requester{ParticipantID: "999", Operator: true}); err != nil {
		t.Errorf("operator cancel: %v", err)
	}
	if _, err := l.Cancel(ctx, slot0940, Requester{ParticipantID: "111"}); err != nil {
		t.Errorf("owner cancel: %v", err)
	}
	if _, err := l.Cancel(ctx, slot0940, Requester{ParticipantID: "111"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second cancel: err = %v", err)
	}
	if _, err := l.Cancel(ctx, "EGLL-EGKK|10:00", Requester{ParticipantID: "111"}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("malformed key: err = %v", err)
	}

	if len(l.ForOwner("111")) != 0 {
		t.Error("owner index should be empty")
	}
	if len(store.deleted) != 2 {
		t.Errorf("store deletes = %v", store.deleted)
	}

	// The identifier is free again once its booking is gone.
	if _, err := l.Book(ctx, slot1020, ParticipantOwner{ID: "222"}, "BAW1"); err != nil {
		t.Errorf("rebook after cancel: %v", err)
	}
}

func TestUpdateAssignedIdentifier(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Book(ctx, slot0940, ParticipantOwner{ID: "111"}, "BAW1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Book(ctx, slot1400, ParticipantOwner{ID: "222"}, "EZY2"); err != nil {
		t.Fatal(err)
	}

	if _, err := l.UpdateAssignedIdentifier(ctx, slot0940, Requester{ParticipantID: "222"}, "BAW9"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("non-owner: err = %v", err)
	}
	if _, err := l.UpdateAssignedIdentifier(ctx, slot0940, Requester{ParticipantID: "111"}, "ezy2"); !errors.Is(err, ErrDuplicateIdentifier) {
		t.Errorf("duplicate: err = %v", err)
	}
	if _, err := l.UpdateAssignedIdentifier(ctx, "EGLL-EGKK|2025-11-01|10:00|10:40", Requester{ParticipantID: "111"}, "X"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}

	b, err := l.UpdateAssignedIdentifier(ctx, slot0940, Requester{ParticipantID: "111"}, "baw9")
	if err != nil {
		t.Fatal(err)
	}
	if b.Identifier != "BAW9" || store.saved[slot0940].Identifier != "BAW9" {
		t.Errorf("booking = %+v", b)
	}
	if _, ok := l.TOBTFor("BAW1", "EGLL"); ok {
		t.Error("old identifier should no longer resolve")
	}
	if tobt, ok := l.TOBTFor("baw9", "egll"); !ok || tobt != "09:40" {
		t.Errorf("TOBTFor = %s, %v", tobt, ok)
	}
}

func TestPersistFailureLeavesLedgerUnchanged(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	store.err = errors.New("disk full")

	if _, err := l.Book(ctx, slot0940, ParticipantOwner{ID: "111"}, "BAW1"); err == nil {
		t.Fatal("expected persistence error")
	}
	if l.IsBooked(slot0940) {
		t.Error("failed write must not commit")
	}

	store.err = nil
	if _, err := l.Book(ctx, slot0940, ParticipantOwner{ID: "111"}, "BAW1"); err != nil {
		t.Fatal(err)
	}
	store.err = errors.New("disk full")
	if _, err := l.Cancel(ctx, slot0940, Requester{ParticipantID: "111"}); err == nil {
		t.Fatal("expected persistence error")
	}
	if !l.IsBooked(slot0940) {
		t.Error("failed delete must keep the booking")
	}
}

func TestLoadAndJSON(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Load([]Booking{
		{Key: slot0940, Owner: ParticipantOwner{ID: "111"}, Identifier: "BAW1", Sector: "EGLL-EGKK", Date: "2025-11-01", ScheduledDeparture: "10:00", Time: "09:40"},
		{Key: slot1400, Identifier: "OPS1", Sector: "EGLL-EGKK", Date: "2025-11-01", ScheduledDeparture: "14:00", Time: "14:00"},
	})

	if got := l.ForOwner("111"); len(got) != 1 || got[0].Key != slot0940 {
		t.Errorf("ForOwner = %+v", got)
	}
	b, ok := l.Get(slot1400)
	if !ok {
		t.Fatal("expected operator booking")
	}
	if _, isOp := b.Owner.(OperatorOwner); !isOp {
		t.Errorf("owner = %#v", b.Owner)
	}

	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"owner":null`) || !strings.Contains(string(raw), `"operatorAssigned":true`) {
		t.Errorf("json = %s", raw)
	}

	if _, err := l.Book(context.Background(), slot1000, ParticipantOwner{ID: "222"}, "BAW1"); !errors.Is(err, ErrDuplicateIdentifier) {
		t.Errorf("loaded bookings must be indexed, err = %v", err)
	}
}
