package tobt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"flight-cdm/internal/model"
	"flight-cdm/pkg/utils"
)

// Booking conflicts. Each wraps model.ErrConflict.
var (
	ErrSlotTaken           = fmt.Errorf("slot already booked: %w", model.ErrConflict)
	ErrDuplicateIdentifier = fmt.Errorf("identifier already booked on this sector: %w", model.ErrConflict)
	ErrOwnerAlreadyBooked  = fmt.Errorf("participant already holds a slot for this departure: %w", model.ErrConflict)
	ErrReservedIdentifier  = fmt.Errorf("identifier is reserved for another participant: %w", model.ErrConflict)
)

// Owner is who holds a booking: a participant or the operators.
type Owner interface {
	isOwner()
}

// ParticipantOwner is a booking made by a participant for themselves.
type ParticipantOwner struct {
	ID string
}

// OperatorOwner is an operator-assigned booking with no participant owner.
type OperatorOwner struct{}

func (ParticipantOwner) isOwner() {}
func (OperatorOwner) isOwner()    {}

// OwnerID returns the participant ID of o, or "" for operator-assigned bookings.
func OwnerID(o Owner) string {
	if p, ok := o.(ParticipantOwner); ok {
		return p.ID
	}
	return ""
}

// Requester is the caller of a cancel or update.
type Requester struct {
	ParticipantID string
	Operator      bool
}

// Booking is an exclusive hold on one slot.
type Booking struct {
	Key                string
	Owner              Owner
	Identifier         string
	Sector             string
	Date               string
	ScheduledDeparture string
	Time               string
	CreatedAt          time.Time
}

type bookingJSON struct {
	Key                string    `json:"slotKey"`
	Owner              *string   `json:"owner"`
	OperatorAssigned   bool      `json:"operatorAssigned"`
	Identifier         string    `json:"identifier"`
	Sector             string    `json:"sector"`
	Date               string    `json:"date"`
	ScheduledDeparture string    `json:"scheduledDepartureTime"`
	Time               string    `json:"time"`
	CreatedAt          time.Time `json:"createdAt"`
}

// MarshalJSON renders operator-assigned bookings with a null owner.
func (b Booking) MarshalJSON() ([]byte, error) {
	out := bookingJSON{
		Key:                b.Key,
		Identifier:         b.Identifier,
		Sector:             b.Sector,
		Date:               b.Date,
		ScheduledDeparture: b.ScheduledDeparture,
		Time:               b.Time,
		CreatedAt:          b.CreatedAt,
	}
	switch o := b.Owner.(type) {
	case ParticipantOwner:
		id := o.ID
		out.Owner = &id
	default:
		out.OperatorAssigned = true
	}
	return json.Marshal(out)
}

// Store durably records bookings. It is called before the in-memory ledger
// changes, so a failed write leaves the ledger untouched.
type Store interface {
	SaveBooking(ctx context.Context, b Booking) error
	DeleteBooking(ctx context.Context, key string) error
}

// SlotSource resolves slot keys to pool slots.
type SlotSource interface {
	Lookup(key string) (Slot, bool)
}

// Ledger is the authoritative booking store.
type Ledger struct {
	slots SlotSource
	store Store
	now   func() time.Time

	mu       sync.RWMutex
	bookings map[string]Booking
	// byOwner indexes participant ID -> slot keys.
	byOwner map[string]map[string]struct{}
	// byIdentifier indexes identifier -> sector -> slot key.
	byIdentifier map[string]map[string]string
	// reserved pins identifiers to a single participant.
	reserved map[string]string
}

// LedgerOption configures a Ledger
type LedgerOption func(*Ledger)

// WithStore sets the durable store.
func WithStore(s Store) LedgerOption {
	return func(l *Ledger) { l.store = s }
}

// WithLedgerClock overrides the creation timestamp source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty ledger over the given slot source
func NewLedger(slots SlotSource, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		slots:        slots,
		now:          time.Now,
		bookings:     make(map[string]Booking),
		byOwner:      make(map[string]map[string]struct{}),
		byIdentifier: make(map[string]map[string]string),
		reserved:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetReserved replaces the reserved identifier table (identifier -> participant ID).
func (l *Ledger) SetReserved(reserved map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reserved = make(map[string]string, len(reserved))
	for id, owner := range reserved {
		l.reserved[utils.NormalizeIdentifier(id)] = strings.TrimSpace(owner)
	}
}

// Book claims key for owner and identifier.
func (l *Ledger) Book(ctx context.Context, key string, owner Owner, identifier string) (Booking, error) {
	v := &model.ValidationError{}
	key = strings.TrimSpace(key)
	if key == "" {
		v.Add("slotKey", "slot key is required")
	}
	id := utils.NormalizeIdentifier(identifier)
	if id == "" {
		v.Add("identifier", "identifier is required")
	}
	if owner == nil {
		v.Add("owner", "owner is required")
	} else if p, ok := owner.(ParticipantOwner); ok && strings.TrimSpace(p.ID) == "" {
		v.Add("owner", "participant ID is required")
	}
	if err := v.OrNil(); err != nil {
		return Booking{}, err
	}

	slot, ok := l.slots.Lookup(key)
	if !ok {
		return Booking{}, fmt.Errorf("slot %s: %w", key, model.ErrNotFound)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.bookings[key]; taken {
		return Booking{}, ErrSlotTaken
	}
	if _, dup := l.byIdentifier[id][slot.Sector]; dup {
		return Booking{}, fmt.Errorf("%s on %s: %w", id, slot.Sector, ErrDuplicateIdentifier)
	}
	if err := l.checkReserved(id, owner); err != nil {
		return Booking{}, err
	}
	if p, ok := owner.(ParticipantOwner); ok {
		for k := range l.byOwner[p.ID] {
			b := l.bookings[k]
			if b.Sector == slot.Sector && b.Date == slot.Date && b.ScheduledDeparture == slot.ScheduledDeparture {
				return Booking{}, ErrOwnerAlreadyBooked
			}
		}
	}

	b := Booking{
		Key:                key,
		Owner:              owner,
		Identifier:         id,
		Sector:             slot.Sector,
		Date:               slot.Date,
		ScheduledDeparture: slot.ScheduledDeparture,
		Time:               slot.Time,
		CreatedAt:          l.now().UTC(),
	}
	if l.store != nil {
		if err := l.store.SaveBooking(ctx, b); err != nil {
			return Booking{}, fmt.Errorf("persist booking %s: %w", key, err)
		}
	}

	l.index(b)
	return b, nil
}

// checkReserved rejects a participant booking a reserved identifier pinned
// to someone else. Operators may assign any identifier.
func (l *Ledger) checkReserved(id string, owner Owner) error {
	pinned, ok := l.reserved[id]
	if !ok {
		return nil
	}
	switch o := owner.(type) {
	case OperatorOwner:
		return nil
	case ParticipantOwner:
		if o.ID == pinned {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", id, ErrReservedIdentifier)
}

// Cancel removes the booking at key. A participant booking may be cancelled
// by its owner or an operator; an operator-assigned booking only by an operator.
func (l *Ledger) Cancel(ctx context.Context, key string, req Requester) (Booking, error) {
	key = strings.TrimSpace(key)
	if _, err := ParseSlotKey(key); err != nil {
		return Booking{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bookings[key]
	if !ok {
		return Booking{}, fmt.Errorf("booking %s: %w", key, model.ErrNotFound)
	}
	if !canCancel(b.Owner, req) {
		return Booking{}, fmt.Errorf("cancel %s: %w", key, model.ErrForbidden)
	}

	if l.store != nil {
		if err := l.store.DeleteBooking(ctx, key); err != nil {
			return Booking{}, fmt.Errorf("delete booking %s: %w", key, err)
		}
	}

	l.unindex(b)
	return b, nil
}

func canCancel(owner Owner, req Requester) bool {
	if req.Operator {
		return true
	}
	if p, ok := owner.(ParticipantOwner); ok {
		return p.ID == req.ParticipantID
	}
	return false
}

func canEdit(owner Owner, req Requester) bool {
	switch o := owner.(type) {
	case ParticipantOwner:
		return o.ID == req.ParticipantID
	case OperatorOwner:
		return req.Operator
	}
	return false
}

// UpdateAssignedIdentifier changes the identifier on an existing booking.
// Only the owner may edit a participant booking; only operators may edit an
// operator-assigned one.
func (l *Ledger) UpdateAssignedIdentifier(ctx context.Context, key string, req Requester, identifier string) (Booking, error) {
	v := &model.ValidationError{}
	key = strings.TrimSpace(key)
	if key == "" {
		v.Add("slotKey", "slot key is required")
	}
	id := utils.NormalizeIdentifier(identifier)
	if id == "" {
		v.Add("identifier", "identifier is required")
	}
	if err := v.OrNil(); err != nil {
		return Booking{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bookings[key]
	if !ok {
		return Booking{}, fmt.Errorf("booking %s: %w", key, model.ErrNotFound)
	}
	if !canEdit(b.Owner, req) {
		return Booking{}, fmt.Errorf("update %s: %w", key, model.ErrForbidden)
	}
	if b.Identifier == id {
		return b, nil
	}
	if other, dup := l.byIdentifier[id][b.Sector]; dup && other != key {
		return Booking{}, fmt.Errorf("%s on %s: %w", id, b.Sector, ErrDuplicateIdentifier)
	}
	if err := l.checkReserved(id, b.Owner); err != nil {
		return Booking{}, err
	}

	updated := b
	updated.Identifier = id
	if l.store != nil {
		if err := l.store.SaveBooking(ctx, updated); err != nil {
			return Booking{}, fmt.Errorf("persist booking %s: %w", key, err)
		}
	}

	l.unindex(b)
	l.index(updated)
	return updated, nil
}

func (l *Ledger) index(b Booking) {
	l.bookings[b.Key] = b
	if p, ok := b.Owner.(ParticipantOwner); ok {
		keys := l.byOwner[p.ID]
		if keys == nil {
			keys = make(map[string]struct{})
			l.byOwner[p.ID] = keys
		}
		keys[b.Key] = struct{}{}
	}
	sectors := l.byIdentifier[b.Identifier]
	if sectors == nil {
		sectors = make(map[string]string)
		l.byIdentifier[b.Identifier] = sectors
	}
	sectors[b.Sector] = b.Key
}

func (l *Ledger) unindex(b Booking) {
	delete(l.bookings, b.Key)
	if p, ok := b.Owner.(ParticipantOwner); ok {
		delete(l.byOwner[p.ID], b.Key)
		if len(l.byOwner[p.ID]) == 0 {
			delete(l.byOwner, p.ID)
		}
	}
	if sectors := l.byIdentifier[b.Identifier]; sectors != nil && sectors[b.Sector] == b.Key {
		delete(sectors, b.Sector)
		if len(sectors) == 0 {
			delete(l.byIdentifier, b.Identifier)
		}
	}
}

// Load replaces the ledger contents with previously persisted bookings.
func (l *Ledger) Load(bookings []Booking) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bookings = make(map[string]Booking, len(bookings))
	l.byOwner = make(map[string]map[string]struct{})
	l.byIdentifier = make(map[string]map[string]string)
	for _, b := range bookings {
		if b.Owner == nil {
			b.Owner = OperatorOwner{}
		}
		l.index(b)
	}
}

// Get returns the booking at key.
func (l *Ledger) Get(key string) (Booking, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bookings[strings.TrimSpace(key)]
	return b, ok
}

// IsBooked reports whether key is held.
func (l *Ledger) IsBooked(key string) bool {
	_, ok := l.Get(key)
	return ok
}

// ForOwner lists a participant's bookings ordered by date and time.
func (l *Ledger) ForOwner(participantID string) []Booking {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Booking, 0, len(l.byOwner[participantID]))
	for k := range l.byOwner[participantID] {
		out = append(out, l.bookings[k])
	}
	sortBookings(out)
	return out
}

// All lists every booking ordered by date and time.
func (l *Ledger) All() []Booking {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Booking, 0, len(l.bookings))
	for _, b := range l.bookings {
		out = append(out, b)
	}
	sortBookings(out)
	return out
}

// TOBTFor returns the booked off-block time for identifier departing origin.
// When several sectors match, the earliest booking wins.
func (l *Ledger) TOBTFor(identifier, origin string) (string, bool) {
	id := utils.NormalizeIdentifier(identifier)
	origin = utils.NormalizeAirport(origin)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var matches []Booking
	for sector, key := range l.byIdentifier[id] {
		if utils.SectorOrigin(sector) == origin {
			matches = append(matches, l.bookings[key])
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sortBookings(matches)
	return matches[0].Time, true
}

func sortBookings(bs []Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Date != bs[j].Date {
			return bs[i].Date < bs[j].Date
		}
		if bs[i].Time != bs[j].Time {
			return bs[i].Time < bs[j].Time
		}
		return bs[i].Key < bs[j].Key
	})
}
