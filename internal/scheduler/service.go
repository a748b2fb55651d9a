// Package scheduler is the single owner of all mutable scheduling state.
// Every state-changing request goes through Service, which serializes
// them, enforces authorization and publishes the resulting events in
// commit order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"flight-cdm/internal/auth"
	"flight-cdm/internal/flow"
	"flight-cdm/internal/hub"
	"flight-cdm/internal/metrics"
	"flight-cdm/internal/model"
	"flight-cdm/internal/persistence"
	"flight-cdm/internal/state"
	"flight-cdm/internal/tobt"
	"flight-cdm/internal/tsat"
	"flight-cdm/pkg/logger"
	"flight-cdm/pkg/utils"
)

// ErrAlreadyStarted is returned when a started identifier is toggled back
// into the pending queue instead of being sent back.
var ErrAlreadyStarted = fmt.Errorf("identifier already started: %w", model.ErrConflict)

// PlanLookup supplies cosmetic flight-plan data for queue views.
type PlanLookup interface {
	Lookup(identifier string) (model.FlightPlan, bool)
}

// Config carries the initial scheduling configuration.
type Config struct {
	Operators []string
	// Reserved pins identifiers to a single participant ID.
	Reserved map[string]string
	// InitialRates seed the registry before stored rates are loaded.
	InitialRates map[string]int
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPlans sets the flight-plan source used to enrich queue views.
func WithPlans(p PlanLookup) Option {
	return func(s *Service) { s.plans = p }
}

// Service composes the allocator, slot pool, booking ledger, toggle and
// started state with the broadcaster.
type Service struct {
	mu sync.RWMutex

	rates   *flow.Registry
	alloc   *tsat.Allocator
	pool    *tobt.Pool
	ledger  *tobt.Ledger
	toggles *state.ToggleStore
	started *state.StartedRegistry

	hub     *hub.Hub
	authz   *auth.Authorizer
	store   persistence.Store
	plans   PlanLookup
	initial map[string]int

	now     func() time.Time
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// New creates a service. Call Load before serving requests.
func New(cfg Config, h *hub.Hub, store persistence.Store, log *logger.Logger, m *metrics.Metrics, opts ...Option) *Service {
	if store == nil {
		store = persistence.NewMemory()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	operators := cfg.Operators
	if len(operators) == 0 {
		operators = auth.DefaultOperators
	}

	s := &Service{
		rates:   flow.NewRegistry(),
		pool:    tobt.NewPool(),
		toggles: state.NewToggleStore(),
		started: state.NewStartedRegistry(),
		hub:     h,
		authz:   auth.NewAuthorizer(operators),
		store:   store,
		initial: cfg.InitialRates,
		now:     time.Now,
		logger:  log.With("component", "scheduler"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ledger = tobt.NewLedger(s.pool, tobt.WithStore(store), tobt.WithLedgerClock(s.now))
	s.ledger.SetReserved(cfg.Reserved)
	s.alloc = tsat.New(s.rates, tsat.WithClock(s.now), tsat.WithLowerBounds(s.ledger))
	return s
}

// Authorizer exposes the operator and airport checks.
func (s *Service) Authorizer() *auth.Authorizer {
	return s.authz
}

// Load rebuilds flow rates and bookings from the store.
func (s *Service) Load(ctx context.Context) error {
	rates, err := s.store.LoadFlowRates(ctx)
	if err != nil {
		return fmt.Errorf("load flow rates: %w", err)
	}
	bookings, err := s.store.LoadBookings(ctx)
	if err != nil {
		return fmt.Errorf("load bookings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]int, len(s.initial)+len(rates))
	for sector, rate := range s.initial {
		if rate < 0 {
			return fmt.Errorf("initial rate for %s: %w", sector, flow.ErrInvalidRate)
		}
		merged[utils.NormalizeSector(sector)] = rate
	}
	for sector, rate := range rates {
		merged[sector] = rate
	}
	s.rates.Load(merged)
	s.pool.Regenerate(s.rates)
	s.ledger.Load(bookings)

	s.logger.Info("Loaded %d flow rates and %d bookings", len(merged), len(bookings))
	return nil
}

// RefreshSchedule replaces the published schedule and regenerates the slot
// pool. Unparseable rows are skipped and reported in the returned error.
func (s *Service) RefreshSchedule(_ context.Context, rows []model.ScheduleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	airports := make(map[string]struct{})
	for _, row := range s.pool.Rows() {
		airports[utils.SectorOrigin(row.Sector)] = struct{}{}
	}

	err := s.pool.Rebuild(rows, s.rates, s.now())
	if err != nil {
		s.logger.Warn("Schedule contained invalid rows: %v", err)
	}

	for _, row := range s.pool.Rows() {
		airports[utils.SectorOrigin(row.Sector)] = struct{}{}
	}
	for airport := range airports {
		s.publishUnassigned(airport)
	}
	return err
}

// SetToggle records a flag for identifier. Setting the start flag assigns a
// TSAT; clearing it removes the TSAT.
func (s *Service) SetToggle(p *auth.Principal, identifier, flag string, value bool, sector string) (model.ToggleView, error) {
	v := &model.ValidationError{}
	id := utils.NormalizeIdentifier(identifier)
	if id == "" {
		v.Add("identifier", "identifier is required")
	}
	flag = strings.TrimSpace(flag)
	if flag == "" {
		v.Add("flag", "flag is required")
	}
	if err := v.OrNil(); err != nil {
		return model.ToggleView{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	assigning := flag == state.StartFlag && value
	sec, prev, moved, err := s.resolveSector(p, id, sector, assigning)
	if err != nil {
		return model.ToggleView{}, err
	}
	origin := utils.SectorOrigin(sec)

	if assigning {
		if _, ok := s.started.Get(id); ok {
			return model.ToggleView{}, fmt.Errorf("%s: %w", id, ErrAlreadyStarted)
		}
	}

	view, was := s.toggles.Set(id, flag, value, sec)

	if flag == state.StartFlag {
		if value {
			hhmm, err := s.alloc.Assign(sec, id)
			if err != nil {
				s.toggles.Set(id, flag, was, "")
				return model.ToggleView{}, fmt.Errorf("assign %s: %w", id, err)
			}
			s.metrics.IncrementTSATAssigned()
			s.logger.Debug("Assigned TSAT %s to %s on %s", hhmm, id, sec)
			s.publishToggle(id, flag, value, sec)
			if moved {
				s.publishTSAT(prev.Origin, id, prev.Sector, "")
			}
			s.publishTSAT(origin, id, sec, hhmm)
			return view, nil
		}

		s.alloc.Clear(sec, id)
		s.metrics.IncrementTSATCleared()
		s.publishToggle(id, flag, value, sec)
		s.publishTSAT(origin, id, sec, "")
		return view, nil
	}

	s.publishToggle(id, flag, value, sec)
	return view, nil
}

// Recalculate recomputes identifier's TSAT. An empty sector uses the
// sector of its current TSAT or toggle.
func (s *Service) Recalculate(p *auth.Principal, sector, identifier string) (model.TSAT, error) {
	id := utils.NormalizeIdentifier(identifier)
	if id == "" {
		return model.TSAT{}, model.Invalid("identifier", "identifier is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sec, prev, moved, err := s.resolveSector(p, id, sector, true)
	if err != nil {
		return model.TSAT{}, err
	}
	origin := utils.SectorOrigin(sec)

	hhmm, err := s.alloc.Recalculate(sec, id)
	if err != nil {
		return model.TSAT{}, fmt.Errorf("recalculate %s: %w", id, err)
	}
	s.metrics.IncrementTSATAssigned()
	if moved {
		s.publishTSAT(prev.Origin, id, prev.Sector, "")
	}
	s.publishTSAT(origin, id, sec, hhmm)

	t, _ := s.alloc.Published(id)
	return t, nil
}

// MarkStarted moves identifier out of the pending queue into the started
// registry, keeping the time it had.
func (s *Service) MarkStarted(p *auth.Principal, identifier string) (model.StartedEntry, error) {
	id := utils.NormalizeIdentifier(identifier)
	if id == "" {
		return model.StartedEntry{}, model.Invalid("identifier", "identifier is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.started.Get(id); ok {
		return model.StartedEntry{}, fmt.Errorf("%s: %w", id, ErrAlreadyStarted)
	}

	entry := model.StartedEntry{Identifier: id, StartedAt: s.now().UTC()}
	if t, ok := s.alloc.Published(id); ok {
		entry.TSAT = t.Time
		entry.Sector = t.Sector
		entry.Origin = t.Origin
		if qe, ok := s.alloc.Entry(t.Sector, id); ok {
			entry.Time = qe.Time
		}
	} else if sec := s.toggles.Sector(id); sec != "" {
		entry.Sector = sec
		entry.Origin = utils.SectorOrigin(sec)
	} else {
		return model.StartedEntry{}, fmt.Errorf("%s has no sector: %w", id, model.ErrNotFound)
	}

	if err := s.authz.RequireAirport(p, entry.Origin); err != nil {
		return model.StartedEntry{}, err
	}

	s.started.Mark(entry)
	if entry.TSAT != "" {
		s.alloc.Clear(entry.Sector, id)
		s.publishTSAT(entry.Origin, id, entry.Sector, "")
	}
	s.metrics.IncrementStarted()
	s.publish(model.EventStartedChanged, entry.Origin, model.StartedChanged{Identifier: id, Started: true})

	s.logger.Info("%s started at %s (tsat %q)", id, entry.Origin, entry.TSAT)
	return entry, nil
}

// SendBack returns a started identifier to the pending queue at exactly
// the time it had. Entries without a stored time are only removed.
func (s *Service) SendBack(p *auth.Principal, identifier string) (model.TSAT, error) {
	id := utils.NormalizeIdentifier(identifier)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.startedFor(p, id)
	if err != nil {
		return model.TSAT{}, err
	}

	var restored model.TSAT
	if !entry.Time.IsZero() && entry.Sector != "" {
		hhmm, err := s.alloc.Restore(entry.Sector, id, entry.Time)
		if err != nil {
			return model.TSAT{}, fmt.Errorf("restore %s: %w", id, err)
		}
		restored, _ = s.alloc.Published(id)
		s.publishTSAT(entry.Origin, id, entry.Sector, hhmm)
	}

	s.started.Remove(id)
	s.publish(model.EventStartedChanged, entry.Origin, model.StartedChanged{Identifier: id, Started: false})
	return restored, nil
}

// DeleteStarted removes a started identifier permanently.
func (s *Service) DeleteStarted(p *auth.Principal, identifier string) error {
	id := utils.NormalizeIdentifier(identifier)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.startedFor(p, id)
	if err != nil {
		return err
	}
	s.started.Remove(id)
	s.publish(model.EventStartedChanged, entry.Origin, model.StartedChanged{Identifier: id, Started: false})
	return nil
}

func (s *Service) startedFor(p *auth.Principal, id string) (model.StartedEntry, error) {
	if id == "" {
		return model.StartedEntry{}, model.Invalid("identifier", "identifier is required")
	}
	entry, ok := s.started.Get(id)
	if !ok {
		return model.StartedEntry{}, fmt.Errorf("started %s: %w", id, model.ErrNotFound)
	}
	if err := s.authz.RequireAirport(p, entry.Origin); err != nil {
		return model.StartedEntry{}, err
	}
	return entry, nil
}

// SetFlowRate stores a sector's departures per hour and regenerates the
// slot pool. A rate of 0 removes the sector's rate.
func (s *Service) SetFlowRate(ctx context.Context, p *auth.Principal, sector string, rate int) error {
	sec, err := parseSector(sector)
	if err != nil {
		return err
	}
	if rate < 0 {
		return model.Invalid("rate", flow.ErrInvalidRate.Error())
	}
	origin := utils.SectorOrigin(sec)
	if err := s.authz.RequireAirport(p, origin); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveFlowRate(ctx, sec, rate); err != nil {
		return fmt.Errorf("save flow rate %s: %w", sec, err)
	}
	if err := s.rates.Set(sec, rate); err != nil {
		return err
	}
	s.pool.Regenerate(s.rates)

	s.publish(model.EventFlowRateChanged, model.GlobalTopic, model.FlowRateChanged{Sector: sec, Value: rate})
	s.publishUnassigned(origin)

	s.logger.Info("Flow rate for %s set to %d", sec, rate)
	return nil
}

// FlowRates returns every configured rate.
func (s *Service) FlowRates() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rates.All()
}

// Book claims a slot. Operators may book on behalf of nobody by setting
// operatorAssigned.
func (s *Service) Book(ctx context.Context, p *auth.Principal, slotKey, identifier string, operatorAssigned bool) (tobt.Booking, error) {
	if err := auth.RequireParticipant(p); err != nil {
		return tobt.Booking{}, err
	}
	var owner tobt.Owner = tobt.ParticipantOwner{ID: p.ParticipantID}
	if operatorAssigned {
		if err := s.authz.RequireOperator(p); err != nil {
			return tobt.Booking{}, err
		}
		owner = tobt.OperatorOwner{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.ledger.Book(ctx, slotKey, owner, identifier)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			s.metrics.IncrementBookingConflicts()
		}
		return tobt.Booking{}, err
	}
	s.metrics.IncrementBookingsCreated()
	s.publishUnassigned(utils.SectorOrigin(b.Sector))

	s.logger.Info("Booked %s for %s", b.Key, b.Identifier)
	return b, nil
}

// Cancel releases a booking.
func (s *Service) Cancel(ctx context.Context, p *auth.Principal, slotKey string) (tobt.Booking, error) {
	if err := auth.RequireParticipant(p); err != nil {
		return tobt.Booking{}, err
	}
	req := tobt.Requester{ParticipantID: p.ParticipantID, Operator: s.authz.IsOperator(p)}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.ledger.Cancel(ctx, slotKey, req)
	if err != nil {
		return tobt.Booking{}, err
	}
	s.metrics.IncrementBookingsCancelled()
	s.publishUnassigned(utils.SectorOrigin(b.Sector))

	s.logger.Info("Cancelled %s", b.Key)
	return b, nil
}

// UpdateBookingIdentifier changes the identifier on a booking.
func (s *Service) UpdateBookingIdentifier(ctx context.Context, p *auth.Principal, slotKey, identifier string) (tobt.Booking, error) {
	if err := auth.RequireParticipant(p); err != nil {
		return tobt.Booking{}, err
	}
	req := tobt.Requester{ParticipantID: p.ParticipantID, Operator: s.authz.IsOperator(p)}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.ledger.UpdateAssignedIdentifier(ctx, slotKey, req, identifier)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			s.metrics.IncrementBookingConflicts()
		}
		return tobt.Booking{}, err
	}
	return b, nil
}

// MyBookings lists the caller's bookings.
func (s *Service) MyBookings(p *auth.Principal) ([]tobt.Booking, error) {
	if err := auth.RequireParticipant(p); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.ForOwner(p.ParticipantID), nil
}

// SlotStatus is a slot with its availability.
type SlotStatus struct {
	tobt.Slot
	Booked bool `json:"booked"`
}

// Slots lists the slots of one scheduled departure. It returns
// tobt.ErrNoFlowRate when the sector has no rate configured.
func (s *Service) Slots(sector, date, dep string) ([]SlotStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slots, err := s.pool.Slots(sector, date, dep)
	if err != nil {
		return nil, err
	}
	out := make([]SlotStatus, len(slots))
	for i, sl := range slots {
		out[i] = SlotStatus{Slot: sl, Booked: s.ledger.IsBooked(sl.Key)}
	}
	return out, nil
}

// Unassigned lists the unbooked slots departing airport.
func (s *Service) Unassigned(airport string) []model.UnassignedSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool.Unassigned(airport, s.ledger.IsBooked)
}

// QueueView returns sector's pending entries enriched with feed data and
// the identifier's booked TOBT.
func (s *Service) QueueView(sector string) ([]model.QueueEntryView, error) {
	sec, err := parseSector(sector)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.alloc.Queue(sec)
	out := make([]model.QueueEntryView, 0, len(entries))
	for _, e := range entries {
		v := model.QueueEntryView{
			Identifier:  e.Identifier,
			Time:        utils.FormatClock(e.Time),
			Origin:      e.Origin,
			Destination: utils.SectorDestination(sec),
		}
		if s.plans != nil {
			if plan, ok := s.plans.Lookup(e.Identifier); ok {
				if plan.Destination != "" {
					v.Destination = plan.Destination
				}
				v.Route = plan.Route
			}
		}
		if hhmm, ok := s.ledger.TOBTFor(e.Identifier, e.Origin); ok {
			v.Booked = hhmm
		}
		out = append(out, v)
	}
	return out, nil
}

// Snapshot returns the full state an observer of airport needs. An empty
// airport yields the global view with every TSAT and started entry and no
// slot list.
func (s *Service) Snapshot(airport string) model.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(airport)
}

func (s *Service) snapshot(airport string) model.SyncState {
	airport = utils.NormalizeAirport(airport)
	st := model.SyncState{
		Airport:   airport,
		Toggles:   s.toggles.Snapshot(),
		FlowRates: s.rates.All(),
		TSATs:     make(map[string]model.TSAT),
		Started:   make(map[string]model.StartedEntry),
	}
	for id, t := range s.alloc.PublishedAll() {
		if airport == "" || t.Origin == airport {
			st.TSATs[id] = t
		}
	}
	for id, e := range s.started.Snapshot() {
		if airport == "" || e.Origin == airport {
			st.Started[id] = e
		}
	}
	if airport != "" {
		st.UnassignedSlots = s.pool.Unassigned(airport, s.ledger.IsBooked)
	}
	return st
}

// Connect registers a new observer and sends it the global snapshot.
func (s *Service) Connect(c *hub.Client) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub.Register(c, s.syncEvent(""))
}

// JoinRoom moves c into airport's room. The snapshot is queued in the same
// critical section as the membership change.
func (s *Service) JoinRoom(c *hub.Client, airport string) error {
	room := utils.NormalizeAirport(airport)
	if len(room) != 4 {
		return model.Invalid("airport", "airport must be a 4-character code")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub.Join(c, room, s.syncEvent(room))
}

// Sync resends the snapshot for c's current room.
func (s *Service) Sync(c *hub.Client) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub.SendTo(c, s.syncEvent(s.hub.Room(c)))
}

// RecentEvents returns up to n of the latest published events.
func (s *Service) RecentEvents(n int) []model.Event {
	return s.hub.Recent(n)
}

// Status summarizes the service for health checks.
type Status struct {
	Sectors  []string       `json:"sectors"`
	Pending  int            `json:"pending"`
	Started  int            `json:"started"`
	Slots    int            `json:"slots"`
	Bookings int            `json:"bookings"`
	Clients  int            `json:"clients"`
	Rooms    map[string]int `json:"rooms"`
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sectors := s.alloc.Sectors()
	sort.Strings(sectors)
	return Status{
		Sectors:  sectors,
		Pending:  len(s.alloc.PublishedAll()),
		Started:  s.started.Len(),
		Slots:    s.pool.Count(),
		Bookings: len(s.ledger.All()),
		Clients:  s.hub.ClientCount(),
		Rooms:    s.hub.Rooms(),
	}
}

func parseSector(sector string) (string, error) {
	sec, err := utils.ValidateSector(sector)
	if err != nil {
		return "", model.Invalid("sector", err.Error())
	}
	return sec, nil
}

// resolveSector picks the sector an operation on id applies to and checks
// p may act there. An identifier with a TSAT is bound to that TSAT's
// sector; naming another sector is only accepted when move is set, and
// then p must also control the old origin.
func (s *Service) resolveSector(p *auth.Principal, id, requested string, move bool) (string, model.TSAT, bool, error) {
	prev, pending := s.alloc.Published(id)
	if pending {
		if err := s.authz.RequireAirport(p, prev.Origin); err != nil {
			return "", model.TSAT{}, false, err
		}
	}

	sec := utils.NormalizeSector(requested)
	if sec == "" {
		sec = s.sectorOf(id)
	}
	if sec == "" {
		return "", model.TSAT{}, false, model.Invalid("sector", "sector is required")
	}
	sec, err := parseSector(sec)
	if err != nil {
		return "", model.TSAT{}, false, err
	}

	moved := pending && prev.Sector != sec
	if moved && !move {
		return "", model.TSAT{}, false, model.Invalid("sector", fmt.Sprintf("%s has a TSAT on %s", id, prev.Sector))
	}
	if err := s.authz.RequireAirport(p, utils.SectorOrigin(sec)); err != nil {
		return "", model.TSAT{}, false, err
	}
	return sec, prev, moved, nil
}

func (s *Service) sectorOf(id string) string {
	if t, ok := s.alloc.Published(id); ok {
		return t.Sector
	}
	return s.toggles.Sector(id)
}

func (s *Service) syncEvent(airport string) model.Event {
	return model.Event{Type: model.EventSyncState, Topic: airport, Data: s.snapshot(airport)}
}

func (s *Service) publish(typ, topic string, data any) {
	s.hub.Publish(model.Event{Type: typ, Topic: topic, Data: data})
}

func (s *Service) publishToggle(id, flag string, value bool, sector string) {
	s.publish(model.EventToggleChanged, model.GlobalTopic, model.ToggleChanged{
		Identifier: id,
		Flag:       flag,
		Value:      value,
		Sector:     sector,
	})
}

func (s *Service) publishTSAT(origin, id, sector, hhmm string) {
	s.publish(model.EventTSATChanged, origin, model.TSATChanged{Identifier: id, Sector: sector, Time: hhmm})
}

func (s *Service) publishUnassigned(airport string) {
	if airport == "" {
		return
	}
	s.publish(model.EventUnassignedSlotsChanged, airport, model.UnassignedSlotsChanged{
		Airport: airport,
		Slots:   s.pool.Unassigned(airport, s.ledger.IsBooked),
	})
}
