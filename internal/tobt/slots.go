package tobt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"flight-cdm/internal/flow"
	"flight-cdm/internal/model"
	"flight-cdm/pkg/utils"
)

// ErrNoFlowRate is the no-flow sentinel: the sector has no configured rate,
// so no slots exist. It is distinct from an empty slot list.
var ErrNoFlowRate = errors.New("no flow rate defined")

// slotWindow is how far either side of the scheduled departure slots are generated.
const slotWindow = 60

// GenerateSlots returns every HH:MM candidate from dep-60 to dep+60
// inclusive, stepping by the sector's slot interval.
func GenerateSlots(rate int, dep string) ([]string, error) {
	if rate <= 0 {
		return nil, ErrNoFlowRate
	}
	if _, _, err := utils.ParseClock(dep); err != nil {
		return nil, model.Invalid("scheduledDepartureTime", err.Error())
	}

	interval := flow.SlotInterval(rate)
	out := make([]string, 0, 2*slotWindow/interval+1)
	for offset := -slotWindow; offset <= slotWindow; offset += interval {
		hhmm, err := utils.AddMinutesToClock(dep, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, hhmm)
	}
	return out, nil
}

// SlotKey identifies one candidate slot.
type SlotKey struct {
	Sector             string
	Date               string
	ScheduledDeparture string
	Time               string
}

// String encodes the key as sector|date|departure|candidate.
func (k SlotKey) String() string {
	return strings.Join([]string{k.Sector, k.Date, k.ScheduledDeparture, k.Time}, "|")
}

// MakeSlotKey builds the encoded slot key.
func MakeSlotKey(sector, date, dep, candidate string) string {
	return SlotKey{
		Sector:             utils.NormalizeSector(sector),
		Date:               strings.TrimSpace(date),
		ScheduledDeparture: strings.TrimSpace(dep),
		Time:               strings.TrimSpace(candidate),
	}.String()
}

// ParseSlotKey decodes and validates an encoded slot key.
func ParseSlotKey(key string) (SlotKey, error) {
	parts := strings.Split(strings.TrimSpace(key), "|")
	if len(parts) != 4 {
		return SlotKey{}, model.Invalid("slotKey", "slot key must be sector|date|departure|time")
	}

	v := &model.ValidationError{}
	sector, err := utils.ValidateSector(parts[0])
	if err != nil {
		v.Add("sector", err.Error())
	}
	if _, err := time.Parse(utils.DateLayout, parts[1]); err != nil {
		v.Add("date", "date must be YYYY-MM-DD")
	}
	if _, _, err := utils.ParseClock(parts[2]); err != nil {
		v.Add("scheduledDepartureTime", err.Error())
	}
	if _, _, err := utils.ParseClock(parts[3]); err != nil {
		v.Add("time", err.Error())
	}
	if err := v.OrNil(); err != nil {
		return SlotKey{}, err
	}

	return SlotKey{Sector: sector, Date: parts[1], ScheduledDeparture: parts[2], Time: parts[3]}, nil
}

// Slot is one bookable off-block time.
type Slot struct {
	Key                string `json:"slotKey"`
	Sector             string `json:"sector"`
	Date               string `json:"date"`
	ScheduledDeparture string `json:"scheduledDepartureTime"`
	Time               string `json:"time"`
}

// RateSource provides configured flow rates.
type RateSource interface {
	Rate(sector string) (int, bool)
}

type departure struct {
	row    model.ScheduleRow
	noFlow bool
	keys   []string
}

func departureKey(sector, date, dep string) string {
	return sector + "|" + date + "|" + dep
}

// Pool holds every generated slot for the published schedule. It is
// rebuilt wholesale whenever the schedule or a flow rate changes.
type Pool struct {
	mu         sync.RWMutex
	rows       []model.ScheduleRow
	departures map[string]*departure
	slots      map[string]Slot
}

// NewPool creates an empty pool
func NewPool() *Pool {
	return &Pool{
		departures: make(map[string]*departure),
		slots:      make(map[string]Slot),
	}
}

// Rebuild replaces the schedule with rows and regenerates every slot.
// Rows that cannot be parsed are skipped and reported in the returned error.
func (p *Pool) Rebuild(rows []model.ScheduleRow, rates RateSource, now time.Time) error {
	var errs []error
	clean := make([]model.ScheduleRow, 0, len(rows))
	for i, row := range rows {
		normalized, err := normalizeRow(row, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule row %d: %w", i, err))
			continue
		}
		clean = append(clean, normalized)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.rows = clean
	p.regenerate(rates)
	return errors.Join(errs...)
}

// Regenerate rebuilds every slot from the current schedule, typically after
// a flow rate change.
func (p *Pool) Regenerate(rates RateSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regenerate(rates)
}

func (p *Pool) regenerate(rates RateSource) {
	p.departures = make(map[string]*departure, len(p.rows))
	p.slots = make(map[string]Slot)

	for _, row := range p.rows {
		dk := departureKey(row.Sector, row.Date, row.ScheduledDepartureTime)
		d := &departure{row: row}
		p.departures[dk] = d

		rate, _ := rates.Rate(row.Sector)
		times, err := GenerateSlots(rate, row.ScheduledDepartureTime)
		if err != nil {
			d.noFlow = true
			continue
		}
		for _, t := range times {
			key := MakeSlotKey(row.Sector, row.Date, row.ScheduledDepartureTime, t)
			p.slots[key] = Slot{
				Key:                key,
				Sector:             row.Sector,
				Date:               row.Date,
				ScheduledDeparture: row.ScheduledDepartureTime,
				Time:               t,
			}
			d.keys = append(d.keys, key)
		}
	}
}

func normalizeRow(row model.ScheduleRow, now time.Time) (model.ScheduleRow, error) {
	v := &model.ValidationError{}

	sector, err := utils.ValidateSector(row.Sector)
	if err != nil {
		v.Add("sector", err.Error())
	}
	date, err := utils.ParseScheduleDate(row.Date, now)
	if err != nil {
		v.Add("date", err.Error())
	}
	dep, err := utils.NormalizeClock(row.ScheduledDepartureTime)
	if err != nil {
		v.Add("scheduledDepartureTime", err.Error())
	}
	if err := v.OrNil(); err != nil {
		return model.ScheduleRow{}, err
	}

	row.Sector = sector
	row.Date = utils.FormatDate(date)
	row.ScheduledDepartureTime = dep
	if arr, err := utils.NormalizeClock(row.ScheduledArrivalTime); err == nil {
		row.ScheduledArrivalTime = arr
	}
	row.RouteText = strings.TrimSpace(row.RouteText)
	return row, nil
}

// Slots returns the candidate slots for one scheduled departure. It returns
// ErrNoFlowRate when the sector had no rate at the last rebuild.
func (p *Pool) Slots(sector, date, dep string) ([]Slot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	d, ok := p.departures[departureKey(utils.NormalizeSector(sector), strings.TrimSpace(date), strings.TrimSpace(dep))]
	if !ok {
		return nil, fmt.Errorf("departure %s %s %s: %w", sector, date, dep, model.ErrNotFound)
	}
	if d.noFlow {
		return nil, ErrNoFlowRate
	}

	out := make([]Slot, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, p.slots[k])
	}
	return out, nil
}

// Lookup returns the slot for an encoded key.
func (p *Pool) Lookup(key string) (Slot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.slots[key]
	return s, ok
}

// Rows returns the normalized schedule the pool was last built from.
func (p *Pool) Rows() []model.ScheduleRow {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.ScheduleRow, len(p.rows))
	copy(out, p.rows)
	return out
}

// Count returns the number of generated slots.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.slots)
}

// Unassigned lists every slot departing airport that isBooked reports as
// free, ordered by date, departure and candidate time.
func (p *Pool) Unassigned(airport string, isBooked func(key string) bool) []model.UnassignedSlot {
	airport = utils.NormalizeAirport(airport)

	p.mu.RLock()
	candidates := make([]Slot, 0)
	for _, s := range p.slots {
		if utils.SectorOrigin(s.Sector) == airport {
			candidates = append(candidates, s)
		}
	}
	p.mu.RUnlock()

	// isBooked may take the ledger lock, so it runs without the pool lock.
	out := make([]model.UnassignedSlot, 0, len(candidates))
	for _, s := range candidates {
		if isBooked != nil && isBooked(s.Key) {
			continue
		}
		out = append(out, model.UnassignedSlot{
			SlotKey:                s.Key,
			Sector:                 s.Sector,
			Date:                   s.Date,
			ScheduledDepartureTime: s.ScheduledDeparture,
			Time:                   s.Time,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.ScheduledDepartureTime != b.ScheduledDepartureTime {
			return a.ScheduledDepartureTime < b.ScheduledDepartureTime
		}
		if a.Sector != b.Sector {
			return a.Sector < b.Sector
		}
		return slotOrder(a) < slotOrder(b)
	})
	return out
}

// slotOrder places candidates that wrapped past midnight relative to the
// scheduled departure in chronological order.
func slotOrder(s model.UnassignedSlot) int {
	dh, dm, _ := utils.ParseClock(s.ScheduledDepartureTime)
	th, tm, _ := utils.ParseClock(s.Time)
	diff := (th*60 + tm) - (dh*60 + dm)
	if diff > 12*60 {
		diff -= 24 * 60
	} else if diff < -12*60 {
		diff += 24 * 60
	}
	return diff
}
