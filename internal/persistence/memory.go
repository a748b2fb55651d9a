package persistence

import (
	"context"
	"sort"
	"sync"

	"flight-cdm/internal/tobt"
)

// Memory is a process-local Store used for tests and storage-less runs.
type Memory struct {
	mu       sync.RWMutex
	bookings map[string]tobt.Booking
	rates    map[string]int
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		bookings: make(map[string]tobt.Booking),
		rates:    make(map[string]int),
	}
}

func (m *Memory) SaveBooking(_ context.Context, b tobt.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.Key] = b
	return nil
}

func (m *Memory) DeleteBooking(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bookings, key)
	return nil
}

func (m *Memory) LoadBookings(context.Context) ([]tobt.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]tobt.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) SaveFlowRate(_ context.Context, sector string, rate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rate == 0 {
		delete(m.rates, sector)
		return nil
	}
	m.rates[sector] = rate
	return nil
}

func (m *Memory) LoadFlowRates(context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int, len(m.rates))
	for s, r := range m.rates {
		out[s] = r
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
