// Package persistence holds the durable store for bookings and flow rates.
// In-memory state is rebuilt from it at startup and written through on
// every committed mutation.
package persistence

import (
	"context"

	"flight-cdm/internal/tobt"
)

// Store is the durable record of bookings (keyed by slot key) and flow
// rates (keyed by sector).
type Store interface {
	tobt.Store
	LoadBookings(ctx context.Context) ([]tobt.Booking, error)
	// SaveFlowRate upserts a rate; a rate of 0 removes the sector.
	SaveFlowRate(ctx context.Context, sector string, rate int) error
	LoadFlowRates(ctx context.Context) (map[string]int, error)
	Close() error
}
