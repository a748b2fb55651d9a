package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and tracks service counters
type Metrics struct {
	// Allocation metrics
	tsatAssigned atomic.Int64
	tsatCleared  atomic.Int64
	started      atomic.Int64

	// Booking metrics
	bookingsCreated   atomic.Int64
	bookingsCancelled atomic.Int64
	bookingConflicts  atomic.Int64

	// Broadcast metrics
	eventsPublished atomic.Int64
	eventsPerSecond atomic.Int64
	lastSecondCount atomic.Int64
	clientsDropped  atomic.Int64
	clientsActive   atomic.Int64
	relayFailures   atomic.Int64

	// Feed metrics
	feedPolls  atomic.Int64
	feedErrors atomic.Int64

	// HTTP metrics
	httpRequests    atomic.Int64
	httpErrors      atomic.Int64
	httpLatencySum  atomic.Int64
	httpLatencyCnt  atomic.Int64
	httpRateLimited atomic.Int64

	startTime time.Time
	mu        sync.RWMutex
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Run updates the events-per-second gauge until ctx is cancelled.
func (m *Metrics) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := m.eventsPublished.Load()
			m.eventsPerSecond.Store(current - m.lastSecondCount.Load())
			m.lastSecondCount.Store(current)
		}
	}
}

func (m *Metrics) IncrementTSATAssigned()      { m.tsatAssigned.Add(1) }
func (m *Metrics) IncrementTSATCleared()       { m.tsatCleared.Add(1) }
func (m *Metrics) IncrementStarted()           { m.started.Add(1) }
func (m *Metrics) IncrementBookingsCreated()   { m.bookingsCreated.Add(1) }
func (m *Metrics) IncrementBookingsCancelled() { m.bookingsCancelled.Add(1) }
func (m *Metrics) IncrementBookingConflicts()  { m.bookingConflicts.Add(1) }
func (m *Metrics) IncrementEventsPublished()   { m.eventsPublished.Add(1) }
func (m *Metrics) IncrementClientsDropped()    { m.clientsDropped.Add(1) }
func (m *Metrics) IncrementRelayFailures()     { m.relayFailures.Add(1) }
func (m *Metrics) IncrementFeedPolls()         { m.feedPolls.Add(1) }
func (m *Metrics) IncrementFeedErrors()        { m.feedErrors.Add(1) }
func (m *Metrics) IncrementHTTPRequests()      { m.httpRequests.Add(1) }
func (m *Metrics) IncrementHTTPErrors()        { m.httpErrors.Add(1) }
func (m *Metrics) IncrementHTTPRateLimited()   { m.httpRateLimited.Add(1) }

// SetClientsActive records the number of connected observers.
func (m *Metrics) SetClientsActive(n int64) {
	m.clientsActive.Store(n)
}

func (m *Metrics) RecordHTTPLatency(d time.Duration) {
	m.httpLatencySum.Add(d.Milliseconds())
	m.httpLatencyCnt.Add(1)
}

func (m *Metrics) GetHTTPAverageLatency() float64 {
	count := m.httpLatencyCnt.Load()
	if count == 0 {
		return 0
	}
	return float64(m.httpLatencySum.Load()) / float64(count)
}

func (m *Metrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// Snapshot represents a point-in-time snapshot of all metrics
type Snapshot struct {
	TSATAssigned int64 `json:"tsat_assigned"`
	TSATCleared  int64 `json:"tsat_cleared"`
	Started      int64 `json:"started"`

	BookingsCreated   int64 `json:"bookings_created"`
	BookingsCancelled int64 `json:"bookings_cancelled"`
	BookingConflicts  int64 `json:"booking_conflicts"`

	EventsPublished int64 `json:"events_published"`
	EventsPerSecond int64 `json:"events_per_second"`
	ClientsActive   int64 `json:"clients_active"`
	ClientsDropped  int64 `json:"clients_dropped"`
	RelayFailures   int64 `json:"relay_failures"`

	FeedPolls  int64 `json:"feed_polls"`
	FeedErrors int64 `json:"feed_errors"`

	HTTPRequests    int64   `json:"http_requests"`
	HTTPErrors      int64   `json:"http_errors"`
	HTTPRateLimited int64   `json:"http_rate_limited"`
	HTTPAvgLatency  float64 `json:"http_avg_latency_ms"`

	UptimeSeconds int64 `json:"uptime_seconds"`
	Timestamp     int64 `json:"timestamp"`
}

// GetSnapshot returns a snapshot of all current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	return &Snapshot{
		TSATAssigned:      m.tsatAssigned.Load(),
		TSATCleared:       m.tsatCleared.Load(),
		Started:           m.started.Load(),
		BookingsCreated:   m.bookingsCreated.Load(),
		BookingsCancelled: m.bookingsCancelled.Load(),
		BookingConflicts:  m.bookingConflicts.Load(),
		EventsPublished:   m.eventsPublished.Load(),
		EventsPerSecond:   m.eventsPerSecond.Load(),
		ClientsActive:     m.clientsActive.Load(),
		ClientsDropped:    m.clientsDropped.Load(),
		RelayFailures:     m.relayFailures.Load(),
		FeedPolls:         m.feedPolls.Load(),
		FeedErrors:        m.feedErrors.Load(),
		HTTPRequests:      m.httpRequests.Load(),
		HTTPErrors:        m.httpErrors.Load(),
		HTTPRateLimited:   m.httpRateLimited.Load(),
		HTTPAvgLatency:    m.GetHTTPAverageLatency(),
		UptimeSeconds:     int64(m.GetUptime().Seconds()),
		Timestamp:         time.Now().Unix(),
	}
}
