package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"flight-cdm/internal/metrics"
	"flight-cdm/internal/model"
	"flight-cdm/pkg/logger"
)

// Publisher is the subset of *redis.Client the relay needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Envelope is the msgpack payload written to the relay channel.
type Envelope struct {
	Instance string      `msgpack:"instance"`
	Event    model.Event `msgpack:"event"`
}

// RelayConfig configures a Relay
type RelayConfig struct {
	Channel    string
	BufferSize int
	PerSecond  float64
	Burst      int
	Timeout    time.Duration
}

// Relay mirrors published events to a redis channel so other processes can
// follow the event stream. Submission never blocks the caller; events are
// dropped when the buffer is full.
type Relay struct {
	pub         Publisher
	cfg         RelayConfig
	instance    string
	rateLimiter *RateLimiter
	inputChan   chan model.Event
	log         *logger.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay creates a relay writing to pub
func NewRelay(pub Publisher, cfg RelayConfig, log *logger.Logger, m *metrics.Metrics) *Relay {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 200
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "cdm-events"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pub:         pub,
		cfg:         cfg,
		instance:    uuid.NewString(),
		rateLimiter: NewRateLimiter(cfg.PerSecond, cfg.Burst),
		inputChan:   make(chan model.Event, cfg.BufferSize),
		log:         log.With("component", "relay"),
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Instance returns the ID stamped on every envelope from this process.
func (r *Relay) Instance() string {
	return r.instance
}

// Start begins forwarding events
func (r *Relay) Start() {
	r.wg.Add(1)
	go r.forward()
}

func (r *Relay) forward() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.inputChan:
			if err := r.rateLimiter.Wait(r.ctx); err != nil {
				return
			}
			r.publish(ev)
		}
	}
}

func (r *Relay) publish(ev model.Event) {
	payload, err := msgpack.Marshal(Envelope{Instance: r.instance, Event: ev})
	if err != nil {
		r.log.Error("encode %s event: %v", ev.Type, err)
		r.fail()
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.pub.Publish(ctx, r.cfg.Channel, payload).Err(); err != nil {
		r.log.Warn("publish %s event to %s: %v", ev.Type, r.cfg.Channel, err)
		r.fail()
	}
}

func (r *Relay) fail() {
	if r.metrics != nil {
		r.metrics.IncrementRelayFailures()
	}
}

// Submit queues ev for relaying. It reports false if the buffer is full or
// the relay has stopped.
func (r *Relay) Submit(ev model.Event) bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
	}

	select {
	case r.inputChan <- ev:
		return true
	default:
		r.fail()
		return false
	}
}

// Stop gracefully stops the relay
func (r *Relay) Stop() {
	r.cancel()
	r.wg.Wait()
}

// GetStats returns relay statistics
func (r *Relay) GetStats() (processed, dropped int64) {
	return r.rateLimiter.GetStats()
}
