package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"flight-cdm/internal/buffer"
	"flight-cdm/internal/metrics"
	"flight-cdm/internal/model"
	"flight-cdm/pkg/logger"
	"flight-cdm/pkg/utils"
)

// Client is one connected observer. Send is drained by the client's write
// pump; the hub closes it when the client is dropped.
type Client struct {
	ID   string
	Send chan []byte

	room   string
	closed bool
}

// NewClient creates a client with a buffered outbound queue.
func NewClient(buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{ID: uuid.NewString(), Send: make(chan []byte, buffer)}
}

// Options configures a Hub
type Options struct {
	HistorySize int
	// Mirror, if set, receives every published event after local fan-out.
	Mirror func(model.Event)
}

// Hub fans events out to observers. Global events reach every registered
// client; room events reach only clients in the matching airport room.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	history *buffer.RingBuffer[model.Event]
	mirror  func(model.Event)
	now     func() time.Time
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New creates an empty hub
func New(opts Options, log *logger.Logger, m *metrics.Metrics) *Hub {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 200
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		history: buffer.NewRingBuffer[model.Event](opts.HistorySize),
		mirror:  opts.Mirror,
		now:     time.Now,
		log:     log.With("component", "hub"),
		metrics: m,
	}
}

// Encode renders ev as the JSON envelope sent to observers.
func Encode(ev model.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Register adds c to the global recipient set and enqueues initial as its
// first message in the same critical section, so no global event can
// overtake it.
func (h *Hub) Register(c *Client, initial model.Event) error {
	msg, err := Encode(h.stamp(initial))
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	h.metrics.SetClientsActive(int64(len(h.clients)))
	h.deliver(c, msg)
	return nil
}

// Join moves c into room and enqueues snapshot before any later room event.
// Membership change and snapshot delivery are atomic with respect to Publish.
func (h *Hub) Join(c *Client, room string, snapshot model.Event) error {
	room = utils.NormalizeAirport(room)
	msg, err := Encode(h.stamp(snapshot))
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed {
		return nil
	}
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = struct{}{}
		h.metrics.SetClientsActive(int64(len(h.clients)))
	}
	h.leaveRoom(c)
	if room != "" {
		members := h.rooms[room]
		if members == nil {
			members = make(map[*Client]struct{})
			h.rooms[room] = members
		}
		members[c] = struct{}{}
		c.room = room
	}
	h.deliver(c, msg)
	return nil
}

// SendTo enqueues ev for a single client.
func (h *Hub) SendTo(c *Client, ev model.Event) error {
	msg, err := Encode(h.stamp(ev))
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliver(c, msg)
	return nil
}

// Room returns the room c is in, or "".
func (h *Hub) Room(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.room
}

// Unregister removes c and closes its queue. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

// Publish delivers ev to its topic without blocking. Clients whose queue
// is full are dropped.
func (h *Hub) Publish(ev model.Event) {
	ev = h.stamp(ev)
	msg, err := Encode(ev)
	if err != nil {
		h.log.Error("encode %s event: %v", ev.Type, err)
		return
	}

	h.mu.Lock()
	if ev.Topic == model.GlobalTopic {
		for c := range h.clients {
			h.deliver(c, msg)
		}
	} else {
		for c := range h.rooms[ev.Topic] {
			h.deliver(c, msg)
		}
	}
	h.mu.Unlock()

	h.history.Push(ev)
	h.metrics.IncrementEventsPublished()
	if h.mirror != nil {
		h.mirror(ev)
	}
}

// Recent returns up to n of the most recently published events, oldest first.
func (h *Hub) Recent(n int) []model.Event {
	return h.history.Last(n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Rooms returns the client count of every non-empty room.
func (h *Hub) Rooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		if len(members) > 0 {
			out[room] = len(members)
		}
	}
	return out
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.remove(c)
	}
}

func (h *Hub) stamp(ev model.Event) model.Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	return ev
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(c *Client, msg []byte) {
	if c.closed {
		return
	}
	select {
	case c.Send <- msg:
	default:
		h.log.Warn("dropping slow client %s", c.ID)
		h.metrics.IncrementClientsDropped()
		h.remove(c)
	}
}

// leaveRoom must be called with h.mu held.
func (h *Hub) leaveRoom(c *Client) {
	if c.room == "" {
		return
	}
	if members := h.rooms[c.room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

// remove must be called with h.mu held.
func (h *Hub) remove(c *Client) {
	h.leaveRoom(c)
	delete(h.clients, c)
	h.metrics.SetClientsActive(int64(len(h.clients)))
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
