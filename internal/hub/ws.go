package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"flight-cdm/internal/processor"
	"flight-cdm/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Inbound message types.
const (
	MsgJoinRoom  = "joinRoom"
	MsgSyncState = "syncState"
)

// Session supplies snapshots for connecting observers. The scheduler
// service implements it so snapshot and membership changes happen under
// its state lock.
type Session interface {
	Connect(c *Client) error
	JoinRoom(c *Client, airport string) error
	Sync(c *Client) error
}

type inbound struct {
	Type    string `json:"type"`
	Airport string `json:"airport"`
}

// WSConfig configures the websocket endpoint
type WSConfig struct {
	SendBuffer     int
	AllowedOrigins []string
	// Inbound messages per second per client.
	MessagesPerSec float64
	MessageBurst   int
}

// Handler upgrades HTTP requests to observer connections.
type Handler struct {
	hub      *Hub
	session  Session
	upgrader websocket.Upgrader
	limiter  *processor.KeyedLimiter
	cfg      WSConfig
	log      *logger.Logger
}

// NewHandler creates the websocket endpoint
func NewHandler(h *Hub, s Session, cfg WSConfig, log *logger.Logger) *Handler {
	if cfg.MessagesPerSec <= 0 {
		cfg.MessagesPerSec = 5
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}
	handler := &Handler{
		hub:     h,
		session: s,
		limiter: processor.NewKeyedLimiter(cfg.MessagesPerSec, cfg.MessageBurst, 0),
		cfg:     cfg,
		log:     log.With("component", "ws"),
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     handler.checkOrigin,
	}
	return handler
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection, registers the client and, if the
// airport query parameter is present, joins that room.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade: %v", err)
		return
	}

	c := NewClient(h.cfg.SendBuffer)
	if err := h.session.Connect(c); err != nil {
		h.log.Error("connect client %s: %v", c.ID, err)
		conn.Close()
		return
	}
	if airport := r.URL.Query().Get("airport"); airport != "" {
		if err := h.session.JoinRoom(c, airport); err != nil {
			h.log.Warn("client %s join %s: %v", c.ID, airport, err)
		}
	}

	h.log.Debug("client %s connected from %s", c.ID, r.RemoteAddr)
	go h.writePump(conn, c)
	go h.readPump(conn, c)
}

func (h *Handler) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, c *Client) {
	defer func() {
		h.hub.Unregister(c)
		h.limiter.Forget(c.ID)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("client %s read: %v", c.ID, err)
			}
			return
		}
		if !h.limiter.Allow(c.ID) {
			continue
		}
		h.handle(c, raw)
	}
}

func (h *Handler) handle(c *Client, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		h.log.Debug("client %s sent invalid payload: %v", c.ID, err)
		return
	}

	switch in.Type {
	case MsgJoinRoom:
		if err := h.session.JoinRoom(c, in.Airport); err != nil {
			h.log.Warn("client %s join %s: %v", c.ID, in.Airport, err)
		}
	case MsgSyncState:
		if err := h.session.Sync(c); err != nil {
			h.log.Warn("client %s sync: %v", c.ID, err)
		}
	default:
		h.log.Debug("client %s sent unknown type %q", c.ID, in.Type)
	}
}
