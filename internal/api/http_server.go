package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"flight-cdm/internal/auth"
	"flight-cdm/internal/metrics"
	"flight-cdm/internal/model"
	"flight-cdm/internal/processor"
	"flight-cdm/internal/scheduler"
	"flight-cdm/pkg/logger"
)

// ScheduleRefresher reloads the published schedule on demand.
type ScheduleRefresher interface {
	Refresh(ctx context.Context) (int, error)
	LastRefresh() (time.Time, int)
}

// Pinger checks the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FeedCache reports the size of the flight plan cache.
type FeedCache interface {
	Len() int
}

// RelayStats reports the event relay counters.
type RelayStats interface {
	Instance() string
	GetStats() (processed, dropped int64)
}

// Options configures optional server collaborators.
type Options struct {
	AllowedOrigins []string
	// Limiter throttles requests per client IP. Nil disables limiting.
	Limiter *processor.KeyedLimiter
	// Refresher backs POST /api/schedule/refresh. Nil disables the route.
	Refresher ScheduleRefresher
	// Storage, Feed and Relay add their readouts to /health when set.
	Storage Pinger
	Feed    FeedCache
	Relay   RelayStats
}

// Server represents the HTTP API server
type Server struct {
	service   *scheduler.Service
	verifier  *auth.TokenVerifier
	ws        http.Handler
	refresher ScheduleRefresher
	storage   Pinger
	feed      FeedCache
	relay     RelayStats
	limiter   *processor.KeyedLimiter
	origins   []string
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// NewServer creates a new HTTP server instance
func NewServer(svc *scheduler.Service, verifier *auth.TokenVerifier, ws http.Handler, opts Options, log *logger.Logger, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Server{
		service:   svc,
		verifier:  verifier,
		ws:        ws,
		refresher: opts.Refresher,
		storage:   opts.Storage,
		feed:      opts.Feed,
		relay:     opts.Relay,
		limiter:   opts.Limiter,
		origins:   opts.AllowedOrigins,
		logger:    log.With("component", "api"),
		metrics:   m,
	}
}

// Routes configures all HTTP routes
func (s *Server) Routes() *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", s.handle(s.handleHealth))
	router.GET("/metrics", s.handle(s.handleMetrics))

	router.GET("/api/state", s.handle(s.handleState))
	router.GET("/api/queue/:sector", s.handle(s.handleQueue))
	router.POST("/api/toggles", s.handle(s.handleToggle))
	router.POST("/api/tsat/recalculate", s.handle(s.handleRecalculate))

	router.POST("/api/started/:identifier", s.handle(s.handleMarkStarted))
	router.POST("/api/started/:identifier/back", s.handle(s.handleSendBack))
	router.DELETE("/api/started/:identifier", s.handle(s.handleDeleteStarted))

	router.GET("/api/flow", s.handle(s.handleFlowRates))
	router.PUT("/api/flow/:sector", s.handle(s.handleSetFlowRate))

	router.GET("/api/slots", s.handle(s.handleSlots))
	router.POST("/api/bookings", s.handle(s.handleBook))
	router.POST("/api/bookings/cancel", s.handle(s.handleCancel))
	router.PUT("/api/bookings/identifier", s.handle(s.handleUpdateIdentifier))
	router.GET("/api/bookings/mine", s.handle(s.handleMyBookings))

	router.POST("/api/schedule/refresh", s.handle(s.handleScheduleRefresh))
	router.GET("/api/events/recent", s.handle(s.handleRecentEvents))

	if s.ws != nil {
		router.Handler(http.MethodGet, "/ws", s.ws)
	}
	return router
}

// Handler returns the routes wrapped in CORS and per-IP rate limiting.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return s.rateLimit(c.Handler(s.Routes()))
}

// handle attaches the optional principal and records request metrics.
func (s *Server) handle(h httprouter.Handle) httprouter.Handle {
	authed := h
	if s.verifier != nil {
		authed = s.verifier.OptionalAuth(h)
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		s.metrics.IncrementHTTPRequests()
		authed(w, r, ps)
		s.metrics.RecordHTTPLatency(time.Since(start))
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			s.metrics.IncrementHTTPRateLimited()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorBody struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeError maps the error taxonomy to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	}

	body := errorBody{Error: err.Error(), Kind: model.ErrorKind(err)}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.FieldErrors
	}

	if status == http.StatusInternalServerError {
		s.metrics.IncrementHTTPErrors()
		s.logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
		body = errorBody{Error: "internal error", Kind: body.Kind}
	} else {
		s.logger.Debug("%s %s rejected (%s): %v", r.Method, r.URL.Path, body.Kind, err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return model.Invalid("body", "request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Invalid("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

// parsePositiveInt parses a string to a positive integer
func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive")
	}
	return n, nil
}
