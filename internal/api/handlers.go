package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"flight-cdm/internal/auth"
	"flight-cdm/internal/model"
	"flight-cdm/internal/tobt"
)

// handleHealth returns the health status of the service
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status, code := "healthy", http.StatusOK
	response := map[string]interface{}{
		"timestamp": time.Now().Unix(),
		"uptime":    s.metrics.GetUptime().String(),
		"service":   s.service.Status(),
	}

	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.storage.Ping(ctx); err != nil {
			s.logger.Warn("Storage health check failed: %v", err)
			status, code = "degraded", http.StatusServiceUnavailable
			response["storage"] = map[string]interface{}{"ok": false, "error": err.Error()}
		} else {
			response["storage"] = map[string]interface{}{"ok": true}
		}
	}
	if s.refresher != nil {
		at, rows := s.refresher.LastRefresh()
		sched := map[string]interface{}{"rows": rows}
		if !at.IsZero() {
			sched["lastRefresh"] = at.UTC().Format(time.RFC3339)
		}
		response["schedule"] = sched
	}
	if s.feed != nil {
		response["feed"] = map[string]interface{}{"cachedPlans": s.feed.Len()}
	}
	if s.relay != nil {
		processed, dropped := s.relay.GetStats()
		response["relay"] = map[string]interface{}{
			"instance":  s.relay.Instance(),
			"processed": processed,
			"dropped":   dropped,
		}
	}
	if s.limiter != nil {
		response["rateLimit"] = map[string]interface{}{"trackedClients": s.limiter.Len()}
	}

	response["status"] = status
	writeJSON(w, code, response)
}

// handleMetrics returns current metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.metrics.GetSnapshot())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.service.Snapshot(r.URL.Query().Get("airport")))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	queue, err := s.service.QueueView(ps.ByName("sector"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queue": queue})
}

type toggleRequest struct {
	Identifier string `json:"identifier"`
	Flag       string `json:"flag"`
	Value      bool   `json:"value"`
	Sector     string `json:"sector"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req toggleRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.service.SetToggle(auth.FromContext(r.Context()), req.Identifier, req.Flag, req.Value, req.Sector)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type recalculateRequest struct {
	Sector     string `json:"sector"`
	Identifier string `json:"identifier"`
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req recalculateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.service.Recalculate(auth.FromContext(r.Context()), req.Sector, req.Identifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleMarkStarted(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	entry, err := s.service.MarkStarted(auth.FromContext(r.Context()), ps.ByName("identifier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSendBack(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	t, err := s.service.SendBack(auth.FromContext(r.Context()), ps.ByName("identifier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteStarted(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.service.DeleteStarted(auth.FromContext(r.Context()), ps.ByName("identifier")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlowRates(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rates": s.service.FlowRates()})
}

type flowRateRequest struct {
	Rate *int `json:"rate"`
}

func (s *Server) handleSetFlowRate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req flowRateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Rate == nil {
		s.writeError(w, r, model.Invalid("rate", "rate is required"))
		return
	}
	sector := ps.ByName("sector")
	if err := s.service.SetFlowRate(r.Context(), auth.FromContext(r.Context()), sector, *req.Rate); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sector": sector, "rate": *req.Rate})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	slots, err := s.service.Slots(q.Get("sector"), q.Get("date"), q.Get("dep"))
	if errors.Is(err, tobt.ErrNoFlowRate) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"noFlowRate": true,
			"message":    err.Error(),
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"noFlowRate": false, "slots": slots})
}

type bookRequest struct {
	SlotKey          string `json:"slotKey"`
	Identifier       string `json:"identifier"`
	OperatorAssigned bool   `json:"operatorAssigned"`
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req bookRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.service.Book(r.Context(), auth.FromContext(r.Context()), req.SlotKey, req.Identifier, req.OperatorAssigned)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

type slotKeyRequest struct {
	SlotKey    string `json:"slotKey"`
	Identifier string `json:"identifier,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req slotKeyRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.service.Cancel(r.Context(), auth.FromContext(r.Context()), req.SlotKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUpdateIdentifier(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req slotKeyRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.service.UpdateBookingIdentifier(r.Context(), auth.FromContext(r.Context()), req.SlotKey, req.Identifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleMyBookings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	bookings, err := s.service.MyBookings(auth.FromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []tobt.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bookings": bookings})
}

func (s *Server) handleScheduleRefresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.service.Authorizer().RequireOperator(auth.FromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.refresher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no schedule source configured"})
		return
	}

	rows, err := s.refresher.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			s.writeError(w, r, err)
			return
		}
		s.logger.Warn("Schedule refresh failed: %v", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "schedule refresh failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

// handleRecentEvents returns the latest published events, newest last
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Parse limit from query params, default to 50
	limit := 50
	if n, err := parsePositiveInt(r.URL.Query().Get("limit")); err == nil {
		limit = n
	}

	events := s.service.RecentEvents(limit)
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":    events,
		"timestamp": time.Now().Unix(),
	})
}
