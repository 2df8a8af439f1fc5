package notifyd

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/paras0369/callcore/internal/notify"
	"github.com/paras0369/callcore/internal/observability"
)

// Server is the notification channel backend: it holds the pending
// incoming-call records coordinators create and poll for.
type Server struct {
	store   Store
	metrics *observability.Metrics
	ttl     time.Duration
}

func NewServer(store Store, metrics *observability.Metrics, ttl time.Duration) *Server {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Server{store: store, metrics: metrics, ttl: ttl}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/calls/notify-intended-recipient", s.handleNotify)
	r.Get("/v1/calls/pending-for-me", s.handlePending)
	r.Delete("/v1/calls/notification/{id}", s.handleAck)

	return r
}

// RunJanitor deletes expired notifications until ctx is cancelled. A record
// older than the TTL is a call the callee will never answer in time; keeping
// it only produces stale ringing.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.ttl)
			removed, err := s.store.DeleteExpired(ctx, cutoff)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("notifyd: janitor sweep failed: %v", err)
				}
				continue
			}
			if removed > 0 {
				s.observeDelivery("expire", "ok")
			}
		}
	}
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notify.NotifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.CalleeID) == "" || strings.TrimSpace(req.CallID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "callee_id and call_id are required")
		return
	}
	if req.Mode != "audio" && req.Mode != "video" {
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be audio or video")
		return
	}

	n := notify.Notification{
		NotificationID: uuid.NewString(),
		CalleeID:       req.CalleeID,
		CallID:         req.CallID,
		Mode:           req.Mode,
		CallerName:     req.CallerName,
		Rate:           req.Rate,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.Insert(r.Context(), n); err != nil {
		s.observeDelivery("insert", "error")
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	s.observeDelivery("insert", "ok")
	respondJSON(w, http.StatusCreated, n)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	calleeID := strings.TrimSpace(r.URL.Query().Get("callee_id"))
	if calleeID == "" {
		respondError(w, http.StatusBadRequest, "missing_callee_id", "query parameter callee_id is required")
		return
	}

	notBefore := time.Now().Add(-s.ttl)
	pending, err := s.store.PendingFor(r.Context(), calleeID, notBefore)
	if err != nil {
		s.observeDelivery("pending", "error")
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	if pending == nil {
		pending = []notify.Notification{}
	}
	s.observeDelivery("pending", "ok")
	respondJSON(w, http.StatusOK, pending)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_notification_id", "missing notification id")
		return
	}

	err := s.store.Delete(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		// Both the accept and reject paths ack; the second ack is a no-op.
		respondError(w, http.StatusNotFound, "notification_not_found", "no such notification")
		return
	}
	if err != nil {
		s.observeDelivery("ack", "error")
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	s.observeDelivery("ack", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) observeDelivery(op, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.NotifyDeliveries.WithLabelValues(op, outcome).Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
