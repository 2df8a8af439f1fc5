package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/paras0369/callcore/internal/call"
	"github.com/paras0369/callcore/internal/calllog"
	"github.com/paras0369/callcore/internal/config"
	"github.com/paras0369/callcore/internal/observability"
	"github.com/paras0369/callcore/internal/protocol"
)

// Coordinator is the call lifecycle surface the HTTP layer drives.
type Coordinator interface {
	Initiate(ctx context.Context, p call.InitiateParams) (string, error)
	Accept(ctx context.Context, invitationID string) error
	Reject(ctx context.Context, invitationID string) error
	Hangup(ctx context.Context) error
	ToggleSpeaker(ctx context.Context) (bool, error)
	ToggleCamera(ctx context.Context) error
	ToggleMicrophone(ctx context.Context) error
	AppBackground(ctx context.Context) error
	AppForeground(ctx context.Context) error
	CurrentSession() *call.Session
	PendingInvitation() *call.Invitation
	Subscribe() (<-chan call.Update, func())
}

type Server struct {
	cfg         config.Config
	coordinator Coordinator
	history     calllog.Store
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, coordinator Coordinator, history calllog.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		history:     history,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot drive the user's calls
				// if the coordinator is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/call/initiate", s.handleInitiate)
	r.Post("/v1/call/accept", s.handleAccept)
	r.Post("/v1/call/reject", s.handleReject)
	r.Post("/v1/call/hangup", s.handleHangup)
	r.Post("/v1/call/speaker/toggle", s.handleToggleSpeaker)
	r.Post("/v1/call/camera/toggle", s.handleToggleCamera)
	r.Post("/v1/call/microphone/toggle", s.handleToggleMicrophone)
	r.Post("/v1/app/background", s.handleAppBackground)
	r.Post("/v1/app/foreground", s.handleAppForeground)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/call/session", s.handleSession)
	r.Get("/v1/call/invitation", s.handleInvitation)
	r.Get("/v1/calls/history", s.handleHistory)
	r.Get("/v1/call/ws", s.handleWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"history_mode": s.historyMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"history_mode": s.historyMode(),
	})
}

type initiateRequest struct {
	CalleeID   string `json:"callee_id"`
	CalleeName string `json:"callee_name"`
	Mode       string `json:"mode"`
	Rate       string `json:"rate"`
}

type initiateResponse struct {
	CallID string `json:"call_id"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	mode := call.Mode(req.Mode)
	if !mode.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be audio or video")
		return
	}
	if strings.TrimSpace(req.CalleeID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "callee_id is required")
		return
	}

	callID, err := s.coordinator.Initiate(r.Context(), call.InitiateParams{
		CounterpartyID:   req.CalleeID,
		CounterpartyName: req.CalleeName,
		Mode:             mode,
		Rate:             req.Rate,
	})
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, initiateResponse{CallID: callID})
}

type invitationRequest struct {
	InvitationID string `json:"invitation_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.coordinator.Accept(r.Context(), req.InvitationID); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepting"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.coordinator.Reject(r.Context(), req.InvitationID); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Hangup(r.Context()); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleToggleSpeaker(w http.ResponseWriter, r *http.Request) {
	speakerOn, err := s.coordinator.ToggleSpeaker(r.Context())
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"speaker_on": speakerOn})
}

func (s *Server) handleToggleCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.ToggleCamera(r.Context()); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToggleMicrophone(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.ToggleMicrophone(r.Context()); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAppBackground(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.AppBackground(r.Context()); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAppForeground(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.AppForeground(r.Context()); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	var window *observability.LatencyWindow
	if s.metrics != nil {
		window = s.metrics.SetupLatency
	}
	respondJSON(w, http.StatusOK, window.Snapshot())
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.coordinator.CurrentSession()
	if sess == nil {
		respondJSON(w, http.StatusOK, map[string]any{"state": call.StateIdle.String(), "session": nil})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"state": sess.State.String(), "session": sess})
}

func (s *Server) handleInvitation(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"invitation": s.coordinator.PendingInvitation()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, http.StatusOK, []calllog.Record{})
		return
	}
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	if records == nil {
		records = []calllog.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := s.coordinator.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, 256)

	// Seed the connection so a client joining mid-call renders state
	// immediately instead of waiting for the next transition.
	outbound <- sessionUpdateMessage(s.coordinator.CurrentSession())
	if inv := s.coordinator.PendingInvitation(); inv != nil {
		outbound <- protocol.InvitationEvent{Type: protocol.TypeInvitation, Invitation: inv}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.countWS("outbound", messageTypeOf(msg))
			}
		}
	}()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				msg := updateMessage(u)
				if msg == nil {
					continue
				}
				select {
				case outbound <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}
		cmd, ok := parsed.(protocol.ClientCommand)
		if !ok {
			continue
		}
		s.countWS("inbound", string(cmd.Type))
		if resp := s.dispatchCommand(ctx, cmd); resp != nil {
			select {
			case outbound <- resp:
			case <-ctx.Done():
			}
		}
	}

	cancel()
	<-forwardDone
	<-writerDone
}

// dispatchCommand runs one client command and returns an error event to send
// back, or nil when the command succeeded (results arrive on the status
// stream).
func (s *Server) dispatchCommand(ctx context.Context, cmd protocol.ClientCommand) any {
	var err error
	switch cmd.Action {
	case protocol.ActionInitiate:
		_, err = s.coordinator.Initiate(ctx, call.InitiateParams{
			CounterpartyID:   cmd.CalleeID,
			CounterpartyName: cmd.CalleeName,
			Mode:             call.Mode(cmd.Mode),
		})
	case protocol.ActionAccept:
		err = s.coordinator.Accept(ctx, cmd.InvitationID)
	case protocol.ActionReject:
		err = s.coordinator.Reject(ctx, cmd.InvitationID)
	case protocol.ActionHangup:
		err = s.coordinator.Hangup(ctx)
	case protocol.ActionToggleSpeaker:
		_, err = s.coordinator.ToggleSpeaker(ctx)
	case protocol.ActionToggleCamera:
		err = s.coordinator.ToggleCamera(ctx)
	case protocol.ActionToggleMicrophone:
		err = s.coordinator.ToggleMicrophone(ctx)
	case protocol.ActionAppBackground:
		err = s.coordinator.AppBackground(ctx)
	case protocol.ActionAppForeground:
		err = s.coordinator.AppForeground(ctx)
	}
	if err == nil {
		return nil
	}
	code, _ := classifyCallError(err)
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		Code:      code,
		Retryable: false,
		Detail:    err.Error(),
	}
}

func updateMessage(u call.Update) any {
	switch u.Kind {
	case call.UpdateSession:
		return sessionUpdateMessage(u.Session)
	case call.UpdateInvitation:
		if u.Invitation == nil {
			return protocol.InvitationCleared{
				Type:         protocol.TypeInvitationCleared,
				InvitationID: u.ClearedInvitationID,
			}
		}
		return protocol.InvitationEvent{Type: protocol.TypeInvitation, Invitation: u.Invitation}
	case call.UpdateError:
		if u.Err == nil {
			return nil
		}
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      u.Err.Code,
			Retryable: u.Err.Retryable,
			Detail:    u.Err.Reason,
		}
	default:
		return nil
	}
}

func sessionUpdateMessage(sess *call.Session) protocol.SessionUpdate {
	state := call.StateIdle
	if sess != nil {
		state = sess.State
	}
	return protocol.SessionUpdate{
		Type:    protocol.TypeSessionUpdate,
		State:   state.String(),
		Session: sess,
	}
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.SessionUpdate:
		return string(m.Type)
	case protocol.InvitationEvent:
		return string(m.Type)
	case protocol.InvitationCleared:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}

func (s *Server) countWS(direction, msgType string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (s *Server) historyMode() string {
	if s.history == nil {
		return "disabled"
	}
	if _, ok := s.history.(*calllog.InMemoryStore); ok {
		return "in-memory"
	}
	return "postgres"
}

func respondCallError(w http.ResponseWriter, err error) {
	code, status := classifyCallError(err)
	respondError(w, status, code, err.Error())
}

func classifyCallError(err error) (code string, status int) {
	switch {
	case errors.Is(err, call.ErrBusy):
		return "busy", http.StatusConflict
	case errors.Is(err, call.ErrNoActiveCall):
		return "no_active_call", http.StatusConflict
	case errors.Is(err, call.ErrUnknownInvitation):
		return "unknown_invitation", http.StatusNotFound
	case errors.Is(err, call.ErrInvitationConsumed):
		return "invitation_consumed", http.StatusConflict
	case errors.Is(err, call.ErrInvalidMode):
		return "invalid_mode", http.StatusBadRequest
	case errors.Is(err, call.ErrNotRunning):
		return "not_running", http.StatusServiceUnavailable
	default:
		return "internal", http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
