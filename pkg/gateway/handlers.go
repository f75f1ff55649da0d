package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"beacon/pkg/bus"
	"beacon/pkg/call"
	"beacon/pkg/runner"
)

const maxBodyBytes = 64 << 10

// pushRequest is the push-platform delivery shape: a data map of strings and
// an optional notification block the platform already displayed.
type pushRequest struct {
	ID           string            `json:"id"`
	Data         map[string]string `json:"data"`
	Notification *struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification,omitempty"`
}

type sessionRequest struct {
	ProfileID string `json:"profileId"`
	AuthToken string `json:"authToken"`
}

type appStateRequest struct {
	Foreground *bool `json:"foreground"`
}

type socketStatus struct {
	Connected bool   `json:"connected"`
	ProfileID string `json:"profileId,omitempty"`
}

type statusResponse struct {
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Runner        runner.State `json:"runner"`
	Socket        socketStatus `json:"socket"`
	Call          call.Session `json:"call"`
	Foreground    bool         `json:"foreground"`
	QueuePending  int          `json:"queue_pending"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /v1/push", s.handlePush)
	mux.HandleFunc("POST /v1/calls/{action}", s.handleCallAction)
	mux.HandleFunc("POST /v1/app/state", s.handleAppState)
	mux.HandleFunc("PUT /v1/session", s.handleSignIn)
	mux.HandleFunc("DELETE /v1/session", s.handleSignOut)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.runner.State().Running {
		s.respondJSON(w, http.StatusServiceUnavailable, s.currentStatus("not_ready"))
		return
	}
	s.respondJSON(w, http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.currentStatus("ok"))
}

// handlePush accepts one push delivery. The runner is restarted first when it
// has died so the realtime link recovers on the next wake-up.
func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req pushRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Data) == 0 && req.Notification == nil {
		s.respondError(w, http.StatusBadRequest, "data or notification is required")
		return
	}

	msg := pushMessage(req)
	s.runner.EnsureRunning()

	if !s.router.Route(msg) {
		s.respondError(w, http.StatusServiceUnavailable, "inbound queue full")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": msg.ID})
}

func pushMessage(req pushRequest) bus.InboundMessage {
	fields := make(map[string]string, len(req.Data)+2)
	for key, value := range req.Data {
		fields[key] = value
	}
	msg := bus.InboundMessage{
		Transport:                  bus.TransportPush,
		Fields:                     fields,
		HasPrerenderedNotification: req.Notification != nil,
	}
	if req.Notification != nil {
		if _, ok := fields["title"]; !ok && req.Notification.Title != "" {
			fields["title"] = req.Notification.Title
		}
		if _, ok := fields["body"]; !ok && req.Notification.Body != "" {
			fields["body"] = req.Notification.Body
		}
	}
	msg.Kind = msg.Field("kind", "type")
	msg.ID = strings.TrimSpace(req.ID)
	if msg.ID == "" {
		msg.ID = msg.Field("id", "messageId", "_id")
	}
	return msg
}

func (s *Service) handleCallAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch action := r.PathValue("action"); action {
	case "accept":
		err = s.notifier.Accept(ctx)
	case "reject":
		err = s.notifier.Reject(ctx)
	case "open":
		err = s.notifier.Open(ctx)
	case "cancel":
		err = s.notifier.Cancel(ctx)
	default:
		s.respondError(w, http.StatusNotFound, "unknown call action "+action)
		return
	}

	switch {
	case errors.Is(err, call.ErrNoActiveCall):
		s.respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respondJSON(w, http.StatusOK, s.notifier.Current())
	}
}

func (s *Service) handleAppState(w http.ResponseWriter, r *http.Request) {
	var req appStateRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Foreground == nil {
		s.respondError(w, http.StatusBadRequest, "foreground is required")
		return
	}
	s.appState.SetForeground(*req.Foreground)
	if *req.Foreground {
		s.runner.EnsureRunning()
	}
	s.log.Debug("App state changed", "foreground", *req.Foreground)
	w.WriteHeader(http.StatusNoContent)
}

// handleSignIn stores the identity the realtime link connects as.
func (s *Service) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		s.respondError(w, http.StatusBadRequest, "profileId is required")
		return
	}

	ctx := r.Context()
	if err := s.sessions.SetIdentity(ctx, req.ProfileID); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.sessions.SetAuthToken(ctx, req.AuthToken); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A handle for a previous identity must not survive the switch.
	if current := s.sockets.ProfileID(); current != "" && current != strings.TrimSpace(req.ProfileID) {
		s.sockets.Stop()
	}
	s.runner.EnsureRunning()
	s.log.Info("Identity stored", "profile", strings.TrimSpace(req.ProfileID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.sessions.ClearIdentity(ctx); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sockets.Stop()
	_ = s.notifier.Cancel(ctx)
	s.log.Info("Identity cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Runner:        s.runner.State(),
		Socket:        socketStatus{Connected: s.sockets.Connected(), ProfileID: s.sockets.ProfileID()},
		Call:          s.notifier.Current(),
		Foreground:    s.appState.Foreground(),
		QueuePending:  s.bus.Pending(),
	}
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Service) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func (s *Service) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, errorResponse{Error: message})
}
