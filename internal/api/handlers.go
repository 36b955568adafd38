// Package api exposes the sync agent over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/sessionsync/internal/auth"
	"example.com/sessionsync/internal/coordinator"
	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/offline"
)

// Sessions is the coordinator surface used by the handlers.
type Sessions interface {
	Identify(ctx context.Context, userID string) error
	StartSession(ctx context.Context, workout json.RawMessage) error
	SaveSession(ctx context.Context, workout json.RawMessage) (bool, error)
	FinishSession(ctx context.Context) error
	GetActiveSession() *domain.ActiveSession
	State() (domain.SessionState, string)
	SyncState(ctx context.Context) (domain.SyncState, error)
	FlushNow(ctx context.Context, maxBatch int) (offline.FlushResult, error)
}

// Queue exposes administrative access to the offline queue.
type Queue interface {
	Enqueue(ctx context.Context, req offline.Request) (offline.Mutation, error)
	List(ctx context.Context) ([]offline.Mutation, error)
	Retry(ctx context.Context, id string) (offline.Mutation, error)
	Clear(ctx context.Context) error
}

// Views persists the last UI view per user.
type Views interface {
	RestoreView(userID string) string
	SaveView(userID, view string) error
}

// Notices hands out pending user-visible notices.
type Notices interface {
	Drain() []domain.Notice
}

// Handler coordinates HTTP requests with the session coordinator and the offline queue.
type Handler struct {
	sessions Sessions
	queue    Queue
	views    Views
	notices  Notices
}

// NewHandler builds a Handler.
func NewHandler(sessions Sessions, queue Queue, views Views, notices Notices) *Handler {
	return &Handler{sessions: sessions, queue: queue, views: views, notices: notices}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/session", h.session)
	mux.HandleFunc("/v1/sync/state", h.syncState)
	mux.HandleFunc("/v1/sync/flush", h.flush)
	mux.HandleFunc("/v1/sync/mutations", h.mutations)
	mux.HandleFunc("/v1/sync/mutations/", h.mutationByID)
	mux.HandleFunc("/v1/view", h.view)
	mux.HandleFunc("/v1/notices", h.drainNotices)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.identify(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.sessionView())
	case http.MethodPut:
		if !requireScope(w, claims, auth.ScopeSessionWrite) {
			return
		}
		h.saveSession(w, r)
	case http.MethodDelete:
		if !requireScope(w, claims, auth.ScopeSessionWrite) {
			return
		}
		if err := h.sessions.FinishSession(r.Context()); err != nil {
			writeSessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) saveSession(w http.ResponseWriter, r *http.Request) {
	var req SaveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	started := true
	var err error
	if req.Restart {
		err = h.sessions.StartSession(r.Context(), req.Workout)
	} else {
		started, err = h.sessions.SaveSession(r.Context(), req.Workout)
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.sessionView())
}

func (h *Handler) sessionView() SessionResponse {
	state, userID := h.sessions.State()
	resp := SessionResponse{State: string(state), UserID: userID}
	if s := h.sessions.GetActiveSession(); s != nil {
		resp.Session = &SessionView{StartedAt: s.StartedAt, Workout: s.Workout, SavedAt: s.SavedAt}
	}
	return resp
}

func (h *Handler) syncState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := h.identify(w, r); !ok {
		return
	}
	state, err := h.sessions.SyncState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := h.identify(w, r); !ok {
		return
	}

	maxBatch := 50
	if raw := r.URL.Query().Get("max_batch"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}
	result, err := h.sessions.FlushNow(r.Context(), maxBatch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) mutations(w http.ResponseWriter, r *http.Request) {
	claims, ok := authenticated(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		if !requireScope(w, claims, auth.ScopeSessionWrite) {
			return
		}
		h.enqueue(w, r)
	case http.MethodGet:
		if !requireScope(w, claims, auth.ScopeSyncAdmin) {
			return
		}
		items, err := h.queue.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ListMutationsResponse{Items: items})
	case http.MethodDelete:
		if !requireScope(w, claims, auth.ScopeSyncAdmin) {
			return
		}
		if err := h.queue.Clear(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	m, err := h.queue.Enqueue(r.Context(), offline.Request{
		Operation:   req.Operation,
		Target:      req.Target,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, offline.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (h *Handler) mutationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sync/mutations/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "retry" {
		writeError(w, http.StatusNotFound, "not_found", "unknown mutation route")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authenticated(w, r)
	if !ok {
		return
	}
	if !requireScope(w, claims, auth.ScopeSyncAdmin) {
		return
	}

	m, err := h.queue.Retry(r.Context(), id)
	if err != nil {
		if errors.Is(err, offline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "mutation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) view(w http.ResponseWriter, r *http.Request) {
	claims, ok := authenticated(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, ViewPayload{View: h.views.RestoreView(claims.Subject)})
	case http.MethodPut:
		var req ViewPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
		if strings.TrimSpace(req.View) == "" {
			writeError(w, http.StatusBadRequest, "validation_failed", "view is required")
			return
		}
		if err := h.views.SaveView(claims.Subject, req.View); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) drainNotices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := authenticated(w, r); !ok {
		return
	}
	notices := h.notices.Drain()
	if notices == nil {
		notices = []domain.Notice{}
	}
	writeJSON(w, http.StatusOK, NoticesResponse{Items: notices})
}

// identify binds the coordinator to the token subject. Identifying the same
// user again is a no-op, so every session request may call it.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := authenticated(w, r)
	if !ok {
		return nil, false
	}
	if err := h.sessions.Identify(r.Context(), claims.Subject); err != nil {
		writeSessionError(w, err)
		return nil, false
	}
	return claims, true
}

func authenticated(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	return claims, true
}

func requireScope(w http.ResponseWriter, claims *auth.Claims, scope string) bool {
	if claims.HasScope(scope) || claims.HasScope(auth.ScopeSyncAdmin) {
		return true
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
	return false
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidWorkout):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, coordinator.ErrNoActiveSession):
		writeError(w, http.StatusConflict, "no_active_session", err.Error())
	case errors.Is(err, domain.ErrNoUser):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, coordinator.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// SaveSessionRequest is the payload for PUT /v1/session.
type SaveSessionRequest struct {
	Workout json.RawMessage `json:"workout"`
	// Restart starts a new session even when one is live.
	Restart bool `json:"restart,omitempty"`
}

// SessionView is the externally visible active session.
type SessionView struct {
	StartedAt time.Time       `json:"started_at"`
	Workout   json.RawMessage `json:"workout"`
	SavedAt   time.Time       `json:"saved_at"`
}

// SessionResponse describes the coordinator state for GET /v1/session.
type SessionResponse struct {
	State   string       `json:"state"`
	UserID  string       `json:"user_id"`
	Session *SessionView `json:"session"`
}

// EnqueueRequest is the payload for POST /v1/sync/mutations.
type EnqueueRequest struct {
	Operation   string          `json:"operation"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// Validate ensures request correctness.
func (r EnqueueRequest) Validate() error {
	family, _, ok := strings.Cut(r.Operation, ".")
	if !ok || strings.TrimSpace(family) == "" {
		return errors.New("operation must look like <family>.<action>")
	}
	if strings.HasPrefix(r.Operation, "session.") {
		return errors.New("session writes go through /v1/session")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max_attempts must be >= 0")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

// ListMutationsResponse lists queued mutations.
type ListMutationsResponse struct {
	Items []offline.Mutation `json:"items"`
}

// ViewPayload carries the last UI view.
type ViewPayload struct {
	View string `json:"view"`
}

// NoticesResponse lists drained notices.
type NoticesResponse struct {
	Items []domain.Notice `json:"items"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
