package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/sessionsync/internal/auth"
	"example.com/sessionsync/internal/coordinator"
	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/offline"
)

func TestGetSessionIdentifiesSubject(t *testing.T) {
	sessions := &stubSessions{}
	mux := newTestMux(sessions)

	rr := serve(mux, http.MethodGet, "/v1/session", nil, claimsFor("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"user-1"}, sessions.identified)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "idle", resp.State)
	require.Nil(t, resp.Session)
}

func TestPutSessionStartsThenUpdates(t *testing.T) {
	sessions := &stubSessions{}
	mux := newTestMux(sessions)
	claims := claimsFor("user-1", auth.ScopeSessionWrite)

	rr := serve(mux, http.MethodPut, "/v1/session", map[string]any{"workout": map[string]any{"title": "Push"}}, claims)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Session)
	require.JSONEq(t, `{"title":"Push"}`, string(resp.Session.Workout))

	rr = serve(mux, http.MethodPut, "/v1/session", map[string]any{"workout": map[string]any{"title": "Pull"}}, claims)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"start", "update"}, sessions.commands)

	rr = serve(mux, http.MethodPut, "/v1/session", map[string]any{"workout": map[string]any{}, "restart": true}, claims)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, []string{"start", "update", "start"}, sessions.commands)
}

func TestPutSessionMapsErrors(t *testing.T) {
	sessions := &stubSessions{err: coordinator.ErrInvalidWorkout}
	mux := newTestMux(sessions)

	rr := serve(mux, http.MethodPut, "/v1/session", map[string]any{"workout": nil}, claimsFor("user-1", auth.ScopeSessionWrite))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	sessions.err = coordinator.ErrStopped
	rr = serve(mux, http.MethodDelete, "/v1/session", nil, claimsFor("user-1", auth.ScopeSessionWrite))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSessionWritesRequireScope(t *testing.T) {
	mux := newTestMux(&stubSessions{})

	rr := serve(mux, http.MethodDelete, "/v1/session", nil, claimsFor("user-1"))
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(mux, http.MethodGet, "/v1/session", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDeleteSessionFinishes(t *testing.T) {
	sessions := &stubSessions{}
	mux := newTestMux(sessions)

	rr := serve(mux, http.MethodDelete, "/v1/session", nil, claimsFor("user-1", auth.ScopeSessionWrite))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, []string{"finish"}, sessions.commands)
}

func TestMutationLifecycle(t *testing.T) {
	sender := &failingSender{}
	queue := offline.NewQueue(offline.NewMemoryStore(), sender)
	mux := http.NewServeMux()
	NewHandler(&stubSessions{}, queue, &stubViews{}, domain.NewNoticeBuffer(4)).RegisterRoutes(mux)
	writer := claimsFor("user-1", auth.ScopeSessionWrite)
	admin := claimsFor("ops", auth.ScopeSyncAdmin)

	rr := serve(mux, http.MethodPost, "/v1/sync/mutations", map[string]any{"operation": "http.post", "target": "/v1/activities", "payload": map[string]any{"a": 1}}, writer)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var queued offline.Mutation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &queued))
	require.Equal(t, offline.DefaultMaxAttempts, queued.MaxAttempts)

	rr = serve(mux, http.MethodPost, "/v1/sync/mutations", map[string]any{"operation": "session.upsert"}, writer)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = serve(mux, http.MethodPost, "/v1/sync/mutations", map[string]any{"operation": "noprefix"}, writer)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(mux, http.MethodGet, "/v1/sync/mutations", nil, writer)
	require.Equal(t, http.StatusForbidden, rr.Code)

	_, err := queue.Flush(context.Background(), offline.FlushOptions{MaxBatch: 1})
	require.NoError(t, err)

	rr = serve(mux, http.MethodGet, "/v1/sync/mutations", nil, admin)
	require.Equal(t, http.StatusOK, rr.Code)
	var list ListMutationsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, 1, list.Items[0].Attempts)

	rr = serve(mux, http.MethodPost, "/v1/sync/mutations/"+queued.ID+"/retry", nil, admin)
	require.Equal(t, http.StatusOK, rr.Code)
	var retried offline.Mutation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &retried))
	require.Zero(t, retried.Attempts)

	rr = serve(mux, http.MethodPost, "/v1/sync/mutations/missing/retry", nil, admin)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(mux, http.MethodDelete, "/v1/sync/mutations", nil, admin)
	require.Equal(t, http.StatusNoContent, rr.Code)
	items, err := queue.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestSyncStateAndFlush(t *testing.T) {
	sessions := &stubSessions{sync: domain.SyncState{Online: true, Pending: 2}}
	mux := newTestMux(sessions)

	rr := serve(mux, http.MethodGet, "/v1/sync/state", nil, claimsFor("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	var state domain.SyncState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	require.Equal(t, 2, state.Pending)

	rr = serve(mux, http.MethodPost, "/v1/sync/flush?max_batch=3", nil, claimsFor("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 3, sessions.flushBatch)

	rr = serve(mux, http.MethodPost, "/v1/sync/flush", nil, claimsFor("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 50, sessions.flushBatch)
}

func TestViewRoundTripAndNotices(t *testing.T) {
	views := &stubViews{}
	notices := domain.NewNoticeBuffer(4)
	mux := http.NewServeMux()
	NewHandler(&stubSessions{}, offline.NewQueue(offline.NewMemoryStore(), &failingSender{}), views, notices).RegisterRoutes(mux)

	rr := serve(mux, http.MethodGet, "/v1/view", nil, claimsFor("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"view":"dashboard"}`, rr.Body.String())

	rr = serve(mux, http.MethodPut, "/v1/view", map[string]any{"view": "history"}, claimsFor("user-1"))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "history", views.saved["user-1"])

	notices.Notify(domain.Notice{Kind: domain.NoticeEndedElsewhere, Text: "done elsewhere"})
	rr = serve(mux, http.MethodGet, "/v1/notices", nil, claimsFor("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp NoticesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)

	rr = serve(mux, http.MethodGet, "/v1/notices", nil, claimsFor("user-1"))
	require.JSONEq(t, `{"items":[]}`, rr.Body.String())
}

func newTestMux(sessions *stubSessions) *http.ServeMux {
	mux := http.NewServeMux()
	queue := offline.NewQueue(offline.NewMemoryStore(), &failingSender{})
	NewHandler(sessions, queue, &stubViews{}, domain.NewNoticeBuffer(4)).RegisterRoutes(mux)
	return mux
}

func claimsFor(subject string, scopes ...string) *auth.Claims {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return &auth.Claims{Subject: subject, Scopes: set, ExpiresAt: time.Now().Add(time.Hour)}
}

func serve(mux *http.ServeMux, method, path string, body any, claims *auth.Claims) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if claims != nil {
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

type stubSessions struct {
	mu         sync.Mutex
	identified []string
	commands   []string
	session    *domain.ActiveSession
	sync       domain.SyncState
	flushBatch int
	err        error
}

func (s *stubSessions) Identify(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.identified) == 0 || s.identified[len(s.identified)-1] != userID {
		s.identified = append(s.identified, userID)
	}
	return nil
}

func (s *stubSessions) StartSession(_ context.Context, workout json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.commands = append(s.commands, "start")
	now := time.Now().UTC()
	s.session = &domain.ActiveSession{Owner: "user-1", StartedAt: now, Workout: workout, SavedAt: now}
	return nil
}

func (s *stubSessions) SaveSession(ctx context.Context, workout json.RawMessage) (bool, error) {
	s.mu.Lock()
	live := s.session != nil
	s.mu.Unlock()
	if !live {
		return true, s.StartSession(ctx, workout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	s.commands = append(s.commands, "update")
	s.session.Workout = workout
	return false, nil
}

func (s *stubSessions) FinishSession(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.commands = append(s.commands, "finish")
	s.session = nil
	return nil
}

func (s *stubSessions) GetActiveSession() *domain.ActiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

func (s *stubSessions) State() (domain.SessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return domain.SessionStateLive, "user-1"
	}
	return domain.SessionStateIdle, "user-1"
}

func (s *stubSessions) SyncState(context.Context) (domain.SyncState, error) {
	return s.sync, nil
}

func (s *stubSessions) FlushNow(_ context.Context, maxBatch int) (offline.FlushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushBatch = maxBatch
	return offline.FlushResult{}, nil
}

type stubViews struct {
	saved map[string]string
}

func (v *stubViews) RestoreView(userID string) string {
	if view, ok := v.saved[userID]; ok {
		return view
	}
	return "dashboard"
}

func (v *stubViews) SaveView(userID, view string) error {
	if v.saved == nil {
		v.saved = make(map[string]string)
	}
	v.saved[userID] = strings.TrimSpace(view)
	return nil
}

type failingSender struct{}

func (failingSender) Send(context.Context, offline.Mutation) error {
	return domain.ErrTransport
}
