// Package domain defines the active workout session model shared by the sync components.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrTransport marks a collaborator failure that may succeed on retry.
	ErrTransport = errors.New("transport error")
	// ErrSchemaMissing indicates the server-side session table does not exist yet.
	ErrSchemaMissing = errors.New("server schema missing")
	// ErrMalformedLocalData is returned when cached content cannot be decoded.
	ErrMalformedLocalData = errors.New("malformed local data")
	// ErrStaleEvent marks a result that arrived for a superseded session.
	ErrStaleEvent = errors.New("stale event")
	// ErrNoUser is returned by commands issued before a user is identified.
	ErrNoUser = errors.New("no user identified")
)

// ActiveSession is the single in-progress workout tracked per user.
type ActiveSession struct {
	Owner     string          `json:"owner"`
	StartedAt time.Time       `json:"startedAt"`
	Workout   json.RawMessage `json:"workout,omitempty"`
	SavedAt   time.Time       `json:"_savedAt"`
}

// IsLive reports whether the record represents a running session.
// A missing start time or workout payload means "no active session".
func (s *ActiveSession) IsLive() bool {
	if s == nil || s.StartedAt.IsZero() {
		return false
	}
	trimmed := bytes.TrimSpace(s.Workout)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Clone returns a deep copy so callers cannot alias the coordinator's view.
func (s *ActiveSession) Clone() *ActiveSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.Workout != nil {
		out.Workout = append(json.RawMessage(nil), s.Workout...)
	}
	return &out
}

// EffectiveRecency is the later of the server-assigned update time and the
// session's own save stamp.
func EffectiveRecency(updatedAt time.Time, session *ActiveSession) time.Time {
	if session == nil || session.SavedAt.Before(updatedAt) {
		return updatedAt
	}
	return session.SavedAt
}

// SessionState is the coordinator lifecycle state.
type SessionState string

const (
	SessionStateIdle        SessionState = "idle"
	SessionStateReconciling SessionState = "reconciling"
	SessionStateLive        SessionState = "live"
	SessionStateEnded       SessionState = "ended"
)

// SyncState summarises connectivity and the offline queue for display.
type SyncState struct {
	Online    bool       `json:"online"`
	Syncing   bool       `json:"syncing"`
	Pending   int        `json:"pending"`
	Failed    int        `json:"failed"`
	Due       int        `json:"due"`
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
}
