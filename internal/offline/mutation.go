// Package offline queues writes that could not reach the server and replays them when connectivity returns.
package offline

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Operations understood by the built-in senders.
const (
	OpSessionUpsert = "session.upsert"
	OpSessionDelete = "session.delete"

	familySession = "session"
)

// Attempt limits applied when the caller does not choose one.
const (
	DefaultMaxAttempts       = 7
	DefaultFinishMaxAttempts = 10
)

var (
	// ErrNotFound is returned when an operation targets a mutation that is no longer queued.
	ErrNotFound = errors.New("mutation not found")
	// ErrInvalidRequest is returned for requests that cannot be queued.
	ErrInvalidRequest = errors.New("invalid mutation request")
)

// Status describes where a mutation sits in its retry lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Mutation is a write awaiting transmission.
type Mutation struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	Target        string          `json:"target,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	Status        Status          `json:"status"`
}

// Due reports whether the mutation may be sent at now.
func (m Mutation) Due(now time.Time) bool {
	return m.Status != StatusFailed && !now.Before(m.NextAttemptAt)
}

// Request describes a write to enqueue.
type Request struct {
	Operation   string
	Target      string
	Payload     json.RawMessage
	MaxAttempts int
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexicographically sortable mutation id.
func NewID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

func newMutation(req Request, now time.Time) (Mutation, error) {
	op := strings.TrimSpace(req.Operation)
	if op == "" {
		return Mutation{}, fmt.Errorf("%w: operation is required", ErrInvalidRequest)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
		if op == OpSessionDelete {
			maxAttempts = DefaultFinishMaxAttempts
		}
	}
	return Mutation{
		ID:            NewID(now),
		Operation:     op,
		Target:        req.Target,
		Payload:       append(json.RawMessage(nil), req.Payload...),
		EnqueuedAt:    now,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		Status:        StatusPending,
	}, nil
}
