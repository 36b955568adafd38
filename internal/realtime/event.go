// Package realtime delivers change notifications for a user's active session row.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"example.com/sessionsync/internal/domain"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ParseEventType normalises an event type string.
func ParseEventType(raw string) (EventType, error) {
	switch t := EventType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case EventInsert, EventUpdate, EventDelete:
		return t, nil
	default:
		return "", fmt.Errorf("unknown event type %q", raw)
	}
}

// Event is a change notification for the user's session row.
type Event struct {
	Type       EventType
	UserID     string
	New        *domain.ActiveSession
	Old        *domain.ActiveSession
	ReceivedAt time.Time
}

// Handler receives events after Subscribe has returned.
type Handler func(Event)

// Subscription is a live per-user subscription.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// Subscriber opens per-user subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string, handler Handler) (Subscription, error)
}

// Remover tears a subscription down through a handle acquired independently
// of the one the subscription holds.
type Remover interface {
	Remove(ctx context.Context, sub Subscription) error
}

// envelope is the JSON shape shared by the Kafka topic and the Postgres trigger.
// The trigger omits the rows; subscribers hydrate them.
type envelope struct {
	EventType string          `json:"eventType"`
	UserID    string          `json:"user_id"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

type row struct {
	UserID    string          `json:"user_id"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func decodeEnvelope(data []byte) (envelope, EventType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, "", err
	}
	t, err := ParseEventType(env.EventType)
	if err != nil {
		return envelope{}, "", err
	}
	return env, t, nil
}

// decodeRow returns the session carried by a row payload, or nil when the row
// is absent or its state is unreadable.
func decodeRow(raw json.RawMessage, userID string) *domain.ActiveSession {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var r row
	if err := json.Unmarshal(raw, &r); err != nil || len(r.State) == 0 {
		return nil
	}
	var session domain.ActiveSession
	if err := json.Unmarshal(r.State, &session); err != nil {
		return nil
	}
	if session.Owner == "" {
		session.Owner = coalesce(r.UserID, userID)
	}
	return &session
}

func encodeRow(session *domain.ActiveSession, updatedAt time.Time) (json.RawMessage, error) {
	if session == nil {
		return nil, nil
	}
	state, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	return json.Marshal(row{UserID: session.Owner, State: state, UpdatedAt: updatedAt})
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
