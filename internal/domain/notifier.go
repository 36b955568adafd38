package domain

import (
	"sync"
	"time"
)

// NoticeKind classifies user-visible notifications.
type NoticeKind string

const (
	NoticeSchemaMissing  NoticeKind = "schema_missing"
	NoticeEndedElsewhere NoticeKind = "session_ended_elsewhere"
)

// Notice is a message surfaced to the user.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Text    string     `json:"text"`
	UserID  string     `json:"user_id,omitempty"`
	Emitted time.Time  `json:"emitted_at"`
}

// Notifier receives user-visible notices.
type Notifier interface {
	Notify(Notice)
}

// NoticeBuffer collects notices until a reader drains them.
type NoticeBuffer struct {
	mu      sync.Mutex
	limit   int
	notices []Notice
}

// NewNoticeBuffer keeps at most limit undrained notices, dropping the oldest.
func NewNoticeBuffer(limit int) *NoticeBuffer {
	if limit <= 0 {
		limit = 50
	}
	return &NoticeBuffer{limit: limit}
}

// Notify implements Notifier.
func (b *NoticeBuffer) Notify(n Notice) {
	if n.Emitted.IsZero() {
		n.Emitted = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, n)
	if len(b.notices) > b.limit {
		b.notices = b.notices[len(b.notices)-b.limit:]
	}
}

// Drain returns and forgets the buffered notices.
func (b *NoticeBuffer) Drain() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.notices
	b.notices = nil
	return out
}
