package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/sessionsync/internal/domain"
	kafkatransport "example.com/sessionsync/internal/transport/kafka"
)

// Router dispatches mutations to a sender chosen by operation family.
type Router struct {
	routes map[string]Sender
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Sender)}
}

// Handle registers sender for operations named "<family>.*".
func (r *Router) Handle(family string, sender Sender) *Router {
	r.routes[family] = sender
	return r
}

// Send implements Sender.
func (r *Router) Send(ctx context.Context, m Mutation) error {
	sender, ok := r.routes[operationFamily(m.Operation)]
	if !ok {
		return fmt.Errorf("%w: no sender for operation %q", domain.ErrTransport, m.Operation)
	}
	return sender.Send(ctx, m)
}

// SessionWriter is the subset of the server store used for queued session writes.
type SessionWriter interface {
	Upsert(ctx context.Context, session *domain.ActiveSession) (time.Time, error)
	Delete(ctx context.Context, userID string) error
}

// ChangePublisher announces session row changes to other devices.
type ChangePublisher interface {
	PublishUpsert(ctx context.Context, session *domain.ActiveSession, updatedAt time.Time, inserted bool) error
	PublishDelete(ctx context.Context, userID string) error
}

// SessionSender replays session.upsert and session.delete against the server store.
type SessionSender struct {
	writer    SessionWriter
	publisher ChangePublisher
	logger    *log.Logger
}

// SessionSenderOption configures a SessionSender.
type SessionSenderOption func(*SessionSender)

// WithChangePublisher announces every successful write through publisher.
func WithChangePublisher(publisher ChangePublisher) SessionSenderOption {
	return func(s *SessionSender) {
		s.publisher = publisher
	}
}

// WithSenderLogger overrides the logger.
func WithSenderLogger(logger *log.Logger) SessionSenderOption {
	return func(s *SessionSender) {
		s.logger = logger
	}
}

// NewSessionSender constructs a SessionSender.
func NewSessionSender(writer SessionWriter, opts ...SessionSenderOption) *SessionSender {
	s := &SessionSender{
		writer: writer,
		logger: log.New(log.Writer(), "[offline] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionUpsertRequest builds the queued form of a session write.
func SessionUpsertRequest(session *domain.ActiveSession) (Request, error) {
	payload, err := json.Marshal(session)
	if err != nil {
		return Request{}, err
	}
	return Request{Operation: OpSessionUpsert, Target: session.Owner, Payload: payload}, nil
}

// SessionDeleteRequest builds the queued form of a session finish.
func SessionDeleteRequest(userID string) Request {
	return Request{Operation: OpSessionDelete, Target: userID}
}

func (s *SessionSender) Send(ctx context.Context, m Mutation) error {
	switch m.Operation {
	case OpSessionUpsert:
		var session domain.ActiveSession
		if err := json.Unmarshal(m.Payload, &session); err != nil {
			return fmt.Errorf("%w: decode queued session: %w", domain.ErrTransport, err)
		}
		if session.Owner == "" {
			session.Owner = m.Target
		}
		updatedAt, err := s.writer.Upsert(ctx, &session)
		if err != nil {
			return err
		}
		if s.publisher != nil {
			if err := s.publisher.PublishUpsert(ctx, &session, updatedAt, false); err != nil {
				s.logger.Printf("publish session change (user=%s): %v", session.Owner, err)
			}
		}
		return nil
	case OpSessionDelete:
		if err := s.writer.Delete(ctx, m.Target); err != nil {
			return err
		}
		if s.publisher != nil {
			if err := s.publisher.PublishDelete(ctx, m.Target); err != nil {
				s.logger.Printf("publish session end (user=%s): %v", m.Target, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported session operation %q", domain.ErrTransport, m.Operation)
	}
}

// HTTPSender POSTs the payload of http.* mutations to the sync API.
type HTTPSender struct {
	baseURL string
	client  *http.Client
	token   func() string
}

// NewHTTPSender constructs an HTTPSender. token may be nil.
func NewHTTPSender(baseURL string, timeout time.Duration, token func() string) *HTTPSender {
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		token:   token,
	}
}

func (s *HTTPSender) Send(ctx context.Context, m Mutation) error {
	method := http.MethodPost
	if verb := strings.ToUpper(strings.TrimPrefix(m.Operation, "http.")); verb == http.MethodPut || verb == http.MethodPatch || verb == http.MethodDelete {
		method = verb
	}

	target := m.Target
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+target, bytes.NewReader(m.Payload))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID)
	if s.token != nil {
		if token := s.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s", domain.ErrTransport, method, target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// KafkaSender publishes event.* mutations to the topic named by the target.
type KafkaSender struct {
	writer       kafkatransport.MessageWriter
	defaultTopic string
}

// NewKafkaSender constructs a KafkaSender.
func NewKafkaSender(writer kafkatransport.MessageWriter, defaultTopic string) *KafkaSender {
	return &KafkaSender{writer: writer, defaultTopic: defaultTopic}
}

func (s *KafkaSender) Send(ctx context.Context, m Mutation) error {
	topic := m.Target
	if topic == "" {
		topic = s.defaultTopic
	}
	msg := kafka.Message{
		Key:   []byte(m.ID),
		Value: m.Payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(strings.TrimPrefix(m.Operation, "event."))},
			{Key: "idempotency_key", Value: []byte(m.ID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, topic, msg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	return nil
}
