package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"example.com/sessionsync/internal/domain"
	kafkatransport "example.com/sessionsync/internal/transport/kafka"
)

const backendKafka = "kafka"

// Reader exposes the minimal kafka.Reader interface needed by the subscriber.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader for one user's subscription.
type ReaderFactory func(userID string) Reader

// KafkaOption configures optional behaviour for the Kafka subscriber and publisher.
type KafkaOption func(*kafkaOptions)

type kafkaOptions struct {
	logger       *log.Logger
	retryBackoff time.Duration
}

// WithKafkaLogger overrides the logger.
func WithKafkaLogger(logger *log.Logger) KafkaOption {
	return func(o *kafkaOptions) {
		o.logger = logger
	}
}

// WithRetryBackoff sets the pause after a failed fetch.
func WithRetryBackoff(d time.Duration) KafkaOption {
	return func(o *kafkaOptions) {
		o.retryBackoff = d
	}
}

func applyKafkaOptions(opts []KafkaOption) kafkaOptions {
	o := kafkaOptions{
		logger:       log.New(log.Writer(), "[realtime] ", log.LstdFlags|log.Lshortfile),
		retryBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// KafkaSubscriber consumes the change topic and delivers events keyed by the user id.
type KafkaSubscriber struct {
	newReader ReaderFactory
	opts      kafkaOptions
}

// NewKafkaSubscriber constructs a subscriber reading through readers built by newReader.
func NewKafkaSubscriber(newReader ReaderFactory, opts ...KafkaOption) *KafkaSubscriber {
	return &KafkaSubscriber{newReader: newReader, opts: applyKafkaOptions(opts)}
}

// ReaderFactoryFor returns a factory backed by real kafka readers. Each device
// uses its own consumer group so every device observes every change.
func ReaderFactoryFor(brokers []string, topic, groupID string) ReaderFactory {
	return func(userID string) Reader {
		group := groupID
		if group == "" {
			group = "session-sync-" + uuid.NewString()
		}
		return kafkatransport.NewReader(kafkatransport.ReaderConfig{
			Brokers: brokers,
			GroupID: group + "." + userID,
			Topic:   topic,
		})
	}
}

// Subscribe starts consuming for the user.
func (s *KafkaSubscriber) Subscribe(_ context.Context, userID string, handler Handler) (Subscription, error) {
	if s.newReader == nil {
		return nil, fmt.Errorf("%w: no kafka reader configured", domain.ErrTransport)
	}
	reader := s.newReader(userID)
	if reader == nil {
		return nil, fmt.Errorf("%w: kafka reader unavailable", domain.ErrTransport)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{
		reader: reader,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.pump(pumpCtx, sub, userID, handler)
	close(sub.ready)
	return sub, nil
}

func (s *KafkaSubscriber) pump(ctx context.Context, sub *kafkaSubscription, userID string, handler Handler) {
	defer close(sub.done)
	<-sub.ready

	logger := s.opts.logger
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			logger.Printf("fetch error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.retryBackoff):
			}
			continue
		}

		if string(msg.Key) != userID {
			s.commit(ctx, sub.reader, msg)
			continue
		}

		evt, decodeErr := decodeKafkaEvent(msg, userID)
		if decodeErr != nil {
			logger.Printf("decode error (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, decodeErr)
			recordDropped(backendKafka, "decode")
			s.commit(ctx, sub.reader, msg)
			continue
		}

		recordEvent(backendKafka, evt.Type)
		handler(evt)
		s.commit(ctx, sub.reader, msg)
	}
}

func (s *KafkaSubscriber) commit(ctx context.Context, reader Reader, msg kafka.Message) {
	if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		s.opts.logger.Printf("commit error: %v", err)
	}
}

// FreshRemover returns a remover that closes the subscription's reader directly.
func (s *KafkaSubscriber) FreshRemover(context.Context) (Remover, error) {
	return kafkaRemover{}, nil
}

func decodeKafkaEvent(msg kafka.Message, userID string) (Event, error) {
	env, eventType, err := decodeEnvelope(msg.Value)
	if err != nil {
		return Event{}, err
	}
	received := msg.Time
	if received.IsZero() {
		received = time.Now().UTC()
	}
	evt := Event{
		Type:       eventType,
		UserID:     coalesce(env.UserID, userID),
		New:        decodeRow(env.New, userID),
		Old:        decodeRow(env.Old, userID),
		ReceivedAt: received,
	}
	if eventType == EventDelete && evt.Old == nil {
		evt.Old = &domain.ActiveSession{Owner: evt.UserID}
	}
	return evt, nil
}

type kafkaSubscription struct {
	reader Reader
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}

	once sync.Once
	err  error
}

// Unsubscribe stops the pump and closes the reader.
func (k *kafkaSubscription) Unsubscribe(ctx context.Context) error {
	k.once.Do(func() {
		k.cancel()
		select {
		case <-k.done:
		case <-ctx.Done():
			k.err = ctx.Err()
			return
		}
		k.err = k.reader.Close()
	})
	return k.err
}

type kafkaRemover struct{}

func (kafkaRemover) Remove(_ context.Context, sub Subscription) error {
	k, ok := sub.(*kafkaSubscription)
	if !ok {
		return fmt.Errorf("unsupported subscription type %T", sub)
	}
	k.cancel()
	return k.reader.Close()
}

// KafkaPublisher writes session row changes to the change topic.
type KafkaPublisher struct {
	writer kafkatransport.MessageWriter
	topic  string
	opts   kafkaOptions
}

// NewKafkaPublisher constructs a publisher.
func NewKafkaPublisher(writer kafkatransport.MessageWriter, topic string, opts ...KafkaOption) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topic: topic, opts: applyKafkaOptions(opts)}
}

// PublishUpsert announces a written session row.
func (p *KafkaPublisher) PublishUpsert(ctx context.Context, session *domain.ActiveSession, updatedAt time.Time, inserted bool) error {
	if session == nil {
		return errors.New("session is required")
	}
	eventType := EventUpdate
	if inserted {
		eventType = EventInsert
	}
	newRow, err := encodeRow(session, updatedAt)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	return p.publish(ctx, envelope{EventType: string(eventType), UserID: session.Owner, New: newRow})
}

// PublishDelete announces a removed session row.
func (p *KafkaPublisher) PublishDelete(ctx context.Context, userID string) error {
	oldRow, err := json.Marshal(row{UserID: userID})
	if err != nil {
		return err
	}
	return p.publish(ctx, envelope{EventType: string(EventDelete), UserID: userID, Old: oldRow})
}

func (p *KafkaPublisher) publish(ctx context.Context, env envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(env.UserID),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "idempotency_key", Value: []byte(uuid.NewString())},
		},
	}
	if err := p.writer.WriteMessages(ctx, p.topic, msg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	return nil
}
