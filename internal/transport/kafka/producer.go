// Package kafkatransport owns the Kafka writers and readers shared by the queue and realtime components.
package kafkatransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var (
	// ErrUnknownTopic is returned for writes to a topic the producer was not configured with.
	ErrUnknownTopic = errors.New("kafka topic not configured")
	// ErrProducerClosed is returned for writes after Close.
	ErrProducerClosed = errors.New("kafka producer closed")
)

// MessageWriter is the minimal producer contract used by callers.
type MessageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type topicWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// ProducerConfig names the brokers and every topic the agent publishes to:
// the session change topic and the event.* mutation topics.
type ProducerConfig struct {
	Brokers []string
	Topics  []string
	// BatchTimeout bounds how long a change waits for a batch to fill.
	BatchTimeout time.Duration
}

// Producer holds one writer per configured topic.
type Producer struct {
	mu      sync.RWMutex
	writers map[string]topicWriter
	closed  bool
}

// NewProducer creates writers for cfg.Topics. Writers connect on first use.
func NewProducer(cfg ProducerConfig) *Producer {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return newProducer(cfg.Topics, func(topic string) topicWriter {
		// keyed by user id so one user's changes stay on one partition
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			BatchTimeout: batchTimeout,
		}
	})
}

func newProducer(topics []string, build func(topic string) topicWriter) *Producer {
	p := &Producer{writers: make(map[string]topicWriter, len(topics))}
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if _, ok := p.writers[topic]; !ok {
			p.writers[topic] = build(topic)
		}
	}
	return p
}

// Topics lists the configured topics.
func (p *Producer) Topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.writers))
	for topic := range p.writers {
		out = append(out, topic)
	}
	return out
}

// WriteMessages writes msgs to topic. Close waits for writes in progress.
func (p *Producer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	writer, ok := p.writers[topic]
	if !ok {
		messagesCounter.WithLabelValues(topic, "unknown_topic").Add(float64(len(msgs)))
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	start := time.Now()
	err := writer.WriteMessages(ctx, msgs...)
	writeDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	messagesCounter.WithLabelValues(topic, outcome).Add(float64(len(msgs)))
	return err
}

// Close flushes and releases every writer. Calling Close again is a no-op.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	return errs
}

// ReaderConfig describes a consumer for one topic.
type ReaderConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// NewReader builds a reader that starts at the newest offset; devices only
// care about changes made after they subscribed.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topic:           cfg.Topic,
		MinBytes:        1,
		MaxBytes:        10e6,
		MaxWait:         500 * time.Millisecond,
		CommitInterval:  time.Second,
		StartOffset:     kafka.LastOffset,
		ReadLagInterval: -1,
	})
}
