package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"example.com/sessionsync/internal/domain"
)

// Sender transmits a single mutation. Implementations classify failures with
// domain.ErrTransport or domain.ErrSchemaMissing.
type Sender interface {
	Send(ctx context.Context, m Mutation) error
}

// SchemaReporter records schema-missing failures; it notifies at most once.
type SchemaReporter interface {
	Observe(err error) error
}

// Option configures optional behaviour for the Queue.
type Option func(*Queue)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithOnline supplies the connectivity check consulted before each flush.
func WithOnline(online func() bool) Option {
	return func(q *Queue) {
		q.online = online
	}
}

// WithSchemaReporter routes schema-missing failures to reporter.
func WithSchemaReporter(reporter SchemaReporter) Option {
	return func(q *Queue) {
		q.schema = reporter
	}
}

// WithBackoff sets the base and maximum retry delay.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.baseDelay = base
		}
		if ceiling > 0 {
			q.maxDelay = ceiling
		}
	}
}

// WithMaxAttempts sets the attempt limit for requests that do not choose one.
// Session finishes keep DefaultFinishMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		q.maxAttempts = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Queue is a durable ordered log of writes pending transmission.
type Queue struct {
	store     Store
	sender    Sender
	online    func() bool
	schema    SchemaReporter
	logger    *log.Logger
	baseDelay time.Duration
	maxDelay  time.Duration
	now       func() time.Time

	maxAttempts int

	busy    atomic.Bool
	version atomic.Uint64
	changes chan struct{}
}

// NewQueue constructs a Queue over store delivering through sender.
func NewQueue(store Store, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		sender:    sender,
		online:    func() bool { return true },
		logger:    log.New(log.Writer(), "[offline] ", log.LstdFlags|log.Lshortfile),
		baseDelay: time.Minute,
		maxDelay:  time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
		changes:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Changes signals after every mutation of the queue contents. Signals coalesce.
func (q *Queue) Changes() <-chan struct{} {
	return q.changes
}

func (q *Queue) signal() {
	q.version.Add(1)
	select {
	case q.changes <- struct{}{}:
	default:
	}
}

// Enqueue appends a mutation. It performs only a local write.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Mutation, error) {
	if req.MaxAttempts <= 0 && q.maxAttempts > 0 && req.Operation != OpSessionDelete {
		req.MaxAttempts = q.maxAttempts
	}
	m, err := newMutation(req, q.now())
	if err != nil {
		return Mutation{}, err
	}
	if err := q.store.Append(ctx, m); err != nil {
		return Mutation{}, err
	}
	enqueuedCounter.WithLabelValues(operationFamily(m.Operation)).Inc()
	q.signal()
	return m, nil
}

// Supersede drops pending mutations that req replaces, then enqueues req.
// Used for writes where only the latest one matters. Failed mutations stay
// queued for a manual retry.
func (q *Queue) Supersede(ctx context.Context, req Request) (Mutation, error) {
	family := operationFamily(req.Operation)
	existing, err := q.store.List(ctx)
	if err != nil {
		return Mutation{}, err
	}
	for _, m := range existing {
		if replaces(req, m) {
			if err := q.store.Delete(ctx, m.ID); err != nil {
				return Mutation{}, err
			}
			supersededCounter.WithLabelValues(family).Inc()
		}
	}
	return q.Enqueue(ctx, req)
}

// FlushOptions bounds a flush pass.
type FlushOptions struct {
	MaxBatch int
	// Force sends even when the connectivity check reports offline.
	Force bool
}

// FlushResult summarises a flush pass.
type FlushResult struct {
	Skipped   bool   `json:"skipped"`
	Reason    string `json:"reason,omitempty"`
	Attempted int    `json:"attempted"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
}

// Flush sends due mutations in enqueue order. A call made while another pass
// is running returns immediately with Skipped set.
func (q *Queue) Flush(ctx context.Context, opts FlushOptions) (FlushResult, error) {
	if !q.busy.CompareAndSwap(false, true) {
		flushSkippedCounter.WithLabelValues("busy").Inc()
		return FlushResult{Skipped: true, Reason: "busy"}, nil
	}
	defer q.busy.Store(false)

	if !opts.Force && !q.online() {
		flushSkippedCounter.WithLabelValues("offline").Inc()
		return FlushResult{Skipped: true, Reason: "offline"}, nil
	}

	start := time.Now()
	startVersion := q.version.Load()
	defer func() { flushDuration.Observe(time.Since(start).Seconds()) }()

	items, err := q.store.List(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = len(items)
	}

	var (
		result  FlushResult
		errs    error
		blocked = make(map[string]bool)
		now     = q.now()
	)
	for _, m := range items {
		if result.Attempted >= maxBatch {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = errors.Join(errs, err)
			break
		}
		key := orderingKey(m)
		if m.Status == StatusFailed {
			continue
		}
		if !m.Due(now) || blocked[key] {
			if key != "" {
				blocked[key] = true
			}
			continue
		}

		result.Attempted++
		sendErr := q.sender.Send(ctx, m)
		if sendErr == nil {
			if err := q.store.Delete(ctx, m.ID); err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			result.Sent++
			sentCounter.WithLabelValues(operationFamily(m.Operation)).Inc()
			continue
		}

		result.Failed++
		if key != "" {
			blocked[key] = true
		}
		if err := q.recordFailure(ctx, m, sendErr); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	// writes enqueued during the pass may have been missed by it
	if result.Attempted > 0 || q.version.Load() != startVersion {
		q.signal()
	}
	return result, errs
}

func (q *Queue) recordFailure(ctx context.Context, m Mutation, sendErr error) error {
	family := operationFamily(m.Operation)
	m.LastError = sendErr.Error()

	if errors.Is(sendErr, domain.ErrSchemaMissing) {
		m.Status = StatusFailed
		if q.schema != nil {
			_ = q.schema.Observe(sendErr)
		}
		failedCounter.WithLabelValues(family, "schema_missing").Inc()
		q.logger.Printf("mutation %s (%s) failed permanently: %v", m.ID, m.Operation, sendErr)
		return q.store.Put(ctx, m)
	}

	m.Attempts++
	if m.Attempts >= m.MaxAttempts {
		m.Status = StatusFailed
		failedCounter.WithLabelValues(family, "exhausted").Inc()
		q.logger.Printf("mutation %s (%s) exhausted %d attempts: %v", m.ID, m.Operation, m.Attempts, sendErr)
	} else {
		m.NextAttemptAt = q.now().Add(q.backoffDelay(m.Attempts))
		failedCounter.WithLabelValues(family, "retry").Inc()
	}
	return q.store.Put(ctx, m)
}

func (q *Queue) backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := q.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxDelay {
			return q.maxDelay
		}
	}
	if delay > q.maxDelay {
		return q.maxDelay
	}
	return delay
}

// Summary reports queue counts without mutating the queue.
func (q *Queue) Summary(ctx context.Context) (domain.SyncState, error) {
	items, err := q.store.List(ctx)
	if err != nil {
		return domain.SyncState{}, err
	}
	now := q.now()
	state := domain.SyncState{
		Online:  q.online(),
		Syncing: q.busy.Load(),
	}
	for _, m := range items {
		if m.Status == StatusFailed {
			state.Failed++
			continue
		}
		state.Pending++
		if m.Due(now) {
			state.Due++
		}
		if state.NextDueAt == nil || m.NextAttemptAt.Before(*state.NextDueAt) {
			next := m.NextAttemptAt
			state.NextDueAt = &next
		}
	}
	queueDepth.WithLabelValues(string(StatusPending)).Set(float64(state.Pending))
	queueDepth.WithLabelValues(string(StatusFailed)).Set(float64(state.Failed))
	return state, nil
}

// List returns queued mutations in enqueue order.
func (q *Queue) List(ctx context.Context) ([]Mutation, error) {
	return q.store.List(ctx)
}

// Retry resets a mutation's attempts and makes it due immediately.
func (q *Queue) Retry(ctx context.Context, id string) (Mutation, error) {
	m, err := q.store.Get(ctx, id)
	if err != nil {
		return Mutation{}, err
	}
	m.Attempts = 0
	m.Status = StatusPending
	m.NextAttemptAt = q.now()
	m.LastError = ""
	if err := q.store.Put(ctx, m); err != nil {
		return Mutation{}, err
	}
	q.signal()
	return m, nil
}

// Clear removes every queued mutation.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx); err != nil {
		return err
	}
	q.signal()
	return nil
}

// Busy reports whether a flush pass is in progress.
func (q *Queue) Busy() bool {
	return q.busy.Load()
}

func operationFamily(op string) string {
	if i := strings.IndexByte(op, '.'); i > 0 {
		return op[:i]
	}
	return op
}

// replaces reports whether req makes the pending mutation m obsolete. Session
// writes replace each other across upsert and delete; any other operation only
// replaces the same operation on the same target.
func replaces(req Request, m Mutation) bool {
	if m.Status == StatusFailed || m.Target != req.Target {
		return false
	}
	if operationFamily(req.Operation) == familySession {
		return operationFamily(m.Operation) == familySession
	}
	return m.Operation == req.Operation
}

// orderingKey groups mutations whose relative order must be preserved.
func orderingKey(m Mutation) string {
	if m.Target == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", operationFamily(m.Operation), m.Target)
}
