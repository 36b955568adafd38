package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"example.com/sessionsync/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func TestFlushRemovesDeliveredMutation(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	q := newTestQueue(t, NewMemoryStore(), sender, nil)

	m, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: "/v1/sets", Payload: json.RawMessage(`{"reps":5}`)})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxAttempts, m.MaxAttempts)

	result, err := q.Flush(ctx, FlushOptions{MaxBatch: 8})
	require.NoError(t, err)
	require.Equal(t, FlushResult{Attempted: 1, Sent: 1}, result)
	require.Equal(t, []string{m.ID}, sender.sentIDs())

	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestFlushFailureIncrementsAttemptsWithoutDuplicating(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sender := &stubSender{err: fmt.Errorf("%w: connection refused", domain.ErrTransport)}
	q := newTestQueue(t, NewMemoryStore(), sender, clock)

	m, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: "/v1/sets"})
	require.NoError(t, err)

	result, err := q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, m.ID, items[0].ID)
	require.Equal(t, 1, items[0].Attempts)
	require.Equal(t, StatusPending, items[0].Status)
	require.Equal(t, clock.Now().Add(time.Minute), items[0].NextAttemptAt)
	require.Contains(t, items[0].LastError, "connection refused")

	// not due yet: no second network call
	result, err = q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)
	require.Zero(t, result.Attempted)
	require.Len(t, sender.sentIDs(), 1)

	clock.Advance(time.Minute)
	_, err = q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)
	items, err = q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 2, items[0].Attempts)
	require.Equal(t, clock.Now().Add(2*time.Minute), items[0].NextAttemptAt)
}

func TestFlushMarksExhaustedMutationFailedButKeepsIt(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sender := &stubSender{err: fmt.Errorf("%w: timeout", domain.ErrTransport)}
	q := newTestQueue(t, NewMemoryStore(), sender, clock)

	_, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: "/a", MaxAttempts: 2})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := q.Flush(ctx, FlushOptions{})
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	require.Len(t, sender.sentIDs(), 2, "failed mutations are not retried automatically")
	summary, err := q.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Pending)
	require.Equal(t, 1, summary.Failed)

	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, StatusFailed, items[0].Status)

	sender.setErr(nil)
	_, err = q.Retry(ctx, items[0].ID)
	require.NoError(t, err)
	summary, err = q.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Due)

	result, err := q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)
}

func TestFlushSchemaMissingFailsImmediatelyAndReports(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{err: fmt.Errorf("%w: relation does not exist", domain.ErrSchemaMissing)}
	reporter := &stubReporter{}
	q := NewQueue(NewMemoryStore(), sender, WithSchemaReporter(reporter), WithLogger(log.New(testWriter{t}, "", 0)))

	_, err := q.Enqueue(ctx, SessionDeleteRequest("user-1"))
	require.NoError(t, err)

	_, err = q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)

	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, StatusFailed, items[0].Status)
	require.Zero(t, items[0].Attempts)
	require.Equal(t, 1, reporter.count())
}

func TestConcurrentFlushRunsOnePass(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	sender := &stubSender{block: release}
	q := newTestQueue(t, NewMemoryStore(), sender, nil)

	_, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: "/a"})
	require.NoError(t, err)

	first := make(chan FlushResult, 1)
	go func() {
		result, _ := q.Flush(ctx, FlushOptions{})
		first <- result
	}()
	require.Eventually(t, q.Busy, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	var skipped atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := q.Flush(ctx, FlushOptions{})
			if err == nil && result.Skipped {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	require.Equal(t, 1, (<-first).Sent)
	require.EqualValues(t, 5, skipped.Load())
	require.Len(t, sender.sentIDs(), 1)
}

func TestFlushSkippedWhileOfflineUnlessForced(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	online := false
	q := NewQueue(NewMemoryStore(), sender, WithOnline(func() bool { return online }))

	_, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: "/a"})
	require.NoError(t, err)

	result, err := q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, "offline", result.Reason)
	require.Empty(t, sender.sentIDs())

	summary, err := q.Summary(ctx)
	require.NoError(t, err)
	require.False(t, summary.Online)
	require.Equal(t, 1, summary.Pending)

	result, err = q.Flush(ctx, FlushOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)
}

func TestFlushHonoursBatchSizeAndOrder(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	q := newTestQueue(t, NewMemoryStore(), sender, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: fmt.Sprintf("/items/%d", i)})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	result, err := q.Flush(ctx, FlushOptions{MaxBatch: 3})
	require.NoError(t, err)
	require.Equal(t, 3, result.Sent)
	require.Equal(t, ids[:3], sender.sentIDs())

	_, err = q.Flush(ctx, FlushOptions{MaxBatch: 3})
	require.NoError(t, err)
	require.Equal(t, ids, sender.sentIDs())
}

func TestFlushKeepsOrderWithinTarget(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{failFor: map[string]bool{"session.upsert": true}}
	q := newTestQueue(t, NewMemoryStore(), sender, nil)

	session := &domain.ActiveSession{Owner: "user-1", StartedAt: time.Now().UTC(), Workout: json.RawMessage(`{}`)}
	upsert, err := SessionUpsertRequest(session)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, upsert)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, SessionDeleteRequest("user-1"))
	require.NoError(t, err)
	other, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: "/other"})
	require.NoError(t, err)

	result, err := q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempted)
	require.Equal(t, 1, result.Sent)
	require.Contains(t, sender.sentIDs(), other.ID)

	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2, "delete waits behind the failed upsert for the same user")
}

func TestSupersedeReplacesQueuedSessionWrites(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryStore(), &stubSender{}, nil)

	session := &domain.ActiveSession{Owner: "user-1", StartedAt: time.Now().UTC(), Workout: json.RawMessage(`{"v":1}`)}
	req, err := SessionUpsertRequest(session)
	require.NoError(t, err)
	_, err = q.Supersede(ctx, req)
	require.NoError(t, err)
	_, err = q.Supersede(ctx, req)
	require.NoError(t, err)
	last, err := q.Supersede(ctx, SessionDeleteRequest("user-1"))
	require.NoError(t, err)
	require.Equal(t, DefaultFinishMaxAttempts, last.MaxAttempts)

	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, OpSessionDelete, items[0].Operation)
}

func TestSupersedeKeepsFailedAndOtherOperations(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sender := &stubSender{err: fmt.Errorf("%w: timeout", domain.ErrTransport)}
	q := newTestQueue(t, NewMemoryStore(), sender, clock)

	exhausted, err := q.Enqueue(ctx, Request{Operation: "http.put", Target: "/profile", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)

	post, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: "/profile"})
	require.NoError(t, err)
	_, err = q.Supersede(ctx, Request{Operation: "http.put", Target: "/profile"})
	require.NoError(t, err)

	kept, err := q.store.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, kept.Status)
	_, err = q.store.Get(ctx, post.ID)
	require.NoError(t, err, "a different verb on the same target is not replaced")

	summary, err := q.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 2, summary.Pending)

	_, err = q.Supersede(ctx, Request{Operation: "http.put", Target: "/profile"})
	require.NoError(t, err)
	summary, err = q.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 2, summary.Pending, "only the pending put was replaced")
}

func TestSummaryCountsDueAndNextDue(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sender := &stubSender{failFor: map[string]bool{"http.put": true}}
	q := newTestQueue(t, NewMemoryStore(), sender, clock)

	_, err := q.Enqueue(ctx, Request{Operation: "http.put", Target: "/a"})
	require.NoError(t, err)
	_, err = q.Flush(ctx, FlushOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Request{Operation: "http.post", Target: "/b"})
	require.NoError(t, err)

	summary, err := q.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Pending)
	require.Equal(t, 1, summary.Due)
	require.NotNil(t, summary.NextDueAt)
	require.Equal(t, clock.Now(), *summary.NextDueAt)

	require.NoError(t, q.Clear(ctx))
	summary, err = q.Summary(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Pending)
	require.Nil(t, summary.NextDueAt)
}

func TestEnqueueSignalsWithoutBlocking(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryStore(), &stubSender{}, nil)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, Request{Operation: "http.post"})
		require.NoError(t, err)
	}
	select {
	case <-q.Changes():
	default:
		t.Fatal("expected change signal")
	}

	_, err := q.Enqueue(ctx, Request{Operation: " "})
	require.Error(t, err)
	_, err = q.Retry(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBackoffIsCapped(t *testing.T) {
	q := NewQueue(NewMemoryStore(), &stubSender{}, WithBackoff(time.Minute, time.Hour))
	require.Equal(t, time.Minute, q.backoffDelay(1))
	require.Equal(t, 4*time.Minute, q.backoffDelay(3))
	require.Equal(t, time.Hour, q.backoffDelay(7))
	require.Equal(t, time.Hour, q.backoffDelay(40))
}

func TestEnqueueRejectsMissingOperation(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), &stubSender{}, nil)
	_, err := q.Enqueue(context.Background(), Request{Operation: "  ", Target: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = q.Retry(context.Background(), "01HXMISSING")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueueDefaultMaxAttempts(t *testing.T) {
	q := NewQueue(NewMemoryStore(), &stubSender{}, WithMaxAttempts(3), WithLogger(log.New(testWriter{t}, "", 0)))
	ctx := context.Background()

	m, err := q.Enqueue(ctx, Request{Operation: "http.post", Target: "/a"})
	require.NoError(t, err)
	require.Equal(t, 3, m.MaxAttempts)

	m, err = q.Enqueue(ctx, Request{Operation: "http.post", Target: "/a", MaxAttempts: 5})
	require.NoError(t, err)
	require.Equal(t, 5, m.MaxAttempts)

	m, err = q.Enqueue(ctx, SessionDeleteRequest("user-1"))
	require.NoError(t, err)
	require.Equal(t, DefaultFinishMaxAttempts, m.MaxAttempts)
}

func TestFlushRecordsDuration(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), &stubSender{}, nil)
	before := histogramSampleCount(t)

	_, err := q.Flush(context.Background(), FlushOptions{MaxBatch: 8})
	require.NoError(t, err)
	require.Equal(t, before+1, histogramSampleCount(t))
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, flushDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func newTestQueue(t *testing.T, store Store, sender Sender, clock *fakeClock) *Queue {
	t.Helper()
	opts := []Option{WithLogger(log.New(testWriter{t}, "", 0))}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	return NewQueue(store, sender, opts...)
}

type stubSender struct {
	mu      sync.Mutex
	sent    []string
	err     error
	failFor map[string]bool
	block   chan struct{}
}

func (s *stubSender) Send(_ context.Context, m Mutation) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m.ID)
	if s.failFor[m.Operation] {
		return fmt.Errorf("%w: rejected", domain.ErrTransport)
	}
	return s.err
}

func (s *stubSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type stubReporter struct {
	mu    sync.Mutex
	calls int
}

func (r *stubReporter) Observe(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if errors.Is(err, domain.ErrSchemaMissing) {
		r.calls++
	}
	return err
}

func (r *stubReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
