package coordinator

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"example.com/sessionsync/internal/connectivity"
	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/localcache"
	"example.com/sessionsync/internal/offline"
	"example.com/sessionsync/internal/realtime"
	"example.com/sessionsync/internal/serverstore"
)

// fakeBackend plays the server store and the realtime channel shared by devices.
type fakeBackend struct {
	mu       sync.Mutex
	rows     map[string]storedRow
	fetchErr error
	writeErr error
	gate     chan struct{}
	upserts  int
	deletes  int
	subs     map[int]fakeListener
	nextID   int
}

type storedRow struct {
	session   *domain.ActiveSession
	updatedAt time.Time
}

type fakeListener struct {
	userID  string
	handler realtime.Handler
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string]storedRow), subs: make(map[int]fakeListener)}
}

func (b *fakeBackend) seed(session *domain.ActiveSession, updatedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[session.Owner] = storedRow{session: session.Clone(), updatedAt: updatedAt}
}

func (b *fakeBackend) hold() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	return b.gate
}

func (b *fakeBackend) setFetchErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErr = err
}

func (b *fakeBackend) setWriteErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

func (b *fakeBackend) Fetch(ctx context.Context, userID string) (*domain.ActiveSession, time.Time, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, time.Time{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, time.Time{}, b.fetchErr
	}
	row, ok := b.rows[userID]
	if !ok {
		return nil, time.Time{}, nil
	}
	return row.session.Clone(), row.updatedAt, nil
}

func (b *fakeBackend) Upsert(_ context.Context, session *domain.ActiveSession) (time.Time, error) {
	b.mu.Lock()
	if b.writeErr != nil {
		err := b.writeErr
		b.mu.Unlock()
		return time.Time{}, err
	}
	b.upserts++
	_, existed := b.rows[session.Owner]
	updatedAt := time.Now().UTC()
	b.rows[session.Owner] = storedRow{session: session.Clone(), updatedAt: updatedAt}
	listeners := b.listenersFor(session.Owner)
	b.mu.Unlock()

	evt := realtime.Event{Type: realtime.EventInsert, UserID: session.Owner, New: session.Clone()}
	if existed {
		evt.Type = realtime.EventUpdate
	}
	for _, h := range listeners {
		h(evt)
	}
	return updatedAt, nil
}

func (b *fakeBackend) Delete(_ context.Context, userID string) error {
	b.mu.Lock()
	if b.writeErr != nil {
		err := b.writeErr
		b.mu.Unlock()
		return err
	}
	b.deletes++
	delete(b.rows, userID)
	listeners := b.listenersFor(userID)
	b.mu.Unlock()

	for _, h := range listeners {
		h(realtime.Event{Type: realtime.EventDelete, UserID: userID, Old: &domain.ActiveSession{Owner: userID}})
	}
	return nil
}

func (b *fakeBackend) emit(userID string, evt realtime.Event) {
	b.mu.Lock()
	listeners := b.listenersFor(userID)
	b.mu.Unlock()
	for _, h := range listeners {
		h(evt)
	}
}

func (b *fakeBackend) listenersFor(userID string) []realtime.Handler {
	var out []realtime.Handler
	for _, l := range b.subs {
		if l.userID == userID {
			out = append(out, l.handler)
		}
	}
	return out
}

func (b *fakeBackend) subscriberCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listenersFor(userID))
}

func (b *fakeBackend) row(userID string) (*domain.ActiveSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rows[userID]
	return r.session.Clone(), ok
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upserts, b.deletes
}

func (b *fakeBackend) Subscribe(_ context.Context, userID string, handler realtime.Handler) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fakeListener{userID: userID, handler: handler}
	return &fakeSubscription{backend: b, id: id}, nil
}

type fakeSubscription struct {
	backend *fakeBackend
	id      int
}

func (s *fakeSubscription) Unsubscribe(context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	delete(s.backend.subs, s.id)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// device wires a coordinator to real cache, queue and connectivity components.
type device struct {
	coord   *Coordinator
	cache   *localcache.Cache
	queue   *offline.Queue
	monitor *connectivity.Monitor
	notices *domain.NoticeBuffer
	guard   *serverstore.SchemaGuard
	stop    func()
}

type deviceOption func(*deviceConfig)

type deviceConfig struct {
	online   bool
	settings Settings
	clock    func() time.Time
	fs       afero.Fs
}

func offlineAtStart() deviceOption {
	return func(c *deviceConfig) { c.online = false }
}

func withSettings(s Settings) deviceOption {
	return func(c *deviceConfig) { c.settings = s }
}

func withClock(now func() time.Time) deviceOption {
	return func(c *deviceConfig) { c.clock = now }
}

func withFS(fs afero.Fs) deviceOption {
	return func(c *deviceConfig) { c.fs = fs }
}

func newDevice(t *testing.T, backend *fakeBackend, opts ...deviceOption) *device {
	t.Helper()
	cfg := deviceConfig{
		online:   true,
		settings: Settings{PublishDebounce: 20 * time.Millisecond, FlushInterval: time.Hour},
		fs:       afero.NewMemMapFs(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := log.New(testWriter{t}, "", 0)
	notices := domain.NewNoticeBuffer(10)
	guard := serverstore.NewSchemaGuard(notices, "sync unavailable")
	monitor := connectivity.NewMonitor("", 0, connectivity.WithInitial(cfg.online), connectivity.WithLogger(logger))
	cache := localcache.New(cfg.fs, "/cache", localcache.WithLogger(logger))
	queue := offline.NewQueue(offline.NewMemoryStore(), offline.NewSessionSender(backend),
		offline.WithOnline(monitor.Online),
		offline.WithSchemaReporter(guard),
		offline.WithLogger(logger),
	)

	opts2 := []Option{WithLogger(logger)}
	if cfg.clock != nil {
		opts2 = append(opts2, WithClock(cfg.clock))
	}
	coord := New(Deps{
		Cache:        cache,
		Server:       backend,
		Queue:        queue,
		Subscriber:   backend,
		Connectivity: monitor,
		Notifier:     notices,
		Guard:        guard,
	}, cfg.settings, opts2...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = coord.Run(ctx)
		close(done)
	}()

	d := &device{coord: coord, cache: cache, queue: queue, monitor: monitor, notices: notices, guard: guard}
	var once sync.Once
	d.stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(d.stop)
	return d
}

func (d *device) state() domain.SessionState {
	s, _ := d.coord.State()
	return s
}

func (d *device) eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
