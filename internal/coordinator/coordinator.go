// Package coordinator owns the in-memory active session view and reconciles it
// with the local cache, the server store, the realtime channel and the offline queue.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/offline"
	"example.com/sessionsync/internal/realtime"
)

var (
	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("coordinator stopped")
	// ErrNoActiveSession is returned when updating without a live session.
	ErrNoActiveSession = errors.New("no active session")
)

// LocalCache is the device-local session snapshot store.
type LocalCache interface {
	Load(userID string) (*domain.ActiveSession, time.Time, bool)
	Save(userID string, session *domain.ActiveSession, savedAt time.Time) error
	Clear(userID string)
}

// SessionFetcher reads the authoritative session row.
type SessionFetcher interface {
	Fetch(ctx context.Context, userID string) (*domain.ActiveSession, time.Time, error)
}

// Queue is the offline mutation queue used for every server write.
type Queue interface {
	Supersede(ctx context.Context, req offline.Request) (offline.Mutation, error)
	Flush(ctx context.Context, opts offline.FlushOptions) (offline.FlushResult, error)
	Summary(ctx context.Context) (domain.SyncState, error)
	Changes() <-chan struct{}
}

// Connectivity reports reachability of the sync backend.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// SchemaGuard remembers whether the server schema is missing.
type SchemaGuard interface {
	Observe(err error) error
	Degraded() bool
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Cache        LocalCache
	Server       SessionFetcher
	Queue        Queue
	Subscriber   realtime.Subscriber
	FreshRemover func(context.Context) (realtime.Remover, error)
	Connectivity Connectivity
	Notifier     domain.Notifier
	Guard        SchemaGuard
}

// Settings tune timing behaviour.
type Settings struct {
	SuppressionWindow  time.Duration
	PublishDebounce    time.Duration
	FlushInterval      time.Duration
	FlushBatchSize     int
	ResubscribeDelay   time.Duration
	EndedElsewhereText string
}

func (s Settings) withDefaults() Settings {
	if s.SuppressionWindow <= 0 {
		s.SuppressionWindow = 8 * time.Second
	}
	if s.PublishDebounce <= 0 {
		s.PublishDebounce = 900 * time.Millisecond
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = 15 * time.Second
	}
	if s.FlushBatchSize <= 0 {
		s.FlushBatchSize = 8
	}
	if s.ResubscribeDelay <= 0 {
		s.ResubscribeDelay = 5 * time.Second
	}
	if s.EndedElsewhereText == "" {
		s.EndedElsewhereText = "Your workout was finished on another device."
	}
	return s
}

// Option configures optional behaviour for the Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Listener observes the session view. A nil session means no active session.
type Listener func(*domain.ActiveSession)

type snapshot struct {
	userID  string
	state   domain.SessionState
	session *domain.ActiveSession
}

// Coordinator is the single writer of the active session view. All state
// transitions happen on the goroutine running Run.
type Coordinator struct {
	deps     Deps
	settings Settings
	logger   *log.Logger
	now      func() time.Time
	handlers map[trigger]handlerFunc

	events  chan event
	writes  chan persistJob
	changed chan struct{}
	done    chan struct{}
	running atomic.Bool
	bg      sync.WaitGroup
	runCtx  context.Context

	current atomic.Pointer[snapshot]

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	// loop-owned
	userID        string
	generation    uint64
	state         domain.SessionState
	view          *domain.ActiveSession
	fetchStale    bool
	suppressUntil time.Time
	endedAt       time.Time
	sub           realtime.Subscription
	pending       *persistJob
	debounce      *time.Timer
	resubscribe   *time.Timer
	writeSeq      uint64
	fetching      bool
	online        bool
}

// New constructs a Coordinator. Call Run to start processing.
func New(deps Deps, settings Settings, opts ...Option) *Coordinator {
	c := &Coordinator{
		deps:      deps,
		settings:  settings.withDefaults(),
		logger:    log.New(log.Writer(), "[coordinator] ", log.LstdFlags|log.Lshortfile),
		now:       func() time.Time { return time.Now().UTC() },
		events:    make(chan event, 64),
		writes:    make(chan persistJob, 64),
		changed:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		listeners: make(map[int]Listener),
		state:     domain.SessionStateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handlers = c.registerHandlers()
	c.current.Store(&snapshot{state: domain.SessionStateIdle})
	return c
}

// Run processes triggers until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator already running")
	}
	c.runCtx = ctx

	var connCh <-chan bool
	if c.deps.Connectivity != nil {
		ch, cancel := c.deps.Connectivity.Subscribe()
		defer cancel()
		connCh = ch
		c.online = c.deps.Connectivity.Online()
	} else {
		c.online = true
	}

	var queueCh <-chan struct{}
	if c.deps.Queue != nil {
		queueCh = c.deps.Queue.Changes()
	}

	ticker := time.NewTicker(c.settings.FlushInterval)
	defer ticker.Stop()

	c.bg.Add(2)
	go c.persistWorker(ctx)
	go c.deliverChanges(ctx)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case ev := <-c.events:
			c.dispatch(ev)
		case online := <-connCh:
			c.dispatch(event{trigger: triggerConnectivityChanged, online: online})
		case <-queueCh:
			c.dispatch(event{trigger: triggerQueueChanged})
		case <-ticker.C:
			c.dispatch(event{trigger: triggerFlushTick})
		}
	}
}

func (c *Coordinator) shutdown() {
	if c.debounce != nil {
		c.debounce.Stop()
	}
	if c.resubscribe != nil {
		c.resubscribe.Stop()
	}
	close(c.done)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if c.sub != nil {
		realtime.Teardown(ctx, c.sub, c.deps.FreshRemover, c.logger)
		c.sub = nil
	}
	c.bg.Wait()

	for drained := false; !drained; {
		select {
		case ev := <-c.events:
			if ev.trigger == triggerSubscribed && ev.sub != nil {
				realtime.Teardown(ctx, ev.sub, c.deps.FreshRemover, c.logger)
			}
			if ev.reply != nil {
				ev.reply <- ErrStopped
			}
		default:
			drained = true
		}
	}

	// the persist worker has stopped; keep unsent writes for the next start
	for drained := false; !drained; {
		select {
		case job := <-c.writes:
			c.enqueue(ctx, job)
		default:
			drained = true
		}
	}
	if c.pending != nil {
		c.enqueue(ctx, *c.pending)
		c.pending = nil
	}
}

// post hands an event to the loop. It never blocks once the loop has stopped.
func (c *Coordinator) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) call(ctx context.Context, ev event) error {
	reply := make(chan error, 1)
	ev.reply = reply
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Identify starts the boot reconciliation for userID. Identifying the
// current user again is a no-op.
func (c *Coordinator) Identify(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrNoUser
	}
	return c.call(ctx, event{trigger: triggerUserIdentified, userID: userID})
}

// Logout tears down the realtime subscription and forgets the view.
func (c *Coordinator) Logout(ctx context.Context) error {
	return c.call(ctx, event{trigger: triggerUserCleared})
}

// StartSession begins a new session, superseding any previous one.
func (c *Coordinator) StartSession(ctx context.Context, workout json.RawMessage) error {
	return c.call(ctx, event{trigger: triggerCommand, command: commandStart, workout: workout})
}

// UpdateSession replaces the workout of the live session.
func (c *Coordinator) UpdateSession(ctx context.Context, workout json.RawMessage) error {
	return c.call(ctx, event{trigger: triggerCommand, command: commandUpdate, workout: workout})
}

// SaveSession updates the live session, or starts one when none is live.
// started reports which of the two happened.
func (c *Coordinator) SaveSession(ctx context.Context, workout json.RawMessage) (started bool, err error) {
	var didStart bool
	err = c.call(ctx, event{trigger: triggerCommand, command: commandSave, workout: workout, started: &didStart})
	if err != nil {
		return false, err
	}
	return didStart, nil
}

// FinishSession ends the live session on every device.
func (c *Coordinator) FinishSession(ctx context.Context) error {
	return c.call(ctx, event{trigger: triggerCommand, command: commandFinish})
}

// GetActiveSession returns a copy of the current view or nil.
func (c *Coordinator) GetActiveSession() *domain.ActiveSession {
	return c.current.Load().session.Clone()
}

// State returns the lifecycle state and the identified user.
func (c *Coordinator) State() (domain.SessionState, string) {
	snap := c.current.Load()
	return snap.state, snap.userID
}

// OnSessionChanged registers listener and returns a func removing it.
// Listeners run on a dedicated goroutine and observe the latest view.
func (c *Coordinator) OnSessionChanged(listener Listener) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// SyncState summarises connectivity and the offline queue.
func (c *Coordinator) SyncState(ctx context.Context) (domain.SyncState, error) {
	if c.deps.Queue == nil {
		online := true
		if c.deps.Connectivity != nil {
			online = c.deps.Connectivity.Online()
		}
		return domain.SyncState{Online: online}, nil
	}
	return c.deps.Queue.Summary(ctx)
}

// FlushNow runs a flush pass on behalf of the user.
func (c *Coordinator) FlushNow(ctx context.Context, maxBatch int) (offline.FlushResult, error) {
	if c.deps.Queue == nil {
		return offline.FlushResult{Skipped: true, Reason: "no queue"}, nil
	}
	return c.deps.Queue.Flush(ctx, offline.FlushOptions{MaxBatch: maxBatch})
}

func (c *Coordinator) publishSnapshot() {
	c.current.Store(&snapshot{userID: c.userID, state: c.state, session: c.view.Clone()})
	stateGauge.Set(stateValue(c.state))
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Coordinator) deliverChanges(ctx context.Context) {
	defer c.bg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.changed:
		}
		session := c.current.Load().session

		c.listenersMu.Lock()
		listeners := make([]Listener, 0, len(c.listeners))
		for _, l := range c.listeners {
			listeners = append(listeners, l)
		}
		c.listenersMu.Unlock()

		for _, l := range listeners {
			l(session.Clone())
		}
	}
}
