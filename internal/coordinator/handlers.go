package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/observability"
	"example.com/sessionsync/internal/realtime"
)

// ErrInvalidWorkout is returned when a command carries an empty or malformed workout.
var ErrInvalidWorkout = errors.New("workout must be a non-null JSON value")

type trigger string

const (
	triggerUserIdentified      trigger = "userIdentified"
	triggerUserCleared         trigger = "userCleared"
	triggerServerFetched       trigger = "serverFetched"
	triggerSubscribed          trigger = "subscribed"
	triggerSubscribeRetry      trigger = "subscribeRetry"
	triggerRealtimeEvent       trigger = "realtimeEvent"
	triggerConnectivityChanged trigger = "connectivityChanged"
	triggerQueueChanged        trigger = "queueChanged"
	triggerFlushTick           trigger = "flushTick"
	triggerCommand             trigger = "command"
	triggerPublishDue          trigger = "publishDue"
)

type command string

const (
	commandStart  command = "start"
	commandUpdate command = "update"
	commandSave   command = "save"
	commandFinish command = "finish"
)

type event struct {
	trigger    trigger
	generation uint64
	userID     string
	online     bool
	command    command
	workout    json.RawMessage
	realtime   realtime.Event
	fetched    *domain.ActiveSession
	updatedAt  time.Time
	err        error
	sub        realtime.Subscription
	seq        uint64
	started    *bool
	reply      chan error
}

type handlerFunc func(event) error

func (c *Coordinator) registerHandlers() map[trigger]handlerFunc {
	return map[trigger]handlerFunc{
		triggerUserIdentified:      c.onUserIdentified,
		triggerUserCleared:         c.onUserCleared,
		triggerServerFetched:       c.onServerFetched,
		triggerSubscribed:          c.onSubscribed,
		triggerSubscribeRetry:      c.onSubscribeRetry,
		triggerRealtimeEvent:       c.onRealtimeEvent,
		triggerConnectivityChanged: c.onConnectivityChanged,
		triggerQueueChanged:        c.onQueueChanged,
		triggerFlushTick:           c.onFlushTick,
		triggerCommand:             c.onCommand,
		triggerPublishDue:          c.onPublishDue,
	}
}

func (c *Coordinator) dispatch(ev event) {
	handler, ok := c.handlers[ev.trigger]
	if !ok {
		c.logger.Printf("no handler for trigger %s", ev.trigger)
		return
	}
	triggerCounter.WithLabelValues(string(ev.trigger)).Inc()

	err := handler(ev)
	if errors.Is(err, domain.ErrStaleEvent) {
		discardedCounter.WithLabelValues(string(ev.trigger)).Inc()
		err = nil
	}
	if ev.reply != nil {
		ev.reply <- err
	}
}

// spawn runs fn off the loop. Only the loop calls spawn.
func (c *Coordinator) spawn(fn func(context.Context)) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(c.runCtx)
	}()
}

func (c *Coordinator) degraded() bool {
	return c.deps.Guard != nil && c.deps.Guard.Degraded()
}

func (c *Coordinator) onUserIdentified(ev event) error {
	if ev.userID == c.userID {
		return nil
	}
	if c.userID != "" {
		c.releaseUser()
	}

	c.generation++
	c.userID = ev.userID
	c.state = domain.SessionStateReconciling
	c.view = nil
	if cached, _, ok := c.deps.Cache.Load(c.userID); ok {
		c.view = cached
	}
	c.publishSnapshot()

	gen, userID := c.generation, c.userID
	if c.deps.Server == nil || c.degraded() {
		c.finishReconcile()
	} else {
		c.fetching = true
		c.spawn(func(ctx context.Context) {
			session, updatedAt, err := c.deps.Server.Fetch(ctx, userID)
			c.post(event{trigger: triggerServerFetched, generation: gen, fetched: session, updatedAt: updatedAt, err: err})
		})
	}
	c.subscribe(gen, userID)
	c.requestFlush()
	return nil
}

func (c *Coordinator) onUserCleared(event) error {
	if c.userID == "" {
		return nil
	}
	c.releaseUser()
	c.publishSnapshot()
	return nil
}

// releaseUser invalidates every in-flight result for the current user.
func (c *Coordinator) releaseUser() {
	c.generation++
	if c.pending != nil {
		job := *c.pending
		c.cancelPending()
		c.sendToWorker(job)
	}
	if c.resubscribe != nil {
		c.resubscribe.Stop()
		c.resubscribe = nil
	}
	if c.sub != nil {
		sub := c.sub
		c.sub = nil
		c.spawn(func(ctx context.Context) {
			realtime.Teardown(ctx, sub, c.deps.FreshRemover, c.logger)
		})
	}
	c.userID = ""
	c.view = nil
	c.state = domain.SessionStateIdle
	c.fetching = false
	c.fetchStale = false
	c.suppressUntil = time.Time{}
	c.endedAt = time.Time{}
}

func (c *Coordinator) onServerFetched(ev event) error {
	if ev.generation != c.generation {
		return domain.ErrStaleEvent
	}
	c.fetching = false
	defer c.finishReconcile()
	observability.RecordSessionReconciled(c.now())

	if c.fetchStale {
		c.fetchStale = false
		reconcileCounter.WithLabelValues("superseded").Inc()
		return domain.ErrStaleEvent
	}
	if ev.err != nil {
		if c.deps.Guard != nil {
			c.deps.Guard.Observe(ev.err)
		}
		c.logger.Printf("server fetch failed, keeping local view (user=%s): %v", c.userID, ev.err)
		reconcileCounter.WithLabelValues("error").Inc()
		return nil
	}
	if !ev.fetched.IsLive() {
		reconcileCounter.WithLabelValues("empty").Inc()
		return nil
	}

	recency := domain.EffectiveRecency(ev.updatedAt, ev.fetched)
	var local time.Time
	if c.view != nil {
		local = c.view.SavedAt
	}
	if !recency.After(local) {
		reconcileCounter.WithLabelValues("local").Inc()
		return nil
	}

	adopted := ev.fetched.Clone()
	adopted.Owner = c.userID
	adopted.SavedAt = recency
	c.view = adopted
	c.saveCache()
	reconcileCounter.WithLabelValues("server").Inc()
	return nil
}

func (c *Coordinator) finishReconcile() {
	if c.state == domain.SessionStateReconciling {
		if c.view.IsLive() {
			c.state = domain.SessionStateLive
		} else {
			c.state = domain.SessionStateIdle
		}
	}
	c.publishSnapshot()
}

func (c *Coordinator) subscribe(gen uint64, userID string) {
	if c.deps.Subscriber == nil {
		return
	}
	c.spawn(func(ctx context.Context) {
		sub, err := c.deps.Subscriber.Subscribe(ctx, userID, func(evt realtime.Event) {
			c.post(event{trigger: triggerRealtimeEvent, generation: gen, realtime: evt})
		})
		if !c.post(event{trigger: triggerSubscribed, generation: gen, sub: sub, err: err}) && sub != nil {
			realtime.Teardown(context.Background(), sub, c.deps.FreshRemover, c.logger)
		}
	})
}

func (c *Coordinator) onSubscribed(ev event) error {
	if ev.generation != c.generation {
		if ev.sub != nil {
			sub := ev.sub
			c.spawn(func(ctx context.Context) {
				realtime.Teardown(ctx, sub, c.deps.FreshRemover, c.logger)
			})
		}
		return domain.ErrStaleEvent
	}
	if ev.err != nil {
		c.logger.Printf("realtime subscribe failed (user=%s): %v", c.userID, ev.err)
		subscribeFailures.Inc()
		gen := c.generation
		c.resubscribe = time.AfterFunc(c.settings.ResubscribeDelay, func() {
			c.post(event{trigger: triggerSubscribeRetry, generation: gen})
		})
		return nil
	}
	c.sub = ev.sub
	return nil
}

func (c *Coordinator) onSubscribeRetry(ev event) error {
	if ev.generation != c.generation || c.sub != nil || c.userID == "" {
		return domain.ErrStaleEvent
	}
	c.resubscribe = nil
	c.subscribe(c.generation, c.userID)
	return nil
}

func (c *Coordinator) onRealtimeEvent(ev event) error {
	if ev.generation != c.generation || c.userID == "" {
		return domain.ErrStaleEvent
	}
	evt := ev.realtime
	now := c.now()

	if evt.Type == realtime.EventDelete {
		if !c.suppressUntil.IsZero() {
			active := now.Before(c.suppressUntil)
			c.suppressUntil = time.Time{}
			if active {
				suppressedCounter.Inc()
				return nil
			}
		}
		// nothing to end unless a session is shown or may still arrive from the fetch
		c.endSession(c.view != nil || c.fetching)
		return nil
	}

	if !evt.New.IsLive() {
		c.endSession(false)
		return nil
	}

	if c.view != nil && !evt.New.SavedAt.After(c.view.SavedAt) {
		return domain.ErrStaleEvent
	}
	// late copies of a session this device already saw end
	if c.view == nil && !c.endedAt.IsZero() && !lastTouched(evt.New).After(c.endedAt) {
		return domain.ErrStaleEvent
	}
	adopted := evt.New.Clone()
	adopted.Owner = c.userID
	if adopted.SavedAt.IsZero() {
		adopted.SavedAt = now
	}
	c.view = adopted
	if !c.fetching {
		c.state = domain.SessionStateLive
	}
	c.saveCache()
	c.publishSnapshot()
	return nil
}

// endSession clears the view after a remote end. A fetch still in flight can
// only carry the ended session, so it is marked stale.
func (c *Coordinator) endSession(notify bool) {
	if c.fetching {
		c.fetchStale = true
	}
	c.cancelPending()
	c.markEnded()
	c.deps.Cache.Clear(c.userID)
	c.state = domain.SessionStateEnded
	c.publishSnapshot()

	if notify && c.deps.Notifier != nil {
		c.deps.Notifier.Notify(domain.Notice{
			Kind:    domain.NoticeEndedElsewhere,
			Text:    c.settings.EndedElsewhereText,
			UserID:  c.userID,
			Emitted: c.now(),
		})
		endedElsewhereCounter.Inc()
	}
}

func (c *Coordinator) onConnectivityChanged(ev event) error {
	was := c.online
	c.online = ev.online
	if !was && ev.online {
		c.requestFlush()
		if c.userID != "" && c.sub == nil && c.resubscribe == nil {
			c.subscribe(c.generation, c.userID)
		}
	}
	return nil
}

func (c *Coordinator) onQueueChanged(event) error {
	c.requestFlush()
	return nil
}

func (c *Coordinator) onFlushTick(event) error {
	c.requestFlush()
	return nil
}

func (c *Coordinator) requestFlush() {
	if !c.online || c.deps.Queue == nil {
		return
	}
	c.spawn(c.flush)
}

func (c *Coordinator) onCommand(ev event) error {
	if c.userID == "" {
		return domain.ErrNoUser
	}
	if ev.command == commandSave {
		ev.command = commandUpdate
		if !c.view.IsLive() {
			ev.command = commandStart
			*ev.started = true
		}
	}
	switch ev.command {
	case commandStart:
		if !validWorkout(ev.workout) {
			return ErrInvalidWorkout
		}
		now := c.stamp()
		c.view = &domain.ActiveSession{
			Owner:     c.userID,
			StartedAt: now,
			Workout:   append(json.RawMessage(nil), ev.workout...),
			SavedAt:   now,
		}
		c.state = domain.SessionStateLive
	case commandUpdate:
		if !c.view.IsLive() {
			return ErrNoActiveSession
		}
		if !validWorkout(ev.workout) {
			return ErrInvalidWorkout
		}
		updated := c.view.Clone()
		updated.Workout = append(json.RawMessage(nil), ev.workout...)
		updated.SavedAt = c.stamp()
		c.view = updated
	case commandFinish:
		c.suppressUntil = c.now().Add(c.settings.SuppressionWindow)
		if c.fetching {
			c.fetchStale = true
		}
		c.markEnded()
		c.deps.Cache.Clear(c.userID)
		c.state = domain.SessionStateEnded
		c.publishSnapshot()
		c.schedulePersist(persistJob{userID: c.userID})
		return nil
	default:
		return fmt.Errorf("unknown command %q", ev.command)
	}

	c.saveCache()
	c.publishSnapshot()
	c.schedulePersist(persistJob{userID: c.userID, session: c.view.Clone()})
	return nil
}

// markEnded drops the view and remembers how recent it was.
func (c *Coordinator) markEnded() {
	if c.view != nil {
		if t := lastTouched(c.view); t.After(c.endedAt) {
			c.endedAt = t
		}
	}
	c.view = nil
}

func lastTouched(s *domain.ActiveSession) time.Time {
	if s.StartedAt.After(s.SavedAt) {
		return s.StartedAt
	}
	return s.SavedAt
}

// stamp returns a save time strictly after the current view's.
func (c *Coordinator) stamp() time.Time {
	now := c.now()
	if c.view != nil && !now.After(c.view.SavedAt) {
		now = c.view.SavedAt.Add(time.Millisecond)
	}
	return now
}

func (c *Coordinator) saveCache() {
	if c.view == nil {
		return
	}
	if err := c.deps.Cache.Save(c.userID, c.view, c.view.SavedAt); err != nil {
		c.logger.Printf("local cache write failed (user=%s): %v", c.userID, err)
	}
}

func validWorkout(raw json.RawMessage) bool {
	probe := domain.ActiveSession{StartedAt: time.Unix(1, 0), Workout: raw}
	return probe.IsLive() && json.Valid(raw)
}
