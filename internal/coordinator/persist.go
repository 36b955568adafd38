package coordinator

import (
	"context"
	"time"

	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/offline"
)

// persistJob is a server write for one user. A nil session deletes the row.
type persistJob struct {
	seq     uint64
	userID  string
	session *domain.ActiveSession
}

func (j persistJob) request() (offline.Request, error) {
	if j.session == nil {
		return offline.SessionDeleteRequest(j.userID), nil
	}
	return offline.SessionUpsertRequest(j.session)
}

// schedulePersist replaces any pending write; only the latest one is sent
// once the debounce interval passes without another change.
func (c *Coordinator) schedulePersist(job persistJob) {
	c.writeSeq++
	job.seq = c.writeSeq
	c.pending = &job

	if c.debounce != nil {
		c.debounce.Stop()
	}
	seq := job.seq
	c.debounce = time.AfterFunc(c.settings.PublishDebounce, func() {
		c.post(event{trigger: triggerPublishDue, seq: seq})
	})
}

func (c *Coordinator) cancelPending() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.pending = nil
}

func (c *Coordinator) onPublishDue(ev event) error {
	if c.pending == nil || c.pending.seq != ev.seq {
		return domain.ErrStaleEvent
	}
	job := *c.pending
	c.pending = nil
	c.debounce = nil
	c.sendToWorker(job)
	return nil
}

func (c *Coordinator) sendToWorker(job persistJob) {
	if c.degraded() {
		skippedWrites.Inc()
		return
	}
	select {
	case c.writes <- job:
	case <-c.done:
	}
}

// persistWorker writes session changes through the offline queue in order,
// then attempts delivery straight away.
func (c *Coordinator) persistWorker(ctx context.Context) {
	defer c.bg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.writes:
			if !c.enqueue(ctx, job) {
				continue
			}
			c.flush(ctx)
		}
	}
}

func (c *Coordinator) enqueue(ctx context.Context, job persistJob) bool {
	if c.deps.Queue == nil {
		return false
	}
	req, err := job.request()
	if err != nil {
		c.logger.Printf("encode session write (user=%s): %v", job.userID, err)
		return false
	}
	if _, err := c.deps.Queue.Supersede(ctx, req); err != nil {
		c.logger.Printf("queue session write (user=%s): %v", job.userID, err)
		return false
	}
	return true
}

func (c *Coordinator) flush(ctx context.Context) {
	if c.deps.Queue == nil {
		return
	}
	if _, err := c.deps.Queue.Flush(ctx, offline.FlushOptions{MaxBatch: c.settings.FlushBatchSize}); err != nil && ctx.Err() == nil {
		c.logger.Printf("flush failed: %v", err)
	}
}
