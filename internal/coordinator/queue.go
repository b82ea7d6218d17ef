package coordinator

import (
	"context"
	"fmt"
)

// reviewQueue is per-team bookkeeping for bounded-parallel review jobs.
// It exists only while jobs are queued or running; once it drains to
// zero it is discarded so idle teams hold no state.
type reviewQueue struct {
	pending []string // session ids awaiting a slot
	active  int
}

// slots returns the concurrent review limit: max(1, min(6, configured)).
func (c *Coordinator) slots() int {
	n := c.cfg.MaxParallelReviews
	if n < 1 {
		n = 1
	}
	if n > 6 {
		n = 6
	}
	return n
}

// enqueueReview pushes a review job for a member and kicks the drain loop.
func (c *Coordinator) enqueueReview(ctx context.Context, teamID, sessionID string) {
	c.mu.Lock()
	q, ok := c.queues[teamID]
	if !ok {
		q = &reviewQueue{}
		c.queues[teamID] = q
	}
	q.pending = append(q.pending, sessionID)
	c.mu.Unlock()

	c.drain(ctx, teamID)
}

// drain starts queued jobs while slots are free. Each job re-invokes
// drain on completion; when the queue is empty and nothing is active,
// the bookkeeping is dropped.
func (c *Coordinator) drain(ctx context.Context, teamID string) {
	for {
		c.mu.Lock()
		q, ok := c.queues[teamID]
		if !ok {
			c.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			if q.active == 0 {
				delete(c.queues, teamID)
			}
			c.mu.Unlock()
			return
		}
		if q.active >= c.slots() {
			c.mu.Unlock()
			return
		}
		sessionID := q.pending[0]
		q.pending = q.pending[1:]
		q.active++
		c.mu.Unlock()

		go c.runJob(ctx, teamID, sessionID)
	}
}

// runJob executes one review job and releases its slot. A panicking
// pipeline backend must not crash the process or starve the lead, so
// the recover lives directly in this deferred closure and falls back to
// the force-relay path.
func (c *Coordinator) runJob(ctx context.Context, teamID, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorCtx("recovered panic", map[string]any{"entry": "runJob", "panic": fmt.Sprint(r)})
			if member, err := c.registry.Member(teamID, sessionID); err == nil {
				c.recoverWithRelay(ctx, teamID, member, fmt.Errorf("review job panic: %v", r))
			}
		}

		c.mu.Lock()
		if q, ok := c.queues[teamID]; ok {
			q.active--
		}
		c.mu.Unlock()

		c.drain(ctx, teamID)
	}()

	c.runIndividualQualityGates(ctx, teamID, sessionID)
}

// QueueDepth reports pending and active review jobs for a team.
func (c *Coordinator) QueueDepth(teamID string) (pending, active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[teamID]; ok {
		return len(q.pending), q.active
	}
	return 0, 0
}
