package session

import (
	"time"

	"golang.org/x/time/rate"
)

// coalescer decides when a render snapshot may be pushed. It allows one
// snapshot per interval; a snapshot requested sooner is deferred until the
// reserved slot, and further requests before then share that slot.
type coalescer struct {
	limiter *rate.Limiter
	timer   *time.Timer
	due     <-chan time.Time
}

func newCoalescer(interval time.Duration) *coalescer {
	if interval <= 0 {
		return &coalescer{}
	}
	return &coalescer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// request reports whether a snapshot should be pushed now. When it returns
// false a flush is scheduled on C, unless one is already pending.
func (c *coalescer) request(now time.Time) bool {
	if c.limiter == nil {
		return true
	}
	if c.due != nil {
		return false
	}
	r := c.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true
	}
	c.timer = time.NewTimer(delay)
	c.due = c.timer.C
	return false
}

// C fires when a deferred snapshot is due. It is nil when nothing is pending.
func (c *coalescer) C() <-chan time.Time {
	return c.due
}

// fired clears the pending flush after C delivered
func (c *coalescer) fired() {
	c.timer = nil
	c.due = nil
}

// stop clears any pending flush
func (c *coalescer) stop() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = nil
	c.due = nil
}
