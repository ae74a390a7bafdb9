// Package ratelimit implements fixed-window request limiting keyed by
// arbitrary subjects (client IPs, function IDs). A Redis-backed coordinator
// shares windows across instances; the in-process limiter serves as the
// standalone mode and as the fallback when Redis is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Decision is the outcome of one limit check. ResetAt is when the current
// window closes and the counter restarts.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds a client should wait before retrying,
// never less than one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter answers whether one more request fits the subject's current window,
// counting the request if it does.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
	// Clear forgets all tracked windows. Intended for tests and admin resets.
	Clear(ctx context.Context) error
}

// IPSubject returns the limiter key for a client address.
func IPSubject(ip string) string { return "ip:" + ip }

// FunctionSubject returns the limiter key for a function.
func FunctionSubject(id string) string { return "fn:" + id }

// counter tracks one subject's current window.
type counter struct {
	start int64 // window start, unix ms
	span  int64 // window length, ms
	count int
}

// FixedWindow is the in-process limiter. Windows are aligned to multiples of
// their span so all instances using the same clock agree on boundaries.
type FixedWindow struct {
	counters *counterTable
	now      func() time.Time
	stop     chan struct{}
}

// NewFixedWindow creates an in-process limiter and starts its cleanup loop.
func NewFixedWindow() *FixedWindow {
	fw := &FixedWindow{
		counters: newCounterTable(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go fw.cleanupLoop()
	return fw
}

// Allow checks and counts one request for key.
func (fw *FixedWindow) Allow(_ context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: fw.now()}
	}

	nowMs := fw.now().UnixMilli()
	spanMs := window.Milliseconds()
	start := nowMs - nowMs%spanMs

	var allowed bool
	var remaining int
	fw.counters.update(fmt.Sprintf("%s|%d", key, spanMs), func(c *counter) {
		c.span = spanMs
		if c.start != start {
			c.start = start
			c.count = 0
		}
		allowed = c.count < limit
		if allowed {
			c.count++
		}
		remaining = limit - c.count
		if remaining < 0 {
			remaining = 0
		}
	})

	return Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(start + spanMs),
	}
}

// Clear drops all counters.
func (fw *FixedWindow) Clear(context.Context) error {
	fw.counters.reset()
	return nil
}

// Close stops the cleanup loop.
func (fw *FixedWindow) Close() {
	select {
	case <-fw.stop:
	default:
		close(fw.stop)
	}
}

func (fw *FixedWindow) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-fw.stop:
			return
		case <-ticker.C:
			nowMs := fw.now().UnixMilli()
			fw.counters.prune(func(c *counter) bool {
				// Two spans stale means the window closed long ago.
				return nowMs-c.start > 2*c.span
			})
		}
	}
}
