// Package progress carries byte-level progress from long-running steps to
// whoever is watching.
package progress

import (
	"sync"
	"time"
)

// Interval is the minimum spacing between two reported updates.
const Interval = 16 * time.Millisecond

// Func receives percent in [0,100], bytes done and bytes expected.
// total may be 0 when the size is unknown.
type Func func(percent float64, current, total int64)

// Percent returns current/total in percent, 0 when total is unknown.
func Percent(current, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(current) * 100 / float64(total)
}

// Throttle rate-limits a Func. The first Update and every Done are always
// delivered; anything in between at most once per Interval.
type Throttle struct {
	fn      Func
	every   time.Duration
	mu      sync.Mutex
	last    time.Time
	started bool
}

// NewThrottle wraps fn. A nil fn makes every call a no-op.
func NewThrottle(fn Func) *Throttle {
	return &Throttle{fn: fn, every: Interval}
}

// Update reports progress if enough time passed since the previous report.
func (t *Throttle) Update(current, total int64) {
	if t == nil || t.fn == nil {
		return
	}
	t.mu.Lock()
	now := time.Now()
	if t.started && now.Sub(t.last) < t.every {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.last = now
	t.mu.Unlock()
	t.fn(Percent(current, total), current, total)
}

// Done always reports.
func (t *Throttle) Done(current, total int64) {
	if t == nil || t.fn == nil {
		return
	}
	t.mu.Lock()
	t.started = true
	t.last = time.Now()
	t.mu.Unlock()
	t.fn(Percent(current, total), current, total)
}
