// Package ratelimit tracks outbound API usage in a rolling window and
// recommends poll throttling before the service's rate limit is reached.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// moderateUsage is the window usage ratio above which polling slows to
	// the moderate interval.
	moderateUsage = 0.5
	// highUsage is the window usage ratio above which polling slows to the
	// slow interval.
	highUsage = 0.8
	// moderateInterval and slowInterval are the recommended minimum poll
	// intervals for the two pressure levels.
	moderateInterval = 5 * time.Second
	slowInterval     = 30 * time.Second
)

// Limiter counts requests in a sliding time window. Callers record every
// request they send; the poll scheduler asks for a throttle recommendation
// each tick.
type Limiter struct {
	window      time.Duration
	maxRequests int

	mu         sync.Mutex
	timestamps []time.Time

	now func() time.Time
}

// New creates a Limiter for the given window and request budget. The budget
// should sit well below the service's actual limit to leave headroom for
// backfill and metadata traffic.
func New(window time.Duration, maxRequests int) *Limiter {
	return &Limiter{
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// Record counts n requests against the window.
func (l *Limiter) Record(n int) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < n; i++ {
		l.timestamps = append(l.timestamps, now)
	}
	l.expire(now)
}

// RequestsInWindow returns the number of requests recorded inside the
// current window.
func (l *Limiter) RequestsInWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expire(l.now())
	return len(l.timestamps)
}

// UsageRatio returns current usage as a ratio of the budget. Values above
// 1.0 mean the budget is exceeded.
func (l *Limiter) UsageRatio() float64 {
	if l.maxRequests <= 0 {
		return 0
	}
	return float64(l.RequestsInWindow()) / float64(l.maxRequests)
}

// Throttle returns the recommended minimum poll interval for the current
// usage level, or zero when no throttling is needed.
func (l *Limiter) Throttle() time.Duration {
	usage := l.UsageRatio()
	switch {
	case usage > highUsage:
		return slowInterval
	case usage > moderateUsage:
		return moderateInterval
	default:
		return 0
	}
}

// Stats describes the limiter state for monitoring endpoints.
type Stats struct {
	RequestsInWindow int     `json:"requests_in_window"`
	MaxRequests      int     `json:"max_requests"`
	UsageRatio       float64 `json:"usage_ratio"`
	WindowSeconds    int     `json:"window_seconds"`
}

// GetStats returns a snapshot of the limiter state.
func (l *Limiter) GetStats() Stats {
	count := l.RequestsInWindow()
	ratio := 0.0
	if l.maxRequests > 0 {
		ratio = float64(count) / float64(l.maxRequests)
	}
	return Stats{
		RequestsInWindow: count,
		MaxRequests:      l.maxRequests,
		UsageRatio:       ratio,
		WindowSeconds:    int(l.window.Seconds()),
	}
}

// expire drops timestamps outside the window. Callers must hold mu.
func (l *Limiter) expire(now time.Time) {
	cutoff := now.Add(-l.window)
	valid := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	l.timestamps = valid
}
