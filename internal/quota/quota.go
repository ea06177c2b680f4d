package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshnerd/internal/logging"
)

// =============================================================================
// QUOTA - ROLLING WINDOW ADMISSION CONTROL
// =============================================================================
//
// A Quota tracks consumption against a rolling time window. Callers ask to
// consume some number of units (tokens, requests); when the window is
// saturated the call blocks until enough of the window has rolled past,
// then admits. Consumption is never rejected for being over budget, only
// delayed.
//
// Key behaviors:
// - The usage log is pruned lazily on each Consume, never by a timer.
// - A saturated Consume waits at most once, sized so the oldest entry has
//   left the window by the time it wakes.
// - The admitted entry is stamped with the time Consume was entered, even
//   when a wait happened in between.

// entry records one admitted consumption.
type entry struct {
	at     time.Time
	amount int64
}

// Config describes a single quota.
type Config struct {
	Name     string        // Quota identifier, e.g. "input_tokens"
	Capacity int64         // Max units admitted per rolling window
	Window   time.Duration // Rolling window length
}

// Quota admits unit consumption against a rolling window.
type Quota struct {
	name     string
	capacity int64
	window   time.Duration

	mu      sync.Mutex
	entries []entry // oldest first
}

// New creates a quota from config.
func New(cfg Config) (*Quota, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("quota name required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("quota %s: capacity must be positive, got %d", cfg.Name, cfg.Capacity)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("quota %s: window must be positive, got %v", cfg.Name, cfg.Window)
	}
	return &Quota{
		name:     cfg.Name,
		capacity: cfg.Capacity,
		window:   cfg.Window,
	}, nil
}

// Name returns the quota identifier.
func (q *Quota) Name() string { return q.name }

// Capacity returns the per-window unit budget.
func (q *Quota) Capacity() int64 { return q.capacity }

// Window returns the rolling window length.
func (q *Quota) Window() time.Duration { return q.window }

// Consume admits amount units, blocking while the window is saturated.
// Returns ctx.Err() if the context is cancelled during the wait; nothing
// is admitted in that case. Waiting itself is never an error, and no
// deadline is imposed on the wait beyond what ctx carries.
func (q *Quota) Consume(ctx context.Context, amount int64) error {
	now := time.Now()

	q.mu.Lock()
	q.pruneLocked(now)
	current := q.usageLocked()

	if current+amount > q.capacity {
		// Wait until the oldest entry leaves the window. With an empty
		// log this degenerates to a full-window wait, which also covers
		// a single request larger than the whole capacity.
		oldest := now
		if len(q.entries) > 0 {
			oldest = q.entries[0].at
		}
		wait := q.window - now.Sub(oldest)
		if wait > 0 {
			q.mu.Unlock()
			logging.Quota("quota %s: saturated (used=%d, want=%d, cap=%d), waiting %v",
				q.name, current, amount, q.capacity, wait)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				logging.QuotaWarn("quota %s: wait cancelled after %v: %v",
					q.name, time.Since(now), ctx.Err())
				return ctx.Err()
			case <-timer.C:
			}
			q.mu.Lock()
		}
	}

	q.entries = append(q.entries, entry{at: now, amount: amount})
	q.mu.Unlock()

	logging.QuotaDebug("quota %s: admitted %d units", q.name, amount)
	return nil
}

// pruneLocked drops leading entries that have aged out of the window.
// Entries exactly one window old are kept.
func (q *Quota) pruneLocked(now time.Time) {
	i := 0
	for i < len(q.entries) && now.Sub(q.entries[i].at) > q.window {
		i++
	}
	if i > 0 {
		q.entries = q.entries[i:]
	}
}

// usageLocked sums the amounts still in the log.
func (q *Quota) usageLocked() int64 {
	var sum int64
	for _, e := range q.entries {
		sum += e.amount
	}
	return sum
}

// Snapshot is a point-in-time view of a quota's window.
type Snapshot struct {
	Name     string
	Capacity int64
	Window   time.Duration
	Used     int64 // Units admitted within the current window
	Entries  int   // Log entries within the current window
}

// String returns a human-readable summary.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s: %d/%d used over %v (%d entries)",
		s.Name, s.Used, s.Capacity, s.Window, s.Entries)
}

// Snapshot reports in-window usage without mutating the log.
func (q *Quota) Snapshot() Snapshot {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		Name:     q.name,
		Capacity: q.capacity,
		Window:   q.window,
	}
	for _, e := range q.entries {
		if now.Sub(e.at) > q.window {
			continue
		}
		s.Used += e.amount
		s.Entries++
	}
	return s
}
