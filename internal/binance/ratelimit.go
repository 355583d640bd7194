package binance

import (
	"context"
	"sync"
	"time"
)

// weightWindow is the sliding window the exchange meters request weight
// over.
const weightWindow = time.Minute

type weightEntry struct {
	at     time.Time
	weight int
}

// weightLimiter is a sliding-window limiter over request weight. The local
// window is corrected by the server's X-MBX-USED-WEIGHT-1M header whenever a
// response reports more usage than we accounted for.
type weightLimiter struct {
	limit int

	mu         sync.Mutex
	entries    []weightEntry
	serverUsed int
	serverAt   time.Time
}

func newWeightLimiter(limitPerMinute int) *weightLimiter {
	return &weightLimiter{limit: limitPerMinute}
}

func (l *weightLimiter) usedLocked(now time.Time) int {
	cutoff := now.Add(-weightWindow)
	keep := l.entries[:0]
	used := 0
	for _, e := range l.entries {
		if e.at.After(cutoff) {
			keep = append(keep, e)
			used += e.weight
		}
	}
	l.entries = keep
	if !l.serverAt.IsZero() && l.serverAt.After(cutoff) && l.serverUsed > used {
		used = l.serverUsed
	}
	return used
}

// Acquire blocks until weight fits in the window or ctx is cancelled.
func (l *weightLimiter) Acquire(ctx context.Context, weight int) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if l.usedLocked(now)+weight <= l.limit {
			l.entries = append(l.entries, weightEntry{at: now, weight: weight})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Observe records the server-reported used weight for the current window.
func (l *weightLimiter) Observe(usedWeight int) {
	if usedWeight <= 0 {
		return
	}
	l.mu.Lock()
	l.serverUsed = usedWeight
	l.serverAt = time.Now()
	l.mu.Unlock()
}
