package orchestrator

import (
	"math/rand"
	"time"
)

// backoff computes spec.md §4.G's reconnect delay: exponential from a 1s
// base, capped at 30s, with ±20% jitter, reset to the base once a pipeline
// has stayed RUNNING for 60s continuously.
type backoff struct {
	base       time.Duration
	cap        time.Duration
	stableFor  time.Duration
	attempt    int
	lastRunAt  time.Time
}

func newBackoff() *backoff {
	return &backoff{base: time.Second, cap: 30 * time.Second, stableFor: 60 * time.Second}
}

// next returns the delay before the next reconnect attempt and advances the
// internal attempt counter.
func (b *backoff) next() time.Duration {
	d := b.base * (1 << uint(min(b.attempt, 10)))
	if d > b.cap || d <= 0 {
		d = b.cap
	}
	b.attempt++
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

// noteRunStarted records when a connection attempt succeeded, so reset can
// later decide whether it was stable long enough.
func (b *backoff) noteRunStarted(at time.Time) {
	b.lastRunAt = at
}

// noteRunEnded resets the attempt counter to zero if the connection that
// just ended had run for at least stableFor; otherwise the counter is left
// alone so the next attempt continues backing off.
func (b *backoff) noteRunEnded(at time.Time) {
	if !b.lastRunAt.IsZero() && at.Sub(b.lastRunAt) >= b.stableFor {
		b.attempt = 0
	}
	b.lastRunAt = time.Time{}
}
