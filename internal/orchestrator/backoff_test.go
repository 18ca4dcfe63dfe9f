package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_JitterStaysWithinPlusMinus20Percent(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 200; i++ {
		base := b.base
		d := b.next()
		lower := time.Duration(float64(base) * 0.8)
		upper := time.Duration(float64(base) * 1.2)
		require.GreaterOrEqual(t, d, lower)
		require.LessOrEqual(t, d, upper)
		b.attempt = 0 // isolate each iteration to the base delay, not the exponential growth
	}
}

func TestBackoff_ExponentialGrowthCappedAtCap(t *testing.T) {
	b := newBackoff()
	var last time.Duration
	for i := 0; i < 20; i++ {
		d := b.next()
		require.LessOrEqual(t, d, time.Duration(float64(b.cap)*1.2+1))
		last = d
	}
	require.Greater(t, last, time.Duration(0))
}

func TestBackoff_ResetsAfterStableRun(t *testing.T) {
	b := newBackoff()
	b.next()
	b.next()
	require.Equal(t, 2, b.attempt)

	start := time.Now().Add(-2 * time.Minute)
	b.noteRunStarted(start)
	b.noteRunEnded(start.Add(b.stableFor + time.Second))

	require.Zero(t, b.attempt, "a run stable for stableFor must reset the attempt counter")
}

func TestBackoff_DoesNotResetOnShortRun(t *testing.T) {
	b := newBackoff()
	b.next()
	b.next()

	start := time.Now()
	b.noteRunStarted(start)
	b.noteRunEnded(start.Add(time.Second))

	require.Equal(t, 2, b.attempt, "a short-lived run must not reset backoff")
}
