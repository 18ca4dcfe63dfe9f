package shutdown

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// SafetyTimer rearms a shrinking deadline (20s, 15s, 10s) from the moment
// shutdown is requested; on final expiration it calls os.Exit directly,
// bypassing any further cleanup, since by that point cleanup is assumed
// wedged. Call Watch once Initiate has run.
type SafetyTimer struct {
	log    *slog.Logger
	stages []time.Duration
	stage  atomic.Int32
	exit   func(code int)
}

// NewSafetyTimer constructs the default 20s/15s/10s phased timer from spec §4.A.
func NewSafetyTimer(log *slog.Logger) *SafetyTimer {
	return &SafetyTimer{
		log:    log,
		stages: []time.Duration{20 * time.Second, 15 * time.Second, 10 * time.Second},
		exit:   os.Exit,
	}
}

// Watch starts the timer in its own goroutine. Call once when Initiate
// fires; it rearms on each expiration until stages are exhausted, at which
// point the process exits, and it stops early once coord reports every
// component stopped or ctx is cancelled.
func (t *SafetyTimer) Watch(ctx context.Context, coord *Coordinator) {
	go t.watchLoop(ctx, coord)
}

func (t *SafetyTimer) watchLoop(ctx context.Context, coord *Coordinator) {
	for i, d := range t.stages {
		t.stage.Store(int32(i))
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-coord.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.log.Warn("shutdown safety timer expired, rearming",
				slog.Int("stage", i), slog.Duration("deadline", d))
		}
	}
	t.log.Error("shutdown safety timer exhausted, forcing exit")
	t.exit(1)
}
