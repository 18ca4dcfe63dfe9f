package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	require.Equal(t, "running", Running.String())
	require.Equal(t, "stopping", Stopping.String())
	require.Equal(t, "stopped", Stopped.String())
	require.Equal(t, "unknown", State(99).String())
}

func TestRegister_AssignsUniqueIDs(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	id1 := c.Register("a", nil)
	id2 := c.Register("b", nil)
	require.NotEqual(t, id1, id2)
	require.Equal(t, map[string]State{"a": Running, "b": Running}, c.States())
}

func TestInitiate_StopsAllComponentsConcurrently(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	var calls atomic.Int32
	stop := func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}
	c.Register("a", stop)
	c.Register("b", stop)

	c.Initiate(context.Background())

	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, time.Second, time.Millisecond)

	require.True(t, c.IsInitiated())
	for _, s := range c.States() {
		require.Equal(t, Stopping, s, "Initiate transitions components to Stopping; they report Stopped themselves")
	}
}

func TestInitiate_IsIdempotent(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	var calls atomic.Int32
	c.Register("a", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	c.Initiate(context.Background())
	c.Initiate(context.Background())
	c.Initiate(context.Background())

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load(), "a second Initiate call must not re-run StopFunc")
}

func TestInitiate_LogsButSwallowsStopFuncError(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	id := c.Register("broken", func(ctx context.Context) error {
		return errors.New("cleanup failed")
	})

	require.NotPanics(t, func() {
		c.Initiate(context.Background())
	})
	_ = id
}

func TestUpdateState_ClosesAllStoppedChOnceAllComponentsStopped(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	id1 := c.Register("a", nil)
	id2 := c.Register("b", nil)

	select {
	case <-c.Done():
		t.Fatal("Done must not be closed before any component reports Stopped")
	default:
	}

	c.UpdateState(id1, Stopped)
	select {
	case <-c.Done():
		t.Fatal("Done must not close until every component is Stopped")
	default:
	}

	c.UpdateState(id2, Stopped)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must close once every component reports Stopped")
	}
}

func TestUpdateState_UnknownIDIsANoOp(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	require.NotPanics(t, func() {
		c.UpdateState(9999, Stopped)
	})
}

func TestWaitAllStopped_TimesOutWhenNotAllStopped(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	c.Register("a", nil)

	start := time.Now()
	require.False(t, c.WaitAllStopped(30*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitAllStopped_SucceedsOnceAllStopped(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	id := c.Register("a", nil)
	c.UpdateState(id, Stopped)

	require.True(t, c.WaitAllStopped(time.Second))
}

func TestWaitAllStopped_TrueImmediatelyWithNoComponents(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	require.True(t, c.WaitAllStopped(time.Millisecond))
}

func TestForceStopAll_BypassesStopFuncAndClosesDoneImmediately(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	var calls atomic.Int32
	c.Register("a", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	c.Register("b", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	c.ForceStopAll()

	select {
	case <-c.Done():
	default:
		t.Fatal("ForceStopAll must close Done immediately")
	}
	for _, s := range c.States() {
		require.Equal(t, Stopped, s)
	}
	require.Zero(t, calls.Load(), "ForceStopAll must never invoke a component's StopFunc")
}

func TestForceStopAll_IsSafeAfterAlreadyAllStopped(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	id := c.Register("a", nil)
	c.UpdateState(id, Stopped)
	require.NotPanics(t, func() {
		c.ForceStopAll()
	})
}

func TestRun_CallsInitiateOnceRequestShutdownIsObserved(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	var calls atomic.Int32
	c.Register("a", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx, 5*time.Millisecond)
	}()

	require.False(t, c.IsInitiated())
	c.RequestShutdown()

	require.Eventually(t, func() bool {
		return c.IsInitiated()
	}, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestRun_StopsPollingWhenContextCancelled(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return once its context is cancelled")
	}
}

func TestStates_SnapshotReflectsLiveUpdates(t *testing.T) {
	c := New(slog.New(slog.DiscardHandler))
	id := c.Register("a", nil)
	require.Equal(t, Running, c.States()["a"])

	c.UpdateState(id, Stopping)
	require.Equal(t, Stopping, c.States()["a"])
}
