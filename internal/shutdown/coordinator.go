// Package shutdown implements the process-wide two-phase shutdown state
// machine described in spec.md §4.A: components register, report their own
// progress, and a bounded wait blocks callers until every component reaches
// STOPPED or a phased safety timer forces the process down.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is a shutdown component's lifecycle stage.
type State int

const (
	Running State = iota
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopFunc is invoked once, on a normal goroutine (never a signal handler),
// to begin a component's finalization. It should return promptly; the
// component reports STOPPED itself via UpdateState once actually done.
type StopFunc func(ctx context.Context) error

type component struct {
	name  string
	state atomic.Int32
	stop  StopFunc
}

// Coordinator is the process-wide shutdown singleton. Construct one with New
// and register every long-lived component before starting it.
type Coordinator struct {
	log *slog.Logger

	mu         sync.Mutex
	components map[uint64]*component
	nextID     atomic.Uint64

	initiated    atomic.Bool
	requested    atomic.Bool // set by the async-signal-safe entry point
	allStoppedCh chan struct{}
	closeOnce    sync.Once
}

// New constructs a Coordinator. Call Run in its own goroutine to start the
// flag-polling supervisor that bridges signal-safe requests to Initiate.
func New(log *slog.Logger) *Coordinator {
	return &Coordinator{
		log:          log,
		components:   make(map[uint64]*component),
		allStoppedCh: make(chan struct{}),
	}
}

// Register adds a component in RUNNING state and returns its id.
func (c *Coordinator) Register(name string, stop StopFunc) uint64 {
	id := c.nextID.Add(1)
	comp := &component{name: name, stop: stop}
	comp.state.Store(int32(Running))

	c.mu.Lock()
	c.components[id] = comp
	c.mu.Unlock()

	return id
}

// RequestShutdown is the only operation safe to call from a signal handler:
// it sets an atomic flag and returns immediately, performing no allocation,
// logging, or locking. Run's polling loop observes it and calls Initiate.
func (c *Coordinator) RequestShutdown() {
	c.requested.Store(true)
}

// Run polls the signal-safe request flag every tick and calls Initiate the
// first time it's seen set. Intended to be started once at process boot and
// left running until the process exits.
func (c *Coordinator) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.requested.Load() {
				c.Initiate(ctx)
			}
		}
	}
}

// Initiate begins shutdown: idempotent, safe from ordinary code. It invokes
// every registered component's StopFunc concurrently and transitions them to
// STOPPING; it does not block for completion.
func (c *Coordinator) Initiate(ctx context.Context) {
	if !c.initiated.CompareAndSwap(false, true) {
		return
	}
	c.log.InfoContext(ctx, "shutdown initiated")

	c.mu.Lock()
	comps := make([]*component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.Unlock()

	for _, comp := range comps {
		comp.state.Store(int32(Stopping))
		go func(comp *component) {
			if comp.stop == nil {
				return
			}
			if err := comp.stop(ctx); err != nil {
				c.log.ErrorContext(ctx, "component stop failed",
					slog.String("component", comp.name), slog.String("error", err.Error()))
			}
		}(comp)
	}
}

// IsInitiated reports whether Initiate has run.
func (c *Coordinator) IsInitiated() bool {
	return c.initiated.Load()
}

// UpdateState lets a component report its own progress. Once every
// registered component reaches Stopped, WaitAllStopped's channel fires.
func (c *Coordinator) UpdateState(id uint64, state State) {
	c.mu.Lock()
	comp, ok := c.components[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	comp.state.Store(int32(state))

	if c.allStopped() {
		c.closeOnce.Do(func() { close(c.allStoppedCh) })
	}
}

func (c *Coordinator) allStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, comp := range c.components {
		if State(comp.state.Load()) != Stopped {
			return false
		}
	}
	return true
}

// WaitAllStopped blocks until every registered component reaches STOPPED or
// timeout elapses, returning true only in the former case.
func (c *Coordinator) WaitAllStopped(timeout time.Duration) bool {
	if c.allStopped() {
		return true
	}
	select {
	case <-c.allStoppedCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done returns a channel that closes once every registered component has
// reached STOPPED, for callers that want to select on it directly.
func (c *Coordinator) Done() <-chan struct{} {
	return c.allStoppedCh
}

// ForceStopAll marks every non-STOPPED component STOPPED without running its
// StopFunc. Used only by the watchdog escalation path when cleanup stalls.
func (c *Coordinator) ForceStopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, comp := range c.components {
		comp.state.Store(int32(Stopped))
	}
	c.closeOnce.Do(func() { close(c.allStoppedCh) })
}

// States returns a snapshot name->state map for diagnostics.
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.components))
	for _, comp := range c.components {
		out[comp.name] = State(comp.state.Load())
	}
	return out
}
