package fanout

import "sync"

// Fanout publishes packets from one reader to many registered sinks. Sinks
// are added/removed under a short-held write lock; Publish itself only takes
// a read-side lock, per spec §4.C.
type Fanout struct {
	mu    sync.RWMutex
	sinks map[string]*Sink
}

// New constructs an empty Fanout.
func New() *Fanout {
	return &Fanout{sinks: make(map[string]*Sink)}
}

// AddSink registers a consumer sink. Safe to call concurrently with Publish.
func (f *Fanout) AddSink(s *Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[s.ID] = s
}

// RemoveSink closes and unregisters a sink by id, causing its Pop loop to
// observe EOF.
func (f *Fanout) RemoveSink(id string) {
	f.mu.Lock()
	s, ok := f.sinks[id]
	delete(f.sinks, id)
	f.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Sink returns the registered sink by id, or nil if not present.
func (f *Fanout) Sink(id string) *Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sinks[id]
}

// Publish delivers pkt to every registered sink's queue according to each
// sink's drop policy. Called only from the stream reader goroutine.
func (f *Fanout) Publish(pkt *Packet) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.push(pkt)
	}
	// The fan-out's own reference is released once every sink has taken its
	// own Retain inside push; the reader's initial NewPacket ref is the one
	// being dropped here.
	pkt.Release()
}

// CloseAll closes every registered sink, used when the orchestrator drains a
// stream on disable/shutdown so every consumer observes EOF (spec §4.G).
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	sinks := make([]*Sink, 0, len(f.sinks))
	for _, s := range f.sinks {
		sinks = append(sinks, s)
	}
	f.sinks = make(map[string]*Sink)
	f.mu.Unlock()

	for _, s := range sinks {
		s.Close()
	}
}

// SinkStats returns a snapshot of every sink's Stats, keyed by id, for the
// orchestrator's drop-rate-triggered DEGRADED check.
func (f *Fanout) SinkStats() map[string]Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Stats, len(f.sinks))
	for id, s := range f.sinks {
		out[id] = s.Stats()
	}
	return out
}
