package fanout

import (
	"sync"
	"sync/atomic"
	"time"
)

// DropPolicy controls how a Sink behaves when its queue is full.
type DropPolicy int

const (
	// DropOldest discards the oldest non-keyframe packet; the oldest keyframe
	// is evicted only when the queue holds nothing but keyframes. Used by the
	// HLS writer.
	DropOldest DropPolicy = iota
	// DropNewestNonKey discards the incoming packet unless it's a keyframe, in
	// which case it replaces everything buffered. Used by the
	// detection sampler, which only ever wants the latest keyframe.
	DropNewestNonKey
	// BlockBounded blocks the producer for up to a bounded wait before
	// falling back to dropping the oldest entry and marking a gap. Used by
	// the MP4 writer in record mode.
	BlockBounded
)

// GapMarker is delivered in place of a packet when BlockBounded had to drop
// to make room; consumers that care about exact byte continuity (the MP4
// writer) use this to force a rotation instead of silently corrupting a
// fragment.
type GapMarker struct{}

// Sink is a single consumer's bounded packet queue. The fan-out owns one per
// registered consumer; only the fan-out's Publish goroutine writes to it.
type Sink struct {
	ID       string
	Policy   DropPolicy
	Capacity int
	BlockFor time.Duration // only meaningful for BlockBounded

	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    []any // *Packet or GapMarker
	closed   bool

	delivered   atomic.Uint64
	dropped     atomic.Uint64
	highWater   atomic.Int64
}

// NewSink constructs a Sink with the given policy and capacity.
func NewSink(id string, policy DropPolicy, capacity int, blockFor time.Duration) *Sink {
	s := &Sink{ID: id, Policy: policy, Capacity: capacity, BlockFor: blockFor}
	s.notEmpty = sync.NewCond(&s.mu)
	return s
}

// push enqueues an item according to the sink's drop policy. Called only
// from the fan-out's single publisher goroutine.
func (s *Sink) push(pkt *Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.queue) < s.Capacity {
		s.enqueueLocked(pkt)
		return
	}

	switch s.Policy {
	case DropOldest:
		s.dropOldestLocked(pkt)
	case DropNewestNonKey:
		s.dropNewestNonKeyLocked(pkt)
	case BlockBounded:
		s.blockThenDropLocked(pkt)
	}
}

func (s *Sink) enqueueLocked(pkt *Packet) {
	pkt.Retain()
	s.queue = append(s.queue, pkt)
	if n := int64(len(s.queue)); n > s.highWater.Load() {
		s.highWater.Store(n)
	}
	s.notEmpty.Signal()
}

// dropOldestLocked evicts the oldest non-keyframe, preserving any keyframe
// while one is present, per spec §4.C.
func (s *Sink) dropOldestLocked(pkt *Packet) {
	victim := -1
	for i, item := range s.queue {
		if p, ok := item.(*Packet); ok && !p.KeyFrame {
			victim = i
			break
		}
	}
	if victim == -1 {
		victim = 0 // queue is all keyframes (unusual); drop the oldest anyway
	}
	evicted := s.queue[victim].(*Packet)
	evicted.Release()
	s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
	s.dropped.Add(1)
	s.enqueueLocked(pkt)
}

// dropNewestNonKeyLocked keeps only the newest keyframe; an incoming
// non-keyframe is simply dropped, an incoming keyframe replaces the queue.
func (s *Sink) dropNewestNonKeyLocked(pkt *Packet) {
	if !pkt.KeyFrame {
		s.dropped.Add(1)
		return
	}
	for _, item := range s.queue {
		if p, ok := item.(*Packet); ok {
			p.Release()
		}
	}
	s.dropped.Add(uint64(len(s.queue)))
	s.queue = s.queue[:0]
	s.enqueueLocked(pkt)
}

// blockThenDropLocked waits up to BlockFor for room, then drops oldest and
// emits a GapMarker so the MP4 writer knows to rotate rather than produce a
// fragment with a hole in it.
func (s *Sink) blockThenDropLocked(pkt *Packet) {
	deadline := time.Now().Add(s.BlockFor)
	for len(s.queue) >= s.Capacity && !s.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.notEmpty.Broadcast()
			s.mu.Unlock()
		})
		s.notEmpty.Wait()
		timer.Stop()
	}
	if len(s.queue) >= s.Capacity {
		evicted := s.queue[0].(*Packet)
		evicted.Release()
		s.queue = s.queue[1:]
		s.queue = append(s.queue, GapMarker{})
		s.dropped.Add(1)
	}
	s.enqueueLocked(pkt)
}

// Pop blocks until an item is available or the sink is closed, returning
// (item, true), or (nil, false) once closed with an empty queue.
func (s *Sink) Pop() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.notEmpty.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	if p, ok := item.(*Packet); ok {
		s.delivered.Add(1)
		return p, true
	}
	return item, true
}

// Close marks the sink closed; Pop returns (nil, false) once drained. The
// fan-out calls this when removing a consumer so it observes EOF.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, item := range s.queue {
		if p, ok := item.(*Packet); ok {
			p.Release()
		}
	}
	s.queue = nil
	s.notEmpty.Broadcast()
}

// Stats reports the sink's drop/delivery counters for DEGRADED detection.
type Stats struct {
	Delivered uint64
	Dropped   uint64
	HighWater int64
	QueueLen  int
}

func (s *Sink) Stats() Stats {
	s.mu.Lock()
	qlen := len(s.queue)
	s.mu.Unlock()
	return Stats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		HighWater: s.highWater.Load(),
		QueueLen:  qlen,
	}
}

// DropRate returns dropped/(dropped+delivered) over the sink's lifetime,
// used by the orchestrator's >50%-drops-for-30s DEGRADED rule.
func (s Stats) DropRate() float64 {
	total := s.Delivered + s.Dropped
	if total == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(total)
}
