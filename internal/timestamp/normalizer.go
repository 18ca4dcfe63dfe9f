// Package timestamp repairs discontinuous source PTS/DTS into a monotonic
// presentation timeline per (stream, track).
package timestamp

import "sync"

// DiscontThreshold is the backward-jump size, in 90kHz clock ticks, that is
// treated as a source discontinuity rather than wrap or jitter.
const DiscontThreshold = 10 * 90000

// wrapGuard is half of a 32-bit timestamp range; a backward jump larger than
// this is assumed to be 32-bit wraparound rather than a real reset, and is
// corrected by adding wrapAdd (2^32).
const wrapGuard = 1 << 31
const wrapAdd = 1 << 32

// Sample is one packet's source timestamps as observed by the Normalizer.
type Sample struct {
	PTS       int64 // -1 if unknown
	DTS       int64 // -1 if unknown
	KeyFrame  bool
}

// Output is the normalized result for one Sample.
type Output struct {
	PTS               int64
	DTS               int64
	DiscontinuitySeq  uint64
}

// trackState is the per (stream, track) running state described in spec §4.B.
type trackState struct {
	hasLast       bool
	lastRawPTS    int64
	lastOutPTS    int64
	lastOutDTS    int64
	offset        int64
	avgDelta      float64 // rolling average of output PTS deltas, for unknown-PTS synthesis
}

// Normalizer holds independent track state for every (stream, track) pair it
// has seen and produces monotonic output timestamps. A Normalizer instance
// belongs to one stream; tracks are distinguished by an integer index the
// caller assigns (e.g. 0=video, 1=audio). discontSeq is shared across every
// track on the Normalizer rather than kept per-track, so a reset on either
// the video or the audio track bumps the same sequence id consumers (the
// HLS/MP4 writers) align their rotation decisions on.
type Normalizer struct {
	mu         sync.Mutex
	tracks     map[int]*trackState
	discontSeq uint64
}

// New constructs an empty Normalizer for one stream.
func New() *Normalizer {
	return &Normalizer{tracks: make(map[int]*trackState)}
}

// Normalize applies the wrap/reset/offset algorithm from spec §4.B to one
// sample on the given track and returns the monotonic output timestamps.
func (n *Normalizer) Normalize(track int, s Sample) Output {
	n.mu.Lock()
	defer n.mu.Unlock()

	st, ok := n.tracks[track]
	if !ok {
		st = &trackState{avgDelta: 3000} // ~33ms @ 90kHz, reasonable seed
		n.tracks[track] = st
	}

	rawPTS := s.PTS
	if rawPTS < 0 {
		// Unknown PTS: synthesize from the last output plus the estimated
		// frame duration.
		rawPTS = st.lastRawPTS + int64(st.avgDelta)
	} else if st.hasLast {
		// Wrap detection: a large backward jump that's consistent with
		// 32-bit overflow is corrected by adding 2^32 until monotonic.
		for rawPTS+wrapGuard < st.lastRawPTS {
			rawPTS += wrapAdd
		}
	}

	if !st.hasLast {
		st.offset = -rawPTS // first packet establishes the zero base
		st.hasLast = true
	} else if st.lastRawPTS-rawPTS > DiscontThreshold {
		// Reset: backward jump beyond the threshold. Freeze a new offset so
		// output continues from where it left off, plus a gap estimate.
		gapEstimate := int64(st.avgDelta)
		st.offset = st.lastOutPTS + gapEstimate - rawPTS
		n.discontSeq++
	}

	outPTS := rawPTS + st.offset
	if outPTS < st.lastOutPTS {
		// Never let output regress, even if the offset math undershoots.
		outPTS = st.lastOutPTS + 1
	}

	outDTS := outPTS
	if s.DTS >= 0 {
		outDTS = s.DTS + st.offset
		if outDTS < st.lastOutDTS {
			outDTS = st.lastOutDTS + 1
		}
	}

	if st.lastRawPTS != 0 || st.hasLast {
		delta := float64(outPTS - st.lastOutPTS)
		if delta > 0 {
			st.avgDelta = st.avgDelta*0.875 + delta*0.125
		}
	}

	st.lastRawPTS = rawPTS
	st.lastOutPTS = outPTS
	st.lastOutDTS = outDTS

	return Output{PTS: outPTS, DTS: outDTS, DiscontinuitySeq: n.discontSeq}
}

// DiscontinuitySeq returns the Normalizer's current discontinuity sequence
// number without normalizing a new sample, used by the HLS/MP4 writers to
// decide whether to force a rotation/segment cut. It is shared across every
// track on the stream.
func (n *Normalizer) DiscontinuitySeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.discontSeq
}
