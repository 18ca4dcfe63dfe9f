package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pkt(keyFrame bool, pts int64) *Packet {
	return NewPacket(CodecH264, 0, []byte{byte(pts)}, pts, pts, keyFrame, 0)
}

func TestSink_DropOldest_PreservesKeyframe(t *testing.T) {
	s := NewSink("hls", DropOldest, 2, 0)
	s.push(pkt(true, 0))
	s.push(pkt(false, 1))
	s.push(pkt(false, 2)) // queue full, drops the non-keyframe at index 1

	item, ok := s.Pop()
	require.True(t, ok)
	require.True(t, item.(*Packet).KeyFrame, "keyframe must survive DropOldest eviction")
	require.EqualValues(t, 0, item.(*Packet).PTS)

	item, ok = s.Pop()
	require.True(t, ok)
	require.EqualValues(t, 2, item.(*Packet).PTS, "pts=1 should have been evicted, not pts=2")

	stats := s.Stats()
	require.EqualValues(t, 1, stats.Dropped)
}

func TestSink_DropOldest_AllKeyframesDropsOldest(t *testing.T) {
	s := NewSink("hls", DropOldest, 2, 0)
	s.push(pkt(true, 0))
	s.push(pkt(true, 1))
	s.push(pkt(true, 2))

	item, ok := s.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1, item.(*Packet).PTS, "oldest keyframe must be evicted when no non-keyframe exists")
}

func TestSink_DropNewestNonKey_KeepsLatestKeyframeOnly(t *testing.T) {
	s := NewSink("detect", DropNewestNonKey, 2, 0)
	s.push(pkt(true, 0))
	s.push(pkt(false, 1))
	require.EqualValues(t, 2, s.Stats().QueueLen)

	s.push(pkt(false, 2)) // full, not a keyframe: dropped outright
	stats := s.Stats()
	require.EqualValues(t, 1, stats.Dropped)
	require.EqualValues(t, 2, stats.QueueLen)

	s.push(pkt(true, 3)) // keyframe replaces the whole queue
	stats = s.Stats()
	require.EqualValues(t, 1, stats.QueueLen)

	item, ok := s.Pop()
	require.True(t, ok)
	require.EqualValues(t, 3, item.(*Packet).PTS)
}

func TestSink_BlockBounded_EmitsGapMarkerOnDeadline(t *testing.T) {
	s := NewSink("mp4", BlockBounded, 1, 10*time.Millisecond)
	s.push(pkt(true, 0))
	start := time.Now()
	s.push(pkt(false, 1)) // full; blocks for BlockFor, then drops oldest + gap marker
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	item, ok := s.Pop()
	require.True(t, ok)
	_, isGap := item.(GapMarker)
	require.True(t, isGap, "expected a GapMarker in place of the evicted packet")

	item, ok = s.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1, item.(*Packet).PTS)
}

func TestSink_Close_DrainsAndEOFs(t *testing.T) {
	s := NewSink("hls", DropOldest, 4, 0)
	s.push(pkt(true, 0))
	s.Close()

	_, ok := s.Pop()
	require.False(t, ok, "Pop must return false once closed and drained")

	s.push(pkt(true, 1)) // pushes to a closed sink are no-ops
	_, ok = s.Pop()
	require.False(t, ok)
}

func TestStats_DropRate(t *testing.T) {
	s := Stats{Delivered: 3, Dropped: 1}
	require.InDelta(t, 0.25, s.DropRate(), 0.0001)

	empty := Stats{}
	require.Zero(t, empty.DropRate())
}

func TestFanout_PublishDeliversToAllSinks(t *testing.T) {
	fan := New()
	a := NewSink("a", DropOldest, 4, 0)
	b := NewSink("b", DropOldest, 4, 0)
	fan.AddSink(a)
	fan.AddSink(b)

	fan.Publish(NewPacket(CodecH264, 0, []byte{1}, 0, 0, true, 0))

	for _, sink := range []*Sink{a, b} {
		item, ok := sink.Pop()
		require.True(t, ok)
		require.True(t, item.(*Packet).KeyFrame)
	}
}

func TestFanout_RemoveSinkClosesIt(t *testing.T) {
	fan := New()
	s := NewSink("a", DropOldest, 4, 0)
	fan.AddSink(s)
	require.NotNil(t, fan.Sink("a"))

	fan.RemoveSink("a")
	require.Nil(t, fan.Sink("a"))

	_, ok := s.Pop()
	require.False(t, ok, "removed sink must be closed")
}

func TestFanout_CloseAllClosesEverySink(t *testing.T) {
	fan := New()
	a := NewSink("a", DropOldest, 4, 0)
	b := NewSink("b", DropOldest, 4, 0)
	fan.AddSink(a)
	fan.AddSink(b)

	fan.CloseAll()

	for _, sink := range []*Sink{a, b} {
		_, ok := sink.Pop()
		require.False(t, ok)
	}
}

func TestFanout_SinkStats(t *testing.T) {
	fan := New()
	s := NewSink("a", DropOldest, 4, 0)
	fan.AddSink(s)
	fan.Publish(NewPacket(CodecH264, 0, []byte{1}, 0, 0, true, 0))
	_, _ = s.Pop()

	stats := fan.SinkStats()
	require.Contains(t, stats, "a")
	require.EqualValues(t, 1, stats["a"].Delivered)
}
