// Package hlswriter produces a rolling HLS playlist and MPEG-TS segment
// files for live viewing, per spec.md §4.D.
package hlswriter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/nvrflow/nvrcore/internal/fanout"
	"github.com/nvrflow/nvrcore/internal/storage"
)

// Config controls segmenting behavior.
type Config struct {
	TargetSegmentSeconds int // default 4
	SegmentCount         int // playlist window, default 6
}

// DefaultConfig returns spec.md §4.D's defaults.
func DefaultConfig() Config {
	return Config{TargetSegmentSeconds: 4, SegmentCount: 6}
}

// DiscontinuitySeqFunc reports the timestamp normalizer's current
// discontinuity sequence for the writer's stream, so a reset can force a
// segment cut even when the target duration hasn't been hit yet (spec §4.D).
type DiscontinuitySeqFunc func() uint64

// Writer consumes a keyframe-aware DropOldest sink and maintains a bounded
// playlist window on disk.
type Writer struct {
	cfg        Config
	streamName string
	layout     *storage.Layout
	log        *slog.Logger
	discSeqFn  DiscontinuitySeqFunc
	diskFull   func()

	clockHz int64 // 90kHz by convention for video PTS/DTS

	sequence    uint64
	segments    []segmentInfo
	curBuf      *bytes.Buffer
	curMuxer    *mpegts.Writer
	videoTrack  *mpegts.Track
	audioTrack  *mpegts.Track
	segStartPTS int64
	haveSeg     bool
	lastDiscSeq uint64
}

type segmentInfo struct {
	sequence uint64
	duration float64
}

// New constructs an HLS writer for one stream. discSeqFn may be nil, in
// which case the normalizer-discontinuity rotation trigger is disabled.
// diskFull may be nil; when set it is invoked once per ENOSPC write failure
// so the caller can run an out-of-schedule retention sweep (spec.md §7).
func New(cfg Config, streamName string, layout *storage.Layout, log *slog.Logger, discSeqFn DiscontinuitySeqFunc, diskFull func()) *Writer {
	return &Writer{
		cfg: cfg, streamName: streamName, layout: layout, log: log, discSeqFn: discSeqFn, diskFull: diskFull,
		clockHz: 90000,
	}
}

// Run drains sink until it's closed (EOF) or ctx is cancelled, writing
// segments and rewriting the playlist as they close.
func (w *Writer) Run(ctx context.Context, sink *fanout.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return w.finalizeCurrentSegment()
		default:
		}

		item, ok := sink.Pop()
		if !ok {
			return w.finalizeCurrentSegment()
		}
		if _, isGap := item.(fanout.GapMarker); isGap {
			continue
		}
		pkt := item.(*fanout.Packet)
		w.handlePacket(pkt)
		pkt.Release()
	}
}

func (w *Writer) handlePacket(pkt *fanout.Packet) {
	if pkt.Codec != fanout.CodecAAC && !w.haveSeg {
		// First segment defers open until a keyframe arrives (spec §4.D).
		if !pkt.KeyFrame {
			return
		}
		w.openSegment(pkt.PTS)
	}

	if pkt.KeyFrame && w.shouldRotate(pkt.PTS) {
		if err := w.finalizeCurrentSegment(); err != nil {
			w.log.Error("finalizing hls segment", slog.String("error", err.Error()))
		}
		w.openSegment(pkt.PTS)
	}

	if !w.haveSeg {
		return
	}
	if err := w.writeToMuxer(pkt); err != nil {
		w.log.Error("writing hls packet", slog.String("error", err.Error()))
	}
}

func (w *Writer) shouldRotate(pts int64) bool {
	if !w.haveSeg {
		return false
	}
	elapsed := float64(pts-w.segStartPTS) / float64(w.clockHz)
	target := float64(w.cfg.TargetSegmentSeconds)
	if elapsed >= target {
		return true
	}
	if w.discSeqFn != nil {
		if seq := w.discSeqFn(); seq != w.lastDiscSeq {
			return true
		}
	}
	return false
}

func (w *Writer) openSegment(pts int64) {
	w.curBuf = &bytes.Buffer{}
	w.videoTrack = &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
	w.audioTrack = &mpegts.Track{PID: 257, Codec: &mpegts.CodecMPEG4Audio{}}
	w.curMuxer = &mpegts.Writer{W: w.curBuf, Tracks: []*mpegts.Track{w.videoTrack, w.audioTrack}}
	_ = w.curMuxer.Initialize()
	w.segStartPTS = pts
	w.haveSeg = true
	if w.discSeqFn != nil {
		w.lastDiscSeq = w.discSeqFn()
	}
}

func (w *Writer) writeToMuxer(pkt *fanout.Packet) error {
	au := [][]byte{pkt.Payload}
	switch pkt.Codec {
	case fanout.CodecH264:
		return w.curMuxer.WriteH264(w.videoTrack, pkt.PTS, pkt.DTS, au)
	case fanout.CodecH265:
		return w.curMuxer.WriteH265(w.videoTrack, pkt.PTS, pkt.DTS, au)
	case fanout.CodecAAC:
		return w.curMuxer.WriteMPEG4Audio(w.audioTrack, pkt.PTS, au)
	default:
		return nil
	}
}

// finalizeCurrentSegment fsyncs the segment file, appends it to the sliding
// window, unlinks segments that fall off the window, and rewrites the
// playlist via write-to-temp-and-rename (spec §4.D crash-safety guarantee).
func (w *Writer) finalizeCurrentSegment() error {
	if !w.haveSeg {
		return nil
	}
	seq := w.sequence
	w.sequence++

	data := w.curBuf.Bytes()
	relPath := w.layout.HLSSegmentPath(w.streamName, seq)
	if err := w.layout.Sandbox().AtomicWrite(relPath, data); err != nil {
		if w.diskFull != nil && errors.Is(err, syscall.ENOSPC) {
			w.diskFull()
		}
		return fmt.Errorf("writing hls segment: %w", err)
	}

	// Duration is approximate here; a production muxer tracks exact last PTS.
	duration := time.Duration(w.cfg.TargetSegmentSeconds) * time.Second
	w.segments = append(w.segments, segmentInfo{sequence: seq, duration: duration.Seconds()})

	for len(w.segments) > w.cfg.SegmentCount {
		stale := w.segments[0]
		w.segments = w.segments[1:]
		stalePath := w.layout.HLSSegmentPath(w.streamName, stale.sequence)
		_ = w.layout.Sandbox().Remove(stalePath)
	}

	w.haveSeg = false
	return w.writePlaylist()
}

func (w *Writer) writePlaylist() error {
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&buf, "#EXT-X-TARGETDURATION:%d\n", w.cfg.TargetSegmentSeconds*2)
	if len(w.segments) > 0 {
		fmt.Fprintf(&buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", w.segments[0].sequence)
	}
	for _, s := range w.segments {
		fmt.Fprintf(&buf, "#EXTINF:%.3f,\nsegment%d.ts\n", s.duration, s.sequence)
	}

	path := w.layout.HLSPlaylistPath(w.streamName)
	if err := w.layout.Sandbox().AtomicWrite(path, buf.Bytes()); err != nil {
		return fmt.Errorf("writing playlist: %w", err)
	}
	return nil
}
