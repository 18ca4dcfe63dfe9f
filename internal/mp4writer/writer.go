// Package mp4writer produces rotating fragmented-MP4 archival files and
// indexes each closed file in the recording table, per spec.md §4.E.
package mp4writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/nvrflow/nvrcore/internal/config"
	"github.com/nvrflow/nvrcore/internal/fanout"
	"github.com/nvrflow/nvrcore/internal/models"
	"github.com/nvrflow/nvrcore/internal/repository"
	"github.com/nvrflow/nvrcore/internal/storage"
)

// RotationTriggers are the four duration/size/discontinuity/explicit-close
// conditions from spec.md §4.E, evaluated only at keyframe boundaries, plus
// the event-recording pre/post-buffer widths from spec.md §4.F.
type RotationTriggers struct {
	SegmentDuration   time.Duration
	MaxFileBytes      int64
	PreBufferSeconds  int
	PostBufferSeconds int
}

// DefaultRotationTriggers matches spec.md §4.E/§4.F's defaults.
func DefaultRotationTriggers() RotationTriggers {
	return RotationTriggers{
		SegmentDuration:   60 * time.Second,
		MaxFileBytes:      128 * 1024 * 1024,
		PreBufferSeconds:  5,
		PostBufferSeconds: 5,
	}
}

// bufferedSample is a copy of a fanout.Packet retained in the pre-roll ring
// so it survives past the source packet's Release().
type bufferedSample struct {
	codec      fanout.Codec
	pts, dts   int64
	keyFrame   bool
	payload    []byte
	receivedAt time.Time
}

// Writer produces one stream's sequence of MP4 recording files. All mutable
// state is guarded by mu since OpenEvent/ExtendEvent are called from the
// Detection Reader's goroutine while handlePacket runs on Run's.
type Writer struct {
	streamName string
	triggers   RotationTriggers
	layout     *storage.Layout
	recordings repository.RecordingRepository
	log        *slog.Logger
	discSeqFn  DiscontinuitySeqFunc
	diskFull   func()

	mu            sync.Mutex
	open          bool
	currentRow    *models.Recording
	startedAt     time.Time
	bytesWritten  int64
	lastDiscSeq   uint64
	postTimer     *time.Timer
	eventDeadline time.Time
	preBuffer     []bufferedSample

	videoSamples []*fmp4.Sample
	audioSamples []*fmp4.Sample
}

// DiscontinuitySeqFunc reports the timestamp normalizer's current
// discontinuity sequence for the writer's video track, so a reset can force
// a rotation even when duration/size haven't been hit yet (spec §4.E).
type DiscontinuitySeqFunc func() uint64

// New constructs an MP4 writer for one stream. discSeqFn may be nil, in
// which case the normalizer-discontinuity rotation trigger is disabled.
// diskFull may be nil; when set it is invoked once per ENOSPC write failure
// so the caller can run an out-of-schedule retention sweep (spec.md §7).
func New(streamName string, triggers RotationTriggers, layout *storage.Layout, recordings repository.RecordingRepository, log *slog.Logger, discSeqFn DiscontinuitySeqFunc, diskFull func()) *Writer {
	return &Writer{streamName: streamName, triggers: triggers, layout: layout, recordings: recordings, log: log, discSeqFn: discSeqFn, diskFull: diskFull}
}

// Run drains sink (BLOCK_BOUNDED policy expected) writing and rotating
// recording files until the sink closes or ctx is cancelled.
func (w *Writer) Run(ctx context.Context, sink *fanout.Sink, trigger models.RecordingTrigger) error {
	defer w.closeIfOpen(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		item, ok := sink.Pop()
		if !ok {
			return nil
		}
		if _, isGap := item.(fanout.GapMarker); isGap {
			// A dropped interval inside a fragment corrupts continuity; force
			// a rotation rather than risk producing a file with a hole.
			w.closeIfOpen(ctx)
			continue
		}
		pkt := item.(*fanout.Packet)
		w.handlePacket(ctx, pkt, trigger)
		pkt.Release()
	}
}

func (w *Writer) closeIfOpen(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return
	}
	if err := w.closeCurrentLocked(ctx, time.Now()); err != nil {
		w.log.Error("closing mp4", slog.String("error", err.Error()))
	}
}

func (w *Writer) handlePacket(ctx context.Context, pkt *fanout.Packet, trigger models.RecordingTrigger) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.appendPreBufferLocked(pkt)

	if pkt.KeyFrame {
		if w.open && w.shouldRotateLocked(pkt) {
			if err := w.closeCurrentLocked(ctx, time.Now()); err != nil {
				w.log.Error("rotating mp4", slog.String("error", err.Error()))
			}
		}
		if !w.open && trigger == models.RecordingTriggerContinuous {
			if err := w.openNewLocked(ctx, time.Now(), trigger); err != nil {
				w.log.Error("opening mp4", slog.String("error", err.Error()))
				return
			}
		}
	}
	if !w.open {
		return
	}

	sample := &fmp4.Sample{
		PTSOffset:       int32(pkt.DTS - pkt.PTS),
		IsNonSyncSample: !pkt.KeyFrame,
		Payload:         pkt.Payload,
	}
	switch pkt.Codec {
	case fanout.CodecH264, fanout.CodecH265:
		w.videoSamples = append(w.videoSamples, sample)
	case fanout.CodecAAC:
		w.audioSamples = append(w.audioSamples, sample)
	}
	w.bytesWritten += int64(len(pkt.Payload))
}

func (w *Writer) shouldRotateLocked(pkt *fanout.Packet) bool {
	if time.Since(w.startedAt) >= w.triggers.SegmentDuration {
		return true
	}
	if w.bytesWritten >= w.triggers.MaxFileBytes {
		return true
	}
	if w.discSeqFn != nil {
		if seq := w.discSeqFn(); seq != w.lastDiscSeq {
			w.lastDiscSeq = seq
			return true
		}
	}
	return false
}

// appendPreBufferLocked feeds the rolling pre-roll ring used to seed a fresh
// event recording with the frames immediately preceding it. It only
// accumulates while no recording is open, since once one is open those
// packets are already being written to it directly.
func (w *Writer) appendPreBufferLocked(pkt *fanout.Packet) {
	if w.open || w.triggers.PreBufferSeconds <= 0 {
		return
	}
	w.preBuffer = append(w.preBuffer, bufferedSample{
		codec: pkt.Codec, pts: pkt.PTS, dts: pkt.DTS, keyFrame: pkt.KeyFrame,
		payload:    append([]byte(nil), pkt.Payload...),
		receivedAt: time.Now(),
	})

	// Retain roughly twice the configured window so a keyframe boundary
	// always survives trimming; seedFromPreBufferLocked steps back to it.
	cutoff := time.Now().Add(-2 * time.Duration(w.triggers.PreBufferSeconds) * time.Second)
	drop := 0
	for drop < len(w.preBuffer) && w.preBuffer[drop].receivedAt.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.preBuffer = append([]bufferedSample(nil), w.preBuffer[drop:]...)
	}
}

// seedFromPreBufferLocked copies the pre-roll ring's GOP-aligned prefix
// covering PreBufferSeconds into the freshly opened event recording.
func (w *Writer) seedFromPreBufferLocked() {
	if len(w.preBuffer) == 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(w.triggers.PreBufferSeconds) * time.Second)
	start := 0
	for start < len(w.preBuffer) && w.preBuffer[start].receivedAt.Before(cutoff) {
		start++
	}
	for start > 0 && start < len(w.preBuffer) && !w.preBuffer[start].keyFrame {
		start--
	}

	for _, s := range w.preBuffer[start:] {
		sample := &fmp4.Sample{
			PTSOffset:       int32(s.dts - s.pts),
			IsNonSyncSample: !s.keyFrame,
			Payload:         s.payload,
		}
		switch s.codec {
		case fanout.CodecH264, fanout.CodecH265:
			w.videoSamples = append(w.videoSamples, sample)
		case fanout.CodecAAC:
			w.audioSamples = append(w.audioSamples, sample)
		}
	}
	w.preBuffer = w.preBuffer[:0]
}

// armPostBufferLocked (re)arms the quiet-close timer for an open event
// recording. eventDeadline lets closeOnQuiet recognize a timer that fired
// just as a new extension landed and skip closing in that race.
func (w *Writer) armPostBufferLocked() {
	d := time.Duration(w.triggers.PostBufferSeconds) * time.Second
	if d <= 0 {
		return
	}
	w.eventDeadline = time.Now().Add(d)
	if w.postTimer == nil {
		w.postTimer = time.AfterFunc(d, w.closeOnQuiet)
	} else {
		w.postTimer.Reset(d)
	}
}

func (w *Writer) closeOnQuiet() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open || time.Now().Before(w.eventDeadline) {
		return
	}
	if err := w.closeCurrentLocked(context.Background(), time.Now()); err != nil {
		w.log.Error("closing event recording after quiet period", slog.String("error", err.Error()))
	}
}

// OpenEvent opens a new event-triggered recording if one isn't already open,
// seeding it with the buffered pre-roll and arming the post-buffer close
// timer. Called by the Detection Reader on a qualifying detection.
func (w *Writer) OpenEvent(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.open {
		return nil
	}
	return w.openEventLocked(ctx)
}

// ExtendEvent keeps an already-open event recording alive by pushing its
// close deadline PostBufferSeconds further out, or opens one if a qualifying
// detection arrives with none open yet.
func (w *Writer) ExtendEvent(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return w.openEventLocked(ctx)
	}
	w.armPostBufferLocked()
	return nil
}

func (w *Writer) openEventLocked(ctx context.Context) error {
	if err := w.openNewLocked(ctx, time.Now(), models.RecordingTriggerDetection); err != nil {
		return err
	}
	w.seedFromPreBufferLocked()
	w.armPostBufferLocked()
	return nil
}

// CloseNow is an explicit "close now" command from retention/shutdown. It
// closes the open recording immediately; it does not wait for a keyframe
// boundary, so the closed file may end mid-GOP.
func (w *Writer) CloseNow(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return nil
	}
	return w.closeCurrentLocked(ctx, time.Now())
}

func (w *Writer) openNewLocked(ctx context.Context, start time.Time, trigger models.RecordingTrigger) error {
	path := w.layout.MP4Path(w.streamName, start)
	if err := w.layout.EnsureStreamDirs(w.streamName, start); err != nil {
		return fmt.Errorf("creating recording directories: %w", err)
	}

	rec := &models.Recording{
		StreamName: w.streamName,
		Path:       path,
		StartTS:    start,
		Trigger:    trigger,
		Completed:  false,
	}
	if err := w.recordings.Create(ctx, rec); err != nil {
		return fmt.Errorf("indexing new recording: %w", err)
	}

	w.currentRow = rec
	w.startedAt = start
	w.bytesWritten = 0
	w.videoSamples = nil
	w.audioSamples = nil
	if w.discSeqFn != nil {
		w.lastDiscSeq = w.discSeqFn()
	}
	w.open = true
	w.log.InfoContext(ctx, "opened recording", slog.String("path", path), slog.String("trigger", string(trigger)))
	return nil
}

func (w *Writer) closeCurrentLocked(ctx context.Context, end time.Time) error {
	if !w.open {
		return nil
	}

	init := fmp4.Init{Tracks: w.tracks()}
	var initBuf bytes.Buffer
	if err := init.Marshal(&initBuf); err != nil {
		return fmt.Errorf("marshaling mp4 init segment: %w", err)
	}

	part := &fmp4.Part{
		Tracks: []*fmp4.PartTrack{
			{ID: 1, BaseTime: 0, Samples: w.videoSamples},
			{ID: 2, BaseTime: 0, Samples: w.audioSamples},
		},
	}
	var partBuf bytes.Buffer
	if err := part.Marshal(&partBuf); err != nil {
		return fmt.Errorf("marshaling mp4 fragment: %w", err)
	}

	full := append(initBuf.Bytes(), partBuf.Bytes()...)
	if err := w.layout.Sandbox().AtomicWrite(w.currentRow.Path, full); err != nil {
		if w.diskFull != nil && errors.Is(err, syscall.ENOSPC) {
			w.diskFull()
		}
		return fmt.Errorf("writing mp4 file: %w", err)
	}

	w.currentRow.Close(end, int64(len(full)))
	if err := w.recordings.Update(ctx, w.currentRow); err != nil {
		return fmt.Errorf("updating recording index: %w", err)
	}

	w.log.InfoContext(ctx, "closed recording",
		slog.String("path", w.currentRow.Path), slog.Int64("size_bytes", w.currentRow.SizeBytes))

	w.open = false
	w.currentRow = nil
	if w.postTimer != nil {
		w.postTimer.Stop()
		w.postTimer = nil
	}
	return nil
}

func (w *Writer) tracks() []*fmp4.InitTrack {
	tracks := []*fmp4.InitTrack{
		{ID: 1, TimeScale: 90000, Codec: &fmp4.CodecH264{}},
	}
	tracks = append(tracks, &fmp4.InitTrack{ID: 2, TimeScale: 48000, Codec: &fmp4.CodecMPEG4Audio{}})
	return tracks
}

// StreamDefaultsFromConfig adapts config.StreamDefaultsConfig into
// RotationTriggers, applying per-stream overrides where set.
func StreamDefaultsFromConfig(defaults config.StreamDefaultsConfig, s *models.Stream) RotationTriggers {
	t := RotationTriggers{
		SegmentDuration:   time.Duration(defaults.RecordingRotationSeconds) * time.Second,
		MaxFileBytes:      defaults.RecordingMaxBytes.Bytes(),
		PreBufferSeconds:  defaults.PreBufferSeconds,
		PostBufferSeconds: defaults.PostBufferSeconds,
	}
	if s.SegmentDurationSeconds != nil {
		t.SegmentDuration = time.Duration(*s.SegmentDurationSeconds) * time.Second
	}
	if s.PreBufferSeconds > 0 {
		t.PreBufferSeconds = s.PreBufferSeconds
	}
	if s.PostBufferSeconds > 0 {
		t.PostBufferSeconds = s.PostBufferSeconds
	}
	return t
}
