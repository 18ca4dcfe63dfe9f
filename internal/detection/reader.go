package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvrflow/nvrcore/internal/fanout"
	"github.com/nvrflow/nvrcore/internal/ffmpeg"
	"github.com/nvrflow/nvrcore/internal/storage"
)

// RecordingGate is the subset of mp4writer.Writer the reader drives: opening
// an event recording on a positive detection and extending it on every
// subsequent qualifying detection so it doesn't close mid-event. The writer,
// not the reader, owns the actual post-buffer timer.
type RecordingGate interface {
	OpenEvent(ctx context.Context) error
	ExtendEvent(ctx context.Context) error
}

// Config controls one stream's sampling cadence and detection gate.
type Config struct {
	ModelID           string
	Threshold         float64
	IntervalSeconds   int
	ClassesOfInterest []string // empty means any class counts
	CallTimeout       time.Duration
}

// DefaultConfig matches spec.md §4.F's defaults.
func DefaultConfig() Config {
	return Config{IntervalSeconds: 1, Threshold: 0.5, CallTimeout: 5 * time.Second}
}

// Reader samples keyframes off a DropNewestNonKey sink, debounces per
// IntervalSeconds, and asks Detector whether the frame contains anything of
// interest, opening the recording gate when it does.
type Reader struct {
	streamName string
	cfg        Config
	detector   Detector
	breaker    *circuitBreaker
	gate       RecordingGate
	ffmpegPath string
	sandbox    *storage.Sandbox
	log        *slog.Logger

	lastSampleAt time.Time
}

// New constructs a Detection Reader for one stream.
func New(streamName string, cfg Config, detector Detector, gate RecordingGate, ffmpegPath string, sandbox *storage.Sandbox, log *slog.Logger) *Reader {
	return &Reader{
		streamName: streamName,
		cfg:        cfg,
		detector:   detector,
		breaker:    newCircuitBreaker(DefaultCircuitBreakerConfig()),
		gate:       gate,
		ffmpegPath: ffmpegPath,
		sandbox:    sandbox,
		log:        log,
	}
}

// Run drains sink until it closes or ctx is cancelled, sampling at most one
// keyframe per IntervalSeconds and running it through the detector.
func (r *Reader) Run(ctx context.Context, sink *fanout.Sink) error {
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
			continue
		}
		pkt := item.(*fanout.Packet)
		if pkt.KeyFrame {
			r.maybeSample(ctx, pkt)
		}
		pkt.Release()
	}
}

// maybeSample implements spec.md §4.F's four-step algorithm: debounce, decode
// one still frame, call the detector under the circuit breaker with a bounded
// timeout, and open the recording gate on a qualifying detection. A timeout,
// transport error, or open breaker all resolve to silent no-detection.
func (r *Reader) maybeSample(ctx context.Context, pkt *fanout.Packet) {
	now := time.Now()
	if !r.lastSampleAt.IsZero() && now.Sub(r.lastSampleAt) < time.Duration(r.cfg.IntervalSeconds)*time.Second {
		return
	}
	r.lastSampleAt = now

	jpeg, cleanup, err := r.decodeStill(ctx, pkt)
	if err != nil {
		r.log.Warn("decoding detection still frame", slog.String("stream", r.streamName), slog.String("error", err.Error()))
		return
	}
	defer cleanup()

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	var detections []Detection
	err = r.breaker.execute(callCtx, func(ctx context.Context) error {
		var detErr error
		detections, detErr = r.detector.Detect(ctx, jpeg, r.cfg.ModelID)
		return detErr
	})
	if err != nil {
		// Timeout, transport failure, and ErrCircuitOpen are all folded into
		// "no detection this sample" per spec.md §4.F — the stream keeps
		// recording on prior state rather than erroring out.
		r.log.Debug("detector call did not yield a result", slog.String("stream", r.streamName), slog.String("error", err.Error()))
		return
	}

	if r.qualifies(detections) {
		if err := r.gate.ExtendEvent(ctx); err != nil {
			r.log.Error("opening/extending event recording", slog.String("stream", r.streamName), slog.String("error", err.Error()))
		}
	}
}

func (r *Reader) qualifies(detections []Detection) bool {
	for _, d := range detections {
		if d.Score < r.cfg.Threshold {
			continue
		}
		if len(r.cfg.ClassesOfInterest) == 0 {
			return true
		}
		for _, c := range r.cfg.ClassesOfInterest {
			if c == d.Class {
				return true
			}
		}
	}
	return false
}

// decodeStill shells out to ffmpeg to turn one H.264/H.265 keyframe into a
// JPEG still, writing the source NAL unit and output image to a scratch
// subsandbox so both are cleaned up together.
func (r *Reader) decodeStill(ctx context.Context, pkt *fanout.Packet) ([]byte, func(), error) {
	scratch, err := r.sandbox.SubSandbox("tmp/detect")
	if err != nil {
		return nil, nil, fmt.Errorf("opening detection scratch dir: %w", err)
	}

	inName := fmt.Sprintf("%s-in.h264", r.streamName)
	outName := fmt.Sprintf("%s-out.jpg", r.streamName)
	if err := scratch.WriteFile(inName, pkt.Payload); err != nil {
		return nil, nil, fmt.Errorf("writing keyframe scratch file: %w", err)
	}
	cleanup := func() {
		_ = scratch.Remove(inName)
		_ = scratch.Remove(outName)
	}

	inAbs, err := scratch.ResolvePath(inName)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("resolving scratch input path: %w", err)
	}
	outAbs, err := scratch.ResolvePath(outName)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("resolving scratch output path: %w", err)
	}

	cmd := ffmpeg.NewCommandBuilder(r.ffmpegPath).
		HideBanner().
		Overwrite().
		Input(inAbs).
		OutputArgs("-vframes", "1", "-f", "image2").
		Output(outAbs).
		Build()

	if err := cmd.Run(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("running ffmpeg still decode: %w", err)
	}

	data, err := scratch.ReadFile(outName)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("reading decoded still: %w", err)
	}
	return data, cleanup, nil
}
