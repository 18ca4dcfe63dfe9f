// Package orchestrator supervises one RTSP source per configured stream,
// running its lifecycle state machine and wiring its normalized packet
// fan-out to the HLS writer, MP4 writer, and Detection Reader, per
// spec.md §4.G.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"github.com/nvrflow/nvrcore/internal/detection"
	"github.com/nvrflow/nvrcore/internal/fanout"
	"github.com/nvrflow/nvrcore/internal/hlswriter"
	"github.com/nvrflow/nvrcore/internal/models"
	"github.com/nvrflow/nvrcore/internal/mp4writer"
	"github.com/nvrflow/nvrcore/internal/timestamp"
)

const (
	videoTrack = 0
	audioTrack = 1

	hlsSinkID    = "hls"
	mp4SinkID    = "mp4"
	detectSinkID = "detect"

	degradedDropRate   = 0.5
	degradedWindow     = 30 * time.Second
	fanoutSinkCapacity = 512
	mp4BlockFor        = 500 * time.Millisecond
)

// Writers groups the per-stream consumers a Pipeline wires to its fan-out.
// Any field left nil means that consumer isn't active for this stream
// (streaming/recording/detection independently toggle per models.Stream).
type Writers struct {
	HLS    *hlswriter.Writer
	MP4    *mp4writer.Writer
	Detect *detection.Reader
}

// Pipeline owns one stream's RTSP connection, normalization, and fan-out for
// the lifetime of the stream being enabled.
type Pipeline struct {
	stream  *models.Stream
	log     *slog.Logger
	writers Writers

	fan        *fanout.Fanout
	normalizer *timestamp.Normalizer
	backoff    *backoff

	mu          sync.Mutex
	state       State
	degradedAt  time.Time
	cancel      context.CancelFunc
	stoppedCh   chan struct{}
}

// New constructs a Pipeline for one stream. normalizer is shared with the
// caller so the HLS/MP4 writers' discontinuity-triggered rotation closures
// can be wired against the same Normalizer instance before the Pipeline
// itself exists; pass timestamp.New() if the caller has no other use for it.
// Call Start to begin supervision.
func New(stream *models.Stream, writers Writers, normalizer *timestamp.Normalizer, log *slog.Logger) *Pipeline {
	return &Pipeline{
		stream:     stream,
		log:        log,
		writers:    writers,
		fan:        fanout.New(),
		normalizer: normalizer,
		backoff:    newBackoff(),
		state:      StateIdle,
		stoppedCh:  make(chan struct{}),
	}
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start launches the supervision loop in the background and returns
// immediately; Stop (or ctx cancellation) ends it.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.supervise(runCtx)
}

// Stop requests the pipeline to transition to STOPPING and blocks until its
// resources are released. The detection, HLS and MP4 consumers are stopped
// together (see connectAndRun), in no fixed order among themselves and with
// no per-consumer deadline; the RTSP client is closed after all of them
// have returned.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	p.setState(StateStopping)
	cancel()
	<-p.stoppedCh
}

// Stats reports sink-level drop statistics, used for both DEGRADED detection
// and the out-of-scope HTTP API's eventual resource surface.
func (p *Pipeline) Stats() map[string]fanout.Stats {
	return p.fan.SinkStats()
}

func (p *Pipeline) supervise(ctx context.Context) {
	defer close(p.stoppedCh)
	defer p.setState(StateStopped)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.setState(StateConnecting)
		started := time.Now()
		err := p.connectAndRun(ctx)
		p.backoff.noteRunEnded(time.Now())

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Error("stream connection ended", slog.String("stream", p.stream.Name), slog.String("error", err.Error()))
		}

		delay := p.backoff.next()
		p.log.Info("reconnecting", slog.String("stream", p.stream.Name), slog.Duration("delay", delay), slog.Duration("ran_for", time.Since(started)))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndRun performs one RTSP session: DESCRIBE, SETUP, PLAY, and then
// blocks consuming RTP until the session ends or ctx is cancelled. It starts
// the writer/detector goroutines for the duration of the session and, on the
// way out, stops them all at once (cancelling their shared context and
// closing every fan-out sink), waits for every one of them, and then closes
// the RTSP client.
func (p *Pipeline) connectAndRun(ctx context.Context) error {
	u, err := base.ParseURL(p.stream.SourceURL)
	if err != nil {
		return fmt.Errorf("parsing source url: %w", err)
	}
	if p.stream.Username != "" {
		u.User = url.UserPassword(p.stream.Username, p.stream.Password)
	}

	client := &gortsplib.Client{}
	if t := rtspTransport(p.stream.Transport); t != nil {
		client.Transport = t
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("connecting to rtsp source: %w", err)
	}
	defer client.Close()

	desc, _, err := client.Describe(u)
	if err != nil {
		return fmt.Errorf("describing rtsp source: %w", err)
	}

	if err := p.setupTracks(client, desc); err != nil {
		return err
	}

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()

	g := p.startConsumers(sessionCtx)

	if _, err := client.Play(nil); err != nil {
		sessionCancel()
		g.Wait()
		return fmt.Errorf("starting playback: %w", err)
	}

	p.backoff.noteRunStarted(time.Now())
	p.setState(StateRunning)

	go p.watchHealth(sessionCtx)

	select {
	case <-ctx.Done():
	case <-client.Wait():
	}

	sessionCancel()
	p.fan.CloseAll()
	g.Wait()
	return nil
}

// startConsumers launches the active writer/detector goroutines for this
// session under an errgroup.Group the caller drains before tearing the RTSP
// client down, so no consumer reads from a fan-out after the socket closes.
// A consumer's own error is logged and swallowed rather than propagated
// through the group, since one writer failing must not cancel its siblings.
func (p *Pipeline) startConsumers(ctx context.Context) *errgroup.Group {
	var g errgroup.Group

	if p.writers.HLS != nil && p.stream.StreamingEnabled {
		sink := fanout.NewSink(hlsSinkID, fanout.DropOldest, fanoutSinkCapacity, 0)
		p.fan.AddSink(sink)
		g.Go(func() error {
			if err := p.writers.HLS.Run(ctx, sink); err != nil {
				p.log.Error("hls writer stopped", slog.String("stream", p.stream.Name), slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if p.writers.MP4 != nil && p.stream.Record {
		sink := fanout.NewSink(mp4SinkID, fanout.BlockBounded, fanoutSinkCapacity, mp4BlockFor)
		p.fan.AddSink(sink)
		trigger := models.RecordingTriggerContinuous
		if p.stream.DetectionEnabled {
			trigger = models.RecordingTriggerDetection
		}
		g.Go(func() error {
			if err := p.writers.MP4.Run(ctx, sink, trigger); err != nil {
				p.log.Error("mp4 writer stopped", slog.String("stream", p.stream.Name), slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if p.writers.Detect != nil && p.stream.DetectionEnabled {
		sink := fanout.NewSink(detectSinkID, fanout.DropNewestNonKey, fanoutSinkCapacity, 0)
		p.fan.AddSink(sink)
		g.Go(func() error {
			if err := p.writers.Detect.Run(ctx, sink); err != nil {
				p.log.Error("detection reader stopped", slog.String("stream", p.stream.Name), slog.String("error", err.Error()))
			}
			return nil
		})
	}

	return &g
}

// watchHealth polls sink drop rates and flips the pipeline between RUNNING
// and DEGRADED per spec.md §4.G's >50%-drops-for-30s rule. It never cancels
// the session itself — DEGRADED is observable state, not a teardown trigger.
func (p *Pipeline) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bad := false
		for _, stats := range p.fan.SinkStats() {
			if stats.DropRate() > degradedDropRate {
				bad = true
				break
			}
		}

		p.mu.Lock()
		switch {
		case bad && p.degradedAt.IsZero():
			p.degradedAt = time.Now()
		case bad && time.Since(p.degradedAt) >= degradedWindow:
			p.state = StateDegraded
		case !bad:
			p.degradedAt = time.Time{}
			if p.state == StateDegraded {
				p.state = StateRunning
			}
		}
		p.mu.Unlock()
	}
}

func rtspTransport(t models.Transport) *gortsplib.Transport {
	var v gortsplib.Transport
	switch t {
	case models.TransportTCP:
		v = gortsplib.TransportTCP
	case models.TransportUDP:
		v = gortsplib.TransportUDP
	default:
		return nil
	}
	return &v
}

// setupTracks negotiates the video (H.264/H.265) and audio (AAC) media
// described by the source, registering one OnPacketRTP callback per track
// that depacketizes into Annex-B/ADTS-less access units, normalizes
// timestamps, and publishes onto the fan-out.
func (p *Pipeline) setupTracks(client *gortsplib.Client, desc *description.Session) error {
	foundMedia := false

	var h264Format *format.H264
	if media := desc.FindFormat(&h264Format); media != nil {
		if err := p.setupVideo(client, media, func() (rtpDecoder, error) {
			return h264Format.CreateDecoder()
		}, fanout.CodecH264); err != nil {
			return err
		}
		foundMedia = true
	}

	var h265Format *format.H265
	if h264Format == nil {
		if media := desc.FindFormat(&h265Format); media != nil {
			if err := p.setupVideo(client, media, func() (rtpDecoder, error) {
				return h265Format.CreateDecoder()
			}, fanout.CodecH265); err != nil {
				return err
			}
			foundMedia = true
		}
	}

	var aacFormat *format.MPEG4Audio
	if media := desc.FindFormat(&aacFormat); media != nil {
		if err := p.setupAudio(client, media, aacFormat); err != nil {
			return err
		}
		foundMedia = true
	}

	if !foundMedia {
		return errors.New("no supported video or audio track in rtsp description")
	}
	return nil
}

// rtpDecoder is the common shape of gortsplib's per-codec RTP decoders; the
// H.264 and H.265 decoders both produce a slice of NAL units per packet.
type rtpDecoder interface {
	Decode(pkt *rtp.Packet) ([][]byte, error)
}

func (p *Pipeline) setupVideo(client *gortsplib.Client, media *description.Media, newDecoder func() (rtpDecoder, error), codec fanout.Codec) error {
	if _, err := client.Setup(media, 0, 0); err != nil {
		return fmt.Errorf("setting up video track: %w", err)
	}

	dec, err := newDecoder()
	if err != nil {
		return fmt.Errorf("creating video rtp decoder: %w", err)
	}

	client.OnPacketRTP(media, media.Formats[0], func(pkt *rtp.Packet) {
		nalus, err := dec.Decode(pkt)
		if err != nil {
			return
		}
		now := time.Now().UnixNano()
		for _, nalu := range nalus {
			keyFrame := isKeyframeNALU(codec, nalu)
			pts := int64(pkt.Timestamp)
			out := p.normalizer.Normalize(videoTrack, timestamp.Sample{PTS: pts, DTS: pts, KeyFrame: keyFrame})
			p.fan.Publish(fanout.NewPacket(codec, videoTrack, nalu, out.PTS, out.DTS, keyFrame, now))
		}
	})
	return nil
}

func (p *Pipeline) setupAudio(client *gortsplib.Client, media *description.Media, f *format.MPEG4Audio) error {
	if _, err := client.Setup(media, 0, 0); err != nil {
		return fmt.Errorf("setting up audio track: %w", err)
	}

	dec, err := f.CreateDecoder()
	if err != nil {
		return fmt.Errorf("creating audio rtp decoder: %w", err)
	}

	client.OnPacketRTP(media, media.Formats[0], func(pkt *rtp.Packet) {
		aus, err := dec.Decode(pkt)
		if err != nil {
			return
		}
		now := time.Now().UnixNano()
		for _, au := range aus {
			pts := int64(pkt.Timestamp)
			out := p.normalizer.Normalize(audioTrack, timestamp.Sample{PTS: pts, DTS: pts, KeyFrame: true})
			p.fan.Publish(fanout.NewPacket(fanout.CodecAAC, audioTrack, au, out.PTS, out.DTS, true, now))
		}
	})
	return nil
}

func isKeyframeNALU(codec fanout.Codec, nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	if codec == fanout.CodecH264 {
		return nalu[0]&0x1F == 5
	}
	return (nalu[0]>>1)&0x3F == 19 || (nalu[0]>>1)&0x3F == 20
}
