package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvrflow/nvrcore/internal/fanout"
	"github.com/nvrflow/nvrcore/internal/models"
	"github.com/nvrflow/nvrcore/internal/timestamp"
)

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateRunning:    "running",
		StateDegraded:   "degraded",
		StateStopping:   "stopping",
		StateStopped:    "stopped",
		State(99):       "unknown",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}

func TestIsKeyframeNALU_H264(t *testing.T) {
	idr := []byte{0x65, 0xAA}        // nal type 5 (IDR)
	nonIDR := []byte{0x41, 0xAA}     // nal type 1
	require.True(t, isKeyframeNALU(fanout.CodecH264, idr))
	require.False(t, isKeyframeNALU(fanout.CodecH264, nonIDR))
	require.False(t, isKeyframeNALU(fanout.CodecH264, nil))
}

func TestIsKeyframeNALU_H265(t *testing.T) {
	idr := []byte{19 << 1, 0x00} // nal type 19 (IDR_W_RADL)
	nonVCL := []byte{0x02, 0x00} // nal type 1
	require.True(t, isKeyframeNALU(fanout.CodecH265, idr))
	require.False(t, isKeyframeNALU(fanout.CodecH265, nonVCL))
}

func TestRtspTransport(t *testing.T) {
	require.NotNil(t, rtspTransport(models.TransportTCP))
	require.NotNil(t, rtspTransport(models.TransportUDP))
	require.Nil(t, rtspTransport(models.Transport("auto")))
}

func TestPipeline_StartStop_UnreachableSourceReturnsCleanly(t *testing.T) {
	stream := &models.Stream{
		Name:      "cam1",
		SourceURL: "rtsp://127.0.0.1:1/stream", // nothing listens on port 1: connection refused immediately
		Transport: models.TransportTCP,
	}
	p := New(stream, Writers{}, timestamp.New(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool {
		return p.State() == StateConnecting
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	require.Equal(t, StateStopped, p.State())
}

func TestPipeline_Stats_EmptyBeforeAnySinksRegistered(t *testing.T) {
	stream := &models.Stream{Name: "cam1", SourceURL: "rtsp://127.0.0.1:1/stream"}
	p := New(stream, Writers{}, timestamp.New(), slog.New(slog.DiscardHandler))
	require.Empty(t, p.Stats())
}
