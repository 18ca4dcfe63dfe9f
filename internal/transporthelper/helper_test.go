package transporthelper

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvrflow/nvrcore/internal/config"
)

func TestHelper_Spawn_DisabledIsNoOp(t *testing.T) {
	h := New(config.TransportHelperCfg{Enabled: false}, slog.New(slog.DiscardHandler))
	require.NoError(t, h.Spawn(context.Background()))
	require.Nil(t, h.cmd)
}

func TestHelper_ProbeHealth_SucceedsOnHealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := New(config.TransportHelperCfg{
		ControlAddr:   srv.URL,
		HealthPath:    "/healthz",
		ProbeRetries:  3,
		ProbeInterval: 10 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	require.NoError(t, h.probeHealth(context.Background()))
}

func TestHelper_ProbeHealth_FailsAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := New(config.TransportHelperCfg{
		ControlAddr:   srv.URL,
		HealthPath:    "/healthz",
		ProbeRetries:  3,
		ProbeInterval: 5 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	err := h.probeHealth(context.Background())
	require.ErrorIs(t, err, ErrProbeFailed)
}

func TestHelper_RegisterStream_RejectsWhenNotRunning(t *testing.T) {
	h := New(config.TransportHelperCfg{Enabled: true}, slog.New(slog.DiscardHandler))
	err := h.RegisterStream(context.Background(), "cam1", "rtsp://127.0.0.1/cam1")
	require.Error(t, err)
}

func TestHelper_Stop_NoopWhenNeverSpawned(t *testing.T) {
	h := New(config.TransportHelperCfg{}, slog.New(slog.DiscardHandler))
	require.NoError(t, h.Stop(context.Background()))
}
