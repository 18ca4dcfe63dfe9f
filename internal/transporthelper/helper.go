// Package transporthelper spawns and supervises the optional external
// transport helper process referenced by spec.md §6: a sidecar that can
// offer additional RTSP transport paths (e.g. SRT or WebRTC egress) beyond
// what the Stream Lifecycle Orchestrator handles directly. The helper is
// entirely optional; its absence degrades the set of transports available
// to a stream but never prevents the process from starting.
//
// Adapted from the teacher's subprocess-spawning idiom in
// internal/relay/ffmpegd_spawner.go, generalized from a gRPC daemon
// registration model to a plain HTTP control API: spawn, poll a health
// endpoint, then register streams over HTTP instead of waiting on a gRPC
// daemon registry entry.
package transporthelper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"syscall"
	"time"

	"github.com/nvrflow/nvrcore/internal/config"
	"github.com/nvrflow/nvrcore/internal/util"
	"github.com/nvrflow/nvrcore/pkg/httpclient"
)

// ErrBinaryNotFound indicates the configured transport helper binary could
// not be located on disk, in the current directory, or on PATH.
var ErrBinaryNotFound = errors.New("transport helper binary not found")

// ErrProbeFailed indicates the helper process started but never answered
// its health endpoint within the configured retry budget. Per spec.md §9's
// Open Question resolution this is non-fatal: the caller should log and
// continue without helper-backed transports rather than abort startup.
var ErrProbeFailed = errors.New("transport helper health probe failed")

const binaryEnvVar = "NVR_TRANSPORT_HELPER_BINARY"

// Helper supervises one external transport helper subprocess for the life
// of the nvrcore process.
type Helper struct {
	cfg    config.TransportHelperCfg
	log    *slog.Logger
	client *httpclient.Client

	cmd *exec.Cmd
}

// New constructs a Helper. It does not spawn anything until Spawn is
// called.
func New(cfg config.TransportHelperCfg, log *slog.Logger) *Helper {
	client := httpclient.NewClientFactory(nil).
		WithLogger(log).
		CreateClientForService("transport_helper")

	return &Helper{cfg: cfg, log: log, client: client}
}

// Spawn starts the helper subprocess and waits for it to answer its health
// endpoint. If cfg.Enabled is false, Spawn is a no-op and returns nil:
// there is nothing to supervise and callers should treat the helper as
// entirely absent.
//
// A failed probe is returned as an error so the caller can log it, but per
// spec.md §9's resolution the process must keep starting regardless - the
// orchestrator simply never offers helper-backed transports for any
// stream.
func (h *Helper) Spawn(ctx context.Context) error {
	if !h.cfg.Enabled {
		return nil
	}

	binaryPath := h.cfg.BinaryPath
	if binaryPath == "" {
		found, err := util.FindBinary("nvr-transporthelper", binaryEnvVar)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
		}
		binaryPath = found
	}

	startupTimeout := h.cfg.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = 15 * time.Second
	}

	args := []string{"--control-addr", h.cfg.ControlAddr}
	cmd := exec.Command(binaryPath, args...)
	cmd.Stdout = &logWriter{log: h.log, stream: "stdout"}
	cmd.Stderr = &logWriter{log: h.log, stream: "stderr"}

	h.log.Info("transporthelper: spawning subprocess",
		slog.String("binary", binaryPath), slog.String("control_addr", h.cfg.ControlAddr))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting transport helper: %w", err)
	}
	h.cmd = cmd

	probeCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := h.probeHealth(probeCtx); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		h.cmd = nil
		return err
	}

	h.log.Info("transporthelper: subprocess healthy", slog.Int("pid", cmd.Process.Pid))
	return nil
}

// probeHealth polls the HTTP health endpoint with the spec-mandated 10x1s
// retry budget (spec.md §6), returning ErrProbeFailed if none succeed
// before ctx is done.
func (h *Helper) probeHealth(ctx context.Context) error {
	retries := h.cfg.ProbeRetries
	if retries <= 0 {
		retries = 10
	}
	interval := h.cfg.ProbeInterval
	if interval <= 0 {
		interval = time.Second
	}

	url := h.cfg.ControlAddr + h.cfg.HealthPath

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		resp, err := h.client.Get(ctx, url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrProbeFailed, ctx.Err())
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("%w: %v", ErrProbeFailed, lastErr)
}

// registerRequest is the body sent to the helper's control API to announce
// a stream that may use a helper-backed transport.
type registerRequest struct {
	StreamName string `json:"stream_name"`
	SourceURL  string `json:"source_url"`
}

// RegisterStream announces a stream to the running helper over its HTTP
// control API. Callers should treat a non-nil error as "this stream does
// not get helper-backed transports", never as fatal.
func (h *Helper) RegisterStream(ctx context.Context, streamName, sourceURL string) error {
	if h.cmd == nil {
		return errors.New("transport helper is not running")
	}

	body, err := json.Marshal(registerRequest{StreamName: streamName, SourceURL: sourceURL})
	if err != nil {
		return fmt.Errorf("encoding register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.ControlAddr+"/streams", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("registering stream with transport helper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport helper rejected registration: status %d", resp.StatusCode)
	}
	return nil
}

// Stop terminates the subprocess, waiting up to cfg.ShutdownTimeout before
// killing it. Safe to call when Spawn was never invoked or failed.
func (h *Helper) Stop(ctx context.Context) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	shutdownTimeout := h.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownTimeout):
		h.log.Warn("transporthelper: did not exit gracefully, killing", slog.Int("pid", h.cmd.Process.Pid))
		_ = h.cmd.Process.Kill()
		<-done
		return nil
	}
}

// logWriter re-emits subprocess output lines through structured logging.
type logWriter struct {
	log    *slog.Logger
	stream string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Info("transporthelper: subprocess output", slog.String("stream", w.stream), slog.String("line", string(bytes.TrimRight(p, "\n"))))
	return len(p), nil
}
