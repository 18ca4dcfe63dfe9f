package shutdown

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// watchdogEnvVar marks a re-exec'd process as the watchdog child; its value
// is the parent PID to observe. The child holds no other shared state with
// the parent on purpose: a process boundary, not a goroutine, is what lets
// it kill a wedged parent (spec.md §9).
const watchdogEnvVar = "NVR_WATCHDOG_PARENT_PID"

// WatchdogConfig controls the escalation delays.
type WatchdogConfig struct {
	GraceSeconds     int // time to wait for SIGUSR1 to take effect
	KillGraceSeconds int // additional time before SIGKILL
}

// DefaultWatchdogConfig mirrors spec.md §4.A's 30s + 15s escalation window.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{GraceSeconds: 30, KillGraceSeconds: 15}
}

// SpawnWatchdog re-execs the current binary with watchdogEnvVar set to our
// PID. The child calls RunWatchdogChild on startup (see cmd/nvrcore) and
// otherwise behaves like a normal invocation would if that env var were
// absent. Returns the child process so the parent can reap it on clean exit.
func SpawnWatchdog() (*os.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable for watchdog: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", watchdogEnvVar, os.Getpid()))
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting watchdog process: %w", err)
	}
	return cmd.Process, nil
}

// IsWatchdogChild reports whether this process was re-exec'd as a watchdog,
// returning the parent PID to observe if so.
func IsWatchdogChild() (parentPID int, ok bool) {
	v := os.Getenv(watchdogEnvVar)
	if v == "" {
		return 0, false
	}
	pid, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return pid, true
}

// RunWatchdogChild blocks until requested is closed, then waits
// GraceSeconds, sends the parent SIGUSR1, waits KillGraceSeconds more and
// sends SIGKILL. It returns as soon as it finds the parent gone at any of
// these checks, and otherwise after sending SIGKILL. Call only when
// IsWatchdogChild returned true; it is the whole of the child's job.
func RunWatchdogChild(cfg WatchdogConfig, parentPID int, requested <-chan struct{}) {
	<-requested // parent signals "I have begun shutdown" via a local channel bridge

	if !processAlive(parentPID) {
		return
	}

	time.Sleep(time.Duration(cfg.GraceSeconds) * time.Second)
	if !processAlive(parentPID) {
		return
	}
	_ = signalProcess(parentPID, syscall.SIGUSR1)

	time.Sleep(time.Duration(cfg.KillGraceSeconds) * time.Second)
	if !processAlive(parentPID) {
		return
	}
	_ = signalProcess(parentPID, syscall.SIGKILL)
}

// processAlive probes liveness with signal 0, which on POSIX systems performs
// existence/permission checks without actually delivering a signal.
func processAlive(pid int) bool {
	return signalProcess(pid, syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}
