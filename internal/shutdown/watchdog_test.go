package shutdown

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsWatchdogChild_AbsentEnvVar(t *testing.T) {
	t.Setenv(watchdogEnvVar, "")
	os.Unsetenv(watchdogEnvVar)
	_, ok := IsWatchdogChild()
	require.False(t, ok)
}

func TestIsWatchdogChild_ParsesValidPID(t *testing.T) {
	t.Setenv(watchdogEnvVar, "4242")
	pid, ok := IsWatchdogChild()
	require.True(t, ok)
	require.Equal(t, 4242, pid)
}

func TestIsWatchdogChild_InvalidValueIsNotOK(t *testing.T) {
	t.Setenv(watchdogEnvVar, "not-a-pid")
	_, ok := IsWatchdogChild()
	require.False(t, ok)
}

func TestProcessAlive_CurrentProcessIsAlive(t *testing.T) {
	require.True(t, processAlive(os.Getpid()))
}

func TestProcessAlive_ExitedProcessIsNotAlive(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	require.Eventually(t, func() bool {
		return !processAlive(pid)
	}, time.Second, 5*time.Millisecond)
}

func TestRunWatchdogChild_KillsParentAfterGraceWindow(t *testing.T) {
	fakeParent := exec.Command("sleep", "30")
	require.NoError(t, fakeParent.Start())
	defer func() { _ = fakeParent.Process.Kill() }()

	requested := make(chan struct{})
	close(requested)

	cfg := WatchdogConfig{GraceSeconds: 0, KillGraceSeconds: 0}
	done := make(chan struct{})
	go func() {
		RunWatchdogChild(cfg, fakeParent.Process.Pid, requested)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunWatchdogChild must return once it has escalated through both stages")
	}

	err := fakeParent.Wait()
	require.Error(t, err, "the fake parent must have been killed by the watchdog")
}

func TestRunWatchdogChild_NoOpIfParentAlreadyGone(t *testing.T) {
	fakeParent := exec.Command("true")
	require.NoError(t, fakeParent.Start())
	pid := fakeParent.Process.Pid
	require.NoError(t, fakeParent.Wait())

	requested := make(chan struct{})
	close(requested)

	done := make(chan struct{})
	go func() {
		RunWatchdogChild(WatchdogConfig{GraceSeconds: 0, KillGraceSeconds: 0}, pid, requested)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWatchdogChild must return immediately when the parent is already gone")
	}
}

func TestRunWatchdogChild_WaitsForRequestedSignal(t *testing.T) {
	requested := make(chan struct{})
	done := make(chan struct{})
	go func() {
		RunWatchdogChild(WatchdogConfig{GraceSeconds: 0, KillGraceSeconds: 0}, os.Getpid(), requested)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("RunWatchdogChild must block until requested fires")
	case <-time.After(20 * time.Millisecond):
	}
	// Do not close requested here: doing so would arm escalation against our
	// own test process. The blocking behavior above is what's under test.
}

func TestSignalProcess_Signal0OnCurrentProcessSucceeds(t *testing.T) {
	require.NoError(t, signalProcess(os.Getpid(), syscall.Signal(0)))
}
