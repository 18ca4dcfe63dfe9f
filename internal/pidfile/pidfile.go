// Package pidfile implements the exclusive-locked PID file contract from
// spec.md §6: on startup, evict any prior holder before claiming the lock.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrCouldNotEvict is returned when a prior instance would not release the
// lock even after SIGTERM and SIGKILL; the caller should exit(2) per spec §6.
var ErrCouldNotEvict = errors.New("pidfile: could not evict prior instance")

// File is a held, advisory-locked PID file.
type File struct {
	path string
	f    *os.File
}

// Acquire opens path, evicting any previous holder (SIGTERM then SIGKILL
// after waitSeconds), and writes the current PID into it under an exclusive
// flock. The returned File must be released with Release on clean shutdown.
func Acquire(path string, waitSeconds int) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening pid file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err := evictPriorHolder(f, waitSeconds); err != nil {
			f.Close()
			return nil, err
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrCouldNotEvict, err)
		}
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	return &File{path: path, f: f}, nil
}

// evictPriorHolder reads the PID recorded in the file, sends SIGTERM, waits
// up to waitSeconds for it to exit (polling via signal 0), then escalates to
// SIGKILL.
func evictPriorHolder(f *os.File, waitSeconds int) error {
	data := make([]byte, 32)
	n, _ := f.ReadAt(data, 0)
	pidStr := strings.TrimSpace(string(data[:n]))
	if pidStr == "" {
		return nil // stale empty file, nothing to evict
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if proc.Signal(syscall.Signal(0)) != nil {
		return nil // already dead
	}

	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	if proc.Signal(syscall.Signal(0)) == nil {
		_ = proc.Signal(syscall.SIGKILL)
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}

// Release unlocks and removes the PID file. Call on clean shutdown only;
// do not call from a signal handler.
func (p *File) Release() error {
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	closeErr := p.f.Close()
	removeErr := os.Remove(p.path)
	if closeErr != nil {
		return fmt.Errorf("closing pid file: %w", closeErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("removing pid file: %w", removeErr)
	}
	return nil
}
