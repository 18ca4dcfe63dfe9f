// Package procmon samples a subprocess's CPU and memory footprint via
// gopsutil instead of hand-parsing /proc, so the same sampler works on every
// platform gopsutil supports rather than only Linux.
package procmon

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one point-in-time reading of a process's resource usage.
type Sample struct {
	CPUPercent      float64
	CPUUserSeconds  float64
	CPUSystemSeconds float64
	MemoryRSSBytes  uint64
	MemoryVMSBytes  uint64
}

// Sampler tracks one PID across repeated Sample calls.
type Sampler struct {
	proc *process.Process
}

// New opens a sampler for pid. Returns an error if the process cannot be
// found, e.g. it has already exited.
func New(pid int32) (*Sampler, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: p}, nil
}

// Sample takes one reading. CPUPercent is the CPU time used since the
// previous Sample call divided by the wall-clock time between the two, per
// gopsutil's PercentWithContext(0) convention; the first call returns 0.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	cpuPct, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Sample{}, err
	}
	times, err := s.proc.TimesWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		CPUPercent:       cpuPct,
		CPUUserSeconds:   times.User,
		CPUSystemSeconds: times.System,
		MemoryRSSBytes:   mem.RSS,
		MemoryVMSBytes:   mem.VMS,
	}, nil
}

// Running reports whether the process this sampler was opened for is still
// alive.
func (s *Sampler) Running(ctx context.Context) bool {
	ok, err := s.proc.IsRunningWithContext(ctx)
	return err == nil && ok
}
