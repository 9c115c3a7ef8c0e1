// Package monitor samples the wrapped child process and follows transcript
// files. Process sampling uses github.com/shirou/gopsutil so it works the same
// on every platform the wrapper runs on.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcSample represents a snapshot of process resource usage.
type ProcSample struct {
	CPUSeconds float64   // Cumulative CPU time (user + system) in seconds
	Wall       time.Time // Wall clock time when sample was taken
	RSSBytes   int64     // Resident set size (physical memory) in bytes
	VSZBytes   int64     // Virtual memory size in bytes
	State      string    // Process state (R/S/D/Z/T/etc) - platform-dependent
}

// IdleConfig says when a quiet child counts as idle.
type IdleConfig struct {
	Interval   time.Duration // Time between samples
	CPUPercent float64       // CPU percentage below which the child is quiet
	Duration   time.Duration // How long it must stay quiet
}

// ProcessMonitor samples a single known process, normally the child started
// by the wrapper. Output activity resets the idle timer through Activity.
type ProcessMonitor struct {
	mu           sync.Mutex
	pid          int
	lastSample   *ProcSample
	lastCPU      float64
	idleSince    time.Time // When CPU first went below threshold
	idleNotified bool      // Whether this idle stretch was already reported
	read         func(pid int) (ProcSample, error)
	now          func() time.Time
}

// NewProcessMonitor creates a monitor for pid.
func NewProcessMonitor(pid int) *ProcessMonitor {
	return &ProcessMonitor{
		pid:     pid,
		lastCPU: -1,
		read:    ReadProcSample,
		now:     time.Now,
	}
}

// PID returns the monitored process ID.
func (pm *ProcessMonitor) PID() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.pid
}

// SetPID switches to another process and forgets the previous samples.
func (pm *ProcessMonitor) SetPID(pid int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pid = pid
	pm.lastSample = nil
	pm.lastCPU = -1
	pm.idleSince = time.Time{}
	pm.idleNotified = false
}

// IsAlive reports whether the monitored process is still running.
func (pm *ProcessMonitor) IsAlive() bool {
	return pidAlive(pm.PID())
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	p, err := process.NewProcess(int32(pid))
	if err == nil {
		if running, _ := p.IsRunning(); running {
			return true
		}
	}

	return syscall.Kill(pid, 0) == nil
}

// Sample takes a new process sample and returns CPU percentage.
// Returns -1 if sampling fails or no previous sample exists.
func (pm *ProcessMonitor) Sample() float64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.pid <= 0 {
		return -1
	}

	sample, err := pm.read(pm.pid)
	if err != nil {
		pm.lastCPU = -1
		return -1
	}

	if pm.lastSample == nil {
		pm.lastSample = &sample
		return -1 // Need two samples to calculate
	}

	elapsed := sample.Wall.Sub(pm.lastSample.Wall).Seconds()
	if elapsed <= 0 {
		pm.lastSample = &sample
		return -1
	}

	cpuDelta := sample.CPUSeconds - pm.lastSample.CPUSeconds
	pm.lastCPU = (cpuDelta / elapsed) * 100 / float64(runtime.NumCPU())
	pm.lastSample = &sample
	return pm.lastCPU
}

// LastCPU returns the last calculated CPU percentage, or -1.
func (pm *ProcessMonitor) LastCPU() float64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lastCPU
}

// LastSample returns the most recent process sample.
func (pm *ProcessMonitor) LastSample() *ProcSample {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lastSample
}

// CheckIdle returns true once per idle stretch: the first time the last CPU
// reading has stayed below idleThreshold for at least idleDuration.
func (pm *ProcessMonitor) CheckIdle(idleThreshold float64, idleDuration time.Duration) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.lastCPU < 0 {
		return false
	}

	if pm.lastCPU < idleThreshold {
		if pm.idleSince.IsZero() {
			pm.idleSince = pm.now()
		}
		if !pm.idleNotified && pm.now().Sub(pm.idleSince) >= idleDuration {
			pm.idleNotified = true
			return true
		}
	} else {
		pm.idleSince = time.Time{}
		pm.idleNotified = false
	}

	return false
}

// Activity resets the idle state. The wrapper calls it whenever the child
// writes output.
func (pm *ProcessMonitor) Activity() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.idleSince = time.Time{}
	pm.idleNotified = false
}

// Watch samples the process every cfg.Interval until ctx is cancelled or the
// process exits, calling onIdle once per idle stretch.
func (pm *ProcessMonitor) Watch(ctx context.Context, cfg IdleConfig, logger *zap.Logger, onIdle func(cpu float64)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !pm.IsAlive() {
			logger.Debug("Monitored process gone", zap.Int("pid", pm.PID()))
			return
		}

		cpu := pm.Sample()
		if cpu >= 0 {
			logger.Debug("Process sample",
				zap.Int("pid", pm.PID()),
				zap.Float64("cpu", cpu),
				zap.String("meta", FormatProcMeta(pm.LastSample())))
		}
		if pm.CheckIdle(cfg.CPUPercent, cfg.Duration) {
			onIdle(pm.LastCPU())
		}
	}
}

// FormatProcMeta formats process metadata for display.
func FormatProcMeta(sample *ProcSample) string {
	if sample == nil {
		return ""
	}
	state := sample.State
	if state == "" {
		state = "?"
	}
	return fmt.Sprintf(" (RSS=%s VSZ=%s STAT=%s)",
		HumanBytes(sample.RSSBytes),
		HumanBytes(sample.VSZBytes),
		state)
}

// HumanBytes formats bytes in human-readable form.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for n >= unit*div && exp < 5 {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	return fmt.Sprintf("%.1f%ciB", value, "KMGTPE"[exp])
}

// WatchPID returns a channel that closes when pid exits or ctx is cancelled.
func WatchPID(ctx context.Context, pid int, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !pidAlive(pid) {
					return
				}
			}
		}
	}()
	return done
}

// ReadProcSample reads process stats using gopsutil.
func ReadProcSample(pid int) (ProcSample, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcSample{}, fmt.Errorf("failed to open process: %w", err)
	}

	sample := ProcSample{
		Wall: time.Now(),
	}

	if times, err := p.Times(); err == nil {
		sample.CPUSeconds = times.User + times.System
	}

	if memInfo, err := p.MemoryInfo(); err == nil {
		sample.RSSBytes = int64(memInfo.RSS)
		sample.VSZBytes = int64(memInfo.VMS)
	}

	// Status is platform-dependent and may be empty on Windows.
	if status, err := p.Status(); err == nil && len(status) > 0 {
		sample.State = status[0]
	}

	return sample, nil
}
