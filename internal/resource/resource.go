// SPDX-License-Identifier: MIT

// Package resource samples system-wide CPU and memory utilization and
// feeds the Streaming Supervisor's admission gate and proactive
// load-shedding pass (spec §4.4).
//
// Adapted from internal/stream/monitor.go's per-process ResourceMonitor
// (which never computes a true percentage, by its own admission: "CPU
// percentage requires delta calculation over time"). camguard needs a
// real percentage, so sampling moves to github.com/shirou/gopsutil/v3's
// cpu and mem packages instead of hand-parsing /proc.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is one CPU/memory reading.
type Sample struct {
	CPUPercent float64
	MemPercent float64
	Timestamp  time.Time
}

// Sampler reports system-wide CPU and memory percentages.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// GopsutilSampler is the production Sampler.
type GopsutilSampler struct{}

// Sample implements Sampler via a 500ms CPU delta measurement (gopsutil
// blocks for the interval) and an instantaneous virtual-memory read.
func (GopsutilSampler) Sample(ctx context.Context) (Sample, error) {
	percents, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
	if err != nil {
		return Sample{}, fmt.Errorf("resource: sample cpu: %w", err)
	}
	if len(percents) == 0 {
		return Sample{}, fmt.Errorf("resource: cpu.Percent returned no samples")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("resource: sample memory: %w", err)
	}

	return Sample{CPUPercent: percents[0], MemPercent: vm.UsedPercent, Timestamp: time.Now()}, nil
}

// Shedder tears down one arbitrarily-chosen active session, returning its
// identifier (for logging) and whether one existed to stop. Implemented by
// the Streaming Supervisor's session table.
type Shedder interface {
	ShedOne() (id string, ok bool)
}

// Config tunes the Monitor's sampling interval and admission/shed
// thresholds (spec §4.4).
type Config struct {
	CheckInterval  time.Duration
	MaxCPUPercent  float64
	MaxMemPercent  float64
	ShedCPUPercent float64
	ShedMemPercent float64
	ShedStopCPU    float64
	MaxShedCount   int
	ShedPause      time.Duration
}

// Monitor periodically samples system load, exposes the latest reading to
// the admission gate, and drives the proactive shedding pass when both CPU
// and memory cross ShedCPUPercent/ShedMemPercent.
type Monitor struct {
	cfg     Config
	sampler Sampler
	shedder Shedder
	logger  *slog.Logger

	mu     sync.RWMutex
	latest Sample
}

// New returns a Monitor. shedder may be nil if proactive shedding is not
// wired up (e.g. in a component that only needs the admission reading).
func New(cfg Config, sampler Sampler, shedder Shedder, logger *slog.Logger) *Monitor {
	if sampler == nil {
		sampler = GopsutilSampler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, sampler: sampler, shedder: shedder, logger: logger}
}

// SetShedder attaches a Shedder after construction, for callers where the
// shedder (typically the Streaming Supervisor) and the Monitor depend on
// each other and so can't both be built first.
func (m *Monitor) SetShedder(shedder Shedder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shedder = shedder
}

// Name identifies this service to the supervision tree.
func (m *Monitor) Name() string { return "resource" }

// Latest returns the most recent sample. Before the first successful
// sample it returns the zero Sample.
func (m *Monitor) Latest() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// AdmitNewSession reports whether a new streaming session may be started
// given the latest sample: both CPU and memory must be under their
// Max*Percent thresholds. Before any sample has been taken, admission is
// allowed optimistically so startup isn't blocked on the first tick.
func (m *Monitor) AdmitNewSession() bool {
	s := m.Latest()
	if s.Timestamp.IsZero() {
		return true
	}
	return s.CPUPercent < m.cfg.MaxCPUPercent && s.MemPercent < m.cfg.MaxMemPercent
}

// Run samples on cfg.CheckInterval until ctx is cancelled, updating Latest
// and triggering shedOverloaded whenever both CPU and memory are over
// their shed thresholds.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sample, err := m.sampler.Sample(ctx)
			if err != nil {
				m.logger.Warn("resource sample failed", "error", err)
				continue
			}

			m.mu.Lock()
			m.latest = sample
			m.mu.Unlock()

			m.logger.Debug("resource sample", "cpu_percent", sample.CPUPercent, "mem_percent", sample.MemPercent)

			if sample.CPUPercent > m.cfg.ShedCPUPercent && sample.MemPercent > m.cfg.ShedMemPercent {
				m.shedOverloaded(ctx)
			}
		}
	}
}

// shedOverloaded tears down up to MaxShedCount sessions, pausing ShedPause
// between each, stopping early once CPU drops below ShedStopCPU or a fresh
// sample can't be taken (spec §4.4).
func (m *Monitor) shedOverloaded(ctx context.Context) {
	m.mu.RLock()
	shedder := m.shedder
	m.mu.RUnlock()
	if shedder == nil {
		return
	}

	maxShed := m.cfg.MaxShedCount
	if maxShed <= 0 {
		maxShed = 5
	}
	pause := m.cfg.ShedPause
	if pause <= 0 {
		pause = 5 * time.Second
	}

	for i := 0; i < maxShed; i++ {
		id, ok := shedder.ShedOne()
		if !ok {
			m.logger.Info("load shed pass found no sessions to stop", "stopped", i)
			return
		}
		m.logger.Warn("shedding session under sustained load", "session_id", id, "count", i+1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}

		sample, err := m.sampler.Sample(ctx)
		if err != nil {
			m.logger.Warn("resample during shed pass failed", "error", err)
			return
		}
		m.mu.Lock()
		m.latest = sample
		m.mu.Unlock()

		if sample.CPUPercent < m.cfg.ShedStopCPU {
			m.logger.Info("load shed pass stopping early, cpu recovered", "cpu_percent", sample.CPUPercent)
			return
		}
	}
}

// PickArbitrary returns a pseudo-random element of ids, or "" if ids is
// empty. Used by Shedder implementations that hold sessions in an
// unordered map and need a concrete "arbitrary" choice (spec §4.4 does not
// specify an eviction order).
func PickArbitrary(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[rand.Intn(len(ids))]
}
