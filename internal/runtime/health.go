package runtime

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HealthConfig tunes the periodic samplers.
type HealthConfig struct {
	// MemoryLimitMB is the runtime's own RSS ceiling. Crossing it triggers
	// graceful shutdown: self-protection over availability.
	MemoryLimitMB    int
	MemoryCheckEvery string // cron @every interval, e.g. "30s"
	SampleEvery      string // system load/memory sampling interval

	// High-water marks: either one crossed means "stressed".
	LoadHighWater      float64
	MemoryHighWaterPct float64
	// Low-water marks: both must hold for "healthy".
	LoadLowWater      float64
	MemoryLowWaterPct float64
}

// Monitor samples process and system health on fixed intervals and adapts
// the runtime: shrink the ceiling fast under stress, grow it slowly when
// healthy, shut down when the process itself breaches its memory ceiling.
type Monitor struct {
	rt              *Runtime
	cfg             HealthConfig
	cron            *cron.Cron
	requestShutdown func(reason string)
	logger          *slog.Logger
}

// NewMonitor creates a health monitor. requestShutdown is invoked at most
// once, outside any signal handler, when the memory watchdog trips.
func NewMonitor(rt *Runtime, cfg HealthConfig, requestShutdown func(reason string), logger *slog.Logger) *Monitor {
	if cfg.MemoryCheckEvery == "" {
		cfg.MemoryCheckEvery = "30s"
	}
	if cfg.SampleEvery == "" {
		cfg.SampleEvery = "60s"
	}
	return &Monitor{
		rt:              rt,
		cfg:             cfg,
		requestShutdown: requestShutdown,
		logger:          logger.With("component", "health-monitor"),
	}
}

// Start schedules the samplers and returns once they are running.
func (m *Monitor) Start() error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc("@every "+m.cfg.MemoryCheckEvery, m.checkProcessMemory); err != nil {
		return fmt.Errorf("failed to schedule memory watchdog: %w", err)
	}
	if _, err := m.cron.AddFunc("@every "+m.cfg.SampleEvery, m.sampleSystem); err != nil {
		return fmt.Errorf("failed to schedule system sampler: %w", err)
	}
	m.cron.Start()
	m.logger.Info("health monitor started",
		"memory_check_every", m.cfg.MemoryCheckEvery, "sample_every", m.cfg.SampleEvery)
	return nil
}

// Stop halts the samplers and waits for any in-progress run to finish.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// checkProcessMemory compares the runtime's RSS against its configured
// ceiling and initiates graceful shutdown on breach.
func (m *Monitor) checkProcessMemory() {
	if m.cfg.MemoryLimitMB <= 0 {
		return
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn("failed to inspect own process", "error", err)
		return
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		m.logger.Warn("failed to sample process memory", "error", err)
		return
	}
	rssMB := int(mi.RSS >> 20)
	if rssMB > m.cfg.MemoryLimitMB {
		m.logger.Error("runtime memory ceiling exceeded",
			"rss_mb", rssMB, "limit_mb", m.cfg.MemoryLimitMB)
		if m.requestShutdown != nil {
			m.requestShutdown(fmt.Sprintf("process memory %dMB exceeds limit %dMB", rssMB, m.cfg.MemoryLimitMB))
		}
	}
}

// sampleSystem reads load average and memory usage and nudges the
// concurrency ceiling. Hysteresis between the water marks prevents
// oscillation.
func (m *Monitor) sampleSystem() {
	avg, err := load.Avg()
	if err != nil {
		m.logger.Warn("failed to sample load average", "error", err)
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Warn("failed to sample system memory", "error", err)
		return
	}

	stressed := avg.Load1 > m.cfg.LoadHighWater || vm.UsedPercent > m.cfg.MemoryHighWaterPct
	healthy := avg.Load1 < m.cfg.LoadLowWater && vm.UsedPercent < m.cfg.MemoryLowWaterPct

	switch {
	case stressed:
		m.rt.shrinkCeiling()
	case healthy:
		m.rt.growCeiling()
	}

	m.logger.Debug("system sampled",
		"load1", avg.Load1,
		"memory_used_pct", vm.UsedPercent,
		"ceiling", m.rt.Ceiling(),
		"in_flight", m.rt.InFlight(),
	)
}
