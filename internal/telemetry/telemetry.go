// Package telemetry assembles the periodic device snapshot uploaded to
// the backend: hardware identity, performance metrics, and agent
// self-monitoring data.
package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/opsdeck/agent/internal/device"
	"github.com/opsdeck/agent/internal/utils"
	"go.uber.org/zap"
)

// Snapshot is the telemetry bundle transported to the backend. The
// backend owns the schema; the agent core merely fills and ships it.
type Snapshot struct {
	Hardware    *device.Info `json:"hardware,omitempty"`
	Performance *PerfMetrics `json:"performance,omitempty"`
	Agent       *AgentHealth `json:"agent,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

// AgentHealth is the agent's self-monitoring section
type AgentHealth struct {
	Version       string  `json:"version"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	Goroutines    int     `json:"goroutines"`
}

// Collector produces telemetry snapshots
type Collector interface {
	Collect(ctx context.Context) (*Snapshot, error)
}

// SystemCollector is the default Collector: device fingerprint plus a
// pluggable performance source (builtin gopsutil or a Prometheus
// exporter scrape).
type SystemCollector struct {
	devices   device.Collector
	perf      PerfCollector
	logger    *zap.Logger
	version   string
	startTime time.Time
}

// NewSystemCollector creates the default collector. source selects the
// performance backend: "builtin" (default) or "exporter".
func NewSystemCollector(source, exporterURL string, devices device.Collector, logger *zap.Logger, version string) (*SystemCollector, error) {
	perf, err := NewPerfCollector(source, exporterURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create performance collector: %w", err)
	}

	return &SystemCollector{
		devices:   devices,
		perf:      perf,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}, nil
}

// Collect gathers a snapshot. A failing section is logged and omitted;
// one bad probe never withholds the rest of the snapshot.
func (c *SystemCollector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	hw, err := c.devices.DeviceInfo(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect hardware section", zap.Error(err))
	} else {
		snap.Hardware = hw
	}

	perf, err := c.perf.Collect(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect performance section",
			zap.String("collector", c.perf.Name()),
			zap.Error(err))
	} else {
		snap.Performance = perf
	}

	snap.Agent = c.agentHealth()

	return snap, nil
}

func (c *SystemCollector) agentHealth() *AgentHealth {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &AgentHealth{
		Version: c.version,
		// mem.Sys is the full process footprint as the OS sees it
		MemoryUsageMB: utils.Round(float64(m.Sys) / 1024 / 1024),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}
}
