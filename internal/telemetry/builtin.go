package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/opsdeck/agent/internal/utils"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// BuiltinCollector gathers performance metrics with gopsutil
type BuiltinCollector struct {
	logger *zap.Logger

	// Baselines for rate calculations
	mu            sync.Mutex
	lastTimestamp time.Time
	lastCPUTimes  cpu.TimesStat
	hasCPUTimes   bool
	lastDiskIO    map[string]disk.IOCountersStat
}

// NewBuiltinCollector creates a new gopsutil-based collector
func NewBuiltinCollector(logger *zap.Logger) *BuiltinCollector {
	return &BuiltinCollector{
		logger:     logger,
		lastDiskIO: make(map[string]disk.IOCountersStat),
	}
}

func (c *BuiltinCollector) Name() string {
	return "builtin (gopsutil)"
}

func (c *BuiltinCollector) ResetCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *BuiltinCollector) reset() {
	c.lastTimestamp = time.Time{}
	c.lastCPUTimes = cpu.TimesStat{}
	c.hasCPUTimes = false
	c.lastDiskIO = make(map[string]disk.IOCountersStat)
}

func (c *BuiltinCollector) Collect(ctx context.Context) (*PerfMetrics, error) {
	c.resetIfStale()

	metrics := &PerfMetrics{}

	cpuPercent, err := c.collectCPU(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect CPU metrics", zap.Error(err))
	} else {
		metrics.CPUUsagePercent = cpuPercent
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect memory metrics", zap.Error(err))
	} else {
		metrics.MemoryFreeGB = utils.Round(float64(vmem.Available) / 1024 / 1024 / 1024)
	}

	disks, err := c.collectDisks(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect disk metrics", zap.Error(err))
	} else {
		metrics.Disks = disks
	}

	return metrics, nil
}

// collectCPU derives usage from the delta against the previous sample;
// the first call stores a baseline and reports 0.
func (c *BuiltinCollector) collectCPU(ctx context.Context) (float64, error) {
	times, err := cpu.TimesWithContext(ctx, false) // combined across cores
	if err != nil {
		return 0, err
	}
	if len(times) == 0 {
		return 0, fmt.Errorf("no CPU times returned")
	}

	current := times[0]
	currentTotal := cpuTotal(current)
	currentIdle := current.Idle + current.Iowait

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasCPUTimes {
		c.lastCPUTimes = current
		c.hasCPUTimes = true
		c.lastTimestamp = time.Now()
		return 0, nil
	}

	prevTotal := cpuTotal(c.lastCPUTimes)
	prevIdle := c.lastCPUTimes.Idle + c.lastCPUTimes.Iowait

	totalDelta := currentTotal - prevTotal
	idleDelta := currentIdle - prevIdle

	c.lastCPUTimes = current
	c.lastTimestamp = time.Now()

	if totalDelta <= 0 {
		return 0, nil
	}

	return utils.Round((totalDelta - idleDelta) / totalDelta * 100), nil
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func (c *BuiltinCollector) collectDisks(ctx context.Context) ([]DiskMetrics, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false) // physical only
	if err != nil {
		return nil, err
	}

	ioCounters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		c.logger.Debug("Could not get disk I/O counters", zap.Error(err))
		// Space metrics are still worth reporting
	}

	now := time.Now()

	c.mu.Lock()
	timeDelta := now.Sub(c.lastTimestamp).Seconds()
	isFirstSample := c.lastTimestamp.IsZero()
	c.mu.Unlock()

	var result []DiskMetrics
	for _, partition := range partitions {
		if skipFsTypes[partition.Fstype] {
			continue
		}

		usage, err := disk.UsageWithContext(ctx, partition.Mountpoint)
		if err != nil {
			c.logger.Debug("Could not get disk usage",
				zap.String("mountpoint", partition.Mountpoint),
				zap.Error(err))
			continue
		}

		// Volumes under 1GB are pseudo or boot partitions, not worth tracking
		if usage.Total < 1024*1024*1024 {
			continue
		}

		dm := DiskMetrics{
			Drive:       normalizeDriveName(partition.Mountpoint),
			TotalGB:     utils.Round(float64(usage.Total) / 1024 / 1024 / 1024),
			FreeGB:      utils.Round(float64(usage.Free) / 1024 / 1024 / 1024),
			FreePercent: utils.Round(utils.Percent(float64(usage.Free), float64(usage.Total))),
		}

		if ioCounters != nil {
			devName := deviceName(partition)
			if io, ok := ioCounters[devName]; ok {
				c.mu.Lock()
				if prev, exists := c.lastDiskIO[devName]; exists && !isFirstSample && timeDelta > 0 {
					dm.ReadBytesPerSec = utils.Round(float64(io.ReadBytes-prev.ReadBytes) / timeDelta)
					dm.WriteBytesPerSec = utils.Round(float64(io.WriteBytes-prev.WriteBytes) / timeDelta)
				}
				c.lastDiskIO[devName] = io
				c.mu.Unlock()
			}
		}

		result = append(result, dm)
	}

	c.mu.Lock()
	if c.lastTimestamp.IsZero() {
		c.lastTimestamp = now
	}
	c.mu.Unlock()

	return result, nil
}

// skipFsTypes lists pseudo filesystems excluded from disk metrics
var skipFsTypes = map[string]bool{
	"devfs":    true,
	"devtmpfs": true,
	"tmpfs":    true,
	"squashfs": true,
	"overlay":  true,
	"proc":     true,
	"sysfs":    true,
	"cgroup":   true,
	"cgroup2":  true,
}

// normalizeDriveName returns consistent drive names across platforms
func normalizeDriveName(mountpoint string) string {
	if runtime.GOOS == "windows" {
		if len(mountpoint) >= 2 && mountpoint[1] == ':' {
			return mountpoint[:2]
		}
	}
	return mountpoint
}

// deviceName extracts the device key used by the I/O counter map
func deviceName(partition disk.PartitionStat) string {
	if runtime.GOOS == "windows" {
		if len(partition.Mountpoint) >= 2 && partition.Mountpoint[1] == ':' {
			return partition.Mountpoint[:2]
		}
		return partition.Mountpoint
	}
	return strings.TrimPrefix(partition.Device, "/dev/")
}

func (c *BuiltinCollector) resetIfStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastTimestamp.IsZero() {
		return
	}

	if age := time.Since(c.lastTimestamp); age > maxPerfCacheAge {
		c.logger.Warn("Resetting stale metrics baseline",
			zap.Duration("age", age),
			zap.Duration("max_age", maxPerfCacheAge))
		c.reset()
	}
}
