package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxPerfCacheAge bounds how old a rate baseline may be before it is
// discarded; a stale baseline would produce nonsense rates after the
// host slept or the loop stalled.
const maxPerfCacheAge = 30 * time.Minute

// PerfMetrics is the performance section of a telemetry snapshot
type PerfMetrics struct {
	CPUUsagePercent float64       `json:"cpu_usage_percent"`
	MemoryFreeGB    float64       `json:"memory_free_gb"`
	Disks           []DiskMetrics `json:"disks"`
}

// DiskMetrics describes one disk volume
type DiskMetrics struct {
	Drive            string  `json:"drive"`
	FreePercent      float64 `json:"free_percent"`
	FreeGB           float64 `json:"free_gb"`
	TotalGB          float64 `json:"total_gb"`
	ReadBytesPerSec  float64 `json:"read_bytes_per_sec"`
	WriteBytesPerSec float64 `json:"write_bytes_per_sec"`
}

// PerfCollector gathers performance metrics. Rate values (CPU, disk I/O)
// are 0 on the first call while the baseline is established.
type PerfCollector interface {
	Collect(ctx context.Context) (*PerfMetrics, error)
	Name() string
	ResetCache()
}

// NewPerfCollector creates the collector selected by source
func NewPerfCollector(source, exporterURL string, logger *zap.Logger) (PerfCollector, error) {
	source = strings.ToLower(source)
	if source == "" {
		source = "builtin"
	}

	switch source {
	case "builtin":
		logger.Info("Using builtin performance collector (gopsutil)")
		return NewBuiltinCollector(logger), nil
	case "exporter":
		if exporterURL == "" {
			return nil, fmt.Errorf("exporter_url required for exporter source")
		}
		logger.Info("Using exporter performance collector", zap.String("url", exporterURL))
		return NewExporterCollector(exporterURL, logger, newScrapeClient()), nil
	default:
		return nil, fmt.Errorf("unknown performance source: %s", source)
	}
}

// newScrapeClient builds the HTTP client reused across exporter scrapes
func newScrapeClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// exporterMetricNames holds the platform-specific Prometheus metric
// names exposed by node_exporter / windows_exporter
type exporterMetricNames struct {
	CPUTime       string
	CPUIdleLabel  string
	MemoryFree    string
	DiskFreeBytes string
	DiskSizeBytes string
	VolumeLabel   string
}

func metricNames() exporterMetricNames {
	switch runtime.GOOS {
	case "windows":
		return exporterMetricNames{
			CPUTime:       "windows_cpu_time_total",
			CPUIdleLabel:  "idle",
			MemoryFree:    "windows_memory_available_bytes",
			DiskFreeBytes: "windows_logical_disk_free_bytes",
			DiskSizeBytes: "windows_logical_disk_size_bytes",
			VolumeLabel:   "volume",
		}
	default:
		return exporterMetricNames{
			CPUTime:       "node_cpu_seconds_total",
			CPUIdleLabel:  "idle",
			MemoryFree:    "node_memory_MemAvailable_bytes",
			DiskFreeBytes: "node_filesystem_avail_bytes",
			DiskSizeBytes: "node_filesystem_size_bytes",
			VolumeLabel:   "mountpoint",
		}
	}
}
