package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/opsdeck/agent/internal/utils"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// maxScrapeBytes caps exporter response bodies
const maxScrapeBytes = 10 * 1024 * 1024

// ExporterCollector gathers performance metrics by scraping a Prometheus
// exporter (node_exporter on unix, windows_exporter on Windows).
type ExporterCollector struct {
	exporterURL string
	logger      *zap.Logger
	httpClient  *http.Client

	// CPU rate baseline
	mu            sync.Mutex
	lastTimestamp time.Time
	lastCPUTotal  float64
	lastCPUIdle   float64
}

// NewExporterCollector creates a collector scraping the given exporter URL
func NewExporterCollector(url string, logger *zap.Logger, httpClient *http.Client) *ExporterCollector {
	return &ExporterCollector{
		exporterURL: url,
		logger:      logger,
		httpClient:  httpClient,
	}
}

func (c *ExporterCollector) Name() string {
	return fmt.Sprintf("exporter (%s)", c.exporterURL)
}

func (c *ExporterCollector) ResetCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTimestamp = time.Time{}
	c.lastCPUTotal = 0
	c.lastCPUIdle = 0
}

func (c *ExporterCollector) Collect(ctx context.Context) (*PerfMetrics, error) {
	c.resetIfStale()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.exporterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "opsdeck-agent/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape exporter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exporter returned status %d", resp.StatusCode)
	}

	families, err := decodeFamilies(io.LimitReader(resp.Body, maxScrapeBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse exporter metrics: %w", err)
	}

	c.logger.Debug("Scraped exporter",
		zap.String("url", c.exporterURL),
		zap.Int("families", len(families)))

	names := metricNames()
	metrics := &PerfMetrics{}

	metrics.CPUUsagePercent = c.extractCPU(families, names)
	metrics.MemoryFreeGB = extractMemory(families, names)
	metrics.Disks = extractDisks(families, names)

	return metrics, nil
}

// decodeFamilies parses text-format Prometheus metrics into a name-keyed map
func decodeFamilies(reader io.Reader) (map[string]*dto.MetricFamily, error) {
	decoder := expfmt.NewDecoder(reader, expfmt.FmtText)

	families := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		if err := decoder.Decode(mf); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode metric family: %w", err)
		}
		families[mf.GetName()] = mf
	}

	return families, nil
}

// extractCPU computes usage from the delta of cumulative CPU-time
// counters against the previous scrape. Returns 0 on the first scrape.
func (c *ExporterCollector) extractCPU(families map[string]*dto.MetricFamily, names exporterMetricNames) float64 {
	family, ok := families[names.CPUTime]
	if !ok {
		c.logger.Warn("CPU metric not found in scrape", zap.String("metric", names.CPUTime))
		return 0
	}

	var totalTime, idleTime float64
	for _, m := range family.Metric {
		if m.Counter == nil {
			continue
		}
		value := m.Counter.GetValue()
		totalTime += value
		if labelValue(m.Label, "mode") == names.CPUIdleLabel {
			idleTime += value
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var usage float64
	if !c.lastTimestamp.IsZero() && c.lastCPUTotal > 0 {
		totalDelta := totalTime - c.lastCPUTotal
		idleDelta := idleTime - c.lastCPUIdle
		if totalDelta > 0 {
			usage = utils.Round(100 - (idleDelta/totalDelta)*100)
		}
	}

	c.lastCPUTotal = totalTime
	c.lastCPUIdle = idleTime
	c.lastTimestamp = time.Now()

	return usage
}

func extractMemory(families map[string]*dto.MetricFamily, names exporterMetricNames) float64 {
	family, ok := families[names.MemoryFree]
	if !ok || len(family.Metric) == 0 || family.Metric[0].Gauge == nil {
		return 0
	}
	return utils.Round(family.Metric[0].Gauge.GetValue() / 1024 / 1024 / 1024)
}

func extractDisks(families map[string]*dto.MetricFamily, names exporterMetricNames) []DiskMetrics {
	byVolume := make(map[string]*DiskMetrics)

	if family, ok := families[names.DiskFreeBytes]; ok {
		for _, m := range family.Metric {
			volume := labelValue(m.Label, names.VolumeLabel)
			if volume == "" || m.Gauge == nil {
				continue
			}
			if byVolume[volume] == nil {
				byVolume[volume] = &DiskMetrics{Drive: volume}
			}
			byVolume[volume].FreeGB = utils.Round(m.Gauge.GetValue() / 1024 / 1024 / 1024)
		}
	}

	if family, ok := families[names.DiskSizeBytes]; ok {
		for _, m := range family.Metric {
			volume := labelValue(m.Label, names.VolumeLabel)
			if volume == "" || m.Gauge == nil {
				continue
			}
			if byVolume[volume] == nil {
				byVolume[volume] = &DiskMetrics{Drive: volume}
			}
			totalBytes := m.Gauge.GetValue()
			byVolume[volume].TotalGB = utils.Round(totalBytes / 1024 / 1024 / 1024)
			if byVolume[volume].FreeGB > 0 && totalBytes > 0 {
				freeBytes := byVolume[volume].FreeGB * 1024 * 1024 * 1024
				byVolume[volume].FreePercent = utils.Round(utils.Percent(freeBytes, totalBytes))
			}
		}
	}

	disks := make([]DiskMetrics, 0, len(byVolume))
	for _, d := range byVolume {
		if d.TotalGB > 0 {
			disks = append(disks, *d)
		}
	}
	return disks
}

// labelValue extracts a label value from a metric's label pairs
func labelValue(labels []*dto.LabelPair, name string) string {
	for _, label := range labels {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

func (c *ExporterCollector) resetIfStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastTimestamp.IsZero() {
		return
	}

	if age := time.Since(c.lastTimestamp); age > maxPerfCacheAge {
		c.logger.Warn("Resetting stale scrape baseline",
			zap.Duration("age", age),
			zap.Duration("max_age", maxPerfCacheAge))
		c.lastTimestamp = time.Time{}
		c.lastCPUTotal = 0
		c.lastCPUIdle = 0
	}
}
