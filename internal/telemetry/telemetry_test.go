package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsdeck/agent/internal/device"
	"go.uber.org/zap"
)

// exporterPayload renders a minimal node_exporter-style scrape with the
// given cumulative CPU counters
func exporterPayload(idle, user float64) string {
	return fmt.Sprintf(`# TYPE node_cpu_seconds_total counter
node_cpu_seconds_total{cpu="0",mode="idle"} %f
node_cpu_seconds_total{cpu="0",mode="user"} %f
# TYPE node_memory_MemAvailable_bytes gauge
node_memory_MemAvailable_bytes 4294967296
# TYPE node_filesystem_avail_bytes gauge
node_filesystem_avail_bytes{mountpoint="/"} 53687091200
# TYPE node_filesystem_size_bytes gauge
node_filesystem_size_bytes{mountpoint="/"} 107374182400
`, idle, user)
}

// TestNewPerfCollector tests source selection
func TestNewPerfCollector(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		url      string
		wantErr  bool
		wantName string
	}{
		{
			name:     "builtin",
			source:   "builtin",
			wantName: "builtin (gopsutil)",
		},
		{
			name:     "empty defaults to builtin",
			source:   "",
			wantName: "builtin (gopsutil)",
		},
		{
			name:     "exporter",
			source:   "exporter",
			url:      "http://localhost:9100/metrics",
			wantName: "exporter (http://localhost:9100/metrics)",
		},
		{
			name:    "exporter without URL",
			source:  "exporter",
			wantErr: true,
		},
		{
			name:    "unknown source",
			source:  "snmp",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewPerfCollector(tt.source, tt.url, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewPerfCollector() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && c.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", c.Name(), tt.wantName)
			}
		})
	}
}

// TestExporterCollect tests scraping and parsing, including the CPU rate
// baseline on the first scrape
func TestExporterCollect(t *testing.T) {
	scrapes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scrapes++
		if scrapes == 1 {
			// Baseline: 900s idle of 1000s total
			fmt.Fprint(w, exporterPayload(900, 100))
			return
		}
		// Next 100s of CPU time: 50s idle, 50s user -> 50% usage
		fmt.Fprint(w, exporterPayload(950, 150))
	}))
	defer srv.Close()

	c := NewExporterCollector(srv.URL, zap.NewNop(), srv.Client())

	first, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if first.CPUUsagePercent != 0 {
		t.Errorf("first scrape CPU = %v, want 0 (baseline)", first.CPUUsagePercent)
	}
	if first.MemoryFreeGB != 4.0 {
		t.Errorf("MemoryFreeGB = %v, want 4.0", first.MemoryFreeGB)
	}
	if len(first.Disks) != 1 {
		t.Fatalf("Disks = %d, want 1", len(first.Disks))
	}
	if first.Disks[0].Drive != "/" || first.Disks[0].TotalGB != 100.0 || first.Disks[0].FreeGB != 50.0 {
		t.Errorf("disk = %+v, want /: 50/100 GB", first.Disks[0])
	}
	if first.Disks[0].FreePercent != 50.0 {
		t.Errorf("FreePercent = %v, want 50.0", first.Disks[0].FreePercent)
	}

	second, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if second.CPUUsagePercent != 50.0 {
		t.Errorf("second scrape CPU = %v, want 50.0", second.CPUUsagePercent)
	}
}

// TestExporterCollectBadStatus tests that a failing exporter is an error
func TestExporterCollectBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewExporterCollector(srv.URL, zap.NewNop(), srv.Client())

	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("Collect() succeeded against a failing exporter")
	}
}

// TestExporterResetCache tests that resetting the baseline makes the
// next scrape report 0 CPU again
func TestExporterResetCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, exporterPayload(900, 100))
	}))
	defer srv.Close()

	c := NewExporterCollector(srv.URL, zap.NewNop(), srv.Client())

	if _, err := c.Collect(context.Background()); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	c.ResetCache()

	m, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if m.CPUUsagePercent != 0 {
		t.Errorf("CPU after ResetCache = %v, want 0", m.CPUUsagePercent)
	}
}

// TestBuiltinCollect is a smoke test against the running host
func TestBuiltinCollect(t *testing.T) {
	c := NewBuiltinCollector(zap.NewNop())

	m, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if m.MemoryFreeGB <= 0 {
		t.Errorf("MemoryFreeGB = %v, want > 0", m.MemoryFreeGB)
	}
	// First call establishes the CPU baseline
	if m.CPUUsagePercent != 0 {
		t.Errorf("first collect CPU = %v, want 0 (baseline)", m.CPUUsagePercent)
	}
}

// TestSystemCollectorSnapshot tests snapshot assembly with all sections
func TestSystemCollectorSnapshot(t *testing.T) {
	c, err := NewSystemCollector("builtin", "", device.NewCollector(zap.NewNop()), zap.NewNop(), "1.2.3")
	if err != nil {
		t.Fatalf("NewSystemCollector() error = %v", err)
	}

	snap, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if snap.Timestamp == "" {
		t.Error("snapshot has no timestamp")
	}
	if snap.Performance == nil {
		t.Error("snapshot missing performance section")
	}
	if snap.Agent == nil {
		t.Fatal("snapshot missing agent section")
	}
	if snap.Agent.Version != "1.2.3" {
		t.Errorf("agent version = %q, want %q", snap.Agent.Version, "1.2.3")
	}
	if snap.Agent.Goroutines <= 0 {
		t.Error("agent goroutine count not populated")
	}
}
