// Package device produces the identity fingerprint sent to the backend
// during enrollment and status checks.
package device

import (
	"context"
	"net"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Info is a point-in-time device identity snapshot. Recomputed per
// enrollment or status check, never cached long-term.
type Info struct {
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	Arch         string `json:"arch"`
	OSVersion    string `json:"os_version"`
	CPUModel     string `json:"cpu_model"`
	TotalMemory  uint64 `json:"total_memory"`
	MACAddress   string `json:"mac_address"`
	SerialNumber string `json:"serial_number,omitempty"`
	PrimaryIP    string `json:"primary_ip,omitempty"`
}

// Collector produces device identity snapshots
type Collector interface {
	DeviceInfo(ctx context.Context) (*Info, error)
}

// GopsutilCollector gathers the fingerprint with gopsutil. Individual
// collection failures degrade that one field, never the whole snapshot.
type GopsutilCollector struct {
	logger *zap.Logger
}

// NewCollector creates the default gopsutil-based collector
func NewCollector(logger *zap.Logger) *GopsutilCollector {
	return &GopsutilCollector{logger: logger}
}

// DeviceInfo gathers the identity snapshot
func (c *GopsutilCollector) DeviceInfo(ctx context.Context) (*Info, error) {
	info := &Info{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}

	hostInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect host info", zap.Error(err))
	} else {
		info.Hostname = hostInfo.Hostname
		info.OSVersion = hostInfo.Platform + " " + hostInfo.PlatformVersion
		// HostID is the closest portable stand-in for a hardware serial:
		// stable across reboots and reinstalls on the same machine
		info.SerialNumber = hostInfo.HostID
	}

	cpus, err := cpu.InfoWithContext(ctx)
	if err != nil || len(cpus) == 0 {
		c.logger.Warn("Failed to collect CPU info", zap.Error(err))
	} else {
		info.CPUModel = cpus[0].ModelName
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect memory info", zap.Error(err))
	} else {
		info.TotalMemory = vmem.Total
	}

	mac, ip := primaryInterface()
	info.MACAddress = mac
	info.PrimaryIP = ip

	return info, nil
}

// primaryInterface returns the MAC and IPv4 address of the first
// non-loopback interface that is up and has a hardware address
func primaryInterface() (string, string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}

		mac := iface.HardwareAddr.String()

		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
					return mac, ipnet.IP.String()
				}
			}
		}
		return mac, ""
	}

	return "", ""
}
