package config

import (
	"runtime"
)

// PlatformDefaults returns platform-specific default values
type PlatformDefaults struct {
	LogFile          string
	ScriptsDirectory string
	ConfigPath       string
	CredentialsDir   string
	ExporterURL      string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "windows":
		return PlatformDefaults{
			LogFile:          `C:\ProgramData\OpsDeck\agent.log`,
			ScriptsDirectory: `C:\ProgramData\OpsDeck\Scripts`,
			ConfigPath:       `C:\ProgramData\OpsDeck\config.yaml`,
			CredentialsDir:   `C:\ProgramData\OpsDeck\Credentials`,
			ExporterURL:      "http://localhost:9182/metrics", // windows_exporter
		}
	case "darwin":
		return PlatformDefaults{
			LogFile:          "/Library/Logs/opsdeck-agent/agent.log",
			ScriptsDirectory: "/Library/Application Support/opsdeck-agent/scripts",
			ConfigPath:       "/Library/Application Support/opsdeck-agent/config.yaml",
			CredentialsDir:   "/Library/Application Support/opsdeck-agent/credentials",
			ExporterURL:      "http://localhost:9100/metrics",
		}
	case "linux":
		return PlatformDefaults{
			LogFile:          "/var/log/opsdeck-agent/agent.log",
			ScriptsDirectory: "/opt/opsdeck-agent/scripts",
			ConfigPath:       "/etc/opsdeck-agent/config.yaml",
			CredentialsDir:   "/var/lib/opsdeck-agent/credentials",
			ExporterURL:      "http://localhost:9100/metrics", // node_exporter
		}
	default:
		// Fallback to Linux-like defaults for unknown platforms
		return PlatformDefaults{
			LogFile:          "/var/log/opsdeck-agent/agent.log",
			ScriptsDirectory: "/opt/opsdeck-agent/scripts",
			ConfigPath:       "/etc/opsdeck-agent/config.yaml",
			CredentialsDir:   "/var/lib/opsdeck-agent/credentials",
			ExporterURL:      "http://localhost:9100/metrics",
		}
	}
}

// GetDefaultConfigPath returns the platform-specific default config path
func GetDefaultConfigPath() string {
	return GetPlatformDefaults().ConfigPath
}

// UpdateConfigDefaults updates viper defaults with platform-specific values.
// Called from setDefaults() in config.go.
func UpdateConfigDefaults(v interface{}) {
	type viper interface {
		SetDefault(key string, value interface{})
	}

	if viperInstance, ok := v.(viper); ok {
		defaults := GetPlatformDefaults()

		viperInstance.SetDefault("credentials.directory", defaults.CredentialsDir)
		viperInstance.SetDefault("tasks.scripts_directory", defaults.ScriptsDirectory)
		viperInstance.SetDefault("telemetry.exporter_url", defaults.ExporterURL)
		viperInstance.SetDefault("logging.file", defaults.LogFile)
	}
}
