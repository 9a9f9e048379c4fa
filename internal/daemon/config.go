// Package daemon manages the sprinkler daemon lifecycle and its service
// configuration. The service configuration covers how the daemon runs
// (listen address, portals, telemetry). The watering configuration with the
// zones, programs and schedules is a separate JSON document served and
// replaced over HTTP.
package daemon

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultServiceConfigFile is the standard service configuration location.
const DefaultServiceConfigFile = "/etc/house/sprinklerd.toml"

// Config holds the daemon's own runtime configuration.
type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	Portal    PortalConfig    `toml:"portal"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// HTTPConfig controls the HTTP server.
type HTTPConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// PortalConfig controls registration with the house portal.
type PortalConfig struct {
	Servers []string `toml:"servers"`
}

// DiscoveryConfig controls service discovery. Static providers bypass the
// portals entirely, which is useful for fixed small installations.
type DiscoveryConfig struct {
	Portals []string            `toml:"portals"`
	Static  map[string][]string `toml:"static"`
}

// StorageConfig names the watering configuration and state backup files.
type StorageConfig struct {
	Config   string `toml:"config"`
	Backup   string `toml:"backup"`
	UseLocal bool   `toml:"use_local"`
	WebRoot  string `toml:"web_root"`
}

// LoggingConfig controls the structured log output.
type LoggingConfig struct {
	Debug bool   `toml:"debug"`
	File  string `toml:"file"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Storage: StorageConfig{
			UseLocal: true,
			WebRoot:  "/usr/local/share/house/public",
		},
	}
}

// LoadServiceConfig reads the service configuration file, falling back to
// defaults when the file does not exist.
func LoadServiceConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultServiceConfigFile
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
