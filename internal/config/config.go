// Package config handles waltero-bridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Fetch mode names accepted in the poll.mode config field.
const (
	ModeBulk     = "bulk"
	ModeWindowed = "windowed"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/waltero-bridge/config.yaml,
// /etc/waltero-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "waltero-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/waltero-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all waltero-bridge configuration.
type Config struct {
	API      APIConfig    `yaml:"api"`
	Tenant   TenantConfig `yaml:"tenant"`
	Poll     PollConfig   `yaml:"poll"`
	MQTT     MQTTConfig   `yaml:"mqtt"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// APIConfig defines the upstream metering API connection.
type APIConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TenantConfig scopes the bridge to a single organization and device
// naming convention.
type TenantConfig struct {
	// Organization is matched against the organization list by exact
	// trimmed-name comparison.
	Organization string `yaml:"organization"`
	// DeviceMarker is the substring a device name must contain to be
	// bridged. It is also stripped from the name to derive the area label.
	DeviceMarker string `yaml:"device_marker"`
	// TopicPrefix is the first MQTT topic segment. Defaults to
	// DeviceMarker when empty.
	TopicPrefix string `yaml:"topic_prefix"`
}

// PollConfig controls the fetch strategy and cycle timing.
type PollConfig struct {
	Mode        string `yaml:"mode"`         // bulk or windowed
	IntervalSec int    `yaml:"interval_sec"` // default 60
	PageSize    int    `yaml:"page_size"`    // device listing page size, default 50
	BatchSize   int    `yaml:"batch_size"`   // bulk status chunk size, default 50
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // URL, e.g. tcp://localhost:1888
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so credentials can stay out of the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		DataDir: ".",
		Poll: PollConfig{
			Mode:        ModeBulk,
			IntervalSec: 60,
			PageSize:    50,
			BatchSize:   50,
		},
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1888",
		},
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Poll.IntervalSec <= 0 {
		c.Poll.IntervalSec = 60
	}
	if c.Poll.PageSize <= 0 {
		c.Poll.PageSize = 50
	}
	if c.Poll.BatchSize <= 0 {
		c.Poll.BatchSize = 50
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1888"
	}
	if c.Tenant.TopicPrefix == "" {
		c.Tenant.TopicPrefix = c.Tenant.DeviceMarker
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Username == "" || c.API.Password == "" {
		return fmt.Errorf("api.username and api.password are required")
	}
	if c.Tenant.Organization == "" {
		return fmt.Errorf("tenant.organization is required")
	}
	if c.Tenant.DeviceMarker == "" {
		return fmt.Errorf("tenant.device_marker is required")
	}
	if c.Poll.Mode != ModeBulk && c.Poll.Mode != ModeWindowed {
		return fmt.Errorf("poll.mode must be %q or %q, got %q", ModeBulk, ModeWindowed, c.Poll.Mode)
	}
	return nil
}
