// Package config loads cmd/modemd's YAML configuration, grounded on
// the teacher's deviceid.go config-loading approach: a plain struct
// tagged for gopkg.in/yaml.v3, defaults filled in after unmarshal
// rather than scattered across call sites.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PowerGPIO configures the optional PWRKEY/RESET pulse line.
type PowerGPIO struct {
	Chip    string `yaml:"chip"`
	Line    int    `yaml:"line"`
	PulseMs int    `yaml:"pulse_ms"`
}

// Diagnostics configures the optional loopback AT pass-through.
type Diagnostics struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	AdvertiseMDNS bool   `yaml:"advertise_mdns"`
}

// Log configures the daemon's logger.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// GNSS configures the optional GNSS unsolicited-report parser.
type GNSS struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// Config is cmd/modemd's full YAML configuration.
type Config struct {
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	APN      string `yaml:"apn"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	PollIntervalRegisterS int `yaml:"poll_interval_register_s"`
	PollIntervalRoamingS  int `yaml:"poll_interval_roaming_s"`

	PowerGPIO   *PowerGPIO  `yaml:"power_gpio"`
	Diagnostics Diagnostics `yaml:"diagnostics"`
	Log         Log         `yaml:"log"`
	GNSS        GNSS        `yaml:"gnss"`
}

// Load reads and parses the YAML config file at path and fills in
// defaults for anything left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.withDefaults()
	return &cfg, nil
}

func (c *Config) withDefaults() {
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	if c.PollIntervalRegisterS <= 0 {
		c.PollIntervalRegisterS = 2
	}
	if c.PollIntervalRoamingS <= 0 {
		c.PollIntervalRoamingS = 4
	}
	if c.Diagnostics.Listen == "" {
		c.Diagnostics.Listen = "127.0.0.1:6100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.GNSS.Prefix == "" {
		c.GNSS.Prefix = "+CGNSINF:"
	}
}

// RegisterPollInterval returns PollIntervalRegisterS as a Duration.
func (c *Config) RegisterPollInterval() time.Duration {
	return time.Duration(c.PollIntervalRegisterS) * time.Second
}

// RoamingPollInterval returns PollIntervalRoamingS as a Duration.
func (c *Config) RoamingPollInterval() time.Duration {
	return time.Duration(c.PollIntervalRoamingS) * time.Second
}
