package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration, loaded from TOML. Zero values fall
// back to the engine defaults.
type Config struct {
	Listen string `toml:"listen"` // HTTP listen address

	Workers struct {
		MaxActive      int      `toml:"max_active"`
		WallClockMins  int      `toml:"wall_clock_minutes"`
		MemoryLimitMB  int      `toml:"memory_limit_mb"`
		DefaultCommand []string `toml:"default_command"`
	} `toml:"workers"`

	Messages struct {
		QueueCap   int `toml:"queue_cap"`
		MaxRetries int `toml:"max_retries"`
	} `toml:"messages"`

	Monitor struct {
		SampleSeconds int `toml:"sample_seconds"`
		WindowSize    int `toml:"window_size"`
	} `toml:"monitor"`

	Telemetry struct {
		OTLPEndpoint string `toml:"otlp_endpoint"`
	} `toml:"telemetry"`
}

// Default returns the engine defaults.
func Default() Config {
	var c Config
	c.Listen = "127.0.0.1:7420"
	c.Workers.MaxActive = 10
	c.Workers.WallClockMins = 30
	c.Workers.MemoryLimitMB = 512
	c.Messages.QueueCap = 1000
	c.Messages.MaxRetries = 3
	c.Monitor.SampleSeconds = 5
	c.Monitor.WindowSize = 60
	return c
}

// Load reads the TOML config at path, layered over the defaults. A missing
// file returns the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// WallClock returns the worker wall-clock limit as a duration.
func (c Config) WallClock() time.Duration {
	return time.Duration(c.Workers.WallClockMins) * time.Minute
}

// SampleInterval returns the monitor cadence as a duration.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(c.Monitor.SampleSeconds) * time.Second
}

// MemoryLimitBytes returns the worker memory cap in bytes.
func (c Config) MemoryLimitBytes() uint64 {
	return uint64(c.Workers.MemoryLimitMB) * 1024 * 1024 //nolint:gosec // bounded config value
}

// Personas maps persona names to opaque metadata merged into spawn
// requests.
type Personas map[string]map[string]any

// LoadPersonas reads the optional persona catalog. A missing file yields an
// empty catalog.
func LoadPersonas(path string) (Personas, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Personas{}, nil
		}
		return nil, fmt.Errorf("read personas: %w", err)
	}
	var p Personas
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse personas %s: %w", path, err)
	}
	if p == nil {
		p = Personas{}
	}
	return p, nil
}
