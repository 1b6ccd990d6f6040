// Package config loads enosed's process configuration from a single YAML
// file. There is no discovery and no environment-variable override: the
// file path is the only source of truth, passed explicitly via -config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level enosed configuration.
type Config struct {
	Actuator   ActuatorConfig   `yaml:"actuator"`
	Sensor     SensorConfig     `yaml:"sensor"`
	Store      StoreConfig      `yaml:"store"`
	ProgramLib ProgramLibConfig `yaml:"program_library"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// ActuatorConfig configures the Moonraker-style RPC transport to the
// actuator/pump/heater board (C1).
type ActuatorConfig struct {
	// URL is the websocket JSON-RPC endpoint, e.g. ws://127.0.0.1:7125/websocket.
	URL string `yaml:"url"`
	// SubscribeObjects lists the printer objects to subscribe to on connect.
	SubscribeObjects []string `yaml:"subscribe_objects"`
}

// SensorConfig configures the serial connection to the gas-sensor board (C10).
type SensorConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// StoreConfig configures the sqlite-backed repository (C11).
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ProgramLibConfig configures the hot-reloading program directory (C12).
type ProgramLibConfig struct {
	Dir string `yaml:"dir"`
}

// HTTPConfig configures the metrics/health HTTP surface.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with sensible zero-values. It is applied
// before the file is loaded so every field has a usable default even if the
// file omits a section.
func Default() *Config {
	return &Config{
		Actuator: ActuatorConfig{
			URL:              "ws://127.0.0.1:7125/websocket",
			SubscribeObjects: []string{"gas_pump", "heater", "valve"},
		},
		Sensor: SensorConfig{
			Device: "/dev/ttyUSB0",
			Baud:   115200,
		},
		Store: StoreConfig{
			Path: "enosed.db",
		},
		ProgramLib: ProgramLibConfig{
			Dir: "programs",
		},
		HTTP: HTTPConfig{
			Addr: ":9100",
		},
	}
}

// LoadFile loads configuration from path, merging it onto Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}
