// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the link simulator.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Simulation SimulationConfig `yaml:"simulation"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// EngineConfig holds connection and link settings.
type EngineConfig struct {
	// ContainerID prefix; each simulated connection appends its name.
	ContainerID string `yaml:"container_id"`
	// IdleTimeout announced by the receiving connection. 0 disables
	// keepalives.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// DefaultCapacity is the credit window the receiver grants.
	DefaultCapacity int `yaml:"default_capacity"`
	// SendTimeout is the deadline given to each send, relative to the
	// logical time it was sent. 0 means no deadline.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// SimulationConfig drives the scripted run of cmd/linksim.
type SimulationConfig struct {
	Messages int           `yaml:"messages"`
	Tick     time.Duration `yaml:"tick"`      // logical clock step
	MaxTicks int           `yaml:"max_ticks"` // stop even if deliveries are outstanding
	// SettleEvery makes the receiver settle one message per N ticks; 0
	// settles as soon as a message arrives.
	SettleEvery int `yaml:"settle_every"`
	// Outcome the receiver settles with: accept, release, reject or modify.
	Outcome string `yaml:"outcome"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

var validOutcomes = map[string]bool{"accept": true, "release": true, "reject": true, "modify": true}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ContainerID:     "fluxlink",
			IdleTimeout:     30 * time.Second,
			DefaultCapacity: 10,
			SendTimeout:     20 * time.Second,
		},
		Simulation: SimulationConfig{
			Messages:    100,
			Tick:        time.Second,
			MaxTicks:    1000,
			SettleEvery: 0,
			Outcome:     "accept",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxlink",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.IdleTimeout < 0 {
		return fmt.Errorf("engine.idle_timeout cannot be negative")
	}
	if c.Engine.DefaultCapacity < 1 {
		return fmt.Errorf("engine.default_capacity must be at least 1")
	}
	if c.Engine.SendTimeout < 0 {
		return fmt.Errorf("engine.send_timeout cannot be negative")
	}

	if c.Simulation.Messages < 0 {
		return fmt.Errorf("simulation.messages cannot be negative")
	}
	if c.Simulation.Tick <= 0 {
		return fmt.Errorf("simulation.tick must be positive")
	}
	if c.Simulation.MaxTicks < 1 {
		return fmt.Errorf("simulation.max_ticks must be at least 1")
	}
	if c.Simulation.SettleEvery < 0 {
		return fmt.Errorf("simulation.settle_every cannot be negative")
	}
	if !validOutcomes[c.Simulation.Outcome] {
		return fmt.Errorf("simulation.outcome must be one of: accept, release, reject, modify")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if an exporter is enabled)
	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
	}
	if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
