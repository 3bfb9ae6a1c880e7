// Package config loads Galaxy's YAML configuration file: the global
// tunables of spec.md §6.3 plus the static device roster cmd/galaxy
// registers on startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Galaxy holds every configurable knob recognised at the top level.
type Galaxy struct {
	HeartbeatIntervalS        float64        `yaml:"heartbeat_interval_s"`
	ReconnectDelayS           float64        `yaml:"reconnect_delay_s"`
	MaxConcurrentTasksPerDev  int            `yaml:"max_concurrent_tasks_per_device"`
	DeviceMaxRetries          int            `yaml:"device_max_retries"`
	ModificationTimeoutS      float64        `yaml:"modification_timeout_s"`
	LogLevel                  string         `yaml:"log_level"`
	LogJSON                   bool           `yaml:"log_json"`
	Devices                   []DeviceConfig `yaml:"devices"`
}

// DeviceConfig is one statically-declared device in the roster.
type DeviceConfig struct {
	DeviceID     string            `yaml:"device_id"`
	ServerURL    string            `yaml:"server_url"`
	OS           string            `yaml:"os"`
	Capabilities []string          `yaml:"capabilities"`
	Metadata     map[string]string `yaml:"metadata"`
	AutoConnect  bool              `yaml:"auto_connect"`
	MaxRetries   int               `yaml:"max_retries"`
}

// Default returns the spec-mandated defaults for every global option.
// max_concurrent_tasks_per_device is carried for documentation parity
// with spec.md §6.3; pkg/queue already enforces at-most-one-in-flight
// per device unconditionally, so this field has no live consumer yet.
func Default() *Galaxy {
	return &Galaxy{
		HeartbeatIntervalS:       30.0,
		ReconnectDelayS:          5.0,
		MaxConcurrentTasksPerDev: 1,
		DeviceMaxRetries:         5,
		ModificationTimeoutS:     600.0,
		LogLevel:                 "info",
	}
}

// Load reads a YAML config file, applies defaults for unset fields, and
// validates the result.
func Load(path string) (*Galaxy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Galaxy{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Galaxy) applyDefaults() {
	def := Default()
	if c.HeartbeatIntervalS == 0 {
		c.HeartbeatIntervalS = def.HeartbeatIntervalS
	}
	if c.ReconnectDelayS == 0 {
		c.ReconnectDelayS = def.ReconnectDelayS
	}
	if c.MaxConcurrentTasksPerDev == 0 {
		c.MaxConcurrentTasksPerDev = def.MaxConcurrentTasksPerDev
	}
	if c.DeviceMaxRetries == 0 {
		c.DeviceMaxRetries = def.DeviceMaxRetries
	}
	if c.ModificationTimeoutS == 0 {
		c.ModificationTimeoutS = def.ModificationTimeoutS
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	for i := range c.Devices {
		if c.Devices[i].MaxRetries == 0 {
			c.Devices[i].MaxRetries = 5
		}
	}
}

// Validate checks that the loaded configuration is internally consistent.
// Runs after applyDefaults, so it can assume every field is populated.
func (c *Galaxy) Validate() error {
	if c.HeartbeatIntervalS <= 0 {
		return fmt.Errorf("heartbeat_interval_s must be positive, got %v", c.HeartbeatIntervalS)
	}
	if c.ReconnectDelayS <= 0 {
		return fmt.Errorf("reconnect_delay_s must be positive, got %v", c.ReconnectDelayS)
	}
	if c.DeviceMaxRetries < 0 {
		return fmt.Errorf("device_max_retries must not be negative, got %d", c.DeviceMaxRetries)
	}
	if c.ModificationTimeoutS <= 0 {
		return fmt.Errorf("modification_timeout_s must be positive, got %v", c.ModificationTimeoutS)
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if d.DeviceID == "" {
			return fmt.Errorf("device entry missing device_id")
		}
		if _, dup := seen[d.DeviceID]; dup {
			return fmt.Errorf("duplicate device_id %q", d.DeviceID)
		}
		seen[d.DeviceID] = struct{}{}
		if d.ServerURL == "" {
			return fmt.Errorf("device %q missing server_url", d.DeviceID)
		}
	}
	return nil
}

// HeartbeatInterval returns the configured heartbeat interval as a
// time.Duration.
func (c *Galaxy) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS * float64(time.Second))
}

// ReconnectDelay returns the configured reconnect backoff base as a
// time.Duration.
func (c *Galaxy) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayS * float64(time.Second))
}

// ModificationTimeout returns the configured modification barrier timeout
// as a time.Duration.
func (c *Galaxy) ModificationTimeout() time.Duration {
	return time.Duration(c.ModificationTimeoutS * float64(time.Second))
}
