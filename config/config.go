// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// Package config provides configuration management for the metering core.
//
// This package handles loading, validating, and managing engine
// configuration from YAML files with environment variable overrides. It
// covers the SPI bus device, the GPIO pin assignments, the persistence tier
// intervals/thresholds, and the default sample time and grid frequency.
//
// # Configuration Sources
//
// Configuration is loaded in the following order of precedence:
//  1. YAML configuration file (default: config.yaml)
//  2. Environment variable overrides
//  3. Default values for optional settings
//
// # Environment Variables
//
//   - SPI_BUS_PATH: SPI device node (e.g. "/dev/spidev0.0")
//   - SPI_SPEED_HZ: SPI clock speed in Hz
//   - LOG_LEVEL: Logging level (debug, info, warn, error, fatal, panic)
//   - ENERGYME_SAMPLE_TIME_MS: default sample period in milliseconds
//   - ENERGYME_CSV_DIRECTORY: hourly CSV output directory
//   - ENERGYME_CHECKPOINT_INTERVAL: KV checkpoint period (e.g. "600s")
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EngineConfig is the top-level configuration for the metering core.
type EngineConfig struct {
	SPI         SPIConfig         `yaml:"spi" validate:"required"`
	Pins        PinConfig         `yaml:"pins"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metering    MeteringConfig    `yaml:"metering"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SPIConfig describes the SPI bus the ADE7953 is wired to.
type SPIConfig struct {
	BusPath  string `yaml:"bus_path" validate:"required"`
	SpeedHz  int    `yaml:"speed_hz" validate:"required,min=1,max=2000000"`
	Mode     int    `yaml:"mode" validate:"min=0,max=3"`
}

// PinConfig holds the GPIO pin names for the multiplexer select lines,
// the device reset/interrupt lines, and the fault LED, resolved through
// periph.io's gpioreg registry (e.g. "GPIO5", or a bare pin number).
type PinConfig struct {
	MuxS0     string `yaml:"mux_s0"`
	MuxS1     string `yaml:"mux_s1"`
	MuxS2     string `yaml:"mux_s2"`
	MuxS3     string `yaml:"mux_s3"`
	Reset     string `yaml:"reset"`
	Interrupt string `yaml:"interrupt"`
	FaultLed  string `yaml:"fault_led"`
}

// PersistenceConfig governs the Energy Persistence tiers (SPEC_FULL.md §4.4).
type PersistenceConfig struct {
	CsvDirectory          string        `yaml:"csv_directory" validate:"required"`
	CheckpointInterval     time.Duration `yaml:"checkpoint_interval"`
	CheckpointDeltaWh      float64       `yaml:"checkpoint_delta_wh"`
	CsvSaveThresholdWh     float64       `yaml:"csv_save_threshold_wh"`
	HourTolerance          time.Duration `yaml:"hour_tolerance"`
}

// MeteringConfig holds the default sample time and grid frequency.
type MeteringConfig struct {
	DefaultSampleTimeMs int     `yaml:"default_sample_time_ms" validate:"min=100"`
	NominalGridFreqHz   float64 `yaml:"nominal_grid_frequency_hz"`
	SoftFailureBudget   int     `yaml:"soft_failure_budget" validate:"min=1"`
	SoftFailureWindow   time.Duration `yaml:"soft_failure_window"`
	CriticalFailureBudget int   `yaml:"critical_failure_budget" validate:"min=1"`
	CriticalFailureWindow time.Duration `yaml:"critical_failure_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var structValidator = validator.New()

// Load reads configuration from a YAML file and applies environment
// variable overrides and defaults.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *EngineConfig) applyEnvironmentOverrides() {
	if v := os.Getenv("SPI_BUS_PATH"); v != "" {
		c.SPI.BusPath = v
	}
	if v := os.Getenv("SPI_SPEED_HZ"); v != "" {
		if speed, err := strconv.Atoi(v); err == nil {
			c.SPI.SpeedHz = speed
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse SPI_SPEED_HZ %q: %v\n", v, err)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ENERGYME_SAMPLE_TIME_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Metering.DefaultSampleTimeMs = ms
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse ENERGYME_SAMPLE_TIME_MS %q: %v\n", v, err)
		}
	}
	if v := os.Getenv("ENERGYME_CSV_DIRECTORY"); v != "" {
		c.Persistence.CsvDirectory = v
	}
	if v := os.Getenv("ENERGYME_CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Persistence.CheckpointInterval = d
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse ENERGYME_CHECKPOINT_INTERVAL %q: %v\n", v, err)
		}
	}
}

func (c *EngineConfig) setDefaults() {
	if c.SPI.BusPath == "" {
		c.SPI.BusPath = "/dev/spidev0.0"
	}
	if c.SPI.SpeedHz == 0 {
		c.SPI.SpeedHz = 1_000_000
	}
	if c.Persistence.CsvDirectory == "" {
		c.Persistence.CsvDirectory = "/var/lib/energyme/energy"
	}
	if c.Persistence.CheckpointInterval == 0 {
		c.Persistence.CheckpointInterval = 600 * time.Second
	}
	if c.Persistence.CheckpointDeltaWh == 0 {
		c.Persistence.CheckpointDeltaWh = 1.0
	}
	if c.Persistence.CsvSaveThresholdWh == 0 {
		c.Persistence.CsvSaveThresholdWh = 0.1
	}
	if c.Persistence.HourTolerance == 0 {
		c.Persistence.HourTolerance = 90 * time.Second
	}
	if c.Metering.DefaultSampleTimeMs == 0 {
		c.Metering.DefaultSampleTimeMs = 1000
	}
	if c.Metering.NominalGridFreqHz == 0 {
		c.Metering.NominalGridFreqHz = 50.0
	}
	if c.Metering.SoftFailureBudget == 0 {
		c.Metering.SoftFailureBudget = 20
	}
	if c.Metering.SoftFailureWindow == 0 {
		c.Metering.SoftFailureWindow = 60 * time.Second
	}
	if c.Metering.CriticalFailureBudget == 0 {
		c.Metering.CriticalFailureBudget = 10
	}
	if c.Metering.CriticalFailureWindow == 0 {
		c.Metering.CriticalFailureWindow = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for internal consistency, layering
// struct-tag validation (go-playground/validator) with the manual checks
// that need cross-field reasoning.
func (c *EngineConfig) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}

	if err := c.validateSPI(); err != nil {
		return err
	}
	if err := c.validateMetering(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *EngineConfig) validateSPI() error {
	if c.SPI.SpeedHz > 2_000_000 {
		return fmt.Errorf("spi.speed_hz must not exceed 2 MHz (ADE7953 protocol limit), got %d", c.SPI.SpeedHz)
	}
	return nil
}

func (c *EngineConfig) validateMetering() error {
	if c.Metering.DefaultSampleTimeMs < 100 {
		return fmt.Errorf("metering.default_sample_time_ms must be at least 100")
	}
	if c.Metering.NominalGridFreqHz < 45 || c.Metering.NominalGridFreqHz > 65 {
		return fmt.Errorf("metering.nominal_grid_frequency_hz must be in [45, 65]")
	}
	if c.Metering.CriticalFailureBudget < 1 {
		return fmt.Errorf("metering.critical_failure_budget must be at least 1")
	}
	return nil
}

func (c *EngineConfig) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, panic")
	}
	return nil
}
