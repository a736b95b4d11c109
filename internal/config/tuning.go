// Package config holds runtime tuning parameters for the CSI pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig represents the tunable parameters of the CSI pipeline. All
// fields are optional pointers so that partial JSON configs are safe: fields
// omitted from the file retain their defaults via the Get* accessors.
type TuningConfig struct {
	// Cluster cache params
	OTACacheTimeout *string `json:"ota_cache_timeout,omitempty"` // duration string like "5s"

	// Transport params
	HandshakeTimeout  *string `json:"handshake_timeout,omitempty"`   // duration string like "3s"
	StreamIdleTimeout *string `json:"stream_idle_timeout,omitempty"` // duration string like "5s"

	// Pool params
	RunPollTimeout *string `json:"run_poll_timeout,omitempty"` // duration string like "500ms"

	// Calibration params
	CalibrationDuration    *string `json:"calibration_duration,omitempty"` // duration string like "2s"
	CalibrationMinClusters *int    `json:"calibration_min_clusters,omitempty"`

	// Backlog params
	BacklogSize *int `json:"backlog_size,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max file
// size. Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"ota_cache_timeout":    c.OTACacheTimeout,
		"handshake_timeout":    c.HandshakeTimeout,
		"stream_idle_timeout":  c.StreamIdleTimeout,
		"run_poll_timeout":     c.RunPollTimeout,
		"calibration_duration": c.CalibrationDuration,
	}
	for name, v := range durations {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	if c.CalibrationMinClusters != nil && *c.CalibrationMinClusters < 1 {
		return fmt.Errorf("calibration_min_clusters must be at least 1, got %d", *c.CalibrationMinClusters)
	}
	if c.BacklogSize != nil && *c.BacklogSize < 1 {
		return fmt.Errorf("backlog_size must be at least 1, got %d", *c.BacklogSize)
	}

	return nil
}

func (c *TuningConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetOTACacheTimeout returns the over-the-air cluster staleness threshold.
func (c *TuningConfig) GetOTACacheTimeout() time.Duration {
	return c.duration(c.OTACacheTimeout, 5*time.Second)
}

// GetHandshakeTimeout returns how long to wait for the stream magic value.
func (c *TuningConfig) GetHandshakeTimeout() time.Duration {
	return c.duration(c.HandshakeTimeout, 3*time.Second)
}

// GetStreamIdleTimeout returns the no-traffic threshold after which a board
// stream disconnects itself.
func (c *TuningConfig) GetStreamIdleTimeout() time.Duration {
	return c.duration(c.StreamIdleTimeout, 5*time.Second)
}

// GetRunPollTimeout returns the bounded wait of one Pool.Run iteration.
func (c *TuningConfig) GetRunPollTimeout() time.Duration {
	return c.duration(c.RunPollTimeout, 500*time.Millisecond)
}

// GetCalibrationDuration returns how long a calibration run collects clusters.
func (c *TuningConfig) GetCalibrationDuration() time.Duration {
	return c.duration(c.CalibrationDuration, 2*time.Second)
}

// GetCalibrationMinClusters returns the minimum number of calibration
// clusters required for a calibration run to succeed.
func (c *TuningConfig) GetCalibrationMinClusters() int {
	if c.CalibrationMinClusters == nil {
		return 5
	}
	return *c.CalibrationMinClusters
}

// GetBacklogSize returns the default backlog ring-buffer capacity.
func (c *TuningConfig) GetBacklogSize() int {
	if c.BacklogSize == nil {
		return 100
	}
	return *c.BacklogSize
}
