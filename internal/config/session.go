package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/rover.scan/internal/calibration"
	"github.com/banshee-data/rover.scan/internal/serialmux"
	"github.com/banshee-data/rover.scan/internal/sweep"
)

// DefaultConfigPath is the path to the canonical session defaults file.
const DefaultConfigPath = "config/rover.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Positioning modes.
const (
	PositionByAngle = "angle"
	PositionByPulse = "pulse"
)

// SessionConfig is everything a session needs to talk to one rover. Fields
// are pointers so a partial file only overrides what it names; the Get*
// methods supply defaults for the rest.
type SessionConfig struct {
	Port            *string                `json:"port,omitempty" yaml:"port,omitempty"`
	Serial          *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
	ResponseTimeout *string                `json:"response_timeout,omitempty" yaml:"response_timeout,omitempty"` // duration string like "2s"

	SonarEnabled    *bool `json:"sonar_enabled,omitempty" yaml:"sonar_enabled,omitempty"`
	InfraredEnabled *bool `json:"infrared_enabled,omitempty" yaml:"infrared_enabled,omitempty"`
	Randomized      *bool `json:"randomized,omitempty" yaml:"randomized,omitempty"`

	Sweep       *SweepConfig       `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	Positioning *PositioningConfig `json:"positioning,omitempty" yaml:"positioning,omitempty"`
	Calibration *CalibrationConfig `json:"calibration,omitempty" yaml:"calibration,omitempty"`

	FeedBuffer   *int    `json:"feed_buffer,omitempty" yaml:"feed_buffer,omitempty"`
	ArchivePath  *string `json:"archive_path,omitempty" yaml:"archive_path,omitempty"`
	ScanInterval *string `json:"scan_interval,omitempty" yaml:"scan_interval,omitempty"` // "0s" disables periodic scans
}

// SweepConfig is the default sweep request.
type SweepConfig struct {
	Start   *int `json:"start,omitempty" yaml:"start,omitempty"`
	End     *int `json:"end,omitempty" yaml:"end,omitempty"`
	Samples *int `json:"samples,omitempty" yaml:"samples,omitempty"`
}

// PositioningConfig selects how the servo is driven during a sweep.
type PositioningConfig struct {
	Mode   *string          `json:"mode,omitempty" yaml:"mode,omitempty"`
	Settle *string          `json:"settle,omitempty" yaml:"settle,omitempty"`
	Pulse  *ConverterConfig `json:"pulse,omitempty" yaml:"pulse,omitempty"`
}

// CalibrationConfig holds the range sensor converters.
type CalibrationConfig struct {
	Infrared *ConverterConfig `json:"infrared,omitempty" yaml:"infrared,omitempty"`
	Sonar    *ConverterConfig `json:"sonar,omitempty" yaml:"sonar,omitempty"`
}

// ConverterConfig describes a calibration converter. Kind is one of
// identity, firmware-ir, polynomial, linear or table.
type ConverterConfig struct {
	Kind         string    `json:"kind" yaml:"kind"`
	Coefficients []float64 `json:"coefficients,omitempty" yaml:"coefficients,omitempty"`
	Scale        float64   `json:"scale,omitempty" yaml:"scale,omitempty"`
	Offset       float64   `json:"offset,omitempty" yaml:"offset,omitempty"`
	Raw          []float64 `json:"raw,omitempty" yaml:"raw,omitempty"`
	Physical     []float64 `json:"physical,omitempty" yaml:"physical,omitempty"`
}

// Converter builds the described converter.
func (c *ConverterConfig) Converter() (calibration.Converter, error) {
	switch strings.ToLower(c.Kind) {
	case "", "identity":
		return calibration.Identity, nil
	case "firmware-ir":
		return calibration.DefaultInfrared, nil
	case "polynomial":
		if len(c.Coefficients) == 0 {
			return nil, fmt.Errorf("polynomial converter needs coefficients")
		}
		return calibration.Polynomial(c.Coefficients...), nil
	case "linear":
		return calibration.Linear(c.Scale, c.Offset), nil
	case "table":
		return calibration.Table(c.Raw, c.Physical)
	default:
		return nil, fmt.Errorf("unknown converter kind %q", c.Kind)
	}
}

// EmptySessionConfig returns a SessionConfig with all fields set to nil.
func EmptySessionConfig() *SessionConfig {
	return &SessionConfig{}
}

// LoadSessionConfig loads a SessionConfig from a .json, .yaml or .yml file
// under 1MB. Fields omitted from the file keep their defaults.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySessionConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. Intended for tests.
func MustLoadDefaultConfig() *SessionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSessionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every field that is set.
func (c *SessionConfig) Validate() error {
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	for name, d := range map[string]*string{
		"response_timeout": c.ResponseTimeout,
		"scan_interval":    c.ScanInterval,
	} {
		if err := validDuration(name, d); err != nil {
			return err
		}
	}
	if c.ResponseTimeout != nil && c.GetResponseTimeout() <= 0 {
		return fmt.Errorf("response_timeout must be positive, got %q", *c.ResponseTimeout)
	}
	if c.FeedBuffer != nil && *c.FeedBuffer < 0 {
		return fmt.Errorf("feed_buffer must be non-negative, got %d", *c.FeedBuffer)
	}
	if c.Sweep != nil {
		if err := c.GetSweepRequest().Validate(); err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
	}
	if p := c.Positioning; p != nil {
		if p.Mode != nil && *p.Mode != PositionByAngle && *p.Mode != PositionByPulse {
			return fmt.Errorf("positioning.mode must be %q or %q, got %q", PositionByAngle, PositionByPulse, *p.Mode)
		}
		if err := validDuration("positioning.settle", p.Settle); err != nil {
			return err
		}
	}
	if _, err := c.GetCalibration(); err != nil {
		return err
	}
	return nil
}

func validDuration(name string, d *string) error {
	if d == nil || *d == "" {
		return nil
	}
	v, err := time.ParseDuration(*d)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
	}
	if v < 0 {
		return fmt.Errorf("%s must not be negative, got %q", name, *d)
	}
	return nil
}

func durationOr(d *string, def time.Duration) time.Duration {
	if d == nil || *d == "" {
		return def
	}
	v, err := time.ParseDuration(*d)
	if err != nil {
		return def
	}
	return v
}

// GetPort returns the serial device path.
func (c *SessionConfig) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return "/dev/ttyUSB0"
	}
	return *c.Port
}

// GetSerial returns the port options.
func (c *SessionConfig) GetSerial() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{}
	}
	return *c.Serial
}

// GetResponseTimeout returns the per-frame response timeout.
func (c *SessionConfig) GetResponseTimeout() time.Duration {
	return durationOr(c.ResponseTimeout, serialmux.DefaultResponseTimeout)
}

// GetSonarEnabled reports whether sweeps sample the sonar.
func (c *SessionConfig) GetSonarEnabled() bool {
	return c.SonarEnabled == nil || *c.SonarEnabled
}

// GetInfraredEnabled reports whether sweeps sample the infrared sensor.
func (c *SessionConfig) GetInfraredEnabled() bool {
	return c.InfraredEnabled == nil || *c.InfraredEnabled
}

// GetRandomized returns the randomized sampling flag.
func (c *SessionConfig) GetRandomized() bool {
	return c.Randomized != nil && *c.Randomized
}

// GetSweepRequest returns the default sweep: the full servo travel, three
// samples per angle.
func (c *SessionConfig) GetSweepRequest() sweep.Request {
	req := sweep.Request{Start: 0, End: 180, Samples: 3}
	if s := c.Sweep; s != nil {
		if s.Start != nil {
			req.Start = *s.Start
		}
		if s.End != nil {
			req.End = *s.End
		}
		if s.Samples != nil {
			req.Samples = *s.Samples
		}
	}
	return req
}

// GetPositioningMode returns PositionByAngle or PositionByPulse.
func (c *SessionConfig) GetPositioningMode() string {
	if c.Positioning == nil || c.Positioning.Mode == nil {
		return PositionByAngle
	}
	return *c.Positioning.Mode
}

// GetSettle returns the wait after each pulse-width move.
func (c *SessionConfig) GetSettle() time.Duration {
	if c.Positioning == nil {
		return 300 * time.Millisecond
	}
	return durationOr(c.Positioning.Settle, 300*time.Millisecond)
}

// GetCalibration builds the converter set. Without configuration the
// infrared sensor uses the firmware curve and the sonar reads centimetres.
// The pulse converter is only set in pulse positioning mode and defaults to
// 600µs + 10µs per degree.
func (c *SessionConfig) GetCalibration() (calibration.Set, error) {
	set := calibration.Defaults()
	if cal := c.Calibration; cal != nil {
		if cal.Infrared != nil {
			conv, err := cal.Infrared.Converter()
			if err != nil {
				return set, fmt.Errorf("calibration.infrared: %w", err)
			}
			set.Infrared = conv
		}
		if cal.Sonar != nil {
			conv, err := cal.Sonar.Converter()
			if err != nil {
				return set, fmt.Errorf("calibration.sonar: %w", err)
			}
			set.Sonar = conv
		}
	}
	if c.GetPositioningMode() == PositionByPulse {
		set.ServoPulse = calibration.Linear(10, 600)
		if c.Positioning.Pulse != nil {
			conv, err := c.Positioning.Pulse.Converter()
			if err != nil {
				return set, fmt.Errorf("positioning.pulse: %w", err)
			}
			set.ServoPulse = conv
		}
	}
	return set, nil
}

// GetFeedBuffer returns the per-subscriber map feed depth.
func (c *SessionConfig) GetFeedBuffer() int {
	if c.FeedBuffer == nil || *c.FeedBuffer == 0 {
		return 8
	}
	return *c.FeedBuffer
}

// GetArchivePath returns the scan archive path, empty when archiving is off.
func (c *SessionConfig) GetArchivePath() string {
	if c.ArchivePath == nil {
		return ""
	}
	return *c.ArchivePath
}

// GetScanInterval returns the period between automatic scans; zero means
// scans only run on request.
func (c *SessionConfig) GetScanInterval() time.Duration {
	return durationOr(c.ScanInterval, 0)
}
