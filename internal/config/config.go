package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file accepted by Load.
const MaxConfigFileBytes = 64 * 1024

// Camera types understood by the camera factory.
const (
	CameraRpicam = "rpicam"
	CameraV4L2   = "v4l2"
	CameraMock   = "mock"
)

// DefaultOutputPath is where a direct run writes its image.
const DefaultOutputPath = "test_image.jpg"

// CameraConfig selects and tunes the camera backend.
type CameraConfig struct {
	Type             string `yaml:"type"`               // "rpicam", "v4l2" or "mock"
	Binary           string `yaml:"binary"`             // rpicam: still app to run (empty = auto-detect)
	Device           string `yaml:"device"`             // v4l2: device node
	WarmupMs         int    `yaml:"warmup_ms"`          // delay between stream start and capture (ms)
	CaptureTimeoutMs int    `yaml:"capture_timeout_ms"` // max wait for a frame once requested (ms)
}

// IlluminatorConfig describes an optional lamp switched on while streaming.
type IlluminatorConfig struct {
	Pin       int  `yaml:"pin"`        // GPIO pin (BCM). 0 = no illuminator.
	ActiveLow bool `yaml:"active_low"` // lamp is on when the pin is LOW
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	OutputPath string `yaml:"output_path"` // image path used when none is given
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool   `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// WebConfig holds settings for the optional HTTP server.
type WebConfig struct {
	CaptureDir string `yaml:"capture_dir"` // where web-triggered captures land
}

// Config aggregates all application configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Illuminator IlluminatorConfig `yaml:"illuminator"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
	Web         WebConfig         `yaml:"web"`
}

// Default returns the built-in configuration, used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()

	// Basic validation
	switch cfg.Camera.Type {
	case CameraRpicam, CameraV4L2, CameraMock:
	default:
		return nil, fmt.Errorf("camera.type must be one of %q, %q, %q, got %q",
			CameraRpicam, CameraV4L2, CameraMock, cfg.Camera.Type)
	}
	if cfg.Camera.WarmupMs < 0 {
		return nil, fmt.Errorf("camera.warmup_ms must be >= 0, got %d", cfg.Camera.WarmupMs)
	}
	if cfg.Illuminator.Pin < 0 {
		return nil, fmt.Errorf("illuminator.pin must be >= 0, got %d", cfg.Illuminator.Pin)
	}
	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Camera.Type == "" {
		c.Camera.Type = CameraRpicam
	}
	if c.Camera.Device == "" {
		c.Camera.Device = "/dev/video0"
	}
	if c.Camera.WarmupMs == 0 {
		c.Camera.WarmupMs = 2000 // sensor AE/AWB settle time
	}
	if c.Camera.CaptureTimeoutMs <= 0 {
		c.Camera.CaptureTimeoutMs = 10000
	}
	if c.Defaults.OutputPath == "" {
		c.Defaults.OutputPath = DefaultOutputPath
	}
	if c.Web.CaptureDir == "" {
		c.Web.CaptureDir = "captures"
	}
}

// ValidateConfigPath checks that path is a .yaml file directly inside a
// configs/ directory and contains no traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain ..", path)
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Warmup returns the delay between starting the stream and capturing.
func (c *Config) Warmup() time.Duration {
	return time.Duration(c.Camera.WarmupMs) * time.Millisecond
}

// CaptureTimeout returns how long to wait for a requested frame.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Camera.CaptureTimeoutMs) * time.Millisecond
}

// IlluminatorEnabled reports whether an illuminator pin is configured.
func (c *Config) IlluminatorEnabled() bool {
	return c.Illuminator.Pin > 0
}
