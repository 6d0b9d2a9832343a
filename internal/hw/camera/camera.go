package camera

import (
	"errors"
	"fmt"
)

// Camera is the capability interface used by the capture sequence.
// It represents an abstract still camera, regardless of how the sensor is
// driven (Raspberry Pi camera stack, V4L2, software mock).
//
// A Camera is an exclusive handle: between Open and Close no other caller
// may use it.
type Camera interface {
	// Open acquires the device.
	Open() error
	// StillConfiguration derives a still-image configuration from the
	// device's defaults. Only valid after Open.
	StillConfiguration() Configuration
	// Configure applies a configuration before streaming starts.
	Configure(cfg Configuration) error
	// Start starts the capture stream.
	Start() error
	// CaptureTo writes exactly one encoded frame to path.
	CaptureTo(path string) error
	// Stop stops the capture stream.
	Stop() error
	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Mode is the capture mode of a Configuration.
type Mode int

const (
	ModeStill Mode = iota
)

func (m Mode) String() string {
	switch m {
	case ModeStill:
		return "still"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Configuration describes how the device captures. Values come from the
// hardware defaults and are not user-adjustable.
type Configuration struct {
	Mode   Mode
	Width  int
	Height int
	Format string // encoder/pixel format reported by the backend, e.g. "jpeg" or "MJPG"
	Index  int    // camera index for backends that expose several sensors
}

var (
	ErrNotOpen       = errors.New("camera: not open")
	ErrNotConfigured = errors.New("camera: not configured")
	ErrNotStreaming  = errors.New("camera: stream not started")
	ErrStreaming     = errors.New("camera: stream already started")
)

// checkStill rejects configurations the backends cannot honour.
func checkStill(cfg Configuration) error {
	if cfg.Mode != ModeStill {
		return fmt.Errorf("camera: unsupported mode %s", cfg.Mode)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("camera: invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	return nil
}
