package illuminator

import (
	"fmt"

	"github.com/cjeanneret/birdhouse-vision/internal/debug"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/camera"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/gpio"
)

// Camera wraps a camera.Camera and keeps a GPIO-driven lamp (typically an IR
// LED board inside the nest box) lit while the stream runs, so exposure
// converges under the same light the frame is taken with.
//
// Lamp sequence:
// 1. Start: lamp ON, then start the inner stream
// 2. Stop: stop the inner stream, then lamp OFF
// 3. Close: lamp OFF (again), then release the inner camera
type Camera struct {
	camera.Camera
	gpio      gpio.Driver
	pin       int
	activeLow bool
}

var _ camera.Camera = (*Camera)(nil)

// Wrap decorates cam with a lamp on pin. The lamp is switched off right away.
func Wrap(cam camera.Camera, g gpio.Driver, pin int, activeLow bool) *Camera {
	c := &Camera{Camera: cam, gpio: g, pin: pin, activeLow: activeLow}
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		debug.Error(fmt.Errorf("illuminator: setup pin %d: %w", pin, err))
	}
	if err := c.set(false); err != nil {
		debug.Error(fmt.Errorf("illuminator: switch lamp off on pin %d: %w", pin, err))
	}
	return c
}

func (c *Camera) set(on bool) error {
	level := gpio.Level(on)
	if c.activeLow {
		level = !level
	}
	debug.Verbose("Illuminator: pin %d -> %v (on=%t)", c.pin, level, on)
	return c.gpio.WritePin(c.pin, level)
}

// Start lights the lamp and starts the inner stream. The lamp is switched
// back off if the stream fails to start.
func (c *Camera) Start() error {
	if err := c.set(true); err != nil {
		return err
	}
	if err := c.Camera.Start(); err != nil {
		_ = c.set(false)
		return err
	}
	return nil
}

// Stop stops the inner stream and switches the lamp off.
func (c *Camera) Stop() error {
	err := c.Camera.Stop()
	if lerr := c.set(false); err == nil {
		err = lerr
	}
	return err
}

// Close makes sure the lamp is off and releases the inner camera.
func (c *Camera) Close() error {
	_ = c.set(false)
	return c.Camera.Close()
}
