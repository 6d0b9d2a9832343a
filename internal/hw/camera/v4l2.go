package camera

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/blackjack/webcam"

	"github.com/cjeanneret/birdhouse-vision/internal/debug"
)

// V4L2_PIX_FMT_MJPEG, fourcc "MJPG".
const pixFmtMJPEG = webcam.PixelFormat('M' | 'J'<<8 | 'P'<<16 | 'G'<<24)

const (
	maxEmptyFrameCount = 5
	maxStaleFrames     = 16
)

var errEmptyFrame = errors.New("empty frame")

// V4L2 is a Camera reading MJPEG frames from a V4L2 device node, e.g. a USB
// webcam or the Pi camera behind the bcm2835 V4L2 compatibility driver.
// Reference: https://linuxtv.org/downloads/v4l-dvb-apis/uapi/v4l/videodev.html
type V4L2 struct {
	path    string
	timeout time.Duration

	cam       *webcam.Webcam
	cfg       *Configuration
	streaming bool
}

var _ Camera = (*V4L2)(nil)

// NewV4L2 creates an unopened V4L2 camera for the device at path.
func NewV4L2(path string, timeout time.Duration) *V4L2 {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &V4L2{path: path, timeout: timeout}
}

func (v *V4L2) Open() error {
	cam, err := webcam.Open(v.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", v.path, err)
	}
	v.cam = cam
	return nil
}

// largestFrameSize picks the frame size with the most pixels.
func largestFrameSize(sizes []webcam.FrameSize) (uint32, uint32) {
	var w, h uint32
	for _, s := range sizes {
		if s.MaxWidth*s.MaxHeight > w*h {
			w, h = s.MaxWidth, s.MaxHeight
		}
	}
	return w, h
}

// StillConfiguration returns MJPEG at the largest frame size the device
// advertises. The configuration is empty if the device has no MJPEG support.
func (v *V4L2) StillConfiguration() Configuration {
	cfg := Configuration{Mode: ModeStill}
	if v.cam == nil {
		return cfg
	}
	formats := v.cam.GetSupportedFormats()
	if _, ok := formats[pixFmtMJPEG]; !ok {
		debug.Verbose("V4L2: %s does not offer MJPEG (formats: %v)", v.path, formats)
		return cfg
	}
	w, h := largestFrameSize(v.cam.GetSupportedFrameSizes(pixFmtMJPEG))
	cfg.Width, cfg.Height = int(w), int(h)
	cfg.Format = "MJPG"
	return cfg
}

func (v *V4L2) Configure(cfg Configuration) error {
	if v.cam == nil {
		return ErrNotOpen
	}
	if v.streaming {
		return ErrStreaming
	}
	if err := checkStill(cfg); err != nil {
		return err
	}
	if cfg.Format != "MJPG" {
		return fmt.Errorf("camera: %s: unsupported format %q", v.path, cfg.Format)
	}

	_, w, h, err := v.cam.SetImageFormat(pixFmtMJPEG, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		return fmt.Errorf("set image format: %w", err)
	}
	cfg.Width, cfg.Height = int(w), int(h)
	debug.Verbose("V4L2: %s configured for MJPEG %dx%d", v.path, w, h)
	v.cfg = &cfg
	return nil
}

func (v *V4L2) Start() error {
	if v.cam == nil {
		return ErrNotOpen
	}
	if v.cfg == nil {
		return ErrNotConfigured
	}
	if v.streaming {
		return ErrStreaming
	}
	if err := v.cam.StartStreaming(); err != nil {
		return err
	}
	v.streaming = true
	return nil
}

// drain discards frames queued while the sensor was still settling.
func (v *V4L2) drain() {
	for i := 0; i < maxStaleFrames; i++ {
		if err := v.cam.WaitForFrame(0); err != nil {
			return
		}
		if _, err := v.cam.ReadFrame(); err != nil {
			return
		}
		debug.Trace("V4L2: dropped stale frame %d", i+1)
	}
}

func (v *V4L2) readFrame() ([]byte, error) {
	deadline := time.Now().Add(v.timeout)
	empty := 0
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no frame after %v", v.timeout)
		}
		err := v.cam.WaitForFrame(1) // seconds
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return nil, err
		}

		b, err := v.cam.ReadFrame()
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			empty++
			if empty >= maxEmptyFrameCount {
				return nil, errEmptyFrame
			}
			continue
		}

		// move the frame out of the mmap buffer before the driver reuses it
		frame := make([]byte, len(b))
		copy(frame, b)
		return frame, nil
	}
}

func (v *V4L2) CaptureTo(path string) error {
	if !v.streaming {
		return ErrNotStreaming
	}
	v.drain()
	debug.Live("V4L2: reading frame from %s", v.path)
	frame, err := v.readFrame()
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	return os.WriteFile(path, frame, 0o644)
}

func (v *V4L2) Stop() error {
	if !v.streaming {
		return ErrNotStreaming
	}
	v.streaming = false
	return v.cam.StopStreaming()
}

func (v *V4L2) Close() error {
	if v.cam == nil {
		return nil
	}
	if v.streaming {
		v.cam.StopStreaming()
		v.streaming = false
	}
	err := v.cam.Close()
	v.cam = nil
	v.cfg = nil
	return err
}
