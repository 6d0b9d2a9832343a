package camera

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/cjeanneret/birdhouse-vision/internal/debug"
)

// Mock is a software camera used for development on a PC. It renders a test
// card instead of reading a sensor.
type Mock struct {
	width, height int
	now           func() time.Time

	open      bool
	cfg       *Configuration
	streaming bool
}

var _ Camera = (*Mock)(nil)

// NewMock creates a mock camera producing width x height frames.
func NewMock(width, height int) *Mock {
	return &Mock{width: width, height: height, now: time.Now}
}

func (m *Mock) Open() error {
	debug.Info("Using MOCK camera (development mode)")
	m.open = true
	return nil
}

func (m *Mock) StillConfiguration() Configuration {
	return Configuration{Mode: ModeStill, Width: m.width, Height: m.height, Format: "jpeg"}
}

func (m *Mock) Configure(cfg Configuration) error {
	if !m.open {
		return ErrNotOpen
	}
	if m.streaming {
		return ErrStreaming
	}
	if err := checkStill(cfg); err != nil {
		return err
	}
	m.cfg = &cfg
	return nil
}

func (m *Mock) Start() error {
	if !m.open {
		return ErrNotOpen
	}
	if m.cfg == nil {
		return ErrNotConfigured
	}
	m.streaming = true
	return nil
}

// CaptureTo writes a JPEG test card to path, whatever its extension.
func (m *Mock) CaptureTo(path string) error {
	if !m.streaming {
		return ErrNotStreaming
	}
	img := m.render()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		f.Close()
		return fmt.Errorf("encode test card: %w", err)
	}
	return f.Close()
}

func (m *Mock) render() *image.NRGBA {
	w, h := m.cfg.Width, m.cfg.Height
	img := imaging.New(w, h, color.NRGBA{R: 135, G: 190, B: 235, A: 255})

	// colour bars across the lower third
	bars := []color.NRGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
	}
	barW := w / len(bars)
	if barW > 0 && h/3 > 0 {
		for i, c := range bars {
			img = imaging.Paste(img, imaging.New(barW, h/3, c), image.Pt(i*barW, h-h/3))
		}
	}

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 8+basicfont.Face7x13.Ascent),
	}
	d.DrawString("birdcam mock " + m.now().Format(time.RFC3339))
	return img
}

func (m *Mock) Stop() error {
	if !m.streaming {
		return ErrNotStreaming
	}
	m.streaming = false
	return nil
}

func (m *Mock) Close() error {
	m.open = false
	m.streaming = false
	m.cfg = nil
	return nil
}
