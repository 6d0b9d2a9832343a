package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cjeanneret/birdhouse-vision/internal/debug"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/camera"
)

// DefaultWarmup lets automatic exposure and white balance converge before
// the frame is taken. It is a fixed delay, not driven by sensor feedback.
const DefaultWarmup = 2 * time.Second

// State is the progress of a single capture.
type State int

const (
	Uninitialized State = iota
	Configured
	Streaming
	Captured
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Configured:
		return "Configured"
	case Streaming:
		return "Streaming"
	case Captured:
		return "Captured"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// hardware serializes captures within the process: only one camera handle
// may be open at a time.
var hardware sync.Mutex

// Runner performs still captures on one camera.
type Runner struct {
	camera camera.Camera

	Warmup time.Duration       // delay between stream start and capture
	Sleep  func(time.Duration) // blocks for the warm-up; time.Sleep by default
	Out    io.Writer           // receives the confirmation line; os.Stdout by default

	mu    sync.Mutex
	state State
}

// NewRunner creates a runner for cam with the default warm-up.
func NewRunner(cam camera.Camera) *Runner {
	return &Runner{
		camera: cam,
		Warmup: DefaultWarmup,
		Sleep:  time.Sleep,
		Out:    os.Stdout,
	}
}

// State returns the state reached by the last (or current) capture.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	debug.State(prev.String(), s.String())
}

// Once performs exactly one still capture to outputPath:
// open, configure for stills, start the stream, wait the warm-up, capture
// one frame to outputPath, stop the stream, then print a confirmation.
//
// The warm-up is not interrupted by ctx; ctx is only checked before the
// camera is acquired. The camera is always released before Once returns,
// and a started stream is stopped even when a later step fails.
func (r *Runner) Once(ctx context.Context, outputPath string) (rerr error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	hardware.Lock()
	defer hardware.Unlock()

	r.setState(Uninitialized)
	cam := r.camera

	debug.Step(1, "Opening camera")
	if err := cam.Open(); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer func() {
		if err := cam.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("close camera: %w", err)
		}
	}()

	debug.Step(2, "Applying still configuration")
	cfg := cam.StillConfiguration()
	debug.PrintStruct("Still configuration", cfg)
	if err := cam.Configure(cfg); err != nil {
		return fmt.Errorf("configure camera: %w", err)
	}
	r.setState(Configured)

	debug.Step(3, "Starting stream")
	if err := cam.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	r.setState(Streaming)

	stopped := false
	defer func() {
		if !stopped {
			if err := cam.Stop(); err != nil {
				debug.Error(fmt.Errorf("stop stream after failure: %w", err))
			}
		}
	}()

	debug.Step(4, fmt.Sprintf("Warming up (%v)", r.Warmup))
	r.Sleep(r.Warmup)

	debug.Step(5, "Capturing frame")
	if err := cam.CaptureTo(outputPath); err != nil {
		return fmt.Errorf("capture to %s: %w", outputPath, err)
	}
	r.setState(Captured)
	if fi, err := os.Stat(outputPath); err == nil {
		debug.Frame(outputPath, fi.Size())
	}

	debug.Step(6, "Stopping stream")
	stopped = true
	if err := cam.Stop(); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	r.setState(Stopped)

	debug.Summary("Capture complete")
	fmt.Fprintf(r.Out, "Image saved to %s\n", outputPath)
	return nil
}

// Once captures one still from cam to outputPath with the default warm-up.
func Once(ctx context.Context, cam camera.Camera, outputPath string) error {
	return NewRunner(cam).Once(ctx, outputPath)
}
