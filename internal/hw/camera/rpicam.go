package camera

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cjeanneret/birdhouse-vision/internal/debug"
)

var errInstallHint = errors.New("executable not found, install with: sudo apt install -y rpicam-apps")

// Still apps shipped by the Raspberry Pi camera stack, newest name first.
var stillApps = []string{"rpicam-still", "libcamera-still"}

const (
	frameName   = "frame.jpg"
	stopTimeout = 3 * time.Second
)

// Sensor is a camera listed by the still app.
type Sensor struct {
	Index  int
	Model  string
	Width  int
	Height int
	Path   string
}

// RpicamOpts has options for a new Rpicam.
type RpicamOpts struct {
	Binary         string        // still app to run; empty picks the first of rpicam-still, libcamera-still on PATH
	CaptureTimeout time.Duration // how long CaptureTo waits for the frame file
}

// Rpicam drives the Raspberry Pi camera stack through its still app running
// in signal mode. Start launches the app (which starts the sensor stream),
// CaptureTo sends SIGUSR1 and waits for the JPEG it writes, Stop sends
// SIGUSR2.
type Rpicam struct {
	opts    RpicamOpts
	binary  string
	sensor  Sensor
	cfg     *Configuration
	tempDir string
	watcher *fsnotify.Watcher

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	exited  chan struct{}
	exitErr error
}

var _ Camera = (*Rpicam)(nil)

// NewRpicam creates an unopened Rpicam camera.
func NewRpicam(opts RpicamOpts) *Rpicam {
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 10 * time.Second
	}
	return &Rpicam{opts: opts}
}

func lookupStillApp(binary string) (string, error) {
	candidates := stillApps
	if binary != "" {
		candidates = []string{binary}
	}
	for _, name := range candidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("looking up %s: %w", strings.Join(candidates, ", "), errInstallHint)
}

// ListCameras returns the sensors reported by the still app.
// ListCameras returns an error if no sensor is available.
func ListCameras(binary string) ([]Sensor, error) {
	bin, err := lookupStillApp(binary)
	if err != nil {
		return nil, err
	}
	buf, err := exec.Command(bin, "--list-cameras").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("listing cameras using %s: %v", filepath.Base(bin), err)
	}
	sensors := parseSensors(string(buf))
	if len(sensors) == 0 {
		return nil, fmt.Errorf("no cameras available")
	}
	return sensors, nil
}

// "0 : imx708 [4608x2592 10-bit RGGB] (/base/soc/i2c0mux/i2c@1/imx708@1a)"
var sensorLine = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)\s*\[(\d+)x(\d+)[^\]]*\](?:\s*\(([^)]*)\))?`)

func parseSensors(out string) []Sensor {
	sensors := []Sensor{}
	for _, line := range strings.Split(out, "\n") {
		m := sensorLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		w, _ := strconv.Atoi(m[3])
		h, _ := strconv.Atoi(m[4])
		sensors = append(sensors, Sensor{Index: idx, Model: m[2], Width: w, Height: h, Path: m[5]})
	}
	return sensors
}

// Open checks that the still app and a sensor are present and prepares the
// directory the app writes frames into.
func (r *Rpicam) Open() (rerr error) {
	if r.watcher != nil {
		return errors.New("camera: already open")
	}

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			r.Close()
		}
	}()

	bin, err := lookupStillApp(r.opts.Binary)
	if err != nil {
		return err
	}
	r.binary = bin

	sensors, err := ListCameras(bin)
	if err != nil {
		return err
	}
	r.sensor = sensors[0]
	debug.Verbose("Rpicam: using sensor %d (%s, %dx%d)", r.sensor.Index, r.sensor.Model, r.sensor.Width, r.sensor.Height)

	dir, err := tempDir()
	if err != nil {
		return fmt.Errorf("making temp dir: %v", err)
	}
	r.tempDir = dir

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new file change watcher: %v", err)
	}
	r.watcher = watcher
	if err := watcher.Add(r.tempDir); err != nil {
		return fmt.Errorf("registering file change watcher for temp dir: %v", err)
	}
	return nil
}

// StillConfiguration returns the sensor's full resolution JPEG still mode.
func (r *Rpicam) StillConfiguration() Configuration {
	return Configuration{
		Mode:   ModeStill,
		Width:  r.sensor.Width,
		Height: r.sensor.Height,
		Format: "jpeg",
		Index:  r.sensor.Index,
	}
}

func (r *Rpicam) Configure(cfg Configuration) error {
	if r.watcher == nil {
		return ErrNotOpen
	}
	if r.cmd != nil {
		return ErrStreaming
	}
	if err := checkStill(cfg); err != nil {
		return err
	}
	r.cfg = &cfg
	return nil
}

func (r *Rpicam) framePath() string {
	return filepath.Join(r.tempDir, frameName)
}

func (r *Rpicam) args() []string {
	return []string{
		"--nopreview",
		"--timeout", "0",
		"--signal",
		"--camera", strconv.Itoa(r.cfg.Index),
		"--width", strconv.Itoa(r.cfg.Width),
		"--height", strconv.Itoa(r.cfg.Height),
		"--encoding", "jpg",
		"--output", r.framePath(),
	}
}

// Start launches the still app, which opens the sensor and keeps it streaming
// until signalled. It returns once the process is running, not once the
// sensor delivers frames, so the app's own startup eats into the warm-up.
func (r *Rpicam) Start() error {
	if r.watcher == nil {
		return ErrNotOpen
	}
	if r.cfg == nil {
		return ErrNotConfigured
	}
	if r.cmd != nil {
		return ErrStreaming
	}

	args := r.args()
	debug.Verbose("Rpicam: starting %s with args %s", r.binary, args)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, r.binary, args...)
	if debug.IsEnabled(debug.LevelTrace) {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return fmt.Errorf("starting command %s: %w", filepath.Base(r.binary), err)
	}

	r.cmd = cmd
	r.cancel = cancel
	r.exited = make(chan struct{})
	go func() {
		r.exitErr = cmd.Wait()
		close(r.exited)
	}()
	return nil
}

// CaptureTo asks the still app for a frame and moves it to path once it has
// been completely written.
func (r *Rpicam) CaptureTo(path string) error {
	if r.cmd == nil {
		return ErrNotStreaming
	}
	select {
	case <-r.exited:
		return fmt.Errorf("%s exited before capture: %v", filepath.Base(r.binary), r.exitErr)
	default:
	}

	debug.Live("Rpicam: requesting frame from %s", filepath.Base(r.binary))
	if err := r.cmd.Process.Signal(syscall.SIGUSR1); err != nil {
		return fmt.Errorf("requesting frame: %w", err)
	}
	if err := r.waitForFrame(); err != nil {
		return err
	}
	if err := moveFile(r.framePath(), path); err != nil {
		return fmt.Errorf("moving frame to %s: %w", path, err)
	}
	return nil
}

func (r *Rpicam) waitForFrame() error {
	timeout := time.NewTimer(r.opts.CaptureTimeout)
	defer timeout.Stop()

	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return errors.New("file change watcher closed")
			}
			if filepath.Base(ev.Name) != frameName || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debug.Trace("Rpicam: file event %s", ev)
			if err := checkJPEG(ev.Name); err != nil {
				debug.Trace("Rpicam: %v (may be partially written)", err)
				continue
			}
			return nil

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return errors.New("file change watcher closed")
			}
			return fmt.Errorf("watching for frame: %v", err)

		case <-r.exited:
			// The app may exit right after writing; the last write event can be lost.
			if err := checkJPEG(r.framePath()); err == nil {
				return nil
			}
			return fmt.Errorf("%s exited without writing a frame: %v", filepath.Base(r.binary), r.exitErr)

		case <-timeout.C:
			return fmt.Errorf("no frame after %v", r.opts.CaptureTimeout)
		}
	}
}

func checkJPEG(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open written file %q: %v", path, err)
	}
	defer f.Close()
	if _, err := jpeg.Decode(f); err != nil {
		return fmt.Errorf("decoding jpeg %q: %v", path, err)
	}
	return nil
}

// Stop asks the still app to quit and waits for it, killing it if it does
// not exit in time.
func (r *Rpicam) Stop() error {
	if r.cmd == nil {
		return ErrNotStreaming
	}
	defer func() {
		r.cancel()
		r.cmd = nil
	}()

	select {
	case <-r.exited:
		return nil
	default:
	}

	if err := r.cmd.Process.Signal(syscall.SIGUSR2); err != nil {
		debug.Verbose("Rpicam: SIGUSR2 failed: %v", err)
	}
	select {
	case <-r.exited:
		return nil
	case <-time.After(stopTimeout):
		r.cancel()
		<-r.exited
		return fmt.Errorf("%s did not stop within %v, killed", filepath.Base(r.binary), stopTimeout)
	}
}

// Close stops the app if still running and removes the temporary directory.
func (r *Rpicam) Close() error {
	if r.cmd != nil {
		r.cancel()
		<-r.exited
		r.cmd = nil
	}
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
	if r.tempDir != "" {
		os.RemoveAll(r.tempDir)
		r.tempDir = ""
	}
	r.cfg = nil
	return nil
}
