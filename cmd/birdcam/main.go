package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/birdhouse-vision/internal/config"
	"github.com/cjeanneret/birdhouse-vision/internal/debug"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/camera"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/gpio"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/illuminator"
	"github.com/cjeanneret/birdhouse-vision/internal/logic/capture"
	"github.com/cjeanneret/birdhouse-vision/internal/web"
)

const defaultConfigPath = "configs/default.yaml"

// mockWidth and mockHeight size the test card of the mock camera.
const (
	mockWidth  = 640
	mockHeight = 480
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.FromSlash(defaultConfigPath), "path to config file")
	list := flag.Bool("list", false, "list cameras detected by the still app and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [output.jpg]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := loadConfig(*cfgPath, flagWasSet("config"))
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if *list {
		if err := listCameras(os.Stdout, cfg.Camera.Binary); err != nil {
			log.Fatalf("list cameras failed: %v", err)
		}
		return
	}

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize camera
	debug.Step(2, "Initializing camera")
	cam, err := newCameraFromConfig(gpioDriver, cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.PrintStruct("Camera config", cfg.Camera)
	debug.Value("Illuminator pin", cfg.Illuminator.Pin)

	runner := capture.NewRunner(cam)
	runner.Warmup = cfg.Warmup()

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		settings := web.Settings{
			CameraType: cfg.Camera.Type,
			WarmupMs:   cfg.Warmup().Milliseconds(),
			CaptureDir: cfg.Web.CaptureDir,
		}
		srv, err := web.NewServer(webAddr, broadcaster, webCapture(runner), settings)
		if err != nil {
			log.Fatalf("web server: %v", err)
		}
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	outputPath := outputPathFromArgs(flag.Args(), cfg)
	debug.Value("Output path", outputPath)
	if err := runner.Once(ctx, outputPath); err != nil {
		log.Fatalf("capture failed: %v", err)
	}
}

// loadConfig reads path. A path given with -config must be a .yaml file in a
// configs/ directory. When the user did not pass -config and the default file
// is missing, the built-in configuration is used.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if explicit {
		if err := config.ValidateConfigPath(path); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// webCapture adapts runner to the web server, creating the directory of each
// requested image on demand.
func webCapture(runner *capture.Runner) web.RunCaptureFunc {
	return func(ctx context.Context, outputPath string) error {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return fmt.Errorf("create capture dir: %w", err)
		}
		return runner.Once(ctx, outputPath)
	}
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// outputPathFromArgs returns the first positional argument, or the configured
// default output path.
func outputPathFromArgs(args []string, cfg *config.Config) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return cfg.Defaults.OutputPath
}

func listCameras(w io.Writer, binary string) error {
	sensors, err := camera.ListCameras(binary)
	if err != nil {
		return err
	}
	for _, s := range sensors {
		fmt.Fprintf(w, "%d : %s [%dx%d] (%s)\n", s.Index, s.Model, s.Width, s.Height, s.Path)
	}
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newCameraFromConfig selects a camera implementation based on configuration.
// A configured illuminator pin wraps the camera so the lamp follows the stream.
func newCameraFromConfig(g gpio.Driver, cfg *config.Config) (camera.Camera, error) {
	var cam camera.Camera
	switch cfg.Camera.Type {
	case config.CameraRpicam:
		cam = camera.NewRpicam(camera.RpicamOpts{
			Binary:         cfg.Camera.Binary,
			CaptureTimeout: cfg.CaptureTimeout(),
		})
	case config.CameraV4L2:
		cam = camera.NewV4L2(cfg.Camera.Device, cfg.CaptureTimeout())
	case config.CameraMock:
		cam = camera.NewMock(mockWidth, mockHeight)
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}

	if cfg.IlluminatorEnabled() {
		cam = illuminator.Wrap(cam, g, cfg.Illuminator.Pin, cfg.Illuminator.ActiveLow)
	}
	return cam, nil
}
