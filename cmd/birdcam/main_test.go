package main

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cjeanneret/birdhouse-vision/internal/config"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/camera"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/gpio"
	"github.com/cjeanneret/birdhouse-vision/internal/hw/illuminator"
	"github.com/cjeanneret/birdhouse-vision/internal/logic/capture"
)

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- outputPathFromArgs ----------

func TestOutputPathFromArgs(t *testing.T) {
	cfg := config.Default()
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no_args", nil, "test_image.jpg"},
		{"empty_arg", []string{""}, "test_image.jpg"},
		{"explicit", []string{"nest.jpg"}, "nest.jpg"},
		{"extra_args_ignored", []string{"a.jpg", "b.jpg"}, "a.jpg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := outputPathFromArgs(tc.args, cfg); got != tc.want {
				t.Errorf("outputPathFromArgs(%q) = %q, want %q", tc.args, got, tc.want)
			}
		})
	}
}

func TestOutputPathFromArgs_ConfiguredDefault(t *testing.T) {
	cfg := config.Default()
	cfg.Defaults.OutputPath = "/var/lib/birdcam/latest.jpg"
	if got := outputPathFromArgs(nil, cfg); got != "/var/lib/birdcam/latest.jpg" {
		t.Errorf("outputPathFromArgs = %q", got)
	}
}

// ---------- loadConfig ----------

func TestLoadConfig_MissingDefaultFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "default.yaml")
	cfg, err := loadConfig(path, false)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Camera.Type != config.CameraRpicam {
		t.Errorf("Camera.Type = %q, want %q", cfg.Camera.Type, config.CameraRpicam)
	}
}

func TestLoadConfig_MissingExplicitFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "nest.yaml")
	_, err := loadConfig(path, true)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("loadConfig error = %v, want fs.ErrNotExist", err)
	}
}

func TestLoadConfig_InvalidFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := os.WriteFile(path, []byte("camera:\n  type: polaroid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path, false); err == nil {
		t.Error("expected error for unknown camera type, got nil")
	}
}

func TestLoadConfig_ExplicitPathValidated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nest.yml")
	if err := os.WriteFile(path, []byte("camera:\n  type: mock\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{path, filepath.Join(dir, "elsewhere", "nest.yaml"), "configs/../configs/nest.yaml"} {
		if _, err := loadConfig(p, true); err == nil || errors.Is(err, fs.ErrNotExist) {
			t.Errorf("loadConfig(%q, true) = %v, want a path validation error", p, err)
		}
	}
}

func TestLoadConfig_ShippedDefault(t *testing.T) {
	chdirForTest(t, filepath.Join("..", ".."))
	cfg, err := loadConfig(filepath.FromSlash(defaultConfigPath), true)
	if err != nil {
		t.Fatalf("shipped configs/default.yaml: %v", err)
	}
	if cfg.Warmup().Seconds() != 2 {
		t.Errorf("shipped warm-up = %v, want 2s", cfg.Warmup())
	}
	if cfg.Defaults.OutputPath != config.DefaultOutputPath {
		t.Errorf("shipped output path = %q, want %q", cfg.Defaults.OutputPath, config.DefaultOutputPath)
	}
}

// ---------- newCameraFromConfig ----------

func TestNewCameraFromConfig_Types(t *testing.T) {
	cases := []struct {
		typ  string
		want string
	}{
		{config.CameraRpicam, "*camera.Rpicam"},
		{config.CameraV4L2, "*camera.V4L2"},
		{config.CameraMock, "*camera.Mock"},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			cfg := config.Default()
			cfg.Camera.Type = tc.typ
			cam, err := newCameraFromConfig(&gpio.MockDriver{}, cfg)
			if err != nil {
				t.Fatalf("newCameraFromConfig: %v", err)
			}
			var got string
			switch cam.(type) {
			case *camera.Rpicam:
				got = "*camera.Rpicam"
			case *camera.V4L2:
				got = "*camera.V4L2"
			case *camera.Mock:
				got = "*camera.Mock"
			default:
				got = "other"
			}
			if got != tc.want {
				t.Errorf("camera type = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNewCameraFromConfig_Unsupported(t *testing.T) {
	cfg := config.Default()
	cfg.Camera.Type = "nikon_d90_gpio"
	if _, err := newCameraFromConfig(&gpio.MockDriver{}, cfg); err == nil {
		t.Error("expected error for unsupported camera type, got nil")
	}
}

func TestNewCameraFromConfig_Illuminator(t *testing.T) {
	cfg := config.Default()
	cfg.Camera.Type = config.CameraMock
	cfg.Illuminator.Pin = 18
	g := &gpio.MockDriver{}

	cam, err := newCameraFromConfig(g, cfg)
	if err != nil {
		t.Fatalf("newCameraFromConfig: %v", err)
	}
	if _, ok := cam.(*illuminator.Camera); !ok {
		t.Fatalf("camera = %T, want *illuminator.Camera", cam)
	}
	if lvl, _ := g.ReadPin(18); lvl != gpio.Low {
		t.Errorf("lamp pin after wrap = %v, want LOW", lvl)
	}
}

// ---------- webCapture ----------

func TestWebCapture_CreatesCaptureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captures", "2026", "10", "nest.jpg")
	runner := capture.NewRunner(camera.NewMock(32, 24))
	runner.Warmup = 0
	runner.Out = io.Discard

	if err := webCapture(runner)(context.Background(), path); err != nil {
		t.Fatalf("webCapture: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("image missing: %v", err)
	}
	defer f.Close()
	if _, err := jpeg.Decode(f); err != nil {
		t.Errorf("image is not a JPEG: %v", err)
	}
}

func TestWebCapture_DirBlockedByFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "captures")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	runner := capture.NewRunner(camera.NewMock(32, 24))
	runner.Warmup = 0
	runner.Out = io.Discard

	err := webCapture(runner)(context.Background(), filepath.Join(blocker, "nest.jpg"))
	if err == nil || !strings.Contains(err.Error(), "create capture dir") {
		t.Errorf("webCapture error = %v, want a create capture dir error", err)
	}
}

// ---------- listCameras ----------

func TestListCameras_NoApp(t *testing.T) {
	var out bytes.Buffer
	err := listCameras(&out, "birdcam-no-such-still-app")
	if err == nil {
		t.Fatal("expected error when the still app is missing, got nil")
	}
	if !strings.Contains(err.Error(), "rpicam-apps") {
		t.Errorf("error should carry the install hint, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed, got %q", out.String())
	}
}

// chdirForTest changes the working directory for the duration of the test
// and restores it on cleanup (equivalent of testing.T.Chdir, Go 1.24+).
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
