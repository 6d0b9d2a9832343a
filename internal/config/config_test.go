package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
		"../configs/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
camera:
  type: "v4l2"
  device: "/dev/video2"
  warmup_ms: 2500
  capture_timeout_ms: 4000
illuminator:
  pin: 18
  active_low: true
defaults:
  output_path: "nest.jpg"
  debug_level: 2
  mock_gpio: true
web:
  capture_dir: "/var/lib/birdcam"
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Camera.Type != CameraV4L2 {
		t.Errorf("camera.type = %q, want %q", cfg.Camera.Type, CameraV4L2)
	}
	if cfg.Camera.Device != "/dev/video2" {
		t.Errorf("camera.device = %q, want /dev/video2", cfg.Camera.Device)
	}
	if cfg.Warmup() != 2500*time.Millisecond {
		t.Errorf("Warmup() = %v, want 2.5s", cfg.Warmup())
	}
	if cfg.CaptureTimeout() != 4*time.Second {
		t.Errorf("CaptureTimeout() = %v, want 4s", cfg.CaptureTimeout())
	}
	if !cfg.IlluminatorEnabled() || cfg.Illuminator.Pin != 18 || !cfg.Illuminator.ActiveLow {
		t.Errorf("illuminator = %+v, want pin 18 active low", cfg.Illuminator)
	}
	if cfg.Defaults.OutputPath != "nest.jpg" {
		t.Errorf("output_path = %q, want nest.jpg", cfg.Defaults.OutputPath)
	}
	if cfg.Defaults.DebugLevel != 2 {
		t.Errorf("debug_level = %d, want 2", cfg.Defaults.DebugLevel)
	}
	if cfg.Web.CaptureDir != "/var/lib/birdcam" {
		t.Errorf("capture_dir = %q, want /var/lib/birdcam", cfg.Web.CaptureDir)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	path := writeConfig(t, "defaults:\n  debug_level: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Camera.Type != CameraRpicam {
		t.Errorf("camera.type default = %q, want %q", cfg.Camera.Type, CameraRpicam)
	}
	if cfg.Camera.Device != "/dev/video0" {
		t.Errorf("camera.device default = %q, want /dev/video0", cfg.Camera.Device)
	}
	if cfg.Warmup() != 2*time.Second {
		t.Errorf("warmup default = %v, want 2s", cfg.Warmup())
	}
	if cfg.CaptureTimeout() != 10*time.Second {
		t.Errorf("capture timeout default = %v, want 10s", cfg.CaptureTimeout())
	}
	if cfg.Defaults.OutputPath != DefaultOutputPath {
		t.Errorf("output_path default = %q, want %q", cfg.Defaults.OutputPath, DefaultOutputPath)
	}
	if cfg.IlluminatorEnabled() {
		t.Error("illuminator should be disabled by default")
	}
	if cfg.Web.CaptureDir != "captures" {
		t.Errorf("capture_dir default = %q, want captures", cfg.Web.CaptureDir)
	}
}

func TestDefault_MatchesEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *loaded != *Default() {
		t.Errorf("Load(empty) = %+v, Default() = %+v", *loaded, *Default())
	}
}

func TestLoad_UnknownCameraType(t *testing.T) {
	path := writeConfig(t, "camera:\n  type: \"nikon_d90_gpio\"\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown camera.type, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"negative_warmup", "camera:\n  warmup_ms: -1\n"},
		{"negative_pin", "illuminator:\n  pin: -3\n"},
		{"debug_too_high", "defaults:\n  debug_level: 5\n"},
		{"debug_negative", "defaults:\n  debug_level: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	path := writeConfig(t, strings.Repeat("#", MaxConfigFileBytes+1))
	if _, err := Load(path); err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
camera:
  type: "mock"
unknown_section:
  foo: bar
`
	path := writeConfig(t, yaml)
	if _, err := Load(path); err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configs", "nonexistent.yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}
