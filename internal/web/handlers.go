package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxBodyBytes caps POST /capture request bodies.
const maxBodyBytes = 1 << 20

// DefaultMinInterval is the minimum time between two accepted captures.
const DefaultMinInterval = 5 * time.Second

// CaptureRequest is the body of POST /capture.
type CaptureRequest struct {
	// OutputPath is relative to the capture directory. Empty picks a
	// timestamped name.
	OutputPath string `json:"output_path"`
}

// RunCaptureFunc captures one still to outputPath.
// It is called from the POST /capture handler in a goroutine.
type RunCaptureFunc func(ctx context.Context, outputPath string) error

// Settings is what GET /config reports to the page.
type Settings struct {
	CameraType string `json:"camera_type"`
	WarmupMs   int64  `json:"warmup_ms"`
	CaptureDir string `json:"capture_dir"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	RunCapture  RunCaptureFunc
	Settings    Settings
	MinInterval time.Duration
	now         func() time.Time
	staticFS    fs.FS

	runningMu sync.Mutex
	running   bool
	lastStart time.Time
	latest    string

	inflight sync.WaitGroup
}

// NewHandlers creates handlers with the given dependencies.
// If runCapture is nil, POST /capture will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runCapture RunCaptureFunc, settings Settings, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		RunCapture:  runCapture,
		Settings:    settings,
		MinInterval: DefaultMinInterval,
		now:         time.Now,
		staticFS:    staticFS,
	}
}

// ResolveOutputPath maps a requested path onto dir. An empty request yields
// a timestamped .jpg name; anything absolute or escaping dir is rejected.
func ResolveOutputPath(dir, requested string, now time.Time) (string, error) {
	if requested == "" {
		return filepath.Join(dir, now.Format("20060102-150405.000")+".jpg"), nil
	}
	if filepath.IsAbs(requested) {
		return "", errors.New("output_path must be relative to the capture directory")
	}
	clean := filepath.Clean(requested)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("output_path must stay inside the capture directory")
	}
	return filepath.Join(dir, clean), nil
}

// HandleConfig returns the capture settings as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Settings)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleCapture handles POST /capture to take one still.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CaptureRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	now := h.now()
	outputPath, err := ResolveOutputPath(h.Settings.CaptureDir, req.OutputPath, now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunCapture == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "capture already in progress", http.StatusConflict)
		return
	}
	if !h.lastStart.IsZero() && now.Sub(h.lastStart) < h.MinInterval {
		h.runningMu.Unlock()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int((h.MinInterval-now.Sub(h.lastStart)).Seconds())+1))
		http.Error(w, "too many captures, slow down", http.StatusTooManyRequests)
		return
	}
	h.running = true
	h.lastStart = now
	h.runningMu.Unlock()

	id := uuid.NewString()

	// Run in goroutine; clear running when done
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		h.Broadcaster.Publish(StatusEvent{Level: "info", ID: id, Path: outputPath, Msg: "Capture started"})
		if err := h.RunCapture(context.Background(), outputPath); err != nil {
			h.Broadcaster.Publish(StatusEvent{Level: "error", ID: id, Path: outputPath, Msg: "Capture failed: " + err.Error()})
			log.Printf("capture %s failed: %v", id, err)
			return
		}
		h.runningMu.Lock()
		h.latest = outputPath
		h.runningMu.Unlock()
		h.Broadcaster.Publish(StatusEvent{Level: "done", ID: id, Path: outputPath, Msg: "Image saved to " + outputPath})
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started", "id": id, "output_path": outputPath})
}

// WaitCaptures blocks until no capture started by HandleCapture is running,
// or ctx is done.
func (h *Handlers) WaitCaptures(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for capture: %w", ctx.Err())
	}
}

// HandleLatest serves the most recent image captured through the server.
func (h *Handlers) HandleLatest(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	latest := h.latest
	h.runningMu.Unlock()
	if latest == "" {
		http.Error(w, "no capture yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, latest)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
