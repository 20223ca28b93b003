package gate

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-gate/internal/config"
)

func writePNG(t *testing.T, path string, size int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := range size {
		img.Set(i, i, color.RGBA{R: 200, A: 255})
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// faceServer answers every detection request with one face in the middle of
// a 200x200 frame.
func faceServer(t *testing.T, embedding []float32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"faces_count": 1,
			"faces": []map[string]any{{
				"face_index": 0,
				"embedding":  embedding,
				"bbox":       []float64{80, 80, 120, 120},
				"det_score":  0.98,
			}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

type relayRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *relayRecorder) handler(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.paths = append(r.paths, req.URL.Path)
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *relayRecorder) opened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.paths {
		if p == "/open" {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, cameras string) *config.Config {
	t.Helper()
	root := t.TempDir()
	facesDir := filepath.Join(root, "faces")
	require.NoError(t, os.MkdirAll(facesDir, 0o755))

	camerasFile := filepath.Join(root, "cameras.yaml")
	require.NoError(t, os.WriteFile(camerasFile, []byte(cameras), 0o600))

	return &config.Config{
		Faces: config.FacesConfig{
			Path:      facesDir,
			CacheFile: filepath.Join(root, "encoded_users.json"),
		},
		Remote:  config.RemoteConfig{HTTPTimeout: time.Second, ReportQueueSize: 4},
		FaceAPI: config.FaceAPIConfig{Tolerance: 0.5},
		Lock:    config.LockConfig{Driver: "log", OpenFor: 10 * time.Millisecond},
		Display: config.DisplayConfig{Driver: "none"},
		Timing: config.TimingConfig{
			CaptureInterval:   5 * time.Millisecond,
			DecisionTick:      5 * time.Millisecond,
			DenyPause:         5 * time.Millisecond,
			PostDecisionPause: 5 * time.Millisecond,
			EntryZoneFraction: 0.6,
			HTTPTimeout:       time.Second,
		},
		CamerasFile: camerasFile,
	}
}

func TestNew_NoCameras(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nothing-here")
	cfg := testConfig(t, "cameras:\n  - id: front\n    source: "+missing+"\n")

	_, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	assert.ErrorIs(t, err, ErrNoCameras)
}

func TestNew_DropsUnavailableCamera(t *testing.T) {
	frames := t.TempDir()
	writePNG(t, filepath.Join(frames, "0001.png"), 200)
	missing := filepath.Join(t.TempDir(), "nothing-here")

	cfg := testConfig(t, "cameras:\n"+
		"  - id: front\n    source: "+frames+"\n"+
		"  - id: back\n    source: "+missing+"\n    direction: exiting\n")

	app, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.Len(t, app.Cameras, 1)
	assert.Equal(t, "front", app.Cameras[0].Config.ID)
}

func TestNew_BadLockDriver(t *testing.T) {
	cfg := testConfig(t, "cameras: []\n")
	cfg.Lock.Driver = "gpio"

	_, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCameras)
}

func TestApp_GrantsEnrolledUser(t *testing.T) {
	embedding := []float32{0.1, 0.2, 0.3}
	faces := faceServer(t, embedding)
	relay := &relayRecorder{}
	relayServer := httptest.NewServer(http.HandlerFunc(relay.handler))
	t.Cleanup(relayServer.Close)

	frames := t.TempDir()
	writePNG(t, filepath.Join(frames, "0001.png"), 200)

	cfg := testConfig(t, "cameras:\n  - id: front\n    source: "+frames+"\n    delay_seconds: 0\n")
	cfg.FaceAPI.URL = faces.URL
	cfg.Lock = config.LockConfig{Driver: "http", URL: relayServer.URL, OpenFor: 10 * time.Millisecond}

	cache, err := json.Marshal([]map[string]any{{"id": 0, "name": "Alice", "encoding": embedding}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Faces.CacheFile, cache, 0o600))

	app, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, relay.opened, 5*time.Second, 10*time.Millisecond, "lock was never opened")

	alice := app.Directory.Lookup(0, true)
	require.NotNil(t, alice)
	strikes, _ := alice.RateState()
	assert.GreaterOrEqual(t, strikes, 1)

	statuses := app.CameraStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "entering", statuses[0].Direction)
	assert.Positive(t, statuses[0].Frames.Taken)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_RunExitsOnCancel(t *testing.T) {
	frames := t.TempDir()
	writePNG(t, filepath.Join(frames, "0001.png"), 200)
	cfg := testConfig(t, "cameras:\n  - id: front\n    source: "+frames+"\n")
	// Unreachable face service: every locate fails and is treated as no face
	cfg.FaceAPI.URL = "http://127.0.0.1:1"
	cfg.Status.Addr = "127.0.0.1:0"
	cfg.Faces.Watch = true

	app, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEnrollmentWatcher_TriggersOnNewImage(t *testing.T) {
	dir := t.TempDir()
	triggered := make(chan struct{}, 4)
	w := &EnrollmentWatcher{
		Dir:      dir,
		Debounce: 20 * time.Millisecond,
		OnChange: func(context.Context) { triggered <- struct{}{} },
		Logger:   slog.New(slog.DiscardHandler),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	writePNG(t, filepath.Join(dir, "Bob.png"), 10)

	select {
	case <-triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not trigger for a new image")
	}

	select {
	case <-triggered:
		t.Error("expected a burst of writes to trigger once")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestEnrollmentWatcher_MissingDir(t *testing.T) {
	w := &EnrollmentWatcher{
		Dir:      filepath.Join(t.TempDir(), "missing"),
		Debounce: time.Millisecond,
		OnChange: func(context.Context) {},
		Logger:   slog.New(slog.DiscardHandler),
	}
	assert.Error(t, w.Run(context.Background()))
}
