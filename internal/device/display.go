package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kozaktomas/face-gate/internal/config"
)

// Display shows the door status to the person in front of a camera. Calls
// must not block.
type Display interface {
	ShowIdle(cameraID string)
	ShowWaiting(cameraID string, remaining float64)
	ShowRecognizing(cameraID string)
	ShowGranted(cameraID string)
	ShowDenied(cameraID string)
}

// NewDisplay returns the display selected by cfg.Driver wrapped in a StatusDisplay.
func NewDisplay(cfg config.DisplayConfig, logger *slog.Logger) (*StatusDisplay, error) {
	var inner Display
	switch cfg.Driver {
	case "", "log":
		inner = &LogDisplay{Logger: logger}
	case "none":
		inner = NopDisplay{}
	default:
		return nil, fmt.Errorf("unknown display driver %q", cfg.Driver)
	}
	return NewStatusDisplay(inner), nil
}

// LogDisplay writes screen changes to the log.
type LogDisplay struct {
	Logger *slog.Logger
}

func (d *LogDisplay) ShowIdle(cameraID string) {
	d.Logger.Debug("Screen: idle", "camera", cameraID)
}

func (d *LogDisplay) ShowWaiting(cameraID string, remaining float64) {
	d.Logger.Debug(fmt.Sprintf("Screen: recognizing in %.1f seconds", remaining), "camera", cameraID)
}

func (d *LogDisplay) ShowRecognizing(cameraID string) {
	d.Logger.Debug("Screen: analyzing", "camera", cameraID)
}

func (d *LogDisplay) ShowGranted(cameraID string) {
	d.Logger.Info("Screen: ACCESS GRANTED", "camera", cameraID)
}

func (d *LogDisplay) ShowDenied(cameraID string) {
	d.Logger.Info("Screen: ACCESS DENIED", "camera", cameraID)
}

// NopDisplay ignores all updates.
type NopDisplay struct{}

func (NopDisplay) ShowIdle(string)             {}
func (NopDisplay) ShowWaiting(string, float64) {}
func (NopDisplay) ShowRecognizing(string)      {}
func (NopDisplay) ShowGranted(string)          {}
func (NopDisplay) ShowDenied(string)           {}

// Screen states recorded by StatusDisplay.
const (
	ScreenIdle        = "idle"
	ScreenWaiting     = "waiting"
	ScreenRecognizing = "recognizing"
	ScreenGranted     = "granted"
	ScreenDenied      = "denied"
)

// ScreenState is the last thing shown for a camera.
type ScreenState struct {
	State     string    `json:"state"`
	Remaining float64   `json:"remaining,omitempty"`
	Since     time.Time `json:"since"`
}

// StatusDisplay forwards to another display and remembers the last state per
// camera for the status server.
type StatusDisplay struct {
	inner Display

	mu     sync.RWMutex
	states map[string]ScreenState
}

// NewStatusDisplay wraps inner.
func NewStatusDisplay(inner Display) *StatusDisplay {
	return &StatusDisplay{inner: inner, states: make(map[string]ScreenState)}
}

func (d *StatusDisplay) record(cameraID, state string, remaining float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.states[cameraID]
	since := time.Now()
	if ok && prev.State == state {
		since = prev.Since
	}
	d.states[cameraID] = ScreenState{State: state, Remaining: remaining, Since: since}
}

func (d *StatusDisplay) ShowIdle(cameraID string) {
	d.record(cameraID, ScreenIdle, 0)
	d.inner.ShowIdle(cameraID)
}

func (d *StatusDisplay) ShowWaiting(cameraID string, remaining float64) {
	d.record(cameraID, ScreenWaiting, remaining)
	d.inner.ShowWaiting(cameraID, remaining)
}

func (d *StatusDisplay) ShowRecognizing(cameraID string) {
	d.record(cameraID, ScreenRecognizing, 0)
	d.inner.ShowRecognizing(cameraID)
}

func (d *StatusDisplay) ShowGranted(cameraID string) {
	d.record(cameraID, ScreenGranted, 0)
	d.inner.ShowGranted(cameraID)
}

func (d *StatusDisplay) ShowDenied(cameraID string) {
	d.record(cameraID, ScreenDenied, 0)
	d.inner.ShowDenied(cameraID)
}

// State returns the last recorded state of a camera. Cameras never shown are idle.
func (d *StatusDisplay) State(cameraID string) ScreenState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.states[cameraID]; ok {
		return s
	}
	return ScreenState{State: ScreenIdle}
}
