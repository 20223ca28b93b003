// Package camera turns raw frames into decision opportunities: frame sources
// and pollers fill a latest-frame slot per camera, and State debounces faces
// by zone and dwell time.
package camera

import (
	"sync"
	"time"

	"github.com/kozaktomas/face-gate/internal/faceapi"
	"github.com/kozaktomas/face-gate/internal/users"
)

// Phase is the debounce state of a camera.
type Phase int

const (
	Idle Phase = iota
	Waiting
	Eligible
)

func (p Phase) String() string {
	switch p {
	case Waiting:
		return "waiting"
	case Eligible:
		return "eligible"
	default:
		return "idle"
	}
}

// Zone returns the region a face must lie in. Exiting cameras use the whole
// frame, entering cameras a centered rectangle scaled by fraction, so people
// walking past the door are ignored.
func Zone(width, height int, direction users.Direction, fraction float64) faceapi.BoundingBox {
	full := faceapi.BoundingBox{X1: 0, Y1: 0, X2: width, Y2: height}
	if direction == users.Exiting || fraction <= 0 || fraction >= 1 {
		return full
	}
	zw := int(float64(width) * fraction)
	zh := int(float64(height) * fraction)
	x1 := (width - zw) / 2
	y1 := (height - zh) / 2
	return faceapi.BoundingBox{X1: x1, Y1: y1, X2: x1 + zw, Y2: y1 + zh}
}

// State is the per-camera dwell state machine. A face must stay inside the
// zone for Delay before the camera becomes Eligible; leaving the zone discards
// the dwell.
type State struct {
	ID           string
	Direction    users.Direction
	ZoneFraction float64
	Delay        time.Duration

	mu         sync.Mutex
	phase      Phase
	dwellStart time.Time // zero while no qualifying face is held
}

// NewState creates an idle camera state.
func NewState(id string, direction users.Direction, zoneFraction float64, delay time.Duration) *State {
	return &State{ID: id, Direction: direction, ZoneFraction: zoneFraction, Delay: delay}
}

// Observe feeds one detection result and returns the new phase. face is nil
// when no face was found in the frame.
func (s *State) Observe(now time.Time, frameWidth, frameHeight int, face *faceapi.BoundingBox) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	zone := Zone(frameWidth, frameHeight, s.Direction, s.ZoneFraction)
	if face == nil || !zone.Contains(*face) {
		s.dwellStart = time.Time{}
		s.phase = Idle
		return s.phase
	}

	if s.Delay <= 0 {
		s.phase = Eligible
		return s.phase
	}

	if s.dwellStart.IsZero() {
		s.dwellStart = now
	}
	if now.Sub(s.dwellStart) >= s.Delay {
		s.phase = Eligible
	} else {
		s.phase = Waiting
	}
	return s.phase
}

// Reset returns the camera to Idle after a decision. The next candidate has to
// dwell for the full delay again.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dwellStart = time.Time{}
	s.phase = Idle
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Remaining returns the seconds left until the dwell completes.
func (s *State) Remaining(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dwellStart.IsZero() {
		return s.Delay.Seconds()
	}
	left := s.Delay - now.Sub(s.dwellStart)
	if left < 0 {
		return 0
	}
	return left.Seconds()
}
