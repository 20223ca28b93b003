package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/kozaktomas/face-gate/internal/camera"
	"github.com/kozaktomas/face-gate/internal/device"
	"github.com/kozaktomas/face-gate/internal/faceapi"
	"github.com/kozaktomas/face-gate/internal/pipeline"
)

// Locator finds the face to track in a frame. It returns nil when there is none.
type Locator interface {
	Locate(ctx context.Context, image []byte) (*faceapi.BoundingBox, error)
}

// Decider makes and carries out access decisions.
type Decider interface {
	Evaluate(ctx context.Context, cam *camera.State, frame *camera.Frame, face faceapi.BoundingBox) pipeline.Outcome
	Apply(ctx context.Context, outcome pipeline.Outcome)
}

// worker drives one camera: it consumes fresh frames on every tick, advances
// the camera state and runs a decision once a face has dwelled long enough.
// A decision blocks only this camera.
type worker struct {
	cam       *Camera
	locator   Locator
	decider   Decider
	display   device.Display
	tick      time.Duration
	postPause time.Duration
	logger    *slog.Logger
}

func (w *worker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.step(ctx, time.Now())
		}
	}
}

func (w *worker) step(ctx context.Context, now time.Time) {
	frame := w.cam.Slot.TakeIfUpdated()
	if frame == nil {
		return
	}

	face, err := w.locator.Locate(ctx, frame.Data)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("Face location failed", "seq", frame.Seq, "error", err)
		face = nil
	}

	id := w.cam.Config.ID
	state := w.cam.State
	previous := state.Phase()

	switch state.Observe(now, frame.Width, frame.Height, face) {
	case camera.Idle:
		if previous == camera.Waiting {
			w.display.ShowIdle(id)
		}
	case camera.Waiting:
		w.display.ShowWaiting(id, state.Remaining(now))
	case camera.Eligible:
		w.decide(ctx, frame, *face)
	}
}

func (w *worker) decide(ctx context.Context, frame *camera.Frame, face faceapi.BoundingBox) {
	w.display.ShowRecognizing(w.cam.Config.ID)

	outcome := w.decider.Evaluate(ctx, w.cam.State, frame, face)
	w.decider.Apply(ctx, outcome)
	w.cam.State.Reset()

	_ = device.Sleep(ctx, w.postPause)
	// Frames captured during the decision show the same person
	w.cam.Slot.TakeIfUpdated()
}
