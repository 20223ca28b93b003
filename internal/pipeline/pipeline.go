// Package pipeline turns an eligible face into an access decision and carries
// out its side effects on the lock and the display.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kozaktomas/face-gate/internal/camera"
	"github.com/kozaktomas/face-gate/internal/device"
	"github.com/kozaktomas/face-gate/internal/faceapi"
	"github.com/kozaktomas/face-gate/internal/users"
)

// UserSource provides the users that may currently be recognized.
type UserSource interface {
	ActiveUsers() []*users.User
}

// Embedder computes the embedding of the face inside box.
type Embedder interface {
	Embed(ctx context.Context, image []byte, box *faceapi.BoundingBox) ([]float32, error)
}

// Matcher finds the matching embedding among candidates.
type Matcher interface {
	BestMatch(target []float32, candidates [][]float32) (int, bool)
	// Closest returns the nearest candidate regardless of tolerance, -1 if none is comparable.
	Closest(target []float32, candidates [][]float32) (int, float64)
}

// Outcome is the result of one access decision.
type Outcome struct {
	CameraID string
	Granted  bool
	// Matched is true when a user was recognized, UserID and User are set then.
	Matched bool
	UserID  int
	User    *users.User
	// SuppressDenyFeedback is set when a recognized user hit the row limit.
	SuppressDenyFeedback bool
}

// Options configures side effect timing.
type Options struct {
	LockDuration time.Duration
	DenyPause    time.Duration
	// DebugSnapshotPath receives the frame used for matching when set.
	DebugSnapshotPath string
}

// Pipeline makes access decisions. It is safe for concurrent use by several
// camera workers.
type Pipeline struct {
	users    UserSource
	embedder Embedder
	matcher  Matcher
	lock     device.Lock
	display  device.Display
	reporter users.OpeningReporter
	opts     Options
	logger   *slog.Logger
}

// New creates a decision pipeline. reporter may be nil.
func New(source UserSource, embedder Embedder, matcher Matcher, lock device.Lock, display device.Display,
	reporter users.OpeningReporter, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		users:    source,
		embedder: embedder,
		matcher:  matcher,
		lock:     lock,
		display:  display,
		reporter: reporter,
		opts:     opts,
		logger:   logger,
	}
}

// Evaluate decides whether the face in frame may pass. Failures while
// recognizing result in a deny without attribution.
func (p *Pipeline) Evaluate(ctx context.Context, cam *camera.State, frame *camera.Frame, face faceapi.BoundingBox) Outcome {
	outcome := Outcome{CameraID: cam.ID}
	p.logger.Info(fmt.Sprintf("Detected face on camera %s. Analyzing...", cam.ID), "camera", cam.ID, "box", face.String())

	active := p.users.ActiveUsers()

	idx, ok, nearest, err := p.recognize(ctx, frame, face, active)
	if err != nil {
		if errors.Is(err, faceapi.ErrNoFaceExtractable) {
			p.logger.Error(fmt.Sprintf("Failed to identify faces from camera %s", cam.ID), "camera", cam.ID)
		} else {
			p.logger.Error("Recognition failed", "camera", cam.ID, "error", err)
		}
		return outcome
	}
	if !ok {
		p.logger.Debug("No matching user", "camera", cam.ID, "candidates", len(active), "nearest_distance", nearest)
		return outcome
	}

	user := active[idx]
	outcome.Matched = true
	outcome.UserID = user.ID
	outcome.User = user
	p.logger.Debug(fmt.Sprintf("Detected user: %s", user), "camera", cam.ID, "user_id", user.ID)

	if user.Admit() {
		outcome.Granted = true
		user.TrackOpening(cam.Direction, p.reporter, p.logger)
	} else {
		outcome.SuppressDenyFeedback = true
		p.logger.Info(fmt.Sprintf("User %s recognized, but the lock won't be opened because of the row limit", user),
			"camera", cam.ID, "user_id", user.ID)
	}
	return outcome
}

// recognize embeds the face and matches it against active users. On a miss,
// nearest is the distance to the closest candidate (-1 without candidates).
// Panics of the face capabilities are turned into errors.
func (p *Pipeline) recognize(ctx context.Context, frame *camera.Frame, face faceapi.BoundingBox, active []*users.User) (idx int, ok bool, nearest float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			idx, ok, nearest, err = -1, false, -1, fmt.Errorf("recognition panicked: %v", r)
		}
	}()

	embedding, err := p.embedder.Embed(ctx, frame.Data, &face)
	if err != nil {
		return -1, false, -1, err
	}

	if p.opts.DebugSnapshotPath != "" {
		p.saveSnapshot(frame)
	}

	candidates := make([][]float32, len(active))
	for i, u := range active {
		candidates[i] = u.Embedding
	}
	if idx, ok = p.matcher.BestMatch(embedding, candidates); ok {
		return idx, true, 0, nil
	}
	nearest = -1
	if closest, dist := p.matcher.Closest(embedding, candidates); closest >= 0 {
		nearest = dist
	}
	return -1, false, nearest, nil
}

func (p *Pipeline) saveSnapshot(frame *camera.Frame) {
	if err := os.WriteFile(p.opts.DebugSnapshotPath, frame.Data, 0600); err != nil {
		p.logger.Warn("Failed to save debug snapshot", "path", p.opts.DebugSnapshotPath, "error", err)
	}
}

// Apply performs the side effects of an outcome. A grant waits for the lock
// pulse, a deny holds the deny indication for the deny pause. The display is
// back to idle when Apply returns.
func (p *Pipeline) Apply(ctx context.Context, outcome Outcome) {
	cameraID := outcome.CameraID

	if outcome.Granted {
		p.logger.Info("Access granted", "camera", cameraID, "user_id", outcome.UserID)
		p.display.ShowGranted(cameraID)
		if err := p.lock.OpenFor(ctx, p.opts.LockDuration); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Lock failed", "camera", cameraID, "error", err)
		}
	} else {
		p.logger.Info("Access denied", "camera", cameraID)
		if !outcome.SuppressDenyFeedback {
			p.display.ShowDenied(cameraID)
		}
		_ = device.Sleep(ctx, p.opts.DenyPause)
	}

	p.display.ShowIdle(cameraID)
}
