package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-gate/internal/camera"
	"github.com/kozaktomas/face-gate/internal/config"
	"github.com/kozaktomas/face-gate/internal/faceapi"
	"github.com/kozaktomas/face-gate/internal/pipeline"
	"github.com/kozaktomas/face-gate/internal/users"
)

type fakeLocator struct {
	box *faceapi.BoundingBox
	err error
}

func (f *fakeLocator) Locate(context.Context, []byte) (*faceapi.BoundingBox, error) {
	return f.box, f.err
}

type fakeDecider struct {
	mu         sync.Mutex
	evaluated  []faceapi.BoundingBox
	applied    []pipeline.Outcome
	onEvaluate func()
}

func (d *fakeDecider) Evaluate(_ context.Context, cam *camera.State, _ *camera.Frame, face faceapi.BoundingBox) pipeline.Outcome {
	if d.onEvaluate != nil {
		d.onEvaluate()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evaluated = append(d.evaluated, face)
	return pipeline.Outcome{CameraID: cam.ID, Granted: true}
}

func (d *fakeDecider) Apply(_ context.Context, outcome pipeline.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = append(d.applied, outcome)
}

type recordingDisplay struct {
	mu     sync.Mutex
	events []string
}

func (d *recordingDisplay) add(e string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func (d *recordingDisplay) ShowIdle(string)             { d.add("idle") }
func (d *recordingDisplay) ShowWaiting(string, float64) { d.add("waiting") }
func (d *recordingDisplay) ShowRecognizing(string)      { d.add("recognizing") }
func (d *recordingDisplay) ShowGranted(string)          { d.add("granted") }
func (d *recordingDisplay) ShowDenied(string)           { d.add("denied") }

var centerFace = &faceapi.BoundingBox{X1: 40, Y1: 40, X2: 60, Y2: 60}

func newTestWorker(delay time.Duration, locator *fakeLocator) (*worker, *fakeDecider, *recordingDisplay) {
	cam := &Camera{
		Config: config.CameraConfig{ID: "front"},
		State:  camera.NewState("front", users.Entering, 0.6, delay),
		Slot:   &camera.Slot{},
	}
	decider := &fakeDecider{}
	display := &recordingDisplay{}
	return &worker{
		cam:     cam,
		locator: locator,
		decider: decider,
		display: display,
		tick:    time.Millisecond,
		logger:  slog.New(slog.DiscardHandler),
	}, decider, display
}

func publish(w *worker, seq uint64) {
	w.cam.Slot.Publish(&camera.Frame{CameraID: "front", Seq: seq, Data: []byte("frame"), Width: 100, Height: 100})
}

func TestWorker_SkipsWithoutNewFrame(t *testing.T) {
	w, decider, display := newTestWorker(0, &fakeLocator{box: centerFace})

	w.step(context.Background(), time.Now())

	assert.Empty(t, decider.evaluated)
	assert.Empty(t, display.events)
}

func TestWorker_DwellThenDecide(t *testing.T) {
	w, decider, display := newTestWorker(time.Second, &fakeLocator{box: centerFace})
	ctx := context.Background()
	start := time.Now()

	publish(w, 1)
	w.step(ctx, start)
	assert.Equal(t, camera.Waiting, w.cam.State.Phase())

	publish(w, 2)
	w.step(ctx, start.Add(500*time.Millisecond))
	assert.Empty(t, decider.evaluated)

	publish(w, 3)
	w.step(ctx, start.Add(time.Second))

	require.Len(t, decider.evaluated, 1)
	assert.Equal(t, *centerFace, decider.evaluated[0])
	require.Len(t, decider.applied, 1)
	assert.True(t, decider.applied[0].Granted)
	assert.Equal(t, camera.Idle, w.cam.State.Phase(), "state resets after a decision")
	assert.Equal(t, []string{"waiting", "waiting", "recognizing"}, display.events)
}

func TestWorker_FaceLeavesWhileWaiting(t *testing.T) {
	locator := &fakeLocator{box: centerFace}
	w, decider, display := newTestWorker(time.Second, locator)
	ctx := context.Background()
	now := time.Now()

	publish(w, 1)
	w.step(ctx, now)

	locator.box = nil
	publish(w, 2)
	w.step(ctx, now.Add(100*time.Millisecond))

	// Staying idle does not repaint the screen
	publish(w, 3)
	w.step(ctx, now.Add(200*time.Millisecond))

	assert.Empty(t, decider.evaluated)
	assert.Equal(t, []string{"waiting", "idle"}, display.events)
}

func TestWorker_LocateErrorMeansNoFace(t *testing.T) {
	w, decider, _ := newTestWorker(0, &fakeLocator{err: errors.New("face service down")})

	publish(w, 1)
	w.step(context.Background(), time.Now())

	assert.Empty(t, decider.evaluated)
	assert.Equal(t, camera.Idle, w.cam.State.Phase())
}

func TestWorker_DropsFramesCapturedDuringDecision(t *testing.T) {
	w, decider, _ := newTestWorker(0, &fakeLocator{box: centerFace})
	decider.onEvaluate = func() { publish(w, 2) }

	publish(w, 1)
	w.step(context.Background(), time.Now())
	require.Len(t, decider.evaluated, 1)

	assert.Nil(t, w.cam.Slot.TakeIfUpdated())
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	w, _, _ := newTestWorker(0, &fakeLocator{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

// gatedDecider blocks Apply for one camera until released.
type gatedDecider struct {
	blockedCamera string
	blocked       chan struct{}
	release       chan struct{}
	applied       chan string
}

func (d *gatedDecider) Evaluate(_ context.Context, cam *camera.State, _ *camera.Frame, _ faceapi.BoundingBox) pipeline.Outcome {
	return pipeline.Outcome{CameraID: cam.ID, Granted: true}
}

func (d *gatedDecider) Apply(ctx context.Context, outcome pipeline.Outcome) {
	if outcome.CameraID == d.blockedCamera {
		close(d.blocked)
		select {
		case <-d.release:
		case <-ctx.Done():
		}
	}
	d.applied <- outcome.CameraID
}

func TestWorker_DecisionDoesNotStallOtherCameras(t *testing.T) {
	decider := &gatedDecider{
		blockedCamera: "in",
		blocked:       make(chan struct{}),
		release:       make(chan struct{}),
		applied:       make(chan string, 4),
	}
	newWorker := func(id string) *worker {
		return &worker{
			cam: &Camera{
				Config: config.CameraConfig{ID: id},
				State:  camera.NewState(id, users.Entering, 0.6, 0),
				Slot:   &camera.Slot{},
			},
			locator: &fakeLocator{box: centerFace},
			decider: decider,
			display: &recordingDisplay{},
			tick:    time.Millisecond,
			logger:  slog.New(slog.DiscardHandler),
		}
	}
	in, out := newWorker("in"), newWorker("out")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for _, w := range []*worker{in, out} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.run(ctx)
		}()
	}

	in.cam.Slot.Publish(&camera.Frame{CameraID: "in", Seq: 1, Data: []byte("frame"), Width: 100, Height: 100})
	select {
	case <-decider.blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("camera in never reached the lock")
	}

	out.cam.Slot.Publish(&camera.Frame{CameraID: "out", Seq: 1, Data: []byte("frame"), Width: 100, Height: 100})
	select {
	case id := <-decider.applied:
		assert.Equal(t, "out", id, "camera out decides while camera in holds the lock")
	case <-time.After(2 * time.Second):
		t.Fatal("camera out stalled behind camera in")
	}

	close(decider.release)
	select {
	case id := <-decider.applied:
		assert.Equal(t, "in", id)
	case <-time.After(2 * time.Second):
		t.Fatal("camera in did not finish after release")
	}

	cancel()
	wg.Wait()
}
