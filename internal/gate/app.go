// Package gate wires the components of the access controller together and
// runs the long-lived tasks: frame polling, decision workers, remote sync,
// opening reports, enrollment watching and the status server.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kozaktomas/face-gate/internal/camera"
	"github.com/kozaktomas/face-gate/internal/config"
	"github.com/kozaktomas/face-gate/internal/constants"
	"github.com/kozaktomas/face-gate/internal/device"
	"github.com/kozaktomas/face-gate/internal/faceapi"
	"github.com/kozaktomas/face-gate/internal/pipeline"
	"github.com/kozaktomas/face-gate/internal/remote"
	"github.com/kozaktomas/face-gate/internal/syncer"
	"github.com/kozaktomas/face-gate/internal/users"
	"github.com/kozaktomas/face-gate/internal/web"
	"github.com/kozaktomas/face-gate/internal/web/handlers"
)

// ErrNoCameras is returned when none of the configured cameras can deliver frames.
var ErrNoCameras = errors.New("no usable cameras")

// Camera bundles the per-camera state.
type Camera struct {
	Config config.CameraConfig
	State  *camera.State
	Slot   *camera.Slot
	Source camera.FrameSource
	Poller *camera.Poller
}

// App is the process context, built once at startup.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Directory *users.Directory
	Faces     *faceapi.Client
	Remote    *remote.Client
	Reporter  *remote.Reporter
	Sync      *syncer.Engine
	Lock      device.Lock
	Display   *device.StatusDisplay
	Pipeline  *pipeline.Pipeline
	Cameras   []*Camera
}

// New builds the application from configuration. Cameras whose source cannot
// be opened or probed are dropped; it fails with ErrNoCameras when none remain.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	lock, err := device.NewLock(cfg.Lock, logger)
	if err != nil {
		return nil, fmt.Errorf("creating lock: %w", err)
	}
	display, err := device.NewDisplay(cfg.Display, logger)
	if err != nil {
		return nil, fmt.Errorf("creating display: %w", err)
	}

	faces := faceapi.NewClient(cfg.FaceAPI.URL, cfg.Timing.HTTPTimeout)
	directory := users.NewDirectory(faces, logger)
	remoteClient := remote.NewClient(cfg.Remote.HTTPTimeout)
	reporter := remote.NewReporter(remoteClient, cfg.Remote.OpeningURL, cfg.Remote.ReportQueueSize, logger)
	engine := syncer.NewEngine(remoteClient, directory, syncer.Options{
		InitURL:   cfg.Remote.InitURL,
		UpdateURL: cfg.Remote.UpdateURL,
		Interval:  cfg.Remote.SyncInterval,
	}, logger)

	decisions := pipeline.New(directory, faces, faceapi.NewComparator(cfg.FaceAPI.Tolerance), lock, display, reporter,
		pipeline.Options{
			LockDuration:      cfg.Lock.OpenFor,
			DenyPause:         cfg.Timing.DenyPause,
			DebugSnapshotPath: cfg.DebugSnapshotPath,
		}, logger)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		Directory: directory,
		Faces:     faces,
		Remote:    remoteClient,
		Reporter:  reporter,
		Sync:      engine,
		Lock:      lock,
		Display:   display,
		Pipeline:  decisions,
	}

	cameras, err := config.LoadCameras(cfg.CamerasFile, cfg.Timing.EntryZoneFraction)
	if err != nil {
		return nil, err
	}
	for _, cc := range cameras {
		cam, err := a.openCamera(ctx, cc)
		if err != nil {
			logger.Error("Camera unavailable, skipping it", "camera", cc.ID, "source", cc.Source, "error", err)
			continue
		}
		a.Cameras = append(a.Cameras, cam)
	}
	if len(a.Cameras) == 0 {
		return nil, ErrNoCameras
	}
	return a, nil
}

func (a *App) openCamera(ctx context.Context, cc config.CameraConfig) (*Camera, error) {
	direction, err := users.ParseDirection(cc.Direction)
	if err != nil {
		return nil, err
	}
	source, err := camera.OpenSource(cc.Source, a.cfg.Timing.HTTPTimeout)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Timing.HTTPTimeout)
	defer cancel()
	if err := source.Probe(probeCtx); err != nil {
		source.Close()
		return nil, fmt.Errorf("probing camera source: %w", err)
	}

	slot := &camera.Slot{}
	a.logger.Info("Camera ready", "camera", cc.ID, "direction", direction, "delay", cc.Delay())
	return &Camera{
		Config: cc,
		State:  camera.NewState(cc.ID, direction, cc.ZoneFraction, cc.Delay()),
		Slot:   slot,
		Source: source,
		Poller: camera.NewPoller(cc.ID, source, slot, a.cfg.Timing.CaptureInterval, a.logger),
	}, nil
}

// IngestLocal runs local ingestion against the configured faces directory.
func (a *App) IngestLocal(ctx context.Context) {
	result, err := a.Directory.IngestLocal(ctx, users.IngestOptions{
		Dir:       a.cfg.Faces.Path,
		CacheFile: a.cfg.Faces.CacheFile,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Error("Local ingestion failed", "error", err)
		}
		return
	}
	local, remoteCount := a.Directory.Counts()
	a.logger.Info("Local users loaded",
		"cached", result.Cached, "added", result.Added, "failed", result.Failed,
		"local", local, "remote", remoteCount)
}

// CameraStatuses describes every camera for the status server.
func (a *App) CameraStatuses() []handlers.CameraStatus {
	statuses := make([]handlers.CameraStatus, 0, len(a.Cameras))
	for _, cam := range a.Cameras {
		statuses = append(statuses, handlers.CameraStatus{
			ID:           cam.Config.ID,
			Direction:    cam.State.Direction.String(),
			Phase:        cam.State.Phase().String(),
			DelaySeconds: cam.State.Delay.Seconds(),
			Frames:       cam.Slot.Stats(),
			Screen:       a.Display.State(cam.Config.ID),
		})
	}
	return statuses
}

// Run starts all tasks and blocks until ctx is cancelled and every task has
// returned. Tasks finish their current I/O before exiting.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	run := func(name string, task func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := task(ctx); err != nil {
				a.logger.Error("Task failed", "task", name, "error", err)
			}
		}()
	}

	for _, cam := range a.Cameras {
		a.Display.ShowIdle(cam.Config.ID)
	}

	run("local ingestion", func(ctx context.Context) error {
		a.IngestLocal(ctx)
		return nil
	})
	run("remote sync", a.Sync.Run)
	run("opening reports", a.Reporter.Run)

	for _, cam := range a.Cameras {
		run("poller "+cam.Config.ID, cam.Poller.Run)
		w := &worker{
			cam:       cam,
			locator:   a.Faces,
			decider:   a.Pipeline,
			display:   a.Display,
			tick:      a.cfg.Timing.DecisionTick,
			postPause: a.cfg.Timing.PostDecisionPause,
			logger:    a.logger.With("camera", cam.Config.ID),
		}
		run("decision worker "+cam.Config.ID, w.run)
	}

	if a.cfg.Faces.Watch {
		watcher := &EnrollmentWatcher{
			Dir:      a.cfg.Faces.Path,
			Debounce: constants.EnrollmentDebounce,
			OnChange: a.IngestLocal,
			Logger:   a.logger,
		}
		run("enrollment watcher", watcher.Run)
	}

	if a.cfg.Status.Addr != "" {
		server := web.NewServer(a.cfg.Status, web.Sources{
			Users:   a.Directory,
			Cameras: a,
			Sync:    a.Sync,
		}, a.logger)
		run("status server", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					a.logger.Warn("Status server shutdown failed", "error", err)
				}
			}()
			return server.Start()
		})
	}

	a.logger.Info("Gate running", "cameras", len(a.Cameras), "remote_sync", a.Sync.Enabled())
	<-ctx.Done()
	wg.Wait()

	for _, cam := range a.Cameras {
		if err := cam.Source.Close(); err != nil {
			a.logger.Warn("Closing camera source failed", "camera", cam.Config.ID, "error", err)
		}
	}
	a.logger.Info("Gate stopped", "pending_reports", a.Reporter.Pending())
	return nil
}
