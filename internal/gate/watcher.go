package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kozaktomas/face-gate/internal/users"
)

// EnrollmentWatcher calls OnChange once new enrollment images stop arriving
// for the debounce period.
type EnrollmentWatcher struct {
	Dir      string
	Debounce time.Duration
	OnChange func(ctx context.Context)
	Logger   *slog.Logger
}

// Run watches Dir until ctx is cancelled.
func (w *EnrollmentWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating enrollment watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.Dir, err)
	}
	w.Logger.Info("Watching enrollment directory", "dir", w.Dir)

	timer := time.NewTimer(w.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !users.IsEnrollmentImage(event.Name) {
				continue
			}
			// Writes of a copied file arrive in bursts
			timer.Reset(w.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("Enrollment watcher error", "error", err)

		case <-timer.C:
			w.Logger.Info("New enrollment images detected", "dir", w.Dir)
			w.OnChange(ctx)
		}
	}
}
