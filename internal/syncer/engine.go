// Package syncer mirrors the remote directory into the local user directory:
// one bulk load at startup, then periodic reconciliation of changes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/face-gate/internal/constants"
	"github.com/kozaktomas/face-gate/internal/remote"
	"github.com/kozaktomas/face-gate/internal/users"
)

// Source fetches remote users and changes.
type Source interface {
	FetchInitialUsers(ctx context.Context, endpoint string) ([]remote.RemoteUser, error)
	FetchChanges(ctx context.Context, endpoint string) ([]remote.RemoteChange, error)
}

// Directory is the part of the user directory the engine mutates.
type Directory interface {
	AddUser(ctx context.Context, in users.UserInput) (*users.User, error)
	RemoveUser(id int, isLocal bool) error
}

// Options configures an Engine.
type Options struct {
	InitURL   string
	UpdateURL string
	Interval  time.Duration
}

// Engine applies remote changes to the directory. Failures of single items are
// logged and skipped; a failed fetch only skips the current cycle.
type Engine struct {
	source    Source
	directory Directory
	opts      Options
	logger    *slog.Logger
	trigger   chan struct{}
}

// NewEngine creates a sync engine. A zero interval uses the default of 30s.
func NewEngine(source Source, directory Directory, opts Options, logger *slog.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = constants.DefaultSyncInterval
	}
	return &Engine{
		source:    source,
		directory: directory,
		opts:      opts,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
	}
}

// Enabled reports whether both remote endpoints are configured.
func (e *Engine) Enabled() bool {
	return e.opts.InitURL != "" && e.opts.UpdateURL != ""
}

// InitialLoad fetches every remote user and adds it to the remote list.
func (e *Engine) InitialLoad(ctx context.Context) (int, error) {
	remoteUsers, err := e.source.FetchInitialUsers(ctx, e.opts.InitURL)
	if err != nil {
		return 0, fmt.Errorf("fetching remote users: %w", err)
	}
	e.logger.Info("Fetched remote users", "count", len(remoteUsers))

	added := 0
	for _, ru := range remoteUsers {
		if err := e.addRemote(ctx, ru); err != nil {
			e.logger.Error("Failed to add remote user", "user_id", ru.ID, "error", err)
			continue
		}
		added++
	}
	return added, nil
}

// Reconcile fetches pending changes and applies them in order.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	changes, err := e.source.FetchChanges(ctx, e.opts.UpdateURL)
	if err != nil {
		return 0, fmt.Errorf("fetching remote changes: %w", err)
	}
	if len(changes) > 0 {
		e.logger.Debug("Fetched remote changes", "count", len(changes))
	}

	applied := 0
	for i, change := range changes {
		if err := e.apply(ctx, change); err != nil {
			e.logger.Error("Failed to apply remote change",
				"index", i, "action", change.Action, "user_id", change.UserID, "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}

func (e *Engine) apply(ctx context.Context, change remote.RemoteChange) error {
	if !change.Valid() {
		return change.Err
	}
	switch change.Action {
	case remote.ActionAdd:
		if change.User == nil {
			return fmt.Errorf("%w: add without user data", remote.ErrInvalidChange)
		}
		return e.addRemote(ctx, *change.User)
	case remote.ActionDelete:
		return e.directory.RemoveUser(change.UserID, false)
	default:
		return fmt.Errorf("%w: unknown action %q", remote.ErrInvalidChange, change.Action)
	}
}

func (e *Engine) addRemote(ctx context.Context, ru remote.RemoteUser) error {
	_, err := e.directory.AddUser(ctx, users.UserInput{
		ID:        ru.ID,
		Name:      ru.Name,
		IsLocal:   false,
		Embedding: ru.Embedding,
	})
	return err
}

// Trigger requests an immediate reconciliation. Requests made while one is
// already pending are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run performs the initial load and then reconciles on every interval tick
// until ctx is cancelled. A failed initial load is retried on each tick before
// reconciling. Sync errors never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	if !e.Enabled() {
		e.logger.Warn("Remote sync is disabled, SYNC_INIT_URL or SYNC_UPDATE_URL is not set")
		return nil
	}

	loaded := e.runInitialLoad(ctx)

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		// A failed bulk load is retried, but deletes must land meanwhile
		if !loaded {
			loaded = e.runInitialLoad(ctx)
		}
		if applied, err := e.Reconcile(ctx); err != nil {
			e.logEndpointError("Remote reconciliation failed", err)
		} else if applied > 0 {
			e.logger.Info("Remote changes applied", "applied", applied)
		}
	}
}

func (e *Engine) runInitialLoad(ctx context.Context) bool {
	added, err := e.InitialLoad(ctx)
	if err != nil {
		e.logEndpointError("Initial remote load failed", err)
		return false
	}
	e.logger.Info("Initial remote load finished", "added", added)
	return true
}

func (e *Engine) logEndpointError(msg string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	var perr *remote.ProtocolError
	if errors.As(err, &perr) {
		e.logger.Error(msg, "status", perr.StatusCode, "reason", perr.Reason, "error", err)
		return
	}
	e.logger.Error(msg, "error", err)
}
