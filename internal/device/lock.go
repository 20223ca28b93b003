// Package device abstracts the door hardware: the lock relay and the status
// display. Implementations are picked from configuration at startup.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/face-gate/internal/config"
)

// Lock opens the door for a while. OpenFor returns once the door is locked again.
type Lock interface {
	OpenFor(ctx context.Context, d time.Duration) error
}

// NewLock returns the lock implementation selected by cfg.Driver.
func NewLock(cfg config.LockConfig, logger *slog.Logger) (Lock, error) {
	switch cfg.Driver {
	case "", "log":
		return &LogLock{Logger: logger}, nil
	case "http":
		if cfg.URL == "" {
			return nil, errors.New("lock driver http needs LOCK_URL")
		}
		return NewHTTPLock(cfg.URL, 5*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown lock driver %q", cfg.Driver)
	}
}

// LogLock only logs. Used on development machines without a relay.
type LogLock struct {
	Logger *slog.Logger
}

func (l *LogLock) OpenFor(ctx context.Context, d time.Duration) error {
	l.Logger.Info("Open lock", "seconds", d.Seconds())
	err := Sleep(ctx, d)
	l.Logger.Info("Close lock")
	return err
}

// HTTPLock drives a network relay: POST <url>/open, wait, POST <url>/close.
type HTTPLock struct {
	baseURL string
	client  *http.Client
}

// NewHTTPLock creates a relay lock client.
func NewHTTPLock(baseURL string, timeout time.Duration) *HTTPLock {
	return &HTTPLock{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (l *HTTPLock) OpenFor(ctx context.Context, d time.Duration) error {
	if err := l.post(ctx, "/open"); err != nil {
		return fmt.Errorf("opening lock: %w", err)
	}

	waitErr := Sleep(ctx, d)

	// The door must never stay open, so close even when ctx is done
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.post(closeCtx, "/close"); err != nil {
		return fmt.Errorf("closing lock: %w", err)
	}
	return waitErr
}

func (l *HTTPLock) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	resp, err := l.client.Do(req) //nolint:gosec // relay URL comes from trusted config
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay answered with status %d", resp.StatusCode)
	}
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
