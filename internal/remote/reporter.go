package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-gate/internal/users"
)

// OpeningEvent is a queued door opening waiting to be reported.
type OpeningEvent struct {
	ID        uuid.UUID
	UserID    int
	Direction users.Direction
	At        time.Time
}

// Reporter delivers opening events to the remote server in the background.
// Delivery is best effort: a full queue drops events and failed posts are only logged.
type Reporter struct {
	client   *Client
	endpoint string
	queue    chan OpeningEvent
	logger   *slog.Logger
}

// NewReporter creates a reporter with a queue of the given size. An empty
// endpoint disables delivery; events are then logged and discarded.
func NewReporter(client *Client, endpoint string, size int, logger *slog.Logger) *Reporter {
	if size <= 0 {
		size = 1
	}
	return &Reporter{
		client:   client,
		endpoint: endpoint,
		queue:    make(chan OpeningEvent, size),
		logger:   logger,
	}
}

// ReportOpening queues an opening event. It never blocks.
func (r *Reporter) ReportOpening(userID int, direction users.Direction) {
	ev := OpeningEvent{
		ID:        uuid.New(),
		UserID:    userID,
		Direction: direction,
		At:        time.Now(),
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("Opening report queue is full, dropping event",
			"event_id", ev.ID, "user_id", userID, "direction", direction.String())
	}
}

// Pending returns the number of queued events.
func (r *Reporter) Pending() int {
	return len(r.queue)
}

// Run delivers queued events until ctx is cancelled. An in-flight post is
// finished before returning.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		}
	}
}

func (r *Reporter) deliver(ctx context.Context, ev OpeningEvent) {
	if r.endpoint == "" {
		r.logger.Debug("Opening reports are disabled, discarding event", "event_id", ev.ID, "user_id", ev.UserID)
		return
	}

	// Let the current post complete even when shutdown starts
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := r.client.ReportOpening(postCtx, r.endpoint, ev.UserID, ev.Direction, ev.At); err != nil {
		r.logger.Error("Failed to report opening", "event_id", ev.ID, "user_id", ev.UserID, "error", err)
		return
	}
	r.logger.Debug("Opening reported", "event_id", ev.ID, "user_id", ev.UserID, "direction", ev.Direction.String())
}
