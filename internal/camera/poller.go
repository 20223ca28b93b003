package camera

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Poller refreshes a camera's slot from its source at a fixed interval.
type Poller struct {
	CameraID string
	Source   FrameSource
	Slot     *Slot
	Interval time.Duration
	Logger   *slog.Logger

	seq      uint64
	failures int
	errLog   rate.Sometimes
}

// NewPoller creates a poller. Read errors are logged at most every 10 seconds.
func NewPoller(cameraID string, source FrameSource, slot *Slot, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		CameraID: cameraID,
		Source:   source,
		Slot:     slot,
		Interval: interval,
		Logger:   logger,
		errLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Run polls until ctx is cancelled. Failed reads are skipped.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	frame, err := p.Source.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failures++
		failures := p.failures
		p.errLog.Do(func() {
			p.Logger.Error("Failed to read camera frame", "camera", p.CameraID, "failures", failures, "error", err)
		})
		return
	}

	if p.failures > 0 {
		p.Logger.Info("Camera recovered", "camera", p.CameraID, "failures", p.failures)
		p.failures = 0
	}

	p.seq++
	frame.Seq = p.seq
	frame.CameraID = p.CameraID
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}
	p.Slot.Publish(frame)
}
