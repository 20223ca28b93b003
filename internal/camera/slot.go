package camera

import (
	"sync"
	"time"
)

// Frame is one encoded image captured from a camera.
type Frame struct {
	CameraID   string
	Seq        uint64
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Slot holds the latest frame of a camera. The poller overwrites it, the
// decision worker takes each frame at most once.
type Slot struct {
	mu       sync.Mutex
	frame    *Frame
	updated  bool
	lastSeq  uint64
	taken    uint64
	drops    uint64
	lastTake time.Time
}

// SlotStats describes slot activity.
type SlotStats struct {
	LastSeq    uint64    `json:"last_seq"`
	Taken      uint64    `json:"taken"`
	Drops      uint64    `json:"drops"`
	LastTakeAt time.Time `json:"last_take_at"`
}

// Publish stores frame as the latest one. An unread previous frame counts as a drop.
func (s *Slot) Publish(frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updated {
		s.drops++
	}
	s.frame = frame
	s.updated = true
	s.lastSeq = frame.Seq
}

// TakeIfUpdated returns the latest frame if it was published since the last
// call, otherwise nil.
func (s *Slot) TakeIfUpdated() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.updated {
		return nil
	}
	s.updated = false
	s.taken++
	s.lastTake = time.Now()
	return s.frame
}

// Stats returns a snapshot of slot counters.
func (s *Slot) Stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotStats{LastSeq: s.lastSeq, Taken: s.taken, Drops: s.drops, LastTakeAt: s.lastTake}
}
