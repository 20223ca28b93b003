// Package users holds the access directory: authorized users mirrored from the
// remote server, locally enrolled users, and the per-user anti-passback limiter.
package users

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-gate/internal/constants"
)

// Direction is the way a person passes the door.
type Direction int

const (
	Entering Direction = iota
	Exiting
)

// ParseDirection parses "entering" or "exiting".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "entering", "enter", "in":
		return Entering, nil
	case "exiting", "exit", "out":
		return Exiting, nil
	}
	return Entering, fmt.Errorf("unknown direction %q", s)
}

func (d Direction) String() string {
	if d == Exiting {
		return "exiting"
	}
	return "entering"
}

// EventType is the remote "type_event" code: "1" for entering, "2" for exiting.
func (d Direction) EventType() string {
	if d == Exiting {
		return "2"
	}
	return "1"
}

func (d Direction) verb() string {
	if d == Exiting {
		return "left"
	}
	return "entered"
}

// OpeningReporter accepts opening events for best-effort delivery to the remote server.
// Implementations must not block.
type OpeningReporter interface {
	ReportOpening(userID int, direction Direction)
}

// User is one authorized person. Identity is (list, ID); the same numeric ID may
// exist once in the local list and once in the remote list.
type User struct {
	ID        int
	Name      string
	Embedding []float32
	IsLocal   bool
	IsActive  bool

	mu          sync.Mutex
	strikeCount int
	lastAttempt time.Time // zero until the first matched attempt
}

func newUser(id int, name string, embedding []float32, isLocal bool) *User {
	return &User{
		ID:        id,
		Name:      name,
		Embedding: embedding,
		IsLocal:   isLocal,
		IsActive:  true,
	}
}

func (u *User) String() string {
	if u.IsLocal {
		return fmt.Sprintf("%s(%d LOCAL)", u.Name, u.ID)
	}
	return fmt.Sprintf("%s(%d)", u.Name, u.ID)
}

// ResetIfOutdated clears the strike count once the row break has passed since the last attempt.
func (u *User) ResetIfOutdated() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetIfOutdated(time.Now())
}

func (u *User) resetIfOutdated(now time.Time) {
	if !u.lastAttempt.IsZero() && now.Sub(u.lastAttempt) > constants.RowBreak {
		u.strikeCount = 0
	}
}

// Admit records a matched attempt and reports whether it may pass. The row
// check and the strike update happen under one lock hold, so concurrent
// cameras matching the same user cannot both slip under the limit.
func (u *User) Admit() bool {
	return u.admitAt(time.Now())
}

func (u *User) admitAt(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetIfOutdated(now)
	granted := u.IsActive && u.strikeCount < constants.MaxAttemptsInRow
	u.recordAttempt(now)
	return granted
}

// CanEnter reports whether the user may pass right now without recording an attempt.
func (u *User) CanEnter() bool {
	return u.canEnterAt(time.Now())
}

func (u *User) canEnterAt(now time.Time) bool {
	if !u.IsActive {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetIfOutdated(now)
	return u.strikeCount < constants.MaxAttemptsInRow
}

// TrackAttempt records a matched attempt, granted or not. The strike count
// saturates at MaxAttemptsInRow.
func (u *User) TrackAttempt() {
	u.trackAttemptAt(time.Now())
}

func (u *User) trackAttemptAt(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recordAttempt(now)
}

func (u *User) recordAttempt(now time.Time) {
	if u.strikeCount < constants.MaxAttemptsInRow {
		u.strikeCount++
	}
	u.lastAttempt = now
}

// TrackOpening logs a door opening and, for remote users, hands it to the reporter.
// Local users are never reported.
func (u *User) TrackOpening(direction Direction, reporter OpeningReporter, logger *slog.Logger) {
	if !u.IsLocal && reporter != nil {
		reporter.ReportOpening(u.ID, direction)
	}
	logger.Info(fmt.Sprintf("User %s %s", u, direction.verb()),
		"user_id", u.ID, "local", u.IsLocal, "direction", direction.String())
}

// RateState returns the current strike count and the time of the last attempt.
func (u *User) RateState() (strikes int, lastAttempt time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.strikeCount, u.lastAttempt
}
