// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Anti-passback constants
const (
	// MaxAttemptsInRow is the number of matched attempts a user may make before
	// further attempts are denied until the row break has elapsed
	MaxAttemptsInRow = 3

	// RowBreak is the quiet period after the most recent attempt that resets the strike count
	RowBreak = 15 * time.Second
)

// Face matching constants
const (
	// DefaultMatchTolerance is the default maximum Euclidean distance between two
	// face embeddings for them to be considered the same person
	DefaultMatchTolerance = 0.5

	// FaceBoxPadding is the number of pixels added around a located face
	FaceBoxPadding = 20

	// MaxUploadSize is the maximum dimension (width or height) of a frame sent to the face service
	MaxUploadSize = 1280

	// DetectionCacheSize is the number of recent frames whose detections are kept,
	// enough for every camera's Locate to survive until its Embed
	DetectionCacheSize = 16
)

// Scheduling constants
const (
	// DefaultSyncInterval is the default interval between remote reconciliation cycles
	DefaultSyncInterval = 30 * time.Second

	// EnrollmentDebounce is how long the enrollment watcher waits for file writes to settle
	EnrollmentDebounce = 500 * time.Millisecond

	// ReportQueueSize is the default capacity of the outbound opening report queue
	ReportQueueSize = 64
)

// Remote protocol constants
const (
	// NoUsersFoundResult is the "result" sentinel meaning the change feed is empty
	NoUsersFoundResult = "error, no users found"

	// OpeningEventType is the fixed "type" field of an opening report
	OpeningEventType = "enter_event"

	// OpeningDateLayout is the layout of the "date" field of an opening report
	OpeningDateLayout = "2006-01-02 15:04"
)

// LocalCacheFileName is the default name of the local user cache inside the faces directory
const LocalCacheFileName = "encoded_users.json"
