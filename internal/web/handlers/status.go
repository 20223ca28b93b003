package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/face-gate/internal/camera"
	"github.com/kozaktomas/face-gate/internal/device"
	"github.com/kozaktomas/face-gate/internal/users"
)

// UserLister provides the current user lists.
type UserLister interface {
	LocalUsers() []*users.User
	RemoteUsers() []*users.User
}

// CameraLister provides the live state of every camera.
type CameraLister interface {
	CameraStatuses() []CameraStatus
}

// SyncTrigger starts a reconciliation cycle without waiting for the next tick.
type SyncTrigger interface {
	Enabled() bool
	Trigger()
}

// CameraStatus is the live state of one camera.
type CameraStatus struct {
	ID           string             `json:"id"`
	Direction    string             `json:"direction"`
	Phase        string             `json:"phase"`
	DelaySeconds float64            `json:"delay_seconds"`
	Frames       camera.SlotStats   `json:"frames"`
	Screen       device.ScreenState `json:"screen"`
}

// UserResponse describes a user without the embedding.
type UserResponse struct {
	ID          int        `json:"id"`
	Name        string     `json:"name"`
	Local       bool       `json:"local"`
	Active      bool       `json:"active"`
	Strikes     int        `json:"strikes"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

// UsersResponse groups users by list.
type UsersResponse struct {
	Local  []UserResponse `json:"local"`
	Remote []UserResponse `json:"remote"`
}

// StatusHandler serves the read-only runtime state of the gate.
type StatusHandler struct {
	users   UserLister
	cameras CameraLister
	sync    SyncTrigger
}

// NewStatusHandler creates a status handler. sync may be nil.
func NewStatusHandler(users UserLister, cameras CameraLister, sync SyncTrigger) *StatusHandler {
	return &StatusHandler{users: users, cameras: cameras, sync: sync}
}

func toUserResponses(list []*users.User) []UserResponse {
	result := make([]UserResponse, 0, len(list))
	for _, u := range list {
		strikes, last := u.RateState()
		resp := UserResponse{
			ID:      u.ID,
			Name:    u.Name,
			Local:   u.IsLocal,
			Active:  u.IsActive,
			Strikes: strikes,
		}
		if !last.IsZero() {
			resp.LastAttempt = &last
		}
		result = append(result, resp)
	}
	return result
}

// Users lists local and remote users.
func (h *StatusHandler) Users(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, UsersResponse{
		Local:  toUserResponses(h.users.LocalUsers()),
		Remote: toUserResponses(h.users.RemoteUsers()),
	})
}

// Cameras lists camera states.
func (h *StatusHandler) Cameras(w http.ResponseWriter, r *http.Request) {
	statuses := h.cameras.CameraStatuses()
	if statuses == nil {
		statuses = []CameraStatus{}
	}
	respondJSON(w, http.StatusOK, statuses)
}

// Sync requests an immediate reconciliation with the remote directory.
func (h *StatusHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil || !h.sync.Enabled() {
		respondError(w, http.StatusConflict, "remote sync is not configured")
		return
	}
	h.sync.Trigger()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}
