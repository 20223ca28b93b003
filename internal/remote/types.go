// Package remote speaks the remote directory protocol: bulk user fetch,
// incremental change fetch and opening event reports.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Change actions understood by the sync engine.
const (
	ActionAdd    = "add"
	ActionDelete = "delete"
)

// ErrInvalidChange marks a change entry that could not be parsed.
var ErrInvalidChange = errors.New("invalid remote change")

// ProtocolError is returned when the remote server answers with an unexpected
// status code or a body of the wrong shape.
type ProtocolError struct {
	URL        string
	StatusCode int
	Body       string
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s from %s (status %d): %s", e.Reason, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s from %s (status %d)", e.Reason, e.URL, e.StatusCode)
}

// TransportError is returned when the request never got an HTTP response.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("could not reach %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteUser is one authorized user as stored by the remote server.
type RemoteUser struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Embedding []float32 `json:"encoding"`
}

// RemoteChange is one entry of the change feed. When Err is set the entry was
// malformed and the other fields are best effort.
type RemoteChange struct {
	Action string      `json:"action"`
	UserID int         `json:"user_id"`
	User   *RemoteUser `json:"user,omitempty"`
	Err    error       `json:"-"`
}

// Valid reports whether the change was parsed successfully.
func (c RemoteChange) Valid() bool {
	return c.Err == nil
}

// envelope is the outer response object of both fetch endpoints. Clients holds
// a JSON-encoded string with the actual payload.
type envelope struct {
	Result  json.RawMessage `json:"result"`
	Clients *string         `json:"clients"`
}

func (e envelope) hasResult() bool {
	return len(e.Result) > 0 && string(e.Result) != "null"
}

func (e envelope) resultString() string {
	var s string
	if err := json.Unmarshal(e.Result, &s); err != nil {
		return ""
	}
	return s
}

// wireUser is a user entry inside the bulk payload. Pointers distinguish
// missing fields from zero values.
type wireUser struct {
	ID       *int       `json:"id"`
	Fio      *string    `json:"fio"`
	Encoding *[]float32 `json:"encoding"`
}

// wireChange is a change entry inside the change payload.
type wireChange struct {
	Action   *string    `json:"action"`
	UserID   *int       `json:"user_id"`
	Fio      *string    `json:"fio"`
	Encoding *[]float32 `json:"encoding"`
}

func parseUser(raw json.RawMessage) (RemoteUser, error) {
	var w wireUser
	if err := json.Unmarshal(raw, &w); err != nil {
		return RemoteUser{}, err
	}
	switch {
	case w.ID == nil:
		return RemoteUser{}, errors.New("missing id")
	case w.Fio == nil:
		return RemoteUser{}, errors.New("missing fio")
	case w.Encoding == nil:
		return RemoteUser{}, errors.New("missing encoding")
	}
	return RemoteUser{ID: *w.ID, Name: *w.Fio, Embedding: *w.Encoding}, nil
}

func parseChange(raw json.RawMessage) RemoteChange {
	var w wireChange
	if err := json.Unmarshal(raw, &w); err != nil {
		return RemoteChange{Err: fmt.Errorf("%w: %w", ErrInvalidChange, err)}
	}

	var change RemoteChange
	if w.Action == nil {
		return RemoteChange{Err: fmt.Errorf("%w: missing action", ErrInvalidChange)}
	}
	change.Action = *w.Action
	if w.UserID == nil {
		change.Err = fmt.Errorf("%w: missing user_id", ErrInvalidChange)
		return change
	}
	change.UserID = *w.UserID

	if change.Action == ActionAdd {
		if w.Fio == nil || w.Encoding == nil {
			change.Err = fmt.Errorf("%w: add for user %d needs fio and encoding", ErrInvalidChange, change.UserID)
			return change
		}
		change.User = &RemoteUser{ID: change.UserID, Name: *w.Fio, Embedding: *w.Encoding}
	}
	return change
}
