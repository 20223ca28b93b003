package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrDuplicateID is returned when the id already exists in the target list.
	ErrDuplicateID = errors.New("duplicate user id")
	// ErrNotFound is returned when removing a user that is not in the list.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidInput is returned when not exactly one of embedding and image is given.
	ErrInvalidInput = errors.New("invalid user input")
	// ErrEncodingUnavailable is returned when an image is given but no encoder is wired.
	ErrEncodingUnavailable = errors.New("face encoding unavailable")
)

// ImageEncoder computes a face embedding from an encoded image.
type ImageEncoder interface {
	EncodeImage(ctx context.Context, image []byte) ([]float32, error)
}

// UserInput describes a user to add. Exactly one of Embedding and Image must be set.
type UserInput struct {
	ID        int
	Name      string
	IsLocal   bool
	Embedding []float32
	Image     []byte
}

// Directory owns the local and remote user lists. All methods are safe for
// concurrent use; readers get snapshots and never see a list mid-mutation.
type Directory struct {
	mu      sync.RWMutex
	local   []*User
	remote  []*User
	encoder ImageEncoder
	logger  *slog.Logger

	// serialises local ingestion runs (startup, watcher, CLI)
	ingestMu sync.Mutex
}

// NewDirectory creates an empty directory. encoder may be nil, in which case
// users can only be added from precomputed embeddings.
func NewDirectory(encoder ImageEncoder, logger *slog.Logger) *Directory {
	return &Directory{
		encoder: encoder,
		logger:  logger,
	}
}

func listName(isLocal bool) string {
	if isLocal {
		return "local"
	}
	return "remote"
}

func (d *Directory) list(isLocal bool) *[]*User {
	if isLocal {
		return &d.local
	}
	return &d.remote
}

func findIndex(list []*User, id int) int {
	for i, u := range list {
		if u.ID == id {
			return i
		}
	}
	return -1
}

// AddUser adds a user to the local or remote list.
func (d *Directory) AddUser(ctx context.Context, in UserInput) (*User, error) {
	if (in.Embedding == nil) == (in.Image == nil) {
		return nil, fmt.Errorf("%w: exactly one of embedding and image is required (user %d)", ErrInvalidInput, in.ID)
	}

	if existing := d.Lookup(in.ID, in.IsLocal); existing != nil {
		return nil, fmt.Errorf("%w: %d in %s list (existing: %s, new: %s)",
			ErrDuplicateID, in.ID, listName(in.IsLocal), existing.Name, in.Name)
	}

	embedding := in.Embedding
	if in.Image != nil {
		if d.encoder == nil {
			return nil, fmt.Errorf("%w: cannot encode image for user %d", ErrEncodingUnavailable, in.ID)
		}
		// Encoding is slow, keep it outside the lock
		enc, err := d.encoder.EncodeImage(ctx, in.Image)
		if err != nil {
			return nil, fmt.Errorf("encoding image for user %d: %w", in.ID, err)
		}
		embedding = enc
	}

	user := newUser(in.ID, in.Name, embedding, in.IsLocal)

	d.mu.Lock()
	list := d.list(in.IsLocal)
	if i := findIndex(*list, in.ID); i >= 0 {
		existing := (*list)[i]
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %d in %s list (existing: %s, new: %s)",
			ErrDuplicateID, in.ID, listName(in.IsLocal), existing.Name, in.Name)
	}
	*list = append(*list, user)
	d.mu.Unlock()

	d.logger.Info(fmt.Sprintf("User %s was added to the %s list", user, listName(in.IsLocal)),
		"user_id", user.ID, "local", user.IsLocal)
	return user, nil
}

// RemoveUser removes a user from the local or remote list.
func (d *Directory) RemoveUser(id int, isLocal bool) error {
	d.mu.Lock()
	list := d.list(isLocal)
	i := findIndex(*list, id)
	if i < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d in %s list", ErrNotFound, id, listName(isLocal))
	}
	removed := (*list)[i]
	// Copy instead of shifting in place so earlier snapshots stay intact
	next := make([]*User, 0, len(*list)-1)
	next = append(next, (*list)[:i]...)
	next = append(next, (*list)[i+1:]...)
	*list = next
	d.mu.Unlock()

	d.logger.Info(fmt.Sprintf("User %s was removed from the %s list", removed, listName(isLocal)),
		"user_id", id, "local", isLocal)
	return nil
}

// ActiveUsers returns the active users, local first then remote. The returned
// slice is a point-in-time snapshot owned by the caller.
func (d *Directory) ActiveUsers() []*User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*User, 0, len(d.local)+len(d.remote))
	for _, u := range d.local {
		if u.IsActive {
			result = append(result, u)
		}
	}
	for _, u := range d.remote {
		if u.IsActive {
			result = append(result, u)
		}
	}
	return result
}

// LocalUsers returns a snapshot of the local list.
func (d *Directory) LocalUsers() []*User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*User(nil), d.local...)
}

// RemoteUsers returns a snapshot of the remote list.
func (d *Directory) RemoteUsers() []*User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*User(nil), d.remote...)
}

// Lookup returns the user with the given id from one list, or nil.
func (d *Directory) Lookup(id int, isLocal bool) *User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := *d.list(isLocal)
	if i := findIndex(list, id); i >= 0 {
		return list[i]
	}
	return nil
}

// Counts returns the sizes of the local and remote lists.
func (d *Directory) Counts() (local, remote int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.local), len(d.remote)
}

// nextLocalID returns the smallest non-negative id not used in the local list.
func (d *Directory) nextLocalID() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	used := make(map[int]struct{}, len(d.local))
	for _, u := range d.local {
		used[u.ID] = struct{}{}
	}
	id := 0
	for {
		if _, ok := used[id]; !ok {
			return id
		}
		id++
	}
}
