package users

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

type fakeEncoder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEncoder) EncodeImage(_ context.Context, image []byte) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(image)), 0.5}, nil
}

func newTestDirectory(encoder ImageEncoder) *Directory {
	return NewDirectory(encoder, slog.New(slog.DiscardHandler))
}

func TestAddUser_FromEmbedding(t *testing.T) {
	d := newTestDirectory(nil)

	u, err := d.AddUser(context.Background(), UserInput{ID: 8, Name: "Dave", Embedding: []float32{0.1, 0.2}})
	if err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	if !u.IsActive {
		t.Error("expected new user to be active")
	}
	if got := d.Lookup(8, false); got != u {
		t.Errorf("Lookup returned %v, want %v", got, u)
	}
	if d.Lookup(8, true) != nil {
		t.Error("expected user to be absent from the local list")
	}
}

func TestAddUser_Duplicate(t *testing.T) {
	d := newTestDirectory(nil)
	ctx := context.Background()

	if _, err := d.AddUser(ctx, UserInput{ID: 5, Name: "Ann", Embedding: []float32{1}}); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	_, err := d.AddUser(ctx, UserInput{ID: 5, Name: "Ann again", Embedding: []float32{2}})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	// Same id in the other list is a different identity
	if _, err := d.AddUser(ctx, UserInput{ID: 5, Name: "Local Ann", IsLocal: true, Embedding: []float32{3}}); err != nil {
		t.Errorf("expected same id in local list to succeed, got %v", err)
	}

	local, remote := d.Counts()
	if local != 1 || remote != 1 {
		t.Errorf("expected counts 1/1, got %d/%d", local, remote)
	}
}

func TestAddUser_InvalidInput(t *testing.T) {
	d := newTestDirectory(&fakeEncoder{})
	ctx := context.Background()

	tests := []struct {
		name string
		in   UserInput
	}{
		{"neither", UserInput{ID: 1, Name: "X"}},
		{"both", UserInput{ID: 1, Name: "X", Embedding: []float32{1}, Image: []byte{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.AddUser(ctx, tt.in)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAddUser_EncodingUnavailable(t *testing.T) {
	d := newTestDirectory(nil)

	_, err := d.AddUser(context.Background(), UserInput{ID: 1, Name: "X", IsLocal: true, Image: []byte{1, 2}})
	if !errors.Is(err, ErrEncodingUnavailable) {
		t.Fatalf("expected ErrEncodingUnavailable, got %v", err)
	}
}

func TestAddUser_EncoderError(t *testing.T) {
	boom := errors.New("no face")
	d := newTestDirectory(&fakeEncoder{err: boom})

	_, err := d.AddUser(context.Background(), UserInput{ID: 1, Name: "X", IsLocal: true, Image: []byte{1}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected encoder error to be wrapped, got %v", err)
	}
	if local, _ := d.Counts(); local != 0 {
		t.Errorf("expected no user added, got %d", local)
	}
}

func TestRemoveUser(t *testing.T) {
	d := newTestDirectory(nil)
	ctx := context.Background()
	for _, id := range []int{1, 2, 3} {
		if _, err := d.AddUser(ctx, UserInput{ID: id, Name: "U", Embedding: []float32{1}}); err != nil {
			t.Fatal(err)
		}
	}

	snapshot := d.ActiveUsers()

	if err := d.RemoveUser(2, false); err != nil {
		t.Fatalf("RemoveUser failed: %v", err)
	}
	if err := d.RemoveUser(2, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second removal, got %v", err)
	}

	if len(snapshot) != 3 || snapshot[1].ID != 2 {
		t.Errorf("expected earlier snapshot to be unchanged, got %v", snapshot)
	}
	remote := d.RemoteUsers()
	if len(remote) != 2 || remote[0].ID != 1 || remote[1].ID != 3 {
		t.Errorf("unexpected remote list after removal: %v", remote)
	}
}

func TestActiveUsers_LocalFirst(t *testing.T) {
	d := newTestDirectory(nil)
	ctx := context.Background()
	mustAdd := func(in UserInput) {
		t.Helper()
		if _, err := d.AddUser(ctx, in); err != nil {
			t.Fatal(err)
		}
	}
	mustAdd(UserInput{ID: 10, Name: "R", Embedding: []float32{1}})
	mustAdd(UserInput{ID: 0, Name: "L", IsLocal: true, Embedding: []float32{1}})
	inactive, _ := d.AddUser(ctx, UserInput{ID: 11, Name: "Off", Embedding: []float32{1}})
	inactive.IsActive = false

	active := d.ActiveUsers()
	if len(active) != 2 {
		t.Fatalf("expected 2 active users, got %d", len(active))
	}
	if !active[0].IsLocal || active[1].ID != 10 {
		t.Errorf("expected local user first, got %v", active)
	}
}

func TestNextLocalID_SmallestFree(t *testing.T) {
	d := newTestDirectory(nil)
	ctx := context.Background()
	for _, id := range []int{0, 1, 3} {
		if _, err := d.AddUser(ctx, UserInput{ID: id, Name: "L", IsLocal: true, Embedding: []float32{1}}); err != nil {
			t.Fatal(err)
		}
	}

	if got := d.nextLocalID(); got != 2 {
		t.Errorf("expected next id 2, got %d", got)
	}
}

func TestDirectory_ConcurrentAccess(t *testing.T) {
	d := newTestDirectory(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = d.AddUser(ctx, UserInput{ID: i, Name: "U", Embedding: []float32{1}})
		}()
		go func() {
			defer wg.Done()
			for _, u := range d.ActiveUsers() {
				_ = u.CanEnter()
			}
		}()
	}
	wg.Wait()

	if _, remote := d.Counts(); remote != 50 {
		t.Errorf("expected 50 remote users, got %d", remote)
	}
}
