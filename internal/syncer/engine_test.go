package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-gate/internal/remote"
	"github.com/kozaktomas/face-gate/internal/users"
)

type fakeSource struct {
	mu          sync.Mutex
	initial     []remote.RemoteUser
	initialErr  error
	changes     [][]remote.RemoteChange
	changesErr  []error
	initCalls   int
	changeCalls int
}

func (f *fakeSource) FetchInitialUsers(context.Context, string) ([]remote.RemoteUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initial, f.initialErr
}

func (f *fakeSource) FetchChanges(context.Context, string) ([]remote.RemoteChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.changeCalls
	f.changeCalls++
	var err error
	if i < len(f.changesErr) {
		err = f.changesErr[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.changes) {
		return f.changes[i], nil
	}
	return nil, nil
}

func (f *fakeSource) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.changeCalls
}

func newEngine(src Source, dir Directory) *Engine {
	return NewEngine(src, dir, Options{InitURL: "init", UpdateURL: "update", Interval: 10 * time.Millisecond},
		slog.New(slog.DiscardHandler))
}

func newDirectory() *users.Directory {
	return users.NewDirectory(nil, slog.New(slog.DiscardHandler))
}

func TestInitialLoad_SkipsDuplicates(t *testing.T) {
	dir := newDirectory()
	src := &fakeSource{initial: []remote.RemoteUser{
		{ID: 1, Name: "A", Embedding: []float32{0.1}},
		{ID: 1, Name: "A again", Embedding: []float32{0.2}},
		{ID: 2, Name: "B", Embedding: []float32{0.3}},
	}}

	added, err := newEngine(src, dir).InitialLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	_, remoteCount := dir.Counts()
	assert.Equal(t, 2, remoteCount)
	assert.Equal(t, "A", dir.Lookup(1, false).Name)
}

func TestReconcile_DeleteOfMissingUserIsSkipped(t *testing.T) {
	dir := newDirectory()
	ctx := context.Background()
	_, err := dir.AddUser(ctx, users.UserInput{ID: 2, Name: "Old", Embedding: []float32{1}})
	require.NoError(t, err)

	src := &fakeSource{changes: [][]remote.RemoteChange{{
		{Action: remote.ActionAdd, UserID: 10, User: &remote.RemoteUser{ID: 10, Name: "New", Embedding: []float32{0.5}}},
		{Action: remote.ActionDelete, UserID: 999},
		{Action: remote.ActionDelete, UserID: 2},
	}}}

	applied, err := newEngine(src, dir).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	assert.NotNil(t, dir.Lookup(10, false), "add in the same batch must be applied")
	assert.Nil(t, dir.Lookup(2, false), "existing user must be deleted")
}

func TestReconcile_InvalidAndUnknownChanges(t *testing.T) {
	dir := newDirectory()
	src := &fakeSource{changes: [][]remote.RemoteChange{{
		{Err: fmt.Errorf("%w: missing action", remote.ErrInvalidChange)},
		{Action: "rename", UserID: 3},
		{Action: remote.ActionAdd, UserID: 4},
		{Action: remote.ActionAdd, UserID: 5, User: &remote.RemoteUser{ID: 5, Name: "E", Embedding: []float32{1}}},
	}}}

	applied, err := newEngine(src, dir).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.NotNil(t, dir.Lookup(5, false))
	assert.Nil(t, dir.Lookup(4, false))
}

func TestReconcile_NeverTouchesLocalUsers(t *testing.T) {
	dir := newDirectory()
	ctx := context.Background()
	_, err := dir.AddUser(ctx, users.UserInput{ID: 0, Name: "Local", IsLocal: true, Embedding: []float32{1}})
	require.NoError(t, err)

	src := &fakeSource{changes: [][]remote.RemoteChange{{{Action: remote.ActionDelete, UserID: 0}}}}

	applied, err := newEngine(src, dir).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.NotNil(t, dir.Lookup(0, true))
}

func TestReconcile_FetchErrorAbortsCycle(t *testing.T) {
	fetchErr := &remote.TransportError{URL: "update", Err: errors.New("connection refused")}
	src := &fakeSource{changesErr: []error{fetchErr}}

	_, err := newEngine(src, newDirectory()).Reconcile(context.Background())
	var terr *remote.TransportError
	require.ErrorAs(t, err, &terr)
}

func TestRun_ContinuesAfterFailedCycle(t *testing.T) {
	dir := newDirectory()
	src := &fakeSource{
		changesErr: []error{&remote.ProtocolError{URL: "update", StatusCode: 500, Reason: "failed status code"}},
		changes: [][]remote.RemoteChange{
			nil,
			{{Action: remote.ActionAdd, UserID: 7, User: &remote.RemoteUser{ID: 7, Name: "G", Embedding: []float32{1}}}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newEngine(src, dir).Run(ctx) }()

	require.Eventually(t, func() bool { return dir.Lookup(7, false) != nil }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_ReconcilesWhileInitialLoadFails(t *testing.T) {
	dir := newDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := dir.AddUser(ctx, users.UserInput{ID: 3, Name: "Revoked", Embedding: []float32{1}})
	require.NoError(t, err)

	src := &fakeSource{
		initialErr: errors.New("down"),
		changes:    [][]remote.RemoteChange{{{Action: remote.ActionDelete, UserID: 3}}},
	}
	go newEngine(src, dir).Run(ctx)

	require.Eventually(t, func() bool { return dir.Lookup(3, false) == nil }, 2*time.Second, 5*time.Millisecond,
		"delete must be applied although the bulk load keeps failing")
	require.Eventually(t, func() bool {
		initCalls, _ := src.calls()
		return initCalls >= 2
	}, 2*time.Second, 5*time.Millisecond, "bulk load is retried")
}

func TestRun_Disabled(t *testing.T) {
	e := NewEngine(&fakeSource{}, newDirectory(), Options{}, slog.New(slog.DiscardHandler))
	assert.False(t, e.Enabled())
	assert.NoError(t, e.Run(context.Background()))
}

func TestTrigger_RunsReconcileImmediately(t *testing.T) {
	src := &fakeSource{}
	e := NewEngine(src, newDirectory(), Options{InitURL: "i", UpdateURL: "u", Interval: time.Hour},
		slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.Eventually(t, func() bool {
		initCalls, _ := src.calls()
		return initCalls == 1
	}, time.Second, 5*time.Millisecond)

	e.Trigger()
	require.Eventually(t, func() bool {
		_, changeCalls := src.calls()
		return changeCalls == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_WithRemoteClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/init", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ok","clients":"[{\"id\":1,\"fio\":\"A\",\"encoding\":[0.1]}]"}`))
	})
	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ok","clients":"[{\"action\":\"delete\",\"user_id\":1},{\"action\":\"delete\",\"user_id\":5}]"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	dir := newDirectory()
	e := NewEngine(remote.NewClient(time.Second), dir,
		Options{InitURL: server.URL + "/init", UpdateURL: server.URL + "/update"}, slog.New(slog.DiscardHandler))

	added, err := e.InitialLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	applied, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Empty(t, dir.RemoteUsers())
}
