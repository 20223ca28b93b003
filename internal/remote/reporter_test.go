package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-gate/internal/users"
)

func TestReporter_DropsWhenFull(t *testing.T) {
	r := NewReporter(NewClient(time.Second), "", 2, slog.New(slog.DiscardHandler))

	r.ReportOpening(1, users.Entering)
	r.ReportOpening(2, users.Entering)
	r.ReportOpening(3, users.Exiting)

	if got := r.Pending(); got != 2 {
		t.Errorf("expected 2 pending events, got %d", got)
	}
}

func TestReporter_Delivers(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	done := make(chan struct{}, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		ids = append(ids, r.PostForm.Get("id"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer server.Close()

	r := NewReporter(NewClient(time.Second), server.URL, 8, slog.New(slog.DiscardHandler))
	r.ReportOpening(7, users.Entering)
	r.ReportOpening(9, users.Exiting)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(finished)
	}()

	for range 2 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	cancel()
	<-finished

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 || ids[0] != "7" || ids[1] != "9" {
		t.Errorf("unexpected delivered ids %v", ids)
	}
}

func TestReporter_FailureIsNotFatal(t *testing.T) {
	calls := make(chan struct{}, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := NewReporter(NewClient(time.Second), server.URL, 4, slog.New(slog.DiscardHandler))
	r.ReportOpening(1, users.Entering)
	r.ReportOpening(2, users.Entering)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	for range 2 {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("expected reporter to keep delivering after a failure")
		}
	}
}
