package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestReconciler(opts Options) *Reconciler {
	return NewReconciler(nil, nil, opts, zerolog.Nop())
}

func snapshotEvent(id, summary string) Event {
	return Event{Snapshot: &SessionSnapshot{
		SessionID: id,
		Status:    "waiting",
		Summary:   summary,
	}}
}

func TestReconciler_ApplySnapshot(t *testing.T) {
	t.Run("new session replaces form in place", func(t *testing.T) {
		r := newTestReconciler(Options{})

		r.consume(snapshotEvent("sess-1", "first task"))

		form := r.Form()
		if form.SessionID != "sess-1" {
			t.Errorf("Expected session sess-1, got '%s'", form.SessionID)
		}
		if form.Summary != "first task" {
			t.Errorf("Expected summary 'first task', got '%s'", form.Summary)
		}
		if !form.Writable {
			t.Error("A fresh session must leave the form writable")
		}
	})

	t.Run("same session id is idempotent", func(t *testing.T) {
		r := newTestReconciler(Options{})
		r.consume(snapshotEvent("sess-1", "task"))
		r.SetDraft("half-typed thought")

		// A poll delivering the same session must not disturb the form.
		r.consume(snapshotEvent("sess-1", "task"))

		form := r.Form()
		if form.Draft != "half-typed thought" {
			t.Errorf("Draft lost on idempotent snapshot: '%s'", form.Draft)
		}
	})

	t.Run("replacement discards draft by default", func(t *testing.T) {
		r := newTestReconciler(Options{})
		r.consume(snapshotEvent("sess-1", "first"))
		r.SetDraft("unsent words")

		r.consume(snapshotEvent("sess-2", "second"))

		form := r.Form()
		if form.Draft != "" {
			t.Errorf("Expected draft discarded on replacement, got '%s'", form.Draft)
		}
		if form.Summary != "second" {
			t.Errorf("Expected summary 'second', got '%s'", form.Summary)
		}
	})

	t.Run("replacement keeps draft when preservation is on", func(t *testing.T) {
		r := newTestReconciler(Options{PreserveDraft: true})
		r.consume(snapshotEvent("sess-1", "first"))
		r.SetDraft("unsent words")

		r.consume(snapshotEvent("sess-2", "second"))

		if r.Form().Draft != "unsent words" {
			t.Errorf("Expected draft preserved, got '%s'", r.Form().Draft)
		}
	})

	t.Run("empty session id ignored", func(t *testing.T) {
		r := newTestReconciler(Options{})
		r.consume(snapshotEvent("sess-1", "task"))

		r.consume(snapshotEvent("", ""))

		if r.Form().SessionID != "sess-1" {
			t.Error("Empty snapshot must not clear the form")
		}
	})
}

func TestReconciler_StatusEndsWritablePhase(t *testing.T) {
	for _, status := range []string{"submitted", "error", "completed"} {
		t.Run(status, func(t *testing.T) {
			r := newTestReconciler(Options{})
			r.consume(snapshotEvent("sess-1", "task"))

			r.consume(Event{Status: status})

			if r.Form().Writable {
				t.Errorf("Status '%s' must flip the form read-only", status)
			}
		})
	}

	t.Run("processing keeps form writable", func(t *testing.T) {
		r := newTestReconciler(Options{})
		r.consume(snapshotEvent("sess-1", "task"))

		r.consume(Event{Status: "processing"})

		if !r.Form().Writable {
			t.Error("Intermediate status must not end the writable phase")
		}
	})
}

func TestReconciler_NewSessionHook(t *testing.T) {
	r := newTestReconciler(Options{})

	var mu sync.Mutex
	var seen []string
	r.OnNewSession(func(snap SessionSnapshot) {
		mu.Lock()
		seen = append(seen, snap.SessionID)
		mu.Unlock()
	})

	r.consume(snapshotEvent("sess-1", "first"))
	r.consume(snapshotEvent("sess-1", "first")) // duplicate, no hook
	r.consume(snapshotEvent("sess-2", "second"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "sess-1" || seen[1] != "sess-2" {
		t.Errorf("Expected hook fired once per new session id, got %v", seen)
	}
}

func TestReconciler_MarkSubmitted(t *testing.T) {
	r := newTestReconciler(Options{})
	r.consume(snapshotEvent("sess-1", "task"))
	r.SetDraft("final answer")

	r.MarkSubmitted()

	form := r.Form()
	if form.Writable {
		t.Error("Form must be read-only after submission")
	}
	if form.Draft != "" {
		t.Error("Draft must be cleared after submission")
	}
}

// stubNotifier feeds a fixed event sequence and then blocks until cancelled,
// or gives up immediately to exercise the fallback path.
type stubNotifier struct {
	name   string
	events []Event
	fail   bool
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Run(ctx context.Context, events chan<- Event) error {
	if s.fail {
		return context.DeadlineExceeded
	}
	for _, ev := range s.events {
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestReconciler_FallsBackToPolling(t *testing.T) {
	push := &stubNotifier{name: "push", fail: true}
	poll := &stubNotifier{name: "poll", events: []Event{snapshotEvent("sess-1", "via poll")}}

	r := NewReconciler(push, poll, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for r.Form().SessionID != "sess-1" {
		select {
		case <-deadline:
			t.Fatal("Reconciler never received the poll snapshot after push gave up")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancel")
	}
}

func TestPollNotifier(t *testing.T) {
	t.Run("delivers snapshots", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(SessionSnapshot{
				SessionID: "sess-1",
				Status:    "waiting",
				Summary:   "polled task",
			})
		}))
		defer server.Close()

		notifier := NewPollNotifier(server.URL, 10*time.Millisecond, zerolog.Nop())
		events := make(chan Event, 1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go notifier.Run(ctx, events)

		select {
		case ev := <-events:
			if ev.Snapshot == nil || ev.Snapshot.SessionID != "sess-1" {
				t.Errorf("Unexpected event: %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Poll notifier delivered nothing")
		}
	})

	t.Run("404 means no active session", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		}))
		defer server.Close()

		notifier := NewPollNotifier(server.URL, 10*time.Millisecond, zerolog.Nop())
		events := make(chan Event, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		notifier.Run(ctx, events)

		select {
		case ev := <-events:
			t.Errorf("Expected no events for 404, got %+v", ev)
		default:
		}
	})
}
