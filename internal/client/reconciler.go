package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ConnState is the reconciler's transport state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// FormState mirrors what the tab displays: the active session's summary and
// the submission form, including any unsent draft.
type FormState struct {
	SessionID string
	Summary   string
	Draft     string
	Writable  bool
}

// Options configures a Reconciler.
type Options struct {
	// PreserveDraft keeps unsent draft text across a session replacement
	// instead of discarding it. Default false: observed behavior discards.
	PreserveDraft bool
}

// Reconciler is the per-tab state machine. It consumes one inbound channel
// fed by whichever transport is live (push first, poll as fallback) and
// applies session replacements to the form in place.
type Reconciler struct {
	push    Notifier
	poll    Notifier
	opts    Options
	logger  zerolog.Logger

	mu    sync.Mutex
	state ConnState
	form  FormState

	// onNewSession fires once per detected session-id change.
	onNewSession func(SessionSnapshot)
}

// NewReconciler creates a reconciler over a push and a fallback poll
// transport. Either may be nil, but not both.
func NewReconciler(push, poll Notifier, opts Options, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		push:   push,
		poll:   poll,
		opts:   opts,
		logger: logger.With().Str("component", "reconciler").Logger(),
		state:  StateDisconnected,
	}
}

// OnNewSession registers a hook invoked whenever a new session id is
// detected, by push or poll alike.
func (r *Reconciler) OnNewSession(fn func(SessionSnapshot)) {
	r.mu.Lock()
	r.onNewSession = fn
	r.mu.Unlock()
}

// State returns the current transport state.
func (r *Reconciler) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Form returns a copy of the current form state.
func (r *Reconciler) Form() FormState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.form
}

// SetDraft records unsent draft text typed into the form.
func (r *Reconciler) SetDraft(text string) {
	r.mu.Lock()
	r.form.Draft = text
	r.mu.Unlock()
}

// MarkSubmitted flips the form read-only after a successful submission.
func (r *Reconciler) MarkSubmitted() {
	r.mu.Lock()
	r.form.Writable = false
	r.form.Draft = ""
	r.mu.Unlock()
}

// Run drives the transports and the state machine until ctx is cancelled.
// The push transport runs first; if it exhausts its reconnect attempts the
// reconciler switches to polling for the rest of its life.
func (r *Reconciler) Run(ctx context.Context) error {
	events := make(chan Event, 16)

	go r.runTransports(ctx, events)

	for {
		select {
		case <-ctx.Done():
			r.setState(StateDisconnected)
			return ctx.Err()
		case ev := <-events:
			r.consume(ev)
		}
	}
}

func (r *Reconciler) runTransports(ctx context.Context, events chan<- Event) {
	if r.push != nil {
		r.setState(StateConnecting)
		err := r.push.Run(ctx, events)
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn().Err(err).Msg("push transport gave up, falling back to polling")
	}

	if r.poll != nil {
		r.setState(StateConnected)
		r.poll.Run(ctx, events)
	}
	r.setState(StateDisconnected)
}

func (r *Reconciler) setState(s ConnState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// consume applies one transport event to the form.
func (r *Reconciler) consume(ev Event) {
	if ev.Snapshot != nil {
		r.applySnapshot(*ev.Snapshot)
		return
	}
	if ev.Status != "" {
		r.applyStatus(ev.Status)
	}
}

// applySnapshot performs the in-place update on a session-id change:
// replace the displayed summary, reset the form to the writable state, and
// clear any unsent draft unless draft preservation is on. Snapshots for the
// session already displayed are idempotent.
func (r *Reconciler) applySnapshot(snap SessionSnapshot) {
	r.mu.Lock()
	if snap.SessionID == "" || snap.SessionID == r.form.SessionID {
		r.mu.Unlock()
		return
	}

	r.form.SessionID = snap.SessionID
	if snap.Summary != "" {
		r.form.Summary = snap.Summary
	}
	r.form.Writable = true
	if !r.opts.PreserveDraft {
		r.form.Draft = ""
	}
	r.state = StateConnected
	hook := r.onNewSession
	r.mu.Unlock()

	r.logger.Info().Str("session_id", snap.SessionID).Msg("new session detected")
	if hook != nil {
		hook(snap)
	}
}

// applyStatus reacts to server status pushes that end the writable phase.
func (r *Reconciler) applyStatus(status string) {
	switch status {
	case "submitted", "error", "completed":
		r.mu.Lock()
		r.form.Writable = false
		r.mu.Unlock()
	}
}
