// Package session implements the single-active-session store and its
// synchronization with connected clients: session replacement, submission
// acknowledgment, blocking agent waits, and timeout-driven cleanup.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/feedback-bridge/backend/internal/model"
	"github.com/feedback-bridge/backend/internal/protocol"
	"github.com/feedback-bridge/backend/pkg/collab"
)

// Broadcaster fans protocol frames out to every connection attached to the
// active session and rebinds connections on replacement. Implemented by the
// WebSocket hub.
type Broadcaster interface {
	Broadcast(data []byte)
	Migrate(oldID, newID string)
}

// HistorySink receives an immutable snapshot of every finalized session.
type HistorySink interface {
	Append(entry model.HistoryEntry) error
}

// Config holds configuration for the session store.
type Config struct {
	HistoryLimit   int
	RetentionHours int
	PrivacyLevel   model.PrivacyLevel
}

// waitSignal is the wake signal delivered to a blocked WaitForSubmission
// caller. It carries the session id so the waiter can reject signals meant
// for a since-superseded session.
type waitSignal struct {
	sessionID string
	result    *model.FeedbackResult
	err       error
}

// Store holds at most one active session plus a bounded in-memory list of
// finalized sessions. All mutations serialize through one lock so that
// replacement, submission, and timer fire can never interleave into a torn
// state.
type Store struct {
	logger      zerolog.Logger
	broadcaster Broadcaster
	sink        HistorySink
	releaser    collab.ResourceReleaser
	cfg         Config

	mu         sync.Mutex
	current    *model.Session
	waiter     chan waitSignal
	timer      *time.Timer
	generation uint64
	recent     []model.HistoryEntry
}

// NewStore creates a session store. broadcaster must not be nil; sink and
// releaser may be.
func NewStore(broadcaster Broadcaster, sink HistorySink, releaser collab.ResourceReleaser, cfg Config, logger zerolog.Logger) *Store {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 72
	}
	if !cfg.PrivacyLevel.Valid() {
		cfg.PrivacyLevel = model.PrivacyFull
	}
	if releaser == nil {
		releaser = collab.NopResourceReleaser{}
	}
	return &Store{
		logger:      logger.With().Str("component", "session_store").Logger(),
		broadcaster: broadcaster,
		sink:        sink,
		releaser:    releaser,
		cfg:         cfg,
	}
}

// CreateOrReplace atomically finalizes any existing active session,
// reattaches its connections to a new session created from req, arms the
// timeout supervisor, and broadcasts session_updated. A wait pending on the
// replaced session resolves immediately with ErrSuperseded.
func (s *Store) CreateOrReplace(req *model.CreateSessionRequest) (*model.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldID := ""
	if s.current != nil {
		oldID = s.current.ID
		s.finalizeLocked(s.current, model.SessionStatusCompleted, "")
		s.signalLocked(waitSignal{sessionID: oldID, err: model.ErrSuperseded})
	}

	now := time.Now()
	sess := &model.Session{
		ID:               uuid.New().String(),
		Status:           model.SessionStatusWaiting,
		Summary:          req.Summary,
		ProjectDirectory: req.ProjectDirectory,
		TimeoutSeconds:   req.TimeoutSeconds,
		CreatedAt:        now,
	}

	s.current = sess
	s.waiter = make(chan waitSignal, 1)
	s.armTimerLocked(sess)

	// Migrating and broadcasting under the lock keeps the session_updated
	// order identical to the replacement order.
	s.broadcaster.Migrate(oldID, sess.ID)
	s.broadcastLocked(protocol.NewSessionUpdated(sess))

	s.logger.Info().Str("session_id", sess.ID).Str("replaced", oldID).Int("timeout_seconds", sess.TimeoutSeconds).Msg("session created")
	return sess.Clone(), nil
}

// Current returns a snapshot of the current session, or nil if none exists.
func (s *Store) Current() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// SubmitFeedback validates and applies a human submission against the
// session identified by sessionID. On success the session transitions
// waiting -> processing -> submitted, both phases observable to clients, the
// timeout timer is cancelled, and exactly one blocked wait is woken.
func (s *Store) SubmitFeedback(sessionID, text string, images []model.ImageAttachment) error {
	if text == "" && len(images) == 0 {
		return model.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return model.ErrNoActiveSession
	}
	if s.current.ID != sessionID {
		return model.ErrStaleSession
	}
	sess := s.current
	if sess.Status != model.SessionStatusWaiting && sess.Status != model.SessionStatusProcessing {
		return model.ErrAlreadySubmitted
	}

	// Two-phase ack: clients see the processing state before the final
	// feedback_received frame.
	sess.Status = model.SessionStatusProcessing
	s.broadcastLocked(protocol.NewStatusUpdate(sess.Status, "processing feedback"))

	sess.FeedbackText = text
	sess.Images = images
	sess.Status = model.SessionStatusSubmitted
	s.cancelTimerLocked()

	s.broadcastLocked(protocol.NewFeedbackReceived(sess.ID, sess.Status, "feedback received"))
	s.signalLocked(waitSignal{
		sessionID: sess.ID,
		result: &model.FeedbackResult{
			SessionID:    sess.ID,
			FeedbackText: text,
			Images:       images,
		},
	})

	s.logger.Info().Str("session_id", sess.ID).Int("images", len(images)).Msg("feedback submitted")
	return nil
}

// WaitForSubmission suspends the caller until the matching session reaches
// submitted (returning the feedback) or error, until the session is replaced
// (ErrSuperseded), or until ctx expires (ErrTimeout). The wake signal's
// session id is re-validated before returning so a signal meant for a
// different session is never consumed by mistake.
func (s *Store) WaitForSubmission(ctx context.Context, sessionID string) (*model.FeedbackResult, error) {
	s.mu.Lock()
	if s.current == nil || s.current.ID != sessionID {
		s.mu.Unlock()
		return nil, model.ErrSuperseded
	}
	ch := s.waiter
	s.mu.Unlock()

	for {
		select {
		case sig := <-ch:
			if sig.sessionID != sessionID {
				// Ghost wakeup: a signal for another session landed on a
				// stale channel reference. Keep waiting.
				continue
			}
			if sig.err != nil {
				return nil, sig.err
			}
			s.finalizeSubmitted(sessionID)
			return sig.result, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, model.ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// RequestFeedback is the agent-facing composite call: create (or replace)
// the active session, then block until the human responds.
func (s *Store) RequestFeedback(ctx context.Context, summary, projectDirectory string, timeoutSeconds int) (*model.FeedbackResult, error) {
	sess, err := s.CreateOrReplace(&model.CreateSessionRequest{
		Summary:          summary,
		ProjectDirectory: projectDirectory,
		TimeoutSeconds:   timeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	return s.WaitForSubmission(ctx, sess.ID)
}

// RecentHistory returns the bounded in-memory list of finalized sessions,
// newest first.
func (s *Store) RecentHistory() []model.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.HistoryEntry, len(s.recent))
	copy(out, s.recent)
	return out
}

// finalizeSubmitted moves a submitted session to completed and records it.
// Called once the blocked agent call has consumed the result.
func (s *Store) finalizeSubmitted(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != sessionID || s.current.Status != model.SessionStatusSubmitted {
		return
	}
	s.finalizeLocked(s.current, model.SessionStatusCompleted, "")
}

// finalizeLocked transitions sess to a terminal status, appends it to
// history exactly once, and releases collaborator-owned resources. A session
// that is already finalized is left untouched. Caller holds s.mu.
func (s *Store) finalizeLocked(sess *model.Session, status model.SessionStatus, reason string) {
	if sess.Finalized() {
		return
	}
	if sess.Status != model.SessionStatusError {
		sess.Status = status
	}
	if reason != "" {
		sess.ErrorReason = reason
	}
	now := time.Now()
	sess.CompletedAt = &now
	s.cancelTimerLocked()

	entry := model.NewHistoryEntry(sess, s.cfg.PrivacyLevel)
	s.appendHistoryLocked(entry)
	if s.sink != nil {
		if err := s.sink.Append(entry); err != nil {
			s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("failed to persist history entry")
		}
	}
	s.releaser.Release(sess.ID)
	s.logger.Info().Str("session_id", sess.ID).Str("status", string(sess.Status)).Msg("session finalized")
}

// appendHistoryLocked keeps the in-memory list within the size cap and the
// retention window: size first, then age. Entries themselves are immutable.
func (s *Store) appendHistoryLocked(entry model.HistoryEntry) {
	s.recent = append([]model.HistoryEntry{entry}, s.recent...)
	if len(s.recent) > s.cfg.HistoryLimit {
		s.recent = s.recent[:s.cfg.HistoryLimit]
	}
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	kept := s.recent[:0]
	for _, e := range s.recent {
		if !e.CompletedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	s.recent = kept
}

// signalLocked delivers a wake signal without blocking. The channel is
// buffered so a signal sent before the waiter arrives is not lost.
func (s *Store) signalLocked(sig waitSignal) {
	if s.waiter == nil {
		return
	}
	select {
	case s.waiter <- sig:
	default:
	}
}

// broadcastLocked sends a pre-encoded frame, logging codec failures instead
// of propagating them; broadcast errors never cross the store boundary.
func (s *Store) broadcastLocked(data []byte, err error) {
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode broadcast frame")
		return
	}
	s.broadcaster.Broadcast(data)
}

// Close finalizes any active session and stops its timer.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		id := s.current.ID
		s.finalizeLocked(s.current, model.SessionStatusCompleted, "")
		s.signalLocked(waitSignal{sessionID: id, err: model.ErrSuperseded})
	}
}
