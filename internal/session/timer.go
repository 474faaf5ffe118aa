package session

import (
	"time"

	"github.com/feedback-bridge/backend/internal/model"
	"github.com/feedback-bridge/backend/internal/protocol"
)

// The timeout supervisor: one timer per active session, armed at creation
// with the session's timeout. The generation counter increments on every arm
// and cancel, so a timer that fires after cancellation observes a stale
// generation and does nothing.

// armTimerLocked arms the deadline timer for sess. Caller holds s.mu.
func (s *Store) armTimerLocked(sess *model.Session) {
	s.generation++
	gen := s.generation
	s.timer = time.AfterFunc(time.Duration(sess.TimeoutSeconds)*time.Second, func() {
		s.onTimeout(sess.ID, gen)
	})
}

// cancelTimerLocked stops the pending timer, if any, and bumps the
// generation so an already-fired callback becomes a no-op. Caller holds s.mu.
func (s *Store) cancelTimerLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// onTimeout runs when a session's deadline elapses. It is a no-op unless the
// generation still matches and the session is still awaiting feedback.
func (s *Store) onTimeout(sessionID string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return
	}
	if s.current == nil || s.current.ID != sessionID {
		return
	}
	sess := s.current
	if sess.Status != model.SessionStatusWaiting && sess.Status != model.SessionStatusProcessing {
		return
	}

	s.logger.Warn().Str("session_id", sessionID).Int("timeout_seconds", sess.TimeoutSeconds).Msg("session timed out")

	s.finalizeLocked(sess, model.SessionStatusError, "timeout")

	s.broadcastLocked(protocol.NewStatusUpdate(model.SessionStatusError, "session timed out waiting for feedback"))
	s.signalLocked(waitSignal{sessionID: sessionID, err: model.ErrTimeout})
}
