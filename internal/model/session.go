package model

import (
	"time"
)

// SessionStatus represents the status of a feedback session.
type SessionStatus string

const (
	SessionStatusWaiting    SessionStatus = "waiting"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusSubmitted  SessionStatus = "submitted"
	SessionStatusError      SessionStatus = "error"
	SessionStatusCompleted  SessionStatus = "completed"
)

// Timeout bounds for a session, in seconds.
const (
	MinTimeoutSeconds     = 30
	MaxTimeoutSeconds     = 7200
	DefaultTimeoutSeconds = 600
)

// ImageAttachment is an image submitted alongside feedback text. Data is
// base64-encoded; size/format validation happens upstream before submission.
type ImageAttachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	SizeBytes int    `json:"size_bytes"`
	Data      string `json:"data,omitempty"`
}

// Session represents one feedback request from the agent. Summary and
// ProjectDirectory are immutable after creation; FeedbackText and Images are
// set once, at submission.
type Session struct {
	ID               string            `json:"id"`
	Status           SessionStatus     `json:"status"`
	Summary          string            `json:"summary"`
	ProjectDirectory string            `json:"project_directory"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	FeedbackText     string            `json:"feedback_text,omitempty"`
	Images           []ImageAttachment `json:"images,omitempty"`
	ErrorReason      string            `json:"error_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// Active reports whether the session occupies the single active slot.
func (s *Session) Active() bool {
	switch s.Status {
	case SessionStatusWaiting, SessionStatusProcessing, SessionStatusSubmitted:
		return true
	}
	return false
}

// Finalized reports whether the session has reached a terminal status.
func (s *Session) Finalized() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusError
}

// Duration returns the session lifetime: creation to completion, or to now
// if the session has not completed.
func (s *Session) Duration() time.Duration {
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}

// Clone returns a deep copy. Readers outside the store only ever see clones;
// the live object is mutated exclusively under the store's lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Images != nil {
		c.Images = make([]ImageAttachment, len(s.Images))
		copy(c.Images, s.Images)
	}
	return &c
}

// FeedbackResult is what the agent's blocked call receives on success.
type FeedbackResult struct {
	SessionID    string            `json:"session_id"`
	FeedbackText string            `json:"feedback_text"`
	Images       []ImageAttachment `json:"images"`
}

// CreateSessionRequest carries the agent-supplied fields for a new session.
type CreateSessionRequest struct {
	Summary          string `json:"summary" binding:"required"`
	ProjectDirectory string `json:"project_directory"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// Validate checks the request and normalizes the timeout into its valid
// range, applying the default when unset.
func (r *CreateSessionRequest) Validate() error {
	if r.Summary == "" {
		return ErrSummaryRequired
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if r.TimeoutSeconds < MinTimeoutSeconds || r.TimeoutSeconds > MaxTimeoutSeconds {
		return ErrTimeoutOutOfRange
	}
	return nil
}
