package model

import "time"

// PrivacyLevel controls how much submitted content a history entry retains.
type PrivacyLevel string

const (
	// PrivacyFull retains feedback content and image metadata.
	PrivacyFull PrivacyLevel = "full"
	// PrivacyBasic retains only lengths and counts.
	PrivacyBasic PrivacyLevel = "basic"
	// PrivacyDisabled retains only the submission timestamp.
	PrivacyDisabled PrivacyLevel = "disabled"
)

// Valid reports whether p is one of the known privacy levels.
func (p PrivacyLevel) Valid() bool {
	switch p {
	case PrivacyFull, PrivacyBasic, PrivacyDisabled:
		return true
	}
	return false
}

// ImageMeta describes a submitted image without its payload.
type ImageMeta struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	SizeBytes int    `json:"size_bytes"`
}

// UserMessage is one privacy-gated record of user-submitted content. Which
// fields are populated depends on the privacy level in effect at capture
// time; Timestamp is always present.
type UserMessage struct {
	Timestamp     time.Time   `json:"timestamp"`
	Content       string      `json:"content,omitempty"`
	ContentLength int         `json:"content_length,omitempty"`
	ImageCount    int         `json:"image_count,omitempty"`
	Images        []ImageMeta `json:"images,omitempty"`
}

// HistoryEntry is an immutable snapshot of a finalized session.
type HistoryEntry struct {
	SessionID        string        `json:"session_id"`
	Status           SessionStatus `json:"status"`
	Summary          string        `json:"summary"`
	ProjectDirectory string        `json:"project_directory"`
	ErrorReason      string        `json:"error_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	DurationSeconds  float64       `json:"duration"`
	PrivacyLevel     PrivacyLevel  `json:"privacy_level"`
	UserMessages     []UserMessage `json:"user_messages,omitempty"`
}

// NewHistoryEntry snapshots a finalized session, gating user-submitted
// content by the privacy level in effect at capture time.
func NewHistoryEntry(s *Session, level PrivacyLevel) HistoryEntry {
	if !level.Valid() {
		level = PrivacyFull
	}

	completed := time.Now()
	if s.CompletedAt != nil {
		completed = *s.CompletedAt
	}

	entry := HistoryEntry{
		SessionID:        s.ID,
		Status:           s.Status,
		Summary:          s.Summary,
		ProjectDirectory: s.ProjectDirectory,
		ErrorReason:      s.ErrorReason,
		CreatedAt:        s.CreatedAt,
		CompletedAt:      completed,
		DurationSeconds:  completed.Sub(s.CreatedAt).Seconds(),
		PrivacyLevel:     level,
	}

	// A session that never received feedback has no user message to record.
	if s.FeedbackText == "" && len(s.Images) == 0 {
		return entry
	}

	msg := UserMessage{Timestamp: completed}
	switch level {
	case PrivacyFull:
		msg.Content = s.FeedbackText
		msg.ContentLength = len(s.FeedbackText)
		msg.ImageCount = len(s.Images)
		for _, img := range s.Images {
			msg.Images = append(msg.Images, ImageMeta{
				Name:      img.Name,
				MediaType: img.MediaType,
				SizeBytes: img.SizeBytes,
			})
		}
	case PrivacyBasic:
		msg.ContentLength = len(s.FeedbackText)
		msg.ImageCount = len(s.Images)
	case PrivacyDisabled:
		// Timestamp only.
	}
	entry.UserMessages = []UserMessage{msg}

	return entry
}
