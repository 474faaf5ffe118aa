// Package protocol defines the wire message envelope and the closed set of
// message kinds exchanged between the synchronization hub and its clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/feedback-bridge/backend/internal/model"
)

// MessageType identifies a wire message kind.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeSubmitFeedback MessageType = "submit_feedback"
	MessageTypeHeartbeat      MessageType = "heartbeat"
	MessageTypeLanguageSwitch MessageType = "language_switch"

	// Server -> Client message types
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeSessionUpdated        MessageType = "session_updated"
	MessageTypeFeedbackReceived      MessageType = "feedback_received"
	MessageTypeStatusUpdate          MessageType = "status_update"
	MessageTypeError                 MessageType = "error"
)

// ErrUnknownType marks a message whose type is not in the closed set. Both
// ends ignore such messages for forward compatibility.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the wire format of every message. Fields are never removed
// across versions, only added.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// SubmitFeedback carries a human submission from a browser tab.
type SubmitFeedback struct {
	Feedback string                  `json:"feedback"`
	Images   []model.ImageAttachment `json:"images"`
	Settings map[string]any          `json:"settings,omitempty"`
}

// Heartbeat is the periodic liveness signal from a connection.
type Heartbeat struct {
	Timestamp string `json:"timestamp"`
}

// LanguageSwitch notifies the server of a UI language change.
type LanguageSwitch struct {
	Language string `json:"language"`
}

// ConnectionEstablished is sent once after a connection registers.
type ConnectionEstablished struct {
	SessionID  string `json:"session_id"`
	ServerTime string `json:"server_time"`
}

// SessionUpdated announces that the active session was replaced.
type SessionUpdated struct {
	SessionID        string `json:"session_id"`
	Summary          string `json:"summary"`
	ProjectDirectory string `json:"project_directory"`
	Timestamp        string `json:"timestamp"`
}

// FeedbackReceived acknowledges a submission to all attached tabs.
type FeedbackReceived struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StatusUpdate reports a session status change, including timeouts.
type StatusUpdate struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Progress *int   `json:"progress,omitempty"`
}

// ErrorMessage reports a server-side error to a single connection.
type ErrorMessage struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Inbound is the tagged union of client->server payloads. The dispatch
// boundary switches exhaustively over the concrete types.
type Inbound interface {
	inbound()
}

func (SubmitFeedback) inbound() {}
func (Heartbeat) inbound()      {}
func (LanguageSwitch) inbound() {}

// DecodeInbound parses a raw frame into its typed payload. Unknown types
// return ErrUnknownType; callers drop the frame and carry on.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch env.Type {
	case MessageTypeSubmitFeedback:
		var p SubmitFeedback
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case MessageTypeHeartbeat:
		var p Heartbeat
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
			}
		}
		return p, nil
	case MessageTypeLanguageSwitch:
		var p LanguageSwitch
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	default:
		return nil, ErrUnknownType
	}
}

// Outbound is the tagged union of server->client payloads, decoded on the
// client side of the transport.
type Outbound interface {
	outbound()
}

func (ConnectionEstablished) outbound() {}
func (SessionUpdated) outbound()        {}
func (FeedbackReceived) outbound()      {}
func (StatusUpdate) outbound()          {}
func (ErrorMessage) outbound()          {}

// DecodeOutbound parses a raw server frame into its typed payload. Unknown
// types return ErrUnknownType; clients drop the frame and carry on.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch env.Type {
	case MessageTypeConnectionEstablished:
		var p ConnectionEstablished
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case MessageTypeSessionUpdated:
		var p SessionUpdated
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case MessageTypeFeedbackReceived:
		var p FeedbackReceived
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case MessageTypeStatusUpdate:
		var p StatusUpdate
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case MessageTypeError:
		var p ErrorMessage
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	default:
		return nil, ErrUnknownType
	}
}

// Encode wraps a payload in the envelope with the current timestamp.
func Encode(t MessageType, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{
		Type:      t,
		Data:      payload,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// NewSessionUpdated builds the broadcast frame for a session replacement.
func NewSessionUpdated(s *model.Session) ([]byte, error) {
	return Encode(MessageTypeSessionUpdated, SessionUpdated{
		SessionID:        s.ID,
		Summary:          s.Summary,
		ProjectDirectory: s.ProjectDirectory,
		Timestamp:        time.Now().Format(time.RFC3339),
	})
}

// NewConnectionEstablished builds the welcome frame for a new connection.
// sessionID is empty when no session is active yet.
func NewConnectionEstablished(sessionID string) ([]byte, error) {
	return Encode(MessageTypeConnectionEstablished, ConnectionEstablished{
		SessionID:  sessionID,
		ServerTime: time.Now().Format(time.RFC3339),
	})
}

// NewFeedbackReceived builds the submission acknowledgment frame.
func NewFeedbackReceived(sessionID string, status model.SessionStatus, message string) ([]byte, error) {
	return Encode(MessageTypeFeedbackReceived, FeedbackReceived{
		SessionID: sessionID,
		Status:    string(status),
		Message:   message,
	})
}

// NewStatusUpdate builds a status change frame.
func NewStatusUpdate(status model.SessionStatus, message string) ([]byte, error) {
	return Encode(MessageTypeStatusUpdate, StatusUpdate{
		Status:  string(status),
		Message: message,
	})
}

// NewError builds an error frame for a single connection.
func NewError(code, message string) ([]byte, error) {
	return Encode(MessageTypeError, ErrorMessage{
		ErrorCode: code,
		Message:   message,
	})
}
