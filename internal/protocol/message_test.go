package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/feedback-bridge/backend/internal/model"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Inbound
		wantErr error
	}{
		{
			name: "submit_feedback",
			raw:  `{"type":"submit_feedback","data":{"feedback":"looks good"},"timestamp":"2026-01-01T00:00:00Z"}`,
			want: SubmitFeedback{Feedback: "looks good"},
		},
		{
			name: "heartbeat with payload",
			raw:  `{"type":"heartbeat","data":{"timestamp":"2026-01-01T00:00:00Z"},"timestamp":"2026-01-01T00:00:00Z"}`,
			want: Heartbeat{Timestamp: "2026-01-01T00:00:00Z"},
		},
		{
			name: "heartbeat without payload",
			raw:  `{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z"}`,
			want: Heartbeat{},
		},
		{
			name: "language_switch",
			raw:  `{"type":"language_switch","data":{"language":"zh-CN"},"timestamp":"2026-01-01T00:00:00Z"}`,
			want: LanguageSwitch{Language: "zh-CN"},
		},
		{
			name:    "unknown type is ignored",
			raw:     `{"type":"telemetry_v2","data":{},"timestamp":"2026-01-01T00:00:00Z"}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "malformed envelope",
			raw:     `{"type":`,
			wantErr: errAny,
		},
		{
			name:    "malformed payload",
			raw:     `{"type":"submit_feedback","data":"not-an-object"}`,
			wantErr: errAny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.raw))
			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if tt.wantErr != errAny && !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeInbound failed: %v", err)
			}
			checkInbound(t, got, tt.want)
		})
	}
}

// errAny marks table rows where any error is acceptable.
var errAny = errors.New("any error")

func checkInbound(t *testing.T, got, want Inbound) {
	t.Helper()
	switch w := want.(type) {
	case SubmitFeedback:
		g, ok := got.(SubmitFeedback)
		if !ok {
			t.Fatalf("Expected SubmitFeedback, got %T", got)
		}
		if g.Feedback != w.Feedback {
			t.Errorf("Expected feedback '%s', got '%s'", w.Feedback, g.Feedback)
		}
	case Heartbeat:
		g, ok := got.(Heartbeat)
		if !ok {
			t.Fatalf("Expected Heartbeat, got %T", got)
		}
		if g.Timestamp != w.Timestamp {
			t.Errorf("Expected timestamp '%s', got '%s'", w.Timestamp, g.Timestamp)
		}
	case LanguageSwitch:
		g, ok := got.(LanguageSwitch)
		if !ok {
			t.Fatalf("Expected LanguageSwitch, got %T", got)
		}
		if g.Language != w.Language {
			t.Errorf("Expected language '%s', got '%s'", w.Language, g.Language)
		}
	}
}

func TestDecodeOutbound(t *testing.T) {
	t.Run("session_updated", func(t *testing.T) {
		raw, err := NewSessionUpdated(&model.Session{
			ID:               "abc",
			Summary:          "refactored the parser",
			ProjectDirectory: "/srv/app",
		})
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}

		got, err := DecodeOutbound(raw)
		if err != nil {
			t.Fatalf("DecodeOutbound failed: %v", err)
		}
		p, ok := got.(SessionUpdated)
		if !ok {
			t.Fatalf("Expected SessionUpdated, got %T", got)
		}
		if p.SessionID != "abc" || p.Summary != "refactored the parser" {
			t.Errorf("Round trip mismatch: %+v", p)
		}
	})

	t.Run("error frame", func(t *testing.T) {
		raw, err := NewError("STALE_SESSION", "this request is no longer active")
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		got, err := DecodeOutbound(raw)
		if err != nil {
			t.Fatalf("DecodeOutbound failed: %v", err)
		}
		p, ok := got.(ErrorMessage)
		if !ok {
			t.Fatalf("Expected ErrorMessage, got %T", got)
		}
		if p.ErrorCode != "STALE_SESSION" {
			t.Errorf("Expected code STALE_SESSION, got %s", p.ErrorCode)
		}
	})

	t.Run("unknown type is ignored", func(t *testing.T) {
		_, err := DecodeOutbound([]byte(`{"type":"shiny_new_thing","data":{}}`))
		if !errors.Is(err, ErrUnknownType) {
			t.Errorf("Expected ErrUnknownType, got %v", err)
		}
	})
}

func TestEnvelopeCarriesTimestamp(t *testing.T) {
	raw, err := Encode(MessageTypeStatusUpdate, StatusUpdate{Status: "waiting"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Failed to unmarshal envelope: %v", err)
	}
	if env.Timestamp == "" {
		t.Error("Envelope timestamp must be set")
	}
	if env.Type != MessageTypeStatusUpdate {
		t.Errorf("Expected type status_update, got %s", env.Type)
	}
}

func TestSubmitFeedbackRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("submit_feedback survives encode/decode", prop.ForAll(
		func(feedback string, imageCount int) bool {
			images := make([]model.ImageAttachment, imageCount)
			for i := range images {
				images[i] = model.ImageAttachment{
					Name:      "shot.png",
					MediaType: "image/png",
					Data:      "aGVsbG8=",
				}
			}
			raw, err := Encode(MessageTypeSubmitFeedback, SubmitFeedback{
				Feedback: feedback,
				Images:   images,
			})
			if err != nil {
				return false
			}
			decoded, err := DecodeInbound(raw)
			if err != nil {
				return false
			}
			p, ok := decoded.(SubmitFeedback)
			if !ok {
				return false
			}
			return p.Feedback == feedback && len(p.Images) == imageCount
		},
		gen.AnyString(),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
