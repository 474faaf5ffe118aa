// Package client implements the browser-tab counterpart of the
// synchronization hub: it maintains the socket, falls back to polling, and
// applies session replacements to the visible form without a full reload.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/feedback-bridge/backend/internal/protocol"
)

// SessionSnapshot is the transport-independent "a session exists" fact both
// notifiers deliver. Field names match the poll endpoint's response.
type SessionSnapshot struct {
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	Summary          string `json:"summary"`
	ProjectDirectory string `json:"project_directory"`
	CreatedAt        string `json:"created_at"`
}

// Event is one item on the reconciler's inbound channel.
type Event struct {
	Snapshot *SessionSnapshot
	Status   string // non-session status updates (timeout, processing, ...)
}

// Notifier delivers session-change events over one of the two transports.
// Run blocks until ctx is cancelled or the transport gives up for good;
// transport-level errors are recovered internally and never reach the
// events channel.
type Notifier interface {
	Run(ctx context.Context, events chan<- Event) error
	Name() string
}

// Reconnect/backoff parameters for the push transport.
const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// WSNotifier is the push transport: a WebSocket connection with heartbeat
// emission and exponential-backoff reconnect.
type WSNotifier struct {
	url               string
	heartbeatInterval time.Duration
	maxAttempts       int
	logger            zerolog.Logger
}

// NewWSNotifier creates the push notifier for a ws:// URL.
func NewWSNotifier(url string, heartbeatInterval time.Duration, maxAttempts int, logger zerolog.Logger) *WSNotifier {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 60 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &WSNotifier{
		url:               url,
		heartbeatInterval: heartbeatInterval,
		maxAttempts:       maxAttempts,
		logger:            logger.With().Str("component", "ws_notifier").Logger(),
	}
}

func (n *WSNotifier) Name() string { return "websocket" }

// Run connects and pumps events until ctx is cancelled. After maxAttempts
// consecutive failed connects it returns an error so the reconciler can fall
// back to polling.
func (n *WSNotifier) Run(ctx context.Context, events chan<- Event) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, n.url, nil)
		if err != nil {
			attempts++
			if attempts >= n.maxAttempts {
				return fmt.Errorf("websocket transport exhausted after %d attempts: %w", attempts, err)
			}
			delay := backoffBase << (attempts - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			n.logger.Warn().Err(err).Int("attempt", attempts).Dur("backoff", delay).Msg("connect failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		n.pump(ctx, conn, events)
		conn.Close()
	}
}

// pump reads frames and emits heartbeats until the connection drops.
func (n *WSNotifier) pump(ctx context.Context, conn *websocket.Conn, events chan<- Event) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			n.handleFrame(raw, events)
		}
	}()

	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-done:
			return
		case <-ticker.C:
			frame, err := protocol.Encode(protocol.MessageTypeHeartbeat, protocol.Heartbeat{
				Timestamp: time.Now().Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (n *WSNotifier) handleFrame(raw []byte, events chan<- Event) {
	msg, err := protocol.DecodeOutbound(raw)
	if err != nil {
		// Unknown or malformed frames are dropped; the protocol is
		// forward-compatible by construction.
		return
	}

	switch m := msg.(type) {
	case protocol.SessionUpdated:
		events <- Event{Snapshot: &SessionSnapshot{
			SessionID:        m.SessionID,
			Status:           "waiting",
			Summary:          m.Summary,
			ProjectDirectory: m.ProjectDirectory,
			CreatedAt:        m.Timestamp,
		}}
	case protocol.ConnectionEstablished:
		if m.SessionID != "" {
			events <- Event{Snapshot: &SessionSnapshot{SessionID: m.SessionID}}
		}
	case protocol.FeedbackReceived:
		events <- Event{Status: m.Status}
	case protocol.StatusUpdate:
		events <- Event{Status: m.Status}
	case protocol.ErrorMessage:
		// Server-side rejections surface through the form, not the notifier.
	}
}

// PollNotifier is the fallback transport: periodic polling of the
// session-snapshot endpoint, purely to detect session-id changes. A new poll
// is only scheduled after the previous one settles, so polls never overlap.
type PollNotifier struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

// NewPollNotifier creates the poll notifier for the current-session endpoint.
func NewPollNotifier(url string, interval time.Duration, logger zerolog.Logger) *PollNotifier {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollNotifier{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With().Str("component", "poll_notifier").Logger(),
	}
}

func (n *PollNotifier) Name() string { return "poll" }

// Run polls until ctx is cancelled.
func (n *PollNotifier) Run(ctx context.Context, events chan<- Event) error {
	for {
		snap, err := n.poll(ctx)
		if err != nil {
			n.logger.Debug().Err(err).Msg("poll failed")
		} else if snap != nil {
			events <- Event{Snapshot: snap}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.interval):
		}
	}
}

func (n *PollNotifier) poll(ctx context.Context) (*SessionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil // no active session
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var snap SessionSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
