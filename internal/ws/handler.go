package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/feedback-bridge/backend/internal/model"
	"github.com/feedback-bridge/backend/internal/protocol"
	"github.com/feedback-bridge/backend/pkg/collab"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Submissions may carry
	// base64-encoded images; size limits proper are enforced upstream.
	maxMessageSize = 16 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to localhost; tabs on any local port may attach.
		return true
	},
}

// SessionStore is the slice of the session store the handler needs.
type SessionStore interface {
	Current() *model.Session
	SubmitFeedback(sessionID, text string, images []model.ImageAttachment) error
}

// Handler handles WebSocket connections for feedback sessions.
type Handler struct {
	hub      *Hub
	store    SessionStore
	settings collab.SettingsStore
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler. settings may be nil.
func NewHandler(hub *Hub, store SessionStore, settings collab.SettingsStore, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		store:    store,
		settings: settings,
		logger:   logger.With().Str("component", "ws_handler").Logger(),
	}
}

// HandleConnection upgrades the HTTP connection to WebSocket, registers it
// with the hub, and starts the read and write pumps.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(h.hub, conn)
	h.hub.Register(client)

	sessionID := ""
	if sess := h.store.Current(); sess != nil {
		sessionID = sess.ID
	}
	if frame, err := protocol.NewConnectionEstablished(sessionID); err == nil {
		h.hub.SendTo(client, frame)
	}

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// readPump pumps messages from the WebSocket connection into the dispatch.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		client.TouchHeartbeat()
		return nil
	})

	for {
		_, raw, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("connection_id", client.ID()).Msg("websocket read error")
			}
			break
		}

		msg, err := protocol.DecodeInbound(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				// Forward compatibility: silently drop unknown kinds.
				continue
			}
			h.logger.Warn().Err(err).Str("connection_id", client.ID()).Msg("dropping malformed message")
			h.sendError(client, "VALIDATION_ERROR", "malformed message")
			continue
		}

		h.dispatch(client, msg)
	}
}

// dispatch routes a decoded inbound message. The switch is exhaustive over
// the closed set of client->server kinds.
func (h *Handler) dispatch(client *Client, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.SubmitFeedback:
		h.handleSubmitFeedback(client, m)
	case protocol.Heartbeat:
		client.TouchHeartbeat()
	case protocol.LanguageSwitch:
		h.handleLanguageSwitch(client, m)
	}
}

func (h *Handler) handleSubmitFeedback(client *Client, m protocol.SubmitFeedback) {
	sessionID := client.SessionID()
	if sessionID == "" {
		h.sendError(client, "NO_ACTIVE_SESSION", "this request is no longer active")
		return
	}

	if err := h.store.SubmitFeedback(sessionID, m.Feedback, m.Images); err != nil {
		switch {
		case errors.Is(err, model.ErrNoActiveSession):
			h.sendError(client, "NO_ACTIVE_SESSION", "this request is no longer active")
		case errors.Is(err, model.ErrStaleSession):
			h.sendError(client, "STALE_SESSION", "this request is no longer active")
		case errors.Is(err, model.ErrAlreadySubmitted):
			h.sendError(client, "ALREADY_SUBMITTED", "this request is no longer active")
		case errors.Is(err, model.ErrValidation):
			h.sendError(client, "VALIDATION_ERROR", "feedback text or images required")
		default:
			h.logger.Error().Err(err).Str("session_id", sessionID).Msg("submission failed")
			h.sendError(client, "INTERNAL_ERROR", "submission failed")
		}
		return
	}

	if h.settings != nil && len(m.Settings) > 0 {
		h.persistSettings(m.Settings)
	}
}

func (h *Handler) handleLanguageSwitch(client *Client, m protocol.LanguageSwitch) {
	if m.Language == "" {
		return
	}
	// The session core only relays the switch; string tables belong to the
	// presentation layer.
	frame, err := protocol.Encode(protocol.MessageTypeStatusUpdate, protocol.StatusUpdate{
		Status:  "language_changed",
		Message: m.Language,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode language switch broadcast")
		return
	}
	h.hub.Broadcast(frame)
}

func (h *Handler) persistSettings(settings map[string]any) {
	blob, err := json.Marshal(settings)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode settings blob")
		return
	}
	if err := h.settings.Store(blob); err != nil {
		h.logger.Warn().Err(err).Msg("failed to persist settings blob")
	}
}

func (h *Handler) sendError(client *Client, code, message string) {
	frame, err := protocol.NewError(code, message)
	if err != nil {
		return
	}
	h.hub.SendTo(client, frame)
}

// writePump pumps messages from the client's send queue to the WebSocket
// connection, sending each in its own frame.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the client.
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				if !ok {
					return
				}
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
