// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feedback-bridge/backend/internal/history"
	"github.com/feedback-bridge/backend/internal/model"
	"github.com/feedback-bridge/backend/internal/session"
)

// SessionHandler handles HTTP requests for the session core: the polling
// fallback, the HTTP submission path, and the history surface.
type SessionHandler struct {
	store      *session.Store
	aggregator *history.Aggregator
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(store *session.Store, aggregator *history.Aggregator) *SessionHandler {
	return &SessionHandler{
		store:      store,
		aggregator: aggregator,
	}
}

// CurrentSessionResponse is the poll endpoint's payload. Field names are
// part of the deployed protocol.
type CurrentSessionResponse struct {
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	Summary          string `json:"summary"`
	ProjectDirectory string `json:"project_directory"`
	CreatedAt        string `json:"created_at"`
}

// SubmitFeedbackRequest is the HTTP submission body, mirroring the
// submit_feedback wire message.
type SubmitFeedbackRequest struct {
	SessionID string                  `json:"session_id" binding:"required"`
	Feedback  string                  `json:"feedback"`
	Images    []model.ImageAttachment `json:"images"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// GetCurrent handles GET /api/current-session - the polling fallback used by
// tabs whose socket is down, purely to detect session-id changes.
func (h *SessionHandler) GetCurrent(c *gin.Context) {
	sess := h.store.Current()
	if sess == nil {
		sendError(c, http.StatusNotFound, "NO_ACTIVE_SESSION", "No active session")
		return
	}

	c.JSON(http.StatusOK, CurrentSessionResponse{
		SessionID:        sess.ID,
		Status:           string(sess.Status),
		Summary:          sess.Summary,
		ProjectDirectory: sess.ProjectDirectory,
		CreatedAt:        sess.CreatedAt.Format(time.RFC3339),
	})
}

// SubmitFeedback handles POST /api/feedback - the HTTP alternative to the
// submit_feedback wire message, going through the exact same store path.
func (h *SessionHandler) SubmitFeedback(c *gin.Context) {
	var req SubmitFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	err := h.store.SubmitFeedback(req.SessionID, req.Feedback, req.Images)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrValidation):
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Feedback text or images required")
		case errors.Is(err, model.ErrNoActiveSession):
			sendError(c, http.StatusNotFound, "NO_ACTIVE_SESSION", "No active session")
		case errors.Is(err, model.ErrStaleSession):
			sendError(c, http.StatusConflict, "STALE_SESSION", "This request is no longer active")
		case errors.Is(err, model.ErrAlreadySubmitted):
			sendError(c, http.StatusConflict, "ALREADY_SUBMITTED", "This request is no longer active")
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit feedback: "+err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID, "status": "submitted"})
}

// ListHistory handles GET /api/history - every finalized session, newest first.
func (h *SessionHandler) ListHistory(c *gin.Context) {
	entries, err := h.aggregator.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list history: "+err.Error())
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// GetHistoryEntry handles GET /api/history/:id - exports one entry.
func (h *SessionHandler) GetHistoryEntry(c *gin.Context) {
	entry, err := h.aggregator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrEntryNotFound) {
			sendError(c, http.StatusNotFound, "ENTRY_NOT_FOUND", "History entry not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get history entry: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ImportHistory handles POST /api/history/import - re-appends previously
// exported entries (a single object or an array).
func (h *SessionHandler) ImportHistory(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Failed to read request body")
		return
	}
	if err := h.aggregator.Import(data); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid history export: "+err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// ClearHistory handles DELETE /api/history - removes every entry.
func (h *SessionHandler) ClearHistory(c *gin.Context) {
	if err := h.aggregator.ClearAll(c.Request.Context()); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear history: "+err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// ClearHistoryEntry handles DELETE /api/history/:id - removes one entry.
func (h *SessionHandler) ClearHistoryEntry(c *gin.Context) {
	if err := h.aggregator.ClearOne(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, model.ErrEntryNotFound) {
			sendError(c, http.StatusNotFound, "ENTRY_NOT_FOUND", "History entry not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear history entry: "+err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStats handles GET /api/stats - today's derived statistics.
func (h *SessionHandler) GetStats(c *gin.Context) {
	stats, err := h.aggregator.StatsToday(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to compute stats: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/current-session", h.GetCurrent)
	rg.POST("/feedback", h.SubmitFeedback)

	hist := rg.Group("/history")
	{
		hist.GET("", h.ListHistory)
		hist.GET("/:id", h.GetHistoryEntry)
		hist.POST("/import", h.ImportHistory)
		hist.DELETE("", h.ClearHistory)
		hist.DELETE("/:id", h.ClearHistoryEntry)
	}

	rg.GET("/stats", h.GetStats)
}
