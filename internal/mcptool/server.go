// Package mcptool exposes the agent-facing call contract as an MCP tool on
// a stdio server: the agent submits a work summary and blocks until the
// human responds.
package mcptool

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/feedback-bridge/backend/internal/model"
	"github.com/feedback-bridge/backend/internal/session"
	"github.com/feedback-bridge/backend/pkg/collab"
)

// Version is reported in the MCP handshake.
const Version = "1.0.0"

// Server wraps the MCP stdio server around the session store.
type Server struct {
	mcp            *server.MCPServer
	store          *session.Store
	opener         collab.SurfaceOpener
	webURL         string
	defaultTimeout int
	logger         zerolog.Logger
}

// NewServer creates the MCP server and registers the interactive_feedback
// tool. opener is asked to open webURL (the feedback form) when a request
// arrives; pass collab.NopSurfaceOpener to skip. defaultTimeout applies when
// the agent omits timeout_seconds; zero falls back to the model default.
func NewServer(store *session.Store, opener collab.SurfaceOpener, webURL string, defaultTimeout int, logger zerolog.Logger) *Server {
	s := &Server{
		store:          store,
		opener:         opener,
		webURL:         webURL,
		defaultTimeout: defaultTimeout,
		logger:         logger.With().Str("component", "mcp").Logger(),
	}

	s.mcp = server.NewMCPServer("feedback-bridge", Version, server.WithToolCapabilities(false))

	tool := mcp.NewTool("interactive_feedback",
		mcp.WithDescription("Present a work summary to the human operator and block until they respond with feedback text and optional images."),
		mcp.WithString("summary",
			mcp.Required(),
			mcp.Description("Summary of the work performed, shown to the human."),
		),
		mcp.WithString("project_directory",
			mcp.Description("Project directory the work applies to."),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("How long to wait for a response, 30-7200 seconds (default 600)."),
		),
	)

	s.mcp.AddTool(tool, s.handleInteractiveFeedback)
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleInteractiveFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectDir := req.GetString("project_directory", "")
	timeoutSeconds := req.GetInt("timeout_seconds", s.defaultTimeout)

	if err := s.opener.OpenSurface(s.webURL); err != nil {
		s.logger.Warn().Err(err).Str("url", s.webURL).Msg("failed to open feedback surface")
	}

	result, err := s.store.RequestFeedback(ctx, summary, projectDir, timeoutSeconds)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrTimeout):
			return mcp.NewToolResultError("timed out waiting for feedback"), nil
		case errors.Is(err, model.ErrSuperseded):
			return mcp.NewToolResultError("feedback request superseded by a newer request"), nil
		case errors.Is(err, model.ErrSummaryRequired), errors.Is(err, model.ErrTimeoutOutOfRange):
			return mcp.NewToolResultError(err.Error()), nil
		default:
			return nil, fmt.Errorf("feedback request failed: %w", err)
		}
	}

	content := []mcp.Content{
		mcp.TextContent{Type: "text", Text: result.FeedbackText},
	}
	for _, img := range result.Images {
		content = append(content, mcp.ImageContent{
			Type:     "image",
			Data:     img.Data,
			MIMEType: img.MediaType,
		})
	}

	return &mcp.CallToolResult{Content: content}, nil
}
