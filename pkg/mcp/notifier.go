package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/plangraph/internal/streaming"
)

const notificationMethod = "notifications/message"

// sender is the part of the MCP server the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// RunNotifier pushes live run events to the session that started the run.
type RunNotifier struct {
	server   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewRunNotifier creates a notifier that pushes through mcpServer.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	return &RunNotifier{server: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends one event as a log message notification.
// Best-effort: returns nil if no session follows the run.
func (n *RunNotifier) Notify(ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return nil
	}
	err := n.server.SendNotificationToSpecificClient(sessionID, notificationMethod, map[string]any{
		"level":  mcp.LoggingLevelInfo,
		"logger": "plangraph",
		"data":   ev,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session closed while the run was in flight.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Watch forwards hub events until ctx is done or the subscription closes.
func (n *RunNotifier) Watch(ctx context.Context, hub streaming.EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := n.Notify(ev); err != nil {
				n.logger.DebugContext(ctx, "run notification dropped",
					slog.String("run_id", ev.RunID), slog.Any("error", err))
			}
		}
	}
}
