package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"estate-chat/internal/directory"
	"estate-chat/internal/models"
	"estate-chat/internal/observability"
)

// ChangeSource hands out change event subscriptions.
type ChangeSource interface {
	Subscribe() (<-chan models.ChangeEvent, func())
}

type directoryCommand struct {
	Type  string `json:"type"`
	Query string `json:"query"`
}

// DirectoryWebSocketHandler streams the viewer's conversation directory and keeps it current.
type DirectoryWebSocketHandler struct {
	hub      *Hub
	loader   directory.Loader
	changes  ChangeSource
	verifier TokenVerifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewDirectoryWebSocketHandler(hub *Hub, loader directory.Loader, changes ChangeSource, verifier TokenVerifier, origins []string, logger *slog.Logger) *DirectoryWebSocketHandler {
	return &DirectoryWebSocketHandler{
		hub:      hub,
		loader:   loader,
		changes:  changes,
		verifier: verifier,
		upgrader: newUpgrader(origins),
		logger:   logger,
	}
}

// Handle upgrades the connection and runs a directory feed until the client goes away.
// Clients may send {"type":"refresh"} to force a full reload and {"type":"filter","query":"..."}
// to narrow the pushed list.
func (h *DirectoryWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("estate-chat/ws").Start(c.Request.Context(), "ws.directory.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	viewerID, err := authenticate(c, h.verifier)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := newConnInfo(c, viewerID, span.SpanContext().TraceID().String())
	cl := newClient(conn, info)
	cl.start()

	observability.IncWSActive(kindDirectory)
	h.hub.publishLifecycle(ctx, kindDirectory, viewerID, "ws_connect", info, "")

	sess := &directorySession{client: cl}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, unsubscribe := h.changes.Subscribe()
	feed := directory.NewFeed(h.loader, viewerID, sess.push, h.logger)

	go func() {
		if err := feed.Run(runCtx, events); err != nil && runCtx.Err() == nil {
			h.logger.Warn("directory feed stopped", "viewer_id", viewerID, "error", err)
		}
	}()

	go func() {
		var closeReason string
		defer func() {
			cancel()
			unsubscribe()
			observability.DecWSActive(kindDirectory)
			h.hub.publishLifecycle(context.Background(), kindDirectory, viewerID, "ws_disconnect", info, closeReason)
			cl.close(websocket.CloseNormalClosure, "")
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.hub.publishLifecycle(context.Background(), kindDirectory, viewerID, "ws_error", info, closeReason)
				}
				return
			}
			var cmd directoryCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			switch cmd.Type {
			case "refresh":
				if err := feed.Reload(runCtx); err != nil {
					h.logger.Warn("directory refresh failed", "viewer_id", viewerID, "error", err)
				}
			case "filter":
				sess.setQuery(cmd.Query)
				_ = feed.Republish(runCtx)
			}
		}
	}()
}

// directorySession applies the client's filter to every snapshot before sending it.
type directorySession struct {
	client *client

	mu    sync.Mutex
	query string
}

func (s *directorySession) setQuery(q string) {
	s.mu.Lock()
	s.query = strings.TrimSpace(q)
	s.mu.Unlock()
}

func (s *directorySession) push(_ context.Context, views []models.ConversationView) error {
	s.mu.Lock()
	q := s.query
	s.mu.Unlock()
	return s.client.sendJSON(models.DirectoryEvent{
		Type:          "directory",
		Conversations: directory.Filter(views, q),
	})
}
