package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"estate-chat/internal/middleware"
	"estate-chat/internal/observability"
	"estate-chat/internal/repositories"
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// ThreadWebSocketHandler streams new messages of one conversation.
type ThreadWebSocketHandler struct {
	hub      *Hub
	convRepo repositories.ConversationRepository
	verifier TokenVerifier
	upgrader websocket.Upgrader
}

// NewThreadWebSocketHandler constructs a ThreadWebSocketHandler.
func NewThreadWebSocketHandler(hub *Hub, convRepo repositories.ConversationRepository, verifier TokenVerifier, origins []string) *ThreadWebSocketHandler {
	return &ThreadWebSocketHandler{hub: hub, convRepo: convRepo, verifier: verifier, upgrader: newUpgrader(origins)}
}

// Handle authenticates, checks membership, upgrades and registers the client.
func (h *ThreadWebSocketHandler) Handle(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	if _, err := uuid.Parse(conversationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	ctx, span := otel.Tracer("estate-chat/ws").Start(c.Request.Context(), "ws.thread.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID, err := authenticate(c, h.verifier)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	member, err := h.convRepo.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		h.hub.logger.ErrorContext(ctx, "thread socket membership check failed", "conversation_id", conversationID, "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not verify conversation membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for conversation"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := newConnInfo(c, userID, span.SpanContext().TraceID().String())
	cl := newClient(conn, info)
	cl.start()
	h.hub.addClient(conversationID, cl)

	observability.IncWSActive(kindThread)
	h.hub.publishLifecycle(ctx, kindThread, conversationID, "ws_connect", info, "")

	go func() {
		var closeReason string
		defer func() {
			h.hub.removeClient(conversationID, cl)
			observability.DecWSActive(kindThread)
			h.hub.publishLifecycle(context.Background(), kindThread, conversationID, "ws_disconnect", info, closeReason)
			cl.close(websocket.CloseNormalClosure, "")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.hub.publishLifecycle(context.Background(), kindThread, conversationID, "ws_error", info, closeReason)
				}
				return
			}
		}
	}()
}

// authenticate accepts the token from the Authorization header or, for browsers that cannot
// set headers on a websocket, the token query parameter.
func authenticate(c *gin.Context, verifier TokenVerifier) (string, error) {
	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	if token == "" {
		return "", middleware.ErrInvalidToken
	}
	return verifier.Verify(token)
}

func newConnInfo(c *gin.Context, userID, traceID string) ConnInfo {
	requestID := observability.RequestIDFromContext(c.Request.Context())
	if requestID == "" {
		requestID = observability.RequestIDFromRequest(c.Request)
	}
	return ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
}

func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}
