package ws

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"messaging-service/internal/fanout"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades clients onto live fan-out subscriptions: one conversation,
// or the whole inbox of a user.
type Handler struct {
	facade    *messaging.Facade
	jwtSecret string
}

// NewHandler constructs a Handler.
func NewHandler(facade *messaging.Facade, jwtSecret string) *Handler {
	return &Handler{facade: facade, jwtSecret: jwtSecret}
}

// HandleConversation streams events of a single conversation.
func (h *Handler) HandleConversation(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID, ok := h.authenticate(c)
	if !ok {
		return
	}

	if err := h.facade.CanAccess(c.Request.Context(), conversationID, userID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for conversation"})
		return
	}

	h.serve(c, "conversation", conversationID, userID, fanout.ConversationScope(conversationID))
}

// HandleInbox streams events of every conversation the user participates in.
func (h *Handler) HandleInbox(c *gin.Context) {
	userID, ok := h.authenticate(c)
	if !ok {
		return
	}
	h.serve(c, "inbox", userID, userID, fanout.UserScope(userID))
}

func (h *Handler) serve(c *gin.Context, kind string, resourceID, userID int64, scope fanout.Scope) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	sub := h.facade.SubscribeLive(scope)

	observability.IncWSActive(kind)
	publishLifecycle(ctx, kind, resourceID, info, "ws_connect", "")

	// Writer: pump subscription events to the socket. When the channel
	// closes because the hub evicted a slow consumer, tell the client to
	// reconcile through the history API before resubscribing.
	go func() {
		defer conn.Close()
		for event := range sub.Events() {
			if err := conn.WriteJSON(event); err != nil {
				publishLifecycle(ctx, kind, resourceID, info, "ws_error", err.Error())
				h.facade.Unsubscribe(sub)
				return
			}
		}
		if sub.Dropped() {
			_ = conn.WriteJSON(gin.H{"type": "subscription_dropped"})
			publishLifecycle(ctx, kind, resourceID, info, "ws_dropped", "subscriber fell behind")
		}
	}()

	// Reader: keepalive until the peer goes away, then release everything.
	go func() {
		var closeReason string
		defer func() {
			h.facade.Unsubscribe(sub)
			observability.DecWSActive(kind)
			publishLifecycle(ctx, kind, resourceID, info, "ws_disconnect", closeReason)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					publishLifecycle(ctx, kind, resourceID, info, "ws_error", closeReason)
				}
				return
			}
		}
	}()
}

func (h *Handler) authenticate(c *gin.Context) (int64, bool) {
	token := c.GetHeader("Authorization")
	if token != "" {
		parts := strings.SplitN(token, " ", 2)
		if len(parts) != 2 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return 0, false
		}
		token = parts[1]
	} else {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return 0, false
	}

	userID, err := middleware.ParseToken(h.jwtSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return 0, false
	}
	return userID, true
}
