package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
)

// MessageHandler serves the per-conversation message endpoints.
type MessageHandler struct {
	facade *messaging.Facade
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(facade *messaging.Facade) *MessageHandler {
	return &MessageHandler{facade: facade}
}

// ListPage pages through history. An empty cursor yields the newest page;
// the returned next_cursor walks into the past.
func (h *MessageHandler) ListPage(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	messages, next, err := h.facade.LoadMore(c.Request.Context(), conversationID, userIDFrom(c), c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "next_cursor": next})
}

// Post sends a message. The HTTP caller gets an ephemeral session: the send
// is optimistic internally, but the response waits for the terminal state.
func (h *MessageHandler) Post(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Content models.MessageContent `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := messaging.NewSession(userIDFrom(c))
	pending, err := h.facade.Send(c.Request.Context(), session, conversationID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	msg, err := pending.Wait(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg, "correlation_id": pending.CorrelationID})
}

// Edit replaces a message's content; sender only.
func (h *MessageHandler) Edit(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Content models.MessageContent `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.facade.EditMessage(c.Request.Context(), conversationID, userIDFrom(c), messageID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// Delete soft-deletes a message; sender only.
func (h *MessageHandler) Delete(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}

	if err := h.facade.DeleteMessage(c.Request.Context(), conversationID, userIDFrom(c), messageID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Search matches a substring against the conversation's text messages.
func (h *MessageHandler) Search(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	messages, err := h.facade.Search(c.Request.Context(), conversationID, userIDFrom(c), query, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
