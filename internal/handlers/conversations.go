package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
)

// ConversationHandler serves the conversation endpoints.
type ConversationHandler struct {
	facade *messaging.Facade
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(facade *messaging.Facade) *ConversationHandler {
	return &ConversationHandler{facade: facade}
}

// List returns the caller's conversations, newest activity first.
func (h *ConversationHandler) List(c *gin.Context) {
	summaries, err := h.facade.ListConversations(c.Request.Context(), userIDFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// Open finds or creates the conversation for a participant set.
func (h *ConversationHandler) Open(c *gin.Context) {
	var req struct {
		Type         models.ConversationType `json:"type" binding:"required"`
		OrderID      string                  `json:"order_id"`
		Participants []models.ParticipantSpec `json:"participants" binding:"required,min=2"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := userIDFrom(c)
	included := false
	for _, spec := range req.Participants {
		if spec.UserID == userID {
			included = true
			break
		}
	}
	if !included {
		c.JSON(http.StatusForbidden, gin.H{"error": "caller must be a participant"})
		return
	}

	conv, err := h.facade.FindOrCreateConversation(c.Request.Context(), req.Type, req.OrderID, req.Participants)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// Get returns participants plus the newest page of messages.
func (h *ConversationHandler) Get(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	page, err := h.facade.OpenConversation(c.Request.Context(), conversationID, userIDFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// MarkRead zeroes the caller's unread counter for the conversation.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	if err := h.facade.MarkRead(c.Request.Context(), conversationID, userIDFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Archive hides the conversation from listings without deleting history.
func (h *ConversationHandler) Archive(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	if err := h.facade.ArchiveConversation(c.Request.Context(), conversationID, userIDFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TotalUnread returns the badge count across all conversations.
func (h *ConversationHandler) TotalUnread(c *gin.Context) {
	total, err := h.facade.TotalUnread(c.Request.Context(), userIDFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_unread": total})
}
