package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tutor-chat-go/internal/model"
	"tutor-chat-go/internal/service"
	"tutor-chat-go/pkg/log"
)

// ConversationHandler 处理与对话相关的 REST 请求。所有接口都以 user_secret 确定所有者。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

type createConversationRequest struct {
	UserSecret string            `json:"user_secret"`
	Title      string            `json:"title"`
	History    model.ChatHistory `json:"history"`
}

// CreateConversation 处理 POST /api/chats。
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body: " + err.Error()})
		return
	}

	id, err := h.service.Create(c.Request.Context(), req.UserSecret, req.Title, req.History.Messages, service.SourceREST)
	if err != nil {
		h.fail(c, err, "Failed to save chat")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "title": req.Title, "status": "success"})
}

// ListConversations 处理 GET /api/chats。
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	owner, ok := requireOwner(c)
	if !ok {
		return
	}
	list, err := h.service.List(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, err, "Failed to list chats")
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetConversation 处理 GET /api/chats/:id。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	id, owner, ok := idAndOwner(c)
	if !ok {
		return
	}
	detail, err := h.service.Get(c.Request.Context(), id, owner)
	if err != nil {
		h.fail(c, err, "Failed to get chat")
		return
	}
	c.JSON(http.StatusOK, detail)
}

// DeleteConversation 处理 DELETE /api/chats/:id。
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	id, owner, ok := idAndOwner(c)
	if !ok {
		return
	}
	deleted, err := h.service.Delete(c.Request.Context(), id, owner)
	if err != nil {
		h.fail(c, err, "Failed to delete chat")
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Chat not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateTitle 处理 PUT /api/chats/:id/title?title=...。
func (h *ConversationHandler) UpdateTitle(c *gin.Context) {
	id, owner, ok := idAndOwner(c)
	if !ok {
		return
	}
	title := c.Query("title")
	updatedAt, err := h.service.UpdateTitle(c.Request.Context(), id, owner, title, service.SourceREST)
	if err != nil {
		h.fail(c, err, "Failed to update chat title")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "id": id, "title": title, "updated_at": updatedAt})
}

// fail 将业务错误映射为 HTTP 状态码。
func (h *ConversationHandler) fail(c *gin.Context, err error, message string) {
	switch {
	case service.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case service.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Chat not found"})
	default:
		log.Errorf("%s: %v", message, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": message})
	}
}

func requireOwner(c *gin.Context) (string, bool) {
	owner := c.Query("user_secret")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "user_secret is required"})
		return "", false
	}
	return owner, true
}

func idAndOwner(c *gin.Context) (uint, string, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid chat id"})
		return 0, "", false
	}
	owner, ok := requireOwner(c)
	if !ok {
		return 0, "", false
	}
	return uint(id), owner, true
}
