package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"polychat-go/internal/service"
	"polychat-go/pkg/log"
)

// ConversationHandler 处理会话管理、分享与导出。
type ConversationHandler struct {
	conversationService service.ConversationService
	exportService       service.ExportService
}

// NewConversationHandler 创建一个新的 ConversationHandler。exportService 可以为 nil。
func NewConversationHandler(conversationService service.ConversationService, exportService service.ExportService) *ConversationHandler {
	return &ConversationHandler{conversationService: conversationService, exportService: exportService}
}

// CreateConversationRequest 是创建会话的请求体。
type CreateConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

// Create 处理 POST /conversations。
func (h *ConversationHandler) Create(c *gin.Context) {
	var req CreateConversationRequest
	// 允许空请求体
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badPayload(c, err)
		return
	}
	conv, err := h.conversationService.Create(c.Request.Context(), currentUser(c), req.Title, req.Model)
	if err != nil {
		respondError(c, "Conversation.Create", err)
		return
	}
	ok(c, conv)
}

// List 处理 GET /conversations?page=&size=。
func (h *ConversationHandler) List(c *gin.Context) {
	page := queryInt(c, "page", 1)
	size := queryInt(c, "size", 20)
	convs, total, err := h.conversationService.List(c.Request.Context(), currentUser(c), page, size)
	if err != nil {
		respondError(c, "Conversation.List", err)
		return
	}
	ok(c, gin.H{"content": convs, "totalElements": total, "number": page, "size": size})
}

// Get 处理 GET /conversations/:id。
func (h *ConversationHandler) Get(c *gin.Context) {
	detail, err := h.conversationService.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		respondError(c, "Conversation.Get", err)
		return
	}
	ok(c, detail)
}

// RenameRequest 是重命名会话的请求体。
type RenameRequest struct {
	Title string `json:"title" binding:"required"`
}

// Rename 处理 PATCH /conversations/:id。
func (h *ConversationHandler) Rename(c *gin.Context) {
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "标题不能为空")
		return
	}
	if err := h.conversationService.Rename(c.Request.Context(), currentUser(c), c.Param("id"), req.Title); err != nil {
		respondError(c, "Conversation.Rename", err)
		return
	}
	ok(c, nil)
}

// Delete 处理 DELETE /conversations/:id。
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.conversationService.Delete(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		respondError(c, "Conversation.Delete", err)
		return
	}
	log.Infof("会话已删除: %s", c.Param("id"))
	ok(c, nil)
}

// Share 处理 POST /conversations/:id/share。
func (h *ConversationHandler) Share(c *gin.Context) {
	shareToken, err := h.conversationService.Share(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		respondError(c, "Conversation.Share", err)
		return
	}
	ok(c, gin.H{"shareToken": shareToken})
}

// Unshare 处理 DELETE /conversations/:id/share。
func (h *ConversationHandler) Unshare(c *gin.Context) {
	if err := h.conversationService.Unshare(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		respondError(c, "Conversation.Unshare", err)
		return
	}
	ok(c, nil)
}

// GetShared 处理公开的 GET /share/:token，不需要登录。
func (h *ConversationHandler) GetShared(c *gin.Context) {
	shared, err := h.conversationService.GetShared(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, "Conversation.GetShared", err)
		return
	}
	ok(c, shared)
}

// Export 处理 POST /conversations/:id/export?format=markdown|json。
func (h *ConversationHandler) Export(c *gin.Context) {
	if h.exportService == nil {
		fail(c, http.StatusServiceUnavailable, "导出功能未启用")
		return
	}
	res, err := h.exportService.Export(c.Request.Context(), currentUser(c), c.Param("id"), c.DefaultQuery("format", "markdown"))
	if err != nil {
		respondError(c, "Conversation.Export", err)
		return
	}
	ok(c, res)
}
