package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"polychat-go/internal/service"
	"polychat-go/pkg/log"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// ListUsers 分页列出用户。
func (h *AdminHandler) ListUsers(c *gin.Context) {
	resp, err := h.adminService.ListUsers(c.Request.Context(), queryInt(c, "page", 1), queryInt(c, "size", 20))
	if err != nil {
		respondError(c, "Admin.ListUsers", err)
		return
	}
	ok(c, resp)
}

// UsageSummary 汇总全部用户的用量。
func (h *AdminHandler) UsageSummary(c *gin.Context) {
	summary, err := h.adminService.UsageSummary(c.Request.Context(), queryInt(c, "days", 30))
	if err != nil {
		respondError(c, "Admin.UsageSummary", err)
		return
	}
	ok(c, summary)
}

// ListStreams 列出未完成的流。
func (h *AdminHandler) ListStreams(c *gin.Context) {
	states, err := h.adminService.ListActiveStreams(c.Request.Context())
	if err != nil {
		respondError(c, "Admin.ListStreams", err)
		return
	}
	ok(c, states)
}

// SweepStreams 清理超过 olderThan（如 "1h"）未活动的流状态。
func (h *AdminHandler) SweepStreams(c *gin.Context) {
	olderThan, err := time.ParseDuration(c.DefaultQuery("olderThan", "1h"))
	if err != nil || olderThan <= 0 {
		fail(c, http.StatusBadRequest, "无效的 olderThan 参数")
		return
	}
	removed, err := h.adminService.SweepStreams(c.Request.Context(), olderThan)
	if err != nil {
		respondError(c, "Admin.SweepStreams", err)
		return
	}
	log.Infof("管理员清理流状态 %d 条", removed)
	ok(c, gin.H{"removed": removed})
}
