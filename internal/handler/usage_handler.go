package handler

import (
	"github.com/gin-gonic/gin"

	"polychat-go/internal/service"
)

// UsageHandler 返回当前用户的 token 用量。
type UsageHandler struct {
	usageService service.UsageService
}

func NewUsageHandler(usageService service.UsageService) *UsageHandler {
	return &UsageHandler{usageService: usageService}
}

// Summary 处理 GET /usage?days=，按模型汇总。
func (h *UsageHandler) Summary(c *gin.Context) {
	summary, err := h.usageService.Summary(c.Request.Context(), currentUser(c), queryInt(c, "days", 30))
	if err != nil {
		respondError(c, "Usage.Summary", err)
		return
	}
	ok(c, summary)
}

// Daily 处理 GET /usage/daily?days=。
func (h *UsageHandler) Daily(c *gin.Context) {
	rows, err := h.usageService.Daily(c.Request.Context(), currentUser(c), queryInt(c, "days", 30))
	if err != nil {
		respondError(c, "Usage.Daily", err)
		return
	}
	ok(c, rows)
}
