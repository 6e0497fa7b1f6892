package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"polychat-go/internal/service"
)

// SearchHandler 处理历史消息的全文检索。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 处理 GET /conversations/search?q=&size=。
func (h *SearchHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		fail(c, http.StatusBadRequest, "查询参数 q 不能为空")
		return
	}
	hits, err := h.searchService.Search(c.Request.Context(), currentUser(c), query, queryInt(c, "size", 10))
	if err != nil {
		respondError(c, "Search", err)
		return
	}
	ok(c, hits)
}
