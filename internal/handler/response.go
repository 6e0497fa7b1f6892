// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"polychat-go/internal/model"
	"polychat-go/internal/service"
	"polychat-go/pkg/log"
	"polychat-go/pkg/token"
)

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

// statusFor 将 service 层的哨兵错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrProviderUnavailable):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError 输出错误响应。5xx 错误只记录日志，不向客户端暴露细节。
func respondError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	fail(c, status, clientMessage(op, status, err))
}

// clientMessage 记录错误并返回可以展示给客户端的文案，500 类错误不暴露内部原因。
func clientMessage(op string, status int, err error) string {
	if status == http.StatusInternalServerError {
		log.Errorf("%s: %v", op, err)
		return "服务器内部错误"
	}
	log.Warnf("%s: %v", op, err)
	return err.Error()
}

// badPayload 返回 400，并带上绑定失败的具体原因。
func badPayload(c *gin.Context, err error) {
	fail(c, http.StatusBadRequest, "无效的请求负载: "+err.Error())
}

// currentUser 取出 AuthMiddleware 注入的用户。
func currentUser(c *gin.Context) *model.User {
	v, exists := c.Get("user")
	if !exists {
		return nil
	}
	user, _ := v.(*model.User)
	return user
}

func currentClaims(c *gin.Context) *token.CustomClaims {
	v, exists := c.Get("claims")
	if !exists {
		return nil
	}
	claims, _ := v.(*token.CustomClaims)
	return claims
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
