package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"polychat-go/internal/service"
	"polychat-go/pkg/log"
)

// UserHandler 负责处理所有与普通用户相关的 API 请求。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// RegisterRequest 定义了用户注册 API 的请求体结构。
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register 处理用户注册请求。
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: Invalid request payload, error: %v", err)
		fail(c, http.StatusBadRequest, "无效的请求负载：用户名和密码不能为空")
		return
	}

	user, err := h.userService.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, "Register", err)
		return
	}

	log.Infof("User '%s' registered successfully", user.Username)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "User registered successfully",
		"data":    user,
	})
}

// LoginRequest 定义了用户登录 API 的请求体结构。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理用户登录请求。
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		fail(c, http.StatusBadRequest, "无效的请求负载：用户名和密码不能为空")
		return
	}

	accessToken, refreshToken, err := h.userService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		log.Warnf("Login: User authentication failed for '%s', error: %v", req.Username, err)
		fail(c, http.StatusUnauthorized, "无效的凭证")
		return
	}

	log.Infof("User '%s' logged in successfully", req.Username)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Login successful",
		"data": gin.H{
			"token":        accessToken,
			"refreshToken": refreshToken,
		},
	})
}

// GetProfile 获取当前登录用户的个人信息。
// 用户信息已经由 AuthMiddleware 注入到上下文中。
func (h *UserHandler) GetProfile(c *gin.Context) {
	ok(c, currentUser(c))
}

// Logout 吊销当前 access token。
func (h *UserHandler) Logout(c *gin.Context) {
	if err := h.userService.Logout(c.Request.Context(), currentClaims(c)); err != nil {
		log.Error("Logout: Failed to logout", err)
		fail(c, http.StatusInternalServerError, "登出失败")
		return
	}
	log.Infof("User '%s' logged out successfully", currentUser(c).Username)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "登出成功", "data": nil})
}

// PersonalizationRequest 是更新个性化设置的请求体。
type PersonalizationRequest struct {
	Personalization string `json:"personalization"`
}

// UpdatePersonalization 更新用户的个性化提示。
func (h *UserHandler) UpdatePersonalization(c *gin.Context) {
	var req PersonalizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "无效的请求负载")
		return
	}
	if err := h.userService.UpdatePersonalization(c.Request.Context(), currentUser(c), req.Personalization); err != nil {
		respondError(c, "UpdatePersonalization", err)
		return
	}
	ok(c, nil)
}

// APIKeyRequest 是设置 BYOK 密钥的请求体。
type APIKeyRequest struct {
	Provider string `json:"provider" binding:"required"`
	APIKey   string `json:"apiKey" binding:"required"`
}

// ListAPIKeys 返回已配置密钥的供应商名称，不返回密钥本身。
func (h *UserHandler) ListAPIKeys(c *gin.Context) {
	providers, err := h.userService.ListAPIKeyProviders(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, "ListAPIKeys", err)
		return
	}
	ok(c, providers)
}

// SetAPIKey 保存或覆盖某个供应商的密钥。
func (h *UserHandler) SetAPIKey(c *gin.Context) {
	var req APIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "无效的请求负载：provider 与 apiKey 不能为空")
		return
	}
	if err := h.userService.SetAPIKey(c.Request.Context(), currentUser(c), req.Provider, req.APIKey); err != nil {
		respondError(c, "SetAPIKey", err)
		return
	}
	ok(c, nil)
}

// DeleteAPIKey 删除某个供应商的密钥。
func (h *UserHandler) DeleteAPIKey(c *gin.Context) {
	if err := h.userService.DeleteAPIKey(c.Request.Context(), currentUser(c), c.Param("provider")); err != nil {
		respondError(c, "DeleteAPIKey", err)
		return
	}
	ok(c, nil)
}
