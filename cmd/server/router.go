package main

import (
	"github.com/gin-gonic/gin"

	"polychat-go/internal/handler"
	"polychat-go/internal/middleware"
	"polychat-go/internal/service"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/token"
)

type routerDeps struct {
	jwtManager          *token.JWTManager
	userService         service.UserService
	chatService         service.ChatService
	conversationService service.ConversationService
	exportService       service.ExportService
	searchService       service.SearchService
	usageService        service.UsageService
	adminService        service.AdminService
	gateway             llm.Gateway
}

func setupRouter(d routerDeps) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	auth := middleware.AuthMiddleware(d.jwtManager, d.userService)
	userHandler := handler.NewUserHandler(d.userService)
	chatHandler := handler.NewChatHandler(d.chatService, d.userService, d.jwtManager)
	conversationHandler := handler.NewConversationHandler(d.conversationService, d.exportService)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/auth/refreshToken", handler.NewAuthHandler(d.userService).RefreshToken)

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(auth)
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
				authed.PUT("/personalization", userHandler.UpdatePersonalization)
				authed.GET("/api-keys", userHandler.ListAPIKeys)
				authed.PUT("/api-keys", userHandler.SetAPIKey)
				authed.DELETE("/api-keys/:provider", userHandler.DeleteAPIKey)
			}
		}

		apiV1.GET("/models", auth, handler.NewModelHandler(d.gateway).List)

		chat := apiV1.Group("/chat")
		{
			chat.POST("/send", auth, chatHandler.Send)
			chat.POST("/retry", auth, chatHandler.Retry)
			chat.POST("/resume", auth, chatHandler.Resume)
			chat.GET("/streams/:id", auth, chatHandler.GetStream)
			// WebSocket 通过路径携带 token 自行认证
			chat.GET("/ws/:token", chatHandler.Handle)
		}

		conversations := apiV1.Group("/conversations")
		conversations.Use(auth)
		{
			if d.searchService != nil {
				conversations.GET("/search", handler.NewSearchHandler(d.searchService).Search)
			}
			conversations.POST("", conversationHandler.Create)
			conversations.GET("", conversationHandler.List)
			conversations.GET("/:id", conversationHandler.Get)
			conversations.PATCH("/:id", conversationHandler.Rename)
			conversations.DELETE("/:id", conversationHandler.Delete)
			conversations.POST("/:id/share", conversationHandler.Share)
			conversations.DELETE("/:id/share", conversationHandler.Unshare)
			conversations.POST("/:id/export", conversationHandler.Export)
		}
		apiV1.GET("/share/:token", conversationHandler.GetShared)


		usage := apiV1.Group("/usage")
		usage.Use(auth)
		{
			usageHandler := handler.NewUsageHandler(d.usageService)
			usage.GET("", usageHandler.Summary)
			usage.GET("/daily", usageHandler.Daily)
		}

		admin := apiV1.Group("/admin")
		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin.Use(auth, middleware.AdminAuthMiddleware())
		{
			adminHandler := handler.NewAdminHandler(d.adminService)
			admin.GET("/users/list", adminHandler.ListUsers)
			admin.GET("/usage", adminHandler.UsageSummary)
			admin.GET("/streams", adminHandler.ListStreams)
			admin.POST("/streams/sweep", adminHandler.SweepStreams)
		}
	}
	return r
}
