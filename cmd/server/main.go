// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polychat-go/internal/config"
	"polychat-go/internal/repository"
	"polychat-go/internal/service"
	"polychat-go/pkg/database"
	"polychat-go/pkg/es"
	"polychat-go/pkg/kafka"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/log"
	"polychat-go/pkg/metrics"
	"polychat-go/pkg/storage"
	"polychat-go/pkg/tika"
	"polychat-go/pkg/token"
)

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("POLYCHAT_CONFIG"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL)
	database.InitRedis(cfg.Database.Redis)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	apiKeyRepo := repository.NewAPIKeyRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	usageRepo := repository.NewUsageRepository(database.DB)
	streamRepo := newStreamRepository(cfg.Stream)

	// 5. 初始化模型网关与指标
	gateway, err := llm.NewGateway(cfg.LLM, apiKeyRepo)
	if err != nil {
		log.Fatal("初始化模型网关失败", err)
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// 6. 可选组件：Elasticsearch 检索、MinIO 导出、Kafka 用量事件
	var searchService service.SearchService
	if cfg.Elasticsearch.Enabled {
		index, err := es.InitES(cfg.Elasticsearch)
		if err != nil {
			log.Errorf("es 初始化失败，消息检索已禁用: %v", err)
		} else {
			searchService = service.NewSearchService(index)
		}
	}
	var exportStore service.ObjectStore
	if cfg.MinIO.Enabled {
		store, err := storage.InitMinIO(cfg.MinIO)
		if err != nil {
			log.Errorf("MinIO 初始化失败，会话导出已禁用: %v", err)
		} else {
			exportStore = store
		}
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	usageService := service.NewUsageService(usageRepo)
	var usagePublisher service.UsagePublisher = usageService
	var kafkaPublisher *kafka.UsagePublisher
	if cfg.Kafka.Enabled {
		kafkaPublisher = kafka.NewUsagePublisher(cfg.Kafka)
		usagePublisher = kafkaPublisher
		go kafka.StartConsumer(rootCtx, cfg.Kafka, usageService, database.RDB)
	}

	// 7. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	userService := service.NewUserService(userRepo, apiKeyRepo, database.RDB, jwtManager, providerLookup(gateway))
	titleService := service.NewTitleService(gateway, conversationRepo, cfg.LLM.TitleModel, cfg.Chat.TitlePlaceholder)
	deps := service.ChatDeps{
		Messages:      messageRepo,
		Conversations: conversationRepo,
		Streams:       streamRepo,
		Gateway:       gateway,
		Titles:        titleService,
		Usage:         usagePublisher,
		Metrics:       m,
		Config:        cfg.Chat,
		SystemPrompt:  cfg.LLM.SystemPrompt,
	}
	if searchService != nil {
		deps.Indexer = searchService
	}
	if cfg.Tika.Enabled {
		deps.Extractor = tika.NewClient(cfg.Tika)
	}
	chatService := service.NewChatService(deps)
	conversationService := service.NewConversationService(conversationRepo, messageRepo, searchService, cfg.Chat.TitlePlaceholder)
	var exportService service.ExportService
	if exportStore != nil {
		exportService = service.NewExportService(conversationService, exportStore)
	}
	adminService := service.NewAdminService(userRepo, usageService, streamRepo)

	// 8. 后台清理过期的流状态
	janitor := service.NewStreamJanitor(streamRepo, cfg.Stream.Retention, cfg.Stream.SweepInterval)
	go janitor.Run(rootCtx)

	// 9. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := setupRouter(routerDeps{
		jwtManager:          jwtManager,
		userService:         userService,
		chatService:         chatService,
		conversationService: conversationService,
		exportService:       exportService,
		searchService:       searchService,
		usageService:        usageService,
		adminService:        adminService,
		gateway:             gateway,
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 流式响应可能持续较长时间，给予 30 秒的收尾时间
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	cancelRoot()
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// newStreamRepository 按配置选择流状态存储。多实例部署必须使用 redis。
func newStreamRepository(cfg config.StreamConfig) repository.StreamStateRepository {
	if cfg.Backend == "memory" {
		log.Warnf("流状态使用内存存储，仅适用于单实例部署")
		return repository.NewMemoryStreamStateRepository(cfg.StateTTL)
	}
	return repository.NewRedisStreamStateRepository(database.RDB, cfg.StateTTL)
}

// providerLookup 返回一个判断供应商是否已注册的函数，用于校验 BYOK 密钥。
func providerLookup(gateway llm.Gateway) func(string) bool {
	return func(name string) bool {
		for _, m := range gateway.ListModels() {
			if m.Provider == name {
				return true
			}
		}
		return false
	}
}
