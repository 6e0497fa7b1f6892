package database

import (
	"context"

	"github.com/go-redis/redis/v8"

	"polychat-go/internal/config"
	"polychat-go/pkg/log"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接，用于流状态与 token 黑名单。
func InitRedis(cfg config.RedisConfig) {
	RDB = NewRedisClient(cfg)

	// 测试连接
	if err := RDB.Ping(context.Background()).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}
	log.Info("Redis client connected successfully")
}

// NewRedisClient 创建一个未做连通性检查的 Redis 客户端。
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
