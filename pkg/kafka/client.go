// Package kafka 提供了与 Kafka 消息队列交互的功能，用于异步汇总用量事件。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"polychat-go/internal/config"
	"polychat-go/pkg/log"
	"polychat-go/pkg/tasks"
)

// maxAttempts 之后放弃处理并提交 offset。
const maxAttempts = 3

// UsageProcessor 处理一条用量事件，解耦消费者与具体的聚合实现。
type UsageProcessor interface {
	ProcessUsage(ctx context.Context, event tasks.UsageEvent) error
}

// UsagePublisher 将用量事件写入 Kafka。
type UsagePublisher struct {
	writer *kafka.Writer
}

// NewUsagePublisher 初始化 Kafka 生产者。
func NewUsagePublisher(cfg config.KafkaConfig) *UsagePublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	log.Info("Kafka 生产者初始化成功")
	return &UsagePublisher{writer: w}
}

// PublishUsage 以用户 ID 作为分区键发送事件，保证同一用户的事件有序。
func (p *UsagePublisher) PublishUsage(ctx context.Context, event tasks.UsageEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", event.UserID)),
		Value: value,
	})
}

// Close 关闭生产者并刷新缓冲区。
func (p *UsagePublisher) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动用量事件消费者，阻塞直到 ctx 取消。rdb 用于记录失败次数，可以为 nil。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor UsageProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		if handleMessage(ctx, m.Value, processor, rdb) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

// handleMessage 处理一条消息，返回是否应该提交 offset。
func handleMessage(ctx context.Context, value []byte, processor UsageProcessor, rdb *redis.Client) bool {
	var event tasks.UsageEvent
	if err := json.Unmarshal(value, &event); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", event.EventID)
	if err := processor.ProcessUsage(ctx, event); err != nil {
		log.Errorf("处理用量事件失败: event=%s, Error: %v", event.EventID, err)
		if rdb == nil {
			return false
		}
		attempts, incErr := rdb.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return false
		}
		_ = rdb.Expire(ctx, attemptsKey, 24*time.Hour).Err()
		if attempts >= maxAttempts {
			log.Errorf("用量事件多次失败(>=%d)，提交 offset 终止重试: event=%s", maxAttempts, event.EventID)
			return true
		}
		return false
	}

	if rdb != nil {
		_ = rdb.Del(ctx, attemptsKey).Err()
	}
	return true
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
