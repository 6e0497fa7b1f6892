package service

import (
	"context"
	"time"

	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/tasks"
)

// UsageService 聚合用量事件并提供查询。它同时实现 kafka.UsageProcessor，
// 未启用 Kafka 时也可直接作为 UsagePublisher 使用。
type UsageService interface {
	UsagePublisher
	ProcessUsage(ctx context.Context, event tasks.UsageEvent) error
	Summary(ctx context.Context, user *model.User, days int) ([]model.UsageSummary, error)
	Daily(ctx context.Context, user *model.User, days int) ([]model.UsageDaily, error)
	SummaryAll(ctx context.Context, days int) ([]model.UsageSummary, error)
}

type usageService struct {
	repo repository.UsageRepository
	now  func() time.Time
}

// NewUsageService 创建一个新的 UsageService 实例。
func NewUsageService(repo repository.UsageRepository) UsageService {
	return &usageService{repo: repo, now: time.Now}
}

func (s *usageService) ProcessUsage(ctx context.Context, event tasks.UsageEvent) error {
	return s.repo.Add(ctx, model.UsageDaily{
		UserID:   event.UserID,
		Day:      event.Day(),
		Model:    event.Model,
		Provider: event.Provider,
		Turns:    1,
		Tokens:   int64(event.Tokens),
	})
}

// PublishUsage 同步写入，用于单机部署。
func (s *usageService) PublishUsage(ctx context.Context, event tasks.UsageEvent) error {
	return s.ProcessUsage(ctx, event)
}

func (s *usageService) Summary(ctx context.Context, user *model.User, days int) ([]model.UsageSummary, error) {
	return s.repo.Summary(ctx, user.ID, s.fromDay(days))
}

func (s *usageService) Daily(ctx context.Context, user *model.User, days int) ([]model.UsageDaily, error) {
	return s.repo.ListByUser(ctx, user.ID, s.fromDay(days))
}

func (s *usageService) SummaryAll(ctx context.Context, days int) ([]model.UsageSummary, error) {
	return s.repo.SummaryAll(ctx, s.fromDay(days))
}

func (s *usageService) fromDay(days int) string {
	if days <= 0 {
		days = 30
	}
	return s.now().UTC().AddDate(0, 0, -(days - 1)).Format("2006-01-02")
}
