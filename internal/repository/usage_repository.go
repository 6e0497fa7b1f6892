package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"polychat-go/internal/model"
)

// UsageRepository 维护按天聚合的用量。
type UsageRepository interface {
	// Add 将一次用量累加到 (user, day, model) 行上，行不存在时创建。
	Add(ctx context.Context, delta model.UsageDaily) error
	ListByUser(ctx context.Context, userID uint, fromDay string) ([]model.UsageDaily, error)
	Summary(ctx context.Context, userID uint, fromDay string) ([]model.UsageSummary, error)
	// SummaryAll 汇总所有用户，供管理端使用。
	SummaryAll(ctx context.Context, fromDay string) ([]model.UsageSummary, error)
}

type usageRepository struct {
	db *gorm.DB
}

// NewUsageRepository 创建一个新的 UsageRepository 实例。
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

func (r *usageRepository) Add(ctx context.Context, delta model.UsageDaily) error {
	row := delta
	row.ID = 0
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "day"}, {Name: "model"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"turns":    gorm.Expr("turns + ?", delta.Turns),
			"tokens":   gorm.Expr("tokens + ?", delta.Tokens),
			"provider": delta.Provider,
		}),
	}).Create(&row).Error
}

func (r *usageRepository) ListByUser(ctx context.Context, userID uint, fromDay string) ([]model.UsageDaily, error) {
	var rows []model.UsageDaily
	err := r.db.WithContext(ctx).Where("user_id = ? AND day >= ?", userID, fromDay).
		Order("day ASC, model ASC").Find(&rows).Error
	return rows, err
}

func (r *usageRepository) Summary(ctx context.Context, userID uint, fromDay string) ([]model.UsageSummary, error) {
	return r.summary(r.db.WithContext(ctx).Where("user_id = ? AND day >= ?", userID, fromDay))
}

func (r *usageRepository) SummaryAll(ctx context.Context, fromDay string) ([]model.UsageSummary, error) {
	return r.summary(r.db.WithContext(ctx).Where("day >= ?", fromDay))
}

func (r *usageRepository) summary(db *gorm.DB) ([]model.UsageSummary, error) {
	var out []model.UsageSummary
	err := db.Model(&model.UsageDaily{}).
		Select("model, SUM(turns) AS turns, SUM(tokens) AS tokens").
		Group("model").
		Order("tokens DESC").
		Scan(&out).Error
	return out, err
}
