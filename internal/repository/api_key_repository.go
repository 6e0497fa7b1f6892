package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"polychat-go/internal/model"
)

// APIKeyRepository 管理用户自带的供应商密钥，同时实现 llm.KeyResolver。
type APIKeyRepository interface {
	Upsert(ctx context.Context, userID uint, provider, apiKey string) error
	Delete(ctx context.Context, userID uint, provider string) error
	ListProviders(ctx context.Context, userID uint) ([]string, error)
	ResolveAPIKey(ctx context.Context, userID uint, provider string) (string, error)
}

type apiKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository 创建一个新的 APIKeyRepository 实例。
func NewAPIKeyRepository(db *gorm.DB) APIKeyRepository {
	return &apiKeyRepository{db: db}
}

func (r *apiKeyRepository) Upsert(ctx context.Context, userID uint, provider, apiKey string) error {
	row := model.UserAPIKey{UserID: userID, Provider: provider, APIKey: apiKey}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "updated_at"}),
	}).Create(&row).Error
}

func (r *apiKeyRepository) Delete(ctx context.Context, userID uint, provider string) error {
	return r.db.WithContext(ctx).Where("user_id = ? AND provider = ?", userID, provider).Delete(&model.UserAPIKey{}).Error
}

func (r *apiKeyRepository) ListProviders(ctx context.Context, userID uint) ([]string, error) {
	var providers []string
	err := r.db.WithContext(ctx).Model(&model.UserAPIKey{}).Where("user_id = ?", userID).
		Order("provider ASC").Pluck("provider", &providers).Error
	return providers, err
}

// ResolveAPIKey 未配置时返回空字符串而不是错误。
func (r *apiKeyRepository) ResolveAPIKey(ctx context.Context, userID uint, provider string) (string, error) {
	var row model.UserAPIKey
	err := r.db.WithContext(ctx).Where("user_id = ? AND provider = ?", userID, provider).First(&row).Error
	if IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.APIKey, nil
}
