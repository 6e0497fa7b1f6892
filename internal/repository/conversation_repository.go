// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"polychat-go/internal/model"
)

// ConversationRepository 定义了会话的持久化操作。
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	// FindByIDForUser 仅返回属于 userID 的会话，否则返回 gorm.ErrRecordNotFound。
	FindByIDForUser(ctx context.Context, id string, userID uint) (*model.Conversation, error)
	FindByShareToken(ctx context.Context, token string) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID uint, offset, limit int) ([]model.Conversation, int64, error)
	// TouchModel 记录最近一轮使用的模型并刷新 updated_at。
	TouchModel(ctx context.Context, id, modelID string) error
	UpdateTitle(ctx context.Context, id, title string) error
	SetShareToken(ctx context.Context, id string, token *string) error
	// Delete 删除会话及其全部消息。
	Delete(ctx context.Context, id string) error
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *conversationRepository) FindByIDForUser(ctx context.Context, id string, userID uint) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) FindByShareToken(ctx context.Context, token string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).Where("share_token = ?", token).First(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) ListByUser(ctx context.Context, userID uint, offset, limit int) ([]model.Conversation, int64, error) {
	var convs []model.Conversation
	var total int64

	db := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("user_id = ?", userID)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := db.Order("updated_at DESC").Offset(offset).Limit(limit).Find(&convs).Error
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

func (r *conversationRepository) TouchModel(ctx context.Context, id, modelID string) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).
		Updates(map[string]interface{}{"model": modelID, "updated_at": time.Now()}).Error
}

func (r *conversationRepository) UpdateTitle(ctx context.Context, id, title string) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).Update("title", title).Error
}

func (r *conversationRepository) SetShareToken(ctx context.Context, id string, token *string) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).Update("share_token", token).Error
}

func (r *conversationRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Conversation{}).Error
	})
}
