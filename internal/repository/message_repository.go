package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"polychat-go/internal/model"
)

// MessageRepository 定义了消息的持久化操作。
type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	FindByID(ctx context.Context, id string) (*model.Message, error)
	// ListRecent 返回会话中最近 limit 条消息，按 Seq 升序。
	ListRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	// ListBefore 返回 Seq 小于 beforeSeq 的最近 limit 条消息，按 Seq 升序。
	ListBefore(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]model.Message, error)
	// FindPrecedingUser 查找 beforeSeq 之前最近的一条用户消息，不存在时返回 gorm.ErrRecordNotFound。
	FindPrecedingUser(ctx context.Context, conversationID string, beforeSeq int64) (*model.Message, error)
	UpdateContent(ctx context.Context, id, content string, tokenCount int) error
	UpdateMetadata(ctx context.Context, id string, meta model.MessageMetadata) error
	// Finalize 写入最终内容、token 数、所用模型与元数据。
	Finalize(ctx context.Context, id, content string, tokenCount int, modelID string, meta model.MessageMetadata) error
	// Reset 清空消息内容与 token 数并替换元数据，用于重新生成。
	Reset(ctx context.Context, id string, meta model.MessageMetadata) error
	Delete(ctx context.Context, ids ...string) error
	CountByConversation(ctx context.Context, conversationID string) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Create 在事务内分配会话内的下一个 Seq 并插入消息。
func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		err := tx.Model(&model.Message{}).
			Where("conversation_id = ?", msg.ConversationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("failed to allocate message seq: %w", err)
		}
		msg.Seq = maxSeq + 1
		return tx.Create(msg).Error
	})
}

func (r *messageRepository) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (r *messageRepository) ListBefore(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND seq < ?", conversationID, beforeSeq).
		Order("seq DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) FindPrecedingUser(ctx context.Context, conversationID string, beforeSeq int64) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND seq < ? AND role = ?", conversationID, beforeSeq, model.RoleUser).
		Order("seq DESC").
		First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) UpdateContent(ctx context.Context, id, content string, tokenCount int) error {
	return r.updates(ctx, id, map[string]interface{}{
		"content":     content,
		"token_count": tokenCount,
	})
}

func (r *messageRepository) UpdateMetadata(ctx context.Context, id string, meta model.MessageMetadata) error {
	return r.updates(ctx, id, map[string]interface{}{
		"metadata": newMetadata(meta),
	})
}

func (r *messageRepository) Finalize(ctx context.Context, id, content string, tokenCount int, modelID string, meta model.MessageMetadata) error {
	return r.updates(ctx, id, map[string]interface{}{
		"content":     content,
		"token_count": tokenCount,
		"model":       modelID,
		"metadata":    newMetadata(meta),
	})
}

func (r *messageRepository) Reset(ctx context.Context, id string, meta model.MessageMetadata) error {
	return r.updates(ctx, id, map[string]interface{}{
		"content":     "",
		"token_count": 0,
		"metadata":    newMetadata(meta),
	})
}

func (r *messageRepository) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Message{}).Error
}

func (r *messageRepository) CountByConversation(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("conversation_id = ?", conversationID).Count(&n).Error
	return n, err
}

func (r *messageRepository) updates(ctx context.Context, id string, values map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).Updates(values).Error
}

func newMetadata(meta model.MessageMetadata) datatypes.JSONType[model.MessageMetadata] {
	return datatypes.NewJSONType(meta)
}

func reverse(msgs []model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// IsNotFound 判断错误是否为记录不存在。
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
