// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// User 对应 users 表。
type User struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Username string `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	Password string `gorm:"type:varchar(255);not null" json:"-"`
	Role     string `gorm:"type:varchar(20);not null;default:USER" json:"role"` // USER | ADMIN
	// Personalization 是用户自定义的偏好说明，会作为 system 提示发送给模型。
	Personalization string    `gorm:"type:text" json:"personalization"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}

// UserAPIKey 保存用户自带的供应商密钥（BYOK）。
type UserAPIKey struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_user_provider" json:"userId"`
	Provider  string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_user_provider" json:"provider"`
	APIKey    string    `gorm:"type:varchar(512);not null" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (UserAPIKey) TableName() string {
	return "user_api_keys"
}
