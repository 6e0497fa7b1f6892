package model

// UsageDaily 按用户、日期、模型聚合的 token 用量。
type UsageDaily struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID   uint   `gorm:"not null;uniqueIndex:idx_usage_key,priority:1" json:"userId"`
	Day      string `gorm:"type:varchar(10);not null;uniqueIndex:idx_usage_key,priority:2" json:"day"` // YYYY-MM-DD
	Model    string `gorm:"type:varchar(128);not null;uniqueIndex:idx_usage_key,priority:3" json:"model"`
	Provider string `gorm:"type:varchar(64)" json:"provider"`
	Turns    int64  `gorm:"not null;default:0" json:"turns"`
	Tokens   int64  `gorm:"not null;default:0" json:"tokens"`
}

func (UsageDaily) TableName() string {
	return "usage_daily"
}

// UsageSummary 是某用户在一段时间内的用量汇总。
type UsageSummary struct {
	Model  string `json:"model"`
	Turns  int64  `json:"turns"`
	Tokens int64  `json:"tokens"`
}
