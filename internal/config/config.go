// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Tika          TikaConfig          `mapstructure:"tika"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chat          ChatConfig          `mapstructure:"chat"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储关系数据库的配置。Driver 为 sqlite 时 DSN 为文件路径，便于本地开发。
type MySQLConfig struct {
	Driver      string `mapstructure:"driver"` // mysql | sqlite
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置，用于用量事件。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置，用于消息检索。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于会话导出。
type MinIOConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	URLExpiry       time.Duration `mapstructure:"url_expiry"`
}

// TikaConfig 存储 Apache Tika 的配置，用于提取文档附件的文本。
type TikaConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LLMConfig 存储所有模型供应商的配置。
type LLMConfig struct {
	Providers    []ProviderConfig    `mapstructure:"providers"`
	Generation   LLMGenerationConfig `mapstructure:"generation"`
	SystemPrompt string              `mapstructure:"system_prompt"`
	// TitleModel 为空时使用当前会话的模型生成标题
	TitleModel string `mapstructure:"title_model"`
}

// ProviderConfig 描述一个上游供应商。
// Type 取值: openai | openai-compatible | anthropic | gemini
type ProviderConfig struct {
	Name        string        `mapstructure:"name"`
	Type        string        `mapstructure:"type"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	KeyOptional bool          `mapstructure:"key_optional"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Models      []ModelConfig `mapstructure:"models"`
}

// ModelConfig 描述供应商下的一个模型。
type ModelConfig struct {
	ID            string `mapstructure:"id"`
	Name          string `mapstructure:"name"`
	ContextWindow int    `mapstructure:"context_window"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	Vision        bool   `mapstructure:"vision"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ChatConfig 控制对话编排的行为。
type ChatConfig struct {
	HistoryLimit       int           `mapstructure:"history_limit"`
	CheckpointEvery    int           `mapstructure:"checkpoint_every"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	TitlePlaceholder   string        `mapstructure:"title_placeholder"`
}

// StreamConfig 控制可恢复流状态的存储。
type StreamConfig struct {
	Backend       string        `mapstructure:"backend"` // redis | memory
	StateTTL      time.Duration `mapstructure:"state_ttl"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultChatConfig 返回对话编排的默认配置。
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		HistoryLimit:       50,
		CheckpointEvery:    10,
		CheckpointInterval: 2 * time.Second,
		TitlePlaceholder:   "New Chat",
	}
}

func setDefaults(v *viper.Viper) {
	chat := DefaultChatConfig()
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.mysql.driver", "mysql")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("jwt.refresh_token_expire_days", 7)
	v.SetDefault("kafka.group_id", "polychat-usage-consumer")
	v.SetDefault("elasticsearch.index_name", "chat_messages")
	v.SetDefault("minio.url_expiry", time.Hour)
	v.SetDefault("tika.timeout", 30*time.Second)
	v.SetDefault("chat.history_limit", chat.HistoryLimit)
	v.SetDefault("chat.checkpoint_every", chat.CheckpointEvery)
	v.SetDefault("chat.checkpoint_interval", chat.CheckpointInterval)
	v.SetDefault("chat.title_placeholder", chat.TitlePlaceholder)
	v.SetDefault("stream.backend", "redis")
	v.SetDefault("stream.state_ttl", 24*time.Hour)
	v.SetDefault("stream.retention", time.Hour)
	v.SetDefault("stream.sweep_interval", 10*time.Minute)
	v.SetDefault("metrics.path", "/metrics")
}

// Load 从指定路径读取 YAML 文件并解析为 Config，环境变量可覆盖同名键（如 DATABASE_MYSQL_DSN）。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，并解析到全局 Conf 变量中。失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
