package database

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"polychat-go/internal/config"
	"polychat-go/internal/model"
	"polychat-go/pkg/log"
)

var DB *gorm.DB

// InitMySQL 初始化关系数据库连接，失败时退出进程。
func InitMySQL(cfg config.MySQLConfig) {
	db, err := Open(cfg)
	if err != nil {
		log.Fatal("failed to connect database", err)
	}
	if cfg.AutoMigrate {
		if err := AutoMigrate(db); err != nil {
			log.Fatal("failed to migrate database", err)
		}
	}
	DB = db
	log.Infof("%s database connected successfully", cfg.Driver)
}

// Open 按驱动类型打开数据库并配置连接池。
func Open(cfg config.MySQLConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "", "mysql":
		db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
		sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
		sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间
		return db, nil
	case "sqlite":
		return OpenSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite 打开 SQLite 数据库。内存库只保留一个连接，否则每个连接都会看到各自独立的库。
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// AutoMigrate 创建或更新全部数据表。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.UserAPIKey{},
		&model.Conversation{},
		&model.Message{},
		&model.UsageDaily{},
	)
}
