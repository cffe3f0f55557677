package mysql

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
)

var (
	dbInstance *gorm.DB
	once       sync.Once
	initErr    error
)

// 审计表只承接发布作业的终态写入，连接池无需很大。
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 300 * time.Second
)

// GetDB 使用单例模式初始化并返回一个 GORM 数据库实例。
// 发布 Agent 用它持久化 PublishingJob 审计记录。
func GetDB(cfg *config.MySQLConfig) (*gorm.DB, error) {
	once.Do(func() {
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.Username,
			cfg.Password,
			cfg.Address,
			cfg.Database,
		)

		db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
		if err != nil {
			initErr = fmt.Errorf("无法连接到 MySQL: %w", err)
			return
		}

		// 获取底层 *sql.DB 实例，以便进行连接池配置。
		sqlDB, err := db.DB()
		if err != nil {
			initErr = fmt.Errorf("无法获取底层 SQL DB 实例: %w", err)
			return
		}
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = defaultMaxOpenConns
		}
		maxIdle := cfg.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = defaultMaxIdleConns
		}
		lifetime := time.Duration(cfg.ConnMaxLifetime) * time.Second
		if lifetime <= 0 {
			lifetime = defaultConnMaxLifetime
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxIdle)
		sqlDB.SetConnMaxLifetime(lifetime)

		log.Println("✅ 成功连接到 MySQL!")
		dbInstance = db
	})

	return dbInstance, initErr
}

// Close 安全地关闭单例的数据库连接。
func Close() error {
	if dbInstance != nil {
		sqlDB, err := dbInstance.DB()
		if err != nil {
			return fmt.Errorf("获取底层 SQL DB 实例失败: %w", err)
		}
		return sqlDB.Close()
	}
	return nil
}

// HealthCheck 检查数据库连接的健康状况。
func HealthCheck(ctx context.Context) error {
	if dbInstance == nil {
		return fmt.Errorf("数据库连接未初始化")
	}
	sqlDB, err := dbInstance.DB()
	if err != nil {
		return fmt.Errorf("无法获取底层 SQL DB 实例进行健康检查: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
