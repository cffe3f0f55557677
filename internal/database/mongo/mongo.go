package mongo

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
)

var (
	client  *mongo.Client
	once    sync.Once
	initErr error
)

// 池上限默认值覆盖编排器的分配、对账与结果回写三条循环的并发写入。
const defaultMaxPoolSize = 32

// GetClient 使用单例模式初始化并返回一个 MongoDB 客户端实例。
// 任务存储是全系统任务所有权的唯一事实来源，所有状态迁移都写到这里。
func GetClient(cfg *config.MongoConfig) (*mongo.Client, error) {
	once.Do(func() {
		maxPool := cfg.MaxPoolSize
		if maxPool == 0 {
			maxPool = defaultMaxPoolSize
		}
		clientOptions := options.Client().
			ApplyURI(cfg.Address).
			SetMaxPoolSize(maxPool).
			SetServerSelectionTimeout(config.ParseDuration(cfg.SelectionTimeout, 10*time.Second)).
			SetRetryWrites(true)
		if cfg.Username != "" && cfg.Password != "" {
			clientOptions.SetAuth(options.Credential{
				Username: cfg.Username,
				Password: cfg.Password,
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c, err := mongo.Connect(ctx, clientOptions)
		if err != nil {
			initErr = fmt.Errorf("无法连接到 MongoDB: %w", err)
			return
		}

		if err = c.Ping(ctx, nil); err != nil {
			initErr = fmt.Errorf("无法 Ping MongoDB: %w", err)
			return
		}

		log.Println("✅ 成功连接到 MongoDB!")
		client = c
	})

	return client, initErr
}

// Close 安全地断开单例的 MongoDB 客户端连接。
func Close(ctx context.Context) error {
	if client != nil {
		return client.Disconnect(ctx)
	}
	return nil
}

// HealthCheck 检查 MongoDB 连接的健康状况。
func HealthCheck(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("MongoDB 客户端未初始化")
	}
	return client.Ping(ctx, nil)
}
