package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
)

var (
	client  *redis.Client
	once    sync.Once
	initErr error
)

// 幂等键由发布分派循环在每次尝试前读取，连接池按发布 Agent
// 的并发量预留，默认值对单实例部署已足够。
const (
	defaultPoolSize     = 16
	defaultMinIdleConns = 2
)

// GetClient 使用单例模式初始化并返回一个 Redis 客户端实例。
// 发布流水线用它存储外部帖子 ID，作为重复发布的幂等依据。
func GetClient(cfg *config.RedisConfig) (*redis.Client, error) {
	once.Do(func() {
		poolSize := cfg.PoolSize
		if poolSize <= 0 {
			poolSize = defaultPoolSize
		}
		minIdle := cfg.MinIdleConns
		if minIdle <= 0 {
			minIdle = defaultMinIdleConns
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     poolSize,
			MinIdleConns: minIdle,
			DialTimeout:  config.ParseDuration(cfg.DialTimeout, 5*time.Second),
		})

		// 使用 Ping 检查连接是否成功。
		ctx := context.Background()
		if err := rdb.Ping(ctx).Err(); err != nil {
			initErr = fmt.Errorf("无法连接到 Redis: %w", err)
			return
		}

		log.Println("✅ 成功连接到 Redis!")
		client = rdb
	})

	return client, initErr
}

// Close 安全地关闭单例的 Redis 连接。
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// HealthCheck 检查 Redis 连接的健康状况。
func HealthCheck(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("Redis 客户端未初始化")
	}
	return client.Ping(ctx).Err()
}
