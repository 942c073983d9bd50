package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/offline-hub/offline-hub/internal/config"
)

// NewBackend 根据全局配置选择分区后端，redis 后端会在启动时 Ping 一次以尽早暴露连接问题。
func NewBackend(ctx context.Context, cfg config.GlobalConfig) (Backend, error) {
	switch cfg.StorageBackend {
	case "", config.StorageBackendFS:
		return NewFileBackend(cfg.StoragePath, cfg.MaxStorageSize)
	case config.StorageBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return NewRedisBackend(client, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}
