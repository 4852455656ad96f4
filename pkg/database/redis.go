package database

import (
	"context"

	"github.com/go-redis/redis/v8"

	"tutor-chat-go/internal/config"
	"tutor-chat-go/pkg/log"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接。未配置地址时返回 nil，缓存层随之关闭。
func InitRedis(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		log.Info("未配置 Redis，会话缓存已禁用")
		return nil
	}
	RDB = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := RDB.Ping(context.Background()).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
	return RDB
}
