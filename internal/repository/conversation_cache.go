package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"tutor-chat-go/internal/model"
	"tutor-chat-go/pkg/log"
)

// cachedConversationRepository 在 Redis 中缓存 Fetch 结果，任何写操作都会先写库再删除缓存。
// 缓存故障只记录日志，不影响主流程。
type cachedConversationRepository struct {
	next        ConversationRepository
	redisClient *redis.Client
	ttl         time.Duration
}

type freshReadKey struct{}

// FreshRead 标记 ctx 上的 Fetch 必须绕过缓存直接读库。
// 读-改-写路径（如标题更新）使用它，避免基于过期缓存覆盖更新的内容。
func FreshRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshReadKey{}, true)
}

func isFreshRead(ctx context.Context) bool {
	v, _ := ctx.Value(freshReadKey{}).(bool)
	return v
}

// NewCachedConversationRepository 用 Redis 读缓存包装 next。redisClient 为 nil 时直接返回 next。
func NewCachedConversationRepository(next ConversationRepository, redisClient *redis.Client, ttl time.Duration) ConversationRepository {
	if redisClient == nil {
		return next
	}
	return &cachedConversationRepository{next: next, redisClient: redisClient, ttl: ttl}
}

// cacheKey 不直接把所有者密钥写进 key。
func cacheKey(id uint, owner string) string {
	sum := sha256.Sum256([]byte(owner))
	return fmt.Sprintf("chat:%d:%s", id, hex.EncodeToString(sum[:8]))
}

func (r *cachedConversationRepository) invalidate(ctx context.Context, id uint, owner string) {
	if err := r.redisClient.Del(ctx, cacheKey(id, owner)).Err(); err != nil {
		log.Warnf("删除会话缓存失败: id=%d, err=%v", id, err)
	}
}

func (r *cachedConversationRepository) Create(ctx context.Context, owner, title string, messages []model.ChatMessage) (uint, error) {
	return r.next.Create(ctx, owner, title, messages)
}

func (r *cachedConversationRepository) Update(ctx context.Context, id uint, owner string, title *string, messages []model.ChatMessage) (time.Time, error) {
	updatedAt, err := r.next.Update(ctx, id, owner, title, messages)
	if err == nil {
		r.invalidate(ctx, id, owner)
	}
	return updatedAt, err
}

func (r *cachedConversationRepository) Fetch(ctx context.Context, id uint, owner string) (*model.ConversationDetail, error) {
	if isFreshRead(ctx) {
		return r.next.Fetch(ctx, id, owner)
	}
	key := cacheKey(id, owner)
	cached, err := r.redisClient.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var detail model.ConversationDetail
		if jsonErr := json.Unmarshal(cached, &detail); jsonErr == nil {
			return &detail, nil
		}
		log.Warnf("会话缓存内容损坏，回源数据库: id=%d", id)
	case err != redis.Nil:
		log.Warnf("读取会话缓存失败: id=%d, err=%v", id, err)
	}

	detail, err := r.next.Fetch(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if data, jsonErr := json.Marshal(detail); jsonErr == nil {
		if setErr := r.redisClient.Set(ctx, key, data, r.ttl).Err(); setErr != nil {
			log.Warnf("写入会话缓存失败: id=%d, err=%v", id, setErr)
		}
	}
	return detail, nil
}

func (r *cachedConversationRepository) List(ctx context.Context, owner string) ([]model.ConversationSummary, error) {
	return r.next.List(ctx, owner)
}

func (r *cachedConversationRepository) Delete(ctx context.Context, id uint, owner string) (bool, error) {
	deleted, err := r.next.Delete(ctx, id, owner)
	if err == nil && deleted {
		r.invalidate(ctx, id, owner)
	}
	return deleted, err
}
