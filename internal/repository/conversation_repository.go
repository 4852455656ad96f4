// Package repository 提供了数据访问层的实现。
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"tutor-chat-go/internal/model"
	"tutor-chat-go/pkg/metrics"
)

// ErrConversationNotFound 表示 (id, owner) 不匹配。会话不存在与属于其他所有者
// 返回同一个错误，避免泄露会话是否存在。
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository 定义了会话的持久化操作，所有操作都以 (id, owner) 为作用域。
type ConversationRepository interface {
	Create(ctx context.Context, owner, title string, messages []model.ChatMessage) (uint, error)
	// Update 整体覆盖标题和/或内容；两者都为 nil 时只刷新 updated_at。
	Update(ctx context.Context, id uint, owner string, title *string, messages []model.ChatMessage) (time.Time, error)
	// Fetch 返回按时间戳升序排列、去掉 system 消息的会话。
	Fetch(ctx context.Context, id uint, owner string) (*model.ConversationDetail, error)
	List(ctx context.Context, owner string) ([]model.ConversationSummary, error)
	Delete(ctx context.Context, id uint, owner string) (bool, error)
}

type conversationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// encodeMessages 序列化消息数组，不转义 HTML 字符，保持 Unicode 原样。
func encodeMessages(messages []model.ChatMessage) (string, error) {
	if messages == nil {
		messages = []model.ChatMessage{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(messages); err != nil {
		return "", fmt.Errorf("failed to marshal conversation content: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// decodeMessages 反序列化并按时间戳稳定排序，顺序以时间戳而非数组位置为准。
func decodeMessages(content string) ([]model.ChatMessage, error) {
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(content), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation content: %w", err)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].SortKey().Before(messages[j].SortKey())
	})
	return messages, nil
}

// Create 插入一条新会话并返回其 ID。
func (r *conversationRepository) Create(ctx context.Context, owner, title string, messages []model.ChatMessage) (uint, error) {
	defer metrics.ObserveStore("create", time.Now())

	content, err := encodeMessages(messages)
	if err != nil {
		return 0, err
	}
	now := r.now()
	row := &model.Conversation{
		UserSecret: owner,
		Title:      title,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	return row.ID, nil
}

// Update 用单条 UPDATE 语句完成所有权校验与写入。
func (r *conversationRepository) Update(ctx context.Context, id uint, owner string, title *string, messages []model.ChatMessage) (time.Time, error) {
	defer metrics.ObserveStore("update", time.Now())

	now := r.now()
	fields := map[string]interface{}{"updated_at": now}
	if title != nil {
		fields["title"] = *title
	}
	if messages != nil {
		content, err := encodeMessages(messages)
		if err != nil {
			return time.Time{}, err
		}
		fields["content"] = content
	}

	result := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ? AND user_secret = ?", id, owner).
		Updates(fields)
	if result.Error != nil {
		return time.Time{}, fmt.Errorf("failed to update conversation %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return time.Time{}, ErrConversationNotFound
	}
	return now, nil
}

// Fetch 读取一条会话。
func (r *conversationRepository) Fetch(ctx context.Context, id uint, owner string) (*model.ConversationDetail, error) {
	defer metrics.ObserveStore("fetch", time.Now())

	var row model.Conversation
	err := r.db.WithContext(ctx).Where("id = ? AND user_secret = ?", id, owner).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %d: %w", id, err)
	}

	messages, err := decodeMessages(row.Content)
	if err != nil {
		return nil, err
	}
	return &model.ConversationDetail{
		ID:        row.ID,
		Title:     row.Title,
		Messages:  model.WithoutSystem(messages),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// List 返回所有者的全部会话摘要，按 updated_at 倒序。
func (r *conversationRepository) List(ctx context.Context, owner string) ([]model.ConversationSummary, error) {
	defer metrics.ObserveStore("list", time.Now())

	summaries := []model.ConversationSummary{}
	err := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Select("id", "title", "created_at", "updated_at").
		Where("user_secret = ?", owner).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return summaries, nil
}

// Delete 删除一条会话，未找到时返回 false。
func (r *conversationRepository) Delete(ctx context.Context, id uint, owner string) (bool, error) {
	defer metrics.ObserveStore("delete", time.Now())

	result := r.db.WithContext(ctx).
		Where("id = ? AND user_secret = ?", id, owner).
		Delete(&model.Conversation{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete conversation %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}
