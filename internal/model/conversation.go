// Package model 包含了应用的数据模型定义。
package model

import (
	"fmt"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage 代表对话中的单条消息。
type ChatMessage struct {
	Role      string     `json:"role"` // "system"、"user" 或 "assistant"
	Content   string     `json:"content"`
	Timestamp *Timestamp `json:"timestamp,omitempty"`
}

// SortKey 返回用于排序的时间，缺失时间戳的消息排在最前。
func (m ChatMessage) SortKey() time.Time {
	if m.Timestamp == nil {
		return time.Time{}
	}
	return m.Timestamp.Time()
}

// ValidateRole 检查消息角色是否合法。
func (m ChatMessage) ValidateRole() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}
}

// ChatHistory 是客户端提交的对话历史。
// SystemMessage 只为兼容旧客户端而保留，服务端从不使用它。
type ChatHistory struct {
	SystemMessage *string       `json:"system_message,omitempty"`
	Messages      []ChatMessage `json:"messages"`
}

// Conversation 对应 chats 表中的一行，Content 为序列化后的消息数组。
type Conversation struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserSecret string    `gorm:"type:varchar(255);index;not null" json:"-"`
	Title      string    `gorm:"type:varchar(512);not null" json:"title"`
	Content    string    `gorm:"type:text;not null" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "chats"
}

// ConversationSummary 是列表接口返回的单项，不含消息内容。
type ConversationSummary struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationDetail 是返回给客户端的完整会话，Messages 中不含 system 消息。
type ConversationDetail struct {
	ID        uint          `json:"id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CountRole 统计给定角色的消息数量。
func CountRole(messages []ChatMessage, role string) int {
	n := 0
	for _, m := range messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

// WithoutSystem 返回去掉所有 system 消息后的副本，其余顺序不变。
func WithoutSystem(messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// AssignTimestamps 返回副本，为缺少时间戳的消息按位置补上 base + i 微秒，
// 保证这些消息之间有严格的先后顺序。
func AssignTimestamps(messages []ChatMessage, base time.Time) []ChatMessage {
	out := make([]ChatMessage, len(messages))
	for i, m := range messages {
		if m.Timestamp == nil {
			m.Timestamp = NewTimestamp(base.Add(time.Duration(i) * time.Microsecond))
		}
		out[i] = m
	}
	return out
}
