package service

import (
	"encoding/json"
	"time"

	"tutor-chat-go/internal/model"
)

// 出站帧的 status 取值
const (
	StatusStreaming           = "streaming"
	StatusComplete            = "complete"
	StatusError               = "error"
	StatusSaved               = "saved"
	StatusTitleUpdated        = "title_updated"
	StatusTitleRecommendation = "title_recommendation"
)

const (
	CommandSaveChat    = "save_chat"
	CommandUpdateTitle = "update_title"
)

// commandFrame 是 {command, data} 形式的入站命令帧。
type commandFrame struct {
	Command *string         `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// TurnRequest 是一次对话轮次的入站帧。采样参数缺省时使用配置中的默认值。
type TurnRequest struct {
	History     model.ChatHistory `json:"history"`
	Temperature *float64          `json:"temperature"`
	TopP        *float64          `json:"top_p"`
	TopK        *int              `json:"top_k"`
	MaxTokens   *int              `json:"max_tokens"`
	UserSecret  string            `json:"user_secret"`
	ChatID      *uint             `json:"chat_id"`
	Title       string            `json:"title"`
}

// SaveChatCommand 是 save_chat 命令的 data 部分，同时用于 REST 创建接口。
type SaveChatCommand struct {
	UserSecret string             `json:"user_secret"`
	Title      string             `json:"title"`
	History    *model.ChatHistory `json:"history"`
	ChatID     *uint              `json:"chat_id"`
}

// UpdateTitleCommand 是 update_title 命令的 data 部分。
type UpdateTitleCommand struct {
	UserSecret string `json:"user_secret"`
	Title      string `json:"title"`
	ChatID     *uint  `json:"chat_id"`
}

type chunkFrame struct {
	Chunk  string `json:"chunk"`
	Status string `json:"status"`
}

type completeFrame struct {
	Status string `json:"status"`
	ID     *uint  `json:"id,omitempty"`
}

type errorFrame struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type savedFrame struct {
	Status    string     `json:"status"`
	ID        uint       `json:"id"`
	Title     string     `json:"title"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type titleUpdatedFrame struct {
	Status    string    `json:"status"`
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TitleRecommendationFrame 由后台标题推荐任务发送。
type TitleRecommendationFrame struct {
	Status           string     `json:"status"`
	ChatID           uint       `json:"chat_id"`
	RecommendedTitle string     `json:"recommended_title"`
	TitleUpdated     bool       `json:"title_updated"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}
