package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"tutor-chat-go/internal/config"
	"tutor-chat-go/internal/model"
	"tutor-chat-go/pkg/llm"
	"tutor-chat-go/pkg/log"
	"tutor-chat-go/pkg/metrics"
)

const titleEllipsis = "..."

// TitleRecommender 在轮次完成后于后台生成标题、写回存储并通知对端。
// 任务与连接生命周期无关，连接关闭不会取消它。
type TitleRecommender struct {
	llmClient     llm.Client
	conversations ConversationService
	defaultTitle  string
	maxLen        int
	timeout       time.Duration

	wg sync.WaitGroup
}

// NewTitleRecommender 创建一个新的 TitleRecommender。
func NewTitleRecommender(llmClient llm.Client, conversations ConversationService, prompt config.LLMPromptConfig, timeout time.Duration) *TitleRecommender {
	if prompt.DefaultTitle == "" {
		prompt.DefaultTitle = "New Conversation"
	}
	if prompt.TitleMaxLen <= len(titleEllipsis) {
		prompt.TitleMaxLen = 50
	}
	return &TitleRecommender{
		llmClient:     llmClient,
		conversations: conversations,
		defaultTitle:  prompt.DefaultTitle,
		maxLen:        prompt.TitleMaxLen,
		timeout:       timeout,
	}
}

// Spawn 启动一个独立的后台任务，调用方不等待其完成。
func (r *TitleRecommender) Spawn(notifier Notifier, chatID uint, owner string, transcript []model.ChatMessage) {
	snapshot := append([]model.ChatMessage(nil), transcript...)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				metrics.TitleRecommendations.WithLabelValues("panic").Inc()
				log.Errorf("标题推荐任务 panic: chat_id=%d, err=%v", chatID, rec)
			}
		}()

		ctx := context.Background()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		r.Recommend(ctx, notifier, chatID, owner, snapshot)
	}()
}

// Recommend 同步执行一次标题推荐。所有失败只记录日志，不向调用方传播。
func (r *TitleRecommender) Recommend(ctx context.Context, notifier Notifier, chatID uint, owner string, transcript []model.ChatMessage) {
	title := r.generate(ctx, transcript)

	frame := TitleRecommendationFrame{
		Status:           StatusTitleRecommendation,
		ChatID:           chatID,
		RecommendedTitle: title,
	}
	updatedAt, updated, err := r.conversations.ApplyTitle(ctx, chatID, owner, title)
	switch {
	case err != nil:
		metrics.TitleRecommendations.WithLabelValues("store_error").Inc()
		log.Errorf("保存推荐标题失败: chat_id=%d, err=%v", chatID, err)
		return
	case !updated:
		metrics.TitleRecommendations.WithLabelValues("not_found").Inc()
		log.Warnf("推荐标题未保存，会话不存在: chat_id=%d", chatID)
	default:
		metrics.TitleRecommendations.WithLabelValues("updated").Inc()
		frame.TitleUpdated = true
		frame.UpdatedAt = &updatedAt
	}

	if err := notifier.Send(frame); err != nil {
		log.Infof("标题推荐通知未送达，连接可能已关闭: chat_id=%d, err=%v", chatID, err)
	}
}

func (r *TitleRecommender) generate(ctx context.Context, transcript []model.ChatMessage) string {
	raw, err := r.llmClient.SummarizeTitle(ctx, toLLMMessages(model.WithoutSystem(transcript)))
	if err != nil {
		metrics.TitleRecommendations.WithLabelValues("fallback").Inc()
		log.Warnf("标题生成失败，使用默认标题: %v", err)
		return r.defaultTitle
	}
	return cleanTitle(raw, r.defaultTitle, r.maxLen)
}

// Wait 等待所有后台任务结束，或 ctx 结束。
func (r *TitleRecommender) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cleanTitle 只保留第一行，超长时截断并追加省略号。长度按字符计算。
func cleanTitle(raw, fallback string, maxLen int) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if title == "" {
		return fallback
	}
	runes := []rune(title)
	if len(runes) > maxLen {
		title = string(runes[:maxLen-len(titleEllipsis)]) + titleEllipsis
	}
	return title
}
