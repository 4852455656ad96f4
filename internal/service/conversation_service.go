// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tutor-chat-go/internal/model"
	"tutor-chat-go/internal/repository"
	"tutor-chat-go/pkg/kafka"
	"tutor-chat-go/pkg/log"
	"tutor-chat-go/pkg/tasks"
)

// 事件来源
const (
	SourceWebsocket        = "websocket"
	SourceREST             = "rest"
	SourceTitleRecommender = "title_recommender"
)

// SaveResult 描述一次 save_chat 的结果。
type SaveResult struct {
	ID        uint
	Title     string
	UpdatedAt *time.Time
}

// ConversationService 定义了会话业务逻辑的接口。所有写入内容的操作都会重新注入系统指令。
type ConversationService interface {
	Create(ctx context.Context, owner, title string, history []model.ChatMessage, source string) (uint, error)
	// SaveChat 实现 save_chat 命令。已有 ID 且新内容中没有 assistant 消息时不做任何事，返回 (nil, nil)。
	SaveChat(ctx context.Context, cmd SaveChatCommand) (*SaveResult, error)
	UpdateTitle(ctx context.Context, id uint, owner, title, source string) (time.Time, error)
	// SaveTurn 以完整对话记录更新已有会话，title 为空时保留原标题。
	SaveTurn(ctx context.Context, id uint, owner, title string, transcript []model.ChatMessage) error
	// ApplyTitle 重新读取会话并只替换标题；会话已不存在时返回 updated=false。
	ApplyTitle(ctx context.Context, id uint, owner, title string) (updatedAt time.Time, updated bool, err error)
	Get(ctx context.Context, id uint, owner string) (*model.ConversationDetail, error)
	List(ctx context.Context, owner string) ([]model.ConversationSummary, error)
	Delete(ctx context.Context, id uint, owner string) (bool, error)
}

type conversationService struct {
	repo      repository.ConversationRepository
	injector  *DirectiveInjector
	publisher kafka.Publisher
	now       func() time.Time
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository, injector *DirectiveInjector, publisher kafka.Publisher) ConversationService {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &conversationService{
		repo:      repo,
		injector:  injector,
		publisher: publisher,
		now:       time.Now,
	}
}

func validateRoles(messages []model.ChatMessage) error {
	for _, m := range messages {
		if err := m.ValidateRole(); err != nil {
			return newValidationError(err.Error())
		}
	}
	return nil
}

func (s *conversationService) publish(ctx context.Context, event tasks.ConversationEvent) {
	event.OccurredAt = s.now().UTC()
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warnf("发布会话事件失败: type=%s, id=%d, err=%v", event.Type, event.ConversationID, err)
	}
}

// Create 为缺少时间戳的消息补齐时间戳，注入系统指令后创建会话。
func (s *conversationService) Create(ctx context.Context, owner, title string, history []model.ChatMessage, source string) (uint, error) {
	if owner == "" || title == "" {
		return 0, newValidationError("Missing required fields for saving chat")
	}
	if err := validateRoles(history); err != nil {
		return 0, err
	}
	messages := s.injector.Inject(model.AssignTimestamps(model.WithoutSystem(history), s.now()))
	id, err := s.repo.Create(ctx, owner, title, messages)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, tasks.ConversationEvent{
		Type:           tasks.EventConversationCreated,
		ConversationID: id,
		Title:          title,
		MessageCount:   len(messages) - 1,
		Source:         source,
	})
	return id, nil
}

func (s *conversationService) SaveChat(ctx context.Context, cmd SaveChatCommand) (*SaveResult, error) {
	if cmd.UserSecret == "" || cmd.Title == "" || cmd.History == nil || len(cmd.History.Messages) == 0 {
		return nil, newValidationError("Missing required fields for saving chat")
	}
	if err := validateRoles(cmd.History.Messages); err != nil {
		return nil, err
	}
	messages := model.AssignTimestamps(model.WithoutSystem(cmd.History.Messages), s.now())

	if cmd.ChatID == nil || *cmd.ChatID == 0 {
		id, err := s.Create(ctx, cmd.UserSecret, cmd.Title, messages, SourceWebsocket)
		if err != nil {
			return nil, err
		}
		return &SaveResult{ID: id, Title: cmd.Title}, nil
	}

	// 已有会话只在包含 assistant 消息时才更新，沿用既有行为。
	if model.CountRole(messages, model.RoleAssistant) == 0 {
		log.Infof("save_chat 未包含 assistant 消息，跳过更新: id=%d", *cmd.ChatID)
		return nil, nil
	}

	title := cmd.Title
	updatedAt, err := s.repo.Update(ctx, *cmd.ChatID, cmd.UserSecret, &title, s.injector.Inject(messages))
	if err != nil {
		return nil, err
	}
	s.publish(ctx, tasks.ConversationEvent{
		Type:           tasks.EventConversationUpdated,
		ConversationID: *cmd.ChatID,
		Title:          title,
		MessageCount:   len(messages),
		Source:         SourceWebsocket,
	})
	return &SaveResult{ID: *cmd.ChatID, Title: title, UpdatedAt: &updatedAt}, nil
}

// UpdateTitle 保持内容不变，只修改标题。
func (s *conversationService) UpdateTitle(ctx context.Context, id uint, owner, title, source string) (time.Time, error) {
	if owner == "" || title == "" || id == 0 {
		return time.Time{}, newValidationError("Missing required fields for updating title")
	}
	updatedAt, updated, err := s.rewriteTitle(ctx, id, owner, title)
	if err != nil {
		return time.Time{}, err
	}
	if !updated {
		return time.Time{}, repository.ErrConversationNotFound
	}
	s.publish(ctx, tasks.ConversationEvent{
		Type:           tasks.EventTitleUpdated,
		ConversationID: id,
		Title:          title,
		Source:         source,
	})
	return updatedAt, nil
}

// rewriteTitle 绕过缓存确认会话存在，然后只改写标题，内容列保持数据库中的最新值。
func (s *conversationService) rewriteTitle(ctx context.Context, id uint, owner, title string) (time.Time, bool, error) {
	if _, err := s.repo.Fetch(repository.FreshRead(ctx), id, owner); err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	updatedAt, err := s.repo.Update(ctx, id, owner, &title, nil)
	if errors.Is(err, repository.ErrConversationNotFound) {
		// 读取之后被删除
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return updatedAt, true, nil
}

func (s *conversationService) SaveTurn(ctx context.Context, id uint, owner, title string, transcript []model.ChatMessage) error {
	var titlePtr *string
	if title != "" {
		titlePtr = &title
	}
	if _, err := s.repo.Update(ctx, id, owner, titlePtr, s.injector.Inject(transcript)); err != nil {
		return err
	}
	s.publish(ctx, tasks.ConversationEvent{
		Type:           tasks.EventConversationUpdated,
		ConversationID: id,
		Title:          title,
		MessageCount:   len(model.WithoutSystem(transcript)),
		Source:         SourceWebsocket,
	})
	return nil
}

func (s *conversationService) ApplyTitle(ctx context.Context, id uint, owner, title string) (time.Time, bool, error) {
	updatedAt, updated, err := s.rewriteTitle(ctx, id, owner, title)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to apply recommended title: %w", err)
	}
	if updated {
		s.publish(ctx, tasks.ConversationEvent{
			Type:           tasks.EventTitleUpdated,
			ConversationID: id,
			Title:          title,
			Source:         SourceTitleRecommender,
		})
	}
	return updatedAt, updated, nil
}

func (s *conversationService) Get(ctx context.Context, id uint, owner string) (*model.ConversationDetail, error) {
	detail, err := s.repo.Fetch(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	detail.Messages = s.injector.Strip(detail.Messages)
	return detail, nil
}

func (s *conversationService) List(ctx context.Context, owner string) ([]model.ConversationSummary, error) {
	return s.repo.List(ctx, owner)
}

func (s *conversationService) Delete(ctx context.Context, id uint, owner string) (bool, error) {
	deleted, err := s.repo.Delete(ctx, id, owner)
	if err != nil {
		return false, err
	}
	if deleted {
		s.publish(ctx, tasks.ConversationEvent{
			Type:           tasks.EventConversationDeleted,
			ConversationID: id,
			Source:         SourceREST,
		})
	}
	return deleted, nil
}
