// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tutor-chat-go/internal/config"
	"tutor-chat-go/internal/model"
	"tutor-chat-go/pkg/llm"
	"tutor-chat-go/pkg/metrics"
)

// ChatService 定义了 WebSocket 会话协议的接口。
type ChatService interface {
	// Serve 在 conn 上运行读循环，直到对端关闭连接。单个帧的失败不会结束循环。
	Serve(ctx context.Context, conn Conn)
}

type chatService struct {
	llmClient      llm.Client
	conversations  ConversationService
	injector       *DirectiveInjector
	titles         *TitleRecommender
	defaults       config.LLMGenerationConfig
	titleTurnLimit int
	now            func() time.Time
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(llmClient llm.Client, conversations ConversationService, injector *DirectiveInjector, titles *TitleRecommender, defaults config.LLMGenerationConfig, titleTurnLimit int) ChatService {
	return &chatService{
		llmClient:      llmClient,
		conversations:  conversations,
		injector:       injector,
		titles:         titles,
		defaults:       defaults,
		titleTurnLimit: titleTurnLimit,
		now:            time.Now,
	}
}

func (s *chatService) Serve(ctx context.Context, conn Conn) {
	session := newSession(conn)
	metrics.OpenSessions.Inc()
	defer metrics.OpenSessions.Dec()
	defer session.markClosed()

	session.logger.Infow("WebSocket 会话已建立")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			session.logger.Infow("WebSocket 会话结束", "reason", err.Error())
			return
		}
		s.handleFrame(ctx, session, data)
	}
}

// handleFrame 处理单个入站帧，任何失败（包括 panic）都转换为 error 帧。
func (s *chatService) handleFrame(ctx context.Context, session *Session, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.Turns.WithLabelValues("panic").Inc()
			session.logger.Errorw("处理帧时发生 panic", "panic", rec)
			session.sendError(fmt.Sprintf("internal error: %v", rec))
		}
	}()

	var cmd commandFrame
	if err := json.Unmarshal(data, &cmd); err != nil {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		session.logger.Warnw("无法解析入站帧", "error", err)
		session.sendError("Invalid JSON frame: " + err.Error())
		return
	}
	if cmd.Command != nil {
		s.handleCommand(ctx, session, *cmd.Command, cmd.Data)
		return
	}

	metrics.FramesReceived.WithLabelValues("turn").Inc()
	var req TurnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		session.logger.Warnw("无法解析轮次请求", "error", err)
		session.sendError("Invalid turn request: " + err.Error())
		return
	}
	s.handleTurn(ctx, session, req)
}

func (s *chatService) handleTurn(ctx context.Context, session *Session, req TurnRequest) {
	history := req.History.Messages
	if err := validateRoles(history); err != nil {
		metrics.Turns.WithLabelValues("invalid").Inc()
		session.sendError(err.Error())
		return
	}
	if model.CountRole(history, model.RoleUser) == 0 {
		metrics.Turns.WithLabelValues("invalid").Inc()
		session.sendError("No user message found in history")
		return
	}

	transcript := model.AssignTimestamps(model.WithoutSystem(history), s.now())
	outbound := s.injector.Inject(transcript)
	gen := s.generationParams(req)
	session.logger.Infow("开始流式生成",
		"messages", len(transcript), "temperature", gen.Temperature, "top_p", gen.TopP,
		"top_k", gen.TopK, "max_tokens", gen.MaxTokens)

	session.accumulator.Reset()
	writer := llm.FragmentWriterFunc(func(fragment string) error {
		if err := session.Send(chunkFrame{Chunk: fragment, Status: StatusStreaming}); err != nil {
			return err
		}
		session.accumulator.WriteString(fragment)
		metrics.FragmentsRelayed.Inc()
		return nil
	})
	if err := s.llmClient.StreamChat(ctx, toLLMMessages(outbound), gen, writer); err != nil {
		metrics.Turns.WithLabelValues("provider_error").Inc()
		session.logger.Errorw("流式生成失败", "error", err)
		session.sendError(err.Error())
		return
	}
	answer := session.accumulator.String()

	// 连接关闭不应取消已经开始的存储写入
	storeCtx := context.WithoutCancel(ctx)
	full := appendAnswer(transcript, answer, s.now())
	chatID, err := s.persistTurn(storeCtx, session, req, full, answer)
	if err != nil {
		metrics.Turns.WithLabelValues("store_error").Inc()
		session.logger.Errorw("保存对话失败", "error", err)
		session.sendError(err.Error())
		return
	}

	frame := completeFrame{Status: StatusComplete}
	if chatID != 0 {
		frame.ID = &chatID
	}
	if err := session.Send(frame); err != nil {
		session.logger.Warnw("发送完成帧失败", "error", err)
	}
	metrics.Turns.WithLabelValues("complete").Inc()
	session.logger.Infow("流式生成完成", "chat_id", chatID, "answer_len", len(answer))

	if chatID != 0 && s.titles != nil && model.CountRole(full, model.RoleUser) <= s.titleTurnLimit {
		s.titles.Spawn(session, chatID, req.UserSecret, full)
	}
}

// persistTurn 在有所有者且回答非空时保存本轮对话，返回会话 ID；不保存时返回 0。
func (s *chatService) persistTurn(ctx context.Context, session *Session, req TurnRequest, full []model.ChatMessage, answer string) (uint, error) {
	owner := req.UserSecret
	if owner == "" || answer == "" {
		return 0, nil
	}

	// 带标题且无 chat_id 的轮次总是新建会话；只有两者都缺省时才沿用连接上记住的会话。
	var chatID uint
	if req.ChatID != nil && *req.ChatID != 0 {
		chatID = *req.ChatID
	} else if req.Title == "" {
		if id, ok := session.associatedChat(owner); ok {
			chatID = id
		}
	}

	if chatID != 0 {
		err := s.conversations.SaveTurn(ctx, chatID, owner, req.Title, full)
		if IsNotFound(err) {
			session.logger.Warnw("待更新的会话不存在，本轮未保存", "chat_id", chatID)
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		session.associate(chatID, owner)
		return chatID, nil
	}

	if req.Title == "" {
		return 0, nil
	}
	id, err := s.conversations.Create(ctx, owner, req.Title, full, SourceWebsocket)
	if err != nil {
		return 0, err
	}
	session.associate(id, owner)
	return id, nil
}

func (s *chatService) generationParams(req TurnRequest) llm.GenerationParams {
	gen := llm.GenerationParams{
		Temperature: s.defaults.Temperature,
		TopP:        s.defaults.TopP,
		TopK:        s.defaults.TopK,
		MaxTokens:   s.defaults.MaxTokens,
	}
	if req.Temperature != nil {
		gen.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		gen.TopP = *req.TopP
	}
	if req.TopK != nil {
		gen.TopK = *req.TopK
	}
	if req.MaxTokens != nil {
		gen.MaxTokens = *req.MaxTokens
	}
	return gen
}

// appendAnswer 追加 assistant 消息，其时间戳晚于已有的所有消息。
func appendAnswer(transcript []model.ChatMessage, answer string, now time.Time) []model.ChatMessage {
	at := now
	for _, m := range transcript {
		if ts := m.SortKey(); !ts.Before(at) {
			at = ts.Add(time.Microsecond)
		}
	}
	out := make([]model.ChatMessage, 0, len(transcript)+1)
	out = append(out, transcript...)
	return append(out, model.ChatMessage{
		Role:      model.RoleAssistant,
		Content:   answer,
		Timestamp: model.NewTimestamp(at),
	})
}

func toLLMMessages(messages []model.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
