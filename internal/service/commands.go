package service

import (
	"context"
	"encoding/json"

	"tutor-chat-go/pkg/metrics"
)

// handleCommand 同步执行命令并回复恰好一个响应帧（save_chat 的无操作情形除外）。
func (s *chatService) handleCommand(ctx context.Context, session *Session, command string, data json.RawMessage) {
	storeCtx := context.WithoutCancel(ctx)
	switch command {
	case CommandSaveChat:
		metrics.FramesReceived.WithLabelValues(CommandSaveChat).Inc()
		var cmd SaveChatCommand
		if err := decodeCommand(data, &cmd); err != nil {
			session.sendError("Missing required fields for saving chat")
			return
		}
		s.saveChat(storeCtx, session, cmd)
	case CommandUpdateTitle:
		metrics.FramesReceived.WithLabelValues(CommandUpdateTitle).Inc()
		var cmd UpdateTitleCommand
		if err := decodeCommand(data, &cmd); err != nil {
			session.sendError("Missing required fields for updating title")
			return
		}
		s.updateTitle(storeCtx, session, cmd)
	default:
		metrics.FramesReceived.WithLabelValues("unknown_command").Inc()
		session.logger.Warnw("未知命令", "command", command)
		session.sendError("Unknown command: " + command)
	}
}

func decodeCommand(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *chatService) saveChat(ctx context.Context, session *Session, cmd SaveChatCommand) {
	result, err := s.conversations.SaveChat(ctx, cmd)
	switch {
	case IsValidation(err):
		session.sendError(err.Error())
		return
	case IsNotFound(err):
		session.sendError("Failed to update chat")
		return
	case err != nil:
		session.logger.Errorw("save_chat 失败", "error", err)
		session.sendError(err.Error())
		return
	case result == nil:
		return
	}

	session.associate(result.ID, cmd.UserSecret)
	frame := savedFrame{Status: StatusSaved, ID: result.ID, Title: result.Title, UpdatedAt: result.UpdatedAt}
	if err := session.Send(frame); err != nil {
		session.logger.Warnw("发送 saved 帧失败", "error", err)
	}
}

func (s *chatService) updateTitle(ctx context.Context, session *Session, cmd UpdateTitleCommand) {
	var id uint
	if cmd.ChatID != nil {
		id = *cmd.ChatID
	}
	updatedAt, err := s.conversations.UpdateTitle(ctx, id, cmd.UserSecret, cmd.Title, SourceWebsocket)
	switch {
	case IsValidation(err):
		session.sendError(err.Error())
		return
	case IsNotFound(err):
		session.sendError("Chat not found")
		return
	case err != nil:
		session.logger.Errorw("update_title 失败", "error", err)
		session.sendError("Failed to update chat title")
		return
	}

	frame := titleUpdatedFrame{Status: StatusTitleUpdated, ID: id, Title: cmd.Title, UpdatedAt: updatedAt}
	if err := session.Send(frame); err != nil {
		session.logger.Warnw("发送 title_updated 帧失败", "error", err)
	}
}
