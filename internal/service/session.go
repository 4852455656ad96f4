package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tutor-chat-go/pkg/log"
)

// ErrSessionClosed 表示连接已关闭，帧无法再发送。
var ErrSessionClosed = errors.New("session closed")

// Conn 是会话使用的双工帧通道，*websocket.Conn 满足该接口。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Notifier 是会话对后台任务暴露的发送能力。
type Notifier interface {
	Send(frame interface{}) error
}

// Session 保存单个连接的状态：当前轮次累积的回答文本，以及已关联的会话 ID。
// 读循环之外只有后台任务会调用 Send，写操作由 writeMu 串行化。
type Session struct {
	ID     string
	conn   Conn
	logger *log.Logger

	writeMu sync.Mutex
	closed  bool

	accumulator strings.Builder
	chatID      uint
	chatOwner   string
}

func newSession(conn Conn) *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		conn:   conn,
		logger: log.With("session", id),
	}
}

// Send 将 frame 编码为 JSON 文本帧发送。连接已关闭时返回 ErrSessionClosed；
// 写失败后会话被视为已关闭。
func (s *Session) Send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closed = true
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// IsOpen 报告会话是否仍可发送。
func (s *Session) IsOpen() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return !s.closed
}

func (s *Session) markClosed() {
	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()
}

func (s *Session) sendError(message string) {
	if err := s.Send(errorFrame{Status: StatusError, Message: message}); err != nil {
		s.logger.Warnw("发送错误帧失败", "error", err)
	}
}

// associate 记录本连接上创建的会话，后续同一所有者的轮次会更新它而不是再创建。
func (s *Session) associate(chatID uint, owner string) {
	s.chatID = chatID
	s.chatOwner = owner
}

func (s *Session) associatedChat(owner string) (uint, bool) {
	if s.chatID == 0 || s.chatOwner != owner {
		return 0, false
	}
	return s.chatID, true
}
