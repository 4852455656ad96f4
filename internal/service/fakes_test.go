package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tutor-chat-go/internal/config"
	"tutor-chat-go/internal/model"
	"tutor-chat-go/internal/repository"
	"tutor-chat-go/pkg/database"
	"tutor-chat-go/pkg/llm"
	"tutor-chat-go/pkg/tasks"
)

const testDirective = "Ты терпеливый учитель. Не решай задачи за ученика."

// fakeConn 是内存中的双工通道：入站帧来自 in，出站帧被解码后记录。
type fakeConn struct {
	in chan []byte

	mu       sync.Mutex
	out      []map[string]interface{}
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.out = append(c.out, frame)
	return nil
}

func (c *fakeConn) push(t *testing.T, frame interface{}) {
	t.Helper()
	if raw, ok := frame.(string); ok {
		c.in <- []byte(raw)
		return
	}
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) frames() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.out...)
}

func (c *fakeConn) framesWithStatus(status string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, f := range c.frames() {
		if f["status"] == status {
			out = append(out, f)
		}
	}
	return out
}

type streamCall struct {
	messages []llm.Message
	gen      llm.GenerationParams
}

// fakeLLM 按顺序产出 fragments，之后可选地返回 streamErr。
type fakeLLM struct {
	mu          sync.Mutex
	fragments   []string
	streamErr   error
	panicMsg    string
	title       string
	titleErr    error
	titleGate   chan struct{}
	streamCalls []streamCall
	titleCalls  [][]llm.Message
}

func (f *fakeLLM) StreamChat(ctx context.Context, messages []llm.Message, gen llm.GenerationParams, writer llm.FragmentWriter) error {
	f.mu.Lock()
	f.streamCalls = append(f.streamCalls, streamCall{messages: messages, gen: gen})
	fragments, streamErr, panicMsg := f.fragments, f.streamErr, f.panicMsg
	f.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	for _, fragment := range fragments {
		if err := writer.WriteFragment(fragment); err != nil {
			return err
		}
	}
	return streamErr
}

func (f *fakeLLM) SummarizeTitle(ctx context.Context, messages []llm.Message) (string, error) {
	f.mu.Lock()
	f.titleCalls = append(f.titleCalls, messages)
	gate := f.titleGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.title, f.titleErr
}

func (f *fakeLLM) calls() []streamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]streamCall(nil), f.streamCalls...)
}

func (f *fakeLLM) titleCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titleCalls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []tasks.ConversationEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event tasks.ConversationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type failingNotifier struct{}

func (failingNotifier) Send(interface{}) error { return errors.New("connection closed") }

type recordingNotifier struct {
	mu     sync.Mutex
	frames []interface{}
}

func (n *recordingNotifier) Send(frame interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames = append(n.frames, frame)
	return nil
}

// harness 组装真实的 sqlite 存储与假的模型提供方。
type harness struct {
	db            *gorm.DB
	llm           *fakeLLM
	publisher     *recordingPublisher
	conversations ConversationService
	titles        *TitleRecommender
	chat          ChatService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	fake := &fakeLLM{fragments: []string{"Hel", "lo"}, title: "Fractions"}
	publisher := &recordingPublisher{}
	injector := NewDirectiveInjector(testDirective)
	conversations := NewConversationService(repository.NewConversationRepository(db), injector, publisher)
	titles := NewTitleRecommender(fake, conversations, config.LLMPromptConfig{DefaultTitle: "New Conversation", TitleMaxLen: 50}, 5*time.Second)
	chat := NewChatService(fake, conversations, injector, titles, config.LLMGenerationConfig{
		Temperature: 1.0,
		TopP:        0.95,
		TopK:        64,
		MaxTokens:   8192,
	}, 3)

	return &harness{
		db:            db,
		llm:           fake,
		publisher:     publisher,
		conversations: conversations,
		titles:        titles,
		chat:          chat,
	}
}

// run 推送所有帧后关闭入站通道，同步运行读循环并等待后台任务结束。
func (h *harness) run(t *testing.T, frames ...interface{}) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	for _, f := range frames {
		conn.push(t, f)
	}
	close(conn.in)
	h.chat.Serve(context.Background(), conn)
	h.waitTitles(t)
	return conn
}

func (h *harness) waitTitles(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.titles.Wait(ctx))
}

func (h *harness) rowCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&model.Conversation{}).Count(&n).Error)
	return n
}

// storedRow 返回数据库中的原始行及其未经过滤的消息（包含 system）。
func (h *harness) storedRow(t *testing.T, id uint) (model.Conversation, []model.ChatMessage) {
	t.Helper()
	var row model.Conversation
	require.NoError(t, h.db.First(&row, id).Error)
	var messages []model.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(row.Content), &messages))
	return row, messages
}

func userTurn(owner, title string, chatID *uint, contents ...string) map[string]interface{} {
	messages := make([]map[string]interface{}, 0, len(contents))
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		messages = append(messages, map[string]interface{}{"role": role, "content": c})
	}
	frame := map[string]interface{}{
		"history": map[string]interface{}{"messages": messages},
	}
	if owner != "" {
		frame["user_secret"] = owner
	}
	if title != "" {
		frame["title"] = title
	}
	if chatID != nil {
		frame["chat_id"] = *chatID
	}
	return frame
}

func frameID(t *testing.T, frame map[string]interface{}, key string) uint {
	t.Helper()
	v, ok := frame[key].(float64)
	require.True(t, ok, "frame %v has no numeric %q", frame, key)
	return uint(v)
}

func uintPtr(v uint) *uint { return &v }
