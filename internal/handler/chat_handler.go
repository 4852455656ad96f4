// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tutor-chat-go/internal/service"
	"tutor-chat-go/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	chatService service.ChatService
	readLimit   int64
}

// NewChatHandler 创建一个新的 ChatHandler。readLimit 为单个入站帧的最大字节数，0 表示不限制。
func NewChatHandler(chatService service.ChatService, readLimit int64) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		readLimit:   readLimit,
	}
}

// Handle 处理一个传入的 WebSocket 连接，直到对端关闭。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}
	log.Infof("WebSocket 连接已建立，来源: %s", c.ClientIP())
	h.chatService.Serve(c.Request.Context(), conn)
}
