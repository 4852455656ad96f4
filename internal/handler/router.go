package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tutor-chat-go/internal/config"
	"tutor-chat-go/internal/middleware"
	"tutor-chat-go/pkg/log"
)

// NewRouter 创建路由引擎并注册所有路由。accounts 非空时所有路由都需要 Basic 认证。
func NewRouter(cfg config.Config, accounts map[string]string, chat *ChatHandler, conversations *ConversationHandler) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.CORS())

	basicAuth := middleware.BasicAuth(accounts)
	authed := r.Group("/")
	authed.Use(basicAuth)

	if cfg.Metrics.Enabled {
		authed.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	api := authed.Group("/api")
	{
		api.GET("/chat/completion/stream", chat.Handle)

		chats := api.Group("/chats")
		{
			chats.POST("", conversations.CreateConversation)
			chats.GET("", conversations.ListConversations)
			chats.GET("/:id", conversations.GetConversation)
			chats.DELETE("/:id", conversations.DeleteConversation)
			chats.PUT("/:id/title", conversations.UpdateTitle)
		}
	}

	if cfg.Server.StaticDir != "" {
		log.Infof("静态文件目录: %s", cfg.Server.StaticDir)
		staticHandler := serveStatic(cfg.Server.StaticDir)
		r.NoRoute(basicAuth, staticHandler)
	}
	return r
}

// serveStatic 为非 API 路径提供静态文件。
func serveStatic(dir string) gin.HandlerFunc {
	fileServer := http.FileServer(gin.Dir(dir, false))
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
			return
		}
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.Status(http.StatusMethodNotAllowed)
			return
		}
		fileServer.ServeHTTP(c.Writer, c.Request)
	}
}
