// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"github.com/gin-gonic/gin"

	"tutor-chat-go/pkg/log"
)

// BasicAuth 在配置了账号时要求 HTTP Basic 认证，未配置时直接放行。
// 认证只用于部署访问控制，会话归属仍由 user_secret 决定。
func BasicAuth(accounts map[string]string) gin.HandlerFunc {
	if len(accounts) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	log.Infof("已启用 HTTP Basic 认证，账号数: %d", len(accounts))
	return gin.BasicAuth(gin.Accounts(accounts))
}
