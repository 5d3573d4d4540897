package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origin 握手来源校验：allowed 为空放行所有（开发态），
// 否则 Origin 头必须命中列表；没有 Origin 头的非浏览器客户端放行。
func Origin(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && c.Request.URL.Path == "/ws" && len(allowed) > 0 {
			origin := strings.TrimSpace(c.GetHeader("Origin"))
			if origin != "" {
				ok := false
				for _, a := range allowed {
					if strings.EqualFold(a, origin) {
						ok = true
						break
					}
				}
				if !ok {
					c.AbortWithStatus(http.StatusForbidden)
					return
				}
			}
		}
		c.Next()
	}
}
