package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"PSync/tools/errs"
)

// —— context key ——
// 后续 handler 统一用这俩 key 读取
const (
	CtxAuthKey   = "authorization" // string，原始令牌
	CtxUserIDKey = "userId"        // int64，校验通过后的用户
)

// VerifyFunc 校验令牌并给出用户；网关的 JWT 校验器可直接包一层。
type VerifyFunc func(token string) (int64, error)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	Verify                    VerifyFunc
}

func DefaultOptions(verify VerifyFunc) *Options {
	return &Options{
		HeaderToken:               CtxAuthKey,
		EnableAuthorizationBearer: true,
		Verify:                    verify,
	}
}

// Middleware 令牌校验；失败直接 401 截断。
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		// 兼容 Authorization: Bearer xxx
		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errs.NewCodeError(errs.CodeValidation, "missing token"))
			return
		}

		userID, err := opts.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errs.NewCodeError(errs.CodeValidation, "invalid token"))
			return
		}
		c.Set(CtxAuthKey, token)
		c.Set(CtxUserIDKey, userID)
		c.Next()
	}
}
