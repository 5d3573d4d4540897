package gateway

import (
	"fmt"
	"strconv"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenVerifier 握手凭证校验：token -> userID。
// 会话签发在引擎之外，这里只消费。
type TokenVerifier func(token string) (int64, error)

// JWTVerifier HS256 校验，sub 即 userID。
func JWTVerifier(secret []byte) TokenVerifier {
	return func(token string) (int64, error) {
		parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
			// 仅允许 HMAC 家族
			if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			return 0, err
		}
		if !parsed.Valid {
			return 0, fmt.Errorf("invalid token")
		}
		claims, ok := parsed.Claims.(jwtlib.MapClaims)
		if !ok {
			return 0, fmt.Errorf("unexpected claims type")
		}
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return 0, fmt.Errorf("token missing sub")
		}
		uid, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("sub is not a user id: %w", err)
		}
		return uid, nil
	}
}

// IssueToken 测试与本地联调用；生产签发在外部服务。
func IssueToken(secret []byte, userID int64) (string, error) {
	claims := jwtlib.MapClaims{"sub": strconv.FormatInt(userID, 10)}
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}
