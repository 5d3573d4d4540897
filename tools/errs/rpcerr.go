package errs

import (
	"fmt"
	"strings"
)

// RPC 业务错误码（服务端 rpcError 帧里的 errorCode）
const (
	RpcBadRequest       = 1
	RpcNotAuthenticated = 2
	RpcRateLimited      = 3
	RpcInternal         = 4
	RpcInvalidPeer      = 5
	RpcInvalidMessageID = 6
	RpcInvalidUserID    = 7
	RpcAlreadyInChat    = 8
	RpcInvalidSpaceID   = 9
	RpcInvalidChatID    = 10
	RpcInvalidEmail     = 11
	RpcInvalidPhone     = 12
	RpcSpaceAdminOnly   = 13
	RpcSpaceOwnerOnly   = 14
)

// RpcError 服务端拒绝某一笔事务。只会落到该事务自己的 future 上。
type RpcError struct {
	Code      int    `json:"code"`      // 类 HTTP 状态码，可为 0
	ErrorCode int    `json:"errorCode"` // 上面的业务错误码
	Message   string `json:"message"`
}

func (e *RpcError) Error() string {
	return FormatRpcError(e.ErrorCode, e.Message, e.Code)
}

func rpcErrorLabel(errorCode int) string {
	switch errorCode {
	case RpcBadRequest:
		return "Bad request"
	case RpcNotAuthenticated:
		return "Not authenticated"
	case RpcRateLimited:
		return "Rate limited"
	case RpcInternal:
		return "Internal server error"
	case RpcInvalidPeer:
		return "Invalid peer (chat/user id)"
	case RpcInvalidMessageID:
		return "Invalid message id"
	case RpcInvalidUserID:
		return "Invalid user id"
	case RpcAlreadyInChat:
		return "User already in chat/space"
	case RpcInvalidSpaceID:
		return "Invalid space id"
	case RpcInvalidChatID:
		return "Invalid chat id"
	case RpcInvalidEmail:
		return "Invalid email address"
	case RpcInvalidPhone:
		return "Invalid phone number"
	case RpcSpaceAdminOnly:
		return "Space admin required"
	case RpcSpaceOwnerOnly:
		return "Space owner required"
	default:
		return "Unknown RPC error"
	}
}

// FormatRpcError 拼可读文案：标签 + 服务端 message + 状态码
func FormatRpcError(errorCode int, message string, statusCode int) string {
	label := rpcErrorLabel(errorCode)
	formatted := label
	if message != "" && !strings.EqualFold(message, label) {
		formatted += ": " + message
	}
	if statusCode != 0 {
		formatted += fmt.Sprintf(" (HTTP %d)", statusCode)
	}
	return formatted
}
