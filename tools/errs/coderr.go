package errs

import (
	"errors"
	"strconv"
	"strings"
)

// 错误大类：同步引擎内部的传播策略按大类区分。
// 传输类错误由引擎吸收并触发重连重排队；RPC 类错误只落到对应事务；
// 校验类错误在入队前拒绝；Cancelled 由调用方主动触发。
const (
	CodeNetwork    = 1000 // 传输层失败，不直接透给事务调用方
	CodeRpc        = 1100 // 服务端拒绝某一笔事务
	CodeValidation = 1200 // 入队前的入参校验失败
	CodeConflict   = 1300 // 存储冲突（防御性，正常不应出现）
	CodeCancelled  = 1400 // 调用方取消
)

var (
	ErrNetwork    = NewCodeError(CodeNetwork, "network error")
	ErrValidation = NewCodeError(CodeValidation, "validation error")
	ErrConflict   = NewCodeError(CodeConflict, "store conflict")
	ErrCancelled  = NewCodeError(CodeCancelled, "cancelled")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is 支持 errors.Is 按 Code 归类
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

func IsCode(err error, code int) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}

func New(msg string) error {
	return errors.New(msg)
}
