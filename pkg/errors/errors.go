package errors

import (
	stderrors "errors"
	"fmt"
)

// Error 带错误码的错误
type Error struct {
	Code    int         `json:"code"`              // 错误码
	Message string      `json:"message"`           // 错误消息
	Details interface{} `json:"details,omitempty"` // 错误详情
	Cause   error       `json:"-"`                 // 原始错误
}

// Error 实现error接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("code: %d, message: %s, cause: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，供 errors.Is 使用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause 设置原始错误
func (e *Error) WithCause(cause error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// WithDetails 设置错误详情
func (e *Error) WithDetails(details interface{}) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// New 创建新错误
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf 创建格式化消息的新错误
func Newf(code int, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap 包装错误
func Wrap(err error, code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf 包装错误并格式化消息
func Wrapf(err error, code int, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Transient 包装为可恢复错误
func Transient(err error, message string) *Error {
	return Wrap(err, CodeTransient, message)
}

// Protocol 包装为不可恢复的协议错误
func Protocol(err error, message string) *Error {
	return Wrap(err, CodeProtocol, message)
}

// FromError 从标准error转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if stderrors.As(err, &e) {
		return e
	}

	return &Error{
		Code:    CodeInternal,
		Message: err.Error(),
		Cause:   err,
	}
}

// IsCode 判断错误链中是否存在指定错误码
func IsCode(err error, code int) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// GetCode 获取最外层错误码
func GetCode(err error) int {
	if err == nil {
		return CodeOK
	}

	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}

	return CodeInternal
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	if err == nil {
		return "ok"
	}

	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}

	return err.Error()
}

// IsTransient 判断错误是否可重试
func IsTransient(err error) bool {
	switch GetCode(err) {
	case CodeTransient, CodeNotConnected, CodeNoNode:
		return true
	}
	return false
}

// IsFatal 判断错误是否需要让 Watcher 退出
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}
