package domain

import (
	"errors"
	"fmt"
)

// 错误类别
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrPermission = errors.New("permission denied")
	ErrNotFound   = errors.New("not found")
)

// Error 带字段归属的业务错误
type Error struct {
	Kind    error
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Validation 参数校验失败
func Validation(field, msg string) error {
	return &Error{Kind: ErrValidation, Field: field, Message: msg}
}

// Conflict 对象已存在
func Conflict(field, msg string) error {
	return &Error{Kind: ErrConflict, Field: field, Message: msg}
}

// Permission 权限不足
func Permission(msg string) error {
	return &Error{Kind: ErrPermission, Message: msg}
}

// NotFound 对象不存在
func NotFound(field, msg string) error {
	return &Error{Kind: ErrNotFound, Field: field, Message: msg}
}
