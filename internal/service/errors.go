package service

import (
	"errors"

	"tutor-chat-go/internal/repository"
)

// ValidationError 表示请求缺少必需字段或字段格式错误，可在本地恢复。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(message string) error {
	return &ValidationError{Message: message}
}

// IsValidation 判断 err 是否为 ValidationError。
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound 判断 err 是否表示会话不存在（或不属于该所有者）。
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrConversationNotFound)
}
