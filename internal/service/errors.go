package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 请求格式错误或缺少必填字段，对应 400。
	ErrValidation = errors.New("validation failed")
	// ErrNotFound 资源不存在或不属于当前用户，对应 404。两种情况刻意不做区分。
	ErrNotFound = errors.New("not found")
	// ErrProviderUnavailable 模型或供应商无法解析，对应 400。
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrUnauthorized 认证失败，对应 401。
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict 资源已存在，对应 409。
	ErrConflict = errors.New("conflict")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}
