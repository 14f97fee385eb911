package fusion

import (
	"context"
	"errors"
	"fmt"

	"memory-fusion-hub/internal/shared/model"
)

// Error FusionService 操作失败
//
// 包装存储层、校验或保护层错误，errors.Is/As 可以穿透。
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("fusion %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("fusion %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap 包装为 *Error，已是 *Error 时原样返回
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Op: op, Key: key, Err: err}
}

var errKeyRequired = fmt.Errorf("%w: key is required", model.ErrValidation)

// IsValidation 是否为调用方输入错误
func IsValidation(err error) bool {
	return errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrUnknownKind)
}

// CountsAsFailure 熔断器是否应把 err 计为后端失败
//
// 校验错误与调用方取消不计入。
func CountsAsFailure(err error) bool {
	if err == nil || IsValidation(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
