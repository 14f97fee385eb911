// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore）负责将底层错误转换为这些领域错误。
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 记录不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("record not found")

	// ErrConnection 后端不可达（连接或建表失败）
	ErrConnection = errors.New("storage connection failed")
)

// RepositoryError 后端操作失败
type RepositoryError struct {
	Op  string
	Key string
	Err error
}

func (e *RepositoryError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("repository %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// Wrap 包装后端错误；nil、ErrNotFound 与连接错误原样返回
func Wrap(op, key string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConnection) {
		return err
	}
	var re *RepositoryError
	if errors.As(err, &re) {
		return err
	}
	return &RepositoryError{Op: op, Key: key, Err: err}
}

// ConnectionError 包装连接失败原因
func ConnectionError(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnection, backend, err)
}
