package telemetry

import (
	"context"
	"errors"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/resilience"
	"memory-fusion-hub/internal/shared/storage"
)

// ErrorType 把错误归类为低基数的标签值
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrUnknownKind):
		return "validation"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrConnection):
		return "connection"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrBulkheadFull):
		return "bulkhead_full"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var repoErr *storage.RepositoryError
	if errors.As(err, &repoErr) {
		return "repository"
	}
	return "internal"
}
