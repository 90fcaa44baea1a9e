package errors

import (
	"context"
	"fmt"

	"bookingsaga/logging"
)

// Wrap 包装错误，添加错误码和上下文信息
// 建议：在 Service / 步骤边界使用，添加业务上下文
func Wrap(ctx context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}

	wrapped := WrapError(err, code, msg)
	logging.GetLogger().Debug(ctx, "error wrapped",
		logging.String("error_code", string(code)),
		logging.String("message", msg))

	return wrapped
}

// WrapWithLog 包装错误并记录警告日志
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, allFields...)

	return wrapped
}

// WrapDbError 包装数据库错误
// 已经是 NOT_FOUND 的错误保持错误码，其余统一为 DATABASE_ERROR
func WrapDbError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	if IsNotFound(err) {
		return WrapError(err, ErrCodeNotFound, operation)
	}

	return WrapWithLog(ctx, err, ErrCodeDatabase,
		fmt.Sprintf("database operation failed: %s", operation),
		logging.String("operation", operation),
	)
}

// NewValidationError 创建新的验证错误
func NewValidationError(msg string) error {
	return NewError(ErrCodeValidation, msg)
}

// NewNotFoundError 创建新的未找到错误
func NewNotFoundError(msg string) error {
	return NewError(ErrCodeNotFound, msg)
}

// NewForbiddenError 创建新的禁止访问错误
func NewForbiddenError(msg string) error {
	return NewError(ErrCodeForbidden, msg)
}
