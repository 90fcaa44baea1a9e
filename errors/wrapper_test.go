package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWrap 测试基本错误包装
func TestWrap(t *testing.T) {
	ctx := context.Background()
	originalErr := errors.New("connection reset")

	wrapped := Wrap(ctx, originalErr, ErrCodeDependency, "inventory release")

	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, originalErr)
	assert.Equal(t, ErrCodeDependency, GetErrorCode(wrapped))
	assert.Contains(t, wrapped.Error(), "inventory release")
}

// TestWrap_NilError 测试包装nil错误
func TestWrap_NilError(t *testing.T) {
	assert.NoError(t, Wrap(context.Background(), nil, ErrCodeInternal, "msg"))
	assert.NoError(t, WrapWithLog(context.Background(), nil, ErrCodeInternal, "msg"))
	assert.NoError(t, WrapDbError(context.Background(), nil, "op"))
}

// TestWrapDbError 测试数据库错误包装
func TestWrapDbError(t *testing.T) {
	ctx := context.Background()

	wrapped := WrapDbError(ctx, errors.New("disk I/O error"), "load booking")
	assert.Equal(t, ErrCodeDatabase, GetErrorCode(wrapped))

	notFound := NewNotFoundError("booking not found")
	wrapped = WrapDbError(ctx, notFound, "load booking")
	assert.True(t, IsNotFound(wrapped))
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	a := NewValidationError("booking status is PAID")
	b := NewError(ErrCodeValidation, "other message")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, NewNotFoundError("x")))
}

func TestAppError_WithContext(t *testing.T) {
	base := NewError(ErrCodeConflict, "already held")
	withCtx := base.WithContext("booking_id", "bk1")

	assert.Empty(t, base.Details())
	assert.Equal(t, "bk1", withCtx.Details()["booking_id"])
	assert.NotEmpty(t, withCtx.Stack())
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
	assert.Equal(t, ErrCodeInternal, GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrCodeForbidden, GetErrorCode(NewForbiddenError("not owner")))
}

func TestSafeMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain error hides details", errors.New("dial tcp 10.0.0.1:5432: refused"), "internal error"},
		{"validation keeps message", NewValidationError("booking must be CONFIRMED"), "booking must be CONFIRMED"},
		{"not found keeps message", NewNotFoundError("booking not found"), "booking not found"},
		{"dependency uses generic text", WrapError(errors.New("502"), ErrCodeDependency, "payment capture"), "upstream service unavailable"},
		{"database uses generic text", WrapError(errors.New("locked"), ErrCodeDatabase, "update"), "storage unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeMessage(tt.err))
		})
	}
}
