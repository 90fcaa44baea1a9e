// Package booking 预订模型与持久化
package booking

import (
	"context"
	"errors"
	"time"
)

// Status 预订状态
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

var statuses = []Status{StatusPending, StatusConfirmed, StatusPaid, StatusCancelled, StatusRefunded}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

func statusNames() []string {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return names
}

var (
	// ErrBookingNotFound 预订不存在
	ErrBookingNotFound = errors.New("booking not found")
	// ErrStatusConflict 条件更新时预订状态已变化
	ErrStatusConflict = errors.New("booking status changed concurrently")
)

// Booking 预订记录，金额为最小货币单位
type Booking struct {
	ID             string
	UserID         string
	Status         Status
	FinalAmount    int64
	Currency       string
	PaymentMethod  string
	ChargeID       string
	RefundedAt     *time.Time
	RefundReason   string
	RefundedAmount int64
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Refund 退款结果
type Refund struct {
	RefundedAt time.Time
	Reason     string
	Amount     int64
}

// Repository 预订仓储
//
// 读取或更新不存在的预订时返回的错误满足 errors.Is(err, ErrBookingNotFound)。
type Repository interface {
	Get(ctx context.Context, id string) (*Booking, error)
	Create(ctx context.Context, b *Booking) error
	// MarkRefunded 置为 REFUNDED 并记录退款信息
	MarkRefunded(ctx context.Context, id string, refund Refund) error
	// MarkPaid 仅当状态为 CONFIRMED 时置为 PAID
	MarkPaid(ctx context.Context, id, chargeID string, paidAt time.Time) error
	// ReplaceCharge 更换预订关联的扣款（退款被撤销后重新扣款）
	ReplaceCharge(ctx context.Context, id, chargeID string) error
}
