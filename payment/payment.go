// Package payment 定义支付协作方，并提供进程内的沙箱实现
//
// 所有操作在调用方提供的幂等键下都是幂等的：同一个键重复调用返回首次的结果。
package payment

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ChargeStatus 扣款状态
type ChargeStatus string

const (
	ChargeAuthorized ChargeStatus = "authorized"
	ChargeCaptured   ChargeStatus = "captured"
	ChargeVoided     ChargeStatus = "voided"
	ChargeRefunded   ChargeStatus = "refunded"
)

// Operation 支付操作名，用于幂等键和故障注入
type Operation string

const (
	OpAuthorize Operation = "authorize"
	OpCapture   Operation = "capture"
	OpVoid      Operation = "void"
	OpRefund    Operation = "refund"
)

var (
	ErrChargeNotFound    = errors.New("charge not found")
	ErrInvalidTransition = errors.New("invalid charge state transition")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrKeyReused         = errors.New("idempotency key reused with different parameters")
	ErrDeclined          = errors.New("payment declined")
)

// Charge 一笔扣款（金额为最小货币单位）
type Charge struct {
	ID       string
	Amount   int64
	Refunded int64
	Currency string
	Method   string
	Status   ChargeStatus
	Created  time.Time
}

// Refund 一笔退款
type Refund struct {
	ID       string
	ChargeID string
	Amount   int64
	// Remaining 本次退款后该扣款剩余可退金额
	Remaining int64
	Created   time.Time
}

// AuthorizeRequest 预授权请求
type AuthorizeRequest struct {
	Amount         int64
	Currency       string
	Method         string
	IdempotencyKey string
}

// Gateway 支付协作方
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Charge, error)
	Capture(ctx context.Context, chargeID, idempotencyKey string) (Charge, error)
	Void(ctx context.Context, chargeID, idempotencyKey string) (Charge, error)
	Refund(ctx context.Context, chargeID string, amount int64, idempotencyKey string) (Refund, error)
}

// IdempotencyKey 生成 <saga>:<bookingID>:<attemptID>:<operation> 形式的幂等键
//
// attemptID 标识一次 Saga 执行：同一次执行内重发请求得到回放，
// 补偿之后的新一次执行使用新的键，真正重新发起支付操作。
func IdempotencyKey(saga, bookingID, attemptID, operation string) string {
	return strings.Join([]string{saga, bookingID, attemptID, operation}, ":")
}
