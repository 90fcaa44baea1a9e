package sagas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookingsaga/booking"
	apperrors "bookingsaga/errors"
	"bookingsaga/eventing/outbox"
	"bookingsaga/inventory"
	"bookingsaga/logging"
	"bookingsaga/notification"
	"bookingsaga/payment"
	"bookingsaga/saga"
)

// CancellationSagaName 取消 Saga 名称
const CancellationSagaName = "booking-cancellation"

// CancellationState 取消 Saga 的状态
type CancellationState struct {
	BookingID string
	UserID    string
	Reason    string
	// RefundAmount 调用方指定的退款金额，nil 表示退还预订的全部金额
	RefundAmount *int64
	// AttemptID 本次执行的标识，用于派生支付幂等键；为空时由 processRefund 生成
	AttemptID string

	InventoryReleased bool

	PaymentRefunded bool
	ChargeID        string
	PaymentMethod   string
	Currency        string
	RefundID        string
	RefundedAmount  int64
	RefundedAt      time.Time
	// ChargeRemaining 退款后原扣款剩余可退金额
	ChargeRemaining int64

	// ReverseChargeID 补偿时重新扣款生成的扣款，同时成为预订关联的扣款
	ReverseChargeID string
}

func (s *CancellationState) paymentKey(op string) string {
	return payment.IdempotencyKey(CancellationSagaName, s.BookingID, s.AttemptID, op)
}

// BookingCancelledEvent booking.cancelled 事件内容
type BookingCancelledEvent struct {
	BookingID      string    `json:"bookingId"`
	UserID         string    `json:"userId"`
	Reason         string    `json:"reason,omitempty"`
	RefundedAmount int64     `json:"refundedAmount"`
	Currency       string    `json:"currency,omitempty"`
	RefundID       string    `json:"refundId,omitempty"`
	RefundedAt     time.Time `json:"refundedAt"`
}

type cancellation struct{ Deps }

// NewCancellation 构建取消 Saga：
// releaseInventory → processRefund → sendCancellationEmail（可选）→ updateBookingStatus
func NewCancellation(deps Deps) (*saga.Definition[CancellationState], error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	c := &cancellation{deps}
	return saga.NewDefinition(CancellationSagaName,
		saga.NewStep(StepReleaseInventory, c.releaseInventory).WithCompensation(c.reholdInventory),
		saga.NewStep(StepProcessRefund, c.processRefund).WithCompensation(c.reverseRefund),
		saga.NewStep(StepSendCancellationEmail, c.sendCancellationEmail).AsOptional(),
		saga.NewStep(StepUpdateBookingStatus, c.updateBookingStatus),
	)
}

func (c *cancellation) releaseInventory(ctx context.Context, s CancellationState) (saga.Update[CancellationState], error) {
	err := c.Inventory.Release(ctx, s.BookingID)
	if errors.Is(err, inventory.ErrNotHeld) {
		// 没有占用名额时无需释放，补偿也不应重新占用
		c.Logger.Info(ctx, "no inventory held for booking", logging.String("booking_id", s.BookingID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return func(st *CancellationState) { st.InventoryReleased = true }, nil
}

func (c *cancellation) reholdInventory(ctx context.Context, s *CancellationState) error {
	if !s.InventoryReleased {
		return nil
	}
	if err := c.Inventory.Rehold(ctx, s.BookingID); err != nil {
		return err
	}
	s.InventoryReleased = false
	return nil
}

func (c *cancellation) processRefund(ctx context.Context, s CancellationState) (saga.Update[CancellationState], error) {
	b, err := c.Bookings.Get(ctx, s.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == booking.StatusRefunded || b.Status == booking.StatusCancelled {
		return nil, apperrors.NewValidationError(fmt.Sprintf("booking %s is already %s", b.ID, b.Status))
	}

	amount := b.FinalAmount
	if s.RefundAmount != nil {
		amount = *s.RefundAmount
		if amount < 0 || amount > b.FinalAmount {
			return nil, apperrors.NewValidationError("refund amount must be between 0 and the booking amount")
		}
	}
	refundedAt := c.Now()

	if b.ChargeID == "" || amount == 0 {
		// 免费预订或零金额退款是预期结果，不是失败
		return func(st *CancellationState) {
			st.RefundedAmount = 0
			st.Currency = b.Currency
			st.RefundedAt = refundedAt
		}, nil
	}

	attempt := attemptOf(s.AttemptID)
	refund, err := c.Payments.Refund(ctx, b.ChargeID, amount,
		payment.IdempotencyKey(CancellationSagaName, s.BookingID, attempt, "refund"))
	if err != nil {
		return nil, err
	}
	return func(st *CancellationState) {
		st.AttemptID = attempt
		st.ChargeRemaining = refund.Remaining
		st.PaymentRefunded = true
		st.ChargeID = b.ChargeID
		st.PaymentMethod = b.PaymentMethod
		st.Currency = b.Currency
		st.RefundID = refund.ID
		st.RefundedAmount = refund.Amount
		st.RefundedAt = refundedAt
	}, nil
}

// reverseRefund 重新扣回已退金额，并把预订改为关联新扣款
//
// 部分退款时原扣款的剩余部分先一并退回，新扣款按两者之和扣款：
// 用户实付金额不变，预订只关联一笔可全额退款的扣款，之后的取消可以从它退款。
func (c *cancellation) reverseRefund(ctx context.Context, s *CancellationState) error {
	if !s.PaymentRefunded {
		return nil
	}
	if s.ChargeRemaining > 0 {
		if _, err := c.Payments.Refund(ctx, s.ChargeID, s.ChargeRemaining, s.paymentKey("reverse-refund-settle")); err != nil {
			return err
		}
	}
	charge, err := c.Payments.Authorize(ctx, payment.AuthorizeRequest{
		Amount:         s.RefundedAmount + s.ChargeRemaining,
		Currency:       s.Currency,
		Method:         s.PaymentMethod,
		IdempotencyKey: s.paymentKey("reverse-refund-authorize"),
	})
	if err != nil {
		return err
	}
	if _, err := c.Payments.Capture(ctx, charge.ID, s.paymentKey("reverse-refund-capture")); err != nil {
		return err
	}
	s.ReverseChargeID = charge.ID
	s.PaymentRefunded = false
	return c.Bookings.ReplaceCharge(ctx, s.BookingID, charge.ID)
}

func (c *cancellation) sendCancellationEmail(ctx context.Context, s CancellationState) (saga.Update[CancellationState], error) {
	return nil, c.Notifier.SendCancellationEmail(ctx, notification.CancellationEmail{
		BookingID:      s.BookingID,
		UserID:         s.UserID,
		Reason:         s.Reason,
		RefundedAmount: s.RefundedAmount,
		Currency:       s.Currency,
	})
}

func (c *cancellation) updateBookingStatus(ctx context.Context, s CancellationState) (saga.Update[CancellationState], error) {
	refundedAt := s.RefundedAt
	if refundedAt.IsZero() {
		refundedAt = c.Now()
	}
	// 状态与 booking.cancelled 事件同一事务提交，失败时两者都不落库
	return nil, c.Tx.InTx(ctx, func(ctx context.Context, bookings booking.Repository, events outbox.Writer) error {
		err := bookings.MarkRefunded(ctx, s.BookingID, booking.Refund{
			RefundedAt: refundedAt,
			Reason:     s.Reason,
			Amount:     s.RefundedAmount,
		})
		if err != nil {
			return err
		}
		return events.CreateEvent(ctx, outbox.TopicBookingCancelled, "booking.cancelled:"+s.BookingID, BookingCancelledEvent{
			BookingID:      s.BookingID,
			UserID:         s.UserID,
			Reason:         s.Reason,
			RefundedAmount: s.RefundedAmount,
			Currency:       s.Currency,
			RefundID:       s.RefundID,
			RefundedAt:     refundedAt,
		})
	})
}
