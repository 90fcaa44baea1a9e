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
	"bookingsaga/payment"
	"bookingsaga/saga"
)

// PaymentSagaName 支付 Saga 名称
const PaymentSagaName = "booking-payment"

// PaymentState 支付 Saga 的状态
type PaymentState struct {
	BookingID     string
	UserID        string
	PaymentMethod string
	// AttemptID 本次执行的标识，用于派生支付幂等键；为空时由 validateBooking 生成
	AttemptID string

	Amount   int64
	Currency string

	InventoryHeld bool
	ChargeID      string
	Authorized    bool
	Captured      bool
	PaidAt        time.Time

	EventPublished bool
}

// BookingPaidEvent booking.paid 事件内容
type BookingPaidEvent struct {
	BookingID string    `json:"bookingId"`
	UserID    string    `json:"userId"`
	ChargeID  string    `json:"chargeId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency,omitempty"`
	PaidAt    time.Time `json:"paidAt"`
}

func (s *PaymentState) paymentKey(op string) string {
	return payment.IdempotencyKey(PaymentSagaName, s.BookingID, s.AttemptID, op)
}

type paymentSaga struct{ Deps }

// NewPayment 构建支付 Saga：
// validateBooking → holdInventory → authorizePayment → capturePayment → updateBookingStatus → publishEvent（可选）
//
// 先占库存再动钱；只有授权成功才扣款，后续失败只需撤销授权或扣款。
func NewPayment(deps Deps) (*saga.Definition[PaymentState], error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	p := &paymentSaga{deps}
	return saga.NewDefinition(PaymentSagaName,
		saga.NewStep(StepValidateBooking, p.validateBooking),
		saga.NewStep(StepHoldInventory, p.holdInventory).WithCompensation(p.releaseInventory),
		saga.NewStep(StepAuthorizePayment, p.authorizePayment).WithCompensation(p.releaseAuthorization),
		saga.NewStep(StepCapturePayment, p.capturePayment).WithCompensation(p.voidPayment),
		saga.NewStep(StepUpdateBookingStatus, p.updateBookingStatus),
		saga.NewStep(StepPublishEvent, p.publishEvent).AsOptional(),
	)
}

func (p *paymentSaga) validateBooking(ctx context.Context, s PaymentState) (saga.Update[PaymentState], error) {
	b, err := p.Bookings.Get(ctx, s.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != booking.StatusConfirmed {
		return nil, apperrors.NewValidationError(fmt.Sprintf("booking %s is %s, only %s bookings can be paid",
			b.ID, b.Status, booking.StatusConfirmed))
	}
	if b.UserID != s.UserID {
		return nil, apperrors.NewForbiddenError("booking does not belong to user")
	}
	if b.FinalAmount <= 0 {
		return nil, apperrors.NewValidationError("booking has nothing to pay")
	}
	attempt := attemptOf(s.AttemptID)
	return func(st *PaymentState) {
		st.AttemptID = attempt
		st.Amount = b.FinalAmount
		st.Currency = b.Currency
		if st.PaymentMethod == "" {
			st.PaymentMethod = b.PaymentMethod
		}
	}, nil
}

func (p *paymentSaga) holdInventory(ctx context.Context, s PaymentState) (saga.Update[PaymentState], error) {
	if err := p.Inventory.Hold(ctx, s.BookingID); err != nil {
		return nil, err
	}
	return func(st *PaymentState) { st.InventoryHeld = true }, nil
}

func (p *paymentSaga) releaseInventory(ctx context.Context, s *PaymentState) error {
	if !s.InventoryHeld {
		return nil
	}
	err := p.Inventory.Release(ctx, s.BookingID)
	if err != nil && !errors.Is(err, inventory.ErrNotHeld) {
		return err
	}
	s.InventoryHeld = false
	return nil
}

func (p *paymentSaga) authorizePayment(ctx context.Context, s PaymentState) (saga.Update[PaymentState], error) {
	charge, err := p.Payments.Authorize(ctx, payment.AuthorizeRequest{
		Amount:         s.Amount,
		Currency:       s.Currency,
		Method:         s.PaymentMethod,
		IdempotencyKey: s.paymentKey("authorize"),
	})
	if err != nil {
		return nil, err
	}
	return func(st *PaymentState) {
		st.ChargeID = charge.ID
		st.Authorized = true
	}, nil
}

func (p *paymentSaga) releaseAuthorization(ctx context.Context, s *PaymentState) error {
	if !s.Authorized {
		return nil
	}
	if _, err := p.Payments.Void(ctx, s.ChargeID, s.paymentKey("void-authorization")); err != nil {
		return err
	}
	s.Authorized = false
	return nil
}

func (p *paymentSaga) capturePayment(ctx context.Context, s PaymentState) (saga.Update[PaymentState], error) {
	if _, err := p.Payments.Capture(ctx, s.ChargeID, s.paymentKey("capture")); err != nil {
		return nil, err
	}
	return func(st *PaymentState) { st.Captured = true }, nil
}

// voidPayment 作废已扣款；作废同时释放授权
func (p *paymentSaga) voidPayment(ctx context.Context, s *PaymentState) error {
	if !s.Captured {
		return nil
	}
	if _, err := p.Payments.Void(ctx, s.ChargeID, s.paymentKey("void-capture")); err != nil {
		return err
	}
	s.Captured = false
	s.Authorized = false
	return nil
}

func (p *paymentSaga) updateBookingStatus(ctx context.Context, s PaymentState) (saga.Update[PaymentState], error) {
	paidAt := p.Now()
	if err := p.Bookings.MarkPaid(ctx, s.BookingID, s.ChargeID, paidAt); err != nil {
		return nil, err
	}
	return func(st *PaymentState) { st.PaidAt = paidAt }, nil
}

func (p *paymentSaga) publishEvent(ctx context.Context, s PaymentState) (saga.Update[PaymentState], error) {
	err := p.Outbox.CreateEvent(ctx, outbox.TopicBookingPaid, "booking.paid:"+s.BookingID, BookingPaidEvent{
		BookingID: s.BookingID,
		UserID:    s.UserID,
		ChargeID:  s.ChargeID,
		Amount:    s.Amount,
		Currency:  s.Currency,
		PaidAt:    s.PaidAt,
	})
	if err != nil {
		return nil, err
	}
	p.Logger.Debug(ctx, "booking paid event recorded", logging.String("booking_id", s.BookingID))
	return func(st *PaymentState) { st.EventPublished = true }, nil
}
