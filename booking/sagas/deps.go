// Package sagas 预订取消与支付两个具体 Saga
package sagas

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"bookingsaga/booking"
	"bookingsaga/eventing/outbox"
	"bookingsaga/inventory"
	"bookingsaga/logging"
	"bookingsaga/notification"
	"bookingsaga/payment"
)

// 步骤名
const (
	StepReleaseInventory      = "releaseInventory"
	StepProcessRefund         = "processRefund"
	StepSendCancellationEmail = "sendCancellationEmail"
	StepUpdateBookingStatus   = "updateBookingStatus"

	StepValidateBooking  = "validateBooking"
	StepHoldInventory    = "holdInventory"
	StepAuthorizePayment = "authorizePayment"
	StepCapturePayment   = "capturePayment"
	StepPublishEvent     = "publishEvent"
)

// Deps 两个 Saga 共用的协作方
type Deps struct {
	Bookings  booking.Repository
	Inventory inventory.Service
	Payments  payment.Gateway
	Notifier  notification.Notifier
	Outbox    outbox.Writer
	// Tx 取消 Saga 的终态写入（状态 + 事件）所用的事务；为空时不开启事务，依次写 Bookings 与 Outbox
	Tx     booking.UnitOfWork
	Logger logging.Logger
	Now    func() time.Time
}

func (d *Deps) validate() error {
	switch {
	case d.Bookings == nil:
		return errors.New("sagas: booking repository is required")
	case d.Inventory == nil:
		return errors.New("sagas: inventory service is required")
	case d.Payments == nil:
		return errors.New("sagas: payment gateway is required")
	case d.Outbox == nil:
		return errors.New("sagas: outbox writer is required")
	}
	if d.Tx == nil {
		d.Tx = booking.DirectUnitOfWork{Bookings: d.Bookings, Events: d.Outbox}
	}
	if d.Logger == nil {
		d.Logger = logging.ComponentLogger("booking.sagas")
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewOutboxNotifier(d.Outbox, d.Logger)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// attemptOf 沿用已有的执行标识，否则生成新的
func attemptOf(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
