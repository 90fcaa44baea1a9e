// Package notification 发送预订相关的用户通知
//
// 通知通过 Outbox 异步投递，调用方只负责把邮件请求写入 notification.email 主题。
package notification

import (
	"context"
	"time"

	"bookingsaga/eventing/outbox"
	"bookingsaga/logging"
)

// TemplateBookingCancelled 取消通知邮件模板
const TemplateBookingCancelled = "booking_cancelled"

// CancellationEmail 取消通知内容
type CancellationEmail struct {
	BookingID      string
	UserID         string
	Reason         string
	RefundedAmount int64
	Currency       string
}

// Notifier 通知协作方
type Notifier interface {
	SendCancellationEmail(ctx context.Context, email CancellationEmail) error
}

// EmailPayload 写入 Outbox 的邮件请求
type EmailPayload struct {
	Template       string    `json:"template"`
	UserID         string    `json:"userId"`
	BookingID      string    `json:"bookingId"`
	Reason         string    `json:"reason,omitempty"`
	RefundedAmount int64     `json:"refundedAmount"`
	Currency       string    `json:"currency,omitempty"`
	RequestedAt    time.Time `json:"requestedAt"`
}

// OutboxNotifier 把邮件请求写入 Outbox
type OutboxNotifier struct {
	writer outbox.Writer
	logger logging.Logger
	now    func() time.Time
}

var _ Notifier = (*OutboxNotifier)(nil)

// NewOutboxNotifier 创建通知器
func NewOutboxNotifier(writer outbox.Writer, logger logging.Logger) *OutboxNotifier {
	if logger == nil {
		logger = logging.ComponentLogger("notification")
	}
	return &OutboxNotifier{writer: writer, logger: logger, now: time.Now}
}

// SendCancellationEmail 同一预订只会入队一封取消邮件（dedupe key email:cancel:<id>）
func (n *OutboxNotifier) SendCancellationEmail(ctx context.Context, email CancellationEmail) error {
	payload := EmailPayload{
		Template:       TemplateBookingCancelled,
		UserID:         email.UserID,
		BookingID:      email.BookingID,
		Reason:         email.Reason,
		RefundedAmount: email.RefundedAmount,
		Currency:       email.Currency,
		RequestedAt:    n.now().UTC(),
	}
	if err := n.writer.CreateEvent(ctx, outbox.TopicNotificationEmail, CancellationDedupeKey(email.BookingID), payload); err != nil {
		return err
	}
	n.logger.Info(ctx, "cancellation email queued",
		logging.String("booking_id", email.BookingID),
		logging.String("user_id", email.UserID))
	return nil
}

// CancellationDedupeKey 取消邮件的去重键
func CancellationDedupeKey(bookingID string) string {
	return "email:cancel:" + bookingID
}
