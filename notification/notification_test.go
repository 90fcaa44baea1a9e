package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookingsaga/eventing/outbox"
	"bookingsaga/logging"
)

type capturedEvent struct {
	topic, dedupeKey string
	payload          any
}

type fakeWriter struct {
	events []capturedEvent
	err    error
}

func (w *fakeWriter) CreateEvent(_ context.Context, topic, dedupeKey string, payload any) error {
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, capturedEvent{topic, dedupeKey, payload})
	return nil
}

func TestOutboxNotifier_QueuesEmail(t *testing.T) {
	w := &fakeWriter{}
	n := NewOutboxNotifier(w, logging.NewNoopLogger())

	err := n.SendCancellationEmail(context.Background(), CancellationEmail{
		BookingID: "bk1", UserID: "u1", Reason: "user request", RefundedAmount: 100000, Currency: "KRW",
	})
	require.NoError(t, err)
	require.Len(t, w.events, 1)

	ev := w.events[0]
	assert.Equal(t, outbox.TopicNotificationEmail, ev.topic)
	assert.Equal(t, "email:cancel:bk1", ev.dedupeKey)
	p, ok := ev.payload.(EmailPayload)
	require.True(t, ok)
	assert.Equal(t, TemplateBookingCancelled, p.Template)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, int64(100000), p.RefundedAmount)
	assert.False(t, p.RequestedAt.IsZero())
}

func TestOutboxNotifier_PropagatesWriterError(t *testing.T) {
	boom := errors.New("outbox unavailable")
	n := NewOutboxNotifier(&fakeWriter{err: boom}, logging.NewNoopLogger())
	err := n.SendCancellationEmail(context.Background(), CancellationEmail{BookingID: "bk1"})
	assert.ErrorIs(t, err, boom)
}
