package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "bookingsaga/data/db"
	basicdb "bookingsaga/data/db/basic"
	"bookingsaga/eventing/outbox"
	"bookingsaga/logging"
)

func newUnitOfWork(t *testing.T) (*SQLUnitOfWork, *SQLRepository, *outbox.SQLStore) {
	t.Helper()
	db, err := basicdb.New(core.DBConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	log := logging.NewNoopLogger()
	repo := NewSQLRepository(db, log)
	require.NoError(t, repo.EnsureSchema(ctx))
	store := outbox.NewSQLStore(db, log)
	require.NoError(t, store.EnsureTable(ctx))
	require.NoError(t, repo.Create(ctx, confirmed("bk1")))
	return NewSQLUnitOfWork(db, log), repo, store
}

func refundInTx(outboxErr error) TxFunc {
	return func(ctx context.Context, bookings Repository, events outbox.Writer) error {
		if err := bookings.MarkRefunded(ctx, "bk1", Refund{RefundedAt: time.Now().UTC(), Reason: "r", Amount: 100000}); err != nil {
			return err
		}
		if outboxErr != nil {
			return outboxErr
		}
		return events.CreateEvent(ctx, outbox.TopicBookingCancelled, "booking.cancelled:bk1", map[string]string{"bookingId": "bk1"})
	}
}

func TestSQLUnitOfWork_CommitsBothWrites(t *testing.T) {
	uow, repo, store := newUnitOfWork(t)
	ctx := context.Background()

	require.NoError(t, uow.InTx(ctx, refundInTx(nil)))

	b, err := repo.Get(ctx, "bk1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, b.Status)
	pending, err := store.GetPendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, outbox.TopicBookingCancelled, pending[0].Topic)
}

func TestSQLUnitOfWork_RollsBackStatusWhenEventFails(t *testing.T) {
	uow, repo, store := newUnitOfWork(t)
	ctx := context.Background()
	outboxDown := errors.New("outbox unavailable")

	err := uow.InTx(ctx, refundInTx(outboxDown))
	assert.ErrorIs(t, err, outboxDown)

	b, err := repo.Get(ctx, "bk1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, b.Status)
	assert.Zero(t, b.RefundedAmount)
	pending, err := store.GetPendingEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
