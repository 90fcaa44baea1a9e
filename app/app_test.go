package app

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"bookingsaga/booking"
	"bookingsaga/booking/sagas"
	"bookingsaga/config"
	"bookingsaga/eventing/outbox"
	"bookingsaga/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.DSN = ":memory:"
	cfg.NATS.Enabled = false
	return cfg
}

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNoopLogger())}, opts...)
	a, err := New(context.Background(), testConfig(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Migrate(context.Background()))
	return a
}

func seed(t *testing.T, a *App, id string) {
	t.Helper()
	require.NoError(t, a.Bookings.Create(context.Background(), &booking.Booking{
		ID: id, UserID: "u1", Status: booking.StatusConfirmed, FinalAmount: 5000, Currency: "KRW", PaymentMethod: "card",
	}))
}

func TestApp_PayThenCancel(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	seed(t, a, "bk1")

	paid, err := a.Sagas.Pay(ctx, sagas.PayRequest{BookingID: "bk1", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, paid.Success, paid.Error)

	b, err := a.Bookings.Get(ctx, "bk1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPaid, b.Status)

	cancelled, err := a.Sagas.Cancel(ctx, sagas.CancelRequest{BookingID: "bk1", UserID: "u1", Reason: "changed plans"})
	require.NoError(t, err)
	require.True(t, cancelled.Success, cancelled.Error)

	b, err = a.Bookings.Get(ctx, "bk1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusRefunded, b.Status)
	assert.Equal(t, int64(5000), b.RefundedAmount)

	pending, err := a.Outbox.GetPendingEntries(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestApp_MetricsHandler(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	seed(t, a, "bk1")

	_, err := a.Sagas.Pay(ctx, sagas.PayRequest{BookingID: "bk1", UserID: "u1", IdempotencyKey: "pay-1"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "bookingsaga_saga_executions_total")
	assert.Contains(t, text, `bookingsaga_cache_entries{cache="payment_replay"}`)
	assert.Contains(t, text, "go_goroutines")
}

func TestApp_RedisBackedStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := newTestApp(t, WithRedisClient(client))
	ctx := context.Background()
	seed(t, a, "bk1")

	out, err := a.Sagas.Pay(ctx, sagas.PayRequest{BookingID: "bk1", UserID: "u1", IdempotencyKey: "pay-1"})
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)

	assert.True(t, mr.Exists("inventory:hold:bk1"))
	assert.True(t, mr.Exists("idempotency:record:booking-payment:pay-1"))

	again, err := a.Sagas.Pay(ctx, sagas.PayRequest{BookingID: "bk1", UserID: "u1", IdempotencyKey: "pay-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, out.CorrelationID, again.CorrelationID)
}

func TestApp_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	_, err := New(context.Background(), testConfig(t), WithLogger(logging.NewNoopLogger()), WithRedisClient(client))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestApp_RelayToRedisStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Relay.Sink = config.SinkRedisStreams
	a, err := New(context.Background(), cfg, WithLogger(logging.NewNoopLogger()), WithRedisClient(client))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()
	require.NoError(t, a.Migrate(ctx))
	seed(t, a, "bk1")

	out, err := a.Sagas.Pay(ctx, sagas.PayRequest{BookingID: "bk1", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)

	sink, closeSink, err := a.StartSink(ctx)
	require.NoError(t, err)
	defer func() { _ = closeSink() }()

	published, err := a.NewRelay(sink).PublishPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	n, err := client.XLen(ctx, "outbox:"+outbox.TopicBookingPaid).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := a.Outbox.GetPendingEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApp_StreamsSinkNeedsRedis(t *testing.T) {
	a := newTestApp(t)
	_, err := a.NewStreamsSink()
	assert.Error(t, err)
}
