package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookingsaga/logging"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []Entry
	failWith  error
}

func (s *recordingSink) Deliver(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.delivered = append(s.delivered, e)
	return nil
}

func (s *recordingSink) setFail(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func (s *recordingSink) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.delivered))
	for _, e := range s.delivered {
		out = append(out, e.Topic)
	}
	return out
}

func newTestRelay(store *SQLStore, sink Sink, clock *fakeClock, cfg Config) *Relay {
	r := NewRelay(store, sink, cfg, logging.NewNoopLogger())
	r.now = clock.Now
	return r
}

func TestRelay_PublishesPendingInOrder(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, TopicBookingCancelled, "c:1", "x"))
	require.NoError(t, store.CreateEvent(ctx, TopicNotificationEmail, "e:1", "y"))

	sink := &recordingSink{}
	relay := newTestRelay(store, sink, clock, Config{BatchSize: 10})

	n, err := relay.PublishPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{TopicBookingCancelled, TopicNotificationEmail}, sink.topics())

	// 已发布的记录不会再次投递
	n, err = relay.PublishPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, sink.topics(), 2)
}

func TestRelay_RetriesWithBackoffThenMarksDead(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, TopicBookingPaid, "p:1", "x"))

	sink := &recordingSink{failWith: errors.New("nats unavailable")}
	relay := newTestRelay(store, sink, clock, Config{BatchSize: 10, MaxRetries: 3, RetryInterval: time.Second})

	_, err := relay.PublishPending(ctx)
	require.NoError(t, err)
	e, err := store.FindByDedupeKey(ctx, "p:1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)

	// 退避期内不重试
	n, err := relay.PublishPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute)
	_, err = relay.PublishPending(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = relay.PublishPending(ctx)
	require.NoError(t, err)

	e, err = store.FindByDedupeKey(ctx, "p:1")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, e.Status)
	assert.Equal(t, 3, e.RetryCount)
	assert.Equal(t, "nats unavailable", e.LastError)

	// dead 记录即使下游恢复也不会自动投递
	sink.setFail(nil)
	clock.Advance(time.Hour)
	n, err = relay.PublishPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_RecoversAfterTransientFailure(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, TopicBookingPaid, "p:1", "x"))

	sink := &recordingSink{failWith: errors.New("timeout")}
	relay := newTestRelay(store, sink, clock, Config{MaxRetries: 5, RetryInterval: time.Second})

	_, err := relay.PublishPending(ctx)
	require.NoError(t, err)

	sink.setFail(nil)
	clock.Advance(time.Minute)
	n, err := relay.PublishPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := store.FindByDedupeKey(ctx, "p:1")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, e.Status)
	assert.Empty(t, e.LastError)
}

func TestRelay_Metrics(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, TopicBookingPaid, "p:1", "x"))
	require.NoError(t, store.CreateEvent(ctx, TopicBookingCancelled, "c:1", "x"))

	m, err := NewRelayMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	sink := SinkFunc(func(_ context.Context, e Entry) error {
		if e.Topic == TopicBookingPaid {
			return errors.New("rejected")
		}
		return nil
	})
	relay := newTestRelay(store, sink, clock, Config{}).WithMetrics(m)

	_, err = relay.PublishPending(ctx)
	require.NoError(t, err)
	relay.updateBacklog(ctx)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(TopicBookingCancelled, "published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(TopicBookingPaid, "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backlog.WithLabelValues("published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backlog.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backlog.WithLabelValues("pending")))
}

func TestRelay_StartStop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEvent(ctx, TopicBookingCancelled, "c:1", "x"))

	sink := &recordingSink{}
	relay := NewRelay(store, sink, Config{PublishInterval: 10 * time.Millisecond}, logging.NewNoopLogger())
	require.NoError(t, relay.Start(ctx))

	assert.Eventually(t, func() bool { return len(sink.topics()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, relay.Stop())
	// 重复 Stop 是安全的
	require.NoError(t, relay.Stop())
}
