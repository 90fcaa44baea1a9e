package natsjetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookingsaga/eventing/outbox"
	"bookingsaga/logging"
)

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
	dup  bool
}

func (f *fakePublisher) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: "BOOKINGSAGA", Sequence: uint64(len(f.msgs)), Duplicate: f.dup}, nil
}

func runningSink(pub publisher) *Sink {
	s := NewSink(Config{Logger: logging.NewNoopLogger()})
	s.pub = pub
	s.running = true
	return s
}

func testEntry() outbox.Entry {
	return outbox.Entry{
		ID:        1,
		EventID:   "evt-1",
		Topic:     outbox.TopicBookingCancelled,
		DedupeKey: "booking.cancelled:bk1",
		Payload:   `{"bookingId":"bk1","refundedAmount":100000}`,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSink_DeliverSetsSubjectAndDedupeHeader(t *testing.T) {
	pub := &fakePublisher{}
	s := runningSink(pub)

	require.NoError(t, s.Deliver(context.Background(), testEntry()))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "events.booking.cancelled", msg.Subject)
	assert.Equal(t, "booking.cancelled:bk1", msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, outbox.TopicBookingCancelled, msg.Header.Get(HeaderTopic))
	assert.Equal(t, "evt-1", msg.Header.Get(HeaderEventID))

	env, err := UnmarshalEnvelope(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", env.EventID)
	assert.Equal(t, "booking.cancelled:bk1", env.DedupeKey)
	assert.True(t, env.CreatedAt.Equal(testEntry().CreatedAt))
	assert.JSONEq(t, testEntry().Payload, string(env.Payload))
}

func TestSink_DuplicateAckIsSuccess(t *testing.T) {
	s := runningSink(&fakePublisher{dup: true})
	assert.NoError(t, s.Deliver(context.Background(), testEntry()))
}

func TestSink_PublishErrorIsReturned(t *testing.T) {
	s := runningSink(&fakePublisher{err: nats.ErrNoResponders})
	err := s.Deliver(context.Background(), testEntry())
	assert.True(t, errors.Is(err, nats.ErrNoResponders))
}

func TestSink_NotRunning(t *testing.T) {
	s := NewSink(Config{Logger: logging.NewNoopLogger()})
	assert.Error(t, s.Deliver(context.Background(), testEntry()))
	_, err := s.Subscribe("booking.>", "", nil)
	assert.Error(t, err)
}

func TestMarshalEnvelope_RejectsInvalidPayload(t *testing.T) {
	e := testEntry()
	e.Payload = "{not json"
	_, err := MarshalEnvelope(e)
	assert.Error(t, err)

	e.Payload = ""
	data, err := MarshalEnvelope(e)
	require.NoError(t, err)
	env, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "null", string(env.Payload))
}

func TestStreamConfig(t *testing.T) {
	s := NewSink(Config{Stream: "S", SubjectPrefix: "bk.", Retention: "workqueue", Replicas: 3, DedupWindow: time.Minute})
	sc := s.streamConfig()
	assert.Equal(t, "S", sc.Name)
	assert.Equal(t, []string{"bk.>"}, sc.Subjects)
	assert.Equal(t, nats.WorkQueuePolicy, sc.Retention)
	assert.Equal(t, 3, sc.Replicas)
	assert.Equal(t, time.Minute, sc.Duplicates)

	assert.Equal(t, nats.LimitsPolicy, NewSink(Config{}).streamConfig().Retention)
}
