package sagas

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookingsaga/booking"
	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
	"bookingsaga/patterns/idempotency"
	"bookingsaga/saga"
)

type finishedObserver struct {
	saga.NopObserver
	mu       sync.Mutex
	finished []saga.Summary
}

func (o *finishedObserver) SagaFinished(_ context.Context, _ saga.RunInfo, s saga.Summary) {
	o.mu.Lock()
	o.finished = append(o.finished, s)
	o.mu.Unlock()
}

func (o *finishedObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.finished)
}

func newService(t *testing.T, e *env, withGate bool) (*Service, *finishedObserver) {
	t.Helper()
	var gate *idempotency.Gate
	if withGate {
		store := idempotency.NewMemoryStore(time.Minute)
		t.Cleanup(store.Stop)
		gate = idempotency.NewGate(store, idempotency.Config{
			LockTTL:      5 * time.Second,
			RecordTTL:    time.Hour,
			WaitTimeout:  5 * time.Second,
			PollInterval: time.Millisecond,
		}, logging.NewNoopLogger())
	}
	obs := &finishedObserver{}
	svc, err := NewService(e.deps, gate, ServiceConfig{
		Timeout:   5 * time.Second,
		Observers: []saga.Observer{obs},
		Logger:    logging.NewNoopLogger(),
	})
	require.NoError(t, err)
	return svc, obs
}

func TestService_ConcurrentCancelRunsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedBooking(t, "bk1", true)
	require.NoError(t, e.inv.Hold(ctx, "bk1"))
	svc, obs := newService(t, e, true)

	const n = 8
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.Cancel(ctx, CancelRequest{
				BookingID:      "bk1",
				UserID:         "u1",
				Reason:         "user request",
				IdempotencyKey: "cancel-bk1",
			})
		}(i)
	}
	wg.Wait()

	replayed := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, outcomes[i].Success)
		assert.Equal(t, outcomes[0].CorrelationID, outcomes[i].CorrelationID)
		if outcomes[i].Replayed {
			replayed++
		}
	}
	assert.Equal(t, n-1, replayed)
	assert.Equal(t, 1, obs.count())
	assert.Len(t, e.pay.Calls(), 1)
	assert.Equal(t, []string{"hold:bk1", "release:bk1"}, e.inv.Calls())

	b, err := e.repo.Get(ctx, "bk1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusRefunded, b.Status)
}

func TestService_FailedOutcomeIsReplayed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	svc, obs := newService(t, e, true)

	req := CancelRequest{BookingID: "missing", UserID: "u1", IdempotencyKey: "k1", CorrelationID: "corr-1"}
	first, err := svc.Cancel(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.False(t, first.Replayed)
	assert.Equal(t, StepProcessRefund, first.FailedStep)
	assert.Equal(t, string(apperrors.ErrCodeNotFound), first.ErrorCode)
	assert.Equal(t, []string{StepReleaseInventory}, first.CompensatedSteps)
	assert.Equal(t, "corr-1", first.CorrelationID)

	second, err := svc.Cancel(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	second.Replayed = false
	assert.Equal(t, first, second)
	assert.Equal(t, 1, obs.count())
}

func TestService_WithoutKeyRunsEveryTime(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	svc, obs := newService(t, e, true)

	for i := 0; i < 2; i++ {
		out, err := svc.Cancel(ctx, CancelRequest{BookingID: "missing", UserID: "u1"})
		require.NoError(t, err)
		assert.False(t, out.Replayed)
	}
	assert.Equal(t, 2, obs.count())
}

func TestService_Pay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedBooking(t, "bk1", false)
	svc, _ := newService(t, e, false)

	out, err := svc.Pay(ctx, PayRequest{BookingID: "bk1", UserID: "u1", PaymentMethod: "wallet"})
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)
	assert.Equal(t, PaymentSagaName, out.Saga)
	assert.Len(t, out.ExecutedSteps, 6)
	assert.Empty(t, out.CompensatedSteps)

	charges := e.pay.Calls()
	require.NotEmpty(t, charges)
	c, ok := e.pay.Charge(charges[0].ChargeID)
	require.True(t, ok)
	assert.Equal(t, "wallet", c.Method)

	// 已支付的预订再次支付在校验阶段失败
	again, err := svc.Pay(ctx, PayRequest{BookingID: "bk1", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, StepValidateBooking, again.FailedStep)
	assert.Equal(t, string(apperrors.ErrCodeValidation), again.ErrorCode)
}

func TestService_RejectsIncompleteRequests(t *testing.T) {
	e := newEnv(t)
	svc, obs := newService(t, e, false)

	_, err := svc.Cancel(context.Background(), CancelRequest{UserID: "u1"})
	assert.True(t, apperrors.IsValidation(err))
	_, err = svc.Pay(context.Background(), PayRequest{BookingID: "bk1"})
	assert.True(t, apperrors.IsValidation(err))
	assert.Zero(t, obs.count())
}

func TestOutcome_JSON(t *testing.T) {
	out := outcomeOf(saga.Summary{
		SagaName:         CancellationSagaName,
		CorrelationID:    "c1",
		ExecutedSteps:    []string{StepReleaseInventory},
		FailedStep:       StepProcessRefund,
		Err:              apperrors.NewNotFoundError("booking missing"),
		CompensatedSteps: []string{StepReleaseInventory},
		CompensationErrors: []saga.CompensationError{
			{Step: StepReleaseInventory, Err: assert.AnError},
		},
		Duration: 1500 * time.Millisecond,
	})

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"saga": "booking-cancellation",
		"correlationId": "c1",
		"success": false,
		"executedSteps": ["releaseInventory"],
		"failedStep": "processRefund",
		"errorCode": "NOT_FOUND",
		"error": "booking missing",
		"compensatedSteps": ["releaseInventory"],
		"compensationFailures": ["releaseInventory"],
		"durationMs": 1500
	}`, string(data))
}
