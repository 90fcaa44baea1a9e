package sagas

import (
	"context"
	"encoding/json"
	"time"

	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
	"bookingsaga/patterns/idempotency"
	"bookingsaga/saga"
	"bookingsaga/validation"
)

// ServiceConfig Saga 服务配置
type ServiceConfig struct {
	// Timeout 大于 0 时作为正向步骤的 deadline；补偿不受其影响
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// Observers 额外的 Saga 观察者（指标、追踪）
	Observers []saga.Observer
	Logger    logging.Logger
}

// CancelRequest 取消请求
type CancelRequest struct {
	BookingID      string
	UserID         string
	Reason         string
	RefundAmount   *int64
	IdempotencyKey string
	CorrelationID  string
}

// PayRequest 支付请求
type PayRequest struct {
	BookingID      string
	UserID         string
	PaymentMethod  string
	IdempotencyKey string
	CorrelationID  string
}

// Outcome 对外返回（也是幂等回放）的终态结果
type Outcome struct {
	Saga                 string   `json:"saga"`
	CorrelationID        string   `json:"correlationId"`
	Success              bool     `json:"success"`
	ExecutedSteps        []string `json:"executedSteps"`
	SkippedSteps         []string `json:"skippedSteps,omitempty"`
	FailedStep           string   `json:"failedStep,omitempty"`
	ErrorCode            string   `json:"errorCode,omitempty"`
	Error                string   `json:"error,omitempty"`
	CompensatedSteps     []string `json:"compensatedSteps"`
	CompensationFailures []string `json:"compensationFailures,omitempty"`
	DurationMs           int64    `json:"durationMs"`
	Replayed             bool     `json:"replayed,omitempty"`
}

// 幂等记录中的状态码
const (
	statusSucceeded = 200
	statusFailed    = 422
)

const (
	maxReasonLength = 500
	maxKeyLength    = 200
)

// Service 预订 Saga 的调用入口
type Service struct {
	cancellation *saga.Definition[CancellationState]
	payment      *saga.Definition[PaymentState]
	cancelOrch   *saga.Orchestrator[CancellationState]
	payOrch      *saga.Orchestrator[PaymentState]
	gate         *idempotency.Gate
	cfg          ServiceConfig
	logger       logging.Logger
}

// NewService 创建服务；gate 为 nil 时不做幂等保护
func NewService(deps Deps, gate *idempotency.Gate, cfg ServiceConfig) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("booking.sagas")
	}
	if deps.Logger == nil {
		deps.Logger = cfg.Logger
	}
	cancellation, err := NewCancellation(deps)
	if err != nil {
		return nil, err
	}
	pay, err := NewPayment(deps)
	if err != nil {
		return nil, err
	}

	opts := []saga.OrchestratorOption{saga.WithLogger(cfg.Logger)}
	for _, o := range cfg.Observers {
		opts = append(opts, saga.WithObserver(o))
	}
	return &Service{
		cancellation: cancellation,
		payment:      pay,
		cancelOrch:   saga.NewOrchestrator[CancellationState](opts...),
		payOrch:      saga.NewOrchestrator[PaymentState](opts...),
		gate:         gate,
		cfg:          cfg,
		logger:       cfg.Logger,
	}, nil
}

// Cancel 执行取消 Saga
//
// Saga 失败体现在 Outcome 中；error 仅表示请求未能执行（参数错误、幂等冲突等）。
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (Outcome, error) {
	checks := []error{
		validation.ID(req.BookingID, "booking id"),
		validation.ID(req.UserID, "user id"),
		validation.StringLength(req.Reason, "reason", 0, maxReasonLength),
		validation.StringLength(req.IdempotencyKey, "idempotency key", 0, maxKeyLength),
	}
	if req.RefundAmount != nil {
		checks = append(checks, validation.NonNegative(*req.RefundAmount, "refund amount"))
	}
	if err := validation.All(checks...); err != nil {
		return Outcome{}, err
	}
	state := CancellationState{
		BookingID:    req.BookingID,
		UserID:       req.UserID,
		Reason:       req.Reason,
		RefundAmount: req.RefundAmount,
	}
	return s.guard(ctx, CancellationSagaName, req.IdempotencyKey, func(ctx context.Context) Outcome {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		r := s.cancelOrch.Execute(ctx, s.cancellation, state, s.execOptions(req.CorrelationID)...)
		return outcomeOf(r.Summary)
	})
}

// Pay 执行支付 Saga
func (s *Service) Pay(ctx context.Context, req PayRequest) (Outcome, error) {
	if err := validation.All(
		validation.ID(req.BookingID, "booking id"),
		validation.ID(req.UserID, "user id"),
		validation.StringLength(req.IdempotencyKey, "idempotency key", 0, maxKeyLength),
	); err != nil {
		return Outcome{}, err
	}
	state := PaymentState{
		BookingID:     req.BookingID,
		UserID:        req.UserID,
		PaymentMethod: req.PaymentMethod,
	}
	return s.guard(ctx, PaymentSagaName, req.IdempotencyKey, func(ctx context.Context) Outcome {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		r := s.payOrch.Execute(ctx, s.payment, state, s.execOptions(req.CorrelationID)...)
		return outcomeOf(r.Summary)
	})
}

// guard 有幂等键时经过幂等门执行，终态结果（成功或失败）都会被记录并回放
func (s *Service) guard(ctx context.Context, sagaName, key string, run func(ctx context.Context) Outcome) (Outcome, error) {
	if s.gate == nil || key == "" {
		return run(ctx), nil
	}

	rec, replayed, err := s.gate.Do(ctx, sagaName+":"+key, func(ctx context.Context) (idempotency.Record, error) {
		out := run(ctx)
		body, err := json.Marshal(out)
		if err != nil {
			return idempotency.Record{}, err
		}
		status := statusSucceeded
		if !out.Success {
			status = statusFailed
		}
		return idempotency.Record{Status: status, Body: body}, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	if err := json.Unmarshal(rec.Body, &out); err != nil {
		return Outcome{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "decode recorded saga outcome")
	}
	out.Replayed = replayed
	if replayed {
		s.logger.Info(ctx, "saga outcome replayed",
			logging.String("saga", sagaName),
			logging.String("idempotency_key", key),
			logging.String("correlation_id", out.CorrelationID))
	}
	return out, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *Service) execOptions(correlationID string) []saga.ExecOption {
	opts := []saga.ExecOption{
		saga.WithTimeout(s.cfg.Timeout),
		saga.WithMaxRetries(s.cfg.MaxRetries),
		saga.WithRetryDelay(s.cfg.RetryDelay),
	}
	if correlationID != "" {
		opts = append(opts, saga.WithCorrelationID(correlationID))
	}
	return opts
}

func outcomeOf(sum saga.Summary) Outcome {
	out := Outcome{
		Saga:             sum.SagaName,
		CorrelationID:    sum.CorrelationID,
		Success:          sum.Success,
		ExecutedSteps:    sum.ExecutedSteps,
		SkippedSteps:     sum.SkippedSteps,
		FailedStep:       sum.FailedStep,
		CompensatedSteps: sum.CompensatedSteps,
		DurationMs:       sum.Duration.Milliseconds(),
	}
	if sum.Err != nil {
		out.ErrorCode = string(apperrors.GetErrorCode(sum.Err))
		out.Error = apperrors.SafeMessage(sum.Err)
	}
	for _, ce := range sum.CompensationErrors {
		out.CompensationFailures = append(out.CompensationFailures, ce.Step)
	}
	return out
}
