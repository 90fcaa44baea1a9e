package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bookingsaga/logging"
)

// OrchestratorStep 编排器自身失败时 Result.FailedStep 的取值
const OrchestratorStep = "orchestrator"

// Orchestrator Saga 编排器
//
// 在 Executor 外包一层：生成 correlation id、计时、通知 Observer，
// 并把逃逸出执行器的任何 panic 归一化为失败结果。编排器本身不含业务逻辑。
type Orchestrator[S any] struct {
	logger    logging.Logger
	observers Observers
	newID     func() string
	now       func() time.Time
}

// OrchestratorOption 编排器选项
type OrchestratorOption func(*orchestratorOptions)

type orchestratorOptions struct {
	logger    logging.Logger
	observers []Observer
	newID     func() string
	now       func() time.Time
}

// WithLogger 设置日志器（默认使用全局 logger 的 saga.orchestrator 组件）
func WithLogger(logger logging.Logger) OrchestratorOption {
	return func(o *orchestratorOptions) { o.logger = logger }
}

// WithObserver 追加 Observer，可多次调用
func WithObserver(observer Observer) OrchestratorOption {
	return func(o *orchestratorOptions) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithIDGenerator 替换 correlation id 生成函数
func WithIDGenerator(gen func() string) OrchestratorOption {
	return func(o *orchestratorOptions) { o.newID = gen }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *orchestratorOptions) { o.now = now }
}

// NewOrchestrator 创建编排器
//
// 日志 Observer 总是排在第一位，其余 Observer 按 WithObserver 顺序执行。
func NewOrchestrator[S any](opts ...OrchestratorOption) *Orchestrator[S] {
	o := &orchestratorOptions{
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.ComponentLogger("saga.orchestrator")
	}

	observers := make(Observers, 0, len(o.observers)+1)
	observers = append(observers, guardObserver(NewLogObserver(o.logger), o.logger))
	for _, obs := range o.observers {
		observers = append(observers, guardObserver(obs, o.logger))
	}

	return &Orchestrator[S]{
		logger:    o.logger,
		observers: observers,
		newID:     o.newID,
		now:       o.now,
	}
}

// ExecOption 单次执行选项
type ExecOption func(*RunInfo)

// WithCorrelationID 指定 correlation id（默认生成 uuid）
func WithCorrelationID(id string) ExecOption {
	return func(r *RunInfo) { r.CorrelationID = id }
}

// WithTimeout 记录期望的超时时间
//
// 引擎不强制执行该超时；需要时间上限的调用方应自行给 ctx 设置 deadline，
// 超时后已提交的步骤不会被自动回滚。
func WithTimeout(d time.Duration) ExecOption {
	return func(r *RunInfo) { r.Timeout = d }
}

// WithMaxRetries 记录最大重试次数（不在引擎内重试）
func WithMaxRetries(n int) ExecOption {
	return func(r *RunInfo) { r.MaxRetries = n }
}

// WithRetryDelay 记录重试间隔（不在引擎内重试）
func WithRetryDelay(d time.Duration) ExecOption {
	return func(r *RunInfo) { r.RetryDelay = d }
}

// Execute 执行 Saga，永不 panic；调用方应检查 result.Success
func (o *Orchestrator[S]) Execute(ctx context.Context, def *Definition[S], state S, opts ...ExecOption) (result *Result[S]) {
	run := RunInfo{}
	for _, opt := range opts {
		opt(&run)
	}
	if run.CorrelationID == "" {
		run.CorrelationID = o.newID()
	}
	if def != nil {
		run.SagaName = def.Name()
		run.StepCount = def.Len()
	}

	startedAt := o.now()
	sagaCtx := ctx

	defer func() {
		if r := recover(); r != nil {
			result = o.internalFailure(ctx, run, state, fmt.Errorf("panic: %v", r))
		}
		result.StartedAt = startedAt
		result.Duration = o.now().Sub(startedAt)
		o.finish(sagaCtx, run, result.Summary)
	}()

	sagaCtx = o.observers.SagaStarted(ctx, run)
	if def == nil {
		return o.internalFailure(ctx, run, state, fmt.Errorf("saga definition is nil"))
	}
	return NewExecutor[S](o.observers).Run(sagaCtx, def, state, run)
}

func (o *Orchestrator[S]) internalFailure(ctx context.Context, run RunInfo, state S, cause error) *Result[S] {
	err := newSagaError(ErrCodeInternal, "internal orchestrator error", run.SagaName, "", cause)
	o.logger.Error(ctx, "saga aborted by internal error",
		logging.String("saga", run.SagaName),
		logging.String("correlation_id", run.CorrelationID),
		logging.Error(err))
	return failed(run, OrchestratorStep, err, nil, nil, nil, nil, state)
}

// finish 通知 SagaFinished；Observer 的 panic 不影响已经确定的结果
func (o *Orchestrator[S]) finish(ctx context.Context, run RunInfo, summary Summary) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "saga observer panicked",
				logging.String("saga", run.SagaName),
				logging.String("correlation_id", run.CorrelationID),
				logging.Any("panic", r))
		}
	}()
	o.observers.SagaFinished(ctx, run, summary)
}
