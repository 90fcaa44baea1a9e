package saga

import (
	"context"
	"time"

	"bookingsaga/logging"
)

// Observer Saga 生命周期钩子
//
// 返回 context 的钩子允许实现者向下游传递值（例如 tracing span），
// 执行器会把返回的 ctx 传给对应的结束钩子以及步骤本身。
// 实现必须是并发安全的：多个 Saga 实例可能共享同一个 Observer。
type Observer interface {
	SagaStarted(ctx context.Context, run RunInfo) context.Context
	StepStarted(ctx context.Context, run RunInfo, step string, index int) context.Context
	StepSucceeded(ctx context.Context, run RunInfo, step string, elapsed time.Duration)
	// StepFailed optional 为 true 时失败被容忍，Saga 继续执行
	StepFailed(ctx context.Context, run RunInfo, step string, optional bool, err error, elapsed time.Duration)
	// CompensationStarted pending 为待补偿步骤（回滚顺序）
	CompensationStarted(ctx context.Context, run RunInfo, failedStep string, pending []string)
	CompensationStepStarted(ctx context.Context, run RunInfo, step string) context.Context
	// StepCompensated err 非 nil 表示该补偿失败，回滚仍会继续
	StepCompensated(ctx context.Context, run RunInfo, step string, err error, elapsed time.Duration)
	CompensationFinished(ctx context.Context, run RunInfo, compensated []string, failures int)
	SagaFinished(ctx context.Context, run RunInfo, summary Summary)
}

// NopObserver 空实现，可嵌入以只覆盖关心的钩子
type NopObserver struct{}

func (NopObserver) SagaStarted(ctx context.Context, _ RunInfo) context.Context { return ctx }
func (NopObserver) StepStarted(ctx context.Context, _ RunInfo, _ string, _ int) context.Context {
	return ctx
}
func (NopObserver) StepSucceeded(context.Context, RunInfo, string, time.Duration)            {}
func (NopObserver) StepFailed(context.Context, RunInfo, string, bool, error, time.Duration) {}
func (NopObserver) CompensationStarted(context.Context, RunInfo, string, []string)          {}
func (NopObserver) CompensationStepStarted(ctx context.Context, _ RunInfo, _ string) context.Context {
	return ctx
}
func (NopObserver) StepCompensated(context.Context, RunInfo, string, error, time.Duration) {}
func (NopObserver) CompensationFinished(context.Context, RunInfo, []string, int)           {}
func (NopObserver) SagaFinished(context.Context, RunInfo, Summary)                         {}

// Observers 按顺序分发给多个 Observer
type Observers []Observer

func (os Observers) SagaStarted(ctx context.Context, run RunInfo) context.Context {
	for _, o := range os {
		ctx = o.SagaStarted(ctx, run)
	}
	return ctx
}

func (os Observers) StepStarted(ctx context.Context, run RunInfo, step string, index int) context.Context {
	for _, o := range os {
		ctx = o.StepStarted(ctx, run, step, index)
	}
	return ctx
}

func (os Observers) StepSucceeded(ctx context.Context, run RunInfo, step string, elapsed time.Duration) {
	for _, o := range os {
		o.StepSucceeded(ctx, run, step, elapsed)
	}
}

func (os Observers) StepFailed(ctx context.Context, run RunInfo, step string, optional bool, err error, elapsed time.Duration) {
	for _, o := range os {
		o.StepFailed(ctx, run, step, optional, err, elapsed)
	}
}

func (os Observers) CompensationStarted(ctx context.Context, run RunInfo, failedStep string, pending []string) {
	for _, o := range os {
		o.CompensationStarted(ctx, run, failedStep, pending)
	}
}

func (os Observers) CompensationStepStarted(ctx context.Context, run RunInfo, step string) context.Context {
	for _, o := range os {
		ctx = o.CompensationStepStarted(ctx, run, step)
	}
	return ctx
}

func (os Observers) StepCompensated(ctx context.Context, run RunInfo, step string, err error, elapsed time.Duration) {
	for _, o := range os {
		o.StepCompensated(ctx, run, step, err, elapsed)
	}
}

func (os Observers) CompensationFinished(ctx context.Context, run RunInfo, compensated []string, failures int) {
	for _, o := range os {
		o.CompensationFinished(ctx, run, compensated, failures)
	}
}

func (os Observers) SagaFinished(ctx context.Context, run RunInfo, summary Summary) {
	for _, o := range os {
		o.SagaFinished(ctx, run, summary)
	}
}

// LogObserver 将生命周期事件写成结构化日志
//
// 每条日志携带 saga 与 correlation_id 字段，步骤相关日志额外携带 step 字段。
type LogObserver struct {
	logger logging.Logger
}

// NewLogObserver 创建日志观察者，logger 为 nil 时使用全局 logger
func NewLogObserver(logger logging.Logger) *LogObserver {
	if logger == nil {
		logger = logging.ComponentLogger("saga.orchestrator")
	}
	return &LogObserver{logger: logger}
}

func (l *LogObserver) base(run RunInfo) logging.Logger {
	return l.logger.WithFields(
		logging.String("saga", run.SagaName),
		logging.String("correlation_id", run.CorrelationID),
	)
}

func (l *LogObserver) SagaStarted(ctx context.Context, run RunInfo) context.Context {
	l.base(run).Info(ctx, "saga started",
		logging.Int("steps", run.StepCount),
		logging.Duration("timeout", run.Timeout),
		logging.Int("max_retries", run.MaxRetries),
		logging.Duration("retry_delay", run.RetryDelay))
	return ctx
}

func (l *LogObserver) StepStarted(ctx context.Context, run RunInfo, step string, index int) context.Context {
	l.base(run).Debug(ctx, "step started",
		logging.String("step", step),
		logging.Int("step_index", index))
	return ctx
}

func (l *LogObserver) StepSucceeded(ctx context.Context, run RunInfo, step string, elapsed time.Duration) {
	l.base(run).Info(ctx, "step succeeded",
		logging.String("step", step),
		logging.Duration("elapsed", elapsed))
}

func (l *LogObserver) StepFailed(ctx context.Context, run RunInfo, step string, optional bool, err error, elapsed time.Duration) {
	if optional {
		l.base(run).Warn(ctx, "optional step failed, continuing",
			logging.String("step", step),
			logging.Error(err),
			logging.Duration("elapsed", elapsed))
		return
	}
	l.base(run).Error(ctx, "step failed",
		logging.String("step", step),
		logging.Error(err),
		logging.Duration("elapsed", elapsed))
}

func (l *LogObserver) CompensationStarted(ctx context.Context, run RunInfo, failedStep string, pending []string) {
	l.base(run).Warn(ctx, "compensation started",
		logging.String("failed_step", failedStep),
		logging.Strings("pending", pending))
}

func (l *LogObserver) CompensationStepStarted(ctx context.Context, run RunInfo, step string) context.Context {
	l.base(run).Info(ctx, "compensating step", logging.String("step", step))
	return ctx
}

func (l *LogObserver) StepCompensated(ctx context.Context, run RunInfo, step string, err error, elapsed time.Duration) {
	if err != nil {
		l.base(run).Error(ctx, "compensation step failed",
			logging.String("step", step),
			logging.Error(err),
			logging.Duration("elapsed", elapsed))
		return
	}
	l.base(run).Info(ctx, "step compensated",
		logging.String("step", step),
		logging.Duration("elapsed", elapsed))
}

func (l *LogObserver) CompensationFinished(ctx context.Context, run RunInfo, compensated []string, failures int) {
	logger := l.base(run)
	fields := []logging.Field{
		logging.Strings("compensated", compensated),
		logging.Int("failures", failures),
	}
	if failures > 0 {
		logger.Error(ctx, "compensation finished with failures, manual reconciliation required", fields...)
		return
	}
	logger.Info(ctx, "compensation finished", fields...)
}

func (l *LogObserver) SagaFinished(ctx context.Context, run RunInfo, summary Summary) {
	logger := l.base(run)
	if summary.Success {
		logger.Info(ctx, "saga completed",
			logging.Strings("executed", summary.ExecutedSteps),
			logging.Strings("skipped", summary.SkippedSteps),
			logging.Duration("duration", summary.Duration))
		return
	}
	logger.Error(ctx, "saga failed",
		logging.String("failed_step", summary.FailedStep),
		logging.Error(summary.Err),
		logging.Strings("executed", summary.ExecutedSteps),
		logging.Strings("compensated", summary.CompensatedSteps),
		logging.Duration("duration", summary.Duration))
}

// guardedObserver 吞掉 Observer 钩子中的 panic，钩子出错不影响步骤执行与补偿
type guardedObserver struct {
	inner  Observer
	logger logging.Logger
}

func guardObserver(o Observer, logger logging.Logger) Observer {
	if o == nil {
		return NopObserver{}
	}
	if _, ok := o.(guardedObserver); ok {
		return o
	}
	return guardedObserver{inner: o, logger: logger}
}

func (g guardedObserver) catch(ctx context.Context, run RunInfo, hook string) {
	if r := recover(); r != nil {
		g.logger.Error(ctx, "saga observer panicked",
			logging.String("saga", run.SagaName),
			logging.String("correlation_id", run.CorrelationID),
			logging.String("hook", hook),
			logging.Any("panic", r))
	}
}

func (g guardedObserver) SagaStarted(ctx context.Context, run RunInfo) (out context.Context) {
	out = ctx
	defer g.catch(ctx, run, "SagaStarted")
	return g.inner.SagaStarted(ctx, run)
}

func (g guardedObserver) StepStarted(ctx context.Context, run RunInfo, step string, index int) (out context.Context) {
	out = ctx
	defer g.catch(ctx, run, "StepStarted")
	return g.inner.StepStarted(ctx, run, step, index)
}

func (g guardedObserver) StepSucceeded(ctx context.Context, run RunInfo, step string, elapsed time.Duration) {
	defer g.catch(ctx, run, "StepSucceeded")
	g.inner.StepSucceeded(ctx, run, step, elapsed)
}

func (g guardedObserver) StepFailed(ctx context.Context, run RunInfo, step string, optional bool, err error, elapsed time.Duration) {
	defer g.catch(ctx, run, "StepFailed")
	g.inner.StepFailed(ctx, run, step, optional, err, elapsed)
}

func (g guardedObserver) CompensationStarted(ctx context.Context, run RunInfo, failedStep string, pending []string) {
	defer g.catch(ctx, run, "CompensationStarted")
	g.inner.CompensationStarted(ctx, run, failedStep, pending)
}

func (g guardedObserver) CompensationStepStarted(ctx context.Context, run RunInfo, step string) (out context.Context) {
	out = ctx
	defer g.catch(ctx, run, "CompensationStepStarted")
	return g.inner.CompensationStepStarted(ctx, run, step)
}

func (g guardedObserver) StepCompensated(ctx context.Context, run RunInfo, step string, err error, elapsed time.Duration) {
	defer g.catch(ctx, run, "StepCompensated")
	g.inner.StepCompensated(ctx, run, step, err, elapsed)
}

func (g guardedObserver) CompensationFinished(ctx context.Context, run RunInfo, compensated []string, failures int) {
	defer g.catch(ctx, run, "CompensationFinished")
	g.inner.CompensationFinished(ctx, run, compensated, failures)
}

func (g guardedObserver) SagaFinished(ctx context.Context, run RunInfo, summary Summary) {
	defer g.catch(ctx, run, "SagaFinished")
	g.inner.SagaFinished(ctx, run, summary)
}
