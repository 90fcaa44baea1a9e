package saga

import (
	"context"
	"time"

	"bookingsaga/logging"
)

// Executor 驱动单个 Saga 定义执行
//
// 步骤严格按定义顺序串行执行；成功、非可选、声明了补偿的步骤压入补偿栈；
// 必需步骤失败时按 LIFO 顺序回滚，单个补偿失败不会中断其余补偿。
// Run 从不返回 error 也不 panic，所有结果都归一化到 Result 中；
// Observer 钩子中的 panic 会被记录并忽略。
type Executor[S any] struct {
	observer Observer
	now      func() time.Time
}

// NewExecutor 创建执行器，observer 为 nil 时不做任何通知
func NewExecutor[S any](observer Observer) *Executor[S] {
	return &Executor[S]{
		observer: guardObserver(observer, logging.ComponentLogger("saga.executor")),
		now:      time.Now,
	}
}

// Run 执行 Saga
//
// run 的 SagaName/StepCount 为空时由 def 补全。
func (e *Executor[S]) Run(ctx context.Context, def *Definition[S], state S, run RunInfo) *Result[S] {
	if run.SagaName == "" {
		run.SagaName = def.Name()
	}
	if run.StepCount == 0 {
		run.StepCount = def.Len()
	}

	var (
		executed []string
		skipped  []string
		stack    []*Step[S]
	)

	for i := range def.steps {
		step := &def.steps[i]

		stepCtx := e.observer.StepStarted(ctx, run, step.Name, i)
		startedAt := e.now()
		update, err := e.execute(stepCtx, run, step, state)
		if err == nil && update != nil {
			err = e.apply(run, step, &state, update)
		}
		elapsed := e.now().Sub(startedAt)

		if err == nil {
			executed = append(executed, step.Name)
			if step.IsCompensable() {
				stack = append(stack, step)
			}
			e.observer.StepSucceeded(stepCtx, run, step.Name, elapsed)
			continue
		}

		if step.Optional {
			skipped = append(skipped, step.Name)
			e.observer.StepFailed(stepCtx, run, step.Name, true, err, elapsed)
			continue
		}

		e.observer.StepFailed(stepCtx, run, step.Name, false, err, elapsed)
		compensated, compErrs := e.compensate(ctx, run, step.Name, stack, &state)
		stepErr := newSagaError(ErrCodeStepFailed, "saga step failed", run.SagaName, step.Name, err)
		return failed(run, step.Name, stepErr, executed, skipped, compensated, compErrs, state)
	}

	return succeeded(run, executed, skipped, state)
}

// execute 调用步骤正向操作，panic 被视为该步骤失败
func (e *Executor[S]) execute(ctx context.Context, run RunInfo, step *Step[S], state S) (update Update[S], err error) {
	defer func() {
		if r := recover(); r != nil {
			update = nil
			err = panicError(run.SagaName, step.Name, r)
		}
	}()
	return step.Execute(ctx, state)
}

// apply 在副本上应用更新，成功后整体替换，更新函数 panic 时状态保持不变
func (e *Executor[S]) apply(run RunInfo, step *Step[S], state *S, update Update[S]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(run.SagaName, step.Name, r)
		}
	}()
	next := *state
	update(&next)
	*state = next
	return nil
}

// compensate 从栈顶到栈底依次补偿
//
// 补偿使用与调用方取消信号解绑的 context：调用方超时不应中断回滚。
func (e *Executor[S]) compensate(ctx context.Context, run RunInfo, failedStep string, stack []*Step[S], state *S) ([]string, []CompensationError) {
	if len(stack) == 0 {
		return nil, nil
	}

	pending := make([]string, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		pending = append(pending, stack[i].Name)
	}

	ctx = context.WithoutCancel(ctx)
	e.observer.CompensationStarted(ctx, run, failedStep, pending)

	compensated := make([]string, 0, len(stack))
	var compErrs []CompensationError
	for i := len(stack) - 1; i >= 0; i-- {
		step := stack[i]
		stepCtx := e.observer.CompensationStepStarted(ctx, run, step.Name)
		startedAt := e.now()
		err := e.compensateOne(stepCtx, run, step, state)
		compensated = append(compensated, step.Name)
		if err != nil {
			err = newSagaError(ErrCodeCompensationFailed, "compensation failed", run.SagaName, step.Name, err)
			compErrs = append(compErrs, CompensationError{Step: step.Name, Err: err})
		}
		e.observer.StepCompensated(stepCtx, run, step.Name, err, e.now().Sub(startedAt))
	}

	e.observer.CompensationFinished(ctx, run, compensated, len(compErrs))
	return compensated, compErrs
}

func (e *Executor[S]) compensateOne(ctx context.Context, run RunInfo, step *Step[S], state *S) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(run.SagaName, step.Name, r)
		}
	}()
	return step.Compensate(ctx, state)
}
