package saga

import (
	"errors"
	"time"
)

// RunInfo 一次 Saga 运行的描述信息，传递给 Observer
type RunInfo struct {
	SagaName      string
	CorrelationID string
	StepCount     int

	// 以下选项被接受并记录，但引擎不强制执行超时或重试
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// CompensationError 单个补偿失败记录
type CompensationError struct {
	Step string
	Err  error
}

// Summary 与状态类型无关的执行结果视图
//
// 不变式：Success 为 true 当且仅当 FailedStep 为空且 CompensatedSteps 为空。
type Summary struct {
	SagaName      string
	CorrelationID string
	Success       bool

	// ExecutedSteps 成功执行的步骤（定义顺序），不包含失败被跳过的可选步骤
	ExecutedSteps []string
	// SkippedSteps 失败但被容忍的可选步骤
	SkippedSteps []string

	FailedStep string
	Err        error

	// CompensatedSteps 调用过补偿的步骤（回滚顺序），与补偿本身是否成功无关
	CompensatedSteps []string
	// CompensationErrors 补偿失败明细；非空意味着需要人工对账
	CompensationErrors []CompensationError

	StartedAt time.Time
	Duration  time.Duration
}

// Error 返回失败原因，成功时为 nil
func (s Summary) Error() error { return s.Err }

// HasCompensationFailures 是否存在补偿失败
func (s Summary) HasCompensationFailures() bool { return len(s.CompensationErrors) > 0 }

// CompensationErr 将所有补偿失败合并为一个 error
func (s Summary) CompensationErr() error {
	if len(s.CompensationErrors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(s.CompensationErrors))
	for _, ce := range s.CompensationErrors {
		errs = append(errs, ce.Err)
	}
	return errors.Join(errs...)
}

// Result 一次 Saga 执行的结果，State 为最终状态
type Result[S any] struct {
	Summary
	State S
}

func succeeded[S any](run RunInfo, executed, skipped []string, state S) *Result[S] {
	return &Result[S]{
		Summary: Summary{
			SagaName:         run.SagaName,
			CorrelationID:    run.CorrelationID,
			Success:          true,
			ExecutedSteps:    nonNil(executed),
			SkippedSteps:     nonNil(skipped),
			CompensatedSteps: []string{},
		},
		State: state,
	}
}

func failed[S any](run RunInfo, failedStep string, err error, executed, skipped, compensated []string,
	compErrs []CompensationError, state S) *Result[S] {
	return &Result[S]{
		Summary: Summary{
			SagaName:           run.SagaName,
			CorrelationID:      run.CorrelationID,
			Success:            false,
			ExecutedSteps:      nonNil(executed),
			SkippedSteps:       nonNil(skipped),
			FailedStep:         failedStep,
			Err:                err,
			CompensatedSteps:   nonNil(compensated),
			CompensationErrors: compErrs,
		},
		State: state,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
