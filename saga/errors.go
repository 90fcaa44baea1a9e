package saga

import "fmt"

// ErrorCode Saga 错误码
type ErrorCode string

const (
	ErrCodeNoSteps            ErrorCode = "SAGA_NO_STEPS"
	ErrCodeInvalidStep        ErrorCode = "SAGA_INVALID_STEP"
	ErrCodeDuplicateStep      ErrorCode = "SAGA_DUPLICATE_STEP"
	ErrCodeStepFailed         ErrorCode = "SAGA_STEP_FAILED"
	ErrCodeCompensationFailed ErrorCode = "SAGA_COMPENSATION_FAILED"
	ErrCodePanic              ErrorCode = "SAGA_PANIC"
	ErrCodeInternal           ErrorCode = "SAGA_INTERNAL"
)

// SagaError Saga 错误
//
// errors.Is 按错误码匹配下方哨兵；errors.As / Unwrap 可取到步骤的原始错误。
type SagaError struct {
	Code     ErrorCode
	Message  string
	SagaName string
	StepName string
	Cause    error
}

func (e *SagaError) Error() string {
	base := string(e.Code)
	if e.Message != "" {
		base += ": " + e.Message
	}
	switch {
	case e.SagaName != "" && e.StepName != "":
		base = fmt.Sprintf("%s (saga=%s, step=%s)", base, e.SagaName, e.StepName)
	case e.SagaName != "":
		base = fmt.Sprintf("%s (saga=%s)", base, e.SagaName)
	case e.StepName != "":
		base = fmt.Sprintf("%s (step=%s)", base, e.StepName)
	}
	if e.Cause != nil {
		return base + ": " + e.Cause.Error()
	}
	return base
}

func (e *SagaError) Unwrap() error { return e.Cause }

// Is 实现 errors.Is 接口，基于错误码匹配
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 哨兵错误，仅用于 errors.Is 比较
var (
	ErrNoSteps            = &SagaError{Code: ErrCodeNoSteps, Message: "saga has no steps"}
	ErrInvalidStep        = &SagaError{Code: ErrCodeInvalidStep, Message: "invalid saga step"}
	ErrDuplicateStep      = &SagaError{Code: ErrCodeDuplicateStep, Message: "duplicate step name"}
	ErrStepFailed         = &SagaError{Code: ErrCodeStepFailed, Message: "saga step failed"}
	ErrCompensationFailed = &SagaError{Code: ErrCodeCompensationFailed, Message: "compensation failed"}
	ErrPanic              = &SagaError{Code: ErrCodePanic, Message: "panic recovered"}
	ErrInternal           = &SagaError{Code: ErrCodeInternal, Message: "internal orchestrator error"}
)

func newSagaError(code ErrorCode, msg, sagaName, stepName string, cause error) *SagaError {
	return &SagaError{Code: code, Message: msg, SagaName: sagaName, StepName: stepName, Cause: cause}
}

func panicError(sagaName, stepName string, r any) *SagaError {
	return newSagaError(ErrCodePanic, fmt.Sprintf("panic recovered: %v", r), sagaName, stepName, nil)
}
