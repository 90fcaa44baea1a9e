// Package saga 提供进程内同步执行的 Saga 编排引擎
//
// 一个 Saga 由有序的步骤组成，每个步骤有正向操作和可选的补偿操作。
// 步骤之间通过强类型状态 S 通信：步骤读取状态快照并返回一个类型化的局部更新，
// 执行器只在步骤成功时应用该更新。任一必需步骤失败时，执行器按 LIFO 顺序
// 调用已成功步骤的补偿。
//
// 引擎不持久化中间状态，也不做跨进程恢复。
package saga

import "context"

// Update 步骤成功后应用到状态上的局部更新，nil 表示无输出
type Update[S any] func(state *S)

// ExecuteFunc 正向操作
//
// state 为执行前的状态快照。返回 error 表示需要回滚的失败；
// 预期内的业务结果（例如无需退款）应作为成功的 Update 返回。
type ExecuteFunc[S any] func(ctx context.Context, state S) (Update[S], error)

// CompensateFunc 补偿操作
//
// 补偿应幂等：先检查本步骤拥有的状态标记，未做过的事情不需要撤销。
type CompensateFunc[S any] func(ctx context.Context, state *S) error

// Step Saga 步骤
type Step[S any] struct {
	// Name 步骤名称，在同一个 Saga 内唯一
	Name string

	// Execute 正向操作（必需）
	Execute ExecuteFunc[S]

	// Compensate 补偿操作（可选），nil 表示该步骤不可逆，回滚时跳过
	Compensate CompensateFunc[S]

	// Optional 为 true 时失败只记录日志，不中止 Saga，也不触发补偿
	Optional bool
}

// NewStep 创建步骤
func NewStep[S any](name string, execute ExecuteFunc[S]) *Step[S] {
	return &Step[S]{Name: name, Execute: execute}
}

// WithCompensation 设置补偿操作（支持链式调用）
func (s *Step[S]) WithCompensation(compensate CompensateFunc[S]) *Step[S] {
	s.Compensate = compensate
	return s
}

// AsOptional 标记为可选步骤（支持链式调用）
func (s *Step[S]) AsOptional() *Step[S] {
	s.Optional = true
	return s
}

// HasCompensation 是否声明了补偿操作
func (s *Step[S]) HasCompensation() bool {
	return s.Compensate != nil
}

// IsCompensable 成功后是否需要压入补偿栈
func (s *Step[S]) IsCompensable() bool {
	return !s.Optional && s.HasCompensation()
}
