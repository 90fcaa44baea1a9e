package saga

import "fmt"

// Definition 一类 Saga 的不可变定义：名称 + 有序步骤
//
// 步骤顺序即提交顺序。
type Definition[S any] struct {
	name  string
	steps []Step[S]
}

// NewDefinition 创建并校验 Saga 定义
//
// 校验规则：至少一个步骤；步骤非 nil、名称非空且唯一、Execute 非 nil。
// 步骤按值复制，之后修改传入的 *Step 不会影响定义。
func NewDefinition[S any](name string, steps ...*Step[S]) (*Definition[S], error) {
	if name == "" {
		return nil, newSagaError(ErrCodeInvalidStep, "saga name is empty", "", "", nil)
	}
	if len(steps) == 0 {
		return nil, newSagaError(ErrCodeNoSteps, "saga has no steps", name, "", nil)
	}

	seen := make(map[string]struct{}, len(steps))
	copied := make([]Step[S], 0, len(steps))
	for i, s := range steps {
		if s == nil {
			return nil, newSagaError(ErrCodeInvalidStep, fmt.Sprintf("step #%d is nil", i), name, "", nil)
		}
		if s.Name == "" {
			return nil, newSagaError(ErrCodeInvalidStep, fmt.Sprintf("step #%d has no name", i), name, "", nil)
		}
		if s.Execute == nil {
			return nil, newSagaError(ErrCodeInvalidStep, "step has no execute function", name, s.Name, nil)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, newSagaError(ErrCodeDuplicateStep, "duplicate step name", name, s.Name, nil)
		}
		seen[s.Name] = struct{}{}
		copied = append(copied, *s)
	}

	return &Definition[S]{name: name, steps: copied}, nil
}

// MustDefinition 同 NewDefinition，校验失败时 panic；用于包级别的静态定义
func MustDefinition[S any](name string, steps ...*Step[S]) *Definition[S] {
	def, err := NewDefinition(name, steps...)
	if err != nil {
		panic(err)
	}
	return def
}

// Name Saga 名称
func (d *Definition[S]) Name() string { return d.name }

// Len 步骤数量
func (d *Definition[S]) Len() int { return len(d.steps) }

// Steps 返回步骤副本
func (d *Definition[S]) Steps() []Step[S] {
	out := make([]Step[S], len(d.steps))
	copy(out, d.steps)
	return out
}

// StepNames 按定义顺序返回步骤名称
func (d *Definition[S]) StepNames() []string {
	names := make([]string, len(d.steps))
	for i := range d.steps {
		names[i] = d.steps[i].Name
	}
	return names
}
