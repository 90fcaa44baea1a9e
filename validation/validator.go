// Package validation 请求与实体字段校验，失败时返回 VALIDATION_ERROR
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"bookingsaga/errors"
)

// MaxIDLength 标识符最大长度
const MaxIDLength = 128

// idRegex 标识符只允许字母、数字与 _ - . :
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)

// Required 验证必填字段
func Required(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewValidationError(fieldName + " is required")
	}
	return nil
}

// StringLength 验证字符串长度，max 为 0 表示不限制
func StringLength(value, fieldName string, min, max int) error {
	length := len(value)
	if length < min {
		return errors.NewValidationError(fmt.Sprintf("%s must be at least %d characters (got %d)", fieldName, min, length))
	}
	if max > 0 && length > max {
		return errors.NewValidationError(fmt.Sprintf("%s must be at most %d characters (got %d)", fieldName, max, length))
	}
	return nil
}

// ID 验证标识符
func ID(value, fieldName string) error {
	if err := Required(value, fieldName); err != nil {
		return err
	}
	if err := StringLength(value, fieldName, 1, MaxIDLength); err != nil {
		return err
	}
	if !idRegex.MatchString(value) {
		return errors.NewValidationError(fieldName + " contains invalid characters")
	}
	return nil
}

// NonNegative 验证非负金额
func NonNegative(value int64, fieldName string) error {
	if value < 0 {
		return errors.NewValidationError(fmt.Sprintf("%s must not be negative (got %d)", fieldName, value))
	}
	return nil
}

// Enum 验证枚举值
func Enum(value, fieldName string, validValues []string) error {
	for _, valid := range validValues {
		if value == valid {
			return nil
		}
	}
	return errors.NewValidationError(fmt.Sprintf("%s %q is invalid, must be one of %v", fieldName, value, validValues))
}

// All 合并多个校验结果为一个验证错误；全部通过时返回 nil
func All(errs ...error) error {
	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, errors.SafeMessage(err))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.NewValidationError(strings.Join(msgs, "; "))
}
