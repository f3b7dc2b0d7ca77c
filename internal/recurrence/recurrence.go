package recurrence

import (
	"fmt"
	"strings"
	"time"

	xerrors "AutoSwap-Chain/internal/errors"
)

// Frequency 表示规则的重复周期。
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Parse 校验并归一化周期描述符。
func Parse(raw string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(raw))) {
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	default:
		return "", xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("不支持的周期描述符: %q", raw))
	}
}

// IsValid 检查给定的周期是否为支持的枚举值。
func IsValid(freq Frequency) bool {
	switch freq {
	case Daily, Weekly, Monthly:
		return true
	default:
		return false
	}
}

// Advance 基于上一次计划时刻计算下一次执行时间。
// 始终以计划时刻而不是当前墙钟时间为锚点，执行晚了也不会漂移。
//
// monthly 使用日历月运算并做标准归一化：1 月 31 日加一个月会溢出到
// 3 月初（如 2024-01-31 -> 2024-03-02），与原有数据保持一致。
func Advance(current time.Time, freq Frequency) (time.Time, error) {
	switch freq {
	case Daily:
		return current.Add(24 * time.Hour), nil
	case Weekly:
		return current.AddDate(0, 0, 7), nil
	case Monthly:
		return current.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("不支持的周期描述符: %q", freq))
	}
}
