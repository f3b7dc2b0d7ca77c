package automation

import (
	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/recurrence"
)

// Rule 描述一条自动化兑换规则：
// 以什么频率、用哪条会话凭证，把 FromToken 换成 ToToken。
// NextExecution 是下一次到期的 Unix 时间戳，锚定在计划时刻而不是完成时刻。
type Rule struct {
	ID            string               `json:"id"`
	Owner         string               `json:"owner"`
	CredentialID  string               `json:"credential_id"`
	FromToken     string               `json:"from_token"`
	ToToken       string               `json:"to_token"`
	FromChain     string               `json:"from_chain"`
	ToChain       string               `json:"to_chain"`
	Amount        string               `json:"amount"`
	Percent       float64              `json:"percent"`
	Frequency     recurrence.Frequency `json:"frequency"`
	NextExecution int64                `json:"next_execution"`
	Active        bool                 `json:"active"`
	Version       int64                `json:"version"`
	FailureStreak int64                `json:"failure_streak"`
	LastFailureAt int64                `json:"last_failure_at"`
	CreatedAt     int64                `json:"created_at"`
}

// Due 判断规则在给定时刻是否到期待执行。
func (r *Rule) Due(now int64) bool {
	return r.Active && r.NextExecution > 0 && r.NextExecution <= now
}

// CrossChain 判断规则是否需要跨链桥接。
func (r *Rule) CrossChain() bool {
	return r.FromChain != "" && r.ToChain != "" && r.FromChain != r.ToChain
}

var (
	// ErrRuleNotFound 表示指定的自动化规则不存在。
	ErrRuleNotFound = xerrors.New(CodeRuleNotFound, "automation rule not found")
	// ErrVersionConflict 表示规则在读取后已被其他执行者修改。
	ErrVersionConflict = xerrors.New(xerrors.CodeConflict, "automation rule modified concurrently")
)

const (
	CodeRuleNotFound xerrors.Code = "RULE_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeRuleNotFound, xerrors.Attributes{
		Message:    "automation rule not found",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: 404,
	})
}

func cloneRule(r *Rule) *Rule {
	clone := *r
	return &clone
}
