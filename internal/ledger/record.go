package ledger

import (
	xerrors "AutoSwap-Chain/internal/errors"
)

// Status 表示一次执行在账本中的状态。
// 状态只能单向推进：pending -> bridging -> success/failed，
// 终态之后不允许再变更。
type Status string

const (
	StatusPending  Status = "pending"
	StatusBridging Status = "bridging"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// rank 给每个状态一个序号，用于校验推进方向。
func rank(status Status) int {
	switch status {
	case StatusPending:
		return 0
	case StatusBridging:
		return 1
	case StatusSuccess, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid 判断状态是否为已知枚举值。
func (s Status) Valid() bool {
	return rank(s) >= 0
}

// CanAdvanceTo 判断是否允许从当前状态推进到 next。
// 同状态重复写入视为幂等，允许。
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	return !s.Terminal() && rank(next) > rank(s)
}

// Record 是执行账本中的一条记录。账本只追加，记录一旦写入
// 只允许推进状态与补充交易哈希。
type Record struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	RuleID       string `json:"rule_id"`
	Status       Status `json:"status"`
	TxHash       string `json:"tx_hash,omitempty"`
	DestTxHash   string `json:"dest_tx_hash,omitempty"`
	BridgeTxHash string `json:"bridge_tx_hash,omitempty"`
	Detail       string `json:"detail,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// StatusUpdate 描述一次状态推进时可以一并写入的字段。
// 空字段不覆盖已有值。
type StatusUpdate struct {
	Status       Status
	TxHash       string
	DestTxHash   string
	BridgeTxHash string
	Detail       string
}

// Stats 汇总某个 Owner 的执行情况。
type Stats struct {
	Total    int64 `json:"total"`
	Pending  int64 `json:"pending"`
	Bridging int64 `json:"bridging"`
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
}

var (
	// ErrRecordNotFound 表示指定的账本记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "execution record not found")
	// ErrStatusRegression 表示试图把状态往回推或离开终态。
	ErrStatusRegression = xerrors.New(xerrors.CodeConflict, "execution status cannot move backwards")
)

const (
	CodeRecordNotFound xerrors.Code = "RECORD_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:    "execution record not found",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: 404,
	})
}

func cloneRecord(r *Record) *Record {
	clone := *r
	return &clone
}
