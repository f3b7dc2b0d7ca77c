package scheduler

import (
	"context"

	"AutoSwap-Chain/internal/automation"
	"AutoSwap-Chain/internal/ledger"
	"AutoSwap-Chain/internal/session"
)

// ExecutionRequest 携带一次兑换执行所需的全部输入。
// SessionKey 是解密后的会话私钥明文，只在执行边界内传递，
// 任何实现都不得记录它。
type ExecutionRequest struct {
	Rule       automation.Rule
	Credential session.Credential
	SessionKey string
	// Notify 允许执行器在跨链场景下上报中间进度，
	// 比如源链交易落块、进入桥接阶段。可以为 nil。
	Notify func(update ledger.StatusUpdate)
}

// ExecutionResult 汇总一次执行产生的交易哈希。
type ExecutionResult struct {
	TxHash       string
	DestTxHash   string
	BridgeTxHash string
	Detail       string
}

// Executor 执行具体的兑换或跨链兑换。
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutorFunc 允许用函数充当 Executor。
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return f(ctx, req)
}
