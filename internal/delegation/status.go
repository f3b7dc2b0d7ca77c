package delegation

// Status 表示某个钱包相对目标委托合约的委托状态。
type Status string

const (
	// StatusNotDelegated 表示账户没有任何代码，从未委托或已撤销。
	StatusNotDelegated Status = "not_delegated"
	// StatusDelegatedToTarget 表示账户的委托指示器指向目标合约。
	StatusDelegatedToTarget Status = "delegated_to_target"
	// StatusDelegatedToOther 表示账户委托给了其他合约，
	// 或带有无法识别为委托指示器的代码。
	StatusDelegatedToOther Status = "delegated_to_other"
	// StatusUnknown 表示链上读取失败，状态无法判定。
	StatusUnknown Status = "unknown"
)

// Info 汇总一次委托状态检查的结果。
// SessionID 与 SessionNonce 来自委托合约的只读调用，读取失败时留空。
type Info struct {
	Wallet       string `json:"wallet"`
	Target       string `json:"target"`
	Status       Status `json:"status"`
	Delegate     string `json:"delegate,omitempty"`
	WalletNonce  uint64 `json:"wallet_nonce"`
	SessionID    string `json:"session_id,omitempty"`
	SessionNonce uint64 `json:"session_nonce,omitempty"`
}
