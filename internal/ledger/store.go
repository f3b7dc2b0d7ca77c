package ledger

import "context"

// Store 抽象了执行账本的持久化接口。账本只追加，
// UpdateStatus 是唯一的修改入口且只允许单向推进。
type Store interface {
	Append(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// ListByOwner 返回 Owner 的记录，按创建时间倒序，最多 limit 条。
	// limit <= 0 表示不限制。
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Record, error)
	// UpdateStatus 推进记录状态。逆向推进或离开终态返回 CONFLICT。
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	// StatsByOwner 汇总 Owner 各状态的记录数量。
	StatsByOwner(ctx context.Context, owner string) (*Stats, error)
	Close() error
}
