package automation

import "context"

// Store 抽象了自动化规则的持久化接口。
//
// AdvanceSchedule 与 RecordFailure 是调度器推进状态的唯一入口：
// 前者带乐观版本校验，防止并发执行者重复推进同一条规则。
type Store interface {
	Create(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	// ListByOwner 返回 Owner 的规则，activeOnly 为真时过滤掉停用规则。
	ListByOwner(ctx context.Context, owner string, activeOnly bool) ([]*Rule, error)
	// ListDue 返回在 now 时刻已到期的活跃规则。
	ListDue(ctx context.Context, now int64) ([]*Rule, error)
	// AdvanceSchedule 在版本匹配时把 NextExecution 推进到 next 并清零失败计数，
	// 版本不匹配返回 CONFLICT。
	AdvanceSchedule(ctx context.Context, id string, next int64, version int64) error
	// RecordFailure 记录一次执行失败，不移动 NextExecution。
	RecordFailure(ctx context.Context, id string, at int64) error
	// Deactivate 停用规则。对已停用规则幂等。
	Deactivate(ctx context.Context, id string) error
	Close() error
}
