package automation

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AutoSwap-Chain/internal/errors"
)

// MemoryStore 以内存方式保存自动化规则，主要用于测试与默认驱动。
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

// Create 保存新规则。
func (m *MemoryStore) Create(_ context.Context, rule *Rule) error {
	if rule == nil {
		return xerrors.New(xerrors.CodeValidation, "rule 不能为空")
	}
	if rule.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "规则 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "规则 ID 已存在")
	}
	if rule.CreatedAt == 0 {
		rule.CreatedAt = time.Now().Unix()
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	m.rules[rule.ID] = cloneRule(rule)
	return nil
}

// Get 返回指定规则。
func (m *MemoryStore) Get(_ context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return cloneRule(rule), nil
}

// ListByOwner 返回 Owner 的规则，按创建时间倒序。
func (m *MemoryStore) ListByOwner(_ context.Context, owner string, activeOnly bool) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Rule, 0)
	for _, rule := range m.rules {
		if rule.Owner != owner {
			continue
		}
		if activeOnly && !rule.Active {
			continue
		}
		results = append(results, cloneRule(rule))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

// ListDue 返回在 now 时刻已到期的活跃规则，按到期时间升序。
func (m *MemoryStore) ListDue(_ context.Context, now int64) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Rule, 0)
	for _, rule := range m.rules {
		if rule.Due(now) {
			results = append(results, cloneRule(rule))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].NextExecution == results[j].NextExecution {
			return results[i].ID < results[j].ID
		}
		return results[i].NextExecution < results[j].NextExecution
	})
	return results, nil
}

// AdvanceSchedule 实现 Store 接口。
func (m *MemoryStore) AdvanceSchedule(_ context.Context, id string, next int64, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	if rule.Version != version {
		return ErrVersionConflict
	}
	rule.NextExecution = next
	rule.Version++
	rule.FailureStreak = 0
	rule.LastFailureAt = 0
	return nil
}

// RecordFailure 实现 Store 接口。
func (m *MemoryStore) RecordFailure(_ context.Context, id string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	rule.FailureStreak++
	rule.LastFailureAt = at
	return nil
}

// Deactivate 实现 Store 接口。
func (m *MemoryStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	rule.Active = false
	rule.Version++
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
