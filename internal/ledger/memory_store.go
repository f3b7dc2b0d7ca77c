package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AutoSwap-Chain/internal/errors"
)

// MemoryStore 以内存方式保存执行账本，主要用于测试与默认驱动。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Append 追加一条新记录。
func (m *MemoryStore) Append(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeValidation, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "记录 ID 不能为空")
	}
	if !record.Status.Valid() {
		return xerrors.New(xerrors.CodeValidation, "未知的执行状态: "+string(record.Status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "记录 ID 已存在")
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// Get 返回指定记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// ListByOwner 返回 Owner 的记录，按创建时间倒序，最多 limit 条。
func (m *MemoryStore) ListByOwner(_ context.Context, owner string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Record, 0)
	for _, record := range m.records {
		if record.Owner == owner {
			results = append(results, cloneRecord(record))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// UpdateStatus 推进记录状态，逆向推进返回 CONFLICT。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, update StatusUpdate) error {
	if !update.Status.Valid() {
		return xerrors.New(xerrors.CodeValidation, "未知的执行状态: "+string(update.Status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !record.Status.CanAdvanceTo(update.Status) {
		return ErrStatusRegression
	}
	record.Status = update.Status
	if update.TxHash != "" {
		record.TxHash = update.TxHash
	}
	if update.DestTxHash != "" {
		record.DestTxHash = update.DestTxHash
	}
	if update.BridgeTxHash != "" {
		record.BridgeTxHash = update.BridgeTxHash
	}
	if update.Detail != "" {
		record.Detail = update.Detail
	}
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// StatsByOwner 汇总 Owner 各状态的记录数量。
func (m *MemoryStore) StatsByOwner(_ context.Context, owner string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{}
	for _, record := range m.records {
		if record.Owner != owner {
			continue
		}
		stats.Total++
		switch record.Status {
		case StatusPending:
			stats.Pending++
		case StatusBridging:
			stats.Bridging++
		case StatusSuccess:
			stats.Success++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
