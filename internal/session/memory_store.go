package session

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AutoSwap-Chain/internal/errors"
)

// MemoryStore 以内存方式保存 Owner 与凭证，主要用于测试与默认驱动。
type MemoryStore struct {
	mu          sync.RWMutex
	owners      map[string]*Owner
	credentials map[string]*Credential
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners:      make(map[string]*Owner),
		credentials: make(map[string]*Credential),
	}
}

// EnsureOwner 实现 Store 接口。
func (m *MemoryStore) EnsureOwner(_ context.Context, wallet string) (*Owner, bool, error) {
	wallet = NormalizeWallet(wallet)
	if wallet == "" {
		return nil, false, xerrors.New(xerrors.CodeValidation, "钱包地址不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.owners[wallet]; ok {
		clone := *owner
		return &clone, false, nil
	}
	owner := &Owner{Wallet: wallet, CreatedAt: time.Now().Unix()}
	m.owners[wallet] = owner
	clone := *owner
	return &clone, true, nil
}

// GetOwner 返回指定钱包的 Owner。
func (m *MemoryStore) GetOwner(_ context.Context, wallet string) (*Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[NormalizeWallet(wallet)]
	if !ok {
		return nil, ErrOwnerNotFound
	}
	clone := *owner
	return &clone, nil
}

// CreateCredential 保存新的会话凭证。
func (m *MemoryStore) CreateCredential(_ context.Context, credential *Credential) error {
	if credential == nil {
		return xerrors.New(xerrors.CodeValidation, "credential 不能为空")
	}
	if credential.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "凭证 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[credential.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "凭证 ID 已存在")
	}
	if credential.CreatedAt == 0 {
		credential.CreatedAt = time.Now().Unix()
	}
	m.credentials[credential.ID] = cloneCredential(credential)
	return nil
}

// GetCredential 返回凭证，包括加密私钥记录。
func (m *MemoryStore) GetCredential(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	credential, ok := m.credentials[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return cloneCredential(credential), nil
}

// ListCredentials 返回指定 Owner 的全部凭证，按创建时间倒序。
func (m *MemoryStore) ListCredentials(_ context.Context, owner string) ([]*Credential, error) {
	owner = NormalizeWallet(owner)
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Credential, 0)
	for _, credential := range m.credentials {
		if credential.Owner == owner {
			results = append(results, cloneCredential(credential))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
