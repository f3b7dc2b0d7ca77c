package session

import "context"

// Store 抽象了 Owner 与会话凭证的持久化接口。
type Store interface {
	// EnsureOwner 确保钱包对应的 Owner 存在，返回实体以及是否为新建。
	EnsureOwner(ctx context.Context, wallet string) (*Owner, bool, error)
	GetOwner(ctx context.Context, wallet string) (*Owner, error)
	CreateCredential(ctx context.Context, credential *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	ListCredentials(ctx context.Context, owner string) ([]*Credential, error)
	Close() error
}
