package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AutoSwap-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存 Owner 与会话凭证。
// 表结构由 deploy/migrations 中的迁移文件维护。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接池创建存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接未初始化")
	}
	return &MySQLStore{db: db}, nil
}

// EnsureOwner 确保 Owner 存在。利用主键冲突实现幂等创建。
func (s *MySQLStore) EnsureOwner(ctx context.Context, wallet string) (*Owner, bool, error) {
	wallet = NormalizeWallet(wallet)
	if wallet == "" {
		return nil, false, xerrors.New(xerrors.CodeValidation, "钱包地址不能为空")
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners (wallet, created_at) VALUES (?, ?)`, wallet, now)
	if err == nil {
		return &Owner{Wallet: wallet, CreatedAt: now}, true, nil
	}

	var mysqlErr *mysql.MySQLError
	if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062) {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 Owner 失败")
	}

	owner, getErr := s.GetOwner(ctx, wallet)
	if getErr != nil {
		return nil, false, getErr
	}
	return owner, false, nil
}

// GetOwner 返回指定钱包的 Owner。
func (s *MySQLStore) GetOwner(ctx context.Context, wallet string) (*Owner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT wallet, created_at FROM owners WHERE wallet = ?`, NormalizeWallet(wallet))

	var owner Owner
	if err := row.Scan(&owner.Wallet, &owner.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOwnerNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Owner 失败")
	}
	return &owner, nil
}

// CreateCredential 保存新的会话凭证。
func (s *MySQLStore) CreateCredential(ctx context.Context, credential *Credential) error {
	if credential == nil {
		return xerrors.New(xerrors.CodeValidation, "credential 不能为空")
	}
	if credential.CreatedAt == 0 {
		credential.CreatedAt = time.Now().Unix()
	}

	actions, err := json.Marshal(credential.Actions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码操作列表失败")
	}

	const stmt = `INSERT INTO session_credentials
        (id, owner_wallet, delegator, encrypted_key, public_address, valid_until, actions, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		credential.ID,
		credential.Owner,
		credential.Delegator,
		credential.EncryptedKey,
		credential.PublicAddress,
		credential.ValidUntil,
		string(actions),
		credential.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "凭证 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话凭证失败")
	}
	return nil
}

// GetCredential 返回凭证，包括加密私钥记录。
func (s *MySQLStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	const stmt = `SELECT id, owner_wallet, delegator, encrypted_key, public_address, valid_until, actions, created_at
        FROM session_credentials WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	credential, err := scanCredential(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return credential, nil
}

// ListCredentials 返回指定 Owner 的全部凭证，按创建时间倒序。
func (s *MySQLStore) ListCredentials(ctx context.Context, owner string) ([]*Credential, error) {
	const stmt = `SELECT id, owner_wallet, delegator, encrypted_key, public_address, valid_until, actions, created_at
        FROM session_credentials WHERE owner_wallet = ? ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, stmt, NormalizeWallet(owner))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话凭证失败")
	}
	defer rows.Close()

	var results []*Credential
	for rows.Next() {
		credential, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话凭证失败")
	}
	return results, nil
}

// Close 由连接池的持有方负责关闭，这里无需操作。
func (s *MySQLStore) Close() error {
	return nil
}

func scanCredential(scan func(dest ...any) error) (*Credential, error) {
	var credential Credential
	var actionsRaw string
	if err := scan(
		&credential.ID,
		&credential.Owner,
		&credential.Delegator,
		&credential.EncryptedKey,
		&credential.PublicAddress,
		&credential.ValidUntil,
		&actionsRaw,
		&credential.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话凭证失败")
	}
	if actionsRaw != "" {
		if err := json.Unmarshal([]byte(actionsRaw), &credential.Actions); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作列表失败")
		}
	}
	return &credential, nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
