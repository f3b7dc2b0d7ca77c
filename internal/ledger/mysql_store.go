package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AutoSwap-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存执行账本。
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

const recordColumns = `id, owner_wallet, rule_id, status, tx_hash, dest_tx_hash, bridge_tx_hash, detail, created_at, updated_at`

// Append 追加一条新记录。
func (s *MySQLStore) Append(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeValidation, "record 不能为空")
	}
	if !record.Status.Valid() {
		return xerrors.New(xerrors.CodeValidation, "未知的执行状态: "+string(record.Status))
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}

	const stmt = `INSERT INTO execution_records (` + recordColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Owner,
		record.RuleID,
		string(record.Status),
		record.TxHash,
		record.DestTxHash,
		record.BridgeTxHash,
		record.Detail,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "记录 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入账本记录失败")
	}
	return nil
}

// Get 返回指定记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records WHERE id = ?`, id)
	record, err := scanRecord(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListByOwner 返回 Owner 的记录，按创建时间倒序，最多 limit 条。
func (s *MySQLStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Record, error) {
	stmt := `SELECT ` + recordColumns + ` FROM execution_records
        WHERE owner_wallet = ? ORDER BY created_at DESC, id DESC`
	args := []any{owner}
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本记录失败")
	}
	defer rows.Close()

	var results []*Record
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账本记录失败")
	}
	return results, nil
}

// UpdateStatus 在事务中读取当前状态并校验推进方向。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) error {
	if !update.Status.Valid() {
		return xerrors.New(xerrors.CodeValidation, "未知的执行状态: "+string(update.Status))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var current string
	row := tx.QueryRowContext(ctx,
		`SELECT status FROM execution_records WHERE id = ? FOR UPDATE`, id)
	if err := row.Scan(&current); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrRecordNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账本记录失败")
	}
	if !Status(current).CanAdvanceTo(update.Status) {
		return ErrStatusRegression
	}

	const stmt = `UPDATE execution_records SET
        status = ?,
        tx_hash = IF(? = '', tx_hash, ?),
        dest_tx_hash = IF(? = '', dest_tx_hash, ?),
        bridge_tx_hash = IF(? = '', bridge_tx_hash, ?),
        detail = IF(? = '', detail, ?),
        updated_at = ?
        WHERE id = ?`

	_, err = tx.ExecContext(ctx, stmt,
		string(update.Status),
		update.TxHash, update.TxHash,
		update.DestTxHash, update.DestTxHash,
		update.BridgeTxHash, update.BridgeTxHash,
		update.Detail, update.Detail,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新账本状态失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// StatsByOwner 汇总 Owner 各状态的记录数量。
func (s *MySQLStore) StatsByOwner(ctx context.Context, owner string) (*Stats, error) {
	const stmt = `SELECT status, COUNT(*) FROM execution_records
        WHERE owner_wallet = ? GROUP BY status`

	rows, err := s.db.QueryContext(ctx, stmt, owner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计账本失败")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计结果失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending += count
		case StatusBridging:
			stats.Bridging += count
		case StatusSuccess:
			stats.Success += count
		case StatusFailed:
			stats.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 由连接池的持有方负责关闭，这里无需操作。
func (s *MySQLStore) Close() error {
	return nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var record Record
	var status string
	if err := scan(
		&record.ID,
		&record.Owner,
		&record.RuleID,
		&status,
		&record.TxHash,
		&record.DestTxHash,
		&record.BridgeTxHash,
		&record.Detail,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本记录失败")
	}
	record.Status = Status(status)
	return &record, nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
