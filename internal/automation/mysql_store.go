package automation

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/recurrence"
)

// MySQLStore 使用 MySQL 保存自动化规则。
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

const ruleColumns = `id, owner_wallet, credential_id, from_token, to_token, from_chain, to_chain,
        amount, percent, frequency, next_execution, active, version, failure_streak, last_failure_at, created_at`

// Create 保存新规则。
func (s *MySQLStore) Create(ctx context.Context, rule *Rule) error {
	if rule == nil {
		return xerrors.New(xerrors.CodeValidation, "rule 不能为空")
	}
	if rule.CreatedAt == 0 {
		rule.CreatedAt = time.Now().Unix()
	}
	if rule.Version == 0 {
		rule.Version = 1
	}

	const stmt = `INSERT INTO automation_rules (` + ruleColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		rule.ID,
		rule.Owner,
		rule.CredentialID,
		rule.FromToken,
		rule.ToToken,
		rule.FromChain,
		rule.ToChain,
		rule.Amount,
		rule.Percent,
		string(rule.Frequency),
		rule.NextExecution,
		rule.Active,
		rule.Version,
		rule.FailureStreak,
		rule.LastFailureAt,
		rule.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "规则 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入自动化规则失败")
	}
	return nil
}

// Get 返回指定规则。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id)
	rule, err := scanRule(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return rule, nil
}

// ListByOwner 返回 Owner 的规则，按创建时间倒序。
func (s *MySQLStore) ListByOwner(ctx context.Context, owner string, activeOnly bool) ([]*Rule, error) {
	stmt := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE owner_wallet = ?`
	if activeOnly {
		stmt += ` AND active = TRUE`
	}
	stmt += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, stmt, owner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询自动化规则失败")
	}
	return collectRules(rows)
}

// ListDue 返回在 now 时刻已到期的活跃规则，按到期时间升序。
func (s *MySQLStore) ListDue(ctx context.Context, now int64) ([]*Rule, error) {
	const stmt = `SELECT ` + ruleColumns + ` FROM automation_rules
        WHERE active = TRUE AND next_execution > 0 AND next_execution <= ?
        ORDER BY next_execution ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期规则失败")
	}
	return collectRules(rows)
}

// AdvanceSchedule 在版本匹配时推进调度时间并清零失败计数。
func (s *MySQLStore) AdvanceSchedule(ctx context.Context, id string, next int64, version int64) error {
	const stmt = `UPDATE automation_rules
        SET next_execution = ?, version = version + 1, failure_streak = 0, last_failure_at = 0
        WHERE id = ? AND version = ?`

	result, err := s.db.ExecContext(ctx, stmt, next, id, version)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进规则调度失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	return nil
}

// RecordFailure 记录一次失败，不移动 NextExecution。
func (s *MySQLStore) RecordFailure(ctx context.Context, id string, at int64) error {
	const stmt = `UPDATE automation_rules
        SET failure_streak = failure_streak + 1, last_failure_at = ?
        WHERE id = ?`

	result, err := s.db.ExecContext(ctx, stmt, at, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录规则失败计数失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Deactivate 停用规则。对已停用规则幂等。
func (s *MySQLStore) Deactivate(ctx context.Context, id string) error {
	const stmt = `UPDATE automation_rules SET active = FALSE, version = version + 1
        WHERE id = ? AND active = TRUE`

	result, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "停用规则失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Close 由连接池的持有方负责关闭，这里无需操作。
func (s *MySQLStore) Close() error {
	return nil
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	defer rows.Close()

	var results []*Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历自动化规则失败")
	}
	return results, nil
}

func scanRule(scan func(dest ...any) error) (*Rule, error) {
	var rule Rule
	var frequency string
	if err := scan(
		&rule.ID,
		&rule.Owner,
		&rule.CredentialID,
		&rule.FromToken,
		&rule.ToToken,
		&rule.FromChain,
		&rule.ToChain,
		&rule.Amount,
		&rule.Percent,
		&frequency,
		&rule.NextExecution,
		&rule.Active,
		&rule.Version,
		&rule.FailureStreak,
		&rule.LastFailureAt,
		&rule.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析自动化规则失败")
	}
	parsed, err := recurrence.Parse(frequency)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "规则周期字段非法")
	}
	rule.Frequency = parsed
	return &rule, nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
