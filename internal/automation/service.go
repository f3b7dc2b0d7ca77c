package automation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/recurrence"
	"AutoSwap-Chain/internal/session"
	"AutoSwap-Chain/pkg/logger"
)

// CreateRequest 描述创建自动化规则所需的字段。
// Amount 与 Percent 二选一：Amount 是十进制数量字符串，
// Percent 表示按余额百分比兑换。
// NextExecution 可选，指定首次执行时间（unix 秒），不得早于当前时刻。
type CreateRequest struct {
	Owner         string  `json:"owner"`
	CredentialID  string  `json:"credential_id"`
	FromToken     string  `json:"from_token"`
	ToToken       string  `json:"to_token"`
	FromChain     string  `json:"from_chain"`
	ToChain       string  `json:"to_chain"`
	Amount        string  `json:"amount"`
	Percent       float64 `json:"percent"`
	Frequency     string  `json:"frequency"`
	NextExecution int64   `json:"next_execution"`
}

// RuleView 是规则的对外视图，附带凭证的公开字段。
type RuleView struct {
	Rule
	Credential *session.PublicView `json:"credential,omitempty"`
}

// Service 负责自动化规则的创建、查询与停用。
type Service struct {
	store    Store
	sessions *session.Service
}

// NewService 构造规则服务。
func NewService(store Store, sessions *session.Service) *Service {
	return &Service{store: store, sessions: sessions}
}

// Create 校验请求并落库一条新规则。
// 未指定首次执行时间时，锚定为创建时刻加一个完整周期。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Rule, error) {
	if s.store == nil || s.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "规则服务未初始化")
	}

	owner := session.NormalizeWallet(req.Owner)
	switch {
	case owner == "":
		return nil, xerrors.New(xerrors.CodeValidation, "缺少 owner 字段")
	case strings.TrimSpace(req.CredentialID) == "":
		return nil, xerrors.New(xerrors.CodeValidation, "缺少 credential_id 字段")
	case strings.TrimSpace(req.FromToken) == "":
		return nil, xerrors.New(xerrors.CodeValidation, "缺少 from_token 字段")
	case strings.TrimSpace(req.ToToken) == "":
		return nil, xerrors.New(xerrors.CodeValidation, "缺少 to_token 字段")
	}
	// 代币必须是合约地址，执行期才发现非法地址就太晚了。
	if !common.IsHexAddress(strings.TrimSpace(req.FromToken)) {
		return nil, xerrors.New(xerrors.CodeValidation, "from_token 不是合法的代币地址")
	}
	if !common.IsHexAddress(strings.TrimSpace(req.ToToken)) {
		return nil, xerrors.New(xerrors.CodeValidation, "to_token 不是合法的代币地址")
	}
	if strings.TrimSpace(req.Amount) == "" && req.Percent <= 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "amount 与 percent 必须至少提供一个")
	}
	if req.Percent < 0 || req.Percent > 100 {
		return nil, xerrors.New(xerrors.CodeValidation, "percent 必须位于 (0, 100] 区间")
	}

	frequency, err := recurrence.Parse(req.Frequency)
	if err != nil {
		return nil, err
	}

	credential, err := s.sessions.Get(ctx, strings.TrimSpace(req.CredentialID))
	if err != nil {
		return nil, err
	}
	if credential.Owner != owner {
		return nil, xerrors.New(xerrors.CodeValidation, "凭证不属于该 owner")
	}
	now := time.Now()
	if credential.Expired(now) {
		return nil, session.ErrCredentialExpired
	}
	if !credential.Permits(session.ActionSwap) {
		return nil, xerrors.New(xerrors.CodeValidation, "凭证未授权 SWAP 操作")
	}

	rule := &Rule{
		ID:           uuid.NewString(),
		Owner:        owner,
		CredentialID: credential.ID,
		FromToken:    strings.TrimSpace(req.FromToken),
		ToToken:      strings.TrimSpace(req.ToToken),
		FromChain:    strings.TrimSpace(req.FromChain),
		ToChain:      strings.TrimSpace(req.ToChain),
		Amount:       strings.TrimSpace(req.Amount),
		Percent:      req.Percent,
		Frequency:    frequency,
		Active:       true,
		Version:      1,
		CreatedAt:    now.Unix(),
	}
	if rule.CrossChain() && !credential.Permits(session.ActionBridge) {
		return nil, xerrors.New(xerrors.CodeValidation, "跨链规则需要凭证授权 BRIDGE 操作")
	}

	if req.NextExecution > 0 {
		if req.NextExecution < now.Unix() {
			return nil, xerrors.New(xerrors.CodeValidation, "next_execution 不能早于当前时刻")
		}
		rule.NextExecution = req.NextExecution
	} else {
		next, err := recurrence.Advance(now, frequency)
		if err != nil {
			return nil, err
		}
		rule.NextExecution = next.Unix()
	}

	if err := s.store.Create(ctx, rule); err != nil {
		return nil, err
	}

	logger.Audit().Info("自动化规则已创建",
		slog.String("rule_id", rule.ID),
		slog.String("owner", rule.Owner),
		slog.String("credential_id", rule.CredentialID),
		slog.String("frequency", string(rule.Frequency)),
		slog.Int64("next_execution", rule.NextExecution),
	)
	return cloneRule(rule), nil
}

// Get 返回指定规则。
func (s *Service) Get(ctx context.Context, id string) (*Rule, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "规则存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回 Owner 的规则列表，每条附带凭证公开视图。
func (s *Service) List(ctx context.Context, owner string, activeOnly bool) ([]RuleView, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "规则存储未初始化")
	}
	rules, err := s.store.ListByOwner(ctx, session.NormalizeWallet(owner), activeOnly)
	if err != nil {
		return nil, err
	}

	views := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		view := RuleView{Rule: *rule}
		if credential, err := s.sessions.Get(ctx, rule.CredentialID); err == nil {
			public := credential.Public()
			view.Credential = &public
		}
		views = append(views, view)
	}
	return views, nil
}

// Deactivate 停用规则，要求调用方是规则的 Owner。
func (s *Service) Deactivate(ctx context.Context, id string, owner string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "规则存储未初始化")
	}
	rule, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if owner != "" && rule.Owner != session.NormalizeWallet(owner) {
		return ErrRuleNotFound
	}
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}

	logger.Audit().Info("自动化规则已停用",
		slog.String("rule_id", id),
		slog.String("owner", rule.Owner),
	)
	return nil
}
