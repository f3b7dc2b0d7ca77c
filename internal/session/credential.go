package session

import (
	"strings"
	"time"

	xerrors "AutoSwap-Chain/internal/errors"
)

// Action 表示会话凭证被授权执行的操作类型。
type Action string

const (
	ActionSwap   Action = "SWAP"
	ActionBridge Action = "BRIDGE"
)

// Owner 是所有实体的根身份：一个小写规范化的钱包地址。
// 首次出现时创建，永不删除。
type Owner struct {
	Wallet    string `json:"wallet"`
	CreatedAt int64  `json:"created_at"`
}

// Credential 是为某个 Owner 铸造的临时会话密钥对。
// 私钥只以加密记录落库，明文仅在调度器的执行边界内短暂存在。
type Credential struct {
	ID            string   `json:"id"`
	Owner         string   `json:"owner"`
	Delegator     string   `json:"delegator"`
	EncryptedKey  string   `json:"-"`
	PublicAddress string   `json:"public_address"`
	ValidUntil    int64    `json:"valid_until"`
	Actions       []Action `json:"actions"`
	CreatedAt     int64    `json:"created_at"`
}

// PublicView 返回凭证的公开字段，永远不包含密文或明文私钥。
type PublicView struct {
	ID            string   `json:"id"`
	Owner         string   `json:"owner"`
	Delegator     string   `json:"delegator"`
	PublicAddress string   `json:"public_address"`
	ValidUntil    int64    `json:"valid_until"`
	Actions       []Action `json:"actions"`
	CreatedAt     int64    `json:"created_at"`
}

// Public 生成凭证的公开视图。
func (c *Credential) Public() PublicView {
	return PublicView{
		ID:            c.ID,
		Owner:         c.Owner,
		Delegator:     c.Delegator,
		PublicAddress: c.PublicAddress,
		ValidUntil:    c.ValidUntil,
		Actions:       append([]Action(nil), c.Actions...),
		CreatedAt:     c.CreatedAt,
	}
}

// Expired 判断凭证在给定时刻是否已过有效期。
func (c *Credential) Expired(now time.Time) bool {
	return c.ValidUntil <= now.Unix()
}

// Permits 判断凭证是否被授权执行指定操作。
func (c *Credential) Permits(action Action) bool {
	for _, a := range c.Actions {
		if a == action {
			return true
		}
	}
	return false
}

var (
	// ErrCredentialNotFound 表示指定的会话凭证不存在。
	ErrCredentialNotFound = xerrors.New(CodeCredentialNotFound, "session credential not found")
	// ErrOwnerNotFound 表示指定的钱包尚未注册。
	ErrOwnerNotFound = xerrors.New(CodeOwnerNotFound, "owner not found")
	// ErrCredentialExpired 表示凭证已超过有效期。
	ErrCredentialExpired = xerrors.New(CodeCredentialExpired, "session credential expired")
)

const (
	CodeCredentialNotFound xerrors.Code = "CREDENTIAL_NOT_FOUND"
	CodeOwnerNotFound      xerrors.Code = "OWNER_NOT_FOUND"
	CodeCredentialExpired  xerrors.Code = "CREDENTIAL_EXPIRED"
)

func init() {
	xerrors.Register(CodeCredentialNotFound, xerrors.Attributes{
		Message:    "session credential not found",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeOwnerNotFound, xerrors.Attributes{
		Message:    "owner not found",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeCredentialExpired, xerrors.Attributes{
		Message:    "session credential expired",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: 409,
	})
}

// NormalizeWallet 将钱包地址规范化为小写形式。
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// ParseActions 校验并归一化操作列表。
func ParseActions(raw []string) ([]Action, error) {
	if len(raw) == 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "操作列表不能为空")
	}
	seen := make(map[Action]struct{}, len(raw))
	actions := make([]Action, 0, len(raw))
	for _, item := range raw {
		action := Action(strings.ToUpper(strings.TrimSpace(item)))
		switch action {
		case ActionSwap, ActionBridge:
		default:
			return nil, xerrors.New(xerrors.CodeValidation, "不支持的操作类型: "+item)
		}
		if _, ok := seen[action]; ok {
			continue
		}
		seen[action] = struct{}{}
		actions = append(actions, action)
	}
	return actions, nil
}

func cloneCredential(c *Credential) *Credential {
	clone := *c
	clone.Actions = append([]Action(nil), c.Actions...)
	return &clone
}
