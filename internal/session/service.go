package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/vault"
	"AutoSwap-Chain/pkg/logger"
)

// MintRequest 描述铸造一个新会话凭证所需的字段。
// PrivateKey 只在本次调用中短暂存在，落库前即被加密。
type MintRequest struct {
	Owner         string
	Delegator     string
	PrivateKey    string
	PublicAddress string
	ValidUntil    int64
	Actions       []string
}

// Service 负责会话凭证的铸造与查询。
type Service struct {
	store Store
	vault *vault.Vault
}

// NewService 构造凭证服务。
func NewService(store Store, v *vault.Vault) *Service {
	return &Service{store: store, vault: v}
}

// Mint 校验请求、加密私钥并持久化凭证，返回公开视图。
func (s *Service) Mint(ctx context.Context, req MintRequest) (*PublicView, error) {
	if s.store == nil || s.vault == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "凭证服务未初始化")
	}

	owner := NormalizeWallet(req.Owner)
	delegator := NormalizeWallet(req.Delegator)
	switch {
	case owner == "":
		return nil, xerrors.New(xerrors.CodeValidation, "缺少 owner 字段")
	case !common.IsHexAddress(owner):
		return nil, xerrors.New(xerrors.CodeValidation, "owner 不是合法的钱包地址")
	case delegator == "":
		return nil, xerrors.New(xerrors.CodeValidation, "缺少 delegator 字段")
	case !common.IsHexAddress(delegator):
		return nil, xerrors.New(xerrors.CodeValidation, "delegator 不是合法的钱包地址")
	case strings.TrimSpace(req.PrivateKey) == "":
		return nil, xerrors.New(xerrors.CodeValidation, "缺少会话私钥")
	case req.ValidUntil <= 0:
		return nil, xerrors.New(xerrors.CodeValidation, "缺少有效期")
	}
	publicAddress := NormalizeWallet(req.PublicAddress)
	if publicAddress != "" && !common.IsHexAddress(publicAddress) {
		return nil, xerrors.New(xerrors.CodeValidation, "会话公钥地址不合法")
	}

	actions, err := ParseActions(req.Actions)
	if err != nil {
		return nil, err
	}

	if _, _, err := s.store.EnsureOwner(ctx, owner); err != nil {
		return nil, err
	}

	encrypted, err := s.vault.Encrypt(strings.TrimSpace(req.PrivateKey))
	if err != nil {
		return nil, err
	}

	credential := &Credential{
		ID:            uuid.NewString(),
		Owner:         owner,
		Delegator:     delegator,
		EncryptedKey:  encrypted,
		PublicAddress: publicAddress,
		ValidUntil:    req.ValidUntil,
		Actions:       actions,
		CreatedAt:     time.Now().Unix(),
	}
	if err := s.store.CreateCredential(ctx, credential); err != nil {
		return nil, err
	}

	logger.Audit().Info("会话凭证已铸造",
		slog.String("credential_id", credential.ID),
		slog.String("owner", credential.Owner),
		slog.String("delegator", credential.Delegator),
		slog.Int64("valid_until", credential.ValidUntil),
	)
	view := credential.Public()
	return &view, nil
}

// Get 返回完整凭证（含加密记录），供调度器在执行边界内使用。
func (s *Service) Get(ctx context.Context, id string) (*Credential, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "凭证存储未初始化")
	}
	return s.store.GetCredential(ctx, id)
}

// Reveal 解密凭证私钥。调用方必须位于调度器的执行边界内，
// 且不得记录返回值。
func (s *Service) Reveal(ctx context.Context, id string) (string, error) {
	credential, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.vault.Decrypt(credential.EncryptedKey)
}

// EnsureOwner 规范化并注册钱包地址。
func (s *Service) EnsureOwner(ctx context.Context, wallet string) (*Owner, bool, error) {
	if s.store == nil {
		return nil, false, xerrors.New(xerrors.CodeInitializationFailure, "凭证存储未初始化")
	}
	wallet = NormalizeWallet(wallet)
	if wallet == "" || !common.IsHexAddress(wallet) {
		return nil, false, xerrors.New(xerrors.CodeValidation, "钱包地址不合法")
	}
	return s.store.EnsureOwner(ctx, wallet)
}

// ListPublic 返回 Owner 的凭证公开视图列表。
func (s *Service) ListPublic(ctx context.Context, owner string) ([]PublicView, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "凭证存储未初始化")
	}
	credentials, err := s.store.ListCredentials(ctx, owner)
	if err != nil {
		return nil, err
	}
	views := make([]PublicView, 0, len(credentials))
	for _, credential := range credentials {
		views = append(views, credential.Public())
	}
	return views, nil
}
