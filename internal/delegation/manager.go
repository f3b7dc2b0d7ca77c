package delegation

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"AutoSwap-Chain/internal/chain"
	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/pkg/logger"
)

// sessionABIJSON 是委托合约上两个只读视图的最小 ABI。
const sessionABIJSON = `[
	{"inputs":[],"name":"sessionId","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"nonce","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// delegateGasLimit 覆盖一笔空 calldata 的 SetCode 交易，
// 含授权元组的固定开销。
const delegateGasLimit = 120_000

// Manager 负责查询与推进钱包的 EIP-7702 委托状态。
// 委托与撤销都是自指交易：授权元组的 nonce 必须等于交易 nonce 加一，
// 否则链上校验会静默忽略授权。
type Manager struct {
	client     chain.Client
	target     common.Address
	sessionABI abi.ABI
}

// NewManager 构造委托管理器。target 是会话委托合约地址。
func NewManager(client chain.Client, target common.Address) (*Manager, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端未初始化")
	}
	if target == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeValidation, "委托合约地址不能为空")
	}
	parsed, err := abi.JSON(strings.NewReader(sessionABIJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析会话合约 ABI 失败")
	}
	return &Manager{client: client, target: target, sessionABI: parsed}, nil
}

// Target 返回管理器指向的委托合约地址。
func (m *Manager) Target() common.Address {
	return m.target
}

// CheckStatus 读取钱包账户代码并归类委托状态。
// 代码为空是 not_delegated；合法的委托指示器按指向归类；
// 其余非空代码也算 delegated_to_other。链上读取失败返回 unknown 和错误，
// 绝不静默当作未委托。
func (m *Manager) CheckStatus(ctx context.Context, wallet common.Address) (*Info, error) {
	info := &Info{
		Wallet: strings.ToLower(wallet.Hex()),
		Target: strings.ToLower(m.target.Hex()),
		Status: StatusUnknown,
	}

	code, err := m.client.CodeAt(ctx, wallet, nil)
	if err != nil {
		return info, xerrors.Wrap(xerrors.CodeChain, err, "读取账户代码失败")
	}
	nonce, err := m.client.NonceAt(ctx, wallet, nil)
	if err != nil {
		return info, xerrors.Wrap(xerrors.CodeChain, err, "读取账户 nonce 失败")
	}
	info.WalletNonce = nonce

	if len(code) == 0 {
		info.Status = StatusNotDelegated
		return info, nil
	}

	delegate, ok := coretypes.ParseDelegation(code)
	if !ok {
		info.Status = StatusDelegatedToOther
		return info, nil
	}
	info.Delegate = strings.ToLower(delegate.Hex())
	if delegate == m.target {
		info.Status = StatusDelegatedToTarget
		// 会话状态读取失败不影响委托状态判定。
		m.readSessionState(ctx, wallet, info)
	} else {
		info.Status = StatusDelegatedToOther
	}
	return info, nil
}

func (m *Manager) readSessionState(ctx context.Context, wallet common.Address, info *Info) {
	if id, err := m.callUint(ctx, wallet, "sessionId"); err == nil {
		info.SessionID = id.String()
	}
	if n, err := m.callUint(ctx, wallet, "nonce"); err == nil {
		info.SessionNonce = n.Uint64()
	}
}

func (m *Manager) callUint(ctx context.Context, wallet common.Address, method string) (*big.Int, error) {
	data, err := m.sessionABI.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := m.client.CallContract(ctx, gethcore.CallMsg{To: &wallet, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := m.sessionABI.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, errors.New("unexpected return arity")
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected return type")
	}
	return value, nil
}

// Delegate 把钱包委托给目标合约，返回交易哈希。
// 已指向目标时直接返回空哈希，不重复上链。
func (m *Manager) Delegate(ctx context.Context, walletKey *ecdsa.PrivateKey) (common.Hash, error) {
	return m.setDelegation(ctx, walletKey, m.target)
}

// Revoke 撤销委托：把指示器指向零地址。
// 未委托时为幂等空操作。
func (m *Manager) Revoke(ctx context.Context, walletKey *ecdsa.PrivateKey) (common.Hash, error) {
	return m.setDelegation(ctx, walletKey, common.Address{})
}

func (m *Manager) setDelegation(ctx context.Context, walletKey *ecdsa.PrivateKey, delegate common.Address) (common.Hash, error) {
	if walletKey == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeValidation, "缺少钱包私钥")
	}
	wallet := crypto.PubkeyToAddress(walletKey.PublicKey)

	info, err := m.CheckStatus(ctx, wallet)
	if err != nil {
		return common.Hash{}, err
	}
	if delegate == (common.Address{}) && info.Status == StatusNotDelegated {
		return common.Hash{}, nil
	}
	if delegate == m.target && info.Status == StatusDelegatedToTarget {
		return common.Hash{}, nil
	}

	chainID, err := m.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "查询链 ID 失败")
	}
	txNonce, err := m.client.PendingNonceAt(ctx, wallet)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "查询待定 nonce 失败")
	}

	// 自指交易：交易本身消耗 txNonce，授权在执行时校验 txNonce+1。
	auth, err := coretypes.SignSetCode(walletKey, coretypes.SetCodeAuthorization{
		ChainID: *uint256.MustFromBig(chainID),
		Address: delegate,
		Nonce:   txNonce + 1,
	})
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeAuthorizationRejected, err, "签署委托授权失败")
	}

	tipCap, feeCap, err := m.suggestFees(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	signer := coretypes.LatestSignerForChainID(chainID)
	tx, err := coretypes.SignNewTx(walletKey, signer, &coretypes.SetCodeTx{
		ChainID:   uint256.MustFromBig(chainID),
		Nonce:     txNonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       delegateGasLimit,
		To:        wallet,
		AuthList:  []coretypes.SetCodeAuthorization{auth},
	})
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeAuthorizationRejected, err, "签署委托交易失败")
	}

	if err := m.client.SendTransaction(ctx, tx); err != nil {
		if isNonceError(err) {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeNonceMismatch, err, "委托交易 nonce 与链上状态不一致")
		}
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "广播委托交易失败")
	}

	receipt, err := chain.WaitMined(ctx, m.client, tx.Hash())
	if err != nil {
		return tx.Hash(), xerrors.Wrap(xerrors.CodeTimeout, err, "等待委托交易确认超时")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return tx.Hash(), xerrors.New(xerrors.CodeChain, "委托交易执行失败",
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}

	// 收据成功不代表授权生效：nonce 被抢跑时授权会被静默跳过。
	applied, err := m.CheckStatus(ctx, wallet)
	if err != nil {
		return tx.Hash(), err
	}
	expected := StatusDelegatedToTarget
	if delegate == (common.Address{}) {
		expected = StatusNotDelegated
	}
	if applied.Status != expected {
		return tx.Hash(), xerrors.New(xerrors.CodeNonceMismatch, "委托授权未生效，链上 nonce 已变化",
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()),
			xerrors.WithMetadata("status", string(applied.Status)))
	}

	logger.Audit().Info("委托状态已更新",
		slog.String("wallet", strings.ToLower(wallet.Hex())),
		slog.String("delegate", strings.ToLower(delegate.Hex())),
		slog.String("tx_hash", tx.Hash().Hex()),
	)
	return tx.Hash(), nil
}

func (m *Manager) suggestFees(ctx context.Context) (*uint256.Int, *uint256.Int, error) {
	tip, err := m.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeChain, err, "查询优先费失败")
	}
	head, err := m.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeChain, err, "查询区块头失败")
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return uint256.MustFromBig(tip), uint256.MustFromBig(feeCap), nil
}

func isNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
