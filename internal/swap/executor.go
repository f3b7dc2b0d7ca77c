package swap

import (
	"context"
	"crypto/ecdsa"
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
	"AutoSwap-Chain/internal/chain/provider"
	"AutoSwap-Chain/internal/delegation"
	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/ledger"
	"AutoSwap-Chain/internal/scheduler"
	"AutoSwap-Chain/pkg/logger"
)

// 会话委托合约暴露给会话密钥的执行入口，以及桥接合约的存入入口。
const delegatorABIJSON = `[
  {"type":"function","name":"executeSwap","stateMutability":"nonpayable","inputs":[
    {"name":"tokenIn","type":"address"},
    {"name":"tokenOut","type":"address"},
    {"name":"amountIn","type":"uint256"}
  ],"outputs":[{"name":"amountOut","type":"uint256"}]},
  {"type":"function","name":"bridgeOut","stateMutability":"nonpayable","inputs":[
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"destinationChainId","type":"uint256"}
  ],"outputs":[]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}
  ],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	swapGasLimit   = 400_000
	bridgeGasLimit = 300_000
	// 金额字符串按 18 位小数解析。
	amountDecimals = 18
)

// Executor 在委托钱包上执行兑换。交易由会话密钥签名，
// 发往已委托的钱包地址，由委托合约校验会话后完成兑换。
type Executor struct {
	registry *provider.Registry
	target   common.Address

	delegatorABI abi.ABI
	erc20ABI     abi.ABI
}

// NewExecutor 构造执行器。target 是会话委托合约地址。
func NewExecutor(registry *provider.Registry, target common.Address) (*Executor, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端注册表未初始化")
	}
	delegatorABI, err := abi.JSON(strings.NewReader(delegatorABIJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析委托合约 ABI 失败")
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 ERC20 ABI 失败")
	}
	return &Executor{
		registry:     registry,
		target:       target,
		delegatorABI: delegatorABI,
		erc20ABI:     erc20ABI,
	}, nil
}

// Execute 实现 scheduler.Executor。
func (e *Executor) Execute(ctx context.Context, req scheduler.ExecutionRequest) (*scheduler.ExecutionResult, error) {
	client, ok := e.registry.Client(req.Rule.FromChain)
	if !ok {
		return nil, xerrors.New(xerrors.CodeValidation, "未配置源链: "+req.Rule.FromChain)
	}

	sessionKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(req.SessionKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCrypto, err, "会话私钥格式非法")
	}

	wallet := common.HexToAddress(req.Credential.Delegator)
	tokenIn, err := parseToken(req.Rule.FromToken)
	if err != nil {
		return nil, err
	}
	tokenOut, err := parseToken(req.Rule.ToToken)
	if err != nil {
		return nil, err
	}

	// 执行前确认委托仍然指向目标合约，撤销后的钱包直接拒绝。
	manager, err := delegation.NewManager(client, e.target)
	if err != nil {
		return nil, err
	}
	info, err := manager.CheckStatus(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if info.Status != delegation.StatusDelegatedToTarget {
		return nil, xerrors.New(xerrors.CodeAuthorizationRejected,
			"钱包未委托给会话合约",
			xerrors.WithMetadata("status", string(info.Status)))
	}

	amount, err := e.resolveAmount(ctx, client, req.Rule.Amount, req.Rule.Percent, tokenIn, wallet)
	if err != nil {
		return nil, err
	}

	calldata, err := e.delegatorABI.Pack("executeSwap", tokenIn, tokenOut, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "编码兑换调用失败")
	}

	txHash, err := e.sendAndWait(ctx, client, sessionKey, wallet, calldata, swapGasLimit)
	if err != nil {
		return nil, err
	}

	result := &scheduler.ExecutionResult{TxHash: txHash.Hex()}
	if !req.Rule.CrossChain() {
		return result, nil
	}

	if req.Notify != nil {
		req.Notify(ledger.StatusUpdate{
			Status: ledger.StatusBridging,
			TxHash: txHash.Hex(),
		})
	}
	bridgeHash, err := e.bridge(ctx, client, sessionKey, wallet, tokenOut, amount, req.Rule.ToChain)
	if err != nil {
		return nil, err
	}
	result.BridgeTxHash = bridgeHash.Hex()
	result.Detail = "bridged to " + req.Rule.ToChain

	logger.L().Info("跨链兑换已提交",
		slog.String("rule_id", req.Rule.ID),
		slog.String("source_tx", result.TxHash),
		slog.String("bridge_tx", result.BridgeTxHash),
	)
	return result, nil
}

// bridge 把兑换产物从源链转入桥接合约。
func (e *Executor) bridge(ctx context.Context, client chain.Client, sessionKey *ecdsa.PrivateKey, wallet, token common.Address, amount *big.Int, toChain string) (common.Hash, error) {
	def, ok := e.registry.Definition(toChain)
	if !ok || def.ChainID <= 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeValidation, "未配置目标链: "+toChain)
	}
	sourceDef, ok := e.registry.Definition(client.Name())
	if !ok || strings.TrimSpace(sourceDef.Bridge) == "" {
		return common.Hash{}, xerrors.New(xerrors.CodeValidation, "源链未配置桥接合约")
	}

	calldata, err := e.delegatorABI.Pack("bridgeOut", token, amount, big.NewInt(def.ChainID))
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "编码桥接调用失败")
	}
	return e.sendAndWait(ctx, client, sessionKey, wallet, calldata, bridgeGasLimit)
}

// resolveAmount 确定兑换数量：固定金额优先，否则按余额百分比。
func (e *Executor) resolveAmount(ctx context.Context, client chain.Client, amount string, percent float64, token, wallet common.Address) (*big.Int, error) {
	if strings.TrimSpace(amount) != "" {
		return parseAmount(amount)
	}

	calldata, err := e.erc20ABI.Pack("balanceOf", wallet)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "编码余额查询失败")
	}
	raw, err := client.CallContract(ctx, gethcore.CallMsg{To: &token, Data: calldata}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "查询代币余额失败")
	}
	outputs, err := e.erc20ABI.Unpack("balanceOf", raw)
	if err != nil || len(outputs) != 1 {
		return nil, xerrors.Wrap(xerrors.CodeChain, err, "解析代币余额失败")
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok || balance.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "代币余额不足")
	}

	// percent 以万分之一为精度折算，避免浮点误差进位。
	bps := big.NewInt(int64(percent * 100))
	result := new(big.Int).Mul(balance, bps)
	result.Div(result, big.NewInt(10_000))
	if result.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "按百分比折算后的数量为零")
	}
	return result, nil
}

func (e *Executor) sendAndWait(ctx context.Context, client chain.Client, sessionKey *ecdsa.PrivateKey, wallet common.Address, calldata []byte, gasLimit uint64) (common.Hash, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "查询链 ID 失败")
	}
	sessionAddr := crypto.PubkeyToAddress(sessionKey.PublicKey)
	nonce, err := client.PendingNonceAt(ctx, sessionAddr)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "查询会话账户 nonce 失败")
	}

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "查询优先费失败")
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "查询区块头失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	signer := coretypes.LatestSignerForChainID(chainID)
	tx, err := coretypes.SignNewTx(sessionKey, signer, &coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &wallet,
		Data:      calldata,
	})
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "签署兑换交易失败")
	}

	if err := client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChain, err, "广播兑换交易失败")
	}

	receipt, err := chain.WaitMined(ctx, client, tx.Hash())
	if err != nil {
		return tx.Hash(), xerrors.Wrap(xerrors.CodeTimeout, err, "等待兑换交易确认超时")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return tx.Hash(), xerrors.New(xerrors.CodeChain, "兑换交易执行失败",
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	return tx.Hash(), nil
}

// parseToken 校验代币地址。
func parseToken(raw string) (common.Address, error) {
	token := strings.TrimSpace(raw)
	if !common.IsHexAddress(token) {
		return common.Address{}, xerrors.New(xerrors.CodeValidation, "代币地址不合法: "+raw)
	}
	return common.HexToAddress(token), nil
}

// parseAmount 把十进制数量字符串按 18 位小数解析为整数。
func parseAmount(raw string) (*big.Int, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "数量不能为空")
	}

	whole := text
	frac := ""
	if idx := strings.IndexByte(text, '.'); idx >= 0 {
		whole, frac = text[:idx], text[idx+1:]
	}
	if len(frac) > amountDecimals {
		return nil, xerrors.New(xerrors.CodeValidation, "数量小数位超过 18 位")
	}
	digits := whole + frac + strings.Repeat("0", amountDecimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "数量必须大于零")
	}

	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeValidation, "数量格式非法: "+raw)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return nil, xerrors.New(xerrors.CodeValidation, "数量超出范围")
	}
	return value, nil
}

// ensure interface compliance at compile time
var _ scheduler.Executor = (*Executor)(nil)
