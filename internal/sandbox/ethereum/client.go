package ethereum

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/sandbox"
	"IntentForge-Chain/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
)

const (
	// ModeSimulated runs each fork on an in-process simulated backend.
	ModeSimulated = "simulated"
	// ModeRPC drives an external anvil-style node over JSON-RPC.
	ModeRPC = "rpc"

	simulatedGasLimit = 30_000_000
	stepGasCeiling    = 5_000_000
)

// broadcaster accounts are funded with 1,000,000 ether on every fork.
var broadcasterFunding = new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))

// Config describes how to construct the execution backend.
type Config struct {
	Mode       string
	RPCURL     string
	ForkHeight uint64
	ChainID    *big.Int
}

// evmBackend is the subset of chain operations shared by the simulated
// backend and ethclient.
type evmBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type fork struct {
	mu      sync.Mutex
	backend *backends.SimulatedBackend
}

// Client implements sandbox.Sandbox for EVM networks. In simulated mode
// every fork gets its own in-process backend; in RPC mode forks share a
// single external node that is reset between fixtures, so only one fork
// may be active at a time.
type Client struct {
	mode        string
	chainID     *big.Int
	key         *ecdsa.PrivateKey
	broadcaster common.Address
	log         *slog.Logger

	mu    sync.Mutex
	forks map[sandbox.Handle]*fork

	rpcClient  *gethrpc.Client
	eth        *ethclient.Client
	forkHeight uint64
	rpcMu      sync.Mutex
	active     sandbox.Handle
}

// NewClient constructs the execution backend for the configured mode.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "生成广播账户密钥失败")
	}

	client := &Client{
		mode:        cfg.Mode,
		key:         key,
		broadcaster: crypto.PubkeyToAddress(key.PublicKey),
		log:         logger.Named("sandbox"),
		forks:       make(map[sandbox.Handle]*fork),
		forkHeight:  cfg.ForkHeight,
	}

	switch cfg.Mode {
	case "", ModeSimulated:
		client.mode = ModeSimulated
		client.chainID = big.NewInt(1337)
		if cfg.ChainID != nil {
			client.chainID = new(big.Int).Set(cfg.ChainID)
		}
	case ModeRPC:
		rpcURL := strings.TrimSpace(cfg.RPCURL)
		if rpcURL == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "RPC 模式需要配置 rpc_url")
		}
		rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "连接沙箱节点失败")
		}
		client.rpcClient = rpcClient
		client.eth = ethclient.NewClient(rpcClient)
		chainID, err := client.eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "获取沙箱链 ID 失败")
		}
		client.chainID = chainID
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的沙箱模式 %q", cfg.Mode))
	}
	return client, nil
}

// Broadcaster returns the funded account used to send script transactions.
func (c *Client) Broadcaster() common.Address {
	return c.broadcaster
}

// Fork creates a fresh isolated copy of chain state.
func (c *Client) Fork(ctx context.Context) (sandbox.Handle, error) {
	handle := sandbox.Handle(uuid.NewString())

	if c.mode == ModeSimulated {
		alloc := core.GenesisAlloc{
			c.broadcaster: {Balance: new(big.Int).Set(broadcasterFunding)},
		}
		backend := backends.NewSimulatedBackend(alloc, simulatedGasLimit)
		c.mu.Lock()
		c.forks[handle] = &fork{backend: backend}
		c.mu.Unlock()
		return handle, nil
	}

	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()
	if c.active != "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			"RPC 模式下同一时间只允许一个活跃分叉")
	}

	resetParams := map[string]any{}
	if c.forkHeight > 0 {
		resetParams["forking"] = map[string]any{"blockNumber": c.forkHeight}
	}
	if err := c.rpcClient.CallContext(ctx, nil, "anvil_reset", resetParams); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInfrastructure, err, "重置沙箱节点失败")
	}
	funding := hexutil.EncodeBig(broadcasterFunding)
	if err := c.rpcClient.CallContext(ctx, nil, "anvil_setBalance", c.broadcaster, funding); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInfrastructure, err, "注资广播账户失败")
	}

	c.active = handle
	return handle, nil
}

// Teardown releases the fork.
func (c *Client) Teardown(ctx context.Context, handle sandbox.Handle) error {
	if c.mode == ModeSimulated {
		c.mu.Lock()
		f, ok := c.forks[handle]
		delete(c.forks, handle)
		c.mu.Unlock()
		if !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, "未知的分叉句柄")
		}
		return f.backend.Close()
	}

	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()
	if c.active != handle {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的分叉句柄")
	}
	c.active = ""
	return nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	for handle, f := range c.forks {
		_ = f.backend.Close()
		delete(c.forks, handle)
	}
	c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Submit runs the script's steps in order against the fork.
func (c *Client) Submit(ctx context.Context, handle sandbox.Handle, groupIndex int, script *sandbox.CompiledScript) (*sandbox.ExecutionResult, error) {
	if script == nil || len(script.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可执行的脚本步骤")
	}

	var backend evmBackend
	var commit func()
	if c.mode == ModeSimulated {
		c.mu.Lock()
		f, ok := c.forks[handle]
		c.mu.Unlock()
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的分叉句柄")
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		backend = f.backend
		commit = func() { f.backend.Commit() }
	} else {
		c.rpcMu.Lock()
		defer c.rpcMu.Unlock()
		if c.active != handle {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的分叉句柄")
		}
		backend = c.eth
		commit = func() {}
	}

	result := &sandbox.ExecutionResult{
		GroupIndex: groupIndex,
		TxHashes:   make([]string, 0, len(script.Steps)),
		Events:     make([]sandbox.Event, 0),
		StateDiffs: make(map[string]string),
	}

	touched := map[common.Address]bool{c.broadcaster: true}
	for _, step := range script.Steps {
		if step.To != nil {
			touched[*step.To] = true
		}
	}

	for idx, step := range script.Steps {
		receipt, err := c.executeStep(ctx, backend, commit, step)
		if err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeExecutionReverted {
				result.Reverted = true
				result.RevertReason = fmt.Sprintf("step %d: %s", idx, revertMessage(err))
				c.log.Info("脚本执行回滚",
					slog.Int("group", groupIndex),
					slog.Int("step", idx),
					slog.String("reason", result.RevertReason))
				return result, xerrors.Wrap(xerrors.CodeExecutionReverted, err, result.RevertReason)
			}
			return nil, err
		}

		result.TxHashes = append(result.TxHashes, receipt.TxHash.Hex())
		result.StateDiffs[fmt.Sprintf("step.%d.tx", idx)] = receipt.TxHash.Hex()
		if step.Action == sandbox.StepDeploy && receipt.ContractAddress != (common.Address{}) {
			result.StateDiffs[fmt.Sprintf("step.%d.deployed", idx)] = strings.ToLower(receipt.ContractAddress.Hex())
			touched[receipt.ContractAddress] = true
		}
		for _, entry := range receipt.Logs {
			topics := make([]string, 0, len(entry.Topics))
			for _, topic := range entry.Topics {
				topics = append(topics, topic.Hex())
			}
			result.Events = append(result.Events, sandbox.Event{
				Address: strings.ToLower(entry.Address.Hex()),
				Topics:  topics,
				Data:    hexutil.Encode(entry.Data),
			})
		}
	}

	for address := range touched {
		balance, err := backend.BalanceAt(ctx, address, nil)
		if err != nil {
			continue
		}
		result.StateDiffs["balance:"+strings.ToLower(address.Hex())] = balance.String()
	}
	return result, nil
}

func (c *Client) executeStep(ctx context.Context, backend evmBackend, commit func(), step sandbox.CompiledStep) (*coretypes.Receipt, error) {
	// A dry run surfaces revert reasons before any state is spent.
	if step.Action == sandbox.StepCall {
		msg := gethcore.CallMsg{From: c.broadcaster, To: step.To, Data: step.Data, Value: step.Value}
		if _, err := backend.CallContract(ctx, msg, nil); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutionReverted, err, decodeRevert(err))
		}
	}

	nonce, err := backend.PendingNonceAt(ctx, c.broadcaster)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "查询广播账户 nonce 失败")
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "获取最新区块头失败")
	}
	gasTipCap, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		gasTipCap = big.NewInt(1_000_000_000)
	}
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTipCap)
	}

	gasLimit, err := backend.EstimateGas(ctx, gethcore.CallMsg{
		From: c.broadcaster, To: step.To, Data: step.Data, Value: step.Value,
		GasFeeCap: gasFeeCap, GasTipCap: gasTipCap,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionReverted, err, decodeRevert(err))
	}
	if gasLimit > stepGasCeiling {
		gasLimit = stepGasCeiling
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit + gasLimit/4,
		To:        step.To,
		Value:     step.Value,
		Data:      step.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "签名交易失败")
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "发送交易失败")
	}
	commit()

	receipt, err := waitForReceipt(ctx, backend, signed.Hash())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "等待交易回执失败")
	}
	if receipt.Status == coretypes.ReceiptStatusFailed {
		return nil, xerrors.New(xerrors.CodeExecutionReverted, "execution reverted")
	}
	return receipt, nil
}

func waitForReceipt(ctx context.Context, backend evmBackend, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// decodeRevert extracts the Error(string) payload carried by revert errors.
func decodeRevert(err error) string {
	type dataError interface {
		ErrorData() interface{}
	}
	var de dataError
	if stdErrors.As(err, &de) {
		if encoded, ok := de.ErrorData().(string); ok {
			if reason, unpackErr := abi.UnpackRevert(common.FromHex(encoded)); unpackErr == nil {
				return reason
			}
		}
	}
	return err.Error()
}

func revertMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

var _ sandbox.Sandbox = (*Client)(nil)
