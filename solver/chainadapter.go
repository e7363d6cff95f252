package solver

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// depositedEventSignature is the Deposited(bytes32,address,address,address,
// uint256,address,uint256,uint32) event the settlement engine emits on a
// successful Deposit call (spec.md §4.6, §6 "On-chain surface").
var depositedEventSignature = crypto.Keccak256Hash([]byte(
	"Deposited(bytes32,address,address,address,uint256,address,uint256,uint32)",
))

// depositedEventArgs decodes the 7 non-indexed fields following the
// indexed orderId topic: user, solver, inputToken, inputAmount,
// outputToken, outputAmount, fillDeadline.
var depositedEventArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
	{Type: mustType("uint32")},
}

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

var (
	orderOutputArgs    = abi.Arguments{{Type: mustType("bytes32")}}
	orderOutputRetArgs = abi.Arguments{{Type: mustType("address")}, {Type: mustType("uint256")}}
	addressArgs        = abi.Arguments{{Type: mustType("address")}}
	twoAddressArgs     = abi.Arguments{{Type: mustType("address")}, {Type: mustType("address")}}
	addressUint256Args = abi.Arguments{{Type: mustType("address")}, {Type: mustType("uint256")}}
	uint256RetArgs     = abi.Arguments{{Type: mustType("uint256")}}
)

// ChainAdapter implements LogSource and NonceUsageChecker against a live
// JSON-RPC endpoint, the same ethclient.Client the teacher dials in
// cmd/node/main.go. It is the solver's only point of contact with the
// chain: the rest of the package is pure off-chain logic.
type ChainAdapter struct {
	client        *ethclient.Client
	engineAddress common.Address
	fillKey       *ecdsa.PrivateKey
	fillChainID   *big.Int

	headMu         sync.RWMutex
	cachedHead     uint64
	headLastUpdate time.Time
}

func NewChainAdapter(client *ethclient.Client, engineAddress common.Address) *ChainAdapter {
	return &ChainAdapter{client: client, engineAddress: engineAddress, headLastUpdate: time.Now().Add(-10 * time.Second)}
}

// WithFillKey attaches the solver's signing key, enabling Fill. Separated
// from the constructor because DepositedEvents/IsNonceUsed need no key.
func (a *ChainAdapter) WithFillKey(key *ecdsa.PrivateKey, chainID *big.Int) *ChainAdapter {
	a.fillKey = key
	a.fillChainID = chainID
	return a
}

// orderOutput reads the order's (outputToken, outputAmount) via the
// engine's read-only orderOutput(bytes32) accessor, the on-chain
// counterpart of orderstore.Order's OutputToken/OutputAmount fields.
func (a *ChainAdapter) orderOutput(ctx context.Context, orderID common.Hash) (common.Address, *big.Int, error) {
	selector := crypto.Keccak256([]byte("orderOutput(bytes32)"))[:4]
	packed, err := orderOutputArgs.Pack(orderID)
	if err != nil {
		return common.Address{}, nil, err
	}
	data := append(append([]byte{}, selector...), packed...)

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.engineAddress, Data: data}, nil)
	if err != nil {
		return common.Address{}, nil, err
	}
	values, err := orderOutputRetArgs.Unpack(out)
	if err != nil {
		return common.Address{}, nil, err
	}
	return values[0].(common.Address), values[1].(*big.Int), nil
}

func (a *ChainAdapter) erc20BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	selector := crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	packed, err := addressArgs.Pack(owner)
	if err != nil {
		return nil, err
	}
	data := append(append([]byte{}, selector...), packed...)
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := uint256RetArgs.Unpack(out)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

func (a *ChainAdapter) erc20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	selector := crypto.Keccak256([]byte("allowance(address,address)"))[:4]
	packed, err := twoAddressArgs.Pack(owner, spender)
	if err != nil {
		return nil, err
	}
	data := append(append([]byte{}, selector...), packed...)
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := uint256RetArgs.Unpack(out)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// sendTx gas-prices, signs and submits data to `to` from the solver's fill
// key, then blocks in bind.WaitMined until the transaction is mined and
// returns an error if its receipt reports a revert.
func (a *ChainAdapter) sendTx(ctx context.Context, to common.Address, data []byte) error {
	from := crypto.PubkeyToAddress(a.fillKey.PublicKey)
	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return err
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.fillChainID), a.fillKey)
	if err != nil {
		return err
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return err
	}
	receipt, err := bind.WaitMined(ctx, a.client, signed)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("solver: transaction %s reverted", signed.Hash().Hex())
	}
	return nil
}

// approveIfNeeded raises token's allowance for spender up to at least
// amount, submitting and waiting for an approve(spender, amount)
// transaction only when the current allowance is insufficient.
func (a *ChainAdapter) approveIfNeeded(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error {
	allowance, err := a.erc20Allowance(ctx, token, owner, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	selector := crypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	packed, err := addressUint256Args.Pack(spender, amount)
	if err != nil {
		return err
	}
	data := append(append([]byte{}, selector...), packed...)
	return a.sendTx(ctx, token, data)
}

// Fill implements the reference filler's five steps (spec.md §4.9
// "Filler"): check the solver's output-token balance and allowance, raise
// the allowance if needed, submit the fill, wait for inclusion, and only
// then report success so FillQueue pops the job — a dropped or reverted
// fill transaction must retry, not silently vanish from the queue.
func (a *ChainAdapter) Fill(orderID common.Hash, caller common.Address) error {
	ctx := context.Background()
	from := crypto.PubkeyToAddress(a.fillKey.PublicKey)

	outputToken, outputAmount, err := a.orderOutput(ctx, orderID)
	if err != nil {
		return err
	}

	balance, err := a.erc20BalanceOf(ctx, outputToken, from)
	if err != nil {
		return err
	}
	if balance.Cmp(outputAmount) < 0 {
		return fmt.Errorf("solver: insufficient output token balance for order %s: have %s, need %s", orderID.Hex(), balance, outputAmount)
	}

	if err := a.approveIfNeeded(ctx, outputToken, from, a.engineAddress, outputAmount); err != nil {
		return err
	}

	selector := crypto.Keccak256([]byte("fill(bytes32,address)"))[:4]
	args := abi.Arguments{{Type: mustType("bytes32")}, {Type: mustType("address")}}
	packed, err := args.Pack(orderID, caller)
	if err != nil {
		return err
	}
	data := append(append([]byte{}, selector...), packed...)

	return a.sendTx(ctx, a.engineAddress, data)
}

// HeadBlock is cached for 5 seconds, the same trade-off the teacher's
// EthCachingClient.BlockNumber makes (mevshare/utils.go): a poll-interval
// watcher does not need a fresh head on every tick.
func (a *ChainAdapter) HeadBlock(ctx context.Context) (uint64, error) {
	a.headMu.RLock()
	if time.Since(a.headLastUpdate) < 5*time.Second {
		defer a.headMu.RUnlock()
		return a.cachedHead, nil
	}
	a.headMu.RUnlock()

	a.headMu.Lock()
	defer a.headMu.Unlock()
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	a.cachedHead = head
	a.headLastUpdate = time.Now()
	return head, nil
}

// DepositedEvents decodes every Deposited log the engine emitted in
// [fromBlock, toBlock]. The order id is the log's second topic; the
// remaining indexed/non-indexed fields are unpacked positionally.
func (a *ChainAdapter) DepositedEvents(ctx context.Context, fromBlock, toBlock uint64) ([]DepositedEvent, error) {
	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{a.engineAddress},
		Topics:    [][]common.Hash{{depositedEventSignature}},
	})
	if err != nil {
		return nil, err
	}

	out := make([]DepositedEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		values, err := depositedEventArgs.Unpack(lg.Data)
		if err != nil {
			continue
		}
		out = append(out, DepositedEvent{
			OrderID:      lg.Topics[1],
			User:         values[0].(common.Address),
			Solver:       values[1].(common.Address),
			InputToken:   values[2].(common.Address),
			InputAmount:  values[3].(*big.Int),
			OutputToken:  values[4].(common.Address),
			OutputAmount: values[5].(*big.Int),
			FillDeadline: values[6].(uint32),
			BlockNumber:  lg.BlockNumber,
		})
	}
	return out, nil
}

// IsNonceUsed reads the engine's per-solver nonce bitmap via a plain
// eth_call to a read-only accessor, mirroring noncebitmap.Bitmap's
// off-chain semantics on-chain.
func (a *ChainAdapter) IsNonceUsed(ctx context.Context, solver common.Address, nonce *big.Int) (bool, error) {
	selector := crypto.Keccak256([]byte("isNonceUsed(address,uint256)"))[:4]
	args := abi.Arguments{{Type: mustType("address")}, {Type: mustType("uint256")}}
	packed, err := args.Pack(solver, nonce)
	if err != nil {
		return false, err
	}
	data := append(append([]byte{}, selector...), packed...)

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{
		To:   &a.engineAddress,
		Data: data,
	}, nil)
	if err != nil {
		return false, err
	}
	if len(out) == 0 {
		return false, nil
	}
	var used bool
	for _, b := range out {
		if b != 0 {
			used = true
			break
		}
	}
	return used, nil
}
