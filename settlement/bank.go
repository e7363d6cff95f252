package settlement

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientBalance = errors.New("settlement: insufficient token balance")

// Bank is an in-memory token ledger standing in for on-chain ERC-20
// balances. Transfer follows the balance-difference pattern (spec.md §4.6,
// §5) so fee-on-transfer tokens are tolerated: callers should treat the
// returned actual amount, not the requested one, as authoritative.
type Bank struct {
	mu sync.Mutex
	// balances[token][holder] = amount
	balances map[common.Address]map[common.Address]*big.Int
	// transferFee, if set for a token, is a bps fee taken on every
	// outbound transfer of that token, simulating fee-on-transfer tokens.
	transferFeeBps map[common.Address]uint32
}

func NewBank() *Bank {
	return &Bank{
		balances:       make(map[common.Address]map[common.Address]*big.Int),
		transferFeeBps: make(map[common.Address]uint32),
	}
}

func (b *Bank) balanceOfLocked(token, holder common.Address) *big.Int {
	holders, ok := b.balances[token]
	if !ok {
		return big.NewInt(0)
	}
	bal, ok := holders[holder]
	if !ok {
		return big.NewInt(0)
	}
	return bal
}

// BalanceOf returns holder's balance of token.
func (b *Bank) BalanceOf(token, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceOfLocked(token, holder))
}

// Credit mints amount of token into holder's balance (test/seed helper,
// and used to model external actors depositing funds).
func (b *Bank) Credit(token, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(token, holder, amount)
}

func (b *Bank) addLocked(token, holder common.Address, amount *big.Int) {
	holders, ok := b.balances[token]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		b.balances[token] = holders
	}
	cur, ok := holders[holder]
	if !ok {
		cur = big.NewInt(0)
	}
	holders[holder] = new(big.Int).Add(cur, amount)
}

// SetTransferFeeBps configures a simulated fee-on-transfer rate for token.
func (b *Bank) SetTransferFeeBps(token common.Address, bps uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transferFeeBps[token] = bps
}

// Transfer moves amount of token from -> to, returning the amount actually
// received by to (after any simulated transfer fee). Balance-difference
// accounting: callers must use the return value, not amount, as the
// received quantity (spec.md §4.6 step 5, §5).
func (b *Bank) Transfer(token, from, to common.Address, amount *big.Int) (*big.Int, error) {
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balanceOfLocked(token, from)
	if bal.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	b.addLocked(token, from, new(big.Int).Neg(amount))

	received := new(big.Int).Set(amount)
	if bps, ok := b.transferFeeBps[token]; ok && bps > 0 {
		fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
		fee.Div(fee, big.NewInt(10_000))
		received = new(big.Int).Sub(amount, fee)
	}
	b.addLocked(token, to, received)
	return received, nil
}

// SweepAll transfers the entirety of holder's balance of token to dest,
// returning the amount moved. Used to simulate a deposit proxy's sweep.
func (b *Bank) SweepAll(token, holder, dest common.Address) (*big.Int, error) {
	bal := b.BalanceOf(token, holder)
	if bal.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return b.Transfer(token, holder, dest, bal)
}
