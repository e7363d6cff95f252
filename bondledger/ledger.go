// Package bondledger implements per-solver bond accounting: registration,
// reservation, release, slashing, and timelocked unstaking (spec.md §4.3).
package bondledger

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReservationBps is the 5% per-order reservation rate.
const ReservationBps = 500

// MinBond is the minimum total bond required to be (and remain) registered,
// denominated in the bond token's smallest unit (1000 * 10^6 for 6-decimal
// USDC).
var MinBond = big.NewInt(1_000_000_000)

// UnstakeDelay is the timelock between requesting and executing an unstake.
const UnstakeDelay = 7 * 24 * time.Hour

var (
	ErrAlreadyRegistered    = errors.New("solver already registered")
	ErrNotRegistered        = errors.New("solver not registered")
	ErrBelowMinimumBond     = errors.New("bond amount below minimum")
	ErrInsufficientBond     = errors.New("insufficient available bond")
	ErrPendingUnstakeExists = errors.New("pending unstake already exists")
	ErrNoPendingUnstake     = errors.New("no pending unstake")
	ErrUnstakeNotReady      = errors.New("unstake lock has not expired")
)

var bps = big.NewInt(10_000)

// Reserve computes the 5% bond reservation for an order of the given
// outputAmount.
func Reserve(outputAmount *big.Int) *big.Int {
	r := new(big.Int).Mul(outputAmount, big.NewInt(ReservationBps))
	return r.Div(r, bps)
}

type pendingUnstake struct {
	amount     *big.Int
	unlockTime time.Time
}

type account struct {
	mu           sync.Mutex
	registered   bool
	total        *big.Int
	reserved     *big.Int
	pendingUnstake *pendingUnstake
}

// Ledger is the in-memory reference implementation of the BondLedger
// component. It is the settlement engine's sole bond-accounting authority.
type Ledger struct {
	mu       sync.Mutex
	accounts map[common.Address]*account
}

func New() *Ledger {
	return &Ledger{accounts: make(map[common.Address]*account)}
}

func (l *Ledger) account(solver common.Address) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[solver]
	if !ok {
		a = &account{total: big.NewInt(0), reserved: big.NewInt(0)}
		l.accounts[solver] = a
	}
	return a
}

// Register deposits amount as a solver's initial bond. Fails if already
// registered or amount is below MinBond.
func (l *Ledger) Register(solver common.Address, amount *big.Int) error {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registered {
		return ErrAlreadyRegistered
	}
	if amount.Cmp(MinBond) < 0 {
		return ErrBelowMinimumBond
	}
	a.registered = true
	a.total = new(big.Int).Set(amount)
	return nil
}

// Add tops up an already-registered solver's bond.
func (l *Ledger) Add(solver common.Address, amount *big.Int) error {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.registered {
		return ErrNotRegistered
	}
	a.total = new(big.Int).Add(a.total, amount)
	return nil
}

// CheckReserve reports whether solver has enough unreserved bond to cover
// reserving outputAmount, without mutating state. Used by the atomic
// address-deposit settle path (spec.md §4.3 rationale).
func (l *Ledger) CheckReserve(solver common.Address, outputAmount *big.Int) error {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	return checkReserveLocked(a, outputAmount)
}

func checkReserveLocked(a *account, outputAmount *big.Int) error {
	available := new(big.Int).Sub(a.total, a.reserved)
	if available.Cmp(Reserve(outputAmount)) < 0 {
		return ErrInsufficientBond
	}
	return nil
}

// ReserveForOrder checks and then commits a reservation for a deposit-mode
// order, held until Release or Slash.
func (l *Ledger) ReserveForOrder(solver common.Address, outputAmount *big.Int) error {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkReserveLocked(a, outputAmount); err != nil {
		return err
	}
	a.reserved = new(big.Int).Add(a.reserved, Reserve(outputAmount))
	return nil
}

// Release frees a reservation after a successful fill.
func (l *Ledger) Release(solver common.Address, outputAmount *big.Int) {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved = new(big.Int).Sub(a.reserved, Reserve(outputAmount))
	if a.reserved.Sign() < 0 {
		a.reserved = big.NewInt(0)
	}
}

// Slash burns the reservation for a defaulted order and returns the amount
// slashed (min(reserve, totalBond)).
func (l *Ledger) Slash(solver common.Address, outputAmount *big.Int) *big.Int {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()

	reserve := Reserve(outputAmount)
	slashed := reserve
	if a.total.Cmp(reserve) < 0 {
		slashed = new(big.Int).Set(a.total)
	}
	a.total = new(big.Int).Sub(a.total, slashed)
	a.reserved = new(big.Int).Sub(a.reserved, slashed)
	if a.reserved.Sign() < 0 {
		a.reserved = big.NewInt(0)
	}
	return slashed
}

// RequestUnstake records a pending unstake, unlocking after UnstakeDelay.
func (l *Ledger) RequestUnstake(solver common.Address, amount *big.Int, now time.Time) error {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingUnstake != nil {
		return ErrPendingUnstakeExists
	}
	available := new(big.Int).Sub(a.total, a.reserved)
	if available.Cmp(amount) < 0 {
		return ErrInsufficientBond
	}
	remaining := new(big.Int).Sub(a.total, amount)
	if remaining.Cmp(MinBond) < 0 {
		return ErrBelowMinimumBond
	}
	a.pendingUnstake = &pendingUnstake{amount: new(big.Int).Set(amount), unlockTime: now.Add(UnstakeDelay)}
	return nil
}

// CancelUnstake clears any pending unstake.
func (l *Ledger) CancelUnstake(solver common.Address) error {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingUnstake == nil {
		return ErrNoPendingUnstake
	}
	a.pendingUnstake = nil
	return nil
}

// ExecuteUnstake withdraws a matured pending unstake, reducing totalBond.
func (l *Ledger) ExecuteUnstake(solver common.Address, now time.Time) (*big.Int, error) {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingUnstake == nil {
		return nil, ErrNoPendingUnstake
	}
	if now.Before(a.pendingUnstake.unlockTime) {
		return nil, ErrUnstakeNotReady
	}
	amount := a.pendingUnstake.amount
	a.total = new(big.Int).Sub(a.total, amount)
	a.pendingUnstake = nil
	return amount, nil
}

// Available returns totalBond - reservedBond.
func (l *Ledger) Available(solver common.Address) *big.Int {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Sub(a.total, a.reserved)
}

// Snapshot is a read-only view of a solver's bond record (spec.md §3).
type Snapshot struct {
	Registered         bool
	TotalBond          *big.Int
	ReservedBond       *big.Int
	UnstakeAmount      *big.Int
	UnstakeUnlockTime  time.Time
	HasPendingUnstake  bool
}

func (l *Ledger) Get(solver common.Address) Snapshot {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		Registered:   a.registered,
		TotalBond:    new(big.Int).Set(a.total),
		ReservedBond: new(big.Int).Set(a.reserved),
	}
	if a.pendingUnstake != nil {
		s.HasPendingUnstake = true
		s.UnstakeAmount = new(big.Int).Set(a.pendingUnstake.amount)
		s.UnstakeUnlockTime = a.pendingUnstake.unlockTime
	}
	return s
}

// IsRegistered reports whether solver has been registered, used by the
// settlement engine's deposit/settle validation.
func (l *Ledger) IsRegistered(solver common.Address) bool {
	a := l.account(solver)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}
