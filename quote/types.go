// Package quote defines the signed quote type at the center of FirmSwap,
// its canonical hash, and its EIP-712 digest.
package quote

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderType selects which side of the trade is fixed.
type OrderType uint8

const (
	ExactInput OrderType = iota
	ExactOutput
)

func (t OrderType) String() string {
	if t == ExactOutput {
		return "EXACT_OUTPUT"
	}
	return "EXACT_INPUT"
}

// MinOrder is the protocol-wide floor on outputAmount, denominated in the
// output token's smallest unit.
var MinOrder = big.NewInt(1_000_000)

var (
	ErrZeroInputAmount   = errors.New("input amount must be positive")
	ErrZeroOutputAmount  = errors.New("output amount must be positive")
	ErrBelowMinimumOrder = errors.New("output amount below protocol minimum")
	ErrDeadlineOrder     = errors.New("fill deadline must be after deposit deadline")
	ErrWrongChain        = errors.New("quote output chain id does not match current chain")
)

// Quote is a solver's firm, signed commitment to swap Input for Output.
// It is immutable once constructed; Validate never mutates it.
type Quote struct {
	Solver      common.Address
	User        common.Address
	InputToken  common.Address
	InputAmount *big.Int
	OutputToken common.Address
	OutputAmount *big.Int
	OrderType    OrderType
	OutputChainID *big.Int
	DepositDeadline uint32
	FillDeadline    uint32
	Nonce           *big.Int
}

// Validate checks the field invariants from spec.md §3 that don't require
// chain context (signature, nonce-used, registration are checked by the
// caller, which has that context).
func (q *Quote) Validate(chainID *big.Int) error {
	if q.InputAmount == nil || q.InputAmount.Sign() <= 0 {
		return ErrZeroInputAmount
	}
	if q.OutputAmount == nil || q.OutputAmount.Sign() <= 0 {
		return ErrZeroOutputAmount
	}
	if q.OutputAmount.Cmp(MinOrder) < 0 {
		return ErrBelowMinimumOrder
	}
	if q.FillDeadline <= q.DepositDeadline {
		return ErrDeadlineOrder
	}
	if chainID != nil && q.OutputChainID.Cmp(chainID) != 0 {
		return ErrWrongChain
	}
	return nil
}

// DepositMode selects how the user delivers input tokens.
type DepositMode uint8

const (
	DepositModeContract DepositMode = iota
	DepositModeAddress
)
