// Package solver implements the reference FirmSwap solver: pricing,
// quote signing, nonce allocation, deposit watching and a strictly serial
// fill queue (spec.md §4.9).
package solver

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedPair   = errors.New("solver: unsupported token pair")
	ErrAmountTooLarge    = errors.New("solver: fixed-side amount exceeds 2^128")
	ErrBelowMinimumOrder = errors.New("solver: derived output below protocol minimum")
	ErrExceedsCeiling    = errors.New("solver: USD-equivalent exceeds configured ceiling")
)

// maxFixedAmount is 2^128, the spec's ceiling on the fixed-side amount.
var maxFixedAmount = new(big.Int).Lsh(big.NewInt(1), 128)

// PricePoint is a bid/ask quote for a token pair from an exchange adapter.
type PricePoint struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// PriceSource resolves a bid/ask for a token pair. direction indicates
// whether base->quote is the "natural" direction for this source.
type PriceSource interface {
	Price(base, quote string) (pp PricePoint, inverted bool, err error)
}

// PricingConfig holds a solver's commercial parameters.
type PricingConfig struct {
	SpreadBps      int64
	USDCeiling     decimal.Decimal
	InputDecimals  int32
	OutputDecimals int32
}

// Core computes required input / delivered output using a PriceSource and
// PricingConfig (spec.md §4.9 "Pricing core").
type Core struct {
	prices PriceSource
	cfg    PricingConfig
}

func NewCore(prices PriceSource, cfg PricingConfig) *Core {
	return &Core{prices: prices, cfg: cfg}
}

func (c *Core) spreadFactor(widen bool) decimal.Decimal {
	bps := decimal.NewFromInt(c.cfg.SpreadBps).Div(decimal.NewFromInt(10_000))
	if widen {
		return decimal.NewFromInt(1).Add(bps)
	}
	return decimal.NewFromInt(1).Sub(bps)
}

// RequiredInput computes the input amount needed to deliver outputAmount
// on an EXACT_OUTPUT quote, ceiling-rounded in the solver's favor.
func (c *Core) RequiredInput(base, quoteSym string, outputAmount *big.Int) (*big.Int, error) {
	if outputAmount.CmpAbs(maxFixedAmount) >= 0 {
		return nil, ErrAmountTooLarge
	}
	pp, inverted, err := c.prices.Price(base, quoteSym)
	if err != nil {
		return nil, ErrUnsupportedPair
	}

	outDec := decimalFromBigInt(outputAmount, c.cfg.OutputDecimals)
	var inputDec decimal.Decimal
	if inverted {
		inputDec = outDec.Div(pp.Bid).Mul(c.spreadFactor(true))
	} else {
		inputDec = outDec.Mul(pp.Ask).Mul(c.spreadFactor(true))
	}

	if err := c.checkCeiling(outDec); err != nil {
		return nil, err
	}
	return ceilToBigInt(inputDec, c.cfg.InputDecimals), nil
}

// DeliveredOutput computes the output amount delivered for an EXACT_INPUT
// quote, floor-rounded in the solver's favor.
func (c *Core) DeliveredOutput(base, quoteSym string, inputAmount *big.Int) (*big.Int, error) {
	if inputAmount.CmpAbs(maxFixedAmount) >= 0 {
		return nil, ErrAmountTooLarge
	}
	pp, inverted, err := c.prices.Price(base, quoteSym)
	if err != nil {
		return nil, ErrUnsupportedPair
	}

	inDec := decimalFromBigInt(inputAmount, c.cfg.InputDecimals)
	var outputDec decimal.Decimal
	if inverted {
		outputDec = inDec.Div(pp.Bid).Mul(c.spreadFactor(false))
	} else {
		outputDec = inDec.Mul(pp.Bid).Mul(c.spreadFactor(false))
	}

	if err := c.checkCeiling(inDec); err != nil {
		return nil, err
	}

	out := floorToBigInt(outputDec, c.cfg.OutputDecimals)
	minOrder := new(big.Int).SetUint64(1_000_000)
	if out.Cmp(minOrder) < 0 {
		return nil, ErrBelowMinimumOrder
	}
	return out, nil
}

func (c *Core) checkCeiling(notional decimal.Decimal) error {
	if c.cfg.USDCeiling.IsZero() {
		return nil
	}
	if notional.GreaterThan(c.cfg.USDCeiling) {
		return ErrExceedsCeiling
	}
	return nil
}

func decimalFromBigInt(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -decimals)
}

func ceilToBigInt(d decimal.Decimal, decimals int32) *big.Int {
	scaled := d.Shift(decimals).Ceil()
	return scaled.BigInt()
}

func floorToBigInt(d decimal.Decimal, decimals int32) *big.Int {
	scaled := d.Shift(decimals).Floor()
	return scaled.BigInt()
}
