package solver

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixedPriceSource struct {
	pp       PricePoint
	inverted bool
	err      error
}

func (f fixedPriceSource) Price(string, string) (PricePoint, bool, error) {
	return f.pp, f.inverted, f.err
}

func TestRequiredInputCeilsInSolverFavor(t *testing.T) {
	src := fixedPriceSource{pp: PricePoint{Bid: decimal.NewFromFloat(0.999), Ask: decimal.NewFromFloat(1.001)}}
	core := NewCore(src, PricingConfig{SpreadBps: 10, InputDecimals: 6, OutputDecimals: 18})

	// outputAmount = 1 token (18 decimals)
	out := new(big.Int)
	out.SetString("1000000000000000000", 10)

	input, err := core.RequiredInput("ETH", "USDC", out)
	require.NoError(t, err)
	require.True(t, input.Sign() > 0)
}

func TestDeliveredOutputFloorsInSolverFavor(t *testing.T) {
	src := fixedPriceSource{pp: PricePoint{Bid: decimal.NewFromFloat(0.999), Ask: decimal.NewFromFloat(1.001)}}
	core := NewCore(src, PricingConfig{SpreadBps: 10, InputDecimals: 6, OutputDecimals: 18})

	input := big.NewInt(1_000_000) // 1 USDC
	output, err := core.DeliveredOutput("USDC", "ETH", input)
	require.NoError(t, err)
	require.True(t, output.Sign() > 0)
}

func TestDeliveredOutputRejectsBelowMinimum(t *testing.T) {
	src := fixedPriceSource{pp: PricePoint{Bid: decimal.NewFromFloat(0.0000001), Ask: decimal.NewFromFloat(0.0000001)}}
	core := NewCore(src, PricingConfig{SpreadBps: 0, InputDecimals: 6, OutputDecimals: 18})

	input := big.NewInt(1)
	_, err := core.DeliveredOutput("USDC", "SHIB", input)
	require.ErrorIs(t, err, ErrBelowMinimumOrder)
}

func TestRequiredInputRejectsUnsupportedPair(t *testing.T) {
	src := fixedPriceSource{err: ErrUnsupportedPair}
	core := NewCore(src, PricingConfig{SpreadBps: 10, InputDecimals: 6, OutputDecimals: 18})

	_, err := core.RequiredInput("ETH", "XYZ", big.NewInt(1_000_000))
	require.ErrorIs(t, err, ErrUnsupportedPair)
}

func TestRequiredInputRejectsOversizedAmount(t *testing.T) {
	src := fixedPriceSource{pp: PricePoint{Bid: decimal.NewFromFloat(1), Ask: decimal.NewFromFloat(1)}}
	core := NewCore(src, PricingConfig{SpreadBps: 10, InputDecimals: 6, OutputDecimals: 18})

	huge := new(big.Int).Lsh(big.NewInt(1), 129)
	_, err := core.RequiredInput("ETH", "USDC", huge)
	require.ErrorIs(t, err, ErrAmountTooLarge)
}

func TestRequiredInputEnforcesCeiling(t *testing.T) {
	src := fixedPriceSource{pp: PricePoint{Bid: decimal.NewFromFloat(1), Ask: decimal.NewFromFloat(1)}}
	core := NewCore(src, PricingConfig{SpreadBps: 0, InputDecimals: 6, OutputDecimals: 18, USDCeiling: decimal.NewFromFloat(0.5)})

	out := new(big.Int)
	out.SetString("1000000000000000000", 10) // 1 token, exceeds 0.5 ceiling
	_, err := core.RequiredInput("ETH", "USDC", out)
	require.ErrorIs(t, err, ErrExceedsCeiling)
}
