package solver

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/firmswap/firmswap-node/quote"
)

// QuoteFactory wraps computed amounts into a signed quote using a fresh
// nonce (spec.md §4.9 "Signing core").
type QuoteFactory struct {
	signer *quote.Signer
	nonces *NonceAllocator
}

func NewQuoteFactory(signer *quote.Signer, nonces *NonceAllocator) *QuoteFactory {
	return &QuoteFactory{signer: signer, nonces: nonces}
}

// Build constructs and signs a quote for the given resolved amounts.
func (f *QuoteFactory) Build(
	user common.Address,
	inputToken common.Address, inputAmount *big.Int,
	outputToken common.Address, outputAmount *big.Int,
	orderType quote.OrderType,
	outputChainID *big.Int,
	depositDeadline, fillDeadline uint32,
) (*quote.Quote, []byte, error) {
	q := &quote.Quote{
		Solver:          f.signer.Address(),
		User:            user,
		InputToken:      inputToken,
		InputAmount:     inputAmount,
		OutputToken:     outputToken,
		OutputAmount:    outputAmount,
		OrderType:       orderType,
		OutputChainID:   outputChainID,
		DepositDeadline: depositDeadline,
		FillDeadline:    fillDeadline,
		Nonce:           f.nonces.Next(),
	}
	sig, err := f.signer.Sign(q)
	if err != nil {
		return nil, nil, err
	}
	return q, sig, nil
}
