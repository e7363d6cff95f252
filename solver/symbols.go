package solver

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StaticTokenSymbols is a fixed, operator-configured (chainId, address) ->
// symbol table, the simplest TokenSymbol a reference deployment needs.
type StaticTokenSymbols map[uint64]map[common.Address]string

func (s StaticTokenSymbols) Symbol(chainID *big.Int, token common.Address) (string, bool) {
	chain, ok := s[chainID.Uint64()]
	if !ok {
		return "", false
	}
	sym, ok := chain[token]
	return sym, ok
}
