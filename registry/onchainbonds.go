package registry

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainReader is the minimal ethclient surface an on-chain bond check
// needs, kept narrow so tests can stub it without dialing a real node.
type ChainReader interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var bondOfArgs = abi.Arguments{{Type: mustAddressType}}

var mustAddressType = func() abi.Type {
	ty, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}()

// OnChainBondChecker reads a solver's posted bond directly from the
// settlement engine via eth_call, the same pattern solver.ChainAdapter
// uses for its own read-only accessors.
type OnChainBondChecker struct {
	client        ChainReader
	engineAddress common.Address
}

func NewOnChainBondChecker(client ChainReader, engineAddress common.Address) *OnChainBondChecker {
	return &OnChainBondChecker{client: client, engineAddress: engineAddress}
}

func (c *OnChainBondChecker) TotalBond(ctx context.Context, chainID *big.Int, solver common.Address) (*big.Int, error) {
	selector := crypto.Keccak256([]byte("totalBond(address)"))[:4]
	packed, err := bondOfArgs.Pack(solver)
	if err != nil {
		return nil, err
	}
	data := append(append([]byte{}, selector...), packed...)

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.engineAddress, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(out), nil
}
