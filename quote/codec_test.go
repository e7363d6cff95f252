package quote

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func testQuote() *Quote {
	return &Quote{
		Solver:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
		User:            common.HexToAddress("0x2222222222222222222222222222222222222222"),
		InputToken:      common.HexToAddress("0x3333333333333333333333333333333333333333"),
		InputAmount:     big.NewInt(1148e9), // placeholder scale, real amounts use big.Int directly
		OutputToken:     common.HexToAddress("0x4444444444444444444444444444444444444444"),
		OutputAmount:    big.NewInt(200_000_000),
		OrderType:       ExactOutput,
		OutputChainID:   big.NewInt(1),
		DepositDeadline: 1000,
		FillDeadline:    1300,
		Nonce:           big.NewInt(0),
	}
}

func TestStructHashDeterministic(t *testing.T) {
	q1 := testQuote()
	q2 := testQuote()
	require.Equal(t, q1.StructHash(), q2.StructHash())

	q2.Nonce = big.NewInt(1)
	require.NotEqual(t, q1.StructHash(), q2.StructHash())
}

func TestDigestAndRecoverSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	verifyingContract := common.HexToAddress("0x5555555555555555555555555555555555555555")
	signer := NewSigner(key, big.NewInt(1), verifyingContract)

	q := testQuote()
	q.OutputChainID = big.NewInt(1)
	q.Solver = signer.Address()

	sig, err := signer.Sign(q)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	recovered, err := q.RecoverSigner(big.NewInt(1), verifyingContract, sig)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), recovered)
}

func TestWireRoundTripPreservesStructHash(t *testing.T) {
	q := testQuote()
	wire := q.ToWire()
	restored, err := FromWire(wire)
	require.NoError(t, err)
	require.Equal(t, q.StructHash(), restored.StructHash())
}

func TestOrderIDDeterministic(t *testing.T) {
	q := testQuote()
	hash := q.StructHash()
	sig := make([]byte, 65)
	id1 := OrderID(hash, sig)
	id2 := OrderID(hash, sig)
	require.Equal(t, id1, id2)

	sig2 := make([]byte, 65)
	sig2[0] = 1
	id3 := OrderID(hash, sig2)
	require.NotEqual(t, id1, id3)
}

func TestValidateInvariants(t *testing.T) {
	q := testQuote()
	require.NoError(t, q.Validate(big.NewInt(1)))

	bad := testQuote()
	bad.OutputAmount = big.NewInt(0)
	require.ErrorIs(t, bad.Validate(big.NewInt(1)), ErrZeroOutputAmount)

	bad2 := testQuote()
	bad2.OutputAmount = big.NewInt(999)
	require.ErrorIs(t, bad2.Validate(big.NewInt(1)), ErrBelowMinimumOrder)

	bad3 := testQuote()
	bad3.FillDeadline = bad3.DepositDeadline
	require.ErrorIs(t, bad3.Validate(big.NewInt(1)), ErrDeadlineOrder)

	bad4 := testQuote()
	require.ErrorIs(t, bad4.Validate(big.NewInt(2)), ErrWrongChain)
}

func TestRecoverPersonalSign(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	msg := []byte("FirmSwap Solver Registration\nAddress: " + addr.Hex())
	digest := PersonalSignHash(msg)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	if sig[64] < 27 {
		sig[64] += 27
	}

	recovered, err := RecoverPersonalSign(msg, sig)
	require.NoError(t, err)
	require.Equal(t, addr, recovered)
}
