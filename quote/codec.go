package quote

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// quoteTypeHash is keccak256 of the canonical EIP-712 type string from
// spec.md §4.1. It must never change: changing it changes every quote hash
// ever produced.
var quoteTypeHash = crypto.Keccak256(
	[]byte("FirmSwapQuote(address solver,address user,address inputToken,uint256 inputAmount,address outputToken,uint256 outputAmount,uint8 orderType,uint256 outputChainId,uint32 depositDeadline,uint32 fillDeadline,uint256 nonce)"),
)

// domainTypeHash is keccak256("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)").
var domainTypeHash = crypto.Keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

var (
	domainNameHash    = crypto.Keccak256([]byte("FirmSwap"))
	domainVersionHash = crypto.Keccak256([]byte("1"))
)

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func word32(b []byte) []byte {
	return common.LeftPadBytes(b, 32)
}

func uintWord(n *big.Int) []byte {
	return word32(n.Bytes())
}

// StructHash returns keccak256 of the quote's EIP-712 struct encoding
// (spec.md §4.1). Identical byte-for-byte to the on-chain encoding.
func (q *Quote) StructHash() common.Hash {
	enc := concatBytes(
		quoteTypeHash,
		word32(q.Solver.Bytes()),
		word32(q.User.Bytes()),
		word32(q.InputToken.Bytes()),
		uintWord(q.InputAmount),
		word32(q.OutputToken.Bytes()),
		uintWord(q.OutputAmount),
		uintWord(big.NewInt(int64(q.OrderType))),
		uintWord(q.OutputChainID),
		uintWord(big.NewInt(int64(q.DepositDeadline))),
		uintWord(big.NewInt(int64(q.FillDeadline))),
		uintWord(q.Nonce),
	)
	return common.BytesToHash(crypto.Keccak256(enc))
}

// DomainSeparator computes the EIP-712 domain separator for the given chain
// and verifying contract (spec.md §4.1).
func DomainSeparator(chainID *big.Int, verifyingContract common.Address) common.Hash {
	enc := concatBytes(
		domainTypeHash,
		domainNameHash,
		domainVersionHash,
		uintWord(chainID),
		word32(verifyingContract.Bytes()),
	)
	return common.BytesToHash(crypto.Keccak256(enc))
}

// Digest returns the final typed-data digest that a solver signs and that
// on-chain signature recovery verifies against.
func (q *Quote) Digest(chainID *big.Int, verifyingContract common.Address) common.Hash {
	domainSep := DomainSeparator(chainID, verifyingContract)
	structHash := q.StructHash()
	enc := concatBytes([]byte{0x19, 0x01}, domainSep.Bytes(), structHash.Bytes())
	return common.BytesToHash(crypto.Keccak256(enc))
}

// RecoverSigner recovers the address that produced sig over the quote's
// EIP-712 digest. sig must be the 65-byte (r,s,v) signature with v in {0,1}
// or {27,28}.
func (q *Quote) RecoverSigner(chainID *big.Int, verifyingContract common.Address, sig []byte) (common.Address, error) {
	digest := q.Digest(chainID, verifyingContract)
	return recoverFromDigest(digest, sig)
}

func recoverFromDigest(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errInvalidSignatureLength
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// OrderID derives the on-chain order identifier from a quote hash and the
// solver's signature over it (spec.md §3): keccak256(encode(quoteHash,
// keccak256(solverSignature))).
func OrderID(quoteHash common.Hash, solverSig []byte) common.Hash {
	sigHash := crypto.Keccak256(solverSig)
	return common.BytesToHash(crypto.Keccak256(concatBytes(quoteHash.Bytes(), sigHash)))
}

// PersonalSignHash returns the EIP-191 personal_sign digest of msg, used by
// the off-chain solver registry for registration/unregistration auth
// (spec.md §4.7).
func PersonalSignHash(msg []byte) common.Hash {
	return common.BytesToHash(accounts.TextHash(msg))
}

// RecoverPersonalSign recovers the signer of an EIP-191 personal_sign
// signature over msg.
func RecoverPersonalSign(msg []byte, sig []byte) (common.Address, error) {
	return recoverFromDigest(PersonalSignHash(msg), sig)
}
