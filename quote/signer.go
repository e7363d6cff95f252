package quote

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces EIP-712 signatures over quotes for a single solver key.
type Signer struct {
	key               *ecdsa.PrivateKey
	address           common.Address
	chainID           *big.Int
	verifyingContract common.Address
}

func NewSigner(key *ecdsa.PrivateKey, chainID *big.Int, verifyingContract common.Address) *Signer {
	return &Signer{
		key:               key,
		address:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:           chainID,
		verifyingContract: verifyingContract,
	}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns a 65-byte (r,s,v) signature over q's EIP-712 digest, with v
// normalized to {27,28}.
func (s *Signer) Sign(q *Quote) ([]byte, error) {
	digest := q.Digest(s.chainID, s.verifyingContract)
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignPersonalMessage signs an EIP-191 personal_sign message, used for
// solver registry auth (spec.md §4.7).
func (s *Signer) SignPersonalMessage(msg []byte) ([]byte, error) {
	digest := PersonalSignHash(msg)
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
