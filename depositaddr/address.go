// Package depositaddr derives the deterministic CREATE2-style address used
// for address-deposit mode orders (spec.md §4.4).
package depositaddr

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// create2Prefix is the constant leading byte of the CREATE2 preimage.
const create2Prefix = 0xff

// Derive computes the deposit proxy address for an order: the last 20 bytes
// of keccak256(0xff ‖ engine ‖ salt ‖ codeHash), where salt is the orderId
// and codeHash is the keccak256 of the proxy's init code concatenated with
// its ABI-encoded constructor arguments.
func Derive(engine common.Address, salt common.Hash, codeHash common.Hash) common.Address {
	buf := make([]byte, 0, 1+20+32+32)
	buf = append(buf, create2Prefix)
	buf = append(buf, engine.Bytes()...)
	buf = append(buf, salt.Bytes()...)
	buf = append(buf, codeHash.Bytes()...)

	digest := crypto.Keccak256(buf)
	return common.BytesToAddress(digest[12:])
}

// CodeHash computes the keccak256 of the proxy's init code concatenated
// with ABI-encoded constructor arguments. Callers that only have the
// pieces (initCode, constructorArgs) should use this instead of hashing
// manually so the concatenation order matches the chain's CREATE2 check.
func CodeHash(initCode, constructorArgs []byte) common.Hash {
	buf := make([]byte, 0, len(initCode)+len(constructorArgs))
	buf = append(buf, initCode...)
	buf = append(buf, constructorArgs...)
	return crypto.Keccak256Hash(buf)
}

// Verify reports whether candidate matches the derived address for the
// given inputs. Off-chain consumers that receive an address from the API
// MUST call this (or re-derive independently) before trusting it
// (spec.md §9 "Deterministic address derivation").
func Verify(candidate common.Address, engine common.Address, salt common.Hash, codeHash common.Hash) bool {
	return Derive(engine, salt, codeHash) == candidate
}
