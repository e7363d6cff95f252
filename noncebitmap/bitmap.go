// Package noncebitmap implements the per-solver 256-bit-per-word used/
// cancelled nonce bitmap (spec.md §3, §4.2).
package noncebitmap

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNonceAlreadyUsed = errors.New("nonce already used")

const wordBits = 256

var (
	wordSize = big.NewInt(wordBits)
	one      = big.NewInt(1)
)

func wordAndBit(nonce *big.Int) (wordIndex *big.Int, bit uint) {
	wordIndex = new(big.Int)
	rem := new(big.Int)
	wordIndex.DivMod(nonce, wordSize, rem)
	return wordIndex, uint(rem.Uint64())
}

// word is a 256-bit bitmap word, stored as a fixed 32-byte big-endian value
// the same way the on-chain mapping slot would be.
type word [32]byte

func (w *word) isSet(bit uint) bool {
	byteIdx := 31 - bit/8
	mask := byte(1) << (bit % 8)
	return w[byteIdx]&mask != 0
}

func (w *word) set(bit uint) {
	byteIdx := 31 - bit/8
	mask := byte(1) << (bit % 8)
	w[byteIdx] |= mask
}

func (w *word) orMask(mask *big.Int) {
	maskBytes := common.LeftPadBytes(mask.Bytes(), 32)
	for i := range w {
		w[i] |= maskBytes[i]
	}
}

type solverWords struct {
	mu    sync.Mutex
	words map[string]*word // key: wordIndex.String()
}

// Bitmap tracks used nonces per solver address. Writes are serialized per
// solver (spec.md §4.2); distinct solvers never contend with each other.
type Bitmap struct {
	mu      sync.Mutex
	solvers map[common.Address]*solverWords
}

func New() *Bitmap {
	return &Bitmap{solvers: make(map[common.Address]*solverWords)}
}

func (b *Bitmap) solver(addr common.Address) *solverWords {
	b.mu.Lock()
	defer b.mu.Unlock()
	sw, ok := b.solvers[addr]
	if !ok {
		sw = &solverWords{words: make(map[string]*word)}
		b.solvers[addr] = sw
	}
	return sw
}

// IsUsed reports whether nonce has already been consumed for solver.
func (b *Bitmap) IsUsed(solver common.Address, nonce *big.Int) bool {
	sw := b.solver(solver)
	wordIdx, bit := wordAndBit(nonce)

	sw.mu.Lock()
	defer sw.mu.Unlock()
	w, ok := sw.words[wordIdx.String()]
	if !ok {
		return false
	}
	return w.isSet(bit)
}

// MarkUsed sets the bit for nonce, failing if it was already set.
func (b *Bitmap) MarkUsed(solver common.Address, nonce *big.Int) error {
	sw := b.solver(solver)
	wordIdx, bit := wordAndBit(nonce)

	sw.mu.Lock()
	defer sw.mu.Unlock()
	w, ok := sw.words[wordIdx.String()]
	if !ok {
		w = &word{}
		sw.words[wordIdx.String()] = w
	}
	if w.isSet(bit) {
		return ErrNonceAlreadyUsed
	}
	w.set(bit)
	return nil
}

// MarkMany ORs mask into the bitmap word at wordIndex, used for batch
// cancellation (spec.md §4.2).
func (b *Bitmap) MarkMany(solver common.Address, wordIndex *big.Int, mask *big.Int) {
	sw := b.solver(solver)

	sw.mu.Lock()
	defer sw.mu.Unlock()
	w, ok := sw.words[wordIndex.String()]
	if !ok {
		w = &word{}
		sw.words[wordIndex.String()] = w
	}
	w.orMask(mask)
}
