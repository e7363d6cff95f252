package solver

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceUsageChecker reads on-chain nonce-used status, used only during
// allocator initialization.
type NonceUsageChecker interface {
	IsNonceUsed(ctx context.Context, solver common.Address, nonce *big.Int) (bool, error)
}

// NonceAllocator hands out nonces for a single solver identity: it scans
// on-chain for the first unused nonce up to a bounded window at startup,
// then increments monotonically in-process. A single solver instance must
// own exactly one allocator per solver address (spec.md §4.9 "Nonce
// allocator").
type NonceAllocator struct {
	mu   sync.Mutex
	next *big.Int
}

// ScanWindow bounds how many on-chain nonces are probed during
// initialization; if every probed nonce is used, the allocator starts at
// ScanWindow.
const ScanWindow = 10_000

// NewNonceAllocator scans [0, ScanWindow) on-chain for the first unused
// nonce and initializes the allocator there. If every slot in the window
// is used, it continues from ScanWindow.
func NewNonceAllocator(ctx context.Context, checker NonceUsageChecker, solver common.Address) (*NonceAllocator, error) {
	start := big.NewInt(0)
	for i := int64(0); i < ScanWindow; i++ {
		n := big.NewInt(i)
		var used bool
		if err := rpcRetry(ctx, 5*time.Second, func() error {
			u, err := checker.IsNonceUsed(ctx, solver, n)
			if err != nil {
				return err
			}
			used = u
			return nil
		}); err != nil {
			return nil, err
		}
		if !used {
			start = n
			break
		}
		if i == ScanWindow-1 {
			start = big.NewInt(ScanWindow)
		}
	}
	return &NonceAllocator{next: start}, nil
}

// Next returns the next nonce to use and advances the allocator
// monotonically. Safe for concurrent use, though the solver's single-
// writer design means callers should not need concurrent access.
func (a *NonceAllocator) Next() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := new(big.Int).Set(a.next)
	a.next = new(big.Int).Add(a.next, big.NewInt(1))
	return n
}
