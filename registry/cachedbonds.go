package registry

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
)

// bondCacheCleanupInterval mirrors the teacher's single-flight cache's own
// cleanup cadence (spike/manager.go's defaultCleanupInterval). It is
// independent of how long entries live, which is the ttl passed to
// NewCachedBondChecker.
const bondCacheCleanupInterval = 5 * time.Millisecond

// bondTask is a single in-flight TotalBond lookup awaiting its result.
type bondTask struct {
	solver common.Address
	res    chan<- bondResult
}

type bondResult struct {
	bond *big.Int
	err  error
}

// CachedBondChecker wraps a BondChecker with a single-flight cache keyed on
// solver address, so a burst of registrations for the same solver collapses
// into one on-chain read instead of one per request. Concurrent callers
// asking for a key that is already being fetched join the in-flight fetch
// rather than issuing their own.
type CachedBondChecker struct {
	inner   BondChecker
	chainID *big.Int
	ttl     time.Duration

	cache *gocache.Cache

	mu                sync.Mutex
	taskQueue         chan bondTask
	currentlyExecuted map[common.Address][]chan<- bondResult
}

// NewCachedBondChecker builds a cache fronting inner for a single chain,
// with entries valid for ttl.
func NewCachedBondChecker(inner BondChecker, chainID *big.Int, ttl time.Duration) *CachedBondChecker {
	c := &CachedBondChecker{
		inner:             inner,
		chainID:           chainID,
		ttl:               ttl,
		cache:             gocache.New(ttl, bondCacheCleanupInterval),
		taskQueue:         make(chan bondTask, 60),
		currentlyExecuted: make(map[common.Address][]chan<- bondResult, 50),
	}
	go c.run()
	return c
}

func (c *CachedBondChecker) run() {
	for t := range c.taskQueue {
		c.mu.Lock()
		if v, ok := c.cache.Get(t.solver.Hex()); ok {
			t.res <- bondResult{bond: v.(*big.Int)}
			close(t.res)
			c.mu.Unlock()
			continue
		}
		if chans, ok := c.currentlyExecuted[t.solver]; ok {
			c.currentlyExecuted[t.solver] = append(chans, t.res)
			c.mu.Unlock()
			continue
		}
		c.currentlyExecuted[t.solver] = []chan<- bondResult{t.res}
		c.mu.Unlock()

		go c.fetch(t.solver)
	}
}

func (c *CachedBondChecker) fetch(solver common.Address) {
	bond, err := c.inner.TotalBond(context.Background(), c.chainID, solver)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.cache.Set(solver.Hex(), bond, c.ttl)
	}
	chans := c.currentlyExecuted[solver]
	for _, ch := range chans {
		ch <- bondResult{bond: bond, err: err}
		close(ch)
	}
	delete(c.currentlyExecuted, solver)
}

// TotalBond satisfies BondChecker. chainID must match the checker's
// configured chain; mismatches are a caller bug, not a runtime condition.
func (c *CachedBondChecker) TotalBond(ctx context.Context, chainID *big.Int, solver common.Address) (*big.Int, error) {
	if chainID.Cmp(c.chainID) != 0 {
		return nil, fmt.Errorf("registry: cached bond checker configured for chain %s, got %s", c.chainID, chainID)
	}

	if v, ok := c.cache.Get(solver.Hex()); ok {
		return v.(*big.Int), nil
	}

	resChan := make(chan bondResult, 1)
	c.taskQueue <- bondTask{solver: solver, res: resChan}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resChan:
		return r.bond, r.err
	}
}
