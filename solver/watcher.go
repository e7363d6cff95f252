package solver

import (
	"context"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// DepositedEvent mirrors the on-chain Deposited log (spec.md §6 "On-chain
// surface").
type DepositedEvent struct {
	OrderID      common.Hash
	User         common.Address
	Solver       common.Address
	InputToken   common.Address
	InputAmount  *big.Int
	OutputToken  common.Address
	OutputAmount *big.Int
	FillDeadline uint32
	BlockNumber  uint64
}

// LogSource reads Deposited events in a block range.
type LogSource interface {
	DepositedEvents(ctx context.Context, fromBlock, toBlock uint64) ([]DepositedEvent, error)
	HeadBlock(ctx context.Context) (uint64, error)
}

// Enqueuer accepts a job once a deposit has been observed for this solver.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID common.Hash, solver common.Address) error
}

// Watcher polls the settlement engine's deposited-event log between the
// last-seen block and the current head at a fixed interval, enqueuing a
// fill job for every event addressed to its solver whose fillDeadline has
// not yet passed (spec.md §4.9 "Deposit watcher").
type Watcher struct {
	log         *zap.Logger
	logs        LogSource
	queue       Enqueuer
	solver      common.Address
	pollInterval time.Duration
	now         func() time.Time

	lastSeenBlock uint64
}

func NewWatcher(log *zap.Logger, logs LogSource, queue Enqueuer, solver common.Address, pollInterval time.Duration, startBlock uint64) *Watcher {
	return &Watcher{
		log: log, logs: logs, queue: queue, solver: solver,
		pollInterval: pollInterval, now: time.Now, lastSeenBlock: startBlock,
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				w.log.Warn("deposit watcher poll failed", zap.Error(err))
			}
		}
	}
}

// rpcRetry wraps a flaky RPC call with a short exponential backoff, the
// same pattern simqueue.RedisQueue uses for its own requeue retries
// (simqueue/queue.go).
func rpcRetry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, backoff.WithContext(exp, ctx))
}

func (w *Watcher) pollOnce(ctx context.Context) error {
	var head uint64
	if err := rpcRetry(ctx, 5*time.Second, func() error {
		h, err := w.logs.HeadBlock(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	}); err != nil {
		return err
	}
	if head <= w.lastSeenBlock {
		return nil
	}

	var events []DepositedEvent
	if err := rpcRetry(ctx, 5*time.Second, func() error {
		evs, err := w.logs.DepositedEvents(ctx, w.lastSeenBlock+1, head)
		if err != nil {
			return err
		}
		events = evs
		return nil
	}); err != nil {
		return err
	}

	nowUnix := uint32(w.now().Unix())
	for _, ev := range events {
		if ev.Solver != w.solver {
			continue
		}
		if ev.FillDeadline <= nowUnix {
			continue
		}
		if err := w.queue.Enqueue(ctx, ev.OrderID, ev.Solver); err != nil {
			w.log.Error("failed to enqueue fill job", zap.String("orderId", ev.OrderID.Hex()), zap.Error(err))
			continue
		}
	}

	w.lastSeenBlock = head
	return nil
}
