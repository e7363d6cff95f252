package solver

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/firmswap/firmswap-node/metrics"
	"github.com/firmswap/firmswap-node/simqueue"
)

// Filler is the settlement-engine capability the fill queue drives.
type Filler interface {
	Fill(orderID common.Hash, caller common.Address) error
}

type fillJob struct {
	OrderID common.Hash    `json:"orderId"`
	Solver  common.Address `json:"solver"`
}

// FillQueue is the strictly-serial per-solver fill queue: at most one
// in-flight fill transaction at any time, because concurrent submissions
// from the same EOA would contend for the same nonce (spec.md §4.9
// "Filler", §5 "Solver fill queue"). It is built directly on the shared
// priority-queue primitive, started with exactly one worker.
type FillQueue struct {
	queue  *simqueue.RedisQueue
	filler Filler
	log    *zap.Logger

	depth int64 // approximate: incremented on Enqueue, decremented when a job leaves the queue for good
}

func NewFillQueue(queue *simqueue.RedisQueue, filler Filler, log *zap.Logger) *FillQueue {
	return &FillQueue{queue: queue, filler: filler, log: log}
}

// Enqueue appends a new deposited order to the tail of this solver's fill
// queue. Jobs are scheduled for immediate processing (min target block zero,
// which Push raises to the next block, and no upper bound) since fills are
// not block-gated the way bundle simulation is.
func (q *FillQueue) Enqueue(ctx context.Context, orderID common.Hash, solver common.Address) error {
	data, err := json.Marshal(fillJob{OrderID: orderID, Solver: solver})
	if err != nil {
		return err
	}
	if err := q.queue.Push(ctx, data, true, 0, math.MaxUint64); err != nil {
		return err
	}
	metrics.SetFillQueueDepth(float64(atomic.AddInt64(&q.depth, 1)))
	return nil
}

// process is the queue's single ProcessFunc; returning nil pops the item,
// and ErrProcessWorkerError makes the shared queue requeue it, up to its
// MaxRetries. The depth gauge only moves on nil, since a retried job never
// left the queue.
func (q *FillQueue) process(ctx context.Context, data []byte) error {
	var job fillJob
	if err := json.Unmarshal(data, &job); err != nil {
		q.log.Error("fill job payload corrupt, dropping", zap.Error(err))
		metrics.SetFillQueueDepth(float64(atomic.AddInt64(&q.depth, -1)))
		return nil
	}
	if err := q.filler.Fill(job.OrderID, job.Solver); err != nil {
		q.log.Warn("fill failed, will retry", zap.String("orderId", job.OrderID.Hex()), zap.Error(err))
		return simqueue.ErrProcessWorkerError
	}
	metrics.SetFillQueueDepth(float64(atomic.AddInt64(&q.depth, -1)))
	return nil
}

// Start launches the single-worker processing loop. Exactly one worker is
// passed: concurrent fill submissions from the same solver address would
// collide on the account's transaction nonce.
func (q *FillQueue) Start(ctx context.Context) {
	q.queue.StartProcessLoop(ctx, []simqueue.ProcessFunc{q.process})
}
