// Package metrics contains all application-logic metrics for the FirmSwap
// node and reference solver.
package metrics

import (
	"math"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	quotesRequested = metrics.NewCounter("firmswap_quotes_requested_total")
	quotesNoSolvers = metrics.NewCounter("firmswap_quotes_no_solvers_total")
	quotesNoneValid = metrics.NewCounter("firmswap_quotes_none_valid_total")

	depositsRecorded = metrics.NewCounter("firmswap_deposits_recorded_total")
	fillsRecorded    = metrics.NewCounter("firmswap_fills_recorded_total")
	settlementsOK    = metrics.NewCounter("firmswap_settlements_total")
	refundsIssued    = metrics.NewCounter("firmswap_refunds_total")
	bondsSlashed     = metrics.NewCounter("firmswap_bonds_slashed_total")

	solversRegistered   = metrics.NewCounter("firmswap_solvers_registered_total")
	solversUnregistered = metrics.NewCounter("firmswap_solvers_unregistered_total")

	fillQueueDepthBits uint64

	fillQueueDepth = metrics.NewGauge("firmswap_fill_queue_depth", func() float64 {
		return math.Float64frombits(atomic.LoadUint64(&fillQueueDepthBits))
	})
)

func IncQuotesRequested() { quotesRequested.Inc() }
func IncQuotesNoSolvers() { quotesNoSolvers.Inc() }
func IncQuotesNoneValid() { quotesNoneValid.Inc() }

func IncDepositsRecorded() { depositsRecorded.Inc() }
func IncFillsRecorded()    { fillsRecorded.Inc() }
func IncSettlements()      { settlementsOK.Inc() }
func IncRefunds()          { refundsIssued.Inc() }
func IncBondsSlashed()     { bondsSlashed.Inc() }

func IncSolversRegistered()   { solversRegistered.Inc() }
func IncSolversUnregistered() { solversUnregistered.Inc() }

// SetFillQueueDepth reports the current length of the solver's fill queue.
func SetFillQueueDepth(n float64) {
	atomic.StoreUint64(&fillQueueDepthBits, math.Float64bits(n))
}
