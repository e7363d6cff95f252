// Package aggregator implements the quote fan-out, validation, ranking and
// signature-stripping pipeline (spec.md §4.8).
package aggregator

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/firmswap/firmswap-node/depositaddr"
	"github.com/firmswap/firmswap-node/metrics"
	"github.com/firmswap/firmswap-node/quote"
	"github.com/firmswap/firmswap-node/registry"
)

const (
	// MaxFanOut bounds how many registered solvers are queried per request.
	MaxFanOut = 8
	// QuoteTimeout bounds each individual solver call.
	QuoteTimeout = 1500 * time.Millisecond
	// DefaultDepositWindow is used when the request omits one.
	DefaultDepositWindow = 2 * time.Minute
	// DefaultFillWindow is added on top of the deposit deadline.
	DefaultFillWindow = 5 * time.Minute
)

var (
	ErrNoQuotes    = errors.New("aggregator: no solver produced a valid quote")
	ErrWrongOrigin = errors.New("aggregator: request origin chain id does not match route")
)

// Request is an inbound quote request (spec.md §6 "quote request").
type Request struct {
	InputToken         common.Address
	OutputToken        common.Address
	OrderType          quote.OrderType
	Amount             *big.Int
	User               common.Address
	OriginChainID      *big.Int
	DestinationChainID *big.Int
	DepositWindow       time.Duration // zero means DEFAULT_DEPOSIT_WINDOW
	DepositMode         quote.DepositMode
}

// SolverClient dispatches a single quote request to one solver endpoint.
type SolverClient interface {
	RequestQuote(ctx context.Context, endpoint string, req Request, depositDeadline, fillDeadline uint32) (*quote.Quote, []byte, error)
}

// EndpointValidator re-validates a solver endpoint's DNS immediately
// before dispatch (spec.md §4.8 step 4, SSRF rebinding protection).
type EndpointValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// SolverSource lists the active solvers for a chain.
type SolverSource interface {
	List(chainID *big.Int) []registry.Solver
}

// Config configures an Aggregator.
type Config struct {
	ChainID           *big.Int
	VerifyingContract common.Address
	Now               func() time.Time
}

type Aggregator struct {
	cfg       Config
	log       *zap.Logger
	solvers   SolverSource
	client    SolverClient
	endpoints EndpointValidator
}

func New(cfg Config, log *zap.Logger, solvers SolverSource, client SolverClient, endpoints EndpointValidator) *Aggregator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{cfg: cfg, log: log, solvers: solvers, client: client, endpoints: endpoints}
}

// Result is the aggregator's response to a quote request (spec.md §6
// "Quote response").
type Result struct {
	Best             *quote.Quote
	BestSignature    []byte
	DepositAddress   *common.Address
	Alternatives     []*quote.Quote // signatures stripped
}

type candidate struct {
	q         *quote.Quote
	sig       []byte
	arrivalNo int
}

// Quote runs the full fan-out/validate/verify/rank pipeline (spec.md
// §4.8).
func (a *Aggregator) Quote(ctx context.Context, req Request, proxyCodeHash *common.Hash) (*Result, error) {
	metrics.IncQuotesRequested()
	if req.OriginChainID.Cmp(a.cfg.ChainID) != 0 {
		return nil, ErrWrongOrigin
	}

	solvers := a.solvers.List(a.cfg.ChainID)
	if len(solvers) == 0 {
		metrics.IncQuotesNoSolvers()
		return nil, ErrNoQuotes
	}
	if len(solvers) > MaxFanOut {
		solvers = solvers[:MaxFanOut]
	}

	depositWindow := req.DepositWindow
	if depositWindow == 0 {
		depositWindow = DefaultDepositWindow
	}
	now := a.cfg.Now()
	depositDeadline := uint32(now.Add(depositWindow).Unix())
	fillDeadline := uint32(now.Add(depositWindow).Add(DefaultFillWindow).Unix())

	type rawResult struct {
		q   *quote.Quote
		sig []byte
		idx int
	}
	results := make(chan rawResult, len(solvers))
	var wg sync.WaitGroup
	for i, s := range solvers {
		wg.Add(1)
		go func(i int, s registry.Solver) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, QuoteTimeout)
			defer cancel()

			if a.endpoints != nil {
				if err := a.endpoints.Validate(cctx, s.Endpoint); err != nil {
					a.log.Warn("solver endpoint failed revalidation", zap.String("solver", s.Address.Hex()), zap.Error(err))
					return
				}
			}

			q, sig, err := a.client.RequestQuote(cctx, s.Endpoint, req, depositDeadline, fillDeadline)
			if err != nil {
				a.log.Warn("solver quote request failed", zap.String("solver", s.Address.Hex()), zap.Error(err))
				return
			}
			results <- rawResult{q: q, sig: sig, idx: i}
		}(i, s)
	}
	wg.Wait()
	close(results)

	var candidates []candidate
	for r := range results {
		if !a.validate(r.q, req, now) {
			continue
		}
		candidates = append(candidates, candidate{q: r.q, sig: r.sig, arrivalNo: r.idx})
	}

	verified := a.verifySignatures(candidates)
	if len(verified) == 0 {
		metrics.IncQuotesNoneValid()
		return nil, ErrNoQuotes
	}

	a.rank(verified, req.OrderType)
	best := verified[0]

	result := &Result{Best: best.q, BestSignature: best.sig}
	for _, c := range verified[1:] {
		stripped := *c.q
		result.Alternatives = append(result.Alternatives, &stripped)
	}

	if req.DepositMode == quote.DepositModeAddress && proxyCodeHash != nil {
		addr := depositaddr.Derive(a.cfg.VerifyingContract, quote.OrderID(best.q.StructHash(), best.sig), *proxyCodeHash)
		result.DepositAddress = &addr
	}
	return result, nil
}

func (a *Aggregator) validate(q *quote.Quote, req Request, now time.Time) bool {
	if q == nil {
		return false
	}
	if q.User != req.User {
		return false
	}
	if !strings.EqualFold(q.InputToken.Hex(), req.InputToken.Hex()) {
		return false
	}
	if !strings.EqualFold(q.OutputToken.Hex(), req.OutputToken.Hex()) {
		return false
	}
	if uint32(now.Unix()) >= q.DepositDeadline {
		return false
	}
	if q.InputAmount == nil || q.InputAmount.Sign() <= 0 {
		return false
	}
	if q.OutputAmount == nil || q.OutputAmount.Sign() <= 0 {
		return false
	}
	return true
}

func (a *Aggregator) verifySignatures(candidates []candidate) []candidate {
	if (a.cfg.VerifyingContract == common.Address{}) {
		return nil
	}
	out := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		recovered, err := c.q.RecoverSigner(a.cfg.ChainID, a.cfg.VerifyingContract, c.sig)
		if err != nil || recovered != c.q.Solver {
			continue
		}
		out = append(out, c)
	}
	return out
}

// rank sorts verified candidates in place: EXACT_INPUT by descending
// outputAmount, EXACT_OUTPUT by ascending inputAmount, ties broken by
// arrival order (spec.md §4.8 step 7).
func (a *Aggregator) rank(candidates []candidate, orderType quote.OrderType) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if orderType == quote.ExactInput {
			cmp := ci.q.OutputAmount.Cmp(cj.q.OutputAmount)
			if cmp != 0 {
				return cmp > 0
			}
		} else {
			cmp := ci.q.InputAmount.Cmp(cj.q.InputAmount)
			if cmp != 0 {
				return cmp < 0
			}
		}
		return ci.arrivalNo < cj.arrivalNo
	})
}
