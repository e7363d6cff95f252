package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firmswap/firmswap-node/quote"
	"github.com/firmswap/firmswap-node/registry"
)

var (
	chainID           = big.NewInt(8453)
	verifyingContract = common.HexToAddress("0x9999999999999999999999999999999999999999")
	inputToken        = common.HexToAddress("0x1111111111111111111111111111111111111111")
	outputToken       = common.HexToAddress("0x2222222222222222222222222222222222222222")
	userAddr          = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeSolverSource struct {
	solvers []registry.Solver
}

func (f *fakeSolverSource) List(_ *big.Int) []registry.Solver { return f.solvers }

type scriptedClient struct {
	bySolver map[string]func(depositDeadline, fillDeadline uint32) (*quote.Quote, []byte, error)
}

func (c *scriptedClient) RequestQuote(_ context.Context, endpoint string, req Request, depositDeadline, fillDeadline uint32) (*quote.Quote, []byte, error) {
	fn, ok := c.bySolver[endpoint]
	if !ok {
		return nil, nil, context.DeadlineExceeded
	}
	return fn(depositDeadline, fillDeadline)
}

type allowAllValidator struct{}

func (allowAllValidator) Validate(context.Context, string) error { return nil }

func makeSolver(t *testing.T, endpoint string) (registry.Solver, *quote.Signer) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := quote.NewSigner(key, chainID, verifyingContract)
	return registry.Solver{Address: signer.Address(), Endpoint: endpoint}, signer
}

func quoteFrom(signer *quote.Signer, outputAmount *big.Int, depositDeadline, fillDeadline uint32) (*quote.Quote, []byte, error) {
	q := &quote.Quote{
		Solver:          signer.Address(),
		User:            userAddr,
		InputToken:      inputToken,
		InputAmount:     big.NewInt(1_000_000_000),
		OutputToken:     outputToken,
		OutputAmount:    outputAmount,
		OrderType:       quote.ExactInput,
		OutputChainID:   chainID,
		DepositDeadline: depositDeadline,
		FillDeadline:    fillDeadline,
		Nonce:           big.NewInt(0),
	}
	sig, err := signer.Sign(q)
	return q, sig, err
}

func TestQuotePicksBestOutputForExactInput(t *testing.T) {
	solverA, signerA := makeSolver(t, "https://a.example.com")
	solverB, signerB := makeSolver(t, "https://b.example.com")

	client := &scriptedClient{bySolver: map[string]func(uint32, uint32) (*quote.Quote, []byte, error){
		"https://a.example.com": func(dd, fd uint32) (*quote.Quote, []byte, error) {
			return quoteFrom(signerA, big.NewInt(1_900_000_000), dd, fd)
		},
		"https://b.example.com": func(dd, fd uint32) (*quote.Quote, []byte, error) {
			return quoteFrom(signerB, big.NewInt(2_100_000_000), dd, fd)
		},
	}}

	agg := New(Config{ChainID: chainID, VerifyingContract: verifyingContract}, zap.NewNop(),
		&fakeSolverSource{solvers: []registry.Solver{solverA, solverB}}, client, allowAllValidator{})

	req := Request{
		InputToken: inputToken, OutputToken: outputToken, OrderType: quote.ExactInput,
		Amount: big.NewInt(1_000_000_000), User: userAddr, OriginChainID: chainID, DestinationChainID: chainID,
	}
	res, err := agg.Quote(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, signerB.Address(), res.Best.Solver)
	require.Len(t, res.Alternatives, 1)
	require.Equal(t, signerA.Address(), res.Alternatives[0].Solver)
}

func TestQuotePicksLeastInputForExactOutput(t *testing.T) {
	solverA, signerA := makeSolver(t, "https://a.example.com")
	solverB, signerB := makeSolver(t, "https://b.example.com")

	mk := func(signer *quote.Signer, inputAmount *big.Int) func(uint32, uint32) (*quote.Quote, []byte, error) {
		return func(dd, fd uint32) (*quote.Quote, []byte, error) {
			q := &quote.Quote{
				Solver: signer.Address(), User: userAddr, InputToken: inputToken, InputAmount: inputAmount,
				OutputToken: outputToken, OutputAmount: big.NewInt(2_000_000_000), OrderType: quote.ExactOutput,
				OutputChainID: chainID, DepositDeadline: dd, FillDeadline: fd, Nonce: big.NewInt(0),
			}
			sig, err := signer.Sign(q)
			return q, sig, err
		}
	}
	client := &scriptedClient{bySolver: map[string]func(uint32, uint32) (*quote.Quote, []byte, error){
		"https://a.example.com": mk(signerA, big.NewInt(900_000_000)),
		"https://b.example.com": mk(signerB, big.NewInt(850_000_000)),
	}}

	agg := New(Config{ChainID: chainID, VerifyingContract: verifyingContract}, zap.NewNop(),
		&fakeSolverSource{solvers: []registry.Solver{solverA, solverB}}, client, allowAllValidator{})

	req := Request{
		InputToken: inputToken, OutputToken: outputToken, OrderType: quote.ExactOutput,
		Amount: big.NewInt(2_000_000_000), User: userAddr, OriginChainID: chainID, DestinationChainID: chainID,
	}
	res, err := agg.Quote(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, signerB.Address(), res.Best.Solver)
}

func TestQuoteRejectsWrongOriginChain(t *testing.T) {
	agg := New(Config{ChainID: chainID, VerifyingContract: verifyingContract}, zap.NewNop(),
		&fakeSolverSource{}, &scriptedClient{}, allowAllValidator{})

	req := Request{OriginChainID: big.NewInt(1), DestinationChainID: chainID}
	_, err := agg.Quote(context.Background(), req, nil)
	require.ErrorIs(t, err, ErrWrongOrigin)
}

func TestQuoteReturnsNoQuotesWhenNoSolvers(t *testing.T) {
	agg := New(Config{ChainID: chainID, VerifyingContract: verifyingContract}, zap.NewNop(),
		&fakeSolverSource{}, &scriptedClient{}, allowAllValidator{})

	req := Request{OriginChainID: chainID, DestinationChainID: chainID}
	_, err := agg.Quote(context.Background(), req, nil)
	require.ErrorIs(t, err, ErrNoQuotes)
}

func TestQuoteDiscardsUnverifiableSignature(t *testing.T) {
	solverA, signerA := makeSolver(t, "https://a.example.com")

	client := &scriptedClient{bySolver: map[string]func(uint32, uint32) (*quote.Quote, []byte, error){
		"https://a.example.com": func(dd, fd uint32) (*quote.Quote, []byte, error) {
			q, sig, err := quoteFrom(signerA, big.NewInt(1_900_000_000), dd, fd)
			sig[0] ^= 0xff // corrupt signature
			return q, sig, err
		},
	}}

	agg := New(Config{ChainID: chainID, VerifyingContract: verifyingContract}, zap.NewNop(),
		&fakeSolverSource{solvers: []registry.Solver{solverA}}, client, allowAllValidator{})

	req := Request{
		InputToken: inputToken, OutputToken: outputToken, OrderType: quote.ExactInput,
		Amount: big.NewInt(1_000_000_000), User: userAddr, OriginChainID: chainID, DestinationChainID: chainID,
	}
	_, err := agg.Quote(context.Background(), req, nil)
	require.ErrorIs(t, err, ErrNoQuotes)
}

// fanOutTrackingClient records every endpoint actually dispatched to, so
// the cap can be asserted directly rather than inferred from the result.
type fanOutTrackingClient struct {
	mu       sync.Mutex
	dialed   []string
	bySolver map[string]func(ctx context.Context, depositDeadline, fillDeadline uint32) (*quote.Quote, []byte, error)
}

func (c *fanOutTrackingClient) RequestQuote(ctx context.Context, endpoint string, _ Request, depositDeadline, fillDeadline uint32) (*quote.Quote, []byte, error) {
	c.mu.Lock()
	c.dialed = append(c.dialed, endpoint)
	c.mu.Unlock()

	fn, ok := c.bySolver[endpoint]
	if !ok {
		return nil, nil, context.DeadlineExceeded
	}
	return fn(ctx, depositDeadline, fillDeadline)
}

// TestQuoteCapsFanOutAndTimesOutSlowSolvers registers more than MaxFanOut
// solvers (only the first MaxFanOut by insertion order may be dispatched,
// spec.md §4.8 step 2) and includes a solver whose RequestQuote blocks
// past QuoteTimeout, verifying it never makes it into Alternatives
// (spec.md §4.8 step 4).
func TestQuoteCapsFanOutAndTimesOutSlowSolvers(t *testing.T) {
	const totalSolvers = MaxFanOut + 3

	var solvers []registry.Solver
	signers := make(map[string]*quote.Signer)
	client := &fanOutTrackingClient{bySolver: map[string]func(context.Context, uint32, uint32) (*quote.Quote, []byte, error){}}

	for i := 0; i < totalSolvers; i++ {
		endpoint := fmt.Sprintf("https://solver-%d.example.com", i)
		solver, signer := makeSolver(t, endpoint)
		solvers = append(solvers, solver)
		signers[endpoint] = signer

		if i == 0 {
			// The slow solver: blocks until its context is cancelled by
			// QuoteTimeout, so it must never produce a usable quote.
			client.bySolver[endpoint] = func(ctx context.Context, dd, fd uint32) (*quote.Quote, []byte, error) {
				<-ctx.Done()
				return nil, nil, ctx.Err()
			}
			continue
		}
		signerCopy := signer
		client.bySolver[endpoint] = func(_ context.Context, dd, fd uint32) (*quote.Quote, []byte, error) {
			return quoteFrom(signerCopy, big.NewInt(int64(1_000_000_000+i)), dd, fd)
		}
	}

	agg := New(Config{ChainID: chainID, VerifyingContract: verifyingContract}, zap.NewNop(),
		&fakeSolverSource{solvers: solvers}, client, allowAllValidator{})

	req := Request{
		InputToken: inputToken, OutputToken: outputToken, OrderType: quote.ExactInput,
		Amount: big.NewInt(1_000_000_000), User: userAddr, OriginChainID: chainID, DestinationChainID: chainID,
	}
	res, err := agg.Quote(context.Background(), req, nil)
	require.NoError(t, err)

	client.mu.Lock()
	dialed := append([]string{}, client.dialed...)
	client.mu.Unlock()
	require.Len(t, dialed, MaxFanOut, "aggregator must cap fan-out to MAX_FAN_OUT")

	// The slow solver (index 0) was among the first MaxFanOut and so was
	// dialed, but must not appear among the valid results.
	require.Contains(t, dialed, solvers[0].Endpoint)
	require.NotEqual(t, solvers[0].Address, res.Best.Solver)
	for _, alt := range res.Alternatives {
		require.NotEqual(t, solvers[0].Address, alt.Solver)
	}
}
