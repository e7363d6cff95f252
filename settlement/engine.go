// Package settlement composes the quote codec, nonce bitmap, bond ledger
// and order store into the settlement engine described in spec.md §4.6.
// It is a faithful off-chain reference model of the on-chain engine: entry
// points are serialized by a single mutex (no reentrancy), token moves are
// balance-difference accounted, and state writes precede the external
// "calls" they gate, matching CEI (spec.md §5).
package settlement

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/firmswap/firmswap-node/bondledger"
	"github.com/firmswap/firmswap-node/depositaddr"
	"github.com/firmswap/firmswap-node/metrics"
	"github.com/firmswap/firmswap-node/noncebitmap"
	"github.com/firmswap/firmswap-node/orderstore"
	"github.com/firmswap/firmswap-node/quote"
)

// Config holds the engine's fixed, chain-level parameters.
type Config struct {
	ChainID           *big.Int
	EngineAddress     common.Address
	VerifyingContract common.Address
	ProxyCodeHash     common.Hash
	BondToken         common.Address
	Now               func() time.Time
}

// Engine is the off-chain FirmSwap settlement engine reference
// implementation.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu sync.Mutex // non-reentrancy guard: one entry point in flight at a time

	bonds   *bondledger.Ledger
	nonces  *noncebitmap.Bitmap
	orders  *orderstore.Store
	bank    *Bank
	events  *Broadcaster

	excessMu sync.Mutex
	excess   map[common.Address]map[common.Address]*big.Int // user -> token -> amount

	deployedProxies map[common.Address]bool
}

func New(cfg Config, log *zap.Logger) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:             cfg,
		log:             log,
		bonds:           bondledger.New(),
		nonces:          noncebitmap.New(),
		orders:          orderstore.New(),
		bank:            NewBank(),
		events:          NewBroadcaster(),
		excess:          make(map[common.Address]map[common.Address]*big.Int),
		deployedProxies: make(map[common.Address]bool),
	}
}

// Bank exposes the engine's token ledger, for seeding balances in tests
// and wiring deposit funding in the node's transport layer.
func (e *Engine) Bank() *Bank { return e.bank }

// Events returns the engine's event broadcaster.
func (e *Engine) Events() *Broadcaster { return e.events }

func (e *Engine) now() time.Time { return e.cfg.Now() }

// validate performs the shared quote-validation steps used by deposit,
// settle and their variants (spec.md §4.6 step 1).
func (e *Engine) validate(q *quote.Quote, sig []byte, checkDepositDeadline bool) error {
	if err := q.Validate(e.cfg.ChainID); err != nil {
		switch err {
		case quote.ErrWrongChain:
			return ErrWrongChain
		case quote.ErrDeadlineOrder:
			return ErrFillDeadlineBeforeDeposit
		default:
			return ErrInvalidQuote
		}
	}

	recovered, err := q.RecoverSigner(e.cfg.ChainID, e.cfg.VerifyingContract, sig)
	if err != nil || recovered != q.Solver {
		return ErrInvalidSignature
	}

	if checkDepositDeadline {
		if uint32(e.now().Unix()) > q.DepositDeadline {
			return ErrQuoteExpired
		}
	}

	if !e.bonds.IsRegistered(q.Solver) {
		return ErrSolverNotRegistered
	}
	if e.nonces.IsUsed(q.Solver, q.Nonce) {
		return ErrInvalidQuote
	}
	return nil
}

func orderID(q *quote.Quote, sig []byte) common.Hash {
	return quote.OrderID(q.StructHash(), sig)
}

// publishResolvedOrder emits the cross-chain-intent-standard open event for
// a newly created order (spec.md §4.6, §283): maxSpent is the solver's
// input-side obligation on this chain, minReceived is the user's
// output-side entitlement on the quote's output chain.
func (e *Engine) publishResolvedOrder(id common.Hash, q *quote.Quote, inputAmount *big.Int) {
	e.events.publish(Event{
		Kind:    EventResolvedOrder,
		OrderID: id,
		User:    q.User,
		Solver:  q.Solver,
		MaxSpent: TokenAmount{
			Token:   q.InputToken,
			Address: q.Solver,
			ChainID: e.cfg.ChainID,
			Amount:  inputAmount,
		},
		MinReceived: TokenAmount{
			Token:   q.OutputToken,
			Address: q.User,
			ChainID: q.OutputChainID,
			Amount:  q.OutputAmount,
		},
	})
}

// Deposit implements the contract-deposit path (spec.md §4.6 "deposit").
// depositor is whoever transfers the input tokens in (normally the user).
func (e *Engine) Deposit(q *quote.Quote, sig []byte, depositor common.Address) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(q, sig, true); err != nil {
		return common.Hash{}, err
	}
	id := orderID(q, sig)
	if e.orders.Exists(id) {
		return common.Hash{}, ErrOrderAlreadyExists
	}

	if err := e.nonces.MarkUsed(q.Solver, q.Nonce); err != nil {
		return common.Hash{}, ErrInvalidQuote
	}
	if err := e.bonds.ReserveForOrder(q.Solver, q.OutputAmount); err != nil {
		return common.Hash{}, err
	}

	received, err := e.bank.Transfer(q.InputToken, depositor, e.cfg.EngineAddress, q.InputAmount)
	if err != nil {
		return common.Hash{}, err
	}

	order := &orderstore.Order{
		OrderID:      id,
		State:        orderstore.StateDeposited,
		User:         q.User,
		Solver:       q.Solver,
		InputToken:   q.InputToken,
		InputAmount:  received,
		OutputToken:  q.OutputToken,
		OutputAmount: q.OutputAmount,
		FillDeadline: q.FillDeadline,
	}
	if err := e.orders.Create(order); err != nil {
		return common.Hash{}, err
	}

	e.events.publish(Event{
		Kind: EventDeposited, OrderID: id, User: q.User, Solver: q.Solver,
		InputToken: q.InputToken, InputAmount: received,
		OutputToken: q.OutputToken, OutputAmount: q.OutputAmount,
		FillDeadline: q.FillDeadline,
	})
	e.publishResolvedOrder(id, q, received)
	metrics.IncDepositsRecorded()
	return id, nil
}

// Fill implements contract-deposit settlement (spec.md §4.6 "fill").
func (e *Engine) Fill(orderID common.Hash, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders.Get(orderID)
	if !ok {
		return ErrOrderNotFound
	}
	if o.State != orderstore.StateDeposited {
		return ErrOrderNotDeposited
	}
	if caller != o.Solver {
		return ErrNotSolver
	}
	if uint32(e.now().Unix()) > o.FillDeadline {
		return ErrQuoteExpired
	}

	if err := e.orders.Transition(orderID, orderstore.StateDeposited, orderstore.StateSettled); err != nil {
		return err
	}
	e.bonds.Release(o.Solver, o.OutputAmount)

	if _, err := e.bank.Transfer(o.OutputToken, o.Solver, o.User, o.OutputAmount); err != nil {
		return err
	}
	if _, err := e.bank.Transfer(o.InputToken, e.cfg.EngineAddress, o.Solver, o.InputAmount); err != nil {
		return err
	}

	e.events.publish(Event{Kind: EventSettled, OrderID: orderID, User: o.User, Solver: o.Solver})
	metrics.IncFillsRecorded()
	return nil
}

// depositAddressFor derives the CREATE2 deposit proxy address for quote q,
// salted by its orderId.
func (e *Engine) depositAddressFor(id common.Hash) common.Address {
	return depositaddr.Derive(e.cfg.EngineAddress, id, e.cfg.ProxyCodeHash)
}

// ComputeDepositAddress is the read view used by off-chain quoting clients
// (spec.md §4.6 "Read views").
func (e *Engine) ComputeDepositAddress(q *quote.Quote, sig []byte) common.Address {
	return e.depositAddressFor(orderID(q, sig))
}

func (e *Engine) deployProxy(addr common.Address) {
	e.deployedProxies[addr] = true
}

// Settle implements the atomic address-deposit path (spec.md §4.6
// "settle"). caller is the solver.
func (e *Engine) Settle(q *quote.Quote, sig []byte, caller common.Address) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settleLocked(q, sig, caller, q.InputAmount)
}

// SettleWithTolerance implements "settleWithTolerance": caller accepts an
// amount <= quote.InputAmount as present at the deposit address.
func (e *Engine) SettleWithTolerance(q *quote.Quote, sig []byte, caller common.Address, acceptedInputAmount *big.Int) (common.Hash, error) {
	if acceptedInputAmount.Sign() == 0 || acceptedInputAmount.Cmp(q.InputAmount) > 0 {
		return common.Hash{}, ErrInvalidQuote
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settleLocked(q, sig, caller, acceptedInputAmount)
}

func (e *Engine) settleLocked(q *quote.Quote, sig []byte, caller common.Address, requiredInput *big.Int) (common.Hash, error) {
	if err := e.validate(q, sig, true); err != nil {
		return common.Hash{}, err
	}
	id := orderID(q, sig)
	depositAddr := e.depositAddressFor(id)

	if e.bank.BalanceOf(q.InputToken, depositAddr).Cmp(requiredInput) < 0 {
		return common.Hash{}, ErrInsufficientDeposit
	}
	if err := e.bonds.CheckReserve(q.Solver, q.OutputAmount); err != nil {
		return common.Hash{}, err
	}
	if err := e.nonces.MarkUsed(q.Solver, q.Nonce); err != nil {
		return common.Hash{}, ErrInvalidQuote
	}

	order := &orderstore.Order{
		OrderID:      id,
		State:        orderstore.StateSettled,
		User:         q.User,
		Solver:       q.Solver,
		InputToken:   q.InputToken,
		InputAmount:  requiredInput,
		OutputToken:  q.OutputToken,
		OutputAmount: q.OutputAmount,
		FillDeadline: q.FillDeadline,
	}
	if err := e.orders.Create(order); err != nil {
		return common.Hash{}, err
	}

	e.deployProxy(depositAddr)
	received, err := e.bank.SweepAll(q.InputToken, depositAddr, e.cfg.EngineAddress)
	if err != nil {
		return common.Hash{}, err
	}

	if _, err := e.bank.Transfer(q.OutputToken, caller, q.User, q.OutputAmount); err != nil {
		return common.Hash{}, err
	}

	toSolver := new(big.Int).Set(received)
	var excess *big.Int
	if toSolver.Cmp(q.InputAmount) > 0 {
		excess = new(big.Int).Sub(toSolver, q.InputAmount)
		toSolver = new(big.Int).Set(q.InputAmount)
	}
	if _, err := e.bank.Transfer(q.InputToken, e.cfg.EngineAddress, q.Solver, toSolver); err != nil {
		return common.Hash{}, err
	}
	if excess != nil && excess.Sign() > 0 {
		e.creditExcess(q.User, q.InputToken, excess)
		e.events.publish(Event{Kind: EventExcessDeposit, User: q.User, Token: q.InputToken, AmountReturned: excess})
	}

	e.events.publish(Event{Kind: EventSettled, OrderID: id, User: q.User, Solver: q.Solver})
	e.publishResolvedOrder(id, q, requiredInput)
	metrics.IncSettlements()
	return id, nil
}

// Refund implements the contract-deposit default path (spec.md §4.6
// "refund").
func (e *Engine) Refund(orderID common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders.Get(orderID)
	if !ok {
		return ErrOrderNotFound
	}
	if o.State != orderstore.StateDeposited {
		return ErrOrderNotDeposited
	}
	if uint32(e.now().Unix()) <= o.FillDeadline {
		return ErrOrderNotExpired
	}

	slashed := e.bonds.Slash(o.Solver, o.OutputAmount)
	if err := e.orders.Transition(orderID, orderstore.StateDeposited, orderstore.StateRefunded); err != nil {
		return err
	}

	if _, err := e.bank.Transfer(o.InputToken, e.cfg.EngineAddress, o.User, o.InputAmount); err != nil {
		return err
	}
	if slashed.Sign() > 0 {
		if _, err := e.bank.Transfer(e.cfg.BondToken, e.cfg.EngineAddress, o.User, slashed); err != nil {
			return err
		}
	}

	e.events.publish(Event{Kind: EventRefunded, OrderID: orderID, User: o.User, AmountReturned: o.InputAmount, BondSlashed: slashed})
	metrics.IncRefunds()
	if slashed.Sign() > 0 {
		metrics.IncBondsSlashed()
	}
	return nil
}

// RefundAddressDeposit implements the address-deposit default path
// (spec.md §4.6 "refundAddressDeposit").
func (e *Engine) RefundAddressDeposit(q *quote.Quote, sig []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(q, sig, false); err != nil {
		return err
	}
	id := orderID(q, sig)
	if e.orders.Exists(id) {
		return ErrOrderAlreadyRecorded
	}
	if uint32(e.now().Unix()) <= q.FillDeadline {
		return ErrOrderNotExpired
	}

	depositAddr := e.depositAddressFor(id)
	deposited := e.bank.BalanceOf(q.InputToken, depositAddr)
	if deposited.Sign() == 0 {
		return ErrInsufficientDeposit
	}

	if err := e.nonces.MarkUsed(q.Solver, q.Nonce); err != nil {
		return ErrInvalidQuote
	}

	e.deployProxy(depositAddr)
	swept, err := e.bank.SweepAll(q.InputToken, depositAddr, e.cfg.EngineAddress)
	if err != nil {
		return err
	}

	order := &orderstore.Order{
		OrderID:      id,
		State:        orderstore.StateRefunded,
		User:         q.User,
		Solver:       q.Solver,
		InputToken:   q.InputToken,
		InputAmount:  swept,
		OutputToken:  q.OutputToken,
		OutputAmount: q.OutputAmount,
		FillDeadline: q.FillDeadline,
	}
	if err := e.orders.Create(order); err != nil {
		return err
	}

	if _, err := e.bank.Transfer(q.InputToken, e.cfg.EngineAddress, q.User, swept); err != nil {
		return err
	}

	var slashed *big.Int
	if deposited.Cmp(q.InputAmount) >= 0 {
		slashed = e.bonds.Slash(q.Solver, q.OutputAmount)
	}

	e.events.publish(Event{Kind: EventRefunded, OrderID: id, User: q.User, AmountReturned: swept, BondSlashed: slashed})
	metrics.IncRefunds()
	if slashed != nil && slashed.Sign() > 0 {
		metrics.IncBondsSlashed()
	}
	return nil
}

// RecoverFromProxy sweeps any remaining token balance at a settled or
// refunded order's deposit proxy to the user (spec.md §4.6
// "recoverFromProxy"). No bond effect.
func (e *Engine) RecoverFromProxy(q *quote.Quote, sig []byte, token common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := orderID(q, sig)
	o, ok := e.orders.Get(id)
	if !ok {
		return ErrOrderNotFound
	}
	if o.State != orderstore.StateSettled && o.State != orderstore.StateRefunded {
		return ErrOrderNotDeposited
	}

	depositAddr := e.depositAddressFor(id)
	swept, err := e.bank.SweepAll(token, depositAddr, q.User)
	if err != nil {
		return err
	}
	if swept.Sign() > 0 {
		e.events.publish(Event{Kind: EventTokensRecovered, OrderID: id, User: q.User, Token: token, AmountReturned: swept})
	}
	return nil
}

// DeployAndRecover handles the wrong-token-deposited case where the normal
// paths are unreachable (spec.md §4.6 "deployAndRecover"). No bond slash.
func (e *Engine) DeployAndRecover(q *quote.Quote, sig []byte, token common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if token == q.InputToken {
		return ErrInvalidQuote
	}
	if err := e.validate(q, sig, false); err != nil {
		return err
	}
	id := orderID(q, sig)
	if e.orders.Exists(id) {
		return ErrOrderAlreadyRecorded
	}
	if uint32(e.now().Unix()) <= q.FillDeadline {
		return ErrOrderNotExpired
	}

	if err := e.nonces.MarkUsed(q.Solver, q.Nonce); err != nil {
		return ErrInvalidQuote
	}

	depositAddr := e.depositAddressFor(id)
	e.deployProxy(depositAddr)
	swept, err := e.bank.SweepAll(token, depositAddr, q.User)
	if err != nil {
		return err
	}

	order := &orderstore.Order{
		OrderID:      id,
		State:        orderstore.StateRefunded,
		User:         q.User,
		Solver:       q.Solver,
		InputToken:   q.InputToken,
		InputAmount:  big.NewInt(0),
		OutputToken:  q.OutputToken,
		OutputAmount: q.OutputAmount,
		FillDeadline: q.FillDeadline,
	}
	if err := e.orders.Create(order); err != nil {
		return err
	}

	e.events.publish(Event{Kind: EventTokensRecovered, OrderID: id, User: q.User, Token: token, AmountReturned: swept})
	return nil
}

func (e *Engine) creditExcess(user, token common.Address, amount *big.Int) {
	e.excessMu.Lock()
	defer e.excessMu.Unlock()
	byToken, ok := e.excess[user]
	if !ok {
		byToken = make(map[common.Address]*big.Int)
		e.excess[user] = byToken
	}
	cur, ok := byToken[token]
	if !ok {
		cur = big.NewInt(0)
	}
	byToken[token] = new(big.Int).Add(cur, amount)
}

// ExcessBalance returns a user's withdrawable excess balance for token.
func (e *Engine) ExcessBalance(user, token common.Address) *big.Int {
	e.excessMu.Lock()
	defer e.excessMu.Unlock()
	byToken, ok := e.excess[user]
	if !ok {
		return big.NewInt(0)
	}
	amt, ok := byToken[token]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amt)
}

// WithdrawExcess pulls a user's accumulated excess for token (spec.md
// §4.6 "withdrawExcess").
func (e *Engine) WithdrawExcess(user, token common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.excessMu.Lock()
	byToken, ok := e.excess[user]
	var amount *big.Int
	if ok {
		amount, ok = byToken[token]
	}
	e.excessMu.Unlock()
	if !ok || amount == nil || amount.Sign() == 0 {
		return nil, ErrNoExcessBalance
	}

	if _, err := e.bank.Transfer(token, e.cfg.EngineAddress, user, amount); err != nil {
		return nil, err
	}

	e.excessMu.Lock()
	byToken[token] = big.NewInt(0)
	e.excessMu.Unlock()

	e.events.publish(Event{Kind: EventExcessWithdrawn, User: user, Token: token, AmountReturned: amount})
	return amount, nil
}

// --- Solver-management entry points (spec.md §4.6) ---

// RegisterSolver and AddBond record the bond in the ledger and credit the
// same amount of BondToken to EngineAddress in the Bank, the balance Refund
// pays slashed bond out of. The solver's own Bank balance is not debited.
func (e *Engine) RegisterSolver(solver common.Address, bondAmount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.bonds.Register(solver, bondAmount); err != nil {
		return err
	}
	e.bank.Credit(e.cfg.BondToken, e.cfg.EngineAddress, bondAmount)
	return nil
}

func (e *Engine) AddBond(solver common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.bonds.Add(solver, amount); err != nil {
		return err
	}
	e.bank.Credit(e.cfg.BondToken, e.cfg.EngineAddress, amount)
	return nil
}

func (e *Engine) RequestUnstake(solver common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bonds.RequestUnstake(solver, amount, e.now())
}

func (e *Engine) CancelUnstake(solver common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bonds.CancelUnstake(solver)
}

func (e *Engine) ExecuteUnstake(solver common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bonds.ExecuteUnstake(solver, e.now())
}

func (e *Engine) CancelNonce(solver common.Address, nonce *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nonces.MarkUsed(solver, nonce)
}

func (e *Engine) CancelNonces(solver common.Address, wordIndex, mask *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nonces.MarkMany(solver, wordIndex, mask)
}

// --- Read views (spec.md §4.6 "Read views") ---

func (e *Engine) Order(orderID common.Hash) (*orderstore.Order, bool) {
	return e.orders.Get(orderID)
}

func (e *Engine) Solver(addr common.Address) bondledger.Snapshot {
	return e.bonds.Get(addr)
}

func (e *Engine) IsNonceUsed(solver common.Address, nonce *big.Int) bool {
	return e.nonces.IsUsed(solver, nonce)
}

func (e *Engine) AvailableBond(solver common.Address) *big.Int {
	return e.bonds.Available(solver)
}
