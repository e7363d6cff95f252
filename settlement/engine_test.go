package settlement

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firmswap/firmswap-node/bondledger"
	"github.com/firmswap/firmswap-node/quote"
)

var (
	chainID           = big.NewInt(8453)
	engineAddress     = common.HexToAddress("0x9999999999999999999999999999999999999999")
	verifyingContract = common.HexToAddress("0x8888888888888888888888888888888888888888")
	bondToken         = common.HexToAddress("0x7777777777777777777777777777777777777777")
	inputToken        = common.HexToAddress("0x1111111111111111111111111111111111111111")
	outputToken       = common.HexToAddress("0x2222222222222222222222222222222222222222")
	userAddr          = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type testHarness struct {
	engine *Engine
	signer *quote.Signer
	solver common.Address
	clock  time.Time
}

func newHarness(t *testing.T) *testHarness {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := quote.NewSigner(key, chainID, verifyingContract)

	h := &testHarness{clock: time.Unix(1_800_000_000, 0)}
	cfg := Config{
		ChainID:           chainID,
		EngineAddress:     engineAddress,
		VerifyingContract: verifyingContract,
		ProxyCodeHash:     common.BytesToHash(crypto.Keccak256([]byte("proxy-init-code"))),
		BondToken:         bondToken,
		Now:               func() time.Time { return h.clock },
	}
	e := New(cfg, zap.NewNop())
	require.NoError(t, e.RegisterSolver(signer.Address(), bondledger.MinBond))

	h.engine = e
	h.signer = signer
	h.solver = signer.Address()
	return h
}

func (h *testHarness) buildQuote(nonce int64) *quote.Quote {
	return &quote.Quote{
		Solver:          h.solver,
		User:            userAddr,
		InputToken:      inputToken,
		InputAmount:     big.NewInt(1_000_000_000),
		OutputToken:     outputToken,
		OutputAmount:    big.NewInt(2_000_000_000),
		OrderType:       quote.ExactInput,
		OutputChainID:   chainID,
		DepositDeadline: uint32(h.clock.Add(time.Hour).Unix()),
		FillDeadline:    uint32(h.clock.Add(2 * time.Hour).Unix()),
		Nonce:           big.NewInt(nonce),
	}
}

func TestDepositAndFillHappyPath(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)

	h.engine.Bank().Credit(inputToken, userAddr, q.InputAmount)
	h.engine.Bank().Credit(outputToken, h.solver, q.OutputAmount)

	id, err := h.engine.Deposit(q, sig, userAddr)
	require.NoError(t, err)
	require.True(t, h.engine.IsNonceUsed(h.solver, q.Nonce))

	o, ok := h.engine.Order(id)
	require.True(t, ok)
	require.EqualValues(t, 1, o.State) // DEPOSITED

	require.NoError(t, h.engine.Fill(id, h.solver))
	o, _ = h.engine.Order(id)
	require.EqualValues(t, 2, o.State) // SETTLED

	require.Equal(t, q.OutputAmount, h.engine.Bank().BalanceOf(outputToken, userAddr))
	require.Equal(t, q.InputAmount, h.engine.Bank().BalanceOf(inputToken, h.solver))
}

func TestDepositRejectsDuplicateNonce(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)
	h.engine.Bank().Credit(inputToken, userAddr, q.InputAmount)

	_, err = h.engine.Deposit(q, sig, userAddr)
	require.NoError(t, err)

	q2 := h.buildQuote(0)
	sig2, err := h.signer.Sign(q2)
	require.NoError(t, err)
	h.engine.Bank().Credit(inputToken, userAddr, q2.InputAmount)
	_, err = h.engine.Deposit(q2, sig2, userAddr)
	require.ErrorIs(t, err, ErrInvalidQuote)
}

func TestFillRejectsNonSolverCaller(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)
	h.engine.Bank().Credit(inputToken, userAddr, q.InputAmount)

	id, err := h.engine.Deposit(q, sig, userAddr)
	require.NoError(t, err)

	err = h.engine.Fill(id, userAddr)
	require.ErrorIs(t, err, ErrNotSolver)
}

func TestRefundAfterFillDeadline(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)
	h.engine.Bank().Credit(inputToken, userAddr, q.InputAmount)

	id, err := h.engine.Deposit(q, sig, userAddr)
	require.NoError(t, err)

	err = h.engine.Refund(id)
	require.ErrorIs(t, err, ErrOrderNotExpired)

	h.clock = h.clock.Add(3 * time.Hour)
	require.NoError(t, h.engine.Refund(id))

	o, _ := h.engine.Order(id)
	require.EqualValues(t, 3, o.State) // REFUNDED
	require.Equal(t, q.InputAmount, h.engine.Bank().BalanceOf(inputToken, userAddr))
}

func TestSettleAtomicPath(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)

	depositAddr := h.engine.ComputeDepositAddress(q, sig)
	h.engine.Bank().Credit(inputToken, depositAddr, q.InputAmount)
	h.engine.Bank().Credit(outputToken, h.solver, q.OutputAmount)

	id, err := h.engine.Settle(q, sig, h.solver)
	require.NoError(t, err)

	o, ok := h.engine.Order(id)
	require.True(t, ok)
	require.EqualValues(t, 2, o.State) // SETTLED
	require.Equal(t, q.OutputAmount, h.engine.Bank().BalanceOf(outputToken, userAddr))
	require.Equal(t, q.InputAmount, h.engine.Bank().BalanceOf(inputToken, h.solver))
}

func TestSettleCreditsExcessToUser(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)

	depositAddr := h.engine.ComputeDepositAddress(q, sig)
	extra := big.NewInt(500_000_000)
	deposited := new(big.Int).Add(q.InputAmount, extra)
	h.engine.Bank().Credit(inputToken, depositAddr, deposited)
	h.engine.Bank().Credit(outputToken, h.solver, q.OutputAmount)

	_, err = h.engine.Settle(q, sig, h.solver)
	require.NoError(t, err)

	require.Equal(t, extra, h.engine.ExcessBalance(userAddr, inputToken))
	require.Equal(t, q.InputAmount, h.engine.Bank().BalanceOf(inputToken, h.solver))

	withdrawn, err := h.engine.WithdrawExcess(userAddr, inputToken)
	require.NoError(t, err)
	require.Equal(t, extra, withdrawn)

	_, err = h.engine.WithdrawExcess(userAddr, inputToken)
	require.ErrorIs(t, err, ErrNoExcessBalance)
}

func TestSettleWithToleranceRejectsOutOfRangeAmount(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)

	_, err = h.engine.SettleWithTolerance(q, sig, h.solver, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidQuote)

	tooMuch := new(big.Int).Add(q.InputAmount, big.NewInt(1))
	_, err = h.engine.SettleWithTolerance(q, sig, h.solver, tooMuch)
	require.ErrorIs(t, err, ErrInvalidQuote)
}

func TestSettleWithToleranceAcceptsPartialDeposit(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)

	accepted := new(big.Int).Div(q.InputAmount, big.NewInt(2))
	depositAddr := h.engine.ComputeDepositAddress(q, sig)
	h.engine.Bank().Credit(inputToken, depositAddr, accepted)
	h.engine.Bank().Credit(outputToken, h.solver, q.OutputAmount)

	id, err := h.engine.SettleWithTolerance(q, sig, h.solver, accepted)
	require.NoError(t, err)

	o, _ := h.engine.Order(id)
	require.Equal(t, accepted, o.InputAmount)
}

func TestRefundAddressDepositTinyAmountNoSlash(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)
	h.clock = h.clock.Add(3 * time.Hour)

	depositAddr := h.engine.ComputeDepositAddress(q, sig)
	h.engine.Bank().Credit(inputToken, depositAddr, big.NewInt(1))

	snapBefore := h.engine.Solver(h.solver)
	err = h.engine.RefundAddressDeposit(q, sig)
	require.NoError(t, err)

	snapAfter := h.engine.Solver(h.solver)
	require.Equal(t, snapBefore.TotalBond, snapAfter.TotalBond)
	require.Equal(t, big.NewInt(1), h.engine.Bank().BalanceOf(inputToken, userAddr))
}

func TestRefundAddressDepositFullAmountSlashes(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)
	h.clock = h.clock.Add(3 * time.Hour)

	depositAddr := h.engine.ComputeDepositAddress(q, sig)
	h.engine.Bank().Credit(inputToken, depositAddr, q.InputAmount)

	snapBefore := h.engine.Solver(h.solver)
	err = h.engine.RefundAddressDeposit(q, sig)
	require.NoError(t, err)

	snapAfter := h.engine.Solver(h.solver)
	require.True(t, snapAfter.TotalBond.Cmp(snapBefore.TotalBond) < 0)
}

func TestDepositPublishesResolvedOrderEvent(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)
	h.engine.Bank().Credit(inputToken, userAddr, q.InputAmount)

	ch, cancel := h.engine.Events().Subscribe(8)
	defer cancel()

	id, err := h.engine.Deposit(q, sig, userAddr)
	require.NoError(t, err)

	var resolved *Event
	for i := 0; i < 8; i++ {
		ev := <-ch
		if ev.Kind == EventResolvedOrder {
			e := ev
			resolved = &e
			break
		}
	}
	require.NotNil(t, resolved, "expected a ResolvedOrder event")
	require.Equal(t, id, resolved.OrderID)
	require.Equal(t, q.InputToken, resolved.MaxSpent.Token)
	require.Equal(t, q.Solver, resolved.MaxSpent.Address)
	require.Equal(t, 0, chainID.Cmp(resolved.MaxSpent.ChainID))
	require.Equal(t, q.InputAmount, resolved.MaxSpent.Amount)
	require.Equal(t, q.OutputToken, resolved.MinReceived.Token)
	require.Equal(t, q.User, resolved.MinReceived.Address)
	require.Equal(t, 0, q.OutputChainID.Cmp(resolved.MinReceived.ChainID))
	require.Equal(t, q.OutputAmount, resolved.MinReceived.Amount)
}

func TestSettlePublishesResolvedOrderEvent(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)

	depositAddr := h.engine.ComputeDepositAddress(q, sig)
	h.engine.Bank().Credit(inputToken, depositAddr, q.InputAmount)
	h.engine.Bank().Credit(outputToken, h.solver, q.OutputAmount)

	ch, cancel := h.engine.Events().Subscribe(8)
	defer cancel()

	id, err := h.engine.Settle(q, sig, h.solver)
	require.NoError(t, err)

	var resolved *Event
	for i := 0; i < 8; i++ {
		ev := <-ch
		if ev.Kind == EventResolvedOrder {
			e := ev
			resolved = &e
			break
		}
	}
	require.NotNil(t, resolved, "expected a ResolvedOrder event")
	require.Equal(t, id, resolved.OrderID)
	require.Equal(t, q.InputAmount, resolved.MaxSpent.Amount)
	require.Equal(t, q.OutputAmount, resolved.MinReceived.Amount)
}

func TestDeployAndRecoverWrongToken(t *testing.T) {
	h := newHarness(t)
	q := h.buildQuote(0)
	sig, err := h.signer.Sign(q)
	require.NoError(t, err)
	h.clock = h.clock.Add(3 * time.Hour)

	wrongToken := common.HexToAddress("0x6666666666666666666666666666666666666666")
	depositAddr := h.engine.ComputeDepositAddress(q, sig)
	h.engine.Bank().Credit(wrongToken, depositAddr, big.NewInt(42))

	err = h.engine.DeployAndRecover(q, sig, q.InputToken)
	require.ErrorIs(t, err, ErrInvalidQuote)

	require.NoError(t, h.engine.DeployAndRecover(q, sig, wrongToken))
	require.Equal(t, big.NewInt(42), h.engine.Bank().BalanceOf(wrongToken, userAddr))
}
