package bondledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var solverA = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestReserveComputesFivePercent(t *testing.T) {
	r := Reserve(big.NewInt(1_000_000_000))
	require.Equal(t, big.NewInt(50_000_000), r)
}

func TestRegisterRequiresMinimumBond(t *testing.T) {
	l := New()
	err := l.Register(solverA, big.NewInt(1))
	require.ErrorIs(t, err, ErrBelowMinimumBond)

	require.NoError(t, l.Register(solverA, MinBond))
	require.True(t, l.IsRegistered(solverA))

	err = l.Register(solverA, MinBond)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestAddRequiresRegistration(t *testing.T) {
	l := New()
	err := l.Add(solverA, big.NewInt(1))
	require.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, l.Register(solverA, MinBond))
	require.NoError(t, l.Add(solverA, big.NewInt(500)))
	require.Equal(t, new(big.Int).Add(MinBond, big.NewInt(500)), l.Get(solverA).TotalBond)
}

func TestReserveForOrderAndRelease(t *testing.T) {
	l := New()
	require.NoError(t, l.Register(solverA, MinBond))

	output := big.NewInt(1_000_000_000) // reserve = 50_000_000
	require.NoError(t, l.ReserveForOrder(solverA, output))
	require.Equal(t, big.NewInt(50_000_000), l.Get(solverA).ReservedBond)

	l.Release(solverA, output)
	require.Equal(t, big.NewInt(0), l.Get(solverA).ReservedBond)
}

func TestReserveForOrderInsufficientBond(t *testing.T) {
	l := New()
	require.NoError(t, l.Register(solverA, MinBond))

	// reserve would exceed total bond
	huge := new(big.Int).Mul(MinBond, big.NewInt(1000))
	err := l.ReserveForOrder(solverA, huge)
	require.ErrorIs(t, err, ErrInsufficientBond)
}

func TestSlashTakesReservationAndReleasesIt(t *testing.T) {
	l := New()
	require.NoError(t, l.Register(solverA, MinBond))
	require.NoError(t, l.ReserveForOrder(solverA, MinBond))

	slashed := l.Slash(solverA, MinBond)
	require.Equal(t, Reserve(MinBond), slashed)

	snap := l.Get(solverA)
	require.Equal(t, new(big.Int).Sub(MinBond, Reserve(MinBond)), snap.TotalBond)
	require.Equal(t, big.NewInt(0), snap.ReservedBond)
}

func TestUnstakeLifecycle(t *testing.T) {
	l := New()
	require.NoError(t, l.Register(solverA, new(big.Int).Mul(MinBond, big.NewInt(2))))

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, l.RequestUnstake(solverA, MinBond, now))

	_, err := l.ExecuteUnstake(solverA, now)
	require.ErrorIs(t, err, ErrUnstakeNotReady)

	err = l.RequestUnstake(solverA, MinBond, now)
	require.ErrorIs(t, err, ErrPendingUnstakeExists)

	amount, err := l.ExecuteUnstake(solverA, now.Add(UnstakeDelay))
	require.NoError(t, err)
	require.Equal(t, MinBond, amount)

	_, err = l.ExecuteUnstake(solverA, now.Add(UnstakeDelay))
	require.ErrorIs(t, err, ErrNoPendingUnstake)
}

func TestUnstakeRejectsIfRemainderBelowMinimum(t *testing.T) {
	l := New()
	require.NoError(t, l.Register(solverA, MinBond))

	err := l.RequestUnstake(solverA, big.NewInt(1), time.Unix(0, 0))
	require.ErrorIs(t, err, ErrBelowMinimumBond)
}

func TestCancelUnstake(t *testing.T) {
	l := New()
	require.NoError(t, l.Register(solverA, new(big.Int).Mul(MinBond, big.NewInt(2))))
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, l.RequestUnstake(solverA, MinBond, now))

	require.NoError(t, l.CancelUnstake(solverA))
	require.False(t, l.Get(solverA).HasPendingUnstake)

	err := l.CancelUnstake(solverA)
	require.ErrorIs(t, err, ErrNoPendingUnstake)
}
