package registry

import (
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// TestSQLStoreRoundTrip requires a reachable Postgres instance (set
// FIRMSWAP_TEST_POSTGRES_DSN), matching the teacher's own reliance on a
// real postgres for mevshare/database_test.go. Skipped otherwise.
func TestSQLStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("FIRMSWAP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FIRMSWAP_TEST_POSTGRES_DSN not set")
	}

	store, err := NewSQLStore(dsn)
	require.NoError(t, err)

	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	now := time.Now()
	require.NoError(t, store.Upsert(8453, addr, "r1", "https://solver.example.com", now, now))

	rows, err := store.LoadChain(8453)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	require.NoError(t, store.Delete(8453, addr))
}
