package depositaddr

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	engine := common.HexToAddress("0x1111111111111111111111111111111111111111")
	salt := common.BytesToHash(crypto.Keccak256([]byte("order-1")))
	codeHash := CodeHash([]byte("init-code"), []byte("args"))

	a1 := Derive(engine, salt, codeHash)
	a2 := Derive(engine, salt, codeHash)
	require.Equal(t, a1, a2)
}

func TestDeriveVariesWithSalt(t *testing.T) {
	engine := common.HexToAddress("0x1111111111111111111111111111111111111111")
	codeHash := CodeHash([]byte("init-code"), []byte("args"))

	a1 := Derive(engine, common.BytesToHash(crypto.Keccak256([]byte("order-1"))), codeHash)
	a2 := Derive(engine, common.BytesToHash(crypto.Keccak256([]byte("order-2"))), codeHash)
	require.NotEqual(t, a1, a2)
}

func TestDeriveVariesWithEngine(t *testing.T) {
	salt := common.BytesToHash(crypto.Keccak256([]byte("order-1")))
	codeHash := CodeHash([]byte("init-code"), []byte("args"))

	a1 := Derive(common.HexToAddress("0x1111111111111111111111111111111111111111"), salt, codeHash)
	a2 := Derive(common.HexToAddress("0x2222222222222222222222222222222222222222"), salt, codeHash)
	require.NotEqual(t, a1, a2)
}

func TestVerify(t *testing.T) {
	engine := common.HexToAddress("0x1111111111111111111111111111111111111111")
	salt := common.BytesToHash(crypto.Keccak256([]byte("order-1")))
	codeHash := CodeHash([]byte("init-code"), []byte("args"))

	addr := Derive(engine, salt, codeHash)
	require.True(t, Verify(addr, engine, salt, codeHash))

	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	require.False(t, Verify(other, engine, salt, codeHash))
}
