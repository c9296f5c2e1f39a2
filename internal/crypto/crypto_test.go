package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway development key.
const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSealOpenKey(t *testing.T) {
	blob, err := SealKey("0x"+devKey, "hunter2")
	require.NoError(t, err)

	got, err := OpenKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, devKey, got)

	_, err = OpenKey(blob, "wrong")
	assert.Error(t, err)
	_, err = OpenKey(blob, "")
	assert.Error(t, err)

	_, err = SealKey("abcd", "pw")
	assert.Error(t, err)
}

func TestResolveKeyPrefersHex(t *testing.T) {
	got, err := ResolveKey(KeySource{Hex: "0x" + devKey, File: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, devKey, got)

	_, err = ResolveKey(KeySource{})
	assert.Error(t, err)
	_, err = ResolveKey(KeySource{File: "/does/not/exist", Passphrase: "pw"})
	assert.Error(t, err)
}

func TestLoadOperatorSignerFromEncryptedFile(t *testing.T) {
	blob, err := SealKey(devKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err := LoadOperatorSigner(KeySource{File: path, Passphrase: "pw"}, 296)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())
	assert.Equal(t, int64(296), s.ChainID().Int64())
}

func TestOperatorSignerSignsRecoverably(t *testing.T) {
	s, err := NewOperatorSigner(devKey, 296)
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    1,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(0),
	})
	signed, err := s.SignTx(tx)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(296)), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)

	_, err = NewOperatorSigner("zz", 296)
	assert.Error(t, err)
	_, err = NewOperatorSigner(devKey, 0)
	assert.Error(t, err)
}
