package key

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadPairRoundTrip(t *testing.T) {
	dir := t.TempDir()

	found, _, err := LoadPair(dir)
	require.NoError(t, err)
	require.False(t, found)

	pair, err := NewPair("127.0.0.1:7777")
	require.NoError(t, err)
	require.NoError(t, SavePair(dir, pair))

	found, loaded, err := LoadPair(dir)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, pair.Public.Equal(loaded.Public))
	require.Equal(t, pair.Private, loaded.Private)
	require.NoError(t, loaded.Public.ValidSignature())
}

func TestSavePairSetsSecurePermissions(t *testing.T) {
	dir := t.TempDir()
	pair, err := NewPair("a:1")
	require.NoError(t, err)
	require.NoError(t, SavePair(dir, pair))

	info, err := os.Stat(filepath.Join(dir, NetworkKeyFile))
	require.NoError(t, err)
	require.Equal(t, "-rw-------", info.Mode().String())
}

func TestEnsureRewardKeyCreatesOnAbsentThenPersists(t *testing.T) {
	dir := t.TempDir()

	pub1, priv1, err := EnsureRewardKey(dir)
	require.NoError(t, err)
	require.NotEmpty(t, pub1)

	pub2, priv2, err := EnsureRewardKey(dir)
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)
	require.Equal(t, priv1, priv2)
}
