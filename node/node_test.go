package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/config"
	"github.com/tidalmesh/elderd/key"
)

func newGenesisNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.NewConfig(config.WithGenesis(), config.WithSectionID("test"), config.WithDataDir(t.TempDir()))
	n, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return n
}

func TestGenesisBootstrapChainLengthOne(t *testing.T) {
	n := newGenesisNode(t)
	require.Equal(t, 1, n.SectionChain().Len())
	require.True(t, n.GenesisKey().Equal(n.SectionChain().RootKey()))
	require.True(t, n.GenesisKey().Equal(n.SectionChain().LastKey()))
}

func TestGenesisBootstrapSingleElderAtGenesisAge(t *testing.T) {
	n := newGenesisNode(t)
	elders := n.OurElders()
	require.Len(t, elders, 1)
	require.Equal(t, key.GenesisAge, elders[0].Age)
	require.True(t, n.IsElder(n.Name()))
}

func TestGenesisBootstrapSectionAuthSelfVerifies(t *testing.T) {
	n := newGenesisNode(t)
	auth := n.SectionAuth()
	require.NoError(t, n.SectionChain().SelfVerify())
	require.True(t, auth.Sig.PublicKey.Equal(n.GenesisKey()))
}

func TestGenesisBootstrapHoldsShareAtIndexZero(t *testing.T) {
	n := newGenesisNode(t)
	require.Equal(t, 0, n.OurIndex())
	require.NotNil(t, n.PublicKeySet())
}

func TestIdentityEncodeDecodeRoundTrip(t *testing.T) {
	pair, err := key.NewPair("127.0.0.1:9000")
	require.NoError(t, err)
	encoded := pair.Public.Encode()
	decoded, err := key.DecodeIdentity(encoded)
	require.NoError(t, err)
	require.True(t, pair.Public.Equal(decoded))
	require.NoError(t, decoded.ValidSignature())
}
