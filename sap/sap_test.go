package sap

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/xorname"
)

func newElder(t *testing.T, addr string) *key.Identity {
	t.Helper()
	pair, err := key.NewPair(addr)
	require.NoError(t, err)
	return pair.Public
}

// distKey is a single-signer (t=1,n=1) stand-in for a completed DKG's
// output, used by tests that exercise SAP acceptance without running the
// DKG engine itself.
type distKey struct {
	pks      *crypto.PublicKeySet
	pubPoly  *share.PubPoly
	priShare *share.PriShare
}

func newDistKey(t *testing.T, scheme *crypto.Scheme) distKey {
	t.Helper()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(scheme.KeyGroup, 1, priv, random.New())
	pubPoly := priPoly.Commit(nil)
	return distKey{
		pks:      crypto.NewPublicKeySet(scheme, pubPoly),
		pubPoly:  pubPoly,
		priShare: priPoly.Shares(1)[0],
	}
}

func (d distKey) sign(t *testing.T, scheme *crypto.Scheme, msg []byte) []byte {
	t.Helper()
	sigShare, err := scheme.ThresholdScheme.Sign(d.priShare, msg)
	require.NoError(t, err)
	recovered, err := scheme.ThresholdScheme.Recover(d.pubPoly, msg, [][]byte{sigShare}, 1, 1)
	require.NoError(t, err)
	return recovered
}

func TestSAPElderOrderingAndQuorum(t *testing.T) {
	scheme := crypto.DefaultScheme()
	dk := newDistKey(t, scheme)

	elders := []*key.Identity{
		newElder(t, "10.0.0.1:7000"),
		newElder(t, "10.0.0.2:7000"),
		newElder(t, "10.0.0.3:7000"),
	}
	s, err := New(xorname.RootPrefix(), dk.pks, elders)
	require.NoError(t, err)

	require.Equal(t, Supermajority(3), s.Quorum())
	ordered := s.OrderedElders()
	require.Len(t, ordered, 3)
	for _, e := range elders {
		require.True(t, s.IsElder(e.Name()))
	}
}

func TestNewRejectsEmptyElderSet(t *testing.T) {
	scheme := crypto.DefaultScheme()
	dk := newDistKey(t, scheme)
	_, err := New(xorname.RootPrefix(), dk.pks, nil)
	require.ErrorIs(t, err, ErrEmptyElderSet)
}

func TestSupermajority(t *testing.T) {
	require.Equal(t, 1, Supermajority(1))
	require.Equal(t, 3, Supermajority(3))
	require.Equal(t, 5, Supermajority(7))
}

func TestAuthorityUpdateElders(t *testing.T) {
	scheme := crypto.DefaultScheme()
	genesisDK := newDistKey(t, scheme)
	elders := []*key.Identity{newElder(t, "10.0.0.1:7000")}
	genesisSAP, err := New(xorname.RootPrefix(), genesisDK.pks, elders)
	require.NoError(t, err)

	authority := NewAuthority(scheme, genesisSAP)
	require.Equal(t, genesisSAP, authority.AuthorityProvider())

	// a new SAP over the same Elder set (e.g. S7 resharing), self-signed by
	// its own new section key.
	newDK := newDistKey(t, scheme)
	newSAP, err := New(xorname.RootPrefix(), newDK.pks, elders)
	require.NoError(t, err)
	newSAPKey := newSAP.SectionKey()
	newKeyBytes, err := newSAPKey.Bytes()
	require.NoError(t, err)

	proposed := SectionAuth{
		Value: *newSAP,
		Sig:   key.KeyedSig{PublicKey: newSAPKey, Signature: newDK.sign(t, scheme, newKeyBytes)},
	}

	// accepted once the proposed key is already chain.last_key
	lastKey := func() key.SectionKey { return newSAPKey }
	accepted, err := authority.UpdateElders(proposed, lastKey)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, newSAP, authority.AuthorityProvider())

	// rejected when the proposed key is not yet chain.last_key
	authority2 := NewAuthority(scheme, genesisSAP)
	wrongLastKey := func() key.SectionKey { return genesisSAP.SectionKey() }
	_, err = authority2.UpdateElders(proposed, wrongLastKey)
	require.ErrorIs(t, err, ErrNotLastKey)
	require.Equal(t, genesisSAP, authority2.AuthorityProvider())
}
