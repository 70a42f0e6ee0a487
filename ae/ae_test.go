package ae

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/chain"
	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

func newSingleSignerKey(t *testing.T, scheme *crypto.Scheme) (key.SectionKey, *share.PriShare, *share.PubPoly) {
	t.Helper()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(scheme.KeyGroup, 1, priv, random.New())
	pubPoly := priPoly.Commit(nil)
	return key.SectionKey{Point: pubPoly.Commit()}, priPoly.Shares(1)[0], pubPoly
}

func newElder(t *testing.T, addr string) *key.Identity {
	t.Helper()
	p, err := key.NewPair(addr)
	require.NoError(t, err)
	return p.Public
}

func TestValidateAcceptsKnownKeyAndPrefix(t *testing.T) {
	scheme := crypto.DefaultScheme()
	root, _, _ := newSingleSignerKey(t, scheme)
	c, err := chain.New(scheme, root)
	require.NoError(t, err)

	dk := newDistKeyForSAP(t, scheme)
	elder := newElder(t, "10.0.0.1:7000")
	s, err := sap.New(xorname.RootPrefix(), dk.pks, []*key.Identity{elder})
	require.NoError(t, err)
	authority := sap.NewAuthority(scheme, s)

	v := New(c, authority)
	outcome := v.Validate(Frame{SrcSectionKey: root, DstName: elder.Name()})
	require.Equal(t, Accept, outcome)
}

func TestValidateRequestsRetryForUnknownKey(t *testing.T) {
	scheme := crypto.DefaultScheme()
	root, _, _ := newSingleSignerKey(t, scheme)
	c, err := chain.New(scheme, root)
	require.NoError(t, err)

	dk := newDistKeyForSAP(t, scheme)
	elder := newElder(t, "10.0.0.1:7000")
	s, err := sap.New(xorname.RootPrefix(), dk.pks, []*key.Identity{elder})
	require.NoError(t, err)
	authority := sap.NewAuthority(scheme, s)
	v := New(c, authority)

	unknownKey, _, _ := newSingleSignerKey(t, scheme)
	outcome := v.Validate(Frame{SrcSectionKey: unknownKey, DstName: elder.Name()})
	require.Equal(t, Retry, outcome)
}

func TestHandleProbeDetectsDivergence(t *testing.T) {
	scheme := crypto.DefaultScheme()
	root, _, _ := newSingleSignerKey(t, scheme)
	c, err := chain.New(scheme, root)
	require.NoError(t, err)
	dk := newDistKeyForSAP(t, scheme)
	elder := newElder(t, "10.0.0.1:7000")
	s, err := sap.New(xorname.RootPrefix(), dk.pks, []*key.Identity{elder})
	require.NoError(t, err)
	v := New(c, sap.NewAuthority(scheme, s))

	same := v.HandleProbe(Probe{LastKey: root})
	require.False(t, same.Diverged)

	other, _, _ := newSingleSignerKey(t, scheme)
	diverged := v.HandleProbe(Probe{LastKey: other})
	require.True(t, diverged.Diverged)
}

type distKeyForSAP struct {
	pks *crypto.PublicKeySet
}

func newDistKeyForSAP(t *testing.T, scheme *crypto.Scheme) distKeyForSAP {
	t.Helper()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(scheme.KeyGroup, 1, priv, random.New())
	pubPoly := priPoly.Commit(nil)
	return distKeyForSAP{pks: crypto.NewPublicKeySet(scheme, pubPoly)}
}
