package key

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/crypto"
)

func TestSectionKeyBytesAndEqual(t *testing.T) {
	scheme := crypto.DefaultScheme()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	pub := scheme.KeyGroup.Point().Mul(priv, nil)

	k1 := SectionKey{Point: pub}
	k2 := SectionKey{Point: pub.Clone()}

	b1, err := k1.Bytes()
	require.NoError(t, err)
	require.NotEmpty(t, b1)
	require.True(t, k1.Equal(k2))

	other := scheme.KeyGroup.Point().Mul(scheme.KeyGroup.Scalar().Pick(random.New()), nil)
	require.False(t, k1.Equal(SectionKey{Point: other}))
}

func TestSectionKeyStringTruncates(t *testing.T) {
	var zero SectionKey
	require.Equal(t, "<invalid-key>", zero.String())

	scheme := crypto.DefaultScheme()
	pub := scheme.KeyGroup.Point().Mul(scheme.KeyGroup.Scalar().Pick(random.New()), nil)
	k := SectionKey{Point: pub}
	require.Len(t, k.String(), 12) // 6 bytes hex-encoded
}

func TestKeyedSigVerify(t *testing.T) {
	scheme := crypto.DefaultScheme()
	priPoly := share.NewPriPoly(scheme.KeyGroup, 1, nil, random.New())
	pubPoly := priPoly.Commit(nil)
	shares := priPoly.Shares(1)

	msg := []byte("hello section")
	sigShare, err := scheme.ThresholdScheme.Sign(shares[0], msg)
	require.NoError(t, err)
	recovered, err := scheme.ThresholdScheme.Recover(pubPoly, msg, [][]byte{sigShare}, 1, 1)
	require.NoError(t, err)

	sig := KeyedSig{PublicKey: SectionKey{Point: pubPoly.Commit()}, Signature: recovered}
	require.NoError(t, sig.Verify(scheme, msg))
	require.Error(t, sig.Verify(scheme, []byte("tampered")))
}

func TestShareSign(t *testing.T) {
	scheme := crypto.DefaultScheme()
	priPoly := share.NewPriPoly(scheme.KeyGroup, 1, nil, random.New())
	pubPoly := priPoly.Commit(nil)
	shares := priPoly.Shares(1)

	s := &Share{Index: shares[0].I, Priv: shares[0].V, PublicSet: crypto.NewPublicKeySet(scheme, pubPoly)}
	sig, err := s.Sign(scheme, []byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	var empty Share
	_, err = empty.Sign(scheme, []byte("x"))
	require.Error(t, err)
}
