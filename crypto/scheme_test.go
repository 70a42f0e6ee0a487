package crypto

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"
)

func TestPublicKeySetRecoverAndVerify(t *testing.T) {
	scheme := DefaultScheme()
	const n, threshold = 4, 3

	priPoly := share.NewPriPoly(scheme.KeyGroup, threshold, nil, random.New())
	pubPoly := priPoly.Commit(nil)
	shares := priPoly.Shares(n)

	pks := NewPublicKeySet(scheme, pubPoly)
	require.Equal(t, threshold, pks.Threshold())
	require.True(t, pks.PublicKey().Equal(pubPoly.Commit()))

	msg := []byte("section signature payload")
	var sigShares [][]byte
	for _, s := range shares[:threshold] {
		sigShare, err := scheme.ThresholdScheme.Sign(s, msg)
		require.NoError(t, err)
		require.NoError(t, pks.VerifyShare(msg, sigShare))
		sigShares = append(sigShares, sigShare)
	}

	recovered, err := pks.Recover(msg, sigShares, n)
	require.NoError(t, err)
	require.NoError(t, scheme.VerifyRecovered(pks.PublicKey(), msg, recovered))
}

func TestPublicKeySetRejectsInsufficientShares(t *testing.T) {
	scheme := DefaultScheme()
	const n, threshold = 4, 3

	priPoly := share.NewPriPoly(scheme.KeyGroup, threshold, nil, random.New())
	pubPoly := priPoly.Commit(nil)
	shares := priPoly.Shares(n)
	pks := NewPublicKeySet(scheme, pubPoly)

	msg := []byte("payload")
	sigShare, err := scheme.ThresholdScheme.Sign(shares[0], msg)
	require.NoError(t, err)

	_, err = pks.Recover(msg, [][]byte{sigShare}, n)
	require.Error(t, err)
}

func TestPointToBytesRoundTrip(t *testing.T) {
	scheme := DefaultScheme()
	pub := scheme.KeyGroup.Point().Mul(scheme.KeyGroup.Scalar().Pick(random.New()), nil)

	b, err := PointToBytes(pub)
	require.NoError(t, err)
	require.NotEmpty(t, b)

	decoded := scheme.KeyGroup.Point()
	require.NoError(t, decoded.UnmarshalBinary(b))
	require.True(t, pub.Equal(decoded))
}
