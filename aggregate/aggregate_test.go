package aggregate

import (
	"testing"
	"time"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/crypto"
)

func newDistKey(t *testing.T, scheme *crypto.Scheme, n, threshold int) (*crypto.PublicKeySet, []*share.PriShare) {
	t.Helper()
	secret := scheme.KeyGroup.Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(scheme.KeyGroup, threshold, secret, random.New())
	pubPoly := priPoly.Commit(nil)
	return crypto.NewPublicKeySet(scheme, pubPoly), priPoly.Shares(n)
}

func TestTryAggregateReachesThreshold(t *testing.T) {
	scheme := crypto.DefaultScheme()
	pks, shares := newDistKey(t, scheme, 3, 2)
	clock := clockwork.NewFakeClock()
	agg, err := New(10, time.Minute, clock)
	require.NoError(t, err)

	msg := []byte("section-signed payload")

	sig0, err := scheme.ThresholdScheme.Sign(shares[0], msg)
	require.NoError(t, err)
	_, err = agg.TryAggregate(scheme, pks, msg, shares[0].I, sig0)
	require.ErrorIs(t, err, ErrNotEnoughShares)
	require.Equal(t, 1, agg.Len())

	sig1, err := scheme.ThresholdScheme.Sign(shares[1], msg)
	require.NoError(t, err)
	recovered, err := agg.TryAggregate(scheme, pks, msg, shares[1].I, sig1)
	require.NoError(t, err)
	require.NoError(t, scheme.VerifyRecovered(pks.PublicKey(), msg, recovered))
	require.Equal(t, 0, agg.Len())
}

func TestTryAggregateIgnoresDuplicateShareIndex(t *testing.T) {
	scheme := crypto.DefaultScheme()
	pks, shares := newDistKey(t, scheme, 3, 2)
	agg, err := New(10, time.Minute, clockwork.NewFakeClock())
	require.NoError(t, err)
	msg := []byte("payload")

	for i := 0; i < 2; i++ {
		sig, err := scheme.ThresholdScheme.Sign(shares[0], msg)
		require.NoError(t, err)
		_, err = agg.TryAggregate(scheme, pks, msg, shares[0].I, sig)
		require.ErrorIs(t, err, ErrNotEnoughShares)
	}
}

func TestTryAggregateRejectsInvalidShare(t *testing.T) {
	scheme := crypto.DefaultScheme()
	pks, _ := newDistKey(t, scheme, 3, 2)
	agg, err := New(10, time.Minute, clockwork.NewFakeClock())
	require.NoError(t, err)

	_, err = agg.TryAggregate(scheme, pks, []byte("payload"), 0, []byte("garbage"))
	require.ErrorIs(t, err, ErrInvalidSignatureShare)
}

func TestExpiredEntryIsEvicted(t *testing.T) {
	scheme := crypto.DefaultScheme()
	pks, shares := newDistKey(t, scheme, 3, 2)
	clock := clockwork.NewFakeClock()
	agg, err := New(10, time.Minute, clock)
	require.NoError(t, err)
	msg := []byte("payload")

	sig0, err := scheme.ThresholdScheme.Sign(shares[0], msg)
	require.NoError(t, err)
	_, err = agg.TryAggregate(scheme, pks, msg, shares[0].I, sig0)
	require.ErrorIs(t, err, ErrNotEnoughShares)
	require.Equal(t, 1, agg.Len())

	clock.Advance(2 * time.Minute)
	require.Equal(t, 0, agg.Len())
}
