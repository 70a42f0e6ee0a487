package chain

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
)

// testKey holds both the public SectionKey and the single-signer private
// share backing it, so tests can sign the next key in the chain without
// running a full DKG (DKG itself is exercised in package dkg).
type testKey struct {
	pub   key.SectionKey
	share *share.PriShare
	poly  *share.PubPoly
}

func newTestSectionKey(t *testing.T, scheme *crypto.Scheme) testKey {
	t.Helper()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(scheme.KeyGroup, 1, priv, random.New())
	pubPoly := priPoly.Commit(nil)
	shares := priPoly.Shares(1)
	return testKey{
		pub:   key.SectionKey{Point: pubPoly.Commit()},
		share: shares[0],
		poly:  pubPoly,
	}
}

// signChild signs a freshly generated child key using parent's single-signer
// share and recovers a 1-of-1 "section signature" over it.
func signChild(t *testing.T, scheme *crypto.Scheme, parent testKey) (key.SectionKey, key.KeyedSig) {
	t.Helper()
	child := newTestSectionKey(t, scheme)
	childBytes, err := child.pub.Bytes()
	require.NoError(t, err)

	sigShare, err := scheme.ThresholdScheme.Sign(parent.share, childBytes)
	require.NoError(t, err)

	recovered, err := scheme.ThresholdScheme.Recover(parent.poly, childBytes, [][]byte{sigShare}, 1, 1)
	require.NoError(t, err)

	return child.pub, key.KeyedSig{PublicKey: parent.pub, Signature: recovered}
}

func TestChainSelfVerifyAndMerge(t *testing.T) {
	scheme := crypto.DefaultScheme()

	root := newTestSectionKey(t, scheme)
	chainA, err := New(scheme, root.pub)
	require.NoError(t, err)
	require.NoError(t, chainA.SelfVerify())
	require.True(t, chainA.RootKey().Equal(root.pub))
	require.True(t, chainA.LastKey().Equal(root.pub))

	child, sig := signChild(t, scheme, root)
	require.NoError(t, chainA.Insert(root.pub, child, sig))
	require.NoError(t, chainA.SelfVerify())
	require.Equal(t, 2, chainA.Len())

	require.NoError(t, chainA.SetHead(child))
	require.True(t, chainA.LastKey().Equal(child))

	// re-inserting the same edge is idempotent
	require.NoError(t, chainA.Insert(root.pub, child, sig))

	// merging into a fresh chain with the same root converges to the
	// same set of keys
	chainB, err := New(scheme, root.pub)
	require.NoError(t, err)
	require.NoError(t, chainB.Merge(chainA))
	require.True(t, chainB.HasKey(child))

	// merging with an incompatible root fails
	otherRoot := newTestSectionKey(t, scheme)
	chainC, err := New(scheme, otherRoot.pub)
	require.NoError(t, err)
	require.ErrorIs(t, chainA.Merge(chainC), ErrIncompatibleChain)
}

func TestChainRejectsBadSignature(t *testing.T) {
	scheme := crypto.DefaultScheme()
	root := newTestSectionKey(t, scheme)
	c, err := New(scheme, root.pub)
	require.NoError(t, err)

	child := newTestSectionKey(t, scheme)
	badSig := key.KeyedSig{PublicKey: root.pub, Signature: []byte("not a signature")}
	require.ErrorIs(t, c.Insert(root.pub, child.pub, badSig), ErrUntrustedProofChain)
}

func TestChainInsertUnknownParent(t *testing.T) {
	scheme := crypto.DefaultScheme()
	root := newTestSectionKey(t, scheme)
	c, err := New(scheme, root.pub)
	require.NoError(t, err)

	unknown := newTestSectionKey(t, scheme)
	child, sig := signChild(t, scheme, unknown)
	require.ErrorIs(t, c.Insert(unknown.pub, child, sig), ErrUnknownParent)
}

func TestMinimizeAndProofChain(t *testing.T) {
	scheme := crypto.DefaultScheme()
	root := newTestSectionKey(t, scheme)
	c, err := New(scheme, root.pub)
	require.NoError(t, err)

	k1, sig1 := signChild(t, scheme, root)
	require.NoError(t, c.Insert(root.pub, k1, sig1))

	proof, err := c.GetProofChain(root.pub, k1)
	require.NoError(t, err)
	require.True(t, proof.HasKey(root.pub))
	require.True(t, proof.HasKey(k1))
	require.NoError(t, proof.SelfVerify())

	minChain, err := c.Minimize([]key.SectionKey{k1})
	require.NoError(t, err)
	require.True(t, minChain.HasKey(root.pub))
	require.True(t, minChain.HasKey(k1))
}
