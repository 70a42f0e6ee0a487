package dkg

import (
	"testing"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/xorname"
)

func newCandidate(t *testing.T, addr string) *key.Identity {
	t.Helper()
	pair, err := key.NewPair(addr)
	require.NoError(t, err)
	return pair.Public
}

func ephemeralPoint(scheme *crypto.Scheme) kyber.Point {
	return scheme.KeyGroup.Point().Pick(random.New())
}

func TestSessionIDDeterministicAndOrderIndependent(t *testing.T) {
	a := newCandidate(t, "10.0.0.1:7000")
	b := newCandidate(t, "10.0.0.2:7000")

	id1 := NewSessionID(1, xorname.RootPrefix(), []*key.Identity{a, b})
	id2 := NewSessionID(1, xorname.RootPrefix(), []*key.Identity{b, a})
	require.Equal(t, id1, id2)

	id3 := NewSessionID(2, xorname.RootPrefix(), []*key.Identity{a, b})
	require.NotEqual(t, id1, id3)
}

func TestEphemeralPhaseCompletion(t *testing.T) {
	scheme := crypto.DefaultScheme()
	pairA, err := key.NewPair("10.0.0.1:7000")
	require.NoError(t, err)
	a := pairA.Public
	b := newCandidate(t, "10.0.0.2:7000")
	session := NewSessionID(1, xorname.RootPrefix(), []*key.Identity{a, b})

	phase := NewEphemeralPhase(session, []*key.Identity{a, b})
	require.False(t, phase.Complete())

	keyA, err := ephemeralPoint(scheme).MarshalBinary()
	require.NoError(t, err)

	sig := pairA.Sign(keyA)
	done, err := phase.Submit(EphemeralSubmission{Owner: a.Name(), PubKey: keyA, Sig: sig})
	require.NoError(t, err)
	require.False(t, done)
	_ = b
}

func TestEphemeralPhaseRejectsUnknownParticipant(t *testing.T) {
	a := newCandidate(t, "10.0.0.1:7000")
	stranger, err := key.NewPair("10.0.0.9:7000")
	require.NoError(t, err)
	session := NewSessionID(1, xorname.RootPrefix(), []*key.Identity{a})
	phase := NewEphemeralPhase(session, []*key.Identity{a})

	_, err = phase.Submit(EphemeralSubmission{Owner: stranger.Public.Name(), PubKey: []byte("x"), Sig: []byte("y")})
	require.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestEphemeralPhaseDetectsDoubleKey(t *testing.T) {
	scheme := crypto.DefaultScheme()
	pairA, err := key.NewPair("10.0.0.1:7000")
	require.NoError(t, err)
	a := pairA.Public
	session := NewSessionID(1, xorname.RootPrefix(), []*key.Identity{a})
	phase := NewEphemeralPhase(session, []*key.Identity{a})

	key1, err := ephemeralPoint(scheme).MarshalBinary()
	require.NoError(t, err)
	sig1 := pairA.Sign(key1)
	_, err = phase.Submit(EphemeralSubmission{Owner: a.Name(), PubKey: key1, Sig: sig1})
	require.NoError(t, err)

	key2, err := ephemeralPoint(scheme).MarshalBinary()
	require.NoError(t, err)
	sig2 := pairA.Sign(key2)
	_, err = phase.Submit(EphemeralSubmission{Owner: a.Name(), PubKey: key2, Sig: sig2})
	var doubleKeyErr *ErrDoubleKeyAttack
	require.ErrorAs(t, err, &doubleKeyErr)
	require.Equal(t, a.Name(), doubleKeyErr.Owner)
}
