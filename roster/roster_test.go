package roster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

func newMember(t *testing.T, addr string, age uint8) NodeState {
	t.Helper()
	pair, err := key.NewPair(addr)
	require.NoError(t, err)
	return NodeState{Peer: pair.Public, Age: age, Status: Joined}
}

func noopVerify(key.KeyedSig, []byte) error { return nil }

func TestRosterUpdateAndRetain(t *testing.T) {
	scheme := crypto.DefaultScheme()
	r := New(scheme)

	m1 := newMember(t, "10.0.0.1:7000", 10)
	changed, err := r.Update(SectionAuth{Value: m1}, noopVerify, nil)
	require.NoError(t, err)
	require.True(t, changed)

	// identical re-delivery is a no-op
	changed, err = r.Update(SectionAuth{Value: m1}, noopVerify, nil)
	require.NoError(t, err)
	require.False(t, changed)

	require.Len(t, r.Joined(), 1)
	require.Len(t, r.Mature(), 1)

	r.Retain(xorname.RootPrefix().Pushed(1 - bitOf(m1.Peer.Name())))
	require.Empty(t, r.Joined())
}

func bitOf(n xorname.Name) uint8 {
	if n[0]&0x80 != 0 {
		return 1
	}
	return 0
}

func TestElderCandidatesDeterministicOrder(t *testing.T) {
	scheme := crypto.DefaultScheme()
	r := New(scheme)

	young := newMember(t, "10.0.0.1:7000", MinAdultAge)
	old := newMember(t, "10.0.0.2:7000", MinAdultAge+10)
	_, err := r.Update(SectionAuth{Value: young}, noopVerify, nil)
	require.NoError(t, err)
	_, err = r.Update(SectionAuth{Value: old}, noopVerify, nil)
	require.NoError(t, err)

	candidates := r.ElderCandidatesMatchingPrefix(xorname.RootPrefix(), 2, nil, nil)
	require.Len(t, candidates, 2)
	// older member sorts first regardless of XOR distance
	require.Equal(t, old.Peer.Name(), candidates[0].Peer.Name())
}

func TestElderCandidatesRespectExcluded(t *testing.T) {
	scheme := crypto.DefaultScheme()
	r := New(scheme)
	m := newMember(t, "10.0.0.1:7000", MinAdultAge)
	_, err := r.Update(SectionAuth{Value: m}, noopVerify, nil)
	require.NoError(t, err)

	excluded := map[xorname.Name]struct{}{m.Peer.Name(): {}}
	candidates := r.ElderCandidatesMatchingPrefix(xorname.RootPrefix(), 5, excluded, nil)
	require.Empty(t, candidates)
}

func TestRosterUpdateRejectsBadVerify(t *testing.T) {
	scheme := crypto.DefaultScheme()
	r := New(scheme)
	m := newMember(t, "10.0.0.1:7000", 10)
	failVerify := func(key.KeyedSig, []byte) error { return sap.ErrSigKeyMismatch }
	_, err := r.Update(SectionAuth{Value: m}, failVerify, nil)
	require.ErrorIs(t, err, sap.ErrSigKeyMismatch)
}
