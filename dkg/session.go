// Package dkg implements the section's distributed key generation engine:
// the ephemeral-key phase and the signed-vote phase that drive
// github.com/drand/kyber/share/dkg to a new section key share, grounded on
// the teacher's internal/dkg (state_machine.go, execution.go, broadcast.go).
package dkg

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/drand/kyber"
	"golang.org/x/crypto/blake2b"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

// SessionID deterministically identifies one DKG epoch: a hash of the
// generation counter, the target prefix, and the sorted candidate Elder
// set, matching spec.md's "deterministic hash of {generation, prefix,
// candidate-elder-set}".
type SessionID [32]byte

// String renders the session id as hex for logs.
func (s SessionID) String() string {
	return fmt.Sprintf("%x", s[:8])
}

// NewSessionID computes the session id for a generation over prefix and
// candidates. candidates need not be pre-sorted; NewSessionID sorts a copy
// by name so the result is independent of caller ordering.
func NewSessionID(generation uint64, prefix xorname.Prefix, candidates []*key.Identity) SessionID {
	sorted := make([]*key.Identity, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name().String() < sorted[j].Name().String()
	})

	h, _ := blake2b.New256(nil)
	var genBuf [8]byte
	binary.BigEndian.PutUint64(genBuf[:], generation)
	_, _ = h.Write(genBuf[:])
	_, _ = h.Write(prefix.Bytes())
	for _, c := range sorted {
		_, _ = h.Write(c.PublicKey)
	}
	var out SessionID
	copy(out[:], h.Sum(nil))
	return out
}

// ErrDoubleKeyAttack is emitted when a participant submits a different
// ephemeral key than one already recorded for the same owner during the
// ephemeral phase. The session does not halt on this error: the first
// recorded key is kept, the second is refused, and later submissions are
// still accepted.
type ErrDoubleKeyAttack struct {
	Owner  xorname.Name
	NewKey []byte
	NewSig []byte
	OldKey []byte
	OldSig []byte
}

func (e *ErrDoubleKeyAttack) Error() string {
	return fmt.Sprintf("dkg: double key attack detected from %s", e.Owner)
}

// ErrUnknownParticipant is returned when a submission's owner is not in the
// session's candidate Elder set.
var ErrUnknownParticipant = errors.New("dkg: submission from unknown participant")

// EphemeralSubmission is one participant's fresh BLS ephemeral public key,
// self-signed with their long-lived ed25519 identity key.
type EphemeralSubmission struct {
	Owner  xorname.Name
	PubKey []byte // marshalled kyber.Point
	Sig    []byte // ed25519 signature by Owner's identity key over PubKey
}

// EphemeralPhase collects one signed ephemeral key per candidate Elder. A
// participant advances to the vote phase only once every candidate has
// submitted.
type EphemeralPhase struct {
	session    SessionID
	candidates map[xorname.Name]*key.Identity
	submitted  map[xorname.Name]EphemeralSubmission
}

// NewEphemeralPhase starts the ephemeral-key phase for session over
// candidates (the next Elder set's members).
func NewEphemeralPhase(session SessionID, candidates []*key.Identity) *EphemeralPhase {
	byName := make(map[xorname.Name]*key.Identity, len(candidates))
	for _, c := range candidates {
		byName[c.Name()] = c
	}
	return &EphemeralPhase{
		session:    session,
		candidates: byName,
		submitted:  map[xorname.Name]EphemeralSubmission{},
	}
}

// Submit records a participant's ephemeral key submission, verifying the
// ed25519 self-signature and enforcing the double-key rule. It returns
// true once every candidate has submitted.
func (p *EphemeralPhase) Submit(sub EphemeralSubmission) (done bool, err error) {
	owner, ok := p.candidates[sub.Owner]
	if !ok {
		return false, ErrUnknownParticipant
	}
	if !ed25519.Verify(owner.PublicKey, sub.PubKey, sub.Sig) {
		return false, fmt.Errorf("dkg: invalid ephemeral key signature from %s", sub.Owner)
	}

	if existing, ok := p.submitted[sub.Owner]; ok {
		if string(existing.PubKey) != string(sub.PubKey) {
			return false, &ErrDoubleKeyAttack{
				Owner:  sub.Owner,
				NewKey: sub.PubKey,
				NewSig: sub.Sig,
				OldKey: existing.PubKey,
				OldSig: existing.Sig,
			}
		}
		return len(p.submitted) == len(p.candidates), nil
	}

	p.submitted[sub.Owner] = sub
	return len(p.submitted) == len(p.candidates), nil
}

// Complete reports whether every candidate has submitted.
func (p *EphemeralPhase) Complete() bool {
	return len(p.submitted) == len(p.candidates)
}

// Points decodes every submission's ephemeral public key, in Submissions
// order, for building a kdkg.Config's participant list: each participant's
// DKG index is their position in this slice.
func (p *EphemeralPhase) Points(scheme *crypto.Scheme) ([]kyber.Point, error) {
	subs := p.Submissions()
	out := make([]kyber.Point, len(subs))
	for i, s := range subs {
		pt := scheme.KeyGroup.Point()
		if err := pt.UnmarshalBinary(s.PubKey); err != nil {
			return nil, fmt.Errorf("dkg: unmarshal ephemeral key for %s: %w", s.Owner, err)
		}
		out[i] = pt
	}
	return out, nil
}

// IndexOf returns owner's position in Submissions order, the DKG
// participant index assigned to them, or -1 if they have not submitted.
func (p *EphemeralPhase) IndexOf(owner xorname.Name) int {
	for i, s := range p.Submissions() {
		if s.Owner == owner {
			return i
		}
	}
	return -1
}

// Submissions returns every recorded submission, ordered by owner name for
// deterministic DKG participant indexing.
func (p *EphemeralPhase) Submissions() []EphemeralSubmission {
	out := make([]EphemeralSubmission, 0, len(p.submitted))
	for _, s := range p.submitted {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner.String() < out[j].Owner.String() })
	return out
}

// DkgFailureAgreement is the section-signed statement produced when a DKG
// session cannot complete: the set of participants who failed to
// contribute, fed back into the Membership Coordinator (§4.6/§4.7).
type DkgFailureAgreement struct {
	Session            SessionID
	FailedParticipants []xorname.Name
	Sig                key.KeyedSig
}

// nextElderThreshold mirrors sap.Supermajority - 1, the DKG threshold for a
// candidate set of the given size (spec.md §3: "DKG threshold =
// supermajority - 1").
func nextElderThreshold(n int) int {
	return sap.Supermajority(n) - 1
}
