// Package membership implements the Membership Coordinator: join,
// relocate, offline and promote/demote-elders decisions, and the
// per-epoch state machine that drives a DKG outcome through to a new
// section authority, grounded on the original implementation's
// Section::try_split/promote_and_demote_elders
// (original_source/sn/src/routing/section/mod.rs) and the join/relocate
// flow described in original_source/sn/src/node/api/mod.rs, reworked from
// async trait methods into explicit state transitions the Dispatcher (C9)
// drives.
package membership

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/roster"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

// RecommendedSectionSize is the minimum number of mature members each
// half of a split must retain, matching the original implementation's
// RECOMMENDED_SECTION_SIZE constant.
const RecommendedSectionSize = 10

// CandidateSAP is an unsigned, proposed Elder set for a prefix: the input
// to a DKG session, before the session produces the BLS key set that
// turns it into a sap.SAP.
type CandidateSAP struct {
	Prefix xorname.Prefix
	Elders []*key.Identity
}

// Names returns the candidate set's member names, sorted, for deterministic
// DKG session id computation and comparisons.
func (c CandidateSAP) Names() []xorname.Name {
	out := make([]xorname.Name, len(c.Elders))
	for i, e := range c.Elders {
		out[i] = e.Name()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func sameCandidateSet(a, b CandidateSAP) bool {
	if !a.Prefix.Equal(b.Prefix) {
		return false
	}
	an, bn := a.Names(), b.Names()
	if len(an) != len(bn) {
		return false
	}
	for i := range an {
		if an[i] != bn[i] {
			return false
		}
	}
	return true
}

// TrySplit evaluates whether the section should split: it partitions
// mature members (excluding excluded) by the bit of their name immediately
// following the current prefix, and returns the two child candidate Elder
// sets only if both halves meet RecommendedSectionSize.
func TrySplit(r *roster.Roster, current *sap.SAP, ourName xorname.Name, excluded map[xorname.Name]struct{}) (ours, other CandidateSAP, ok bool) {
	prefix := current.Prefix
	if prefix.BitCount() >= xorname.MaxBits {
		return CandidateSAP{}, CandidateSAP{}, false
	}
	nextBit := prefix.Bit(ourName)

	mature := r.Mature()
	var oursCount, otherCount int
	for _, m := range mature {
		if _, excl := excluded[m.Peer.Name()]; excl {
			continue
		}
		if !prefix.Matches(m.Peer.Name()) {
			continue
		}
		if prefix.Bit(m.Peer.Name()) == nextBit {
			oursCount++
		} else {
			otherCount++
		}
	}
	if oursCount < RecommendedSectionSize || otherCount < RecommendedSectionSize {
		return CandidateSAP{}, CandidateSAP{}, false
	}

	ourPrefix := prefix.Pushed(nextBit)
	otherPrefix := prefix.Pushed(1 - nextBit)

	ourElders := r.ElderCandidatesMatchingPrefix(ourPrefix, sap.ElderSize, excluded, current)
	otherElders := r.ElderCandidatesMatchingPrefix(otherPrefix, sap.ElderSize, excluded, current)

	return CandidateSAP{Prefix: ourPrefix, Elders: identities(ourElders)},
		CandidateSAP{Prefix: otherPrefix, Elders: identities(otherElders)},
		true
}

func identities(states []roster.NodeState) []*key.Identity {
	out := make([]*key.Identity, len(states))
	for i, s := range states {
		out[i] = s.Peer
	}
	return out
}

// PromoteAndDemoteElders computes the candidate Elder set(s) for the next
// epoch: two sibling candidates if the section should split, otherwise at
// most one candidate representing a change to the current Elder set. It
// returns no candidates if the current Elder set is already optimal, or if
// shrinking it would go below supermajority of the current size.
func PromoteAndDemoteElders(r *roster.Roster, current *sap.SAP, ourName xorname.Name, excluded map[xorname.Name]struct{}) []CandidateSAP {
	if ours, other, ok := TrySplit(r, current, ourName, excluded); ok {
		return []CandidateSAP{ours, other}
	}

	expected := r.ElderCandidates(sap.ElderSize, current, excluded)
	expectedNames := make(map[xorname.Name]struct{}, len(expected))
	for _, e := range expected {
		expectedNames[e.Peer.Name()] = struct{}{}
	}
	currentNames := make(map[xorname.Name]struct{}, len(current.Elders))
	for _, e := range current.Elders {
		currentNames[e.Name()] = struct{}{}
	}

	if sameNameSet(expectedNames, currentNames) {
		return nil
	}
	if len(expectedNames) < sap.Supermajority(len(currentNames)) {
		return nil
	}
	return []CandidateSAP{{Prefix: current.Prefix, Elders: identities(expected)}}
}

func sameNameSet(a, b map[xorname.Name]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if _, ok := b[n]; !ok {
			return false
		}
	}
	return true
}

// JoinRequest is a prospective member's bid to join the section, directly
// (Joined) or as a relocated node continuing under a new name
// (JoinAsRelocated, where PreviousName is set).
type JoinRequest struct {
	Candidate    *key.Identity
	PreviousName xorname.Name
	Relocated    bool
}

// ErrPrefixMismatch is returned when a join candidate's name does not fall
// within the section handling the request.
var ErrPrefixMismatch = errors.New("membership: candidate name does not match our prefix")

// Decide validates a JoinRequest against the current SAP, returning the
// NodeState to propose as Online (unsigned; the caller threads it through
// the Signature Aggregator once the elders vote on it).
func Decide(current *sap.SAP, req JoinRequest) (roster.NodeState, error) {
	if !current.Prefix.Matches(req.Candidate.Name()) {
		return roster.NodeState{}, fmt.Errorf("%w: %s", ErrPrefixMismatch, req.Candidate.Name())
	}
	age := req.Candidate.Age
	if age < roster.MinAdultAge {
		age = roster.MinAdultAge
	}
	return roster.NodeState{Peer: req.Candidate, Age: age, Status: roster.Joined}, nil
}

// ErrNotMature is returned when relocation is requested for a member that
// is not yet old enough to be considered for it.
var ErrNotMature = errors.New("membership: candidate is not mature")

// DecideRelocate builds the Relocating NodeState for a mature member being
// directed to rejoin under dstName, gossiped and section-signed by the
// caller before being applied to the Roster.
func DecideRelocate(r *roster.Roster, name xorname.Name, dstName xorname.Name) (roster.NodeState, error) {
	for _, m := range r.Mature() {
		if m.Peer.Name() == name {
			return roster.NodeState{Peer: m.Peer, Age: m.Age, Status: roster.Relocating, DstName: dstName}, nil
		}
	}
	return roster.NodeState{}, fmt.Errorf("%w: %s", ErrNotMature, name)
}

// DecideOffline builds the Left NodeState elders vote to aggregate for a
// member observed to have failed, per spec.md §4.7's Offline path.
func DecideOffline(current roster.NodeState) roster.NodeState {
	current.Status = roster.Left
	return current
}
