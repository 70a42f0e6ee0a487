// Package roster implements the Member Roster: the section's view of every
// member's state, grounded on the teacher's common/key.Group node list and
// the age/state bookkeeping described by original_source's NodeState.
package roster

import (
	"bytes"
	"sort"
	"sync"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

// MemberStatus is a roster entry's lifecycle state.
type MemberStatus int

const (
	// Joined means the member is an active participant.
	Joined MemberStatus = iota
	// Left means the member has been voted off via Offline aggregation.
	Left
	// Relocating means the member has been directed to rejoin under a new
	// name; DstName names its destination.
	Relocating
)

// MinAdultAge is the age at which a member is considered mature enough to
// be an Elder candidate.
const MinAdultAge uint8 = 4

// NodeState is one member's roster entry.
type NodeState struct {
	Peer   *key.Identity
	Age    uint8
	Status MemberStatus
	// DstName is set only when Status == Relocating.
	DstName xorname.Name
}

// SectionAuth wraps a NodeState with the section signature attesting it,
// mirroring sap.SectionAuth for the SAP case.
type SectionAuth struct {
	Value NodeState
	Sig   key.KeyedSig
}

// Roster holds every known member's NodeState, keyed by name. It is owned
// by one node's core; Update is the only mutation path.
type Roster struct {
	mu      sync.RWMutex
	scheme  *crypto.Scheme
	entries map[xorname.Name]SectionAuth
}

// New returns an empty Roster.
func New(scheme *crypto.Scheme) *Roster {
	return &Roster{scheme: scheme, entries: map[xorname.Name]SectionAuth{}}
}

// ChainVerifyFunc verifies a KeyedSig's signature against a known chain
// key and msg, the same function signature key.KeyedSig.Verify already
// exposes; threaded through explicitly so Roster has no chain import.
type ChainVerifyFunc func(sig key.KeyedSig, msg []byte) error

// Update inserts or replaces the entry for update.Value.Peer.Name(),
// rejecting it if it does not verify against the chain. Returns whether
// the observable state changed (a no-op re-delivery of an identical,
// already-stored update returns false without error).
func (r *Roster) Update(update SectionAuth, verify ChainVerifyFunc, msg []byte) (bool, error) {
	if err := verify(update.Sig, msg); err != nil {
		return false, err
	}

	name := update.Value.Peer.Name()
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[name]
	if ok && sameEntry(existing, update) {
		return false, nil
	}
	r.entries[name] = update
	return true, nil
}

func sameEntry(a, b SectionAuth) bool {
	return a.Value.Status == b.Value.Status &&
		a.Value.Age == b.Value.Age &&
		a.Value.DstName == b.Value.DstName &&
		bytes.Equal(a.Sig.Signature, b.Sig.Signature)
}

// Retain drops every entry whose peer name falls outside prefix, called
// after each Elder change per spec.md §4 ("after each Elder change,
// entries whose peer.name falls outside the current prefix are dropped").
func (r *Roster) Retain(prefix xorname.Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.entries {
		if !prefix.Matches(name) {
			delete(r.entries, name)
		}
	}
}

func (r *Roster) snapshot() []NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeState, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Value)
	}
	return out
}

// Joined returns every member currently in the Joined state.
func (r *Roster) Joined() []NodeState {
	return r.filter(func(n NodeState) bool { return n.Status == Joined })
}

// Mature returns every Joined member at or above MinAdultAge.
func (r *Roster) Mature() []NodeState {
	return r.filter(func(n NodeState) bool { return n.Status == Joined && n.Age >= MinAdultAge })
}

// Adults returns every mature member that is not a current Elder.
func (r *Roster) Adults(currentElders map[xorname.Name]struct{}) []NodeState {
	return r.filter(func(n NodeState) bool {
		if n.Status != Joined || n.Age < MinAdultAge {
			return false
		}
		_, isElder := currentElders[n.Peer.Name()]
		return !isElder
	})
}

// LiveAdults is Adults restricted to a liveness set supplied by the
// caller's connectivity tracking (out of scope here, see spec.md §7).
func (r *Roster) LiveAdults(currentElders map[xorname.Name]struct{}, live map[xorname.Name]struct{}) []NodeState {
	adults := r.Adults(currentElders)
	out := make([]NodeState, 0, len(adults))
	for _, a := range adults {
		if _, ok := live[a.Peer.Name()]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (r *Roster) filter(pred func(NodeState) bool) []NodeState {
	all := r.snapshot()
	out := make([]NodeState, 0, len(all))
	for _, n := range all {
		if pred(n) {
			out = append(out, n)
		}
	}
	return out
}

// ElderCandidates returns the k best mature members to serve as the next
// Elder set for the given SAP, in the deterministic order spec.md §4.3
// requires: descending age, then ascending XOR distance to the section
// prefix's name, then lexicographic name tiebreak, with current Elders
// preferred on ties.
func (r *Roster) ElderCandidates(k int, current *sap.SAP, excluded map[xorname.Name]struct{}) []NodeState {
	return r.ElderCandidatesMatchingPrefix(current.Prefix, k, excluded, current)
}

// ElderCandidatesMatchingPrefix is ElderCandidates generalised to an
// arbitrary prefix (used for split, where each child prefix needs its own
// candidate set evaluated independently of the parent SAP).
func (r *Roster) ElderCandidatesMatchingPrefix(prefix xorname.Prefix, k int, excluded map[xorname.Name]struct{}, current *sap.SAP) []NodeState {
	mature := r.filter(func(n NodeState) bool {
		if n.Status != Joined || n.Age < MinAdultAge {
			return false
		}
		if !prefix.Matches(n.Peer.Name()) {
			return false
		}
		if excluded != nil {
			if _, ok := excluded[n.Peer.Name()]; ok {
				return false
			}
		}
		return true
	})

	ref := prefix.SubstitutedIn(xorname.Name{})
	var currentElders map[xorname.Name]struct{}
	if current != nil {
		currentElders = make(map[xorname.Name]struct{}, len(current.Elders))
		for _, e := range current.Elders {
			currentElders[e.Name()] = struct{}{}
		}
	}

	sort.Slice(mature, func(i, j int) bool {
		a, b := mature[i], mature[j]
		if a.Age != b.Age {
			return a.Age > b.Age
		}
		dist := xorname.Cmp(ref, a.Peer.Name(), b.Peer.Name())
		if dist != 0 {
			return dist < 0
		}
		if currentElders != nil {
			_, aElder := currentElders[a.Peer.Name()]
			_, bElder := currentElders[b.Peer.Name()]
			if aElder != bElder {
				return aElder
			}
		}
		return a.Peer.Name().String() < b.Peer.Name().String()
	})

	if k > len(mature) {
		k = len(mature)
	}
	return mature[:k]
}
