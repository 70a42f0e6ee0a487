// Package sap implements the Section Authority Provider: the current
// Elder set speaking for a section, its prefix, and its BLS public key
// set, grounded on the teacher's common/key.Group (the nearest analogue:
// a signed, ordered list of participants plus a distributed public key).
package sap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/xorname"
)

// ElderSize is the target Elder set cardinality, matching the original
// implementation's ELDER_SIZE constant.
const ElderSize = 7

// Supermajority returns the quorum size for n participants: floor(2n/3)+1.
func Supermajority(n int) int {
	return (2*n)/3 + 1
}

// ErrEmptyElderSet is returned when constructing a SAP with no Elders.
var ErrEmptyElderSet = errors.New("sap: empty elder set")

// ErrSigKeyMismatch is returned when a SectionAuth's signature public key
// does not match its payload's claimed public key set.
var ErrSigKeyMismatch = errors.New("sap: signature key does not match payload")

// ErrNotLastKey is returned when a SAP update's signing key is not the
// chain's current last_key.
var ErrNotLastKey = errors.New("sap: signing key is not chain.last_key")

// ErrPrefixMismatch is returned when a proposed SAP's prefix is neither the
// current prefix nor an extension of it (a split).
var ErrPrefixMismatch = errors.New("sap: prefix is not current or a split extension")

// SAP is a SectionAuthorityProvider: the section's prefix, its distributed
// BLS public key set, and the Elders that hold shares of it.
type SAP struct {
	Prefix       xorname.Prefix
	PublicKeySet *crypto.PublicKeySet
	Elders       []*key.Identity
}

// New constructs a SAP, rejecting an empty Elder set.
func New(prefix xorname.Prefix, pks *crypto.PublicKeySet, elders []*key.Identity) (*SAP, error) {
	if len(elders) == 0 {
		return nil, ErrEmptyElderSet
	}
	cp := make([]*key.Identity, len(elders))
	copy(cp, elders)
	return &SAP{Prefix: prefix, PublicKeySet: pks, Elders: cp}, nil
}

// SectionKey returns the SAP's distributed public key: the section key.
func (s *SAP) SectionKey() key.SectionKey {
	return key.SectionKey{Point: s.PublicKeySet.PublicKey()}
}

// IsElder reports whether name belongs to the current Elder set.
func (s *SAP) IsElder(name xorname.Name) bool {
	for _, e := range s.Elders {
		if e.Name() == name {
			return true
		}
	}
	return false
}

// OrderedElders returns the Elder set ordered by ascending XOR distance to
// the section prefix's substituted name, the canonical iteration order
// used by the rest of the module (candidate selection, broadcast fan-out).
func (s *SAP) OrderedElders() []*key.Identity {
	ref := s.Prefix.SubstitutedIn(xorname.Name{})
	out := make([]*key.Identity, len(s.Elders))
	copy(out, s.Elders)
	sort.Slice(out, func(i, j int) bool {
		return xorname.Cmp(ref, out[i].Name(), out[j].Name()) < 0
	})
	return out
}

// Quorum returns the supermajority threshold for the current Elder count.
func (s *SAP) Quorum() int {
	return Supermajority(len(s.Elders))
}

// DkgThreshold returns supermajority-1, the threshold a DKG session for
// this SAP's Elder set is run with.
func (s *SAP) DkgThreshold() int {
	return s.Quorum() - 1
}

// SectionAuth wraps a value with a section signature: for a SAP,
// sig.public_key must equal the public key of the SAP's own key set (a SAP
// is self-signed, checked in Authority.UpdateElders). The prior epoch's
// signature over the new key is the chain edge's, not this one.
type SectionAuth struct {
	Value SAP
	Sig   key.KeyedSig
}

// Authority is the node's view of section authority: its current SAP and
// the chain it is anchored in. It is owned by one node's core and mutated
// only through UpdateElders (spec.md §4.2's three-step acceptance rule).
type Authority struct {
	current *SAP
	scheme  *crypto.Scheme
}

// NewAuthority constructs an Authority with an initial (e.g. genesis) SAP.
func NewAuthority(scheme *crypto.Scheme, initial *SAP) *Authority {
	return &Authority{current: initial, scheme: scheme}
}

// AuthorityProvider returns the current SAP.
func (a *Authority) AuthorityProvider() *SAP {
	return a.current
}

// SectionKey returns the current SAP's section key.
func (a *Authority) SectionKey() key.SectionKey {
	return a.current.SectionKey()
}

// Prefix returns the current SAP's prefix.
func (a *Authority) Prefix() xorname.Prefix {
	return a.current.Prefix
}

// Elders returns the current SAP's Elders, XOR-distance ordered.
func (a *Authority) Elders() []*key.Identity {
	return a.current.OrderedElders()
}

// IsElder reports whether name is a current Elder.
func (a *Authority) IsElder(name xorname.Name) bool {
	return a.current.IsElder(name)
}

// ChainLastKeyFunc returns the chain's current last_key, used by
// UpdateElders to enforce authority coherence without importing package
// chain directly (avoiding an import cycle, as chain never needs sap).
type ChainLastKeyFunc func() key.SectionKey

// UpdateElders implements spec.md §4.2's three-step acceptance rule:
//  1. new_sap.prefix must equal the current prefix or be a split extension
//     of it;
//  2. sig.public_key must equal the proposed SAP's own public key set's
//     public key (a SAP is self-signed by its new Elder set), and the
//     signature must verify over the SAP payload;
//  3. the proposed section key must already equal chain.last_key(), i.e.
//     it was inserted into the chain before this proposal is accepted
//     (authority coherence, §8 property 2).
//
// On success the SAP replaces the current one; the caller is responsible
// for pruning the Roster to retain(new_sap.prefix). Any failure leaves the
// Authority unchanged.
func (a *Authority) UpdateElders(proposed SectionAuth, lastKey ChainLastKeyFunc) (accepted bool, err error) {
	currentPrefix := a.current.Prefix
	if !proposed.Value.Prefix.Equal(currentPrefix) && !proposed.Value.Prefix.IsExtensionOf(currentPrefix) {
		return false, fmt.Errorf("%w", ErrPrefixMismatch)
	}
	newKey := proposed.Value.SectionKey()
	if !proposed.Sig.PublicKey.Equal(newKey) {
		return false, fmt.Errorf("%w", ErrSigKeyMismatch)
	}
	newKeyBytes, err := newKey.Bytes()
	if err != nil {
		return false, err
	}
	if err := a.scheme.VerifyRecovered(proposed.Sig.PublicKey.Point, newKeyBytes, proposed.Sig.Signature); err != nil {
		return false, fmt.Errorf("%w: %v", ErrSigKeyMismatch, err)
	}
	if !newKey.Equal(lastKey()) {
		return false, fmt.Errorf("%w", ErrNotLastKey)
	}
	sap := proposed.Value
	a.current = &sap
	return true, nil
}
