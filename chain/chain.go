// Package chain implements the section-authority chain: an append-only,
// self-verifying DAG of BLS section keys rooted at a genesis key, where
// every non-root key carries a signature from its parent.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
)

// ErrUntrustedProofChain is returned when an insert's signature does not
// verify against its claimed parent.
var ErrUntrustedProofChain = errors.New("chain: untrusted proof chain")

// ErrIncompatibleChain is returned when merging chains with different
// roots.
var ErrIncompatibleChain = errors.New("chain: incompatible root")

// ErrUnknownParent is returned when inserting a child whose parent is not
// yet part of the chain.
var ErrUnknownParent = errors.New("chain: unknown parent key")

type link struct {
	key    key.SectionKey
	parent string // hex-encoded parent key, "" for the root
	sig    key.KeyedSig
}

// Chain is a self-verifying DAG of section keys. The zero value is not
// usable; use New.
type Chain struct {
	mu     sync.RWMutex
	scheme *crypto.Scheme
	root   string
	nodes  map[string]link // keyed by hex-encoded key bytes
	// children indexes the DAG for Minimize/GetProofChain traversal.
	children map[string][]string
	// head is this node's current branch tip: the most recently agreed
	// section key on its branch (spec.md "last_key").
	head string
}

func keyID(k key.SectionKey) (string, error) {
	b, err := k.Bytes()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

// New creates a chain rooted at root. The root is fixed for the lifetime of
// the chain and never changes.
func New(scheme *crypto.Scheme, root key.SectionKey) (*Chain, error) {
	id, err := keyID(root)
	if err != nil {
		return nil, err
	}
	c := &Chain{
		scheme:   scheme,
		root:     id,
		nodes:    map[string]link{id: {key: root}},
		children: map[string][]string{},
		head:     id,
	}
	return c, nil
}

// RootKey returns the fixed genesis key of the chain.
func (c *Chain) RootKey() key.SectionKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[c.root].key
}

// LastKey returns the most recently agreed section key on this node's
// branch.
func (c *Chain) LastKey() key.SectionKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[c.head].key
}

// SetHead marks k (which must already be in the chain) as this node's
// branch tip. Called by the node's NewElders agreement handler right after
// inserting the new key, before the SAP update is applied (§4.2).
func (c *Chain) SetHead(k key.SectionKey) error {
	id, err := keyID(k)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; !ok {
		return fmt.Errorf("chain: cannot set head to unknown key")
	}
	c.head = id
	return nil
}

// HasKey reports whether k is present anywhere in the chain.
func (c *Chain) HasKey(k key.SectionKey) bool {
	id, err := keyID(k)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.nodes[id]
	return ok
}

// Len returns the number of keys in the chain.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Insert appends child, signed by parent via sig, to the chain. parent must
// already be present and sig must verify, i.e. parent's key signing child's
// bytes.
func (c *Chain) Insert(parent, child key.SectionKey, sig key.KeyedSig) error {
	parentID, err := keyID(parent)
	if err != nil {
		return err
	}
	childBytes, err := child.Bytes()
	if err != nil {
		return err
	}
	childID := fmt.Sprintf("%x", childBytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[parentID]; !ok {
		return ErrUnknownParent
	}
	if existing, ok := c.nodes[childID]; ok {
		if existing.parent == parentID {
			return nil // idempotent re-insert of the same edge
		}
		return fmt.Errorf("%w: key already present under a different parent", ErrUntrustedProofChain)
	}
	if !sig.PublicKey.Equal(parent) {
		return fmt.Errorf("%w: signature public key does not match parent", ErrUntrustedProofChain)
	}
	if err := c.scheme.VerifyRecovered(parent.Point, childBytes, sig.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedProofChain, err)
	}

	c.nodes[childID] = link{key: child, parent: parentID, sig: sig}
	c.children[parentID] = append(c.children[parentID], childID)
	return nil
}

// SelfVerify recomputes every edge in the chain from the root, returning an
// error if any signature fails to verify.
func (c *Chain) SelfVerify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.nodes) == 0 {
		return fmt.Errorf("chain: empty chain")
	}
	for id, l := range c.nodes {
		if id == c.root {
			continue
		}
		parent, ok := c.nodes[l.parent]
		if !ok {
			return fmt.Errorf("%w: dangling parent for %s", ErrUntrustedProofChain, id)
		}
		childBytes, err := l.key.Bytes()
		if err != nil {
			return err
		}
		if err := c.scheme.VerifyRecovered(parent.key.Point, childBytes, l.sig.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrUntrustedProofChain, err)
		}
	}
	return nil
}

// Merge unions other into c. Both chains must share a root key; intermediate
// keys are unioned, skipping edges already present.
func (c *Chain) Merge(other *Chain) error {
	other.mu.RLock()
	otherRoot := other.root
	otherNodes := make(map[string]link, len(other.nodes))
	for k, v := range other.nodes {
		otherNodes[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	root := c.root
	c.mu.Unlock()
	if otherRoot != root {
		return ErrIncompatibleChain
	}

	// Insert in an order that respects parent-before-child by retrying
	// until no more progress is made; the DAG is small (bounded by the
	// number of epochs a section has lived through) so this is cheap.
	pending := make(map[string]link, len(otherNodes))
	for id, l := range otherNodes {
		if id != otherRoot {
			pending[id] = l
		}
	}
	for len(pending) > 0 {
		progressed := false
		for id, l := range pending {
			if c.HasKey(l.key) {
				delete(pending, id)
				continue
			}
			parentLink, ok := otherNodes[l.parent]
			if !ok && l.parent != otherRoot {
				continue
			}
			parentKey := parentLink.key
			if l.parent == otherRoot {
				parentKey = otherNodes[otherRoot].key
			}
			if err := c.Insert(parentKey, l.key, l.sig); err == nil {
				delete(pending, id)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return nil
}

// Minimize returns the smallest sub-chain (rooted the same way) that still
// allows verifying every key in keys: the union of each key's path back to
// the root.
func (c *Chain) Minimize(keys []key.SectionKey) (*Chain, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Chain{
		scheme:   c.scheme,
		root:     c.root,
		nodes:    map[string]link{c.root: c.nodes[c.root]},
		children: map[string][]string{},
		head:     c.root,
	}
	for _, k := range keys {
		id, err := keyID(k)
		if err != nil {
			return nil, err
		}
		cur := id
		for cur != c.root {
			l, ok := c.nodes[cur]
			if !ok {
				return nil, fmt.Errorf("chain: key not present for minimize")
			}
			out.nodes[cur] = l
			out.children[l.parent] = append(out.children[l.parent], cur)
			cur = l.parent
		}
	}
	return out, nil
}

// Edge is one signed parent-to-child step of the chain, the unit the wire
// codec serialises: Merge/Insert already accept edges in any order and
// retry until no more progress is made, so Edges/FromEdges don't need to
// emit or expect a particular traversal order.
type Edge struct {
	Parent key.SectionKey
	Child  key.SectionKey
	Sig    key.KeyedSig
}

// Edges returns every non-root edge of the chain, in no particular order.
func (c *Chain) Edges() []Edge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Edge, 0, len(c.nodes)-1)
	for id, l := range c.nodes {
		if id == c.root {
			continue
		}
		out = append(out, Edge{Parent: c.nodes[l.parent].key, Child: l.key, Sig: l.sig})
	}
	return out
}

// FromEdges rebuilds a Chain rooted at root from a flat edge list, the
// inverse of Edges: used by the wire codec to decode a chain received from
// a peer (an AE-Retry/AE-Redirect reply's proof chain). Edges need not be
// given in parent-before-child order.
func FromEdges(scheme *crypto.Scheme, root key.SectionKey, edges []Edge) (*Chain, error) {
	out, err := New(scheme, root)
	if err != nil {
		return nil, err
	}
	pending := append([]Edge{}, edges...)
	for len(pending) > 0 {
		progressed := false
		var next []Edge
		for _, e := range pending {
			if out.HasKey(e.Child) {
				continue
			}
			if err := out.Insert(e.Parent, e.Child, e.Sig); err == nil {
				progressed = true
			} else {
				next = append(next, e)
			}
		}
		if !progressed {
			return nil, fmt.Errorf("%w: dangling edges decoding chain", ErrUnknownParent)
		}
		pending = next
	}
	return out, nil
}

// GetProofChain returns the sub-chain proving the path from `from` to `to`:
// the keys and signatures a peer holding `from` needs to trust `to`.
func (c *Chain) GetProofChain(from, to key.SectionKey) (*Chain, error) {
	c.mu.RLock()
	toID, err := keyID(to)
	if err != nil {
		c.mu.RUnlock()
		return nil, err
	}
	fromID, err := keyID(from)
	if err != nil {
		c.mu.RUnlock()
		return nil, err
	}
	if _, ok := c.nodes[fromID]; !ok {
		c.mu.RUnlock()
		return nil, fmt.Errorf("chain: unknown source key")
	}
	path := map[string]link{}
	cur := toID
	for {
		l, ok := c.nodes[cur]
		if !ok {
			c.mu.RUnlock()
			return nil, fmt.Errorf("chain: unknown destination key")
		}
		path[cur] = l
		if cur == fromID || cur == c.root {
			break
		}
		cur = l.parent
	}
	c.mu.RUnlock()

	out, err := New(c.scheme, from)
	if err != nil {
		return nil, err
	}
	for progressed := true; progressed; {
		progressed = false
		for id, l := range path {
			if id == fromID || id == c.root {
				continue
			}
			if out.HasKey(l.key) {
				continue
			}
			var parent key.SectionKey
			if parentLink, ok := path[l.parent]; ok {
				parent = parentLink.key
			} else if l.parent == fromID {
				parent = from
			} else {
				continue
			}
			if err := out.Insert(parent, l.key, l.sig); err == nil {
				progressed = true
			}
		}
	}
	return out, nil
}
