// Package ae implements anti-entropy: validating inbound frames against
// this node's section chain and SAP, and replying with the AE-Retry /
// AE-Redirect messages that bring a lagging peer forward, grounded on the
// teacher's chain/beacon SyncManager (sync_manager.go) reworked from
// round-based catch-up to key/prefix-based catch-up.
package ae

import (
	"github.com/tidalmesh/elderd/chain"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

// Frame is the minimal shape of an inbound message anti-entropy needs to
// validate: the section key and destination name the sender believed were
// current when it sent the message.
type Frame struct {
	SrcSectionKey key.SectionKey
	DstName       xorname.Name
	Body          []byte
}

// Outcome is the tagged result of validating a Frame.
type Outcome int

const (
	// Accept means the frame is current: its source key is known and its
	// destination matches our prefix.
	Accept Outcome = iota
	// Retry means the frame's source key is unknown to our chain.
	Retry
	// Redirect means the frame's destination doesn't match our prefix.
	Redirect
)

// RetryReply is sent when a frame's claimed section key is unknown to us:
// our current SAP plus the proof chain from our genesis key to our last
// key, so they can catch up and re-send.
type RetryReply struct {
	OurSAP     sap.SectionAuth
	ProofChain *chain.Chain
	Bounced    Frame
}

// RedirectReply is sent when a frame's destination prefix doesn't match
// ours: our SAP plus the full section chain, pointing the sender at the
// correct section.
type RedirectReply struct {
	OurSAP       sap.SectionAuth
	SectionChain *chain.Chain
	Bounced      Frame
}

// Validator checks inbound frames against one node's chain and authority,
// per spec.md §4.5's validation rule.
type Validator struct {
	chain     *chain.Chain
	authority *sap.Authority
}

// New returns a Validator reading from c and authority. Both are owned
// elsewhere (one node's core) and read under their own locking.
func New(c *chain.Chain, authority *sap.Authority) *Validator {
	return &Validator{chain: c, authority: authority}
}

// Validate classifies an inbound frame: Accept, Retry (unknown source
// key), or Redirect (wrong destination prefix). Source-key unfamiliarity
// is checked before destination, matching spec.md §4.5's ordering.
func (v *Validator) Validate(f Frame) Outcome {
	if !v.chain.HasKey(f.SrcSectionKey) {
		return Retry
	}
	if !v.authority.Prefix().Matches(f.DstName) {
		return Redirect
	}
	return Accept
}

// BuildRetry constructs the AE-Retry reply for a frame whose source key we
// don't recognise: our current SAP, self-signed, plus the minimal proof
// chain from our chain's root (genesis) key to our own last key.
func (v *Validator) BuildRetry(f Frame, ourSAP sap.SectionAuth) (*RetryReply, error) {
	proof, err := v.chain.GetProofChain(v.chain.RootKey(), v.chain.LastKey())
	if err != nil {
		return nil, err
	}
	return &RetryReply{OurSAP: ourSAP, ProofChain: proof, Bounced: f}, nil
}

// BuildRedirect constructs the AE-Redirect reply for a frame whose
// destination doesn't match our prefix: our SAP plus the entire section
// chain (the receiving peer doesn't yet know which section it should
// belong to, so a minimized proof chain isn't enough).
func (v *Validator) BuildRedirect(f Frame, ourSAP sap.SectionAuth) *RedirectReply {
	return &RedirectReply{OurSAP: ourSAP, SectionChain: v.chain, Bounced: f}
}

// OnRetryOrRedirect is invoked when this node receives an AE-Retry or
// AE-Redirect for a frame it originally sent: it merges the proof chain
// and returns the bounced frame so the caller can re-emit it. Updating the
// SAP is left to the caller, since sap.Authority update needs
// chain.last_key which only the owner's core can serialise safely.
func (v *Validator) OnRetryOrRedirect(proof *chain.Chain, bounced Frame) (Frame, error) {
	if err := v.chain.Merge(proof); err != nil {
		return Frame{}, err
	}
	return bounced, nil
}

// Probe is a periodic, content-free message exchanged with a random peer
// to detect silent chain divergence (spec.md §4.5). ProbeResult reports
// whether the peer's last_key differs from ours, signalling the caller
// should treat the peer's next real frame as a Retry candidate.
type Probe struct {
	LastKey key.SectionKey
}

// ProbeResult is the comparison outcome of a Probe exchange.
type ProbeResult struct {
	Diverged bool
}

// HandleProbe compares a peer's reported last_key against ours.
func (v *Validator) HandleProbe(peer Probe) ProbeResult {
	return ProbeResult{Diverged: !peer.LastKey.Equal(v.chain.LastKey())}
}
