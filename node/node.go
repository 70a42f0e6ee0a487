// Package node wires the Elder coordination engine's components (C1-C9)
// into one running node: the exposed API surface spec.md §6 names, built
// the way the teacher's internal/core.Node/DrandDaemon owns its BeaconProcess
// set and Config behind a single struct, except here there is exactly one
// section epoch machine per node instead of one per beacon id.
package node

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/tidalmesh/elderd/ae"
	"github.com/tidalmesh/elderd/aggregate"
	"github.com/tidalmesh/elderd/chain"
	"github.com/tidalmesh/elderd/config"
	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/dispatch"
	"github.com/tidalmesh/elderd/dkg"
	"github.com/tidalmesh/elderd/event"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/log"
	"github.com/tidalmesh/elderd/membership"
	"github.com/tidalmesh/elderd/metrics"
	"github.com/tidalmesh/elderd/roster"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"

	"github.com/drand/kyber"
)

// Comm is the datagram transport contract this module consumes, per
// spec.md §6: send a frame to a recipient, bootstrap into a section via
// seed addresses, and report connection events. Left as a narrow
// interface for the embedder to satisfy; this module never dials a
// socket itself.
type Comm interface {
	Send(ctx context.Context, recipient *key.Identity, payload []byte) error
	Bootstrap(ctx context.Context, localAddr string, seeds []string) (bootstrapPeer string, err error)
}

// FailedSendErr wraps Comm.Send's terminal failure, surfaced as a
// HandleFailedSendToNode follow-up command (spec.md §7).
type FailedSendErr struct {
	Peer xorname.Name
	Err  error
}

func (e *FailedSendErr) Error() string {
	return fmt.Sprintf("node: send to %s failed: %v", e.Peer, e.Err)
}

func (e *FailedSendErr) Unwrap() error { return e.Err }

// Node is one section member's Elder coordination engine: its identity,
// section chain, authority, roster, DKG/aggregation machinery, and the
// Dispatcher that serialises every state transition against it. A single
// sync.RWMutex (mu) is the one write-serialisation point spec.md §5
// requires; every exported accessor below takes it only for the duration
// of a snapshot read.
type Node struct {
	mu sync.RWMutex

	cfg    *config.Config
	log    log.Logger
	scheme *crypto.Scheme
	comm   Comm

	identity *key.Pair
	share    *key.Share

	chain      *chain.Chain
	authority  *sap.Authority
	roster     *roster.Roster
	aggregator *aggregate.Aggregator
	ae         *ae.Validator

	coordinator *membership.Coordinator
	dispatcher  *dispatch.Dispatcher
	events      *event.Stream
	metrics     *metrics.Metrics

	genesisKey  key.SectionKey
	currentAuth sap.SectionAuth

	dkgEngines          map[dkg.SessionID]*dkg.Engine
	dkgEphemerals       map[dkg.SessionID]*dkg.EphemeralPhase
	dkgEphemeralSecrets map[dkg.SessionID]kyber.Scalar
	epochCandidates     map[dkg.SessionID][]membership.CandidateSAP
	epochSplit          map[dkg.SessionID]bool
	pendingShare        map[dkg.SessionID]*key.Share

	newElderAgg      *aggregate.Aggregator
	pendingProposals map[string]*pendingProposal
}

// New constructs a Node per cfg. When cfg.IsFirst() is set, the node
// starts its own genesis section (spec.md scenario S1); otherwise the
// caller drives the join flow against comm.Bootstrap before the node is
// useful (spec.md scenario S2).
func New(cfg *config.Config, comm Comm, l log.Logger) (*Node, error) {
	if l == nil {
		l = log.DefaultLogger()
	}
	identity, err := loadOrCreateIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}
	if _, _, err := key.EnsureRewardKey(cfg.DataDir()); err != nil {
		return nil, fmt.Errorf("node: reward key: %w", err)
	}

	scheme := crypto.DefaultScheme()
	n := &Node{
		cfg:                 cfg,
		log:                 l,
		scheme:              scheme,
		comm:                comm,
		identity:            identity,
		roster:              roster.New(scheme),
		events:              event.NewStream(),
		metrics:             metrics.New(),
		coordinator:         membership.NewCoordinator(nil),
		dkgEngines:          map[dkg.SessionID]*dkg.Engine{},
		dkgEphemerals:       map[dkg.SessionID]*dkg.EphemeralPhase{},
		dkgEphemeralSecrets: map[dkg.SessionID]kyber.Scalar{},
		epochCandidates:     map[dkg.SessionID][]membership.CandidateSAP{},
		epochSplit:          map[dkg.SessionID]bool{},
		pendingShare:        map[dkg.SessionID]*key.Share{},
		pendingProposals:    map[string]*pendingProposal{},
	}

	aggregator, err := aggregate.New(cfg.AggregatorCapacity(), cfg.AggregatorTTL(), cfg.Clock())
	if err != nil {
		return nil, fmt.Errorf("node: new aggregator: %w", err)
	}
	n.aggregator = aggregator
	newElderAgg, err := aggregate.New(cfg.AggregatorCapacity(), cfg.AggregatorTTL(), cfg.Clock())
	if err != nil {
		return nil, fmt.Errorf("node: new elder aggregator: %w", err)
	}
	n.newElderAgg = newElderAgg
	n.coordinator = membership.NewCoordinator(n.events)
	n.dispatcher = dispatch.New(l.Named("dispatch"))
	n.registerHandlers()

	if cfg.IsFirst() {
		if err := n.bootstrapGenesis(); err != nil {
			return nil, fmt.Errorf("node: genesis: %w", err)
		}
	}
	return n, nil
}

// loadOrCreateIdentity resumes a node's network_keypair from cfg.DataDir
// if one was persisted by a prior run, otherwise generates a fresh one and
// persists it immediately (spec.md §6: "network_keypair: rewritten on
// identity change"). Resuming the same identity across restarts means a
// node's name, and therefore its position in any section that already
// admitted it, survives a process restart.
func loadOrCreateIdentity(cfg *config.Config) (*key.Pair, error) {
	found, pair, err := key.LoadPair(cfg.DataDir())
	if err != nil {
		return nil, fmt.Errorf("load network keypair: %w", err)
	}
	if found {
		return pair, nil
	}
	pair, err = key.NewPair(cfg.ControlAddr())
	if err != nil {
		return nil, fmt.Errorf("generate network keypair: %w", err)
	}
	if err := key.SavePair(cfg.DataDir(), pair); err != nil {
		return nil, fmt.Errorf("persist network keypair: %w", err)
	}
	return pair, nil
}

// Age returns this node's current age.
func (n *Node) Age() uint8 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.identity.Public.Age
}

// Name returns this node's XOR name.
func (n *Node) Name() xorname.Name {
	return n.identity.Public.Name()
}

// PublicKey returns this node's ed25519 identity public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.identity.Public.PublicKey
}

// Sign signs payload with this node's ed25519 identity key.
func (n *Node) Sign(payload []byte) []byte {
	return n.identity.Sign(payload)
}

// Verify checks an ed25519 signature by id over payload.
func (n *Node) Verify(id *key.Identity, payload, sig []byte) bool {
	return ed25519.Verify(id.PublicKey, payload, sig)
}

// OurPrefix returns the current section prefix.
func (n *Node) OurPrefix() xorname.Prefix {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.authority.Prefix()
}

// MatchesOurPrefix reports whether name falls in our current section.
func (n *Node) MatchesOurPrefix(name xorname.Name) bool {
	return n.OurPrefix().Matches(name)
}

// IsElder reports whether name is a current Elder.
func (n *Node) IsElder(name xorname.Name) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.authority.IsElder(name)
}

// OurElders returns the current Elder set, XOR-distance ordered.
func (n *Node) OurElders() []*key.Identity {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.authority.Elders()
}

// OurAdults returns the current mature, non-Elder members.
func (n *Node) OurAdults() []roster.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	elders := map[xorname.Name]struct{}{}
	for _, e := range n.authority.Elders() {
		elders[e.Name()] = struct{}{}
	}
	return n.roster.Adults(elders)
}

// MatchingSection reports whether name would be served by this node's
// current section.
func (n *Node) MatchingSection(name xorname.Name) bool {
	return n.MatchesOurPrefix(name)
}

// SectionChain returns the node's section chain. The Chain type is itself
// safe for concurrent read access (internally locked), so this is
// returned directly rather than cloned.
func (n *Node) SectionChain() *chain.Chain {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.chain
}

// SectionAuth returns the current, section-signed SAP: the value AE
// replies and outbound NewElders proposals carry as "our SAP".
func (n *Node) SectionAuth() sap.SectionAuth {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentAuth
}

// GenesisKey returns the section's root key.
func (n *Node) GenesisKey() key.SectionKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.genesisKey
}

// currentSectionKey returns the chain's current head key: the key a
// transitional (pre-agreement) outbound message should carry as the
// sender's claimed current section key, since the key under negotiation
// is by definition not yet in any receiver's chain.
func (n *Node) currentSectionKey() key.SectionKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.chain.LastKey()
}

// PublicKeySet returns the current section's distributed BLS public key
// set, or nil if this node holds no share (not yet an Elder).
func (n *Node) PublicKeySet() *crypto.PublicKeySet {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.share == nil {
		return nil
	}
	return n.share.PublicSet
}

// OurIndex returns this node's share index within the current Elder set,
// or -1 if it holds no share.
func (n *Node) OurIndex() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.share == nil {
		return -1
	}
	return n.share.Index
}

// SignSingleSrcMsg signs payload with this node's own ed25519 identity
// key, for messages authenticated as a single node (AuthKind Node) rather
// than the section.
func (n *Node) SignSingleSrcMsg(payload []byte) []byte {
	return n.Sign(payload)
}

// SignMsgForDstAccumulation produces this node's BLS signature share over
// payload, for a message that will be section-signature-aggregated at the
// destination (AuthKind NodeBlsShare).
func (n *Node) SignMsgForDstAccumulation(payload []byte) ([]byte, error) {
	n.mu.RLock()
	share := n.share
	n.mu.RUnlock()
	if share == nil {
		return nil, fmt.Errorf("node: no section key share held")
	}
	return share.Sign(n.scheme, payload)
}

// SendMessageToNodes sends payload to every recipient via the transport,
// collecting FailedSendErr for any that fail without aborting the rest.
func (n *Node) SendMessageToNodes(ctx context.Context, recipients []*key.Identity, payload []byte) []error {
	var errs []error
	for _, r := range recipients {
		if err := n.comm.Send(ctx, r, payload); err != nil {
			errs = append(errs, &FailedSendErr{Peer: r.Name(), Err: err})
		}
	}
	return errs
}

// Metrics returns the node's Prometheus registry handle.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Events returns the external event stream consumers read notifications
// from (EldersChanged, MemberJoined, ...).
func (n *Node) Events() *event.Stream {
	return n.events
}

// Close drains the dispatcher's in-flight work (there is none to await
// asynchronously, since Dispatch is synchronous per spec.md §4.8) and
// closes the event stream.
func (n *Node) Close() {
	n.events.Close()
}

// StartConnectivityTest is a stub hook for the embedder's liveness probing
// of peer; actual probing is transport-layer (out of scope, spec.md §1).
func (n *Node) StartConnectivityTest(peer xorname.Name) {
	n.log.Debugw("connectivity test requested", "peer", peer.String())
}
