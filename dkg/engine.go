package dkg

import (
	"fmt"
	"sync"
	"time"

	kdkg "github.com/drand/kyber/share/dkg"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
)

// VoteKind discriminates the three rounds of the underlying DKG protocol,
// mirroring kyber/share/dkg's Deal/Response/Justification bundles.
type VoteKind int

const (
	VoteDeal VoteKind = iota
	VoteResponseKind
	VoteJustification
)

// SignedVote is one participant's contribution to a round of the vote
// phase: a kyber DKG bundle plus an ed25519 signature over its encoding,
// the wire-level analogue of spec.md's `v` in `handle_signed_vote(v)`.
type SignedVote struct {
	Session SessionID
	Kind    VoteKind
	Deal    *kdkg.DealBundle
	Resp    *kdkg.ResponseBundle
	Just    *kdkg.JustificationBundle
	Sender  key.Identity
	Sig     []byte
}

// VoteResponseKindTag is the tagged result of feeding a SignedVote into the
// Engine, matching spec.md's VoteResponse sum type.
type VoteResponseKindTag int

const (
	WaitingForMore VoteResponseKindTag = iota
	RequestAntiEntropy
	BroadcastVote
	Outcome
)

// VoteResponse is returned by Engine.HandleSignedVote.
type VoteResponse struct {
	Kind VoteResponseKindTag
	// Vote is set when Kind == BroadcastVote: this node's own next-round
	// bundle, to be signed by the caller's identity key and broadcast.
	Vote *SignedVote
	// KeyShare and PublicKeySet are set when Kind == Outcome.
	KeyShare     *key.Share
	PublicKeySet *crypto.PublicKeySet
}

// board adapts kdkg.Board to an in-process channel pair fed by
// Engine.HandleSignedVote, instead of a network broadcaster: incoming
// externally-verified bundles are pushed onto the incoming channels, and
// the protocol's own outgoing bundles (emitted via Push*) are captured for
// HandleSignedVote to hand back as a BroadcastVote response.
type board struct {
	mu       sync.Mutex
	dealCh   chan kdkg.DealBundle
	respCh   chan kdkg.ResponseBundle
	justCh   chan kdkg.JustificationBundle
	outgoing []SignedVote
	session  SessionID
}

func newBoard(session SessionID) *board {
	return &board{
		dealCh:  make(chan kdkg.DealBundle, 64),
		respCh:  make(chan kdkg.ResponseBundle, 64),
		justCh:  make(chan kdkg.JustificationBundle, 64),
		session: session,
	}
}

func (b *board) PushDeals(bundle *kdkg.DealBundle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outgoing = append(b.outgoing, SignedVote{Session: b.session, Kind: VoteDeal, Deal: bundle})
}

func (b *board) PushResponses(bundle *kdkg.ResponseBundle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outgoing = append(b.outgoing, SignedVote{Session: b.session, Kind: VoteResponseKind, Resp: bundle})
}

func (b *board) PushJustifications(bundle *kdkg.JustificationBundle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outgoing = append(b.outgoing, SignedVote{Session: b.session, Kind: VoteJustification, Just: bundle})
}

func (b *board) IncomingDeal() <-chan kdkg.DealBundle                 { return b.dealCh }
func (b *board) IncomingResponse() <-chan kdkg.ResponseBundle         { return b.respCh }
func (b *board) IncomingJustification() <-chan kdkg.JustificationBundle { return b.justCh }

func (b *board) popOutgoing() *SignedVote {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outgoing) == 0 {
		return nil
	}
	v := b.outgoing[0]
	b.outgoing = b.outgoing[1:]
	return &v
}

// Engine drives one session's vote phase to completion, wrapping
// kyber/share/dkg's three-round protocol behind spec.md's signed-vote
// interface instead of a network broadcaster.
type Engine struct {
	scheme   *crypto.Scheme
	session  SessionID
	board    *board
	protocol *kdkg.Protocol
	phaser   *kdkg.TimePhaser
	config   *kdkg.Config
	resultCh <-chan kdkg.OptionResult
	done     bool
}

// NewEngine starts the vote phase for session using cfg, which the caller
// builds from the completed EphemeralPhase (participants, threshold,
// longterm key) per spec.md §4.4's "initialise a deterministic DKG state
// with (index, secret, {index→pub}, threshold)".
func NewEngine(scheme *crypto.Scheme, session SessionID, cfg *kdkg.Config, phaseDuration time.Duration) (*Engine, error) {
	b := newBoard(session)
	phaser := kdkg.NewTimePhaser(phaseDuration)
	protocol, err := kdkg.NewProtocol(cfg, b, phaser, false)
	if err != nil {
		return nil, fmt.Errorf("dkg: start protocol: %w", err)
	}
	go phaser.Start()

	return &Engine{
		scheme:   scheme,
		session:  session,
		board:    b,
		protocol: protocol,
		phaser:   phaser,
		config:   cfg,
		resultCh: protocol.WaitEnd(),
	}, nil
}

// HandleSignedVote feeds an externally-received vote into the protocol
// (after the caller has verified its sender signature) and reports what
// this node should do next.
func (e *Engine) HandleSignedVote(v SignedVote) (VoteResponse, error) {
	if e.done {
		return VoteResponse{}, fmt.Errorf("dkg: session %s already concluded", e.session)
	}
	switch v.Kind {
	case VoteDeal:
		if v.Deal == nil {
			return VoteResponse{}, fmt.Errorf("dkg: nil deal bundle")
		}
		e.board.dealCh <- *v.Deal
	case VoteResponseKind:
		if v.Resp == nil {
			return VoteResponse{}, fmt.Errorf("dkg: nil response bundle")
		}
		e.board.respCh <- *v.Resp
	case VoteJustification:
		if v.Just == nil {
			return VoteResponse{}, fmt.Errorf("dkg: nil justification bundle")
		}
		e.board.justCh <- *v.Just
	}
	return e.poll()
}

// Poll checks for progress without feeding in a new vote: used by the
// owner's idle timer to notice the protocol has produced its own next
// bundle to broadcast, or has finished.
func (e *Engine) Poll() (VoteResponse, error) {
	return e.poll()
}

func (e *Engine) poll() (VoteResponse, error) {
	if out := e.board.popOutgoing(); out != nil {
		return VoteResponse{Kind: BroadcastVote, Vote: out}, nil
	}
	select {
	case result := <-e.resultCh:
		e.done = true
		if result.Error != nil {
			return VoteResponse{}, fmt.Errorf("dkg: session %s failed: %w", e.session, result.Error)
		}
		pks := crypto.NewPublicKeySetFromCoefficients(e.scheme, result.Result.Key.Commits)
		ks := &key.Share{
			Index:     result.Result.Key.Share.I,
			Priv:      result.Result.Key.Share.V,
			PublicSet: pks,
		}
		return VoteResponse{
			Kind:         Outcome,
			KeyShare:     ks,
			PublicKeySet: pks,
		}, nil
	default:
		return VoteResponse{Kind: WaitingForMore}, nil
	}
}

// Stop releases the phaser goroutine backing this session.
func (e *Engine) Stop() {
	e.phaser.Stop()
}
