package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/drand/kyber/util/random"
	"github.com/hashicorp/go-multierror"

	"github.com/tidalmesh/elderd/ae"
	"github.com/tidalmesh/elderd/aggregate"
	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/dispatch"
	"github.com/tidalmesh/elderd/dkg"
	"github.com/tidalmesh/elderd/event"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/membership"
	"github.com/tidalmesh/elderd/roster"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/wire"
	"github.com/tidalmesh/elderd/xorname"
)

// InboundMessage is the HandleMessage command payload: a frame received
// from the transport, not yet decoded.
type InboundMessage struct {
	Raw  []byte
	From *key.Identity
}

// NewEldersAgreementPayload carries a section-signature-aggregated
// NewElders proposal, ready for Authority.UpdateElders. Proposed.Sig is
// the new Elder set's self-signature over its own key (checked by
// UpdateElders); ParentSig is the outgoing epoch's signature, under its
// own BLS key, over the new key's bytes (the chain edge signature
// chain.Insert verifies, distinct from the self-signature).
type NewEldersAgreementPayload struct {
	Proposed  sap.SectionAuth
	ParentSig key.KeyedSig
	Split     bool
}

// outboundSend is the SendMsg command payload: an already-built WireMsg
// and the recipients it should go out to. Building the message (encoding,
// signing, choosing AuthKind/PayloadKind) is left to the handler that
// decided to send something; handleSendMsg only owns the transport call.
type outboundSend struct {
	To  []*key.Identity
	Msg wire.WireMsg
}

// pendingProposal tracks one in-flight NewElders transition by the raw
// bytes of its proposed section key: the outgoing Elders' chain-edge
// signature and the incoming Elders' self-signature are aggregated
// independently (different key sets, see handleNewElderShare) and
// combined here once both are ready.
type pendingProposal struct {
	sapBody    []byte
	split      bool
	selfSig    key.KeyedSig
	parentSig  key.KeyedSig
	haveSelf   bool
	haveParent bool
}

// registerHandlers wires every dispatch.CommandKind spec.md §4.8 names to
// this node's components, the glue layer between C9's generic work-list
// and C2-C8's concrete state. Handlers never block on I/O: SendMsg
// delegates to n.comm (StartConnectivityTest is a no-op), which the embedder is
// responsible for making non-blocking or handing off to its own
// goroutine (this module never spawns one on the caller's behalf).
func (n *Node) registerHandlers() {
	n.dispatcher.Register(dispatch.HandleMessage, n.handleMessage)
	n.dispatcher.Register(dispatch.ValidateMsg, n.handleValidateMsg)
	n.dispatcher.Register(dispatch.SendMsg, n.handleSendMsg)
	n.dispatcher.Register(dispatch.HandleAgreement, n.handleAgreement)
	n.dispatcher.Register(dispatch.HandleMembershipDecision, n.handleMembershipDecision)
	n.dispatcher.Register(dispatch.HandleNewEldersAgreement, n.handleNewEldersAgreement)
	n.dispatcher.Register(dispatch.HandleDkgOutcome, n.handleDkgOutcome)
	n.dispatcher.Register(dispatch.HandleFailedSend, n.handleFailedSend)
	n.dispatcher.Register(dispatch.ProposeVoteNodesOffline, n.handleProposeVoteOffline)
	n.dispatcher.Register(dispatch.StartConnectivityTest, n.handleStartConnectivityTest)
	n.dispatcher.Register(dispatch.SetStorageLevel, n.noopHandler)
	n.dispatcher.Register(dispatch.TrackNodeIssue, n.noopHandler)
	n.dispatcher.Register(dispatch.EnqueueDataForReplication, n.noopHandler)
}

// HandleInbound is the entry point the embedder's transport calls on
// every received frame; it drives one Dispatch cascade to completion.
func (n *Node) HandleInbound(raw []byte, from *key.Identity) error {
	n.metrics.CommandsDispatched.WithLabelValues(dispatch.HandleMessage.String()).Inc()
	return n.dispatcher.Dispatch(dispatch.Command{
		Kind:    dispatch.HandleMessage,
		Payload: InboundMessage{Raw: raw, From: from},
	})
}

func (n *Node) handleMessage(cmd dispatch.Command) ([]dispatch.Command, error) {
	in, ok := cmd.Payload.(InboundMessage)
	if !ok {
		return nil, fmt.Errorf("node: handleMessage: unexpected payload %T", cmd.Payload)
	}
	msg, pkBytes, err := wire.Decode(in.Raw)
	if err != nil {
		return nil, fmt.Errorf("node: decode wire msg: %w", err)
	}
	sectionKey, err := sectionKeyFromBytes(n, pkBytes)
	if err != nil {
		return nil, err
	}
	msg.Dst.SectionPK = sectionKey
	frame := ae.Frame{SrcSectionKey: sectionKey, DstName: msg.Dst.Name, Body: msg.Payload}
	return []dispatch.Command{{Kind: dispatch.ValidateMsg, Payload: validateMsgPayload{frame: frame, msg: msg, from: in.From}}}, nil
}

type validateMsgPayload struct {
	frame ae.Frame
	msg   wire.WireMsg
	from  *key.Identity
}

func (n *Node) handleValidateMsg(cmd dispatch.Command) ([]dispatch.Command, error) {
	p, ok := cmd.Payload.(validateMsgPayload)
	if !ok {
		return nil, fmt.Errorf("node: handleValidateMsg: unexpected payload %T", cmd.Payload)
	}
	switch n.ae.Validate(p.frame) {
	case ae.Retry:
		reply, err := n.ae.BuildRetry(p.frame, n.SectionAuth())
		if err != nil {
			return nil, err
		}
		body, err := wire.EncodeRetryReply(reply)
		if err != nil {
			return nil, fmt.Errorf("node: encode retry reply: %w", err)
		}
		msg := wire.NewWireMsg(n.Name(), wire.Dst{Name: p.from.Name(), SectionPK: n.currentSectionKey()}, wire.AuthNode, wire.PayloadAERetry, body)
		return []dispatch.Command{{Kind: dispatch.SendMsg, Payload: outboundSend{To: []*key.Identity{p.from}, Msg: msg}}}, nil
	case ae.Redirect:
		reply := n.ae.BuildRedirect(p.frame, n.SectionAuth())
		body, err := wire.EncodeRedirectReply(reply)
		if err != nil {
			return nil, fmt.Errorf("node: encode redirect reply: %w", err)
		}
		msg := wire.NewWireMsg(n.Name(), wire.Dst{Name: p.from.Name(), SectionPK: n.currentSectionKey()}, wire.AuthNode, wire.PayloadAERedirect, body)
		return []dispatch.Command{{Kind: dispatch.SendMsg, Payload: outboundSend{To: []*key.Identity{p.from}, Msg: msg}}}, nil
	default:
		return n.dispatchPayload(p.msg)
	}
}

// dispatchPayload routes an AE-accepted message to the handler matching
// its PayloadKind.
func (n *Node) dispatchPayload(msg wire.WireMsg) ([]dispatch.Command, error) {
	switch msg.PayloadKind {
	case wire.PayloadSignedVote, wire.PayloadProposal, wire.PayloadNodeState, wire.PayloadSectionAuth,
		wire.PayloadDkgStart, wire.PayloadDkgMessage, wire.PayloadDkgNotReady, wire.PayloadDkgRetry,
		wire.PayloadDkgFailureObservation, wire.PayloadDkgFailureAgreement,
		wire.PayloadDkgSessionUnknown, wire.PayloadDkgSessionInfo:
		return []dispatch.Command{{Kind: dispatch.HandleAgreement, Payload: msg}}, nil
	case wire.PayloadJoinRequest:
		return []dispatch.Command{{Kind: dispatch.HandleMembershipDecision, Payload: msg}}, nil
	default:
		return nil, fmt.Errorf("node: no route for payload kind %d", msg.PayloadKind)
	}
}

// handleSendMsg transmits an outboundSend's WireMsg to every recipient via
// the transport, turning each failure into a HandleFailedSend follow-up
// rather than aborting the rest of the recipient list. A node built with a
// nil Comm logs the message and sends nothing.
func (n *Node) handleSendMsg(cmd dispatch.Command) ([]dispatch.Command, error) {
	out, ok := cmd.Payload.(outboundSend)
	if !ok {
		return nil, fmt.Errorf("node: handleSendMsg: unexpected payload %T", cmd.Payload)
	}
	if n.comm == nil {
		n.log.Debugw("no transport attached, outbound message not sent", "recipients", len(out.To))
		return nil, nil
	}
	body, err := out.Msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("node: encode outbound message: %w", err)
	}
	var follow []dispatch.Command
	for _, r := range out.To {
		if err := n.comm.Send(context.Background(), r, body); err != nil {
			follow = append(follow, dispatch.Command{Kind: dispatch.HandleFailedSend, Payload: &FailedSendErr{Peer: r.Name(), Err: err}})
		}
	}
	return follow, nil
}

// handleAgreement is the switchboard for every AE-accepted,
// agreement-bearing message: DKG session-setup and vote-phase messages are
// routed to the matching dkg.Engine/EphemeralPhase; a NewElders proposal's
// signature share goes to the dual-key aggregation in handleNewElderShare;
// everything else that carries a BLS signature share (e.g. a roster
// NodeState join vote) is fed into the single Aggregator keyed by the
// section's current key set. DKG catch-up/failure-path messages
// (NotReady, Retry, SessionUnknown, ...) are logged only: a straggler
// simply waits out its own local phase timeout rather than being actively
// resynced (see DESIGN.md).
func (n *Node) handleAgreement(cmd dispatch.Command) ([]dispatch.Command, error) {
	msg, ok := cmd.Payload.(wire.WireMsg)
	if !ok {
		return nil, fmt.Errorf("node: handleAgreement: unexpected payload %T", cmd.Payload)
	}

	switch msg.PayloadKind {
	case wire.PayloadDkgStart:
		return n.handleDkgStart(msg)
	case wire.PayloadDkgMessage:
		return n.handleDkgSubmission(msg)
	case wire.PayloadSignedVote:
		return n.handleDkgVote(msg)
	case wire.PayloadProposal, wire.PayloadSectionAuth:
		return n.handleNewElderShare(msg)
	case wire.PayloadDkgNotReady, wire.PayloadDkgRetry, wire.PayloadDkgFailureObservation,
		wire.PayloadDkgFailureAgreement, wire.PayloadDkgSessionUnknown, wire.PayloadDkgSessionInfo:
		n.log.Debugw("dkg catch-up/failure-path message received (not tracked)", "kind", msg.PayloadKind)
		return nil, nil
	}

	if msg.AuthKind != wire.AuthNodeBlsShare {
		n.log.Debugw("agreement message received (no share to aggregate)", "kind", msg.PayloadKind)
		return nil, nil
	}

	env, err := wire.DecodeShareEnvelope(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("node: decode share envelope: %w", err)
	}

	pks := n.PublicKeySet()
	if pks == nil {
		return nil, fmt.Errorf("node: handleAgreement: no section key set held")
	}
	recovered, err := n.aggregator.TryAggregate(n.scheme, pks, env.Body, env.Index, env.Share)
	if errors.Is(err, aggregate.ErrNotEnoughShares) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("node: aggregate share: %w", err)
	}
	n.log.Infow("section signature aggregated", "kind", msg.PayloadKind, "sig_len", len(recovered))
	return nil, nil
}

// handleDkgStart starts this node's local copy of a freshly announced DKG
// session: every candidate, the initiator included, runs the same
// beginLocalDkg path so there is no leader the rest of the set depends on.
func (n *Node) handleDkgStart(msg wire.WireMsg) ([]dispatch.Command, error) {
	ann, err := wire.DecodeDkgAnnounce(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("node: decode dkg announce: %w", err)
	}
	candidate := membership.CandidateSAP{Prefix: ann.Prefix, Elders: ann.Candidates}
	return n.beginLocalDkg(ann.Session, candidate, ann.Split)
}

// beginLocalDkg starts the epoch and ephemeral-key phase for session
// locally: StartEpoch (Idle -> CandidatesChosen), a fresh EphemeralPhase,
// and this node's own ephemeral key submitted into it and broadcast to
// every other candidate (spec.md §4.4).
func (n *Node) beginLocalDkg(session dkg.SessionID, candidate membership.CandidateSAP, split bool) ([]dispatch.Command, error) {
	n.mu.Lock()
	if _, err := n.coordinator.StartEpoch([]membership.CandidateSAP{candidate}, session); err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: start epoch: %w", err)
	}
	n.epochCandidates[session] = []membership.CandidateSAP{candidate}
	n.epochSplit[session] = split
	phase := dkg.NewEphemeralPhase(session, candidate.Elders)
	n.dkgEphemerals[session] = phase

	secret := n.scheme.KeyGroup.Scalar().Pick(random.New())
	pub := n.scheme.KeyGroup.Point().Mul(secret, nil)
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: marshal ephemeral key: %w", err)
	}
	sub := dkg.EphemeralSubmission{
		Owner:  n.Name(),
		PubKey: pubBytes,
		Sig:    n.identity.Sign(pubBytes),
	}
	n.dkgEphemeralSecrets[session] = secret

	complete, err := phase.Submit(sub)
	if err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: submit own ephemeral key: %w", err)
	}
	n.mu.Unlock()

	submissionBody, err := wire.EncodeDkgSubmission(wire.DkgSubmission{Session: session, Sub: sub})
	if err != nil {
		return nil, fmt.Errorf("node: encode dkg submission: %w", err)
	}
	var follow []dispatch.Command
	if recipients := otherElders(candidate.Elders, n.Name()); len(recipients) > 0 {
		msg := wire.NewWireMsg(n.Name(), wire.Dst{Name: candidate.Prefix.SubstitutedIn(xorname.Name{}), SectionPK: n.currentSectionKey()}, wire.AuthNode, wire.PayloadDkgMessage, submissionBody)
		follow = append(follow, dispatch.Command{Kind: dispatch.SendMsg, Payload: outboundSend{To: recipients, Msg: msg}})
	}
	if complete {
		more, err := n.startVotePhase(session, candidate)
		if err != nil {
			return nil, err
		}
		follow = append(follow, more...)
	}
	return follow, nil
}

// handleDkgSubmission records a peer's ephemeral-key submission and, once
// every candidate has submitted, starts the vote phase.
func (n *Node) handleDkgSubmission(msg wire.WireMsg) ([]dispatch.Command, error) {
	ds, err := wire.DecodeDkgSubmission(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("node: decode dkg submission: %w", err)
	}

	n.mu.Lock()
	phase, ok := n.dkgEphemerals[ds.Session]
	if !ok {
		n.mu.Unlock()
		n.log.Debugw("dkg submission for unknown session", "session", ds.Session.String())
		return nil, nil
	}
	complete, err := phase.Submit(ds.Sub)
	candidates := n.epochCandidates[ds.Session]
	n.mu.Unlock()
	if err != nil {
		var dbl *dkg.ErrDoubleKeyAttack
		if errors.As(err, &dbl) {
			n.log.Warnw("double key attack detected in dkg session", "session", ds.Session.String(), "owner", dbl.Owner.String())
			return nil, nil
		}
		return nil, fmt.Errorf("node: submit peer ephemeral key: %w", err)
	}
	if !complete || len(candidates) == 0 {
		return nil, nil
	}
	return n.startVotePhase(ds.Session, candidates[0])
}

// startVotePhase transitions CandidatesChosen -> DkgInProgress and starts
// the dkg.Engine driving the vote phase, once every candidate's ephemeral
// key is in.
func (n *Node) startVotePhase(session dkg.SessionID, candidate membership.CandidateSAP) ([]dispatch.Command, error) {
	n.mu.Lock()
	if _, err := n.coordinator.BeginDkg(); err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: begin dkg: %w", err)
	}
	phase := n.dkgEphemerals[session]
	secret := n.dkgEphemeralSecrets[session]
	scheme := n.scheme
	n.mu.Unlock()

	points, err := phase.Points(scheme)
	if err != nil {
		return nil, fmt.Errorf("node: derive dkg participant points: %w", err)
	}
	threshold := sap.Supermajority(len(candidate.Elders)) - 1
	cfg, err := dkg.BuildConfig(scheme, secret, points, threshold)
	if err != nil {
		return nil, fmt.Errorf("node: build dkg config: %w", err)
	}
	engine, err := dkg.NewEngine(scheme, session, cfg, n.cfg.DkgPhaseTimeout())
	if err != nil {
		return nil, fmt.Errorf("node: start dkg engine: %w", err)
	}

	n.mu.Lock()
	n.dkgEngines[session] = engine
	n.mu.Unlock()

	return n.pollOneDkgEngine(session, candidate)
}

// pollOneDkgEngine polls session's engine for progress and dispatches
// whatever it reports. PollDkgEngines calls this for every running
// session on the embedder's idle timer; beginLocalDkg/startVotePhase call
// it once immediately after constructing the engine so the deal broadcast
// doesn't wait for the next timer tick.
func (n *Node) pollOneDkgEngine(session dkg.SessionID, candidate membership.CandidateSAP) ([]dispatch.Command, error) {
	n.mu.RLock()
	engine, ok := n.dkgEngines[session]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node: no dkg engine for session %s", session.String())
	}
	resp, err := engine.Poll()
	if err != nil {
		return nil, fmt.Errorf("node: poll dkg engine: %w", err)
	}
	return n.handleVoteResponse(session, candidate, resp)
}

// PollDkgEngines drives every in-flight DKG session's engine forward: the
// embedder calls this on a timer (spec.md §4.4/§4.5's vote-phase rounds
// have no other clock driving them, since the Dispatcher is itself
// reactive rather than scheduled).
func (n *Node) PollDkgEngines() error {
	n.mu.RLock()
	sessions := make([]dkg.SessionID, 0, len(n.dkgEngines))
	for s := range n.dkgEngines {
		sessions = append(sessions, s)
	}
	n.mu.RUnlock()

	var errs *multierror.Error
	for _, s := range sessions {
		n.mu.RLock()
		candidates := n.epochCandidates[s]
		n.mu.RUnlock()
		if len(candidates) == 0 {
			continue
		}
		cmds, err := n.pollOneDkgEngine(s, candidates[0])
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, c := range cmds {
			if err := n.dispatcher.Dispatch(c); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

// handleVoteResponse turns a dkg.VoteResponse into follow-up commands: a
// BroadcastVote signs and wires the next bundle to every other candidate,
// an Outcome hands off to HandleDkgOutcome, and WaitingForMore/
// RequestAntiEntropy need nothing from this node yet.
func (n *Node) handleVoteResponse(session dkg.SessionID, candidate membership.CandidateSAP, resp dkg.VoteResponse) ([]dispatch.Command, error) {
	switch resp.Kind {
	case dkg.WaitingForMore, dkg.RequestAntiEntropy:
		return nil, nil
	case dkg.Outcome:
		return []dispatch.Command{{Kind: dispatch.HandleDkgOutcome, Payload: resp}}, nil
	case dkg.BroadcastVote:
		vote := *resp.Vote
		vote.Sender = *n.identity.Public
		bundleBytes, err := encodeVoteBundle(n.scheme, vote)
		if err != nil {
			return nil, err
		}
		vote.Sig = n.identity.Sign(bundleBytes)

		body, err := wire.EncodeSignedVote(n.scheme, vote)
		if err != nil {
			return nil, fmt.Errorf("node: encode signed vote: %w", err)
		}
		recipients := otherElders(candidate.Elders, n.Name())
		if len(recipients) == 0 {
			return nil, nil
		}
		msg := wire.NewWireMsg(n.Name(), wire.Dst{Name: candidate.Prefix.SubstitutedIn(xorname.Name{}), SectionPK: n.currentSectionKey()}, wire.AuthNode, wire.PayloadSignedVote, body)
		return []dispatch.Command{{Kind: dispatch.SendMsg, Payload: outboundSend{To: recipients, Msg: msg}}}, nil
	default:
		return nil, fmt.Errorf("node: unexpected vote response kind %d", resp.Kind)
	}
}

// handleDkgVote verifies an inbound SignedVote's sender signature over its
// bundle, feeds it into the session's engine, and dispatches whatever the
// engine reports next.
func (n *Node) handleDkgVote(msg wire.WireMsg) ([]dispatch.Command, error) {
	vote, err := wire.DecodeSignedVote(n.scheme, msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("node: decode signed vote: %w", err)
	}
	bundleBytes, err := encodeVoteBundle(n.scheme, vote)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(vote.Sender.PublicKey, bundleBytes, vote.Sig) {
		return nil, fmt.Errorf("node: invalid signed vote signature from %s", vote.Sender.Name())
	}

	n.mu.RLock()
	engine, ok := n.dkgEngines[vote.Session]
	candidates := n.epochCandidates[vote.Session]
	n.mu.RUnlock()
	if !ok {
		n.log.Debugw("signed vote for unknown/not-yet-started session", "session", vote.Session.String())
		return nil, nil
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("node: no candidate set recorded for session %s", vote.Session.String())
	}
	resp, err := engine.HandleSignedVote(vote)
	if err != nil {
		return nil, fmt.Errorf("node: handle signed vote: %w", err)
	}
	return n.handleVoteResponse(vote.Session, candidates[0], resp)
}

// encodeVoteBundle returns the bundle bytes a SignedVote's Sig covers: the
// kind-specific bundle only, independent of session/sender/sig framing, so
// a verifier can recompute it from the decoded vote the same way the
// sender computed it before signing.
func encodeVoteBundle(scheme *crypto.Scheme, v dkg.SignedVote) ([]byte, error) {
	switch v.Kind {
	case dkg.VoteDeal:
		if v.Deal == nil {
			return nil, fmt.Errorf("node: signed vote missing deal bundle")
		}
		return wire.EncodeDealBundle(scheme, v.Deal)
	case dkg.VoteResponseKind:
		if v.Resp == nil {
			return nil, fmt.Errorf("node: signed vote missing response bundle")
		}
		return wire.EncodeResponseBundle(v.Resp)
	case dkg.VoteJustification:
		if v.Just == nil {
			return nil, fmt.Errorf("node: signed vote missing justification bundle")
		}
		return wire.EncodeJustificationBundle(v.Just)
	default:
		return nil, fmt.Errorf("node: unknown vote kind %d", v.Kind)
	}
}

// EvaluateMembership recomputes the candidate Elder set(s) for the section
// (a split or a promote/demote re-election) and, for every candidate set
// this node belongs to, starts a local DKG session for it. The embedder
// calls this whenever the Roster changes in a way that might affect Elder
// composition (a join, a relocation, an age-up), per spec.md §4.3.
func (n *Node) EvaluateMembership() error {
	n.mu.RLock()
	r := n.roster
	current := n.authority.AuthorityProvider()
	ourName := n.Name()
	excluded := n.coordinator.Current().Excluded
	generation := n.coordinator.Current().Generation
	n.mu.RUnlock()

	candidates := membership.PromoteAndDemoteElders(r, current, ourName, excluded)
	if len(candidates) == 0 {
		return nil
	}
	split := len(candidates) == 2

	var errs *multierror.Error
	for _, c := range candidates {
		if !containsElder(c.Elders, ourName) {
			continue
		}
		session := dkg.NewSessionID(generation, c.Prefix, c.Elders)

		announceBody, err := wire.EncodeDkgAnnounce(wire.DkgAnnounce{Session: session, Prefix: c.Prefix, Candidates: c.Elders, Split: split})
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if recipients := otherElders(c.Elders, ourName); len(recipients) > 0 {
			msg := wire.NewWireMsg(ourName, wire.Dst{Name: c.Prefix.SubstitutedIn(xorname.Name{}), SectionPK: n.currentSectionKey()}, wire.AuthNode, wire.PayloadDkgStart, announceBody)
			if err := n.dispatcher.Dispatch(dispatch.Command{Kind: dispatch.SendMsg, Payload: outboundSend{To: recipients, Msg: msg}}); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		cmds, err := n.beginLocalDkg(session, c, split)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, cmd := range cmds {
			if err := n.dispatcher.Dispatch(cmd); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

func otherElders(elders []*key.Identity, self xorname.Name) []*key.Identity {
	out := make([]*key.Identity, 0, len(elders))
	for _, e := range elders {
		if e.Name() != self {
			out = append(out, e)
		}
	}
	return out
}

func containsElder(elders []*key.Identity, name xorname.Name) bool {
	for _, e := range elders {
		if e.Name() == name {
			return true
		}
	}
	return false
}

func (n *Node) handleMembershipDecision(cmd dispatch.Command) ([]dispatch.Command, error) {
	msg, ok := cmd.Payload.(wire.WireMsg)
	if !ok {
		return nil, fmt.Errorf("node: handleMembershipDecision: unexpected payload %T", cmd.Payload)
	}
	candidate, err := key.DecodeIdentity(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("node: decode join request: %w", err)
	}
	if err := candidate.ValidSignature(); err != nil {
		return nil, fmt.Errorf("node: join request: %w", err)
	}

	n.mu.RLock()
	current := n.authority.AuthorityProvider()
	n.mu.RUnlock()

	req := membership.JoinRequest{Candidate: candidate}
	state, err := membership.Decide(current, req)
	if err != nil {
		return nil, fmt.Errorf("node: decide join: %w", err)
	}
	n.log.Infow("join decided", "name", state.Peer.Name())

	// Acknowledge the candidate immediately so its join timeout doesn't
	// fire while the Online vote (routed through HandleAgreement below)
	// is still being signature-aggregated by the rest of the Elders.
	respMsg := wire.NewWireMsg(n.Name(), wire.Dst{Name: candidate.Name(), SectionPK: n.currentSectionKey()}, wire.AuthNode, wire.PayloadJoinResponse, candidate.Encode())

	return []dispatch.Command{
		{Kind: dispatch.SendMsg, Payload: outboundSend{To: []*key.Identity{candidate}, Msg: respMsg}},
		{Kind: dispatch.HandleAgreement, Payload: msg},
	}, nil
}

// handleNewElderShare aggregates one of a NewElders proposal's two
// independent signature shares: a PayloadProposal share comes from an
// outgoing Elder signing the new key with its OUTGOING (current) BLS
// share (the chain-edge signature chain.Insert checks); a
// PayloadSectionAuth share comes from a newly-elected Elder signing the
// same key bytes with its NEW share (the SAP's own self-signature
// Authority.UpdateElders checks). Both aggregations key their Aggregator
// cache entry on hash(NewKey) alone, so they must run through separate
// Aggregator instances (n.aggregator, n.newElderAgg) even though the
// payload bytes are identical; see DESIGN.md.
func (n *Node) handleNewElderShare(msg wire.WireMsg) ([]dispatch.Command, error) {
	env, err := wire.DecodeShareEnvelope(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("node: decode new-elder share envelope: %w", err)
	}
	nes, err := wire.DecodeNewElderShare(env.Body)
	if err != nil {
		return nil, fmt.Errorf("node: decode new-elder share: %w", err)
	}

	propKey := fmt.Sprintf("%x", nes.NewKey)
	n.mu.Lock()
	pp, ok := n.pendingProposals[propKey]
	if !ok {
		pp = &pendingProposal{sapBody: nes.SAPBody, split: nes.Split}
		n.pendingProposals[propKey] = pp
	}
	n.mu.Unlock()

	proposedSAP, err := wire.DecodeSAP(n.scheme, pp.sapBody)
	if err != nil {
		return nil, fmt.Errorf("node: decode proposed sap: %w", err)
	}

	switch msg.PayloadKind {
	case wire.PayloadProposal:
		oldPKS := n.PublicKeySet()
		if oldPKS == nil {
			return nil, fmt.Errorf("node: no outgoing section key set held")
		}
		recovered, err := n.aggregator.TryAggregate(n.scheme, oldPKS, nes.NewKey, env.Index, env.Share)
		if errors.Is(err, aggregate.ErrNotEnoughShares) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("node: aggregate parent share: %w", err)
		}
		n.mu.Lock()
		pp.parentSig = key.KeyedSig{PublicKey: n.chain.LastKey(), Signature: recovered}
		pp.haveParent = true
		ready := pp.haveSelf
		n.mu.Unlock()
		if ready {
			return n.completeNewEldersAgreement(propKey, proposedSAP, pp)
		}
		return nil, nil

	case wire.PayloadSectionAuth:
		recovered, err := n.newElderAgg.TryAggregate(n.scheme, proposedSAP.PublicKeySet, nes.NewKey, env.Index, env.Share)
		if errors.Is(err, aggregate.ErrNotEnoughShares) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("node: aggregate new-elder self share: %w", err)
		}
		n.mu.Lock()
		pp.selfSig = key.KeyedSig{PublicKey: proposedSAP.SectionKey(), Signature: recovered}
		pp.haveSelf = true
		ready := pp.haveParent
		n.mu.Unlock()
		if ready {
			return n.completeNewEldersAgreement(propKey, proposedSAP, pp)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("node: handleNewElderShare: unexpected payload kind %d", msg.PayloadKind)
}

func (n *Node) completeNewEldersAgreement(propKey string, proposedSAP sap.SAP, pp *pendingProposal) ([]dispatch.Command, error) {
	n.mu.Lock()
	delete(n.pendingProposals, propKey)
	n.mu.Unlock()

	return []dispatch.Command{{
		Kind: dispatch.HandleNewEldersAgreement,
		Payload: NewEldersAgreementPayload{
			Proposed:  sap.SectionAuth{Value: proposedSAP, Sig: pp.selfSig},
			ParentSig: pp.parentSig,
			Split:     pp.split,
		},
	}}, nil
}

// handleNewEldersAgreement applies a fully aggregated NewElders proposal:
// insert the new key into the chain, advance Authority, prune the Roster
// to the new prefix, close out the membership epoch, and (if this node
// produced a share of the new key) promote it to n.share, per spec.md
// §4.2/§4.7.
func (n *Node) handleNewEldersAgreement(cmd dispatch.Command) ([]dispatch.Command, error) {
	p, ok := cmd.Payload.(NewEldersAgreementPayload)
	if !ok {
		return nil, fmt.Errorf("node: handleNewEldersAgreement: unexpected payload %T", cmd.Payload)
	}

	n.mu.Lock()
	newKey := p.Proposed.Value.SectionKey()
	parentKey := n.chain.LastKey()
	if err := n.chain.Insert(parentKey, newKey, p.ParentSig); err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: insert new section key: %w", err)
	}
	if err := n.chain.SetHead(newKey); err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: advance chain head: %w", err)
	}
	accepted, err := n.authority.UpdateElders(p.Proposed, n.chain.LastKey)
	if err != nil || !accepted {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: update elders: %w", err)
	}
	n.currentAuth = p.Proposed
	n.roster.Retain(n.authority.Prefix())
	n.metrics.ChainLength.Set(float64(n.chain.Len()))
	n.metrics.ElderCount.Set(float64(len(n.authority.Elders())))
	n.mu.Unlock()

	applied, err := n.coordinator.Apply(p.Split)
	if err != nil {
		return nil, fmt.Errorf("node: apply epoch: %w", err)
	}

	n.mu.Lock()
	if share, ok := n.pendingShare[applied.Session]; ok {
		n.share = share
		delete(n.pendingShare, applied.Session)
	}
	delete(n.epochCandidates, applied.Session)
	delete(n.epochSplit, applied.Session)
	delete(n.dkgEphemerals, applied.Session)
	delete(n.dkgEphemeralSecrets, applied.Session)
	if engine, ok := n.dkgEngines[applied.Session]; ok {
		engine.Stop()
		delete(n.dkgEngines, applied.Session)
	}
	n.mu.Unlock()
	return nil, nil
}

// handleDkgOutcome converts a completed DKG Engine Outcome into a
// NewElders proposal: it stashes the new share (promoted only once
// handleNewEldersAgreement confirms the proposal was accepted, so this
// node keeps signing with its OUTGOING share in the meantime), advances
// the membership epoch from DkgOutcome to NewEldersProposed, and
// broadcasts this node's own signature share(s) toward the proposal's
// dual-key aggregation: a self share (signed with the new share, to every
// new candidate Elder) and, if this node held a share of the outgoing
// key, a parent share (signed with the outgoing share, to every outgoing
// Elder), per spec.md §4.2/§4.7.
func (n *Node) handleDkgOutcome(cmd dispatch.Command) ([]dispatch.Command, error) {
	outcome, ok := cmd.Payload.(dkg.VoteResponse)
	if !ok || outcome.Kind != dkg.Outcome {
		return nil, fmt.Errorf("node: handleDkgOutcome: unexpected payload %T", cmd.Payload)
	}

	n.mu.RLock()
	epoch := n.coordinator.Current()
	candidates := n.epochCandidates[epoch.Session]
	split := n.epochSplit[epoch.Session]
	n.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("node: no candidate set recorded for session %s", epoch.Session.String())
	}
	candidate := candidates[0]
	proposed, err := sap.New(candidate.Prefix, outcome.PublicKeySet, candidate.Elders)
	if err != nil {
		return nil, fmt.Errorf("node: build proposed SAP: %w", err)
	}

	n.mu.Lock()
	n.pendingShare[epoch.Session] = outcome.KeyShare
	oldShare := n.share
	oldElders := n.authority.Elders()
	n.mu.Unlock()

	if _, err := n.coordinator.CompleteDkg(proposed); err != nil {
		return nil, fmt.Errorf("node: complete dkg epoch: %w", err)
	}
	n.metrics.DkgSessions.WithLabelValues("outcome").Inc()
	if _, err := n.coordinator.ProposeNewElders(); err != nil {
		return nil, fmt.Errorf("node: propose new elders: %w", err)
	}

	sapBody, err := wire.EncodeSAP(*proposed)
	if err != nil {
		return nil, fmt.Errorf("node: encode proposed sap: %w", err)
	}
	newKey := proposed.SectionKey()
	newKeyBytes, err := newKey.Bytes()
	if err != nil {
		return nil, fmt.Errorf("node: encode proposed section key: %w", err)
	}

	var follow []dispatch.Command

	selfSig, err := outcome.KeyShare.Sign(n.scheme, newKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("node: sign new key with new share: %w", err)
	}
	selfBody := wire.EncodeNewElderShare(wire.NewElderShare{
		Index: outcome.KeyShare.Index, Share: selfSig, NewKey: newKeyBytes, SAPBody: sapBody, Split: split,
	})
	selfEnvelope := wire.ShareEnvelope{Index: outcome.KeyShare.Index, Share: selfSig, Body: selfBody}.Encode()
	if recipients := otherElders(candidate.Elders, n.Name()); len(recipients) > 0 {
		selfMsg := wire.NewWireMsg(n.Name(), wire.Dst{Name: candidate.Prefix.SubstitutedIn(xorname.Name{}), SectionPK: n.currentSectionKey()}, wire.AuthNodeBlsShare, wire.PayloadSectionAuth, selfEnvelope)
		follow = append(follow, dispatch.Command{Kind: dispatch.SendMsg, Payload: outboundSend{To: recipients, Msg: selfMsg}})
	}
	more, err := n.handleNewElderShare(wire.WireMsg{Src: n.Name(), PayloadKind: wire.PayloadSectionAuth, AuthKind: wire.AuthNodeBlsShare, Payload: selfEnvelope})
	if err != nil {
		return nil, err
	}
	follow = append(follow, more...)

	if oldShare != nil {
		parentSig, err := oldShare.Sign(n.scheme, newKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("node: sign new key with outgoing share: %w", err)
		}
		parentBody := wire.EncodeNewElderShare(wire.NewElderShare{
			Index: oldShare.Index, Share: parentSig, NewKey: newKeyBytes, SAPBody: sapBody, Split: split,
		})
		parentEnvelope := wire.ShareEnvelope{Index: oldShare.Index, Share: parentSig, Body: parentBody}.Encode()
		if recipients := otherElders(oldElders, n.Name()); len(recipients) > 0 {
			parentMsg := wire.NewWireMsg(n.Name(), wire.Dst{Name: candidate.Prefix.SubstitutedIn(xorname.Name{}), SectionPK: n.currentSectionKey()}, wire.AuthNodeBlsShare, wire.PayloadProposal, parentEnvelope)
			follow = append(follow, dispatch.Command{Kind: dispatch.SendMsg, Payload: outboundSend{To: recipients, Msg: parentMsg}})
		}
		more, err := n.handleNewElderShare(wire.WireMsg{Src: n.Name(), PayloadKind: wire.PayloadProposal, AuthKind: wire.AuthNodeBlsShare, Payload: parentEnvelope})
		if err != nil {
			return nil, err
		}
		follow = append(follow, more...)
	}

	return follow, nil
}

func (n *Node) handleFailedSend(cmd dispatch.Command) ([]dispatch.Command, error) {
	fse, ok := cmd.Payload.(*FailedSendErr)
	if !ok {
		return nil, fmt.Errorf("node: handleFailedSend: unexpected payload %T", cmd.Payload)
	}
	n.log.Warnw("send failed", "peer", fse.Peer.String(), "err", fse.Err)
	return []dispatch.Command{{Kind: dispatch.TrackNodeIssue, Payload: fse.Peer}}, nil
}

func (n *Node) handleProposeVoteOffline(cmd dispatch.Command) ([]dispatch.Command, error) {
	state, ok := cmd.Payload.(roster.NodeState)
	if !ok {
		return nil, fmt.Errorf("node: handleProposeVoteOffline: unexpected payload %T", cmd.Payload)
	}
	offline := membership.DecideOffline(state)
	n.log.Infow("member voted offline", "name", offline.Peer.Name())
	n.events.Publish(event.Event{Kind: event.MemberLeft, Payload: offline})
	return nil, nil
}

func (n *Node) handleStartConnectivityTest(cmd dispatch.Command) ([]dispatch.Command, error) {
	return nil, nil
}

// noopHandler backs the storage/replication/node-issue-tracking commands
// spec.md's Command enum names but whose implementation lives in the
// persistent object storage layer, out of scope here (spec.md §1).
func (n *Node) noopHandler(cmd dispatch.Command) ([]dispatch.Command, error) {
	n.log.Debugw("no-op command (out of scope layer)", "kind", cmd.Kind.String())
	return nil, nil
}

func sectionKeyFromBytes(n *Node, raw []byte) (key.SectionKey, error) {
	if len(raw) == 0 {
		return key.SectionKey{}, nil
	}
	p := n.scheme.KeyGroup.Point()
	if err := p.UnmarshalBinary(raw); err != nil {
		return key.SectionKey{}, fmt.Errorf("node: unmarshal section key: %w", err)
	}
	return key.SectionKey{Point: p}, nil
}
