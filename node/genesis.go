package node

import (
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"

	"github.com/tidalmesh/elderd/ae"
	"github.com/tidalmesh/elderd/chain"
	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/event"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/roster"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

// bootstrapGenesis starts a brand-new section with this node as its sole
// Elder: a degree-zero (threshold-1) BLS key set this node holds the only
// share of, a one-key section chain rooted at it, and a SAP covering the
// whole name space (spec.md scenario S1: "chain length 1, SAP with one
// Elder at GenesisAge, EldersChanged{Promoted} event, genesis_key ==
// chain.root_key() == chain.last_key()"). A genuine multi-party DKG needs
// at least two participants to exchange ephemeral keys against (dkg.EphemeralPhase);
// a section of one skips that protocol entirely, the same way the teacher's
// own single-node "insecure" beacon setup (core/constants.go's InsecureSecret)
// short-circuits the distributed part of key generation, except here the
// resulting key set is a real (degenerate, n=1) threshold key rather than a
// placeholder.
func (n *Node) bootstrapGenesis() error {
	secret := n.scheme.KeyGroup.Scalar().Pick(random.New())
	pub := n.scheme.KeyGroup.Point().Mul(secret, nil)
	pks := crypto.NewPublicKeySetFromCoefficients(n.scheme, []kyber.Point{pub})

	n.identity.Public.Age = key.GenesisAge

	genesisSAP, err := sap.New(xorname.RootPrefix(), pks, []*key.Identity{n.identity.Public})
	if err != nil {
		return fmt.Errorf("node: build genesis SAP: %w", err)
	}

	rootKey := genesisSAP.SectionKey()
	c, err := chain.New(n.scheme, rootKey)
	if err != nil {
		return fmt.Errorf("node: create genesis chain: %w", err)
	}

	n.chain = c
	n.genesisKey = rootKey
	n.authority = sap.NewAuthority(n.scheme, genesisSAP)
	n.ae = ae.New(n.chain, n.authority)
	n.share = &key.Share{Index: 0, Priv: secret, PublicSet: pks}

	rootKeyBytes, err := rootKey.Bytes()
	if err != nil {
		return fmt.Errorf("node: encode genesis key: %w", err)
	}
	selfSig, err := n.share.Sign(n.scheme, rootKeyBytes)
	if err != nil {
		return fmt.Errorf("node: self-sign genesis SAP: %w", err)
	}
	recovered, err := pks.Recover(rootKeyBytes, [][]byte{selfSig}, 1)
	if err != nil {
		return fmt.Errorf("node: recover genesis signature: %w", err)
	}
	n.currentAuth = sap.SectionAuth{
		Value: *genesisSAP,
		Sig:   key.KeyedSig{PublicKey: rootKey, Signature: recovered},
	}

	selfState := roster.NodeState{Peer: n.identity.Public, Age: key.GenesisAge, Status: roster.Joined}
	stateMsg := selfState.Peer.Name()
	stateSig, err := n.share.Sign(n.scheme, stateMsg[:])
	if err != nil {
		return fmt.Errorf("node: self-sign genesis roster entry: %w", err)
	}
	recoveredState, err := pks.Recover(stateMsg[:], [][]byte{stateSig}, 1)
	if err != nil {
		return fmt.Errorf("node: recover genesis roster signature: %w", err)
	}
	verify := func(sig key.KeyedSig, msg []byte) error { return sig.Verify(n.scheme, msg) }
	if _, err := n.roster.Update(roster.SectionAuth{
		Value: selfState,
		Sig:   key.KeyedSig{PublicKey: rootKey, Signature: recoveredState},
	}, verify, stateMsg[:]); err != nil {
		return fmt.Errorf("node: seed genesis roster: %w", err)
	}

	n.metrics.ChainLength.Set(1)
	n.metrics.RosterSize.Set(1)
	n.metrics.ElderCount.Set(1)

	n.events.Publish(event.Event{Kind: event.EldersChanged, Payload: genesisSAP})
	return nil
}
