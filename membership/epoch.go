package membership

import (
	"fmt"
	"sync"

	"github.com/tidalmesh/elderd/dkg"
	"github.com/tidalmesh/elderd/event"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

// EpochState is one step of the membership-coordinator state machine
// spec.md §4.7 defines: Idle -> CandidatesChosen -> DkgInProgress ->
// DkgOutcome -> NewEldersProposed -> Applied -> Idle, with a DkgFailed ->
// Idle branch.
type EpochState int

const (
	Idle EpochState = iota
	CandidatesChosen
	DkgInProgress
	DkgOutcome
	NewEldersProposed
	Applied
	DkgFailed
)

func (s EpochState) String() string {
	names := [...]string{
		"Idle", "CandidatesChosen", "DkgInProgress",
		"DkgOutcome", "NewEldersProposed", "Applied", "DkgFailed",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "Unknown"
	}
	return names[s]
}

// Epoch tracks one membership-coordinator cycle: the candidate Elder
// set(s) chosen, the DKG session driving them, and the state reached so
// far. A node runs at most one Epoch per prefix at a time.
type Epoch struct {
	Generation uint64
	State      EpochState
	Candidates []CandidateSAP
	Session    dkg.SessionID
	Excluded   map[xorname.Name]struct{}
	Outcome    *sap.SAP
}

// ErrWrongState is returned when an epoch transition is attempted out of
// order (e.g. completing a DKG before one was started).
type ErrWrongState struct {
	Want, Got EpochState
}

func (e *ErrWrongState) Error() string {
	return fmt.Sprintf("membership: epoch in state %s, need %s", e.Got, e.Want)
}

// Coordinator drives the epoch state machine for one node, emitting
// EldersChanged/SectionSplit events as transitions complete.
type Coordinator struct {
	mu     sync.Mutex
	epoch  *Epoch
	events *event.Stream
}

// NewCoordinator returns a Coordinator starting at generation 0, Idle.
func NewCoordinator(events *event.Stream) *Coordinator {
	return &Coordinator{
		epoch:  &Epoch{State: Idle, Excluded: map[xorname.Name]struct{}{}},
		events: events,
	}
}

// Current returns a copy of the coordinator's epoch snapshot.
func (c *Coordinator) Current() Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.epoch
}

// StartEpoch transitions Idle -> CandidatesChosen with the given candidate
// set(s) (one for a simple re-election, two sibling candidates for a
// split), carrying forward any elders excluded by a prior failed attempt.
func (c *Coordinator) StartEpoch(candidates []CandidateSAP, session dkg.SessionID) (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.State != Idle {
		return Epoch{}, &ErrWrongState{Want: Idle, Got: c.epoch.State}
	}
	c.epoch.State = CandidatesChosen
	c.epoch.Candidates = candidates
	c.epoch.Session = session
	return *c.epoch, nil
}

// BeginDkg transitions CandidatesChosen -> DkgInProgress: the ephemeral and
// vote phases (C5) are now running against c.epoch.Session.
func (c *Coordinator) BeginDkg() (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.State != CandidatesChosen {
		return Epoch{}, &ErrWrongState{Want: CandidatesChosen, Got: c.epoch.State}
	}
	c.epoch.State = DkgInProgress
	return *c.epoch, nil
}

// CompleteDkg transitions DkgInProgress -> DkgOutcome once the Engine
// reports Outcome, recording the resulting SAP (still unsigned by the
// chain at this point; the caller proposes it via NewElders next).
func (c *Coordinator) CompleteDkg(outcome *sap.SAP) (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.State != DkgInProgress {
		return Epoch{}, &ErrWrongState{Want: DkgInProgress, Got: c.epoch.State}
	}
	c.epoch.State = DkgOutcome
	c.epoch.Outcome = outcome
	return *c.epoch, nil
}

// ProposeNewElders transitions DkgOutcome -> NewEldersProposed: the node
// has broadcast a NewElders proposal carrying c.epoch.Outcome and is
// waiting for it to be section-signature-aggregated.
func (c *Coordinator) ProposeNewElders() (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.State != DkgOutcome {
		return Epoch{}, &ErrWrongState{Want: DkgOutcome, Got: c.epoch.State}
	}
	c.epoch.State = NewEldersProposed
	return *c.epoch, nil
}

// Apply transitions NewEldersProposed -> Applied -> Idle: the aggregated
// NewElders proposal was accepted by sap.Authority.UpdateElders (§4.2),
// and the coordinator emits the corresponding event (EldersChanged for a
// re-election, SectionSplit for a split) before resetting to Idle at the
// next generation.
func (c *Coordinator) Apply(split bool) (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.State != NewEldersProposed {
		return Epoch{}, &ErrWrongState{Want: NewEldersProposed, Got: c.epoch.State}
	}
	c.epoch.State = Applied
	applied := *c.epoch

	if c.events != nil {
		kind := event.EldersChanged
		if split {
			kind = event.SectionSplit
		}
		c.events.Publish(event.Event{Kind: kind, Payload: applied.Outcome})
	}

	c.epoch = &Epoch{
		Generation: c.epoch.Generation + 1,
		State:      Idle,
		Excluded:   map[xorname.Name]struct{}{},
	}
	return applied, nil
}

// Fail transitions the current epoch to DkgFailed and back to Idle,
// recording failedParticipants as excluded from the next attempt so a
// consistently unresponsive candidate doesn't repeatedly block progress.
func (c *Coordinator) Fail(failedParticipants []xorname.Name) Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch.State = DkgFailed
	failed := *c.epoch

	excluded := map[xorname.Name]struct{}{}
	for n := range c.epoch.Excluded {
		excluded[n] = struct{}{}
	}
	for _, n := range failedParticipants {
		excluded[n] = struct{}{}
	}
	c.epoch = &Epoch{
		Generation: c.epoch.Generation,
		State:      Idle,
		Excluded:   excluded,
	}
	return failed
}
