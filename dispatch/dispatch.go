// Package dispatch implements the command dispatcher: the single-writer
// work-list that serialises every state transition against one node's
// mutable core, grounded on the teacher's internal/dkg dispatcher
// (broadcast.go) and its FanOutChan (internal/util/fan_out_chan.go),
// reworked from a network-broadcast helper into a general command queue.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/tidalmesh/elderd/log"
)

// CommandKind enumerates the Command variants spec.md §4.8 names.
type CommandKind int

const (
	HandleMessage CommandKind = iota
	ValidateMsg
	SendMsg
	HandleAgreement
	HandleMembershipDecision
	HandleNewEldersAgreement
	HandleDkgOutcome
	HandleFailedSend
	ProposeVoteNodesOffline
	StartConnectivityTest
	SetStorageLevel
	TrackNodeIssue
	EnqueueDataForReplication
)

func (k CommandKind) String() string {
	names := [...]string{
		"HandleMessage", "ValidateMsg", "SendMsg", "HandleAgreement",
		"HandleMembershipDecision", "HandleNewEldersAgreement", "HandleDkgOutcome",
		"HandleFailedSend", "ProposeVoteNodesOffline", "StartConnectivityTest",
		"SetStorageLevel", "TrackNodeIssue", "EnqueueDataForReplication",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return "Unknown"
	}
	return names[k]
}

// Command is one unit of work: a kind tag plus an opaque payload the
// matching Handler knows how to interpret. Keeping Payload as `any` avoids
// a closed, per-module command struct the way the teacher's dispatcher
// keeps its broadcastPacket payload opaque to the transport layer.
type Command struct {
	Kind    CommandKind
	Payload any
}

// Handler processes one Command and returns zero or more follow-up
// Commands to enqueue, or an error. Handlers never hold the Dispatcher's
// write lock across a suspension point (network I/O, disk I/O); the
// caller registering a Handler is responsible for that discipline, same
// as spec.md §5 requires of the node core.
type Handler func(Command) ([]Command, error)

// Dispatcher is the single-writer command queue for one node. An inbound
// event becomes an initial Command; Dispatch drains the work-list it (and
// everything it produces, transitively) generates before returning,
// serialising the whole cascade against writeMu.
type Dispatcher struct {
	writeMu  sync.Mutex
	handlers map[CommandKind]Handler
	log      log.Logger
}

// New returns an empty Dispatcher. Register a Handler per CommandKind
// before calling Dispatch.
func New(l log.Logger) *Dispatcher {
	if l == nil {
		l = log.DefaultLogger()
	}
	return &Dispatcher{handlers: map[CommandKind]Handler{}, log: l}
}

// Register installs the Handler for kind, overwriting any prior
// registration. Not safe to call concurrently with Dispatch.
func (d *Dispatcher) Register(kind CommandKind, h Handler) {
	d.handlers[kind] = h
}

// Dispatch enqueues the work-list starting at initial and drains it to
// completion under the single write lock, matching spec.md §4.8: "the
// Dispatcher iterates a work-list until empty for one originating event."
// Errors from individual handlers are collected (not fatal to the rest of
// the work-list) and returned combined via hashicorp/go-multierror, the
// same composition the teacher uses for DKG failure aggregation.
func (d *Dispatcher) Dispatch(initial Command) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var errs *multierror.Error
	queue := []Command{initial}
	for len(queue) > 0 {
		cmd := queue[0]
		queue = queue[1:]

		h, ok := d.handlers[cmd.Kind]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("dispatch: no handler registered for %s", cmd.Kind))
			continue
		}
		follow, err := h(cmd)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("dispatch: %s: %w", cmd.Kind, err))
			continue
		}
		queue = append(queue, follow...)
	}
	return errs.ErrorOrNil()
}
