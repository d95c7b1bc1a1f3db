// Package registry implements the coordinator's in-memory worker directory,
// group formation and port allocation, exactly as spec'd in §4.2 — the
// registry is the coordinator's sole source of truth for milestone checks.
package registry

import (
	"fmt"
	"sync"

	"benchflow/src/transport"
	"benchflow/src/wire"

	"github.com/samber/lo"
)

// Record tracks one worker's registration and current control-loop state.
type Record struct {
	Identity   transport.Identity
	WorkerID   string
	Role       wire.Role
	State      wire.State
	TestNumber int
	GroupID    int // -1 until grouped
	order      int // insertion sequence, used for oldest-first picks
}

// Group is immutable once formed: one sender, one or more receivers, and
// the ports allocated to them.
type Group struct {
	ID            int
	SenderIdentity   transport.Identity
	ReceiverIdentities []transport.Identity
	SenderDataPort   int
	ReceiverDataPorts []int
}

// Registry is not safe for concurrent external use beyond the coordinator's
// single control-loop goroutine — matching the single-threaded cooperative
// event loop the rest of this module assumes.
type Registry struct {
	mu sync.Mutex // never locked; the registry, presenceHook included, is loop-confined

	records map[transport.Identity]*Record
	order   int

	groups       []Group
	nextGroupID  int
	senderBind   bool
	portOffset   int
	dataPortBase int

	// PresenceHook, if set, is invoked after every successful Update with
	// the worker's identity — wired to the Redis-backed liveness mirror.
	// It never influences control-loop decisions.
	PresenceHook func(identity transport.Identity, workerID string)
}

func New(dataPortBase int, senderBind bool) *Registry {
	return &Registry{
		records:      make(map[transport.Identity]*Record),
		dataPortBase: dataPortBase,
		senderBind:   senderBind,
	}
}

var ErrUnknownIdentity = fmt.Errorf("registry: unknown identity")
var ErrAlreadyRegistered = fmt.Errorf("registry: identity already registered")

// Register inserts a new worker record. Idempotent on identity: a repeat
// registration for the same identity is a no-op rather than an error, since
// a worker may retransmit if its reply was lost.
func (r *Registry) Register(identity transport.Identity, workerID string, role wire.Role) *Record {
	if existing, ok := r.records[identity]; ok {
		return existing
	}
	rec := &Record{
		Identity: identity,
		WorkerID: workerID,
		Role:     role,
		State:    wire.StateConnectingToCoordinator,
		GroupID:  -1,
		order:    r.order,
	}
	r.order++
	r.records[identity] = rec
	return rec
}

// Update mutates a known worker's state/test number, returning an error for
// an unknown identity per spec §4.2.
func (r *Registry) Update(identity transport.Identity, state wire.State, testNumber int) error {
	rec, ok := r.records[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	rec.State = state
	rec.TestNumber = testNumber

	if r.PresenceHook != nil {
		r.PresenceHook(identity, rec.WorkerID)
	}
	return nil
}

// TryFormGroup attempts to pair one unpaired sender with the
// receiversPerSender oldest unpaired receivers. Returns ok=false if not
// enough peers are available yet — the assembly phase's locally-recovered
// "no group yet" condition.
func (r *Registry) TryFormGroup(receiversPerSender int) (Group, bool) {
	unpaired := lo.Filter(lo.Values(r.records), func(rec *Record, _ int) bool {
		return rec.GroupID == -1
	})
	unpairedSenders := lo.Filter(unpaired, func(rec *Record, _ int) bool {
		return rec.Role == wire.RoleSender
	})
	unpairedReceivers := lo.Filter(unpaired, func(rec *Record, _ int) bool {
		return rec.Role == wire.RoleReceiver
	})
	if len(unpairedSenders) < 1 || len(unpairedReceivers) < receiversPerSender {
		return Group{}, false
	}

	byOrder := func(a, b *Record) bool { return a.order < b.order }
	sender := oldest(unpairedSenders, byOrder)
	receivers := oldestN(unpairedReceivers, receiversPerSender, byOrder)

	senderPort, receiverPorts := r.allocatePorts(len(receivers))

	g := Group{
		ID:                r.nextGroupID,
		SenderIdentity:    sender.Identity,
		ReceiverIdentities: lo.Map(receivers, func(rec *Record, _ int) transport.Identity { return rec.Identity }),
		SenderDataPort:    senderPort,
		ReceiverDataPorts: receiverPorts,
	}
	r.nextGroupID++

	sender.GroupID = g.ID
	for _, rec := range receivers {
		rec.GroupID = g.ID
	}

	r.groups = append(r.groups, g)
	return g, true
}

// allocatePorts implements the monotone-offset algorithm from spec §4.2.
func (r *Registry) allocatePorts(k int) (senderPort int, receiverPorts []int) {
	offset := r.portOffset
	if r.senderBind {
		senderPort = r.dataPortBase + offset
		receiverPorts = make([]int, k)
		for i := range receiverPorts {
			receiverPorts[i] = senderPort
		}
		r.portOffset++
		return senderPort, receiverPorts
	}

	receiverPorts = make([]int, k)
	for i := 0; i < k; i++ {
		receiverPorts[i] = r.dataPortBase + offset + i
	}
	senderPort = 0 // unused under receiver-bind: sender connects out
	r.portOffset += k
	return senderPort, receiverPorts
}

func oldest(records []*Record, less func(a, b *Record) bool) *Record {
	best := records[0]
	for _, rec := range records[1:] {
		if less(rec, best) {
			best = rec
		}
	}
	return best
}

func oldestN(records []*Record, n int, less func(a, b *Record) bool) []*Record {
	sorted := append([]*Record(nil), records...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && less(sorted[j], sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[:n]
}

// AllPeers reports whether the registry is non-empty and every record is at
// exactly (state, testNumber) — the milestone-wait predicate driving both
// assembly and the per-test phase-B waits.
func (r *Registry) AllPeers(state wire.State, testNumber int) bool {
	if len(r.records) == 0 {
		return false
	}
	for _, rec := range r.records {
		if rec.State != state || rec.TestNumber != testNumber {
			return false
		}
	}
	return true
}

func (r *Registry) NumGroups() int  { return len(r.groups) }
func (r *Registry) NumWorkers() int { return len(r.records) }

// Get returns the record for identity, if registered.
func (r *Registry) Get(identity transport.Identity) (*Record, bool) {
	rec, ok := r.records[identity]
	return rec, ok
}

// GroupFor returns the group a worker belongs to, if any.
func (r *Registry) GroupFor(identity transport.Identity) (Group, bool) {
	rec, ok := r.records[identity]
	if !ok || rec.GroupID == -1 {
		return Group{}, false
	}
	for _, g := range r.groups {
		if g.ID == rec.GroupID {
			return g, true
		}
	}
	return Group{}, false
}
