// Package enrollment implements the protocol by which an IPC process joins a DIF, the neighbor set it learns
// while doing so, and the watchdog that keeps checking those neighbors are alive.
//
// A Task owns every enrollment of one process. Enrollments it starts (Task.Enroll) make it the enrollee; peers
// that CONNECT to it make it the enroller. Each enrollment is a Machine keyed by the peer's process name and the
// N-1 management flow it runs on.
package enrollment

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-events"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/expiring"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// FlowRequest asks for an N-1 management flow to a neighbor.
type FlowRequest struct {
	Local  ipcp.NamingInfo
	Remote ipcp.NamingInfo
	DIF    string // supporting DIF; empty lets the allocator pick
}

// ResourceAllocator provides the N-1 flows management sessions ride on.
//
// AllocateNMinus1Flow returns immediately. The outcome is reported later, from any goroutine, through
// Task.NMinus1FlowAllocated or Task.NMinus1FlowAllocationFailed with the same handle.
type ResourceAllocator interface {
	AllocateNMinus1Flow(handle int64, req FlowRequest) error
	DeallocateNMinus1Flow(port ipcp.PortID) error
}

// Request is an enrollment started through Task.Enroll.
type Request struct {
	Neighbor      ipcp.NamingInfo
	SupportingDIF string
}

// IPCManager is told how the enrollments it requested ended.
type IPCManager interface {
	// EnrollToDIFResponse reports the outcome of req. On success neighbors holds the new neighbor.
	EnrollToDIFResponse(req Request, neighbors []Neighbor, err error)
}

// Task runs the enrollments of one IPC process and answers the connect/release family of CDAP messages.
// It is also the process's router: it knows its address and which neighbors are directly reachable.
type Task struct {
	log     *zerolog.Logger
	d       *rib.Daemon
	name    ipcp.NamingInfo
	ra      ResourceAllocator
	manager IPCManager
	events  *events.Broadcaster

	timeout        time.Duration
	watchdogPeriod time.Duration
	deadInterval   time.Duration
	prefixes       []AddressPrefix
	known          []KnownAddress
	maxPerPrefix   uint64
	startEarly     bool
	authenticate   Authenticator
	credentials    cdap.Auth

	neighbors  *NeighborSet
	watchdog   *Watchdog
	pending    *expiring.Table[int64, Request] // handle -> enrollment awaiting its N-1 flow
	lastHandle atomic.Int64

	mu       sync.Mutex // guards difName and machines
	difName  string
	machines map[Key]*Machine
}

// NewTask adds the enrollment objects to d's RIB and makes the task d's connection handler.
// name is this process's naming info; ra provides N-1 management flows.
func NewTask(d *rib.Daemon, name ipcp.NamingInfo, ra ResourceAllocator, opts ...TaskOption) (*Task, error) {
	if d == nil || ra == nil {
		return nil, errors.New("a RIB daemon and a resource allocator are required")
	}
	if name.ProcessName == "" {
		return nil, errors.New("a process name is required")
	}
	t := &Task{
		d:              d,
		name:           ipcp.NamingInfo{ProcessName: name.ProcessName, ProcessInstance: name.ProcessInstance},
		ra:             ra,
		events:         events.NewBroadcaster(),
		timeout:        DefaultTimeout,
		watchdogPeriod: DefaultWatchdogPeriod,
		deadInterval:   DefaultDeadInterval,
		maxPerPrefix:   DefaultMaxAddressesPerPrefix,
		startEarly:     true,
		authenticate:   func(ipcp.NamingInfo, cdap.Auth) error { return nil },
		pending:        expiring.New[int64, Request](),
		machines:       make(map[Key]*Machine),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = ipcp.DefaultLogger("enrollment")
	}

	var err error
	if err = t.addObjects(); err != nil {
		return nil, err
	}
	if t.neighbors, err = newNeighborSet(d, t.name.ProcessName, t.log); err != nil {
		return nil, err
	}
	if t.watchdog, err = newWatchdog(t); err != nil {
		return nil, err
	}
	d.SetConnectionHandler(t)
	d.OnFlowDeallocated(t.NMinus1FlowDeallocated)

	t.log.Debug().Func(t.Zerolog).Msg("enrollment task created")
	return t, nil
}

// Close stops the watchdog and closes every subscription.
func (t *Task) Close() error {
	t.watchdog.Stop()
	return t.events.Close()
}

//#region getters

// Name returns this process's naming info.
func (t *Task) Name() ipcp.NamingInfo {
	return t.name
}

// DIFName returns the name of the DIF this process belongs to.
func (t *Task) DIFName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.difName
}

// setDIFName records the DIF this process belongs to. Empty names are ignored.
func (t *Task) setDIFName(name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	t.difName = name
	t.mu.Unlock()
}

// Neighbors returns the neighbor set.
func (t *Task) Neighbors() *NeighborSet {
	return t.neighbors
}

// Watchdog returns the neighbor liveness watchdog. It is not running until started.
func (t *Task) Watchdog() *Watchdog {
	return t.watchdog
}

// NextHop returns the port of the management flow to the enrolled neighbor at dst.
func (t *Task) NextHop(dst ipcp.Address) (ipcp.PortID, bool) {
	return t.neighbors.NextHop(dst)
}

// Machine returns the enrollment with the given key.
func (t *Task) Machine(key Key) (*Machine, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, found := t.machines[key]
	return m, found
}

// Machines returns every enrollment, in progress or completed, ordered by neighbor then port.
func (t *Task) Machines() []*Machine {
	t.mu.Lock()
	out := make([]*Machine, 0, len(t.machines))
	for _, m := range t.machines {
		out = append(out, m)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b *Machine) int {
		if c := strings.Compare(a.key.Neighbor, b.key.Neighbor); c != 0 {
			return c
		}
		return int(a.key.Port) - int(b.key.Port)
	})
	return out
}

// IsEnrolledTo reports whether an enrollment with the process called neighbor has completed and is still up.
func (t *Task) IsEnrolledTo(neighbor string) bool {
	for _, m := range t.Machines() {
		if m.key.Neighbor == neighbor && m.State() == StateEnrolled {
			return true
		}
	}
	return false
}

// Zerolog attaches the task's state to the event.
func (t *Task) Zerolog(e *zerolog.Event) {
	t.mu.Lock()
	machines := len(t.machines)
	t.mu.Unlock()
	e.Str("name", t.name.String()).Uint64("address", t.Address()).Int("machines", machines).
		Int("awaiting flows", t.pending.Len())
}

//#endregion getters

// localName is this process's name as used on its management connections.
func (t *Task) localName() ipcp.NamingInfo {
	n := t.name
	n.EntityName = ipcp.ManagementAE
	return n
}

//#region enrollee entry points

// Enroll starts joining the DIF through the given neighbor. It returns once the N-1 flow has been requested;
// the outcome is reported to the IPC manager and subscribers.
func (t *Task) Enroll(req Request) error {
	peer := req.Neighbor.ProcessName
	switch {
	case peer == "":
		return rib.Errorf(rib.CodeInvalidArguments, "the neighbor needs a process name")
	case peer == t.name.ProcessName:
		return rib.Errorf(rib.CodeInvalidArguments, "a process cannot enroll with itself")
	case t.IsEnrolledTo(peer):
		return fmt.Errorf("%w %s", ErrAlreadyEnrolled, peer)
	case t.inProgress(peer):
		return fmt.Errorf("%w %s", ErrInProgress, peer)
	}
	t.neighbors.Update(peer, func(n *Neighbor) { n.EnrollmentAttempts++ })

	handle := t.lastHandle.Inc()
	t.pending.Store(handle, req, t.timeout, func(_ int64, r Request) {
		t.enrollFailed(r, errTimeout("the N-1 management flow"))
	})
	remote := ipcp.NamingInfo{ProcessName: peer, ProcessInstance: req.Neighbor.ProcessInstance, EntityName: ipcp.ManagementAE}
	if err := t.ra.AllocateNMinus1Flow(handle, FlowRequest{Local: t.localName(), Remote: remote, DIF: req.SupportingDIF}); err != nil {
		t.pending.Delete(handle)
		return fmt.Errorf("failed to request an N-1 flow to %s: %w", peer, err)
	}
	t.log.Info().Str("neighbor", peer).Str("supporting dif", req.SupportingDIF).Int64("handle", handle).
		Msg("enrollment requested")
	return nil
}

// inProgress reports whether an enrollment with neighbor is awaiting its flow or running.
func (t *Task) inProgress(neighbor string) bool {
	for _, m := range t.Machines() {
		if m.key.Neighbor == neighbor && m.State() != StateEnrolled {
			return true
		}
	}
	found := false
	t.pending.RangeLocked(func(_ int64, r Request) bool {
		found = r.Neighbor.ProcessName == neighbor
		return !found
	})
	return found
}

// NMinus1FlowAllocated starts the enrollment waiting on handle over the flow at port.
func (t *Task) NMinus1FlowAllocated(handle int64, port ipcp.PortID) {
	req, found := t.pending.LoadAndDelete(handle)
	if !found {
		t.log.Warn().Int64("handle", handle).Int32("port", port).Msg("flow allocated for no pending enrollment")
		if err := t.ra.DeallocateNMinus1Flow(port); err != nil {
			t.log.Debug().Err(err).Int32("port", port).Msg("failed to deallocate unused flow")
		}
		return
	}
	key := Key{Neighbor: req.Neighbor.ProcessName, Port: port}
	peer := Neighbor{
		Name:          ipcp.NamingInfo{ProcessName: req.Neighbor.ProcessName, ProcessInstance: req.Neighbor.ProcessInstance},
		SupportingDIF: req.SupportingDIF,
	}
	m, err := t.add(RoleEnrollee, key, peer)
	if err != nil {
		t.enrollFailed(req, err)
		t.release(port)
		return
	}
	m.step(func() {
		m.req = &req
		m.initiate()
	})
}

// NMinus1FlowAllocationFailed fails the enrollment waiting on handle.
func (t *Task) NMinus1FlowAllocationFailed(handle int64, cause error) {
	req, found := t.pending.LoadAndDelete(handle)
	if !found {
		t.log.Debug().Int64("handle", handle).Msg("allocation failure for no pending enrollment")
		return
	}
	t.enrollFailed(req, fmt.Errorf("failed to allocate the N-1 management flow: %w", cause))
}

// NMinus1FlowDeallocated resets the enrollment on port and drops the neighbors reached through it.
func (t *Task) NMinus1FlowDeallocated(port ipcp.PortID) {
	if m := t.machineOn(port); m != nil {
		m.step(func() { m.reset(ErrFlowLost) })
	}
	for _, n := range t.neighbors.OnPort(port) {
		if err := t.neighbors.Remove(n.Key()); err != nil {
			t.log.Warn().Err(err).Str("neighbor", n.Key()).Msg("failed to remove neighbor")
			continue
		}
		t.publish(Event{Kind: EventConnectivityLost, Neighbor: n, Port: port})
	}
}

//#endregion enrollee entry points

//#region connection handler

// Connect opens an enroller machine for a peer asking to join the DIF through us.
func (t *Task) Connect(msg *cdap.Message, session cdap.Descriptor) {
	port := session.PortID
	peer := ipcp.NamingInfo{ProcessName: msg.Src.ProcessName, ProcessInstance: msg.Src.ProcessInstance}
	switch {
	case msg.Dst.ProcessName != "" && msg.Dst.ProcessName != t.name.ProcessName:
		t.refuse(msg, port, rib.Errorf(rib.CodeNotFound, "this is %s, not %s", t.name.ProcessName, msg.Dst.ProcessName))
		return
	case peer.ProcessName == "":
		t.refuse(msg, port, rib.Errorf(rib.CodeInvalidArguments, "CONNECT does not name its source"))
		return
	case t.IsEnrolledTo(peer.ProcessName):
		t.refuse(msg, port, rib.Errorf(rib.CodeAlreadyExists, "%v %s", ErrAlreadyEnrolled, peer.ProcessName))
		return
	}
	if err := t.authenticate(peer, msg.Auth); err != nil {
		t.refuse(msg, port, rib.Errorf(rib.CodeOperationNotAllowed, "%v: %v", ErrNotAuthenticated, err))
		return
	}
	m, err := t.add(RoleEnroller, Key{Neighbor: peer.ProcessName, Port: port}, Neighbor{Name: peer})
	if err != nil {
		t.refuse(msg, port, rib.Errorf(rib.CodeAlreadyExists, "%v", err))
		return
	}
	m.step(func() { m.connect(msg) })
}

// refuse answers a CONNECT negatively and gives up the flow it arrived on.
func (t *Task) refuse(msg *cdap.Message, port ipcp.PortID, cause *rib.Error) {
	t.log.Info().Err(cause).Str("from", msg.Src.String()).Int32("port", port).Msg("refusing CONNECT")
	resp, err := msg.Reply(int32(cause.Code), cause.Reason, nil)
	if err == nil {
		err = t.d.Send(resp, port, nil)
	}
	if err != nil {
		t.log.Warn().Err(err).Int32("port", port).Msg("failed to refuse CONNECT")
		t.d.Sessions().Remove(port)
	}
	if err := t.ra.DeallocateNMinus1Flow(port); err != nil {
		t.log.Debug().Err(err).Int32("port", port).Msg("failed to deallocate refused flow")
	}
}

// ConnectResponse hands CONNECT_R to the enrollee that sent the CONNECT.
func (t *Task) ConnectResponse(msg *cdap.Message, session cdap.Descriptor) {
	m := t.machineOn(session.PortID)
	if m == nil {
		t.log.Warn().Err(errNoMachine(session.PortID)).Object("message", msg).Msg("dropping CONNECT_R")
		return
	}
	m.step(func() { m.connectResponse(msg) })
}

// Release ends the enrollment on the session's port. A RELEASE carrying an invoke id is answered.
func (t *Task) Release(msg *cdap.Message, session cdap.Descriptor) {
	port := session.PortID
	if msg.InvokeID != 0 {
		resp, err := msg.Reply(0, "", nil)
		if err == nil {
			err = t.d.Send(resp, port, nil)
		}
		if err != nil {
			t.log.Warn().Err(err).Int32("port", port).Msg("failed to answer RELEASE")
		}
	}
	if m := t.machineOn(port); m != nil {
		m.step(func() { m.reset(ErrReleased) })
	}
	for _, n := range t.neighbors.OnPort(port) {
		t.neighbors.Update(n.Key(), func(n *Neighbor) { n.Enrolled, n.UnderlyingPort = false, 0 })
	}
}

// ReleaseResponse closes nothing further: the session is already gone.
func (t *Task) ReleaseResponse(msg *cdap.Message, session cdap.Descriptor) {
	t.log.Debug().Object("message", msg).Int32("port", session.PortID).Msg("connection released")
}

//#endregion connection handler

// add registers a new machine. There can be a single machine per port.
func (t *Task) add(role Role, key Key, peer Neighbor) (*Machine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.machines {
		if k.Port == key.Port {
			return nil, fmt.Errorf("%w: port %d already carries the enrollment with %s", ErrInProgress, key.Port, k.Neighbor)
		}
	}
	m := newMachine(t, role, key, peer)
	t.machines[key] = m
	return m, nil
}

// forget drops m from the registry.
func (t *Task) forget(m *Machine) {
	t.mu.Lock()
	if t.machines[m.key] == m {
		delete(t.machines, m.key)
	}
	t.mu.Unlock()
}

func (t *Task) machineOn(port ipcp.PortID) *Machine {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, m := range t.machines {
		if k.Port == port {
			return m
		}
	}
	return nil
}

// onMachine runs f as a step of the machine on r's port.
func (t *Task) onMachine(r *rib.Remote, f func(*Machine)) error {
	m := t.machineOn(r.PortID())
	if m == nil {
		return rib.Errorf(rib.CodeOperationNotAllowed, "%v", errNoMachine(r.PortID()))
	}
	m.step(func() { f(m) })
	return nil
}

// release closes the management connection on port and gives up its flow.
func (t *Task) release(port ipcp.PortID) {
	sessions := t.d.Sessions()
	if s, found := sessions.Session(port); found && s.State() == cdap.StateConnected {
		msg, err := cdap.NewMessage(cdap.Release, 0, cdap.Fields{})
		if err == nil {
			err = t.d.Send(msg, port, nil)
		}
		if err != nil {
			t.log.Debug().Err(err).Int32("port", port).Msg("failed to send RELEASE")
			sessions.Remove(port)
		}
	} else {
		sessions.Remove(port)
	}
	if err := t.ra.DeallocateNMinus1Flow(port); err != nil {
		t.log.Debug().Err(err).Int32("port", port).Msg("failed to deallocate flow")
	}
}

// pushObject sends the current value of the named object to the peer on port as a fire-and-forget CREATE.
func (t *Task) pushObject(port ipcp.PortID, name string) {
	o, found := t.d.Object(name)
	if !found {
		return
	}
	v, err := t.d.Read(rib.Target{Name: name})
	if err != nil {
		t.log.Warn().Err(err).Str("object", name).Msg("failed to read object to push")
		return
	}
	if _, err := t.d.SendRequest(port, cdap.Create, rib.Target{Class: o.Class(), Name: name}, v, nil); err != nil {
		t.log.Warn().Err(err).Str("object", name).Int32("port", port).Msg("failed to push object")
	}
}

// declareDead drops a neighbor the watchdog gave up on. Its flow is left alone.
func (t *Task) declareDead(n Neighbor) {
	t.log.Warn().Str("neighbor", n.Key()).Int64("last heard from", n.LastHeardFrom).Msg("neighbor declared dead")
	if err := t.neighbors.Remove(n.Key()); err != nil {
		t.log.Warn().Err(err).Str("neighbor", n.Key()).Msg("failed to remove dead neighbor")
	}
	if m, found := t.Machine(Key{Neighbor: n.Key(), Port: n.UnderlyingPort}); found {
		m.step(func() { m.reset(ErrNeighborDead) })
	}
	t.publish(Event{Kind: EventNeighborDeclaredDead, Neighbor: n, Port: n.UnderlyingPort})
}

func (t *Task) enrollFailed(req Request, cause error) {
	t.log.Warn().Err(cause).Str("neighbor", req.Neighbor.ProcessName).Msg("enrollment failed")
	n := Neighbor{Name: req.Neighbor, SupportingDIF: req.SupportingDIF}
	t.publish(Event{Kind: EventEnrollmentFailed, Neighbor: n, Role: RoleEnrollee, Err: cause})
	t.respond(req, nil, cause)
}

func (t *Task) respond(req Request, neighbors []Neighbor, err error) {
	if t.manager != nil {
		t.manager.EnrollToDIFResponse(req, neighbors, err)
	}
}

//#region addressing

func (t *Task) knownAddress(n ipcp.NamingInfo) (ipcp.Address, bool) {
	for _, k := range t.known {
		if k.ProcessName == n.ProcessName && (k.ProcessInstance == "" || k.ProcessInstance == n.ProcessInstance) {
			return k.Address, true
		}
	}
	return 0, false
}

// prefixOf returns the address block of the organization the process belongs to.
func (t *Task) prefixOf(processName string) (ipcp.Address, bool) {
	for _, p := range t.prefixes {
		if p.Organization != "" && strings.Contains(processName, p.Organization) {
			return p.Prefix, true
		}
	}
	return 0, false
}

// usedAddresses returns the addresses held by anyone but the process called except.
func (t *Task) usedAddresses(except string) map[ipcp.Address]bool {
	used := map[ipcp.Address]bool{t.Address(): true}
	for _, n := range t.neighbors.List() {
		if n.Key() != except && n.Address != 0 {
			used[n.Address] = true
		}
	}
	for _, m := range t.Machines() {
		if p := m.Neighbor(); m.key.Neighbor != except && p.Address != 0 {
			used[p.Address] = true
		}
	}
	return used
}

// validAddress reports whether the process may keep addr.
// A pinned address must match exactly; otherwise addr must lie in the process's organization block and not be
// held by anyone else.
func (t *Task) validAddress(n ipcp.NamingInfo, addr ipcp.Address) bool {
	if addr == 0 {
		return false
	}
	if known, found := t.knownAddress(n); found {
		return addr == known
	}
	prefix, found := t.prefixOf(n.ProcessName)
	if !found || addr < prefix || addr >= prefix+t.maxPerPrefix {
		return false
	}
	return !t.usedAddresses(n.ProcessName)[addr]
}

// nextAddress returns an address for the process: its pinned address, else the lowest free address of its
// organization block. 0 means there is none.
func (t *Task) nextAddress(n ipcp.NamingInfo) ipcp.Address {
	if known, found := t.knownAddress(n); found {
		return known
	}
	prefix, found := t.prefixOf(n.ProcessName)
	if !found {
		return 0
	}
	used := t.usedAddresses(n.ProcessName)
	for a := prefix; a < prefix+t.maxPerPrefix; a++ {
		if a != 0 && !used[a] {
			return a
		}
	}
	return 0
}

//#endregion addressing
