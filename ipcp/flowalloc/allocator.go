// Package flowalloc implements the flow allocator of an IPC process: the two-party protocol that sets up and
// tears down flows between applications, one Instance per flow, plus the directory that tells the allocator
// where an application is registered.
//
// Kernel interactions are asynchronous. The allocator issues a request through Kernel and the kernel reports
// the outcome later through ConnectionCreated, ConnectionArrivedCreated or ConnectionUpdated.
package flowalloc

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Kernel is the data-transfer side of the IPC process.
// Each method only submits the request; a nil error does not mean the connection exists.
type Kernel interface {
	// CreateConnection completes with Allocator.ConnectionCreated.
	CreateConnection(c Connection) error
	// CreateConnectionArrived completes with Allocator.ConnectionArrivedCreated.
	CreateConnectionArrived(c Connection) error
	// UpdateConnection completes with Allocator.ConnectionUpdated.
	UpdateConnection(c Connection) error
	DestroyConnection(c Connection) error
}

// IPCManager is where flow outcomes surface: the owner of application registrations and port ids.
type IPCManager interface {
	AllocatePortID(app ipcp.NamingInfo) (ipcp.PortID, error)
	DeallocatePortID(port ipcp.PortID)
	// AllocateFlowRequestResult reports the outcome of SubmitAllocateRequest. err is nil on success.
	AllocateFlowRequestResult(req Request, port ipcp.PortID, err error)
	// AllocateFlowRequestArrived asks the destination application about an incoming flow.
	// The answer is given with Allocator.SubmitAllocateResponse.
	AllocateFlowRequestArrived(flow Flow, port ipcp.PortID)
	// FlowDeallocated reports a flow ended by the peer or by the loss of connectivity.
	FlowDeallocated(port ipcp.PortID)
}

// Router knows this process's address and how to reach other members of the DIF.
type Router interface {
	Address() ipcp.Address
	NextHop(dst ipcp.Address) (ipcp.PortID, bool)
}

// Allocator owns the flow allocator instances of an IPC process, keyed by local port id.
type Allocator struct {
	log     *zerolog.Logger
	d       *rib.Daemon
	kernel  Kernel
	manager IPCManager
	router  Router
	dft     *DirectoryForwardingTable

	mpl         time.Duration
	newFlow     NewFlowPolicy
	createRetry func() retry.Backoff

	mu        sync.RWMutex
	instances map[ipcp.PortID]*Instance
}

// NewAllocator returns an allocator serving the flow set and directory of d's RIB.
func NewAllocator(d *rib.Daemon, kernel Kernel, manager IPCManager, router Router, opts ...AllocatorOption) (*Allocator, error) {
	if d == nil || kernel == nil || manager == nil || router == nil {
		return nil, errors.New("a RIB daemon, kernel, IPC manager, and router are required")
	}
	a := &Allocator{
		d:         d,
		kernel:    kernel,
		manager:   manager,
		router:    router,
		mpl:       DefaultMaximumPacketLifetime,
		newFlow:   DefaultNewFlowPolicy,
		instances: make(map[ipcp.PortID]*Instance),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = ipcp.DefaultLogger("flowalloc")
	}

	dftLog := a.log.With().Str("sublogger", "directory").Logger()
	dft, err := newDirectory(d, router.Address, &dftLog)
	if err != nil {
		return nil, err
	}
	a.dft = dft

	flows := rib.NewObject(FlowSetClass, FlowSetName, nil,
		rib.WithRemote(rib.OpCreate, a.createFlowRequestMessageReceived),
		rib.WithLocal(rib.OpRead, func(*rib.Object, rib.LocalRequest) (any, error) {
			return a.Flows(), nil
		}),
		rib.WithRemote(rib.OpRead, func(_ *rib.Object, r *rib.Remote) error {
			return r.Reply(0, "", a.Flows())
		}),
	)
	if err := d.AddObject(flows); err != nil {
		return nil, err
	}
	d.OnFlowDeallocated(a.underlyingFlowLost)

	a.log.Debug().Func(a.Zerolog).Msg("flow allocator created")
	return a, nil
}

// Zerolog attaches the allocator's state to the event.
func (a *Allocator) Zerolog(e *zerolog.Event) {
	a.mu.RLock()
	n := len(a.instances)
	a.mu.RUnlock()
	e.Int("instances", n).Dur("mpl", a.mpl)
}

// Directory returns the directory forwarding table.
func (a *Allocator) Directory() *DirectoryForwardingTable {
	return a.dft
}

// Instance returns the instance managing the flow on port.
func (a *Allocator) Instance(port ipcp.PortID) (*Instance, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, found := a.instances[port]
	return i, found
}

// Instances returns every live instance, ordered by port.
func (a *Allocator) Instances() []*Instance {
	a.mu.RLock()
	out := make([]*Instance, 0, len(a.instances))
	for _, i := range a.instances {
		out = append(out, i)
	}
	a.mu.RUnlock()
	slices.SortFunc(out, func(x, y *Instance) int { return int(x.port) - int(y.port) })
	return out
}

// Flows returns the flows of every allocated instance.
func (a *Allocator) Flows() []Flow {
	var out []Flow
	for _, i := range a.Instances() {
		if i.State() == StateFlowAllocated {
			out = append(out, i.Flow())
		}
	}
	return out
}

// register adds a fresh instance for port.
func (a *Allocator) register(port ipcp.PortID) (*Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.instances[port]; exists {
		return nil, fmt.Errorf("port %d already has a flow allocator instance", port)
	}
	i := newInstance(a, port)
	a.instances[port] = i
	return i, nil
}

// forget removes i from the registry (if it is still the instance registered for its port).
func (a *Allocator) forget(i *Instance) {
	a.mu.Lock()
	if a.instances[i.port] == i {
		delete(a.instances, i.port)
	}
	a.mu.Unlock()
}

//#region application API

// SubmitAllocateRequest starts allocating a flow from req.Local to req.Remote and returns its port id.
// Errors detected before anything is sent (no directory entry, no address, local destination, kernel refusal)
// are returned; later outcomes are reported through IPCManager.AllocateFlowRequestResult.
func (a *Allocator) SubmitAllocateRequest(req Request) (ipcp.PortID, error) {
	port, err := a.manager.AllocatePortID(req.Local)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate a port id: %w", err)
	}
	i, err := a.register(port)
	if err != nil {
		a.manager.DeallocatePortID(port)
		return 0, err
	}
	// the queue of a fresh instance is idle, so the step runs before Do returns
	i.q.Do(func() { err = i.submitAllocateRequest(req) })
	if err != nil {
		i.log.Warn().Err(err).Str("remote", req.Remote.String()).Msg("allocate request refused")
		a.forget(i)
		a.manager.DeallocatePortID(port)
		return 0, err
	}
	return port, nil
}

// SubmitAllocateResponse delivers the destination application's decision about the incoming flow on port.
func (a *Allocator) SubmitAllocateResponse(port ipcp.PortID, accept bool, reason string) error {
	i, found := a.Instance(port)
	if !found {
		return errUnknownPort(port)
	}
	if s := i.State(); s != StateAppNotified {
		return errBadState(s, "answer an allocate request")
	}
	i.q.Do(func() { i.submitAllocateResponse(accept, reason) })
	return nil
}

// SubmitDeallocate starts tearing down the flow on port.
// The instance (and its RIB object) disappear 2*MPL later.
func (a *Allocator) SubmitDeallocate(port ipcp.PortID) error {
	i, found := a.Instance(port)
	if !found {
		return errUnknownPort(port)
	}
	if s := i.State(); s != StateFlowAllocated {
		return errBadState(s, "deallocate")
	}
	i.q.Do(i.submitDeallocate)
	return nil
}

//#endregion application API

//#region kernel callbacks

// ConnectionCreated reports the result of Kernel.CreateConnection. A negative cepID is a failure.
func (a *Allocator) ConnectionCreated(port ipcp.PortID, cepID int32) {
	if i, found := a.kernelCallback(port, "connection created"); found {
		i.q.Do(func() { i.connectionCreated(cepID) })
	}
}

// ConnectionArrivedCreated reports the result of Kernel.CreateConnectionArrived. A negative cepID is a failure.
func (a *Allocator) ConnectionArrivedCreated(port ipcp.PortID, cepID int32) {
	if i, found := a.kernelCallback(port, "connection arrived created"); found {
		i.q.Do(func() { i.connectionArrivedCreated(cepID) })
	}
}

// ConnectionUpdated reports the result of Kernel.UpdateConnection. Non-zero results are failures.
func (a *Allocator) ConnectionUpdated(port ipcp.PortID, result int32) {
	if i, found := a.kernelCallback(port, "connection updated"); found {
		i.q.Do(func() { i.connectionUpdated(result) })
	}
}

func (a *Allocator) kernelCallback(port ipcp.PortID, what string) (*Instance, bool) {
	i, found := a.Instance(port)
	if !found {
		a.log.Warn().Int32("port", port).Str("event", what).Msg("kernel event for unknown flow; ignoring")
	}
	return i, found
}

//#endregion kernel callbacks

// createFlowRequestMessageReceived serves a peer's CREATE(Flow), delegated to the flow set.
// Errors returned before an instance takes over are answered negatively by the daemon.
func (a *Allocator) createFlowRequestMessageReceived(_ *rib.Object, r *rib.Remote) error {
	var flow Flow
	if err := r.Decode(&flow); err != nil {
		return err
	}
	if len(flow.Connections) == 0 {
		return rib.Errorf(rib.CodeInvalidArguments, "flow %s has no connections", flow.Name())
	}
	addr, found := a.dft.AddressOf(flow.DestinationNamingInfo)
	if !found {
		return rib.Errorf(rib.CodeNotFound, "%v", errNoDirectoryEntry(flow.DestinationNamingInfo))
	}
	if local := a.router.Address(); addr != local {
		return rib.Errorf(rib.CodeResourceUnavailable, "%v is registered at %d, not at %d", flow.DestinationNamingInfo, addr, local)
	}
	port, err := a.manager.AllocatePortID(flow.DestinationNamingInfo)
	if err != nil {
		return rib.Errorf(rib.CodeResourceUnavailable, "failed to allocate a port id: %v", err)
	}
	i, err := a.register(port)
	if err != nil {
		a.manager.DeallocatePortID(port)
		return rib.Errorf(rib.CodeResourceUnavailable, "%v", err)
	}
	i.log.Debug().Str("flow", r.Message.ObjName).Int32("underlying port", r.PortID()).Msg("incoming flow request")
	i.CreateFlowRequestMessageReceived(flow, r)
	return nil
}

// underlyingFlowLost aborts every instance whose peer was reached over port.
func (a *Allocator) underlyingFlowLost(port ipcp.PortID) {
	cause := fmt.Errorf("management flow %d deallocated", port)
	for _, i := range a.Instances() {
		i.q.Do(func() {
			if i.underlying == port && i.state != StateNull {
				i.log.Info().Err(cause).Msg("aborting")
				i.abort(cause)
			}
		})
	}
}
