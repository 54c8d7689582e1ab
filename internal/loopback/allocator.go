package loopback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/enrollment"
)

// FlowEvents receives the outcome of N-1 flow requests. *enrollment.Task implements it.
type FlowEvents interface {
	NMinus1FlowAllocated(handle int64, port ipcp.PortID)
	NMinus1FlowAllocationFailed(handle int64, err error)
}

// ResourceAllocator is an enrollment.ResourceAllocator whose N-1 flows are management flows of a Network.
// The remote end is the endpoint named after the requested process.
type ResourceAllocator struct {
	n     *Network
	local *Endpoint

	mu     sync.Mutex
	events FlowEvents
	refuse bool
	pinned *[2]ipcp.PortID // ports of the next flow
}

var _ enrollment.ResourceAllocator = (*ResourceAllocator)(nil)

func NewResourceAllocator(n *Network, local *Endpoint) *ResourceAllocator {
	return &ResourceAllocator{n: n, local: local}
}

// Attach sets the receiver of request outcomes.
func (ra *ResourceAllocator) Attach(events FlowEvents) {
	ra.mu.Lock()
	ra.events = events
	ra.mu.Unlock()
}

// Refuse makes every following request fail (or succeed again).
func (ra *ResourceAllocator) Refuse(refuse bool) {
	ra.mu.Lock()
	ra.refuse = refuse
	ra.mu.Unlock()
}

// UsePorts makes the next flow use the given port ids at the local and remote ends.
func (ra *ResourceAllocator) UsePorts(local, remote ipcp.PortID) {
	ra.mu.Lock()
	ra.pinned = &[2]ipcp.PortID{local, remote}
	ra.mu.Unlock()
}

// AllocateNMinus1Flow connects to the endpoint named req.Remote.ProcessName, reporting the outcome
// asynchronously.
func (ra *ResourceAllocator) AllocateNMinus1Flow(handle int64, req enrollment.FlowRequest) error {
	if req.Remote.ProcessName == "" {
		return errors.New("a remote process name is required")
	}
	ra.mu.Lock()
	events, refuse, pinned := ra.events, ra.refuse, ra.pinned
	ra.pinned = nil
	ra.mu.Unlock()
	if events == nil {
		return errors.New("no receiver attached")
	}

	go func() {
		remote, found := ra.n.Lookup(req.Remote.ProcessName)
		switch {
		case refuse:
			events.NMinus1FlowAllocationFailed(handle, errors.New("refused"))
			return
		case !found:
			events.NMinus1FlowAllocationFailed(handle, fmt.Errorf("no process %s on the network", req.Remote.ProcessName))
			return
		}
		if pinned == nil {
			port, _ := ra.n.Connect(ra.local, remote)
			events.NMinus1FlowAllocated(handle, port)
			return
		}
		if err := ra.n.ConnectPorts(ra.local, remote, pinned[0], pinned[1]); err != nil {
			events.NMinus1FlowAllocationFailed(handle, err)
			return
		}
		events.NMinus1FlowAllocated(handle, pinned[0])
	}()
	return nil
}

// DeallocateNMinus1Flow tears the flow down. Both ends are told.
func (ra *ResourceAllocator) DeallocateNMinus1Flow(port ipcp.PortID) error {
	return ra.n.Disconnect(ra.local, port)
}
