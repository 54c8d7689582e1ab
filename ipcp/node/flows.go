package node

import (
	"fmt"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/enrollment"
)

// udpFlows is the node's enrollment.ResourceAllocator.
// An N-1 management flow to a peer is the port bound to it on the transport, so allocation only looks the peer
// up. Outcomes are reported on their own goroutine, as a real resource allocator would.
type udpFlows struct {
	n *Node
}

var _ enrollment.ResourceAllocator = (*udpFlows)(nil)

func (f *udpFlows) AllocateNMinus1Flow(handle int64, req enrollment.FlowRequest) error {
	p, found := f.n.Peer(req.Remote.ProcessName)
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, req.Remote.ProcessName)
	}
	if _, bound := f.n.transport.Peer(p.Port); !bound {
		go f.n.task.NMinus1FlowAllocationFailed(handle, fmt.Errorf("port %d of %s is no longer bound", p.Port, p.Name))
		return nil
	}
	f.n.log.Debug().Int64("handle", handle).Str("peer", p.Name).Int32("port", p.Port).Msg("N-1 flow allocated")
	go f.n.task.NMinus1FlowAllocated(handle, p.Port)
	return nil
}

// DeallocateNMinus1Flow reports the flow lost locally. The peer binding stays, so the flow can be used again.
func (f *udpFlows) DeallocateNMinus1Flow(port ipcp.PortID) error {
	if _, bound := f.n.transport.Peer(port); !bound {
		return fmt.Errorf("no N-1 flow on port %d", port)
	}
	f.n.log.Debug().Int32("port", port).Msg("N-1 flow deallocated")
	go f.n.d.FlowDeallocated(port)
	return nil
}
