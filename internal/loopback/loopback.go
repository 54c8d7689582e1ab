// Package loopback provides in-memory stand-ins for the collaborators of an IPC process: management flows
// between processes of one program, a kernel that answers connection requests, an IPC manager, and a
// resource allocator. The demo daemon and the tests use them in place of a real data-transfer stack.
//
// Every stand-in answers asynchronously, on its own goroutine, like the real collaborators do.
package loopback

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ef-ds/deque"
	"github.com/rflandau/rina/ipcp"
)

var ErrNoFlow = errors.New("no flow on port")

// Network is a set of processes and the management flows between them.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	lastPort  ipcp.PortID
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// Endpoint returns the attachment of the named process, creating it if needed.
func (n *Network) Endpoint(name string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, found := n.endpoints[name]; found {
		return e
	}
	e := &Endpoint{name: name, n: n, pipes: make(map[ipcp.PortID]*pipe)}
	n.endpoints[name] = e
	return e
}

// Lookup returns the attachment of the named process if it exists.
func (n *Network) Lookup(name string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, found := n.endpoints[name]
	return e, found
}

// Connect creates a management flow between a and b and returns the port id of each end.
// Port ids are unique across the network.
func (n *Network) Connect(a, b *Endpoint) (aPort, bPort ipcp.PortID) {
	n.mu.Lock()
	n.lastPort++
	aPort = n.lastPort
	n.lastPort++
	bPort = n.lastPort
	n.mu.Unlock()
	n.join(a, b, aPort, bPort)
	return aPort, bPort
}

// ConnectPorts creates a management flow between a and b on the given ports.
// Later flows made by Connect get higher port ids.
func (n *Network) ConnectPorts(a, b *Endpoint, aPort, bPort ipcp.PortID) error {
	if aPort <= 0 || bPort <= 0 {
		return fmt.Errorf("invalid port ids %d and %d", aPort, bPort)
	}
	for _, c := range []struct {
		e    *Endpoint
		port ipcp.PortID
	}{{a, aPort}, {b, bPort}} {
		c.e.mu.RLock()
		_, used := c.e.pipes[c.port]
		c.e.mu.RUnlock()
		if used {
			return fmt.Errorf("port %d of %s is in use", c.port, c.e.name)
		}
	}
	n.mu.Lock()
	n.lastPort = max(n.lastPort, aPort, bPort)
	n.mu.Unlock()
	n.join(a, b, aPort, bPort)
	return nil
}

func (n *Network) join(a, b *Endpoint, aPort, bPort ipcp.PortID) {
	ab, ba := newPipe(b, bPort), newPipe(a, aPort)
	ab.peer, ba.peer = ba, ab
	a.mu.Lock()
	a.pipes[aPort] = ab
	a.mu.Unlock()
	b.mu.Lock()
	b.pipes[bPort] = ba
	b.mu.Unlock()
}

// Disconnect tears down the flow e reaches over port. Both ends are told (asynchronously).
func (n *Network) Disconnect(e *Endpoint, port ipcp.PortID) error {
	e.mu.Lock()
	p, found := e.pipes[port]
	delete(e.pipes, port)
	e.mu.Unlock()
	if !found {
		return fmt.Errorf("%w %d", ErrNoFlow, port)
	}
	remote := p.to
	remote.mu.Lock()
	delete(remote.pipes, p.toPort)
	remote.mu.Unlock()

	p.close()
	p.peer.close()
	go e.flowDeallocated(port)
	go remote.flowDeallocated(p.toPort)
	return nil
}

// Endpoint is one process's attachment to the network. It carries the process's management SDUs.
type Endpoint struct {
	name string
	n    *Network

	mu          sync.RWMutex
	pipes       map[ipcp.PortID]*pipe // outbound, by local port
	deliver     func(sdu []byte, port ipcp.PortID)
	deallocated func(port ipcp.PortID)
}

// Name returns the name of the process the endpoint belongs to.
func (e *Endpoint) Name() string {
	return e.name
}

// Attach sets where inbound SDUs and flow losses are reported (typically a RIB daemon's
// ManagementSDUDelivered and FlowDeallocated).
func (e *Endpoint) Attach(deliver func(sdu []byte, port ipcp.PortID), deallocated func(port ipcp.PortID)) {
	e.mu.Lock()
	e.deliver, e.deallocated = deliver, deallocated
	e.mu.Unlock()
}

// WriteManagementSDU queues sdu on the flow at port. It never blocks.
func (e *Endpoint) WriteManagementSDU(port ipcp.PortID, sdu []byte) error {
	e.mu.RLock()
	p, found := e.pipes[port]
	e.mu.RUnlock()
	if !found {
		return fmt.Errorf("%w %d", ErrNoFlow, port)
	}
	return p.push(slices.Clone(sdu))
}

// Ports returns the local ports of every flow of the endpoint.
func (e *Endpoint) Ports() []ipcp.PortID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ipcp.PortID, 0, len(e.pipes))
	for p := range e.pipes {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (e *Endpoint) receive(sdu []byte, port ipcp.PortID) {
	e.mu.RLock()
	f := e.deliver
	e.mu.RUnlock()
	if f != nil {
		f(sdu, port)
	}
}

func (e *Endpoint) flowDeallocated(port ipcp.PortID) {
	e.mu.RLock()
	f := e.deallocated
	e.mu.RUnlock()
	if f != nil {
		f(port)
	}
}

// pipe is one direction of a flow: an unbounded FIFO drained by its own goroutine, so writers never wait on
// the receiver.
type pipe struct {
	to     *Endpoint
	toPort ipcp.PortID
	peer   *pipe // the opposite direction

	mu     sync.Mutex
	queue  deque.Deque
	wake   chan struct{}
	closed bool
}

func newPipe(to *Endpoint, toPort ipcp.PortID) *pipe {
	p := &pipe{to: to, toPort: toPort, wake: make(chan struct{}, 1)}
	go p.run()
	return p
}

func (p *pipe) push(sdu []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrNoFlow
	}
	p.queue.PushBack(sdu)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *pipe) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipe) run() {
	for range p.wake {
		for {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			v, ok := p.queue.PopFront()
			p.mu.Unlock()
			if !ok {
				break
			}
			p.to.receive(v.([]byte), p.toPort)
		}
	}
}
