package loopback

import (
	"fmt"
	"maps"
	"sync"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/flowalloc"
)

// KernelEvents receives the outcome of kernel requests. *flowalloc.Allocator implements it.
type KernelEvents interface {
	ConnectionCreated(port ipcp.PortID, cepID int32)
	ConnectionArrivedCreated(port ipcp.PortID, cepID int32)
	ConnectionUpdated(port ipcp.PortID, result int32)
}

// Kernel is a flowalloc.Kernel that keeps connections in a map.
// Requests succeed (with increasing connection-endpoint ids) unless Refuse was set.
type Kernel struct {
	mu          sync.Mutex
	events      KernelEvents
	lastCEPID   int32
	refuse      bool
	connections map[ipcp.PortID]flowalloc.Connection
}

var _ flowalloc.Kernel = (*Kernel)(nil)

func NewKernel() *Kernel {
	return &Kernel{connections: make(map[ipcp.PortID]flowalloc.Connection)}
}

// Attach sets the receiver of request outcomes.
func (k *Kernel) Attach(events KernelEvents) {
	k.mu.Lock()
	k.events = events
	k.mu.Unlock()
}

// Refuse makes every later request fail (negative endpoint ids and results) while b is true.
func (k *Kernel) Refuse(b bool) {
	k.mu.Lock()
	k.refuse = b
	k.mu.Unlock()
}

// Connections returns a copy of the connections the kernel holds, by port id.
func (k *Kernel) Connections() map[ipcp.PortID]flowalloc.Connection {
	k.mu.Lock()
	defer k.mu.Unlock()
	return maps.Clone(k.connections)
}

// create registers c and returns the endpoint id to report (negative if refused).
func (k *Kernel) create(c flowalloc.Connection) (KernelEvents, int32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.events == nil {
		return nil, 0, fmt.Errorf("kernel is not attached")
	}
	if k.refuse {
		return k.events, -1, nil
	}
	k.lastCEPID++
	c.SourceCEPID = k.lastCEPID
	k.connections[c.PortID] = c
	return k.events, k.lastCEPID, nil
}

func (k *Kernel) CreateConnection(c flowalloc.Connection) error {
	ev, cep, err := k.create(c)
	if err != nil {
		return err
	}
	go ev.ConnectionCreated(c.PortID, cep)
	return nil
}

func (k *Kernel) CreateConnectionArrived(c flowalloc.Connection) error {
	ev, cep, err := k.create(c)
	if err != nil {
		return err
	}
	go ev.ConnectionArrivedCreated(c.PortID, cep)
	return nil
}

func (k *Kernel) UpdateConnection(c flowalloc.Connection) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.events == nil {
		return fmt.Errorf("kernel is not attached")
	}
	cur, found := k.connections[c.PortID]
	var result int32
	switch {
	case k.refuse:
		result = -1
	case !found:
		result = -2
	default:
		cur.DestCEPID = c.DestCEPID
		k.connections[c.PortID] = cur
	}
	go k.events.ConnectionUpdated(c.PortID, result)
	return nil
}

func (k *Kernel) DestroyConnection(c flowalloc.Connection) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, found := k.connections[c.PortID]; !found {
		return fmt.Errorf("no connection on port %d", c.PortID)
	}
	delete(k.connections, c.PortID)
	return nil
}
