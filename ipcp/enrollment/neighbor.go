package enrollment

import (
	"time"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
)

const (
	NeighborSetName  = "/daf/management/neighbors"
	NeighborSetClass = "neighbor set"
	NeighborClass    = "neighbor"
)

// Neighbor is another member of the DIF this process knows about.
// Only neighbors that are Enrolled with this process have an UnderlyingPort.
type Neighbor struct {
	Name          ipcp.NamingInfo `cbor:"1,keyasint" json:"name"`
	Address       ipcp.Address    `cbor:"2,keyasint,omitempty" json:"address,omitempty"`
	SupportingDIF string          `cbor:"3,keyasint,omitempty" json:"supporting_dif,omitempty"`
	// UnderlyingPort is the N-1 flow the management session with the neighbor rides on.
	UnderlyingPort     ipcp.PortID   `cbor:"4,keyasint,omitempty" json:"underlying_port,omitempty"`
	Enrolled           bool          `cbor:"5,keyasint,omitempty" json:"enrolled"`
	AverageRTT         time.Duration `cbor:"6,keyasint,omitempty" json:"average_rtt,omitempty"`
	LastHeardFrom      int64         `cbor:"7,keyasint,omitempty" json:"last_heard_from,omitempty"` // unix ms
	EnrollmentAttempts int           `cbor:"8,keyasint,omitempty" json:"enrollment_attempts,omitempty"`
}

// Key returns the neighbor's name within the neighbor set: its process name.
func (n Neighbor) Key() string {
	return n.Name.ProcessName
}

// lastHeard returns LastHeardFrom as a time. The zero time means never.
func (n Neighbor) lastHeard() time.Time {
	if n.LastHeardFrom == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n.LastHeardFrom)
}

// NeighborSet is the view of the neighbor set RIB object.
type NeighborSet struct {
	log  *zerolog.Logger
	d    *rib.Daemon
	self string // process name of this process; never a neighbor of itself
}

func newNeighborSet(d *rib.Daemon, self string, l *zerolog.Logger) (*NeighborSet, error) {
	ns := &NeighborSet{log: l, d: d, self: self}
	o := rib.NewSetObject(NeighborSetClass, NeighborSetName, NeighborClass, Neighbor.Key,
		rib.WithRemote(rib.OpCreate, ns.remoteCreate))
	if err := d.AddObject(o); err != nil {
		return nil, err
	}
	return ns, nil
}

func childOf(processName string) string {
	return rib.ChildName(NeighborSetName, processName)
}

// Get returns the neighbor called processName.
func (ns *NeighborSet) Get(processName string) (Neighbor, bool) {
	o, found := ns.d.Object(childOf(processName))
	if !found {
		return Neighbor{}, false
	}
	return rib.ValueAs[Neighbor](o)
}

// List returns every neighbor, ordered by process name.
func (ns *NeighborSet) List() []Neighbor {
	o, found := ns.d.Object(NeighborSetName)
	if !found {
		return nil
	}
	return rib.SetElements[Neighbor](o)
}

// Put creates or replaces the neighbor.
func (ns *NeighborSet) Put(n Neighbor) error {
	if n.Key() == "" {
		return rib.Errorf(rib.CodeInvalidArguments, "a neighbor needs a process name")
	}
	return ns.d.Create(rib.Target{Class: NeighborClass, Name: childOf(n.Key())}, n, nil)
}

// Update applies f to the neighbor called processName, atomically.
// It returns false if there is no such neighbor.
func (ns *NeighborSet) Update(processName string, f func(*Neighbor)) bool {
	o, found := ns.d.Object(childOf(processName))
	if !found {
		return false
	}
	updated := false
	o.Update(func(v any) any {
		n, ok := v.(Neighbor)
		if !ok {
			return v
		}
		f(&n)
		updated = true
		return n
	})
	return updated
}

// Remove drops the neighbor called processName.
func (ns *NeighborSet) Remove(processName string) error {
	return ns.d.Delete(rib.Target{Name: childOf(processName)}, nil)
}

// OnPort returns the neighbors whose management session rides the flow on port.
func (ns *NeighborSet) OnPort(port ipcp.PortID) []Neighbor {
	var out []Neighbor
	for _, n := range ns.List() {
		if n.UnderlyingPort == port {
			out = append(out, n)
		}
	}
	return out
}

// NextHop returns the port of the management flow to the enrolled neighbor at dst.
// Only direct neighbors are reachable.
func (ns *NeighborSet) NextHop(dst ipcp.Address) (ipcp.PortID, bool) {
	if dst == 0 {
		return 0, false
	}
	for _, n := range ns.List() {
		if n.Enrolled && n.Address == dst && n.UnderlyingPort != 0 {
			return n.UnderlyingPort, true
		}
	}
	return 0, false
}

// remoteCreate merges a neighbor list pushed by a peer.
// Link state (port, enrollment, liveness) is local: it is kept for known neighbors and cleared for new ones.
func (ns *NeighborSet) remoteCreate(_ *rib.Object, r *rib.Remote) error {
	var pushed []Neighbor
	if err := r.Decode(&pushed); err != nil {
		var one Neighbor
		if err := r.Decode(&one); err != nil {
			return err
		}
		pushed = []Neighbor{one}
	}
	for _, n := range pushed {
		if n.Key() == "" || n.Key() == ns.self {
			continue
		}
		if cur, found := ns.Get(n.Key()); found {
			cur.Address, cur.SupportingDIF = n.Address, n.SupportingDIF
			if cur.Name.ProcessInstance == "" {
				cur.Name = n.Name
			}
			n = cur
		} else {
			n.UnderlyingPort, n.Enrolled, n.AverageRTT, n.LastHeardFrom, n.EnrollmentAttempts = 0, false, 0, 0, 0
		}
		if err := ns.Put(n); err != nil {
			return err
		}
	}
	ns.log.Debug().Int("neighbors", len(pushed)).Int32("from", r.PortID()).Msg("merged neighbor list")
	return r.Reply(0, "", nil)
}
