package flowalloc

import (
	"fmt"
	"maps"
	"slices"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/rib"
)

const (
	// FlowSetName is the RIB object holding one child per allocated flow.
	FlowSetName  = "/dif/resourceallocation/flowallocator/flows"
	FlowSetClass = "flow set"
	FlowClass    = "flow"
)

// FlowState is the lifecycle state of a Flow, as published in the RIB.
type FlowState uint8

const (
	FlowNull FlowState = iota
	FlowAllocationInProgress
	FlowAllocated
	FlowWaiting2MPLBeforeTearingDown
	FlowDeallocated
)

func (s FlowState) String() string {
	switch s {
	case FlowNull:
		return "NULL"
	case FlowAllocationInProgress:
		return "ALLOCATION_IN_PROGRESS"
	case FlowAllocated:
		return "ALLOCATED"
	case FlowWaiting2MPLBeforeTearingDown:
		return "WAITING_2_MPL_BEFORE_TEARING_DOWN"
	case FlowDeallocated:
		return "DEALLOCATED"
	}
	return fmt.Sprintf("FlowState(%d)", uint8(s))
}

// Connection describes one data-transfer connection supporting a flow, from the point of view of the
// flow's source.
type Connection struct {
	PortID        ipcp.PortID  `cbor:"1,keyasint" json:"port_id"`
	SourceAddress ipcp.Address `cbor:"2,keyasint" json:"source_address"`
	DestAddress   ipcp.Address `cbor:"3,keyasint" json:"dest_address"`
	QoSID         uint32       `cbor:"4,keyasint" json:"qos_id"`
	SourceCEPID   int32        `cbor:"5,keyasint" json:"source_cep_id"`
	DestCEPID     int32        `cbor:"6,keyasint" json:"dest_cep_id"`
}

// reversed returns the connection as seen from the flow's destination.
func (c Connection) reversed(localPort ipcp.PortID) Connection {
	return Connection{
		PortID:        localPort,
		SourceAddress: c.DestAddress,
		DestAddress:   c.SourceAddress,
		QoSID:         c.QoSID,
		SourceCEPID:   c.DestCEPID,
		DestCEPID:     c.SourceCEPID,
	}
}

// FlowSpec is the quality of service an application asks of a flow.
type FlowSpec struct {
	AverageBandwidth uint64 `cbor:"1,keyasint,omitempty" json:"average_bandwidth,omitempty"`
	Delay            uint32 `cbor:"2,keyasint,omitempty" json:"delay,omitempty"`
	Jitter           uint32 `cbor:"3,keyasint,omitempty" json:"jitter,omitempty"`
	MaxAllowableGap  int32  `cbor:"4,keyasint,omitempty" json:"max_allowable_gap,omitempty"`
	MaxSDUSize       uint32 `cbor:"5,keyasint,omitempty" json:"max_sdu_size,omitempty"`
	OrderedDelivery  bool   `cbor:"6,keyasint,omitempty" json:"ordered_delivery,omitempty"`
	PartialDelivery  bool   `cbor:"7,keyasint,omitempty" json:"partial_delivery,omitempty"`
}

// Flow is the object the two flow allocator instances of a flow negotiate over.
type Flow struct {
	SourceNamingInfo      ipcp.NamingInfo   `cbor:"1,keyasint" json:"source_naming_info"`
	DestinationNamingInfo ipcp.NamingInfo   `cbor:"2,keyasint" json:"destination_naming_info"`
	SourcePortID          ipcp.PortID       `cbor:"3,keyasint" json:"source_port_id"`
	DestinationPortID     ipcp.PortID       `cbor:"4,keyasint" json:"destination_port_id"`
	SourceAddress         ipcp.Address      `cbor:"5,keyasint" json:"source_address"`
	DestinationAddress    ipcp.Address      `cbor:"6,keyasint" json:"destination_address"`
	Connections           []Connection      `cbor:"7,keyasint" json:"connections"`
	CurrentConnection     int               `cbor:"8,keyasint,omitempty" json:"current_connection,omitempty"`
	State                 FlowState         `cbor:"9,keyasint" json:"state"`
	Spec                  FlowSpec          `cbor:"10,keyasint" json:"spec"`
	Policies              map[string]string `cbor:"11,keyasint,omitempty" json:"policies,omitempty"`
	MaxCreateFlowRetries  int               `cbor:"12,keyasint,omitempty" json:"max_create_flow_retries,omitempty"`
	CreateFlowRetries     int               `cbor:"13,keyasint,omitempty" json:"create_flow_retries,omitempty"`
	HopCount              int               `cbor:"14,keyasint,omitempty" json:"hop_count,omitempty"`
	Source                bool              `cbor:"15,keyasint,omitempty" json:"source,omitempty"`
}

// Name returns the flow's name within the flow set: <source address>-<source port-id>.
func (f *Flow) Name() string {
	return fmt.Sprintf("%d-%d", f.SourceAddress, f.SourcePortID)
}

// ObjectName returns the full RIB name of the flow.
func (f *Flow) ObjectName() string {
	return rib.ChildName(FlowSetName, f.Name())
}

// setSource sets the flow's source address and port, and those of its connections.
func (f *Flow) setSource(addr ipcp.Address, port ipcp.PortID) {
	f.SourceAddress, f.SourcePortID = addr, port
	for i := range f.Connections {
		f.Connections[i].SourceAddress, f.Connections[i].PortID = addr, port
	}
}

func (f *Flow) setDestinationAddress(addr ipcp.Address) {
	f.DestinationAddress = addr
	for i := range f.Connections {
		f.Connections[i].DestAddress = addr
	}
}

// clone returns a deep copy of the flow.
func (f *Flow) clone() Flow {
	c := *f
	c.Connections = slices.Clone(f.Connections)
	c.Policies = maps.Clone(f.Policies)
	return c
}

// Request is an application's request for a flow to a remote application.
type Request struct {
	Local  ipcp.NamingInfo `json:"local"`
	Remote ipcp.NamingInfo `json:"remote"`
	Spec   FlowSpec        `json:"spec"`
}

// NewFlowPolicy translates an allocate request into the flow object that will be negotiated.
// Addresses are filled in by the allocator.
type NewFlowPolicy func(req Request, port ipcp.PortID) Flow

// DefaultNewFlowPolicy builds a flow carried by a single connection in QoS cube 1.
func DefaultNewFlowPolicy(req Request, port ipcp.PortID) Flow {
	return Flow{
		SourceNamingInfo:      req.Local,
		DestinationNamingInfo: req.Remote,
		SourcePortID:          port,
		Connections:           []Connection{{PortID: port, QoSID: 1}},
		State:                 FlowAllocationInProgress,
		Spec:                  req.Spec,
		MaxCreateFlowRetries:  DefaultMaxCreateFlowRetries,
		HopCount:              DefaultHopCount,
		Source:                true,
	}
}
