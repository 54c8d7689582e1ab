package loopback

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/enrollment"
	"github.com/rflandau/rina/ipcp/flowalloc"
)

// FirstFlowPort is the first port id the IPC manager hands out to flows.
const FirstFlowPort ipcp.PortID = 100

// AllocationResult is one outcome reported through AllocateFlowRequestResult.
type AllocationResult struct {
	Request flowalloc.Request
	Port    ipcp.PortID
	Err     error
}

// EnrollmentResult is one outcome reported through EnrollToDIFResponse.
type EnrollmentResult struct {
	Request   enrollment.Request
	Neighbors []enrollment.Neighbor
	Err       error
}

// Decider answers incoming flow requests on behalf of the destination application.
type Decider func(flow flowalloc.Flow, port ipcp.PortID) (accept bool, reason string)

// IPCManager is a flowalloc.IPCManager and an enrollment.IPCManager that records every outcome.
// If a Decider is set, incoming flows are answered automatically through the allocator.
type IPCManager struct {
	mu          sync.Mutex
	allocator   *flowalloc.Allocator
	decide      Decider
	lastPort    ipcp.PortID
	ports       map[ipcp.PortID]ipcp.NamingInfo
	results     []AllocationResult
	arrived     []ipcp.PortID
	deallocated []ipcp.PortID
	enrollments []EnrollmentResult
}

var (
	_ flowalloc.IPCManager  = (*IPCManager)(nil)
	_ enrollment.IPCManager = (*IPCManager)(nil)
)

func NewIPCManager() *IPCManager {
	return &IPCManager{lastPort: FirstFlowPort - 1, ports: make(map[ipcp.PortID]ipcp.NamingInfo)}
}

// Attach sets the allocator incoming flows are answered through, and how they are answered.
// A nil decide leaves them unanswered (see flowalloc.Allocator.SubmitAllocateResponse).
func (m *IPCManager) Attach(a *flowalloc.Allocator, decide Decider) {
	m.mu.Lock()
	m.allocator, m.decide = a, decide
	m.mu.Unlock()
}

func (m *IPCManager) AllocatePortID(app ipcp.NamingInfo) (ipcp.PortID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app.ProcessName == "" {
		return 0, fmt.Errorf("an application name is required")
	}
	m.lastPort++
	m.ports[m.lastPort] = app
	return m.lastPort, nil
}

func (m *IPCManager) DeallocatePortID(port ipcp.PortID) {
	m.mu.Lock()
	delete(m.ports, port)
	m.mu.Unlock()
}

func (m *IPCManager) AllocateFlowRequestResult(req flowalloc.Request, port ipcp.PortID, err error) {
	m.mu.Lock()
	m.results = append(m.results, AllocationResult{Request: req, Port: port, Err: err})
	m.mu.Unlock()
}

func (m *IPCManager) AllocateFlowRequestArrived(flow flowalloc.Flow, port ipcp.PortID) {
	m.mu.Lock()
	m.arrived = append(m.arrived, port)
	a, decide := m.allocator, m.decide
	m.mu.Unlock()
	if a == nil || decide == nil {
		return
	}
	accept, reason := decide(flow, port)
	_ = a.SubmitAllocateResponse(port, accept, reason)
}

func (m *IPCManager) FlowDeallocated(port ipcp.PortID) {
	m.mu.Lock()
	m.deallocated = append(m.deallocated, port)
	m.mu.Unlock()
}

func (m *IPCManager) EnrollToDIFResponse(req enrollment.Request, neighbors []enrollment.Neighbor, err error) {
	m.mu.Lock()
	m.enrollments = append(m.enrollments, EnrollmentResult{Request: req, Neighbors: neighbors, Err: err})
	m.mu.Unlock()
}

// PortInUse reports whether port is allocated.
func (m *IPCManager) PortInUse(port ipcp.PortID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.ports[port]
	return found
}

// Results returns the allocation outcomes reported so far.
func (m *IPCManager) Results() []AllocationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.results)
}

// Arrived returns the ports of the incoming flows reported so far.
func (m *IPCManager) Arrived() []ipcp.PortID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.arrived)
}

// Deallocated returns the ports of the flows reported as deallocated.
func (m *IPCManager) Deallocated() []ipcp.PortID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deallocated)
}

// Enrollments returns the enrollment outcomes reported so far.
func (m *IPCManager) Enrollments() []EnrollmentResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.enrollments)
}
