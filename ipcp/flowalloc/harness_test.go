package flowalloc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/rflandau/rina/internal/loopback"
	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/flowalloc"
	"github.com/rflandau/rina/ipcp/rib"
)

// router is a static flowalloc.Router.
type router struct {
	mu   sync.Mutex
	addr ipcp.Address
	hops map[ipcp.Address]ipcp.PortID
}

func (r *router) Address() ipcp.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *router) NextHop(dst ipcp.Address) (ipcp.PortID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, found := r.hops[dst]
	return p, found
}

// acceptor accepts every CONNECT.
type acceptor struct{ d *rib.Daemon }

func (a *acceptor) Connect(msg *cdap.Message, desc cdap.Descriptor) {
	resp, _ := msg.Reply(0, "", nil)
	_ = a.d.Send(resp, desc.PortID, nil)
}
func (*acceptor) ConnectResponse(*cdap.Message, cdap.Descriptor) {}
func (*acceptor) Release(*cdap.Message, cdap.Descriptor)         {}
func (*acceptor) ReleaseResponse(*cdap.Message, cdap.Descriptor) {}

type process struct {
	name ipcp.NamingInfo
	ep   *loopback.Endpoint
	d    *rib.Daemon
	k    *loopback.Kernel
	m    *loopback.IPCManager
	r    *router
	a    *flowalloc.Allocator
	port ipcp.PortID // management flow to the other process of the pair
}

func newProcess(t *testing.T, net *loopback.Network, addr ipcp.Address, opts ...flowalloc.AllocatorOption) *process {
	t.Helper()
	p := &process{
		name: ipcp.NamingInfo{ProcessName: randomdata.SillyName() + ".IPCP", ProcessInstance: "1", EntityName: ipcp.ManagementAE},
		k:    loopback.NewKernel(),
		m:    loopback.NewIPCManager(),
		r:    &router{addr: addr, hops: make(map[ipcp.Address]ipcp.PortID)},
	}
	p.ep = net.Endpoint(p.name.ProcessName)
	d, err := rib.NewDaemon(cdap.NewManager(), p.ep)
	if err != nil {
		t.Fatal(err)
	}
	d.SetConnectionHandler(&acceptor{d: d})
	p.d = d
	p.ep.Attach(d.ManagementSDUDelivered, d.FlowDeallocated)
	a, err := flowalloc.NewAllocator(d, p.k, p.m, p.r, opts...)
	if err != nil {
		t.Fatal(err)
	}
	p.a = a
	p.k.Attach(a)
	return p
}

// newPair returns two connected processes at addresses 1 and 2.
func newPair(t *testing.T, opts ...flowalloc.AllocatorOption) (net *loopback.Network, a, b *process) {
	t.Helper()
	net = loopback.NewNetwork()
	a, b = newProcess(t, net, 1, opts...), newProcess(t, net, 2, opts...)
	a.port, b.port = net.Connect(a.ep, b.ep)
	a.r.hops[2], b.r.hops[1] = a.port, b.port

	msg, err := cdap.NewMessage(cdap.Connect, a.d.Sessions().NewInvokeID(), cdap.Fields{Src: a.name, Dst: b.name})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.d.Send(msg, a.port, nil); err != nil {
		t.Fatal(err)
	}
	WaitFor(t, time.Second, "management session", func() bool {
		s, found := a.d.Sessions().Session(a.port)
		return found && s.State() == cdap.StateConnected
	})
	return net, a, b
}

func app() ipcp.NamingInfo {
	return ipcp.NamingInfo{ProcessName: randomdata.Noun(), ProcessInstance: "1"}
}

// register registers dst at owner and waits for other to learn about it.
func register(t *testing.T, owner, other *process, dst ipcp.NamingInfo) {
	t.Helper()
	if err := owner.a.Directory().Register(dst); err != nil {
		t.Fatal(err)
	}
	WaitFor(t, time.Second, "directory propagation", func() bool {
		addr, found := other.a.Directory().AddressOf(dst)
		return found && addr == owner.r.Address()
	})
}

// allocate allocates a flow from a to an application registered at b, accepted by b.
func allocate(t *testing.T, a, b *process) (aPort, bPort ipcp.PortID) {
	t.Helper()
	dst := app()
	register(t, b, a, dst)
	b.m.Attach(b.a, func(flowalloc.Flow, ipcp.PortID) (bool, string) { return true, "" })
	aPort, err := a.a.SubmitAllocateRequest(flowalloc.Request{Local: app(), Remote: dst})
	if err != nil {
		t.Fatal(err)
	}
	WaitFor(t, time.Second, "allocation", func() bool {
		i, found := a.a.Instance(aPort)
		return found && i.State() == flowalloc.StateFlowAllocated
	})
	arrived := b.m.Arrived()
	if len(arrived) == 0 {
		t.Fatal("responder was never asked")
	}
	bPort = arrived[len(arrived)-1]
	WaitFor(t, time.Second, "responder allocation", func() bool {
		i, found := b.a.Instance(bPort)
		return found && i.State() == flowalloc.StateFlowAllocated
	})
	return aPort, bPort
}
