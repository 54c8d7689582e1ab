package enrollment_test

import (
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/docker/go-events"
	"github.com/rflandau/rina/internal/loopback"
	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/enrollment"
	"github.com/rflandau/rina/ipcp/rib"
)

const (
	// every generated process name contains it
	organization = "acme"
	prefix       = ipcp.Address(1000)
	// address of the DIF's first member; outside the organization's block
	memberAddress = ipcp.Address(1)
	stepTimeout   = 500 * time.Millisecond
)

var dif = enrollment.DIF{
	Name: "normal.DIF",
	DataTransferConstants: ipcp.DataTransferConstants{
		AddressLength: 2, CEPIDLength: 2, LengthLength: 2, PortIDLength: 2, QoSIDLength: 1,
		SequenceNumberLength: 4, MaxPDUSize: 1500, MaxPDULifetimeMillis: 1000,
	},
	QoSCubes: []ipcp.QoSCube{
		{ID: 1, Name: "unreliable"},
		{ID: 2, Name: "reliable", Delay: 50},
	},
	WhatevercastNames: []ipcp.WhatevercastName{{Name: "all members", Rule: "all"}},
}

type process struct {
	name   ipcp.NamingInfo
	ep     *loopback.Endpoint
	d      *rib.Daemon
	ra     *loopback.ResourceAllocator
	m      *loopback.IPCManager
	t      *enrollment.Task
	events *events.Channel
}

func processName() string {
	return randomdata.SillyName() + "." + organization + ".IPCP"
}

// newProcess attaches a process called name to net. Its task enrolls others with the organization's prefix.
func newProcess(t *testing.T, net *loopback.Network, name string, opts ...enrollment.TaskOption) *process {
	t.Helper()
	p := &process{
		name:   ipcp.NamingInfo{ProcessName: name, ProcessInstance: "1"},
		m:      loopback.NewIPCManager(),
		events: events.NewChannel(64),
	}
	p.ep = net.Endpoint(name)
	d, err := rib.NewDaemon(cdap.NewManager(), p.ep)
	if err != nil {
		t.Fatal(err)
	}
	p.d = d
	p.ep.Attach(d.ManagementSDUDelivered, d.FlowDeallocated)
	p.ra = loopback.NewResourceAllocator(net, p.ep)

	base := []enrollment.TaskOption{
		enrollment.WithIPCManager(p.m),
		enrollment.WithTimeout(stepTimeout),
		enrollment.WithAddressPrefixes(enrollment.AddressPrefix{Organization: organization, Prefix: prefix}),
	}
	task, err := enrollment.NewTask(d, p.name, p.ra, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	p.t = task
	p.ra.Attach(task)
	cancel := task.Subscribe(p.events)
	t.Cleanup(func() {
		cancel()
		_ = task.Close()
	})
	return p
}

// newMember returns a process that bootstrapped the DIF at memberAddress.
func newMember(t *testing.T, net *loopback.Network, opts ...enrollment.TaskOption) *process {
	t.Helper()
	p := newProcess(t, net, processName(), opts...)
	if err := p.t.Bootstrap(memberAddress, dif); err != nil {
		t.Fatal(err)
	}
	return p
}

// enroll has a enroll with b and waits until both sides are done.
func enroll(t *testing.T, a, b *process) enrollment.Key {
	t.Helper()
	if err := a.t.Enroll(enrollment.Request{Neighbor: b.name}); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, a, enrollment.EventEnrollmentCompleted)
	key := enrollment.Key{Neighbor: b.name.ProcessName, Port: ev.Port}
	WaitFor(t, time.Second, "enroller completion", func() bool {
		return b.t.IsEnrolledTo(a.name.ProcessName)
	})
	return key
}

// waitEvent returns the next event of the given kind published by p's task, skipping others.
func waitEvent(t *testing.T, p *process, kind enrollment.EventKind) enrollment.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-p.events.C:
			if ev, ok := raw.(enrollment.Event); ok && ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
			return enrollment.Event{}
		}
	}
}

// neighborSet reads the neighbor set of p through its RIB.
func neighborSet(t *testing.T, p *process) []enrollment.Neighbor {
	t.Helper()
	v, err := p.d.Read(rib.Target{Name: enrollment.NeighborSetName})
	if err != nil {
		t.Fatal(err)
	}
	ns, ok := v.([]enrollment.Neighbor)
	if !ok && v != nil {
		t.Fatalf("neighbor set holds a %T", v)
	}
	return ns
}
