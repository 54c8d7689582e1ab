package flowalloc_test

import (
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rflandau/rina/internal/loopback"
	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/flowalloc"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/sethvargo/go-retry"
)

const mpl = 20 * time.Millisecond

func TestFlow_Name(t *testing.T) {
	f := flowalloc.DefaultNewFlowPolicy(flowalloc.Request{}, 12)
	f.SourceAddress = 1000
	if f.Name() != "1000-12" {
		t.Fatal(ExpectedActual("1000-12", f.Name()))
	}
	if want := flowalloc.FlowSetName + "/1000-12"; f.ObjectName() != want {
		t.Fatal(ExpectedActual(want, f.ObjectName()))
	}
	if len(f.Connections) != 1 || f.Connections[0].PortID != 12 {
		t.Fatalf("unexpected connections %+v", f.Connections)
	}
}

func TestDirectory(t *testing.T) {
	_, a, b := newPair(t)
	dst := app()

	t.Run("register propagates", func(t *testing.T) {
		register(t, a, b, dst)
		if addr, found := a.a.Directory().AddressOf(dst); !found || addr != 1 {
			t.Fatal(ExpectedActual(ipcp.Address(1), addr))
		}
	})
	t.Run("unregister propagates", func(t *testing.T) {
		if err := a.a.Directory().Unregister(dst); err != nil {
			t.Fatal(err)
		}
		WaitFor(t, time.Second, "unregistration", func() bool {
			_, found := b.a.Directory().AddressOf(dst)
			return !found
		})
	})
	t.Run("remove address", func(t *testing.T) {
		other := app()
		register(t, a, b, other)
		b.a.Directory().RemoveAddress(1)
		if _, found := b.a.Directory().AddressOf(other); found {
			t.Fatal("entry of a lost neighbor survived")
		}
		if _, found := a.a.Directory().AddressOf(other); !found {
			t.Fatal("removal leaked to the neighbor")
		}
	})
	t.Run("no address", func(t *testing.T) {
		a.r.mu.Lock()
		a.r.addr = 0
		a.r.mu.Unlock()
		defer func() {
			a.r.mu.Lock()
			a.r.addr = 1
			a.r.mu.Unlock()
		}()
		if err := a.a.Directory().Register(app()); !errors.Is(err, flowalloc.ErrNoAddress) {
			t.Fatal(ExpectedActual(flowalloc.ErrNoAddress, err))
		}
	})
}

func TestAllocator_Allocate(t *testing.T) {
	_, a, b := newPair(t, flowalloc.WithMaximumPacketLifetime(mpl))
	aPort, bPort := allocate(t, a, b)

	if res := a.m.Results(); len(res) != 1 || res[0].Err != nil || res[0].Port != aPort {
		t.Fatalf("unexpected allocation results %+v", res)
	}
	ai, _ := a.a.Instance(aPort)
	bi, _ := b.a.Instance(bPort)
	af, bf := ai.Flow(), bi.Flow()
	if af.Name() != bf.Name() {
		t.Fatal("the two ends disagree on the flow's name", ExpectedActual(af.Name(), bf.Name()))
	}
	if af.DestinationPortID != bPort || bf.DestinationPortID != bPort {
		t.Fatal("destination port was not propagated", ExpectedActual(bPort, af.DestinationPortID))
	}
	if af.SourceAddress != 1 || af.DestinationAddress != 2 {
		t.Fatalf("unexpected addresses %d -> %d", af.SourceAddress, af.DestinationAddress)
	}

	t.Run("endpoint ids are exchanged", func(t *testing.T) {
		ac, bc := a.k.Connections()[aPort], b.k.Connections()[bPort]
		if ac.SourceCEPID <= 0 || bc.SourceCEPID <= 0 {
			t.Fatal("kernels did not allocate endpoints")
		}
		if ac.DestCEPID != bc.SourceCEPID {
			t.Fatal("requester does not know the responder's endpoint", ExpectedActual(bc.SourceCEPID, ac.DestCEPID))
		}
		if bc.DestCEPID != ac.SourceCEPID {
			t.Fatal("responder does not know the requester's endpoint", ExpectedActual(ac.SourceCEPID, bc.DestCEPID))
		}
	})
	t.Run("published in both RIBs", func(t *testing.T) {
		for _, p := range []*process{a, b} {
			v, err := p.d.Read(rib.Target{Name: af.ObjectName()})
			if err != nil {
				t.Fatal(err)
			}
			f, ok := v.(flowalloc.Flow)
			if !ok || f.State != flowalloc.FlowAllocated {
				t.Fatalf("unexpected flow object %+v", v)
			}
			flows, err := p.d.Read(rib.Target{Name: flowalloc.FlowSetName})
			if err != nil {
				t.Fatal(err)
			}
			if len(flows.([]flowalloc.Flow)) != 1 {
				t.Fatal(ExpectedActual(1, len(flows.([]flowalloc.Flow))))
			}
		}
	})
	t.Run("out of state events are ignored", func(t *testing.T) {
		a.a.ConnectionUpdated(aPort, -1)
		a.a.ConnectionCreated(aPort, 77)
		a.a.ConnectionCreated(4242, 1)
		if err := a.a.SubmitAllocateResponse(aPort, true, ""); !errors.Is(err, flowalloc.ErrBadState) {
			t.Fatal(ExpectedActual(flowalloc.ErrBadState, err))
		}
		time.Sleep(10 * time.Millisecond)
		if s := ai.State(); s != flowalloc.StateFlowAllocated {
			t.Fatal(ExpectedActual(flowalloc.StateFlowAllocated, s))
		}
	})
}

func TestAllocator_ManualResponse(t *testing.T) {
	_, a, b := newPair(t)
	dst := app()
	register(t, b, a, dst)
	aPort, err := a.a.SubmitAllocateRequest(flowalloc.Request{Local: app(), Remote: dst})
	if err != nil {
		t.Fatal(err)
	}
	WaitFor(t, time.Second, "incoming flow", func() bool { return len(b.m.Arrived()) == 1 })
	bPort := b.m.Arrived()[0]
	bi, _ := b.a.Instance(bPort)
	if s := bi.State(); s != flowalloc.StateAppNotified {
		t.Fatal(ExpectedActual(flowalloc.StateAppNotified, s))
	}
	if err := b.a.SubmitAllocateResponse(bPort+1, true, ""); !errors.Is(err, flowalloc.ErrUnknownPort) {
		t.Fatal(ExpectedActual(flowalloc.ErrUnknownPort, err))
	}
	if err := b.a.SubmitAllocateResponse(bPort, true, ""); err != nil {
		t.Fatal(err)
	}
	WaitFor(t, time.Second, "allocation", func() bool {
		i, found := a.a.Instance(aPort)
		return found && i.State() == flowalloc.StateFlowAllocated && bi.State() == flowalloc.StateFlowAllocated
	})
	bf := bi.Flow()
	v, err := b.d.Read(rib.Target{Name: bf.ObjectName()})
	if err != nil {
		t.Fatal(err)
	}
	if v.(flowalloc.Flow).DestinationNamingInfo != dst {
		t.Fatal(ExpectedActual(dst, v.(flowalloc.Flow).DestinationNamingInfo))
	}
}

func TestAllocator_Failures(t *testing.T) {
	t.Run("no directory entry", func(t *testing.T) {
		_, a, _ := newPair(t)
		_, err := a.a.SubmitAllocateRequest(flowalloc.Request{Local: app(), Remote: app()})
		if !errors.Is(err, flowalloc.ErrNoDirectoryEntry) {
			t.Fatal(ExpectedActual(flowalloc.ErrNoDirectoryEntry, err))
		}
		if len(a.a.Instances()) != 0 || a.m.PortInUse(loopback.FirstFlowPort) {
			t.Fatal("failed request left an instance or a port behind")
		}
	})
	t.Run("local destination", func(t *testing.T) {
		_, a, b := newPair(t)
		dst := app()
		register(t, a, b, dst)
		if _, err := a.a.SubmitAllocateRequest(flowalloc.Request{Local: app(), Remote: dst}); !errors.Is(err, flowalloc.ErrLocalFlow) {
			t.Fatal(ExpectedActual(flowalloc.ErrLocalFlow, err))
		}
	})
	t.Run("kernel refuses", func(t *testing.T) {
		_, a, b := newPair(t)
		dst := app()
		register(t, b, a, dst)
		a.k.Refuse(true)
		port, err := a.a.SubmitAllocateRequest(flowalloc.Request{Local: app(), Remote: dst})
		if err != nil {
			t.Fatal(err)
		}
		WaitFor(t, time.Second, "allocation result", func() bool { return len(a.m.Results()) == 1 })
		if err := a.m.Results()[0].Err; !errors.Is(err, flowalloc.ErrKernel) {
			t.Fatal(ExpectedActual(flowalloc.ErrKernel, err))
		}
		if _, found := a.a.Instance(port); found || a.m.PortInUse(port) {
			t.Fatal("failed instance was not released")
		}
	})
	t.Run("application rejects", func(t *testing.T) {
		_, a, b := newPair(t)
		dst := app()
		register(t, b, a, dst)
		b.m.Attach(b.a, func(flowalloc.Flow, ipcp.PortID) (bool, string) { return false, "busy" })
		port, err := a.a.SubmitAllocateRequest(flowalloc.Request{Local: app(), Remote: dst})
		if err != nil {
			t.Fatal(err)
		}
		WaitFor(t, time.Second, "allocation result", func() bool { return len(a.m.Results()) == 1 })
		if err := a.m.Results()[0].Err; !errors.Is(err, flowalloc.ErrRejected) {
			t.Fatal(ExpectedActual(flowalloc.ErrRejected, err))
		}
		if _, found := a.a.Instance(port); found || a.m.PortInUse(port) || len(a.k.Connections()) != 0 {
			t.Fatal("requester was not cleaned up")
		}
		WaitFor(t, time.Second, "responder cleanup", func() bool {
			return len(b.a.Instances()) == 0 && len(b.k.Connections()) == 0
		})
	})
}

func TestAllocator_CreateRetry(t *testing.T) {
	backoff := func() retry.Backoff { return retry.WithMaxRetries(3, retry.NewConstant(5*time.Millisecond)) }

	t.Run("second attempt accepted", func(t *testing.T) {
		_, a, b := newPair(t, flowalloc.WithCreateRetry(backoff))
		dst := app()
		register(t, b, a, dst)
		var asked atomic.Int32
		b.m.Attach(b.a, func(flowalloc.Flow, ipcp.PortID) (bool, string) {
			return asked.Add(1) > 1, "not yet"
		})
		port, err := a.a.SubmitAllocateRequest(flowalloc.Request{Local: app(), Remote: dst})
		if err != nil {
			t.Fatal(err)
		}
		WaitFor(t, time.Second, "allocation result", func() bool { return len(a.m.Results()) == 1 })
		if err := a.m.Results()[0].Err; err != nil {
			t.Fatal(err)
		}
		i, _ := a.a.Instance(port)
		if n := i.Flow().CreateFlowRetries; n != 1 {
			t.Fatal(ExpectedActual(1, n))
		}
	})
	t.Run("retries exhausted", func(t *testing.T) {
		_, a, b := newPair(t, flowalloc.WithCreateRetry(backoff))
		dst := app()
		register(t, b, a, dst)
		b.m.Attach(b.a, func(flowalloc.Flow, ipcp.PortID) (bool, string) { return false, "never" })
		if _, err := a.a.SubmitAllocateRequest(flowalloc.Request{Local: app(), Remote: dst}); err != nil {
			t.Fatal(err)
		}
		WaitFor(t, time.Second, "allocation result", func() bool { return len(a.m.Results()) == 1 })
		if err := a.m.Results()[0].Err; !errors.Is(err, flowalloc.ErrRejected) {
			t.Fatal(ExpectedActual(flowalloc.ErrRejected, err))
		}
		// one original attempt plus DefaultMaxCreateFlowRetries
		if n := len(b.m.Arrived()); n != 1+flowalloc.DefaultMaxCreateFlowRetries {
			t.Fatal(ExpectedActual(1+flowalloc.DefaultMaxCreateFlowRetries, n))
		}
	})
}

func TestAllocator_Deallocate(t *testing.T) {
	_, a, b := newPair(t, flowalloc.WithMaximumPacketLifetime(mpl))
	aPort, bPort := allocate(t, a, b)
	ai, _ := a.a.Instance(aPort)
	af := ai.Flow()
	name := af.ObjectName()

	if err := a.a.SubmitDeallocate(aPort); err != nil {
		t.Fatal(err)
	}
	if s := ai.State(); s != flowalloc.StateWaiting2MPLBeforeTeardown {
		t.Fatal(ExpectedActual(flowalloc.StateWaiting2MPLBeforeTeardown, s))
	}
	if _, found := a.d.Object(name); !found {
		t.Fatal("flow object removed before 2*MPL")
	}
	WaitFor(t, time.Second, "peer notified", func() bool { return slices.Contains(b.m.Deallocated(), bPort) })

	time.Sleep(2 * mpl)
	WaitFor(t, time.Second, "teardown", func() bool {
		return len(a.a.Instances()) == 0 && len(b.a.Instances()) == 0
	})
	for _, p := range []*process{a, b} {
		if len(p.a.Instances()) != 0 {
			t.Fatal("instance survived teardown")
		}
		if _, found := p.d.Object(name); found {
			t.Fatal("flow object survived teardown")
		}
		if len(p.k.Connections()) != 0 {
			t.Fatal("connection survived teardown")
		}
	}
	if a.m.PortInUse(aPort) || b.m.PortInUse(bPort) {
		t.Fatal("port ids were not released")
	}
	if err := a.a.SubmitDeallocate(aPort); !errors.Is(err, flowalloc.ErrUnknownPort) {
		t.Fatal(ExpectedActual(flowalloc.ErrUnknownPort, err))
	}
}

func TestAllocator_UnderlyingFlowLost(t *testing.T) {
	net, a, b := newPair(t, flowalloc.WithMaximumPacketLifetime(mpl))
	aPort, bPort := allocate(t, a, b)
	if err := net.Disconnect(a.ep, a.port); err != nil {
		t.Fatal(err)
	}
	WaitFor(t, time.Second, "instances aborted", func() bool {
		return len(a.a.Instances()) == 0 && len(b.a.Instances()) == 0
	})
	if !slices.Contains(a.m.Deallocated(), aPort) || !slices.Contains(b.m.Deallocated(), bPort) {
		t.Fatal("IPC managers were not told")
	}
	if len(a.k.Connections()) != 0 || len(b.k.Connections()) != 0 {
		t.Fatal("connections survived the loss of the management flow")
	}
}
