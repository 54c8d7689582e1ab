package rib_test

import (
	"sync"
	"testing"

	"github.com/Pallinder/go-randomdata"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/rib"
)

type frame struct {
	port ipcp.PortID
	sdu  []byte
}

// wire queues outbound SDUs until the test pumps them.
type wire struct {
	mu     sync.Mutex
	frames []frame
}

func (w *wire) WriteManagementSDU(port ipcp.PortID, sdu []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, frame{port, append([]byte(nil), sdu...)})
	return nil
}

func (w *wire) drain() []frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := w.frames
	w.frames = nil
	return f
}

// count returns the number of queued frames per port.
func (w *wire) count() map[ipcp.PortID]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[ipcp.PortID]int)
	for _, f := range w.frames {
		out[f.port]++
	}
	return out
}

// acceptor accepts every CONNECT and answers every RELEASE.
type acceptor struct{ d *rib.Daemon }

func (a *acceptor) Connect(msg *cdap.Message, desc cdap.Descriptor) {
	resp, _ := msg.Reply(0, "", nil)
	_ = a.d.Send(resp, desc.PortID, nil)
}
func (a *acceptor) ConnectResponse(*cdap.Message, cdap.Descriptor) {}
func (a *acceptor) Release(msg *cdap.Message, desc cdap.Descriptor) {
	if msg.InvokeID != 0 {
		resp, _ := msg.Reply(0, "", nil)
		_ = a.d.Send(resp, desc.PortID, nil)
	}
}
func (a *acceptor) ReleaseResponse(*cdap.Message, cdap.Descriptor) {}

type node struct {
	name ipcp.NamingInfo
	d    *rib.Daemon
	out  *wire
}

func newNode(t *testing.T) *node {
	t.Helper()
	n := &node{
		name: ipcp.NamingInfo{ProcessName: randomdata.SillyName() + ".IPCP", ProcessInstance: "1", EntityName: ipcp.ManagementAE},
		out:  &wire{},
	}
	d, err := rib.NewDaemon(cdap.NewManager(), n.out)
	if err != nil {
		t.Fatal(err)
	}
	d.SetConnectionHandler(&acceptor{d: d})
	n.d = d
	return n
}

// star is a hub node with one peer per port (1..n); each flow uses the same port id on both ends.
type star struct {
	hub   *node
	peers map[ipcp.PortID]*node
}

func newStar(t *testing.T, n int) *star {
	t.Helper()
	s := &star{hub: newNode(t), peers: make(map[ipcp.PortID]*node)}
	for i := 1; i <= n; i++ {
		s.peers[ipcp.PortID(i)] = newNode(t)
	}
	return s
}

// pump delivers queued SDUs in both directions until the network is quiet.
func (s *star) pump() {
	for {
		moved := false
		for _, f := range s.hub.out.drain() {
			moved = true
			if p, found := s.peers[f.port]; found {
				p.d.ManagementSDUDelivered(f.sdu, f.port)
			}
		}
		for port, p := range s.peers {
			for _, f := range p.out.drain() {
				moved = true
				s.hub.d.ManagementSDUDelivered(f.sdu, port)
			}
		}
		if !moved {
			return
		}
	}
}

// connectAll opens a session from the hub to every peer.
func (s *star) connectAll(t *testing.T) {
	t.Helper()
	for port, p := range s.peers {
		msg, err := cdap.NewMessage(cdap.Connect, s.hub.d.Sessions().NewInvokeID(), cdap.Fields{Src: s.hub.name, Dst: p.name})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.hub.d.Send(msg, port, nil); err != nil {
			t.Fatal(err)
		}
	}
	s.pump()
	if got := len(s.hub.d.Sessions().ConnectedPorts()); got != len(s.peers) {
		t.Fatalf("expected %d connected sessions, found %d", len(s.peers), got)
	}
}
