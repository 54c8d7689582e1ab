package mgmt

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp"
)

// sink records what a transport reports.
type sink struct {
	mu          sync.Mutex
	sdus        [][]byte
	ports       []ipcp.PortID
	deallocated []ipcp.PortID
}

func (s *sink) deliver(sdu []byte, port ipcp.PortID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdus = append(s.sdus, bytes.Clone(sdu))
	s.ports = append(s.ports, port)
}

func (s *sink) dealloc(port ipcp.PortID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deallocated = append(s.deallocated, port)
}

func (s *sink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sdus)
}

// newTransport starts a transport on a system-picked localhost port.
func newTransport(t *testing.T, opts ...TransportOption) (*Transport, *sink) {
	t.Helper()
	tr, err := New(netip.MustParseAddrPort("127.0.0.1:0"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	s := &sink{}
	tr.Attach(s.deliver, s.dealloc)
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Stop)
	return tr, s
}

func TestNew(t *testing.T) {
	if _, err := New(netip.AddrPort{}); err == nil {
		t.Fatal("created a transport without an address")
	}
}

// Starts and stops a transport back to back, checking that it only sends while running.
func TestTransport_StartStop(t *testing.T) {
	addr := RandomLocalhostAddrPort()
	tr, err := New(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), addr.Port()))
	if err != nil {
		t.Fatal(err)
	}
	peer, _ := newTransport(t)
	if err := tr.AddPeer(1, peer.Addr()); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if err := tr.Start(); err != nil {
			t.Fatal(err)
		}
		if err := tr.Start(); err != nil { // no-op
			t.Fatal(err)
		}
		if !tr.Running() {
			t.Fatal("transport is not running after starting")
		}
		if err := tr.WriteManagementSDU(1, []byte("hello")); err != nil {
			t.Fatal(err)
		}
		tr.Stop()
		tr.Stop()
		if tr.Running() {
			t.Fatal("transport is running after stopping")
		}
		if err := tr.WriteManagementSDU(1, []byte("hello")); !errors.Is(err, ErrNotRunning) {
			t.Fatal(ExpectedActual(ErrNotRunning, err))
		}
	}
	if tr.Addr().Port() != addr.Port() {
		t.Fatal(ExpectedActual(addr.Port(), tr.Addr().Port()))
	}
	if ports := tr.Peers(); len(ports) != 1 || ports[0] != 1 {
		t.Fatal("peers were dropped on stop", ports)
	}
}

func TestTransport_Exchange(t *testing.T) {
	a, as := newTransport(t)
	b, bs := newTransport(t)
	if err := a.AddPeer(3, b.Addr()); err != nil {
		t.Fatal(err)
	}
	if err := b.AddPeer(8, a.Addr()); err != nil {
		t.Fatal(err)
	}

	const count = 20
	for i := range count {
		if err := a.WriteManagementSDU(3, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	WaitFor(t, 2*time.Second, "SDUs at b", func() bool { return bs.received() == count })
	bs.mu.Lock()
	for i, sdu := range bs.sdus {
		if bs.ports[i] != 8 {
			t.Error("SDU delivered on the wrong port", ExpectedActual(ipcp.PortID(8), bs.ports[i]))
		}
		if len(sdu) != 1 {
			t.Errorf("SDU %d has %d bytes", i, len(sdu))
		}
	}
	bs.mu.Unlock()

	if err := b.WriteManagementSDU(8, []byte("reply")); err != nil {
		t.Fatal(err)
	}
	WaitFor(t, 2*time.Second, "SDU at a", func() bool { return as.received() == 1 })
	as.mu.Lock()
	defer as.mu.Unlock()
	if string(as.sdus[0]) != "reply" || as.ports[0] != 3 {
		t.Fatalf("unexpected SDU %q on port %d", as.sdus[0], as.ports[0])
	}
}

func TestTransport_Peers(t *testing.T) {
	tr, s := newTransport(t)
	x := netip.MustParseAddrPort("127.0.0.1:4000")
	y := netip.MustParseAddrPort("127.0.0.1:4001")

	tests := []struct {
		name    string
		port    ipcp.PortID
		addr    netip.AddrPort
		wantErr bool
	}{
		{"bind", 1, x, false},
		{"bind again", 1, x, false},
		{"port taken", 1, y, true},
		{"address taken", 2, x, true},
		{"mapped address taken", 2, netip.MustParseAddrPort("[::ffff:127.0.0.1]:4000"), true},
		{"zero port", 0, y, true},
		{"invalid address", 2, netip.AddrPort{}, true},
		{"second peer", 2, y, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tr.AddPeer(tt.port, tt.addr); (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state (want error? %v): %v", tt.wantErr, err)
			}
		})
	}

	if ap, found := tr.Peer(2); !found || ap != y {
		t.Fatal(ExpectedActual(y, ap))
	}
	if err := tr.RemovePeer(1); err != nil {
		t.Fatal(err)
	}
	if err := tr.RemovePeer(1); !errors.Is(err, ErrNoPeer) {
		t.Fatal(ExpectedActual(ErrNoPeer, err))
	}
	if err := tr.WriteManagementSDU(1, nil); !errors.Is(err, ErrNoPeer) {
		t.Fatal(ExpectedActual(ErrNoPeer, err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deallocated) != 1 || s.deallocated[0] != 1 {
		t.Fatal("removal was not reported", s.deallocated)
	}
	// the address is free again
	if err := tr.AddPeer(3, x); err != nil {
		t.Fatal(err)
	}
}

func TestTransport_Drops(t *testing.T) {
	tr, s := newTransport(t, WithMaxSDUSize(16))
	if err := tr.WriteManagementSDU(1, make([]byte, 17)); err == nil {
		t.Fatal("sent an oversized SDU")
	}

	stranger, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(tr.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()
	if _, err := stranger.Write([]byte("who goes there")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := s.received(); n != 0 {
		t.Fatal("delivered an SDU from an unknown peer")
	}

	// bind the stranger and send one datagram too big, then one that fits
	if err := tr.AddPeer(4, stranger.LocalAddr().(*net.UDPAddr).AddrPort()); err != nil {
		t.Fatal(err)
	}
	if _, err := stranger.Write(make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	if _, err := stranger.Write([]byte("friend")); err != nil {
		t.Fatal(err)
	}
	WaitFor(t, 2*time.Second, "the fitting SDU", func() bool { return s.received() == 1 })
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sdus) != 1 || string(s.sdus[0]) != "friend" || s.ports[0] != 4 {
		t.Fatalf("unexpected deliveries %q on %v", s.sdus, s.ports)
	}
}
