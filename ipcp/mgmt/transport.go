// Package mgmt carries management SDUs between IPC processes over UDP.
// A Transport stands in for the kernel's management flows: every peer is bound to a port id with AddPeer, SDUs
// written to that port are sent to the peer's address, and datagrams received from the peer are delivered as
// SDUs of that port. One datagram holds exactly one SDU.
//
// The transport satisfies rib.SDUWriter; Attach hands inbound SDUs to a RIB daemon.
package mgmt

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/rflandau/rina/ipcp"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// A Transport sends and receives management SDUs on one UDP socket.
type Transport struct {
	log    *zerolog.Logger
	addr   netip.AddrPort
	maxSDU int

	net struct {
		accepting atomic.Bool        // are we currently accepting datagrams?
		pconn     net.PacketConn     // the packet-oriented UDP connection we are listening on
		ctx       context.Context    // the context pconn is running under
		cancel    context.CancelFunc // callable to kill ctx
		wg        sync.WaitGroup     // the dispatch loop
	}

	peers struct {
		mu     sync.RWMutex
		byPort map[ipcp.PortID]netip.AddrPort
		byAddr map[netip.AddrPort]ipcp.PortID
	}

	mu          sync.RWMutex
	deliver     func(sdu []byte, port ipcp.PortID)
	deallocated func(port ipcp.PortID)
}

// New generates a transport bound to addr, optionally modified with opts.
// The returned transport is ready for use as soon as it is .Start()'d.
func New(addr netip.AddrPort, opts ...TransportOption) (*Transport, error) {
	if !addr.IsValid() {
		return nil, ErrBadAddr(addr)
	}
	t := &Transport{addr: addr, maxSDU: DefaultMaxSDUSize}
	t.peers.byPort = make(map[ipcp.PortID]netip.AddrPort)
	t.peers.byAddr = make(map[netip.AddrPort]ipcp.PortID)

	for _, opt := range opts {
		opt(t)
	}

	if t.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("sublogger", "mgmt").
			Str("address", addr.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		t.log = &l
	}

	t.log.Debug().Func(t.Zerolog).Msg("transport created")
	return t, nil
}

//#region getters

// Addr returns the address the transport listens on.
// While running, an unspecified port is replaced by the one the system picked.
func (t *Transport) Addr() netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// Running reports whether the transport is accepting datagrams.
func (t *Transport) Running() bool {
	return t.net.accepting.Load()
}

// Peers returns the port ids of every known peer, in order.
func (t *Transport) Peers() []ipcp.PortID {
	t.peers.mu.RLock()
	defer t.peers.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.peers.byPort))
}

// Peer returns the address bound to port.
func (t *Transport) Peer(port ipcp.PortID) (netip.AddrPort, bool) {
	t.peers.mu.RLock()
	defer t.peers.mu.RUnlock()
	ap, found := t.peers.byPort[port]
	return ap, found
}

//#endregion getters

// Attach sets where inbound SDUs and removed peers are reported (typically a RIB daemon's
// ManagementSDUDelivered and FlowDeallocated).
func (t *Transport) Attach(deliver func(sdu []byte, port ipcp.PortID), deallocated func(port ipcp.PortID)) {
	t.mu.Lock()
	t.deliver, t.deallocated = deliver, deallocated
	t.mu.Unlock()
}

//#region peers

// AddPeer binds port to the process listening at addr.
// A port and an address can each be bound once.
func (t *Transport) AddPeer(port ipcp.PortID, addr netip.AddrPort) error {
	if port <= 0 {
		return errors.New("port ids must be positive")
	}
	if !addr.IsValid() {
		return ErrBadAddr(addr)
	}
	addr = normalize(addr)
	t.peers.mu.Lock()
	defer t.peers.mu.Unlock()
	if cur, found := t.peers.byPort[port]; found {
		if cur == addr {
			return nil
		}
		return fmt.Errorf("port %d is bound to %v", port, cur)
	}
	if cur, found := t.peers.byAddr[addr]; found {
		return fmt.Errorf("%v is already bound to port %d", addr, cur)
	}
	t.peers.byPort[port] = addr
	t.peers.byAddr[addr] = port
	t.log.Debug().Int32("port", port).Str("peer", addr.String()).Msg("peer added")
	return nil
}

// RemovePeer unbinds port and reports the loss of its flow.
// Removing an unknown port is an error.
func (t *Transport) RemovePeer(port ipcp.PortID) error {
	t.peers.mu.Lock()
	addr, found := t.peers.byPort[port]
	if found {
		delete(t.peers.byPort, port)
		delete(t.peers.byAddr, addr)
	}
	t.peers.mu.Unlock()
	if !found {
		return errNoPeer(port)
	}
	t.log.Debug().Int32("port", port).Str("peer", addr.String()).Msg("peer removed")

	t.mu.RLock()
	f := t.deallocated
	t.mu.RUnlock()
	if f != nil {
		f(port)
	}
	return nil
}

// portOf returns the port bound to addr.
func (t *Transport) portOf(addr netip.AddrPort) (ipcp.PortID, bool) {
	t.peers.mu.RLock()
	defer t.peers.mu.RUnlock()
	port, found := t.peers.byAddr[normalize(addr)]
	return port, found
}

// normalize drops the IPv4-in-IPv6 mapping so that a peer is known by one address however the socket reports it.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

//#endregion peers

// WriteManagementSDU sends sdu to the peer bound to port.
func (t *Transport) WriteManagementSDU(port ipcp.PortID, sdu []byte) error {
	if len(sdu) > t.maxSDU {
		return ErrSDUTooLarge(len(sdu), t.maxSDU)
	}
	addr, found := t.Peer(port)
	if !found {
		return errNoPeer(port)
	}
	t.mu.RLock()
	pconn := t.net.pconn
	t.mu.RUnlock()
	if !t.net.accepting.Load() || pconn == nil {
		return ErrNotRunning
	}

	n, err := pconn.WriteTo(sdu, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		t.log.Warn().Err(err).Int32("port", port).Str("peer", addr.String()).Msg("failed to send SDU")
		return err
	} else if n != len(sdu) {
		t.log.Warn().Int("total bytes written", n).Int("SDU length (Bytes)", len(sdu)).Msg("bytes written does not equal SDU length")
	}
	return nil
}

// Start causes the transport to begin listening.
// Ineffectual if already listening.
func (t *Transport) Start() error {
	if swapped := t.net.accepting.CompareAndSwap(false, true); !swapped {
		return nil
	}

	t.net.ctx, t.net.cancel = context.WithCancel(context.Background())

	pconn, err := (&net.ListenConfig{}).ListenPacket(t.net.ctx, "udp", t.addr.String())
	if err != nil {
		t.net.cancel()
		t.net.accepting.Store(false)
		return err
	}
	t.mu.Lock()
	t.net.pconn = pconn
	if ua, ok := pconn.LocalAddr().(*net.UDPAddr); ok {
		t.addr = netip.AddrPortFrom(t.addr.Addr(), ua.AddrPort().Port())
	}
	t.mu.Unlock()

	t.log.Info().Str("local address", t.Addr().String()).Msg("accepting management SDUs")
	t.net.wg.Add(1)
	go t.dispatch(pconn)
	return nil
}

// dispatch delivers incoming datagrams as SDUs of their peer's port.
// SDUs are delivered one at a time, so a flow's SDUs arrive in the order they were read.
// Spun up by .Start(), shuttered by .Stop().
func (t *Transport) dispatch(pconn net.PacketConn) {
	defer t.net.wg.Done()
	for {
		// one spare byte detects oversized datagrams
		var pktbuf = make([]byte, t.maxSDU+1)
		rxN, senderAddr, err := pconn.ReadFrom(pktbuf)
		if err != nil {
			if t.net.accepting.Load() {
				t.log.Warn().Err(err).Msg("packet read error, returning...")
			}
			return
		} else if rxN == 0 {
			t.log.Debug().Msg("zero byte datagram received")
			continue
		} else if rxN > t.maxSDU {
			t.log.Warn().Str("sender address", senderAddr.String()).Msg("dropping oversized datagram")
			continue
		}
		ua, ok := senderAddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		port, found := t.portOf(ua.AddrPort())
		if !found {
			t.log.Debug().Str("sender address", senderAddr.String()).Msg("dropping datagram from unknown peer")
			continue
		}
		t.log.Debug().Str("sender address", senderAddr.String()).Int32("port", port).Int("SDU size (bytes)", rxN).Msg("SDU received")

		t.mu.RLock()
		f := t.deliver
		t.mu.RUnlock()
		if f != nil {
			f(pktbuf[:rxN], port)
		}
	}
}

// Stop causes the transport to stop listening and waits for the dispatch loop to exit.
// Peers stay bound. Ineffectual if not listening.
func (t *Transport) Stop() {
	if !t.net.accepting.CompareAndSwap(true, false) {
		return
	}

	t.log.Info().Msg("initializing graceful shutdown")
	if t.net.cancel != nil {
		t.net.cancel()
	}
	t.mu.Lock()
	pconn := t.net.pconn
	t.net.pconn = nil
	t.mu.Unlock()
	var pconnCloseErr error
	if pconn != nil {
		pconnCloseErr = pconn.Close()
	}
	t.net.wg.Wait()
	t.net.ctx = nil
	t.log.Info().AnErr("conn close error", pconnCloseErr).Msg("completed graceful shutdown")
}

// Zerolog pretty prints the state of the transport into the given zerolog event.
// Intended to be given to *zerolog.Event.Func().
func (t *Transport) Zerolog(e *zerolog.Event) {
	e.Str("address", t.Addr().String()).
		Bool("accepting", t.net.accepting.Load()).
		Int("max SDU size", t.maxSDU)
	t.peers.mu.RLock()
	d := zerolog.Dict()
	for port, addr := range t.peers.byPort {
		d.Str(strconv.FormatInt(int64(port), 10), addr.String())
	}
	t.peers.mu.RUnlock()
	e.Dict("peers", d)
}
