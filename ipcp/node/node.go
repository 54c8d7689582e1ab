// Package node assembles one IPC process out of its components: a CDAP session manager, a RIB daemon, the
// enrollment task, the flow allocator, a UDP management transport and, optionally, the inspection console.
// A Node can be spun up with New and directed through Start, Stop, AddPeer and Enroll.
//
// The data-transfer side (kernel connections and application port ids) is served by the in-memory stand-ins
// of internal/loopback.
package node

import (
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"os"
	"slices"
	"sync"

	"github.com/docker/go-events"
	"github.com/hashicorp/go-multierror"
	"github.com/rflandau/rina/internal/loopback"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/console"
	"github.com/rflandau/rina/ipcp/enrollment"
	"github.com/rflandau/rina/ipcp/flowalloc"
	"github.com/rflandau/rina/ipcp/mgmt"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var ErrUnknownPeer = errors.New("no peer is known by that name")

// eventBuffer is how many enrollment events may queue before the task blocks on the node.
const eventBuffer = 64

// Peer is another IPC process reachable over UDP.
// Both ends must bind the management flow between them to the same port id.
type Peer struct {
	Name     string         // process name
	Instance string         // process instance; empty matches any
	Addr     netip.AddrPort // where its transport listens
	Port     ipcp.PortID    // port id of the management flow to it
}

// A Node is one IPC process.
type Node struct {
	log         *zerolog.Logger
	name        ipcp.NamingInfo
	listen      netip.AddrPort
	consoleAddr netip.AddrPort
	decide      loopback.Decider

	initialPeers []Peer
	opts         struct {
		sessions   []cdap.ManagerOption
		enrollment []enrollment.TaskOption
		allocator  []flowalloc.AllocatorOption
	}

	sessions  *cdap.Manager
	d         *rib.Daemon
	transport *mgmt.Transport
	task      *enrollment.Task
	allocator *flowalloc.Allocator
	kernel    *loopback.Kernel
	manager   *loopback.IPCManager
	console   *console.Console // nil unless WithConsole

	running atomic.Bool
	events  *events.Channel
	cancel  func() // ends the enrollment subscription
	wg      sync.WaitGroup

	mu    sync.RWMutex
	peers map[string]Peer
}

// New assembles the IPC process called name, optionally modified with opts.
// The returned node is ready for use as soon as it is .Start()'d.
func New(name ipcp.NamingInfo, opts ...NodeOption) (*Node, error) {
	if name.ProcessName == "" {
		return nil, errors.New("a node needs a process name")
	}
	n := &Node{
		name:    name,
		listen:  DefaultListenAddress,
		decide:  func(flowalloc.Flow, ipcp.PortID) (bool, string) { return true, "" },
		kernel:  loopback.NewKernel(),
		manager: loopback.NewIPCManager(),
		peers:   make(map[string]Peer),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"node"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("node", name.ProcessName).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		n.log = &l
	}

	if err := n.assemble(); err != nil {
		return nil, err
	}
	for _, p := range n.initialPeers {
		if err := n.AddPeer(p); err != nil {
			_ = n.task.Close()
			return nil, err
		}
	}

	n.log.Debug().Func(n.Zerolog).Msg("node created")
	return n, nil
}

// sublogger derives the logger handed to one component.
func (n *Node) sublogger(component string) *zerolog.Logger {
	l := n.log.With().Str("sublogger", component).Logger()
	return &l
}

// assemble builds the components in dependency order.
// Caller-supplied component options are applied after the node's own, so they win.
func (n *Node) assemble() error {
	var err error
	n.transport, err = mgmt.New(n.listen, mgmt.WithLogger(n.sublogger("mgmt")))
	if err != nil {
		return err
	}

	n.sessions = cdap.NewManager(append([]cdap.ManagerOption{cdap.WithLogger(n.sublogger("cdap"))}, n.opts.sessions...)...)
	if n.d, err = rib.NewDaemon(n.sessions, n.transport, rib.WithLogger(n.sublogger("rib"))); err != nil {
		return err
	}
	n.transport.Attach(n.d.ManagementSDUDelivered, n.d.FlowDeallocated)

	taskOpts := append([]enrollment.TaskOption{
		enrollment.WithLogger(n.sublogger("enrollment")),
		enrollment.WithIPCManager(n.manager),
	}, n.opts.enrollment...)
	if n.task, err = enrollment.NewTask(n.d, n.name, &udpFlows{n: n}, taskOpts...); err != nil {
		return err
	}

	allocOpts := append([]flowalloc.AllocatorOption{flowalloc.WithLogger(n.sublogger("flowalloc"))}, n.opts.allocator...)
	if n.allocator, err = flowalloc.NewAllocator(n.d, n.kernel, n.manager, n.task, allocOpts...); err != nil {
		_ = n.task.Close()
		return err
	}
	n.kernel.Attach(n.allocator)
	n.manager.Attach(n.allocator, n.decide)

	if n.consoleAddr.IsValid() {
		if n.console, err = console.New(n.d, n.sessions,
			console.WithLogger(n.sublogger("console")), console.WithAddress(n.consoleAddr)); err != nil {
			_ = n.task.Close()
			return err
		}
	}
	return nil
}

//#region getters

func (n *Node) Name() ipcp.NamingInfo                          { return n.name }
func (n *Node) Sessions() *cdap.Manager                        { return n.sessions }
func (n *Node) Daemon() *rib.Daemon                            { return n.d }
func (n *Node) Transport() *mgmt.Transport                     { return n.transport }
func (n *Node) Enrollment() *enrollment.Task                   { return n.task }
func (n *Node) Allocator() *flowalloc.Allocator                { return n.allocator }
func (n *Node) Kernel() *loopback.Kernel                       { return n.kernel }
func (n *Node) IPCManager() *loopback.IPCManager               { return n.manager }
func (n *Node) Directory() *flowalloc.DirectoryForwardingTable { return n.allocator.Directory() }

// Console returns the inspection console (nil if the node was not given one).
func (n *Node) Console() *console.Console { return n.console }

// Running reports whether the node has been started and not stopped since.
func (n *Node) Running() bool { return n.running.Load() }

// Peer returns the peer called name.
func (n *Node) Peer(name string) (Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, found := n.peers[name]
	return p, found
}

// Peers returns every known peer, ordered by name.
func (n *Node) Peers() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, name := range slices.Sorted(maps.Keys(n.peers)) {
		out = append(out, n.peers[name])
	}
	return out
}

//#endregion getters

// AddPeer makes p reachable: its port is bound to its address on the transport.
func (n *Node) AddPeer(p Peer) error {
	if p.Name == "" || p.Name == n.name.ProcessName {
		return fmt.Errorf("invalid peer name %q", p.Name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, found := n.peers[p.Name]; found {
		return fmt.Errorf("peer %s is already known", p.Name)
	}
	if err := n.transport.AddPeer(p.Port, p.Addr); err != nil {
		return err
	}
	n.peers[p.Name] = p
	n.log.Info().Str("peer", p.Name).Str("address", p.Addr.String()).Int32("port", p.Port).Msg("peer added")
	return nil
}

// Bootstrap makes the node the first member of dif, at addr.
func (n *Node) Bootstrap(addr ipcp.Address, dif enrollment.DIF) error {
	return n.task.Bootstrap(addr, dif)
}

// Enroll starts enrolling with the peer called name.
// The outcome is reported to the IPC manager (see IPCManager().Enrollments).
func (n *Node) Enroll(name string) error {
	p, found := n.Peer(name)
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, name)
	}
	return n.task.Enroll(enrollment.Request{Neighbor: ipcp.NamingInfo{ProcessName: p.Name, ProcessInstance: p.Instance}})
}

// Start begins listening for management SDUs, starts the watchdog and (if configured) the console.
// Ineffectual if already running.
func (n *Node) Start() error {
	if !n.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := n.transport.Start(); err != nil {
		n.running.Store(false)
		return err
	}
	if n.console != nil {
		if err := n.console.Start(); err != nil {
			n.transport.Stop()
			n.running.Store(false)
			return err
		}
	}

	n.events = events.NewChannel(eventBuffer)
	n.cancel = n.task.Subscribe(n.events)
	n.wg.Add(1)
	go n.watch(n.events)

	n.task.Watchdog().Start()
	n.log.Info().Str("address", n.transport.Addr().String()).Msg("node started")
	return nil
}

// watch keeps the directory in step with neighbor reachability.
// Spun up by .Start(), shuttered by .Stop().
func (n *Node) watch(ch *events.Channel) {
	defer n.wg.Done()
	for {
		select {
		case <-ch.Done():
			return
		case raw := <-ch.C:
			ev, ok := raw.(enrollment.Event)
			if !ok {
				continue
			}
			n.log.Debug().Object("event", ev).Msg("enrollment event")
			switch ev.Kind {
			case enrollment.EventConnectivityLost, enrollment.EventNeighborDeclaredDead:
				if ev.Neighbor.Address != 0 {
					n.allocator.Directory().RemoveAddress(ev.Neighbor.Address)
				}
			}
		}
	}
}

// Stop halts the node's background work and its listeners.
// The node keeps its state and can be started again. Ineffectual if not running.
func (n *Node) Stop() error {
	if !n.running.CompareAndSwap(true, false) {
		return nil
	}
	var result *multierror.Error
	n.task.Watchdog().Stop()
	if n.cancel != nil {
		n.cancel()
	}
	if err := n.events.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	n.wg.Wait()
	if n.console != nil {
		if err := n.console.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("console: %w", err))
		}
	}
	n.transport.Stop()
	n.log.Info().Msg("node stopped")
	return result.ErrorOrNil()
}

// Close stops the node and releases the enrollment task. The node cannot be restarted.
func (n *Node) Close() error {
	var result *multierror.Error
	if err := n.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := n.task.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("enrollment: %w", err))
	}
	return result.ErrorOrNil()
}

// Zerolog pretty prints the state of the node into the given zerolog event.
// Intended to be given to *zerolog.Event.Func().
func (n *Node) Zerolog(e *zerolog.Event) {
	e.Str("name", n.name.String()).
		Bool("running", n.running.Load()).
		Func(n.transport.Zerolog)
	a := zerolog.Arr()
	for _, p := range n.Peers() {
		a.Str(p.Name)
	}
	e.Array("peers", a)
}
