package node

import (
	"net/netip"

	"github.com/rflandau/rina/internal/loopback"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/enrollment"
	"github.com/rflandau/rina/ipcp/flowalloc"
	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to the node constructor to configure it.

// DefaultListenAddress is where the management transport listens unless told otherwise.
// The port is picked by the system.
var DefaultListenAddress = netip.MustParseAddrPort("127.0.0.1:0")

// NodeOption function to set various options on the node.
// Uses defaults if an option is not set.
type NodeOption func(*Node)

// WithLogger replaces the node's default logger with the given logger.
// Every component logs through a sublogger of it.
func WithLogger(l *zerolog.Logger) NodeOption {
	return func(n *Node) {
		n.log = l
	}
}

// WithListenAddress overwrites DefaultListenAddress.
func WithListenAddress(ap netip.AddrPort) NodeOption {
	return func(n *Node) {
		n.listen = ap
	}
}

// WithConsole serves the inspection console at ap while the node runs.
func WithConsole(ap netip.AddrPort) NodeOption {
	return func(n *Node) {
		n.consoleAddr = ap
	}
}

// WithPeers binds the given peers when the node is created.
func WithPeers(peers ...Peer) NodeOption {
	return func(n *Node) {
		n.initialPeers = append(n.initialPeers, peers...)
	}
}

// WithDecider replaces the default decider, which accepts every incoming flow.
func WithDecider(d loopback.Decider) NodeOption {
	return func(n *Node) {
		n.decide = d
	}
}

// WithSessionOptions passes opts to the CDAP session manager.
func WithSessionOptions(opts ...cdap.ManagerOption) NodeOption {
	return func(n *Node) {
		n.opts.sessions = append(n.opts.sessions, opts...)
	}
}

// WithEnrollmentOptions passes opts to the enrollment task.
func WithEnrollmentOptions(opts ...enrollment.TaskOption) NodeOption {
	return func(n *Node) {
		n.opts.enrollment = append(n.opts.enrollment, opts...)
	}
}

// WithAllocatorOptions passes opts to the flow allocator.
func WithAllocatorOptions(opts ...flowalloc.AllocatorOption) NodeOption {
	return func(n *Node) {
		n.opts.allocator = append(n.opts.allocator, opts...)
	}
}
