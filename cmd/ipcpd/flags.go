package main

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rflandau/rina/ipcp/enrollment"
	"github.com/rflandau/rina/ipcp/node"
	"github.com/rs/zerolog"
)

// parsePeer parses "name[:instance]=ip:port/portid".
func parsePeer(s string) (node.Peer, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return node.Peer{}, fmt.Errorf("peer %q is not of the form name=ip:port/portid", s)
	}
	addrStr, portStr, ok := strings.Cut(rest, "/")
	if !ok {
		return node.Peer{}, fmt.Errorf("peer %q does not give a port id", s)
	}
	addr, err := netip.ParseAddrPort(addrStr)
	if err != nil {
		return node.Peer{}, fmt.Errorf("peer %q: %w", s, err)
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil || port <= 0 {
		return node.Peer{}, fmt.Errorf("peer %q: port id must be a positive integer", s)
	}
	p := node.Peer{Name: name, Addr: addr, Port: int32(port)}
	if n, inst, found := strings.Cut(name, ":"); found {
		p.Name, p.Instance = n, inst
	}
	return p, nil
}

// parsePrefix parses "organization=first address".
func parsePrefix(s string) (enrollment.AddressPrefix, error) {
	org, addrStr, ok := strings.Cut(s, "=")
	if !ok || org == "" {
		return enrollment.AddressPrefix{}, fmt.Errorf("prefix %q is not of the form organization=address", s)
	}
	addr, err := strconv.ParseUint(addrStr, 10, 64)
	if err != nil || addr == 0 {
		return enrollment.AddressPrefix{}, fmt.Errorf("prefix %q: the address must be a positive integer", s)
	}
	return enrollment.AddressPrefix{Organization: org, Prefix: addr}, nil
}

// parseLevel maps a level name to a zerolog level; the empty string is warn.
func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.WarnLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(s))
}
