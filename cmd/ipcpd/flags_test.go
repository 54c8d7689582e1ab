package main

import (
	"net/netip"
	"testing"

	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp/enrollment"
	"github.com/rflandau/rina/ipcp/node"
	"github.com/rs/zerolog"
)

func TestParsePeer(t *testing.T) {
	tests := []struct {
		in      string
		want    node.Peer
		wantErr bool
	}{
		{"b.acme.IPCP=127.0.0.1:5000/7", node.Peer{Name: "b.acme.IPCP", Addr: netip.MustParseAddrPort("127.0.0.1:5000"), Port: 7}, false},
		{"b:2=[::1]:5000/9", node.Peer{Name: "b", Instance: "2", Addr: netip.MustParseAddrPort("[::1]:5000"), Port: 9}, false},
		{"b=127.0.0.1:5000", node.Peer{}, true},
		{"=127.0.0.1:5000/7", node.Peer{}, true},
		{"b=localhost:5000/7", node.Peer{}, true},
		{"b=127.0.0.1:5000/0", node.Peer{}, true},
		{"b127.0.0.1:5000/7", node.Peer{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePeer(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state (want error? %v): %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Fatal(ExpectedActual(tt.want, got))
			}
		})
	}
}

func TestParsePrefix(t *testing.T) {
	if got, err := parsePrefix("acme=1000"); err != nil || got != (enrollment.AddressPrefix{Organization: "acme", Prefix: 1000}) {
		t.Fatalf("unexpected prefix %+v (err: %v)", got, err)
	}
	for _, bad := range []string{"acme", "=1000", "acme=0", "acme=-1", "acme=x"} {
		if _, err := parsePrefix(bad); err == nil {
			t.Errorf("parsed %q", bad)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.WarnLevel},
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got, err := parseLevel(tt.in); err != nil || got != tt.want {
			t.Errorf("%q: %s (err: %v)", tt.in, ExpectedActual(tt.want, got), err)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("parsed an unknown level")
	}
}
