package enrollment

import (
	"math/rand/v2"
	"testing"

	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/rib"
)

type discard struct{}

func (discard) WriteManagementSDU(ipcp.PortID, []byte) error { return nil }
func (discard) AllocateNMinus1Flow(int64, FlowRequest) error { return nil }
func (discard) DeallocateNMinus1Flow(ipcp.PortID) error      { return nil }

// newTestTask returns a task at address 1 whose organization "acme" owns [100, 104).
func newTestTask(t *testing.T, opts ...TaskOption) *Task {
	t.Helper()
	d, err := rib.NewDaemon(cdap.NewManager(), discard{})
	if err != nil {
		t.Fatal(err)
	}
	base := []TaskOption{
		WithAddressPrefixes(AddressPrefix{Organization: "acme", Prefix: 100}),
		WithMaxAddressesPerPrefix(4),
	}
	task, err := NewTask(d, ipcp.NamingInfo{ProcessName: "member.acme"}, discard{}, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Bootstrap(1, DIF{Name: "test"}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = task.Close() })
	return task
}

func TestValidAddress(t *testing.T) {
	task := newTestTask(t, WithKnownAddresses(KnownAddress{ProcessName: "pinned.acme", ProcessInstance: "1", Address: 7}))
	if err := task.neighbors.Put(Neighbor{Name: ipcp.NamingInfo{ProcessName: "other.acme"}, Address: 101}); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		peer  ipcp.NamingInfo
		addr  ipcp.Address
		valid bool
	}{
		{"zero", ipcp.NamingInfo{ProcessName: "a.acme"}, 0, false},
		{"first of block", ipcp.NamingInfo{ProcessName: "a.acme"}, 100, true},
		{"last of block", ipcp.NamingInfo{ProcessName: "a.acme"}, 103, true},
		{"below block", ipcp.NamingInfo{ProcessName: "a.acme"}, 99, false},
		{"past block", ipcp.NamingInfo{ProcessName: "a.acme"}, 104, false},
		{"no organization", ipcp.NamingInfo{ProcessName: "a.initech"}, 100, false},
		{"held by another neighbor", ipcp.NamingInfo{ProcessName: "a.acme"}, 101, false},
		{"held by the same neighbor", ipcp.NamingInfo{ProcessName: "other.acme"}, 101, true},
		{"pinned", ipcp.NamingInfo{ProcessName: "pinned.acme", ProcessInstance: "1"}, 7, true},
		{"pinned elsewhere", ipcp.NamingInfo{ProcessName: "pinned.acme", ProcessInstance: "1"}, 100, false},
		{"pinned to another instance", ipcp.NamingInfo{ProcessName: "pinned.acme", ProcessInstance: "2"}, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := task.validAddress(tt.peer, tt.addr); got != tt.valid {
				t.Fatal(ExpectedActual(tt.valid, got))
			}
		})
	}
}

func TestNextAddress(t *testing.T) {
	task := newTestTask(t, WithKnownAddresses(KnownAddress{ProcessName: "pinned.acme", Address: 7}))
	peer := ipcp.NamingInfo{ProcessName: "new.acme"}

	if got := task.nextAddress(ipcp.NamingInfo{ProcessName: "pinned.acme", ProcessInstance: "3"}); got != 7 {
		t.Fatal(ExpectedActual(ipcp.Address(7), got))
	}
	if got := task.nextAddress(ipcp.NamingInfo{ProcessName: "a.initech"}); got != 0 {
		t.Fatal(ExpectedActual(ipcp.Address(0), got))
	}
	if got := task.nextAddress(peer); got != 100 {
		t.Fatal(ExpectedActual(ipcp.Address(100), got))
	}
	for i, addr := range []ipcp.Address{100, 102} {
		n := Neighbor{Name: ipcp.NamingInfo{ProcessName: "n" + string(rune('a'+i)) + ".acme"}, Address: addr}
		if err := task.neighbors.Put(n); err != nil {
			t.Fatal(err)
		}
	}
	if got := task.nextAddress(peer); got != 101 {
		t.Fatal(ExpectedActual(ipcp.Address(101), got))
	}
	for i, addr := range []ipcp.Address{101, 103} {
		n := Neighbor{Name: ipcp.NamingInfo{ProcessName: "m" + string(rune('a'+i)) + ".acme"}, Address: addr}
		if err := task.neighbors.Put(n); err != nil {
			t.Fatal(err)
		}
	}
	if got := task.nextAddress(peer); got != 0 {
		t.Fatal("assigned an address from an exhausted block:", got)
	}
}

// Whatever the neighbors hold, nextAddress returns the lowest free address of the block, which validAddress
// accepts, or 0 when there is none.
func TestNextAddress_Random(t *testing.T) {
	peer := ipcp.NamingInfo{ProcessName: "new.acme"}
	for i := range 50 {
		task := newTestTask(t)
		used := make(map[ipcp.Address]bool)
		for j := range rand.IntN(5) {
			addr := 98 + rand.Uint64N(8)
			used[addr] = true
			n := Neighbor{Name: ipcp.NamingInfo{ProcessName: "n" + string(rune('a'+j)) + ".acme"}, Address: addr}
			if err := task.neighbors.Put(n); err != nil {
				t.Fatal(err)
			}
		}
		var want ipcp.Address
		for a := ipcp.Address(100); a < 104; a++ {
			if !used[a] {
				want = a
				break
			}
		}
		got := task.nextAddress(peer)
		if got != want {
			t.Fatalf("iteration %d (used %v): %s", i, used, ExpectedActual(want, got))
		}
		if got != 0 && !task.validAddress(peer, got) {
			t.Fatalf("iteration %d: %d was assigned but is not valid", i, got)
		}
	}
}
