package flowalloc

import (
	"time"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
)

const (
	// DirectoryName is the RIB object mapping application names to the addresses they are registered at.
	DirectoryName       = "/dif/management/flowallocator/directoryforwardingtableentries"
	DirectoryClass      = "directoryforwardingtableentry set"
	DirectoryEntryClass = "directoryforwardingtableentry"
)

// DirectoryEntry records that an application is reachable through the IPC process at Address.
type DirectoryEntry struct {
	ApplicationName ipcp.NamingInfo `cbor:"1,keyasint" json:"application_name"`
	Address         ipcp.Address    `cbor:"2,keyasint" json:"address"`
	Timestamp       int64           `cbor:"3,keyasint,omitempty" json:"timestamp,omitempty"` // unix ms of the last update
}

// Key returns the entry's name within the directory.
func (e DirectoryEntry) Key() string {
	return e.ApplicationName.String()
}

func (e DirectoryEntry) same(o DirectoryEntry) bool {
	return e.ApplicationName == o.ApplicationName && e.Address == o.Address
}

// DirectoryForwardingTable is the DIF-wide directory.
// Its contents live in the RIB; updates received from a neighbor are propagated to every other neighbor.
type DirectoryForwardingTable struct {
	log     *zerolog.Logger
	d       *rib.Daemon
	address func() ipcp.Address
}

// newDirectory adds the directory to the daemon's RIB.
func newDirectory(d *rib.Daemon, address func() ipcp.Address, l *zerolog.Logger) (*DirectoryForwardingTable, error) {
	dft := &DirectoryForwardingTable{log: l, d: d, address: address}
	o := rib.NewSetObject(DirectoryClass, DirectoryName, DirectoryEntryClass, DirectoryEntry.Key,
		rib.WithRemote(rib.OpCreate, dft.remoteCreate))
	if err := d.AddObject(o); err != nil {
		return nil, err
	}
	return dft, nil
}

// Register records app as reachable through this process and tells every neighbor.
func (dft *DirectoryForwardingTable) Register(app ipcp.NamingInfo) error {
	addr := dft.address()
	if addr == 0 {
		return ErrNoAddress
	}
	e := DirectoryEntry{ApplicationName: app, Address: addr, Timestamp: time.Now().UnixMilli()}
	if err := dft.d.Create(rib.Target{Name: DirectoryName}, e, &rib.NotificationPolicy{}); err != nil {
		return err
	}
	dft.log.Info().Str("application", app.String()).Uint64("address", addr).Msg("registered application")
	return nil
}

// Unregister removes app from the directory and tells every neighbor.
func (dft *DirectoryForwardingTable) Unregister(app ipcp.NamingInfo) error {
	return dft.d.Delete(rib.Target{Name: rib.ChildName(DirectoryName, app.String())}, &rib.NotificationPolicy{})
}

// AddressOf returns the address app is registered at.
func (dft *DirectoryForwardingTable) AddressOf(app ipcp.NamingInfo) (ipcp.Address, bool) {
	o, found := dft.d.Object(rib.ChildName(DirectoryName, app.String()))
	if !found {
		return 0, false
	}
	e, ok := rib.ValueAs[DirectoryEntry](o)
	if !ok || e.Address == 0 {
		return 0, false
	}
	return e.Address, true
}

// Entries returns every entry of the directory, ordered by application name.
func (dft *DirectoryForwardingTable) Entries() []DirectoryEntry {
	o, found := dft.d.Object(DirectoryName)
	if !found {
		return nil
	}
	return rib.SetElements[DirectoryEntry](o)
}

// RemoveAddress drops every entry pointing at addr. Used when connectivity to that neighbor is lost.
func (dft *DirectoryForwardingTable) RemoveAddress(addr ipcp.Address) {
	for _, e := range dft.Entries() {
		if e.Address != addr {
			continue
		}
		if err := dft.d.RemoveObject(rib.ChildName(DirectoryName, e.Key())); err != nil {
			dft.log.Warn().Err(err).Str("application", e.Key()).Msg("failed to remove directory entry")
		}
	}
}

// remoteCreate merges entries pushed by a neighbor and forwards the ones that were news to everyone else.
func (dft *DirectoryForwardingTable) remoteCreate(o *rib.Object, r *rib.Remote) error {
	var entries []DirectoryEntry
	if err := r.Decode(&entries); err != nil {
		var one DirectoryEntry
		if err := r.Decode(&one); err != nil {
			return err
		}
		entries = []DirectoryEntry{one}
	}
	var fresh []DirectoryEntry
	for _, e := range entries {
		cur, found := dft.d.Object(rib.ChildName(DirectoryName, e.Key()))
		if found {
			if v, ok := rib.ValueAs[DirectoryEntry](cur); ok && v.same(e) {
				continue
			}
		}
		fresh = append(fresh, e)
	}
	if len(fresh) > 0 {
		notify := &rib.NotificationPolicy{Exclude: []ipcp.PortID{r.PortID()}}
		if err := dft.d.Create(rib.Target{Name: DirectoryName}, fresh, notify); err != nil {
			return err
		}
		dft.log.Debug().Int("entries", len(fresh)).Int32("from", r.PortID()).Msg("merged directory update")
	}
	return r.Reply(0, "", nil)
}
