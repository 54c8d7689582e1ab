package console_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/console"
	"github.com/rflandau/rina/ipcp/rib"
)

type discard struct{}

func (discard) WriteManagementSDU(ipcp.PortID, []byte) error { return nil }

type greeting struct {
	Text  string `json:"text"`
	Times int    `json:"times"`
}

// newConsole returns a console over a RIB holding a few objects and one half-open session on port 5.
func newConsole(t *testing.T, opts ...console.ConsoleOption) (*console.Console, *rib.Daemon) {
	t.Helper()
	sessions := cdap.NewManager()
	d, err := rib.NewDaemon(sessions, discard{})
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range []*rib.Object{
		rib.NewObject("folder", "/console", nil),
		rib.NewValueObject("greeting", "/console/greeting", greeting{Text: randomdata.Noun(), Times: 3}),
		rib.NewObject("callback", "/console/callback", func() {}),
	} {
		if err := d.AddObject(o); err != nil {
			t.Fatal(err)
		}
	}
	msg, err := cdap.NewMessage(cdap.Connect, sessions.NewInvokeID(), cdap.Fields{
		Src: ipcp.NamingInfo{ProcessName: "local.IPCP", EntityName: ipcp.ManagementAE},
		Dst: ipcp.NamingInfo{ProcessName: "remote.IPCP", EntityName: ipcp.ManagementAE},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Send(msg, 5, nil); err != nil {
		t.Fatal(err)
	}

	c, err := console.New(d, sessions, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c, d
}

func TestNew(t *testing.T) {
	if _, err := console.New(nil, cdap.NewManager()); err == nil {
		t.Fatal("created a console without a daemon")
	}
}

func TestClient(t *testing.T) {
	c, d := newConsole(t)
	srv := httptest.NewServer(c)
	defer srv.Close()
	cli := console.NewClient(srv.URL + "/")
	defer cli.Close()
	ctx := context.Background()

	t.Run("objects", func(t *testing.T) {
		objs, err := cli.Objects(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(objs) != len(d.Objects()) {
			t.Fatal(ExpectedActual(len(d.Objects()), len(objs)))
		}
		if objs[0].Name != rib.RootName {
			t.Fatal("walk does not start at the root", ExpectedActual(rib.RootName, objs[0].Name))
		}
	})
	t.Run("object", func(t *testing.T) {
		info, err := cli.Object(ctx, "/console")
		if err != nil {
			t.Fatal(err)
		}
		if !SlicesUnorderedEqual(info.Children, []string{"/console/callback", "/console/greeting"}) {
			t.Fatal("unexpected children", info.Children)
		}
		if info.Value != nil {
			t.Fatalf("folder has a value: %s", info.Value)
		}

		info, err = cli.Object(ctx, "/console/greeting")
		if err != nil {
			t.Fatal(err)
		}
		o, _ := d.Object("/console/greeting")
		want, _ := rib.ValueAs[greeting](o)
		var got greeting
		if err := json.Unmarshal(info.Value, &got); err != nil {
			t.Fatal(err)
		}
		if got != want || info.Class != "greeting" || info.Instance != o.Instance() {
			t.Fatalf("unexpected object %+v", info)
		}
	})
	t.Run("unencodable value", func(t *testing.T) {
		info, err := cli.Object(ctx, "/console/callback")
		if err != nil {
			t.Fatal(err)
		}
		var s string
		if err := json.Unmarshal(info.Value, &s); err != nil || s == "" {
			t.Fatalf("value %s was not replaced by its printed form (err: %v)", info.Value, err)
		}
	})
	t.Run("missing object", func(t *testing.T) {
		if _, err := cli.Object(ctx, "/nowhere"); !errors.Is(err, console.ErrNotFound) {
			t.Fatal(ExpectedActual(console.ErrNotFound, err))
		}
	})
	t.Run("nil context", func(t *testing.T) {
		if _, err := cli.Objects(nil); !errors.Is(err, ipcp.ErrNilCtx) {
			t.Fatal(ExpectedActual(ipcp.ErrNilCtx, err))
		}
		if _, err := cli.Object(nil, "/console"); !errors.Is(err, ipcp.ErrNilCtx) {
			t.Fatal(ExpectedActual(ipcp.ErrNilCtx, err))
		}
		if _, err := cli.Sessions(nil); !errors.Is(err, ipcp.ErrNilCtx) {
			t.Fatal(ExpectedActual(ipcp.ErrNilCtx, err))
		}
	})
	t.Run("sessions", func(t *testing.T) {
		sessions, err := cli.Sessions(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(sessions) != 1 {
			t.Fatal(ExpectedActual(1, len(sessions)))
		}
		s := sessions[0]
		if s.PortID != 5 || s.State != cdap.StateAwaitConnectR.String() || s.Peer.ProcessName != "remote.IPCP" || s.Local.ProcessName != "local.IPCP" {
			t.Fatalf("unexpected session %+v", s)
		}
	})
}

func TestConsole_StartStop(t *testing.T) {
	c, _ := newConsole(t, console.WithAddress(netip.MustParseAddrPort("127.0.0.1:0")))
	for range 2 {
		if err := c.Start(); err != nil {
			t.Fatal(err)
		}
		if err := c.Start(); err != nil { // no-op
			t.Fatal(err)
		}
		cli := console.NewClient("http://" + c.Addr().String())
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := cli.Sessions(ctx); err != nil {
			t.Fatal(err)
		}
		cancel()
		_ = cli.Close()
		if err := c.Stop(); err != nil {
			t.Fatal(err)
		}
		if err := c.Stop(); err != nil {
			t.Fatal(err)
		}
	}

	noAddr, _ := newConsole(t)
	if err := noAddr.Start(); err == nil {
		t.Fatal("started a console without an address")
	}
}
