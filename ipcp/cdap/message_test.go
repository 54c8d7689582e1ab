package cdap_test

import (
	"errors"
	"testing"

	. "github.com/rflandau/rina/internal/testsupport"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
)

func TestOpcode(t *testing.T) {
	for op := cdap.Connect; op <= cdap.StopR; op++ {
		if op.IsRequest() == op.IsResponse() {
			t.Errorf("%v is both or neither a request and a response", op)
		}
		if op.IsRequest() {
			if op.Response().Request() != op {
				t.Errorf("%v does not round trip through its response", op)
			}
		} else if op.Request().Response() != op {
			t.Errorf("%v does not round trip through its request", op)
		}
	}
	if cdap.Opcode(0).Valid() || cdap.Opcode(19).Valid() {
		t.Error("out of range opcodes reported as valid")
	}
	if s := cdap.CancelReadR.String(); s != "CANCELREAD_R" {
		t.Error(ExpectedActual("CANCELREAD_R", s))
	}
	if !cdap.ReleaseR.IsConnectionFamily() || cdap.Create.IsConnectionFamily() {
		t.Error("incorrect connection family membership")
	}
}

func TestNewMessage(t *testing.T) {
	var (
		a = ipcp.NamingInfo{ProcessName: "a.IPCP", ProcessInstance: "1", EntityName: ipcp.ManagementAE}
		b = ipcp.NamingInfo{ProcessName: "b.IPCP", ProcessInstance: "1", EntityName: ipcp.ManagementAE}
	)
	tests := []struct {
		name     string
		op       cdap.Opcode
		invokeID int32
		fields   cdap.Fields
		wantErrs int
	}{
		{"connect", cdap.Connect, 1, cdap.Fields{Src: a, Dst: b}, 0},
		{"connect without invoke id", cdap.Connect, 0, cdap.Fields{Src: a, Dst: b}, 1},
		{"connect without names", cdap.Connect, 1, cdap.Fields{}, 2},
		{"connect_r", cdap.ConnectR, 1, cdap.Fields{Src: b, Dst: a}, 0},
		{"create with naming", cdap.Create, 0, cdap.Fields{Src: a, ObjClass: "flow", ObjName: "/f"}, 3},
		{"fire and forget create", cdap.Create, 0, cdap.Fields{ObjClass: "flow", ObjName: "/f", ObjValue: cdap.BoolValue(true)}, 0},
		{"class without name", cdap.Read, 3, cdap.Fields{ObjClass: "flow"}, 1},
		{"read by instance", cdap.Read, 3, cdap.Fields{ObjInst: 12}, 0},
		{"write without value", cdap.Write, 2, cdap.Fields{ObjClass: "x", ObjName: "/x"}, 1},
		{"response without invoke id", cdap.CreateR, 0, cdap.Fields{}, 1},
		{"result on request", cdap.Start, 1, cdap.Fields{Result: -1}, 1},
		{"incomplete flag on write_r", cdap.WriteR, 1, cdap.Fields{Flags: cdap.FRdIncomplete}, 1},
		{"incomplete read_r", cdap.ReadR, 1, cdap.Fields{Flags: cdap.FRdIncomplete, ObjValue: cdap.Int64Value(4)}, 0},
		{"cancelread with reason", cdap.CancelRead, 1, cdap.Fields{ResultReason: "no longer needed"}, 0},
		{"scope on response", cdap.ReadR, 1, cdap.Fields{Scope: 2}, 1},
		{"release", cdap.Release, 0, cdap.Fields{}, 0},
		{"value on cancelread", cdap.CancelRead, 1, cdap.Fields{ObjValue: cdap.StringValue("x")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := cdap.NewMessage(tt.op, tt.invokeID, tt.fields)
			if m == nil {
				t.Fatal("no message returned")
			}
			if errs := m.Validate(); len(errs) != tt.wantErrs {
				t.Fatal("incorrect violation count", ExpectedActual(tt.wantErrs, len(errs)), errs)
			}
			if (err != nil) != (tt.wantErrs > 0) {
				t.Fatal("incorrect joined error", err)
			}
			if err != nil && !errors.Is(err, cdap.ErrInvalidMessage) {
				t.Fatal("violation does not wrap ErrInvalidMessage", err)
			}
		})
	}

	t.Run("connect defaults", func(t *testing.T) {
		m, err := cdap.NewMessage(cdap.Connect, 1, cdap.Fields{Src: a, Dst: b})
		if err != nil {
			t.Fatal(err)
		}
		if m.AbsSyntax != cdap.AbsSyntax || m.Version != cdap.Version {
			t.Fatal("abstract syntax or version not defaulted", ExpectedActual(cdap.AbsSyntax, m.AbsSyntax))
		}
	})
}

func TestMessage_Reply(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		req, err := cdap.NewMessage(cdap.Connect, 7, cdap.Fields{
			Src:  ipcp.NamingInfo{ProcessName: "a"},
			Dst:  ipcp.NamingInfo{ProcessName: "b"},
			Auth: cdap.Auth{Mech: cdap.AuthPassword, Password: "secret"},
		})
		if err != nil {
			t.Fatal(err)
		}
		resp, err := req.Reply(0, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Opcode != cdap.ConnectR || resp.InvokeID != 7 {
			t.Fatal("incorrect opcode or invoke id", ExpectedActual(cdap.ConnectR, resp.Opcode))
		}
		if resp.Src.ProcessName != "b" || resp.Dst.ProcessName != "a" {
			t.Fatal("naming was not swapped", ExpectedActual("b", resp.Src.ProcessName))
		}
		if resp.Auth.Password != "" {
			t.Fatal("reply leaked the credential")
		}
	})
	t.Run("negative read", func(t *testing.T) {
		req, err := cdap.NewMessage(cdap.Read, 3, cdap.Fields{ObjClass: "flow", ObjName: "/dif/f", ObjInst: 9})
		if err != nil {
			t.Fatal(err)
		}
		resp, err := req.Reply(-2, "not found", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Opcode != cdap.ReadR || resp.ObjName != "/dif/f" || resp.ObjInst != 9 || resp.Result != -2 {
			t.Fatalf("incorrect reply %+v", resp)
		}
	})
	t.Run("reply to response", func(t *testing.T) {
		resp := &cdap.Message{Opcode: cdap.StopR, InvokeID: 1}
		if _, err := resp.Reply(0, "", nil); err == nil {
			t.Fatal("replied to a response")
		}
	})
}
