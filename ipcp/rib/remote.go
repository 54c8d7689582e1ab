package rib

import (
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
)

// Remote is an operation requested by a peer, as handed to a RemoteHandler.
type Remote struct {
	Message *cdap.Message
	Session cdap.Descriptor
	d       *Daemon
}

// PortID returns the port id of the session the request arrived on.
func (r *Remote) PortID() ipcp.PortID {
	return r.Session.PortID
}

// Target returns the object the peer addressed.
func (r *Remote) Target() Target {
	return TargetOf(r.Message)
}

// Decode decodes the request's object value into into.
func (r *Remote) Decode(into any) error {
	return r.d.DecodeValue(r.Message.ObjValue, into)
}

// Reply answers the request with the given result and (optional) value.
// It is a no-op for requests that carried no invoke id.
func (r *Remote) Reply(result int32, reason string, value any) error {
	if r.Message.InvokeID == 0 {
		return nil
	}
	ov, err := r.d.EncodeValue(value)
	if err != nil {
		return err
	}
	resp, err := r.Message.Reply(result, reason, ov)
	if err != nil {
		return err
	}
	return r.d.Send(resp, r.Session.PortID, nil)
}

// ReplyError answers the request negatively, deriving the result from err.
func (r *Remote) ReplyError(err error) error {
	result, reason := ResultOf(err)
	return r.Reply(result, reason, nil)
}
