package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/rib"
)

// Endpoint is the path of an inspection resource.
type Endpoint = string

const (
	EPObjects  Endpoint = "/objects"
	EPObject   Endpoint = "/object"
	EPSessions Endpoint = "/sessions"
)

// ContentType is the media type of every response body.
const ContentType = "application/json"

//#region types

// ObjectInfo describes one RIB object.
type ObjectInfo struct {
	Name     string          `json:"name" example:"/dif/management/neighbors" doc:"fully qualified name of the object"`
	Class    string          `json:"class" example:"neighbor set" doc:"class of the object"`
	Instance int64           `json:"instance" example:"12" doc:"instance number assigned by the RIB"`
	Children []string        `json:"children,omitempty" doc:"names of the object's children, in order"`
	Value    json.RawMessage `json:"value,omitempty" doc:"current value of the object, if it has one"`
}

// SessionInfo describes one CDAP session.
type SessionInfo struct {
	PortID  ipcp.PortID     `json:"port_id" example:"7" doc:"port id of the flow the session rides"`
	State   string          `json:"state" example:"CONNECTED" doc:"connection state of the session"`
	Local   ipcp.NamingInfo `json:"local" doc:"naming information of this side"`
	Peer    ipcp.NamingInfo `json:"peer" doc:"naming information of the other side"`
	Pending int             `json:"pending" doc:"number of outstanding operations"`
}

// ObjectsResp is the response to GET /objects.
type ObjectsResp struct {
	Body []ObjectInfo
}

// ObjectReq is the request of GET /object.
type ObjectReq struct {
	Name string `query:"name" required:"true" example:"/dif/management/address" doc:"fully qualified name of the object"`
}

// ObjectResp is the response to GET /object.
type ObjectResp struct {
	Body ObjectInfo
}

// SessionsResp is the response to GET /sessions.
type SessionsResp struct {
	Body []SessionInfo
}

//#endregion types

func (c *Console) buildEndpoints() {
	huma.Register(c.api, huma.Operation{
		OperationID: "list-objects",
		Method:      http.MethodGet,
		Path:        EPObjects,
		Summary:     "List every object of the RIB",
		Description: "Walks the RIB in pre-order.",
	}, c.handleObjects)
	huma.Register(c.api, huma.Operation{
		OperationID: "get-object",
		Method:      http.MethodGet,
		Path:        EPObject,
		Summary:     "Get one RIB object by name",
	}, c.handleObject)
	huma.Register(c.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        EPSessions,
		Summary:     "List the CDAP sessions",
	}, c.handleSessions)
}

func (c *Console) handleObjects(_ context.Context, _ *struct{}) (*ObjectsResp, error) {
	objs := c.d.Objects()
	resp := &ObjectsResp{Body: make([]ObjectInfo, len(objs))}
	for i, o := range objs {
		resp.Body[i] = c.describe(o)
	}
	return resp, nil
}

func (c *Console) handleObject(_ context.Context, req *ObjectReq) (*ObjectResp, error) {
	o, found := c.d.Object(req.Name)
	if !found {
		return nil, huma.Error404NotFound("no object named " + req.Name)
	}
	return &ObjectResp{Body: c.describe(o)}, nil
}

func (c *Console) handleSessions(_ context.Context, _ *struct{}) (*SessionsResp, error) {
	sessions := c.sessions.Sessions()
	resp := &SessionsResp{Body: make([]SessionInfo, len(sessions))}
	for i, s := range sessions {
		desc := s.Descriptor()
		resp.Body[i] = SessionInfo{
			PortID:  s.PortID(),
			State:   s.State().String(),
			Local:   desc.Src,
			Peer:    desc.Dst,
			Pending: s.Pending(),
		}
	}
	return resp, nil
}

// describe snapshots o.
// Values that cannot be encoded as JSON are reported by their printed form.
func (c *Console) describe(o *rib.Object) ObjectInfo {
	info := ObjectInfo{Name: o.Name(), Class: o.Class(), Instance: o.Instance()}
	for _, child := range o.Children() {
		info.Children = append(info.Children, child.Name())
	}
	if v := o.Value(); v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			c.log.Debug().Err(err).Str("object", o.Name()).Msg("value is not JSON-encodable")
			raw, _ = json.Marshal(fmt.Sprintf("%v", v))
		}
		info.Value = raw
	}
	return info
}
