// Package rib implements the Resource Information Base of an IPC process and the daemon that serves it.
//
// The RIB is a tree of named objects. Each object declares, at construction, which operations it supports
// (see Capability); the daemon resolves targets, dispatches local and remote operations to them, correlates
// outbound requests with their responses, and fans change notifications out to peers.
//
// All management traffic enters through Daemon.ManagementSDUDelivered and leaves through Daemon.Send.
package rib

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rs/zerolog"
)

// RootName is the name of the root of every RIB.
const RootName = "/"

// ContainerClass is the class of objects the daemon creates to hold descendants added beneath them.
const ContainerClass = "container"

// SDUWriter writes management SDUs (encoded CDAP messages) to a flow.
type SDUWriter interface {
	WriteManagementSDU(port ipcp.PortID, sdu []byte) error
}

// ResponseHandler receives the response to a request sent through Daemon.Send.
type ResponseHandler interface {
	Response(msg *cdap.Message, session cdap.Descriptor)
}

// ResponseHandlerFunc adapts a function to a ResponseHandler.
type ResponseHandlerFunc func(msg *cdap.Message, session cdap.Descriptor)

func (f ResponseHandlerFunc) Response(msg *cdap.Message, session cdap.Descriptor) { f(msg, session) }

// ConnectionHandler owns the connect/release family of messages (the enrollment task).
type ConnectionHandler interface {
	Connect(msg *cdap.Message, session cdap.Descriptor)
	ConnectResponse(msg *cdap.Message, session cdap.Descriptor)
	Release(msg *cdap.Message, session cdap.Descriptor)
	ReleaseResponse(msg *cdap.Message, session cdap.Descriptor)
}

// NotificationPolicy asks a local create/delete/write to be propagated to peers.
// Every connected session receives the equivalent fire-and-forget request, except those on Exclude.
type NotificationPolicy struct {
	Exclude []ipcp.PortID
}

type pendingResponse struct {
	port    ipcp.PortID
	handler ResponseHandler
}

// Daemon owns the RIB tree and all CDAP traffic of an IPC process.
type Daemon struct {
	log         *zerolog.Logger
	sessions    *cdap.Manager
	writer      SDUWriter
	encoder     Encoder
	connections ConnectionHandler

	// mu makes decoding an inbound message and updating its session atomic with respect to encoding an outbound
	// message, registering its response handler, writing it, and updating its session.
	// It also guards handlers.
	mu       sync.Mutex
	handlers map[int32]pendingResponse // invoke id -> response handler

	tree struct {
		mu           sync.RWMutex
		root         *Object
		byName       map[string]*Object
		byInstance   map[int64]*Object
		lastInstance int64
	}

	listenersMu      sync.Mutex
	deallocListeners []func(ipcp.PortID)
}

// NewDaemon returns a daemon with an empty RIB (just the root).
// sessions is the session manager all traffic is sequenced through; writer carries outbound SDUs.
func NewDaemon(sessions *cdap.Manager, writer SDUWriter, opts ...DaemonOption) (*Daemon, error) {
	if sessions == nil || writer == nil {
		return nil, errors.New("a session manager and an SDU writer are required")
	}
	d := &Daemon{
		sessions: sessions,
		writer:   writer,
		handlers: make(map[int32]pendingResponse),
	}
	d.tree.byName = make(map[string]*Object)
	d.tree.byInstance = make(map[int64]*Object)

	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = ipcp.DefaultLogger("rib")
	}
	if d.encoder == nil {
		enc, err := NewCBOREncoder()
		if err != nil {
			return nil, err
		}
		d.encoder = enc
	}

	root := NewObject("root", RootName, nil)
	root.d = d
	d.tree.lastInstance++
	root.instance = d.tree.lastInstance
	d.tree.root = root
	d.tree.byName[RootName] = root
	d.tree.byInstance[root.instance] = root

	sessions.OnSessionClosed(d.sessionClosed)

	d.log.Debug().Func(d.Zerolog).Msg("rib daemon created")
	return d, nil
}

// SetConnectionHandler sets the handler of the connect/release family.
func (d *Daemon) SetConnectionHandler(h ConnectionHandler) {
	d.mu.Lock()
	d.connections = h
	d.mu.Unlock()
}

// Sessions returns the session manager the daemon sequences traffic through.
func (d *Daemon) Sessions() *cdap.Manager {
	return d.sessions
}

// Zerolog attaches the daemon's state to the event.
func (d *Daemon) Zerolog(e *zerolog.Event) {
	d.tree.mu.RLock()
	objects := len(d.tree.byName)
	d.tree.mu.RUnlock()
	e.Int("objects", objects).Int("awaiting responses", d.AwaitingResponses()).Int("sessions", len(d.sessions.Sessions()))
}

// AwaitingResponses returns how many sent requests still have a response handler registered.
func (d *Daemon) AwaitingResponses() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// OnFlowDeallocated registers f to be called (synchronously, in registration order) whenever a management flow
// is lost.
func (d *Daemon) OnFlowDeallocated(f func(ipcp.PortID)) {
	d.listenersMu.Lock()
	d.deallocListeners = append(d.deallocListeners, f)
	d.listenersMu.Unlock()
}

//#region tree

// AddObject inserts o into the tree beneath the object named by stripping o's last path segment.
// Missing ancestors are created as containers (objects supporting no operations).
// If o's instance is 0, one is assigned.
func (d *Daemon) AddObject(o *Object) error {
	if o == nil || o.name == "" || o.name[0] != '/' {
		return Errorf(CodeInvalidArguments, "object names must be absolute paths")
	}
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()
	return d.addObject(o)
}

// addObject inserts o. The caller must hold tree.mu.
func (d *Daemon) addObject(o *Object) error {
	if _, exists := d.tree.byName[o.name]; exists {
		return Errorf(CodeAlreadyExists, "%s", o.name)
	}
	o.mu.Lock()
	if o.instance == 0 {
		for {
			d.tree.lastInstance++
			if _, used := d.tree.byInstance[d.tree.lastInstance]; !used {
				break
			}
		}
		o.instance = d.tree.lastInstance
	} else if _, used := d.tree.byInstance[o.instance]; used {
		o.mu.Unlock()
		return Errorf(CodeAlreadyExists, "instance %d", o.instance)
	}
	o.mu.Unlock()

	pn := parentName(o.name)
	parent, found := d.tree.byName[pn]
	if !found {
		parent = NewObject(ContainerClass, pn, nil)
		if err := d.addObject(parent); err != nil {
			return err
		}
	}
	if !parent.addChild(o) {
		return Errorf(CodeAlreadyExists, "%s", o.name)
	}
	o.mu.Lock()
	o.parent, o.d = parent, d
	o.mu.Unlock()
	d.tree.byName[o.name] = o
	d.tree.byInstance[o.instance] = o
	d.log.Debug().Str("name", o.name).Str("class", o.class).Int64("instance", o.instance).Msg("object added")
	return nil
}

// RemoveObject removes the named object and its whole subtree.
func (d *Daemon) RemoveObject(name string) error {
	if name == RootName {
		return Errorf(CodeOperationNotAllowed, "the root cannot be removed")
	}
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()
	o, found := d.tree.byName[name]
	if !found {
		return errNotFound(Target{Name: name})
	}
	if p := o.Parent(); p != nil {
		p.removeChild(o.name)
	}
	d.forget(o)
	return nil
}

// forget drops o and its descendants from the indices. The caller must hold tree.mu.
func (d *Daemon) forget(o *Object) {
	for _, c := range o.Children() {
		d.forget(c)
	}
	delete(d.tree.byName, o.name)
	delete(d.tree.byInstance, o.Instance())
	o.mu.Lock()
	o.parent = nil
	o.mu.Unlock()
	d.log.Debug().Str("name", o.name).Msg("object removed")
}

// Object returns the object with the given name.
func (d *Daemon) Object(name string) (*Object, bool) {
	d.tree.mu.RLock()
	defer d.tree.mu.RUnlock()
	o, found := d.tree.byName[name]
	return o, found
}

// Objects returns every object in the tree, depth first, siblings ordered by name.
func (d *Daemon) Objects() []*Object {
	d.tree.mu.RLock()
	root := d.tree.root
	d.tree.mu.RUnlock()
	var (
		out  []*Object
		walk func(*Object)
	)
	walk = func(o *Object) {
		out = append(out, o)
		for _, c := range o.Children() {
			walk(c)
		}
	}
	walk(root)
	return out
}

// resolve finds the object t addresses.
func (d *Daemon) resolve(t Target) (*Object, error) {
	if t.Name == "" && t.Instance == 0 {
		return nil, Errorf(CodeInvalidArguments, "a name or an instance is required")
	}
	d.tree.mu.RLock()
	var (
		o     *Object
		found bool
	)
	if t.Name != "" {
		o, found = d.tree.byName[t.Name]
	} else {
		o, found = d.tree.byInstance[t.Instance]
	}
	d.tree.mu.RUnlock()
	if !found || (t.Name != "" && t.Instance != 0 && o.Instance() != t.Instance) {
		return nil, errNotFound(t)
	}
	if t.Class != "" && t.Class != o.class {
		return nil, Errorf(CodeInvalidArguments, "%s is of class %q, not %q", o.name, o.class, t.Class)
	}
	return o, nil
}

// resolveCreate finds the object that handles a CREATE of t: t itself if it exists, otherwise its parent.
func (d *Daemon) resolveCreate(t Target) (*Object, error) {
	o, err := d.resolve(t)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return o, err
	}
	if t.Name == "" {
		return nil, err
	}
	d.tree.mu.RLock()
	parent, found := d.tree.byName[parentName(t.Name)]
	d.tree.mu.RUnlock()
	if !found {
		return nil, err
	}
	return parent, nil
}

//#endregion tree

//#region local API

// Create creates (or, if it already exists, updates) the object t names.
// A CREATE of an absent object is delegated to its parent, which instantiates the child; if the parent is also
// absent the create fails with ErrNotFound.
func (d *Daemon) Create(t Target, value any, notify *NotificationPolicy) error {
	o, err := d.resolveCreate(t)
	if err != nil {
		return err
	}
	if _, err := o.performLocal(LocalRequest{Op: OpCreate, Target: t, Value: value}); err != nil {
		return err
	}
	if notify != nil {
		if t.Class == "" {
			if created, err := d.resolve(Target{Name: t.Name}); err == nil {
				t.Class = created.class
			}
		}
		d.notify(OpCreate, t, value, notify)
	}
	return nil
}

// Delete deletes the object t names.
func (d *Daemon) Delete(t Target, notify *NotificationPolicy) error {
	o, err := d.resolve(t)
	if err != nil {
		return err
	}
	if _, err := o.performLocal(LocalRequest{Op: OpDelete, Target: t}); err != nil {
		return err
	}
	if notify != nil {
		d.notify(OpDelete, Target{Class: o.class, Name: o.name}, nil, notify)
	}
	return nil
}

// Read reads the object t names. Reads never modify the tree.
func (d *Daemon) Read(t Target) (any, error) {
	o, err := d.resolve(t)
	if err != nil {
		return nil, err
	}
	return o.performLocal(LocalRequest{Op: OpRead, Target: t})
}

// Write writes value to the object t names.
func (d *Daemon) Write(t Target, value any, notify *NotificationPolicy) error {
	o, err := d.resolve(t)
	if err != nil {
		return err
	}
	if _, err := o.performLocal(LocalRequest{Op: OpWrite, Target: t, Value: value}); err != nil {
		return err
	}
	if notify != nil {
		d.notify(OpWrite, Target{Class: o.class, Name: o.name}, value, notify)
	}
	return nil
}

// Start starts the object t names.
func (d *Daemon) Start(t Target, value any) error {
	o, err := d.resolve(t)
	if err != nil {
		return err
	}
	_, err = o.performLocal(LocalRequest{Op: OpStart, Target: t, Value: value})
	return err
}

// Stop stops the object t names.
func (d *Daemon) Stop(t Target, value any) error {
	o, err := d.resolve(t)
	if err != nil {
		return err
	}
	_, err = o.performLocal(LocalRequest{Op: OpStop, Target: t, Value: value})
	return err
}

// notify sends the fire-and-forget equivalent of op to every connected session not excluded by the policy.
// Per-peer failures are logged; they do not stop delivery to the others.
func (d *Daemon) notify(op Operation, t Target, value any, policy *NotificationPolicy) {
	ov, err := d.EncodeValue(value)
	if err != nil {
		d.log.Error().Err(err).Stringer("target", t).Msg("failed to encode notification value")
		return
	}
	var (
		errs *multierror.Error
		sent int
	)
	for _, port := range d.sessions.ConnectedPorts() {
		if excluded(port, policy.Exclude) {
			continue
		}
		msg, err := cdap.NewMessage(op.Opcode(), 0, cdap.Fields{ObjClass: t.Class, ObjName: t.Name, ObjValue: ov})
		if err == nil {
			err = d.Send(msg, port, nil)
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("port %d: %w", port, err))
			continue
		}
		sent++
	}
	if err := errs.ErrorOrNil(); err != nil {
		d.log.Warn().Err(err).Stringer("operation", op).Stringer("target", t).Msg("failed to notify some peers")
	}
	d.log.Debug().Stringer("operation", op).Stringer("target", t).Int("peers", sent).Msg("notified peers")
}

func excluded(port ipcp.PortID, exclude []ipcp.PortID) bool {
	for _, p := range exclude {
		if p == port {
			return true
		}
	}
	return false
}

//#endregion local API

//#region values

// EncodeValue converts a RIB value into a CDAP object value.
// nil stays nil; *cdap.ObjectValue is passed through; everything else is encoded with the daemon's encoder.
func (d *Daemon) EncodeValue(v any) (*cdap.ObjectValue, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case *cdap.ObjectValue:
		return v, nil
	}
	b, err := d.encoder.Encode(v)
	if err != nil {
		return nil, err
	}
	return cdap.BytesValue(b), nil
}

// DecodeValue converts a CDAP object value into into.
// Byte values are decoded with the daemon's encoder. Primitive values can be decoded into a pointer of the
// matching Go type (*bool, *int64, *string, *float64).
func (d *Daemon) DecodeValue(ov *cdap.ObjectValue, into any) error {
	if ov.IsZero() {
		return Errorf(CodeInvalidArguments, "no object value")
	}
	switch p := into.(type) {
	case *cdap.ObjectValue:
		*p = *ov
		return nil
	case *bool:
		if ov.Kind == cdap.KindBool {
			*p = ov.Bool
			return nil
		}
	case *int64:
		switch ov.Kind {
		case cdap.KindInt32, cdap.KindSInt32, cdap.KindInt64, cdap.KindSInt64:
			*p = ov.Int
			return nil
		}
	case *string:
		if ov.Kind == cdap.KindString {
			*p = ov.Str
			return nil
		}
	case *float64:
		if ov.Kind == cdap.KindFloat || ov.Kind == cdap.KindDouble {
			*p = ov.Float
			return nil
		}
	}
	if ov.Kind != cdap.KindBytes {
		return Errorf(CodeInvalidArguments, "cannot decode a %v value into %T", ov.Kind, into)
	}
	if err := d.encoder.Decode(ov.Bytes, into); err != nil {
		return Errorf(CodeInvalidArguments, "failed to decode value: %v", err)
	}
	return nil
}

//#endregion values

//#region traffic

// Send encodes msg, writes it to the flow on port, and advances the session.
//
// Requests carrying an invoke id (other than CONNECT and RELEASE, whose responses go to the connection handler)
// require a handler; it is registered atomically with the transmission and receives the response.
func (d *Daemon) Send(msg *cdap.Message, port ipcp.PortID, h ResponseHandler) error {
	track := msg.Opcode.IsRequest() && msg.InvokeID != 0 && !msg.Opcode.IsConnectionFamily()
	if track && h == nil {
		return Errorf(CodeInvalidArguments, "%v with invoke id %d needs a response handler", msg.Opcode, msg.InvokeID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.sessions.EncodeNextMessageToBeSent(msg, port)
	if err != nil {
		return err
	}
	if track {
		d.handlers[msg.InvokeID] = pendingResponse{port: port, handler: h}
	}
	if err := d.writer.WriteManagementSDU(port, b); err != nil {
		if track {
			delete(d.handlers, msg.InvokeID)
		}
		if msg.Opcode == cdap.Connect {
			// drop the session created for this connect
			d.sessions.Remove(port)
		}
		return err
	}
	if err := d.sessions.MessageSent(msg, port); err != nil {
		if track {
			delete(d.handlers, msg.InvokeID)
		}
		return err
	}
	d.log.Debug().Int32("port", port).Object("message", msg).Msg("sent")
	return nil
}

// SendRequest builds a request of the given opcode on t and sends it.
// If h is nil the request is fire-and-forget (invoke id 0); otherwise an invoke id is allocated and h receives the
// response.
func (d *Daemon) SendRequest(port ipcp.PortID, op cdap.Opcode, t Target, value any, h ResponseHandler) (invokeID int32, err error) {
	ov, err := d.EncodeValue(value)
	if err != nil {
		return 0, err
	}
	if h != nil {
		invokeID = d.sessions.NewInvokeID()
	}
	msg, err := cdap.NewMessage(op, invokeID, cdap.Fields{ObjClass: t.Class, ObjName: t.Name, ObjInst: t.Instance, ObjValue: ov})
	if err == nil {
		err = d.Send(msg, port, h)
	}
	if err != nil && invokeID != 0 {
		d.sessions.FreeInvokeID(invokeID)
	}
	return invokeID, err
}

// ManagementSDUDelivered is the single entry point of inbound management traffic.
// The SDU is decoded and sequenced through its session, then dispatched: the connect/release family to the
// connection handler, responses to the handler that issued the request, and requests to the addressed object.
//
// Nothing here is fatal: malformed or out-of-sequence requests that carried an invoke id are answered negatively,
// everything else is logged and dropped.
func (d *Daemon) ManagementSDUDelivered(sdu []byte, port ipcp.PortID) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Int32("port", port).Msg("recovered while processing management SDU")
		}
	}()

	d.mu.Lock()
	var desc cdap.Descriptor
	if s, found := d.sessions.Session(port); found {
		desc = s.Descriptor()
	}
	msg, err := d.sessions.MessageReceived(sdu, port)
	if err == nil {
		// the session's descriptor is set by CONNECT and gone after the last RELEASE(_R)
		if s, found := d.sessions.Session(port); found {
			desc = s.Descriptor()
		}
	}
	desc.PortID = port
	var (
		pending pendingResponse
		matched bool
	)
	if err == nil && msg.Opcode.IsResponse() && !msg.Opcode.IsConnectionFamily() {
		pending, matched = d.handlers[msg.InvokeID]
		incomplete := msg.Opcode == cdap.ReadR && msg.Flags == cdap.FRdIncomplete
		if matched && !incomplete {
			delete(d.handlers, msg.InvokeID)
		}
	}
	connections := d.connections
	d.mu.Unlock()

	if err != nil {
		d.log.Warn().Err(err).Int32("port", port).Msg("rejected inbound message")
		if msg != nil && msg.Opcode.IsRequest() && msg.InvokeID != 0 {
			d.sendErrorResponse(msg, port, err)
		}
		return
	}
	d.log.Debug().Int32("port", port).Object("message", msg).Msg("received")

	switch {
	case msg.Opcode.IsConnectionFamily():
		if connections == nil {
			d.log.Warn().Object("message", msg).Msg("no connection handler; dropping")
			return
		}
		switch msg.Opcode {
		case cdap.Connect:
			connections.Connect(msg, desc)
		case cdap.ConnectR:
			connections.ConnectResponse(msg, desc)
		case cdap.Release:
			connections.Release(msg, desc)
		case cdap.ReleaseR:
			connections.ReleaseResponse(msg, desc)
		}
	case msg.Opcode.IsResponse():
		if !matched {
			d.log.Warn().Object("message", msg).Int32("port", port).Msg("no handler awaits this response; dropping")
			return
		}
		pending.handler.Response(msg, desc)
	default:
		d.ProcessOperation(msg, desc)
	}
}

// ProcessOperation dispatches an inbound request to the object it addresses.
// The object answers the peer; if it fails, the daemon answers negatively on its behalf.
func (d *Daemon) ProcessOperation(msg *cdap.Message, session cdap.Descriptor) {
	if err := d.dispatch(msg, session); err != nil {
		d.log.Info().Err(err).Object("message", msg).Msg("remote operation failed")
		if msg.InvokeID != 0 {
			result, reason := ResultOf(err)
			resp, rerr := msg.Reply(result, reason, nil)
			if rerr == nil {
				rerr = d.Send(resp, session.PortID, nil)
			}
			if rerr != nil {
				d.log.Warn().Err(rerr).Object("message", msg).Msg("failed to answer failed operation")
			}
		}
	}
}

func (d *Daemon) dispatch(msg *cdap.Message, session cdap.Descriptor) error {
	op, ok := OperationOf(msg.Opcode)
	if !ok {
		return Errorf(CodeInvalidArguments, "%v is not an object operation", msg.Opcode)
	}
	var (
		o   *Object
		err error
		t   = TargetOf(msg)
	)
	if op == OpCreate {
		o, err = d.resolveCreate(t)
	} else {
		o, err = d.resolve(t)
	}
	if err != nil {
		return err
	}
	return o.performRemote(op, &Remote{Message: msg, Session: session, d: d})
}

// Absorb applies the value of a READ_R (or any message carrying an object) to the local RIB as if the peer had
// sent a fire-and-forget CREATE of it.
func (d *Daemon) Absorb(msg *cdap.Message, session cdap.Descriptor) error {
	create := &cdap.Message{Opcode: cdap.Create, Fields: cdap.Fields{
		ObjClass: msg.ObjClass, ObjName: msg.ObjName, ObjInst: msg.ObjInst, ObjValue: msg.ObjValue,
	}}
	return d.dispatch(create, session)
}

// sendErrorResponse answers a request that could not be sequenced or decoded.
// The response bypasses session state, as the request never entered it.
func (d *Daemon) sendErrorResponse(req *cdap.Message, port ipcp.PortID, cause error) {
	result := int32(CodeInvalidArguments)
	if errors.Is(cause, cdap.ErrNoSession) || errors.Is(cause, cdap.ErrBadState) {
		result = int32(CodeOperationNotAllowed)
	}
	resp, _ := req.Reply(result, cause.Error(), nil) // best effort; the request itself may be malformed
	if resp == nil {
		return
	}
	b, err := d.sessions.Encode(resp)
	if err == nil {
		err = d.writer.WriteManagementSDU(port, b)
	}
	if err != nil {
		d.log.Warn().Err(err).Int32("port", port).Msg("failed to send negative response")
	}
}

// FlowDeallocated reacts to the loss of the management flow on port: its session is removed, responses awaited
// on it are abandoned, and OnFlowDeallocated listeners are told.
func (d *Daemon) FlowDeallocated(port ipcp.PortID) {
	d.mu.Lock()
	d.sessions.Remove(port)
	for id, p := range d.handlers {
		if p.port == port {
			delete(d.handlers, id)
		}
	}
	d.mu.Unlock()

	d.listenersMu.Lock()
	listeners := append([]func(ipcp.PortID){}, d.deallocListeners...)
	d.listenersMu.Unlock()
	for _, f := range listeners {
		f(port)
	}
	d.log.Info().Int32("port", port).Msg("management flow deallocated")
}

// sessionClosed drops the handlers of requests sent on port that the closed session abandoned.
// Handlers whose invoke id is still in use belong to a newer session on the same port and are kept.
func (d *Daemon) sessionClosed(port ipcp.PortID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dropped := 0
	for id, p := range d.handlers {
		if p.port == port && !d.sessions.InvokeIDInUse(id) {
			delete(d.handlers, id)
			dropped++
		}
	}
	if dropped > 0 {
		d.log.Debug().Int32("port", port).Int("handlers", dropped).Msg("session closed; abandoned pending responses")
	}
}

//#endregion traffic
