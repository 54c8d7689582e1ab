package flowalloc

import (
	"fmt"
	"sync"
	"time"

	"github.com/rflandau/rina/internal/serial"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// State is the protocol state of a flow allocator instance.
type State uint8

const (
	StateNull State = iota
	StateConnectionCreateRequested
	StateMessageToPeerSent
	StateAppNotified
	StateConnectionUpdateRequested
	StateFlowAllocated
	StateWaiting2MPLBeforeTeardown
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateConnectionCreateRequested:
		return "CONNECTION_CREATE_REQUESTED"
	case StateMessageToPeerSent:
		return "MESSAGE_TO_PEER_FAI_SENT"
	case StateAppNotified:
		return "APP_NOTIFIED_OF_INCOMING_FLOW"
	case StateConnectionUpdateRequested:
		return "CONNECTION_UPDATE_REQUESTED"
	case StateFlowAllocated:
		return "FLOW_ALLOCATED"
	case StateWaiting2MPLBeforeTeardown:
		return "WAITING_2MPL_BEFORE_TEARDOWN"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Instance is the flow allocator instance of one flow, keyed by its local port id.
//
// Every entry point (application request, kernel callback, CDAP message, timer) is a step run on the
// instance's serial queue; a step that finds the instance in a state it does not expect logs and returns.
type Instance struct {
	a    *Allocator
	log  zerolog.Logger
	port ipcp.PortID
	q    serial.Queue

	mu    sync.RWMutex // guards state and flow for readers outside the queue
	state State
	flow  Flow

	// owned by the queue
	requester  bool
	req        Request
	remote     *rib.Remote // CREATE(Flow) being answered (responder)
	underlying ipcp.PortID // management flow to the peer instance
	objectName string
	obj        *rib.Object // set while published
	connected  bool        // the kernel holds a connection for this flow
	backoff    retry.Backoff
	timer      *time.Timer
	gen        uint64 // invalidates stale timer fires
}

func newInstance(a *Allocator, port ipcp.PortID) *Instance {
	return &Instance{
		a:    a,
		port: port,
		log:  a.log.With().Str("sublogger", "fai").Int32("port", port).Logger(),
	}
}

//#region getters

// Port returns the local port id of the flow.
func (i *Instance) Port() ipcp.PortID {
	return i.port
}

// State returns the instance's current state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Flow returns a copy of the flow the instance manages.
func (i *Instance) Flow() Flow {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.flow.clone()
}

// Zerolog attaches the instance's state to the event.
func (i *Instance) Zerolog(e *zerolog.Event) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e.Int32("port", i.port).Stringer("state", i.state).Str("flow", i.flow.Name()).
		Uint64("destination", i.flow.DestinationAddress)
}

//#endregion getters

// set records a state transition. Published flows are refreshed in the RIB.
func (i *Instance) set(s State, f Flow) {
	i.mu.Lock()
	prev := i.state
	i.state, i.flow = s, f
	i.mu.Unlock()
	if i.obj != nil {
		i.obj.SetValue(f.clone())
	}
	if prev != s {
		i.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("state transition")
	}
}

// ignore logs a step that arrived in the wrong state.
func (i *Instance) ignore(step string) {
	i.log.Warn().Str("step", step).Stringer("state", i.state).Msg("ignoring out of state event")
}

// arm replaces the pending timer (if any) with one running f after d.
func (i *Instance) arm(d time.Duration, f func()) {
	i.cancel()
	gen := i.gen
	i.timer = time.AfterFunc(d, func() {
		i.q.Do(func() {
			if gen != i.gen {
				return
			}
			i.timer = nil
			f()
		})
	})
}

func (i *Instance) cancel() {
	i.gen++
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

// localConnection returns the flow's connection as this process's kernel knows it.
func (i *Instance) localConnection() Connection {
	c := i.flow.Connections[i.flow.CurrentConnection]
	if !i.requester {
		c = c.reversed(i.port)
	}
	return c
}

//#region requester

// submitAllocateRequest builds the flow, resolves its destination and asks the kernel for a connection.
// The flow then waits for ConnectionCreated.
func (i *Instance) submitAllocateRequest(req Request) error {
	flow := i.a.newFlow(req, i.port)
	if len(flow.Connections) == 0 {
		return fmt.Errorf("new flow policy produced a flow without connections")
	}
	dst, found := i.a.dft.AddressOf(req.Remote)
	if !found {
		return errNoDirectoryEntry(req.Remote)
	}
	src := i.a.router.Address()
	if src == 0 {
		return ErrNoAddress
	}
	if dst == src {
		return ErrLocalFlow
	}
	flow.setSource(src, i.port)
	flow.setDestinationAddress(dst)
	flow.Source = true
	i.requester, i.req, i.objectName = true, req, flow.ObjectName()
	if i.a.createRetry != nil {
		i.backoff = i.a.createRetry()
	}
	i.set(StateConnectionCreateRequested, flow)
	if err := i.a.kernel.CreateConnection(flow.Connections[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrKernel, err)
	}
	return nil
}

// connectionCreated sends CREATE(Flow) to the peer once the kernel holds the local endpoint.
func (i *Instance) connectionCreated(cepID int32) {
	if i.state != StateConnectionCreateRequested || !i.requester {
		i.ignore("connection created")
		return
	}
	if cepID < 0 {
		i.fail(errKernel("create connection", cepID))
		return
	}
	flow := i.flow.clone()
	flow.Connections[flow.CurrentConnection].SourceCEPID = cepID
	i.connected = true
	hop, found := i.a.router.NextHop(flow.DestinationAddress)
	if !found {
		i.set(i.state, flow)
		i.fail(fmt.Errorf("%w %d", ErrUnreachable, flow.DestinationAddress))
		return
	}
	i.underlying = hop
	i.set(StateMessageToPeerSent, flow)
	i.sendCreate()
}

func (i *Instance) sendCreate() {
	t := rib.Target{Class: FlowClass, Name: i.objectName}
	if _, err := i.a.d.SendRequest(i.underlying, cdap.Create, t, i.flow.clone(), i); err != nil {
		i.fail(fmt.Errorf("failed to send CREATE(Flow): %w", err))
		return
	}
	i.log.Debug().Int32("underlying port", i.underlying).Str("flow", i.objectName).Msg("sent CREATE(Flow)")
}

// Response receives the peer's answer to CREATE(Flow).
func (i *Instance) Response(msg *cdap.Message, _ cdap.Descriptor) {
	i.q.Do(func() { i.createResponse(msg) })
}

func (i *Instance) createResponse(msg *cdap.Message) {
	if i.state != StateMessageToPeerSent || msg.Opcode != cdap.CreateR {
		i.ignore("create response")
		return
	}
	if msg.ObjName != i.objectName {
		i.log.Error().Str("expected", i.objectName).Str("actual", msg.ObjName).Msg("response names another flow")
		return
	}
	if msg.Result != 0 {
		if i.retry() {
			return
		}
		i.fail(fmt.Errorf("%w by peer: %s (%d)", ErrRejected, msg.ResultReason, msg.Result))
		return
	}
	flow := i.flow.clone()
	if !msg.ObjValue.IsZero() {
		var answered Flow
		if err := i.a.d.DecodeValue(msg.ObjValue, &answered); err != nil {
			i.log.Warn().Err(err).Msg("failed to decode the peer's flow")
		} else {
			for n := range min(len(flow.Connections), len(answered.Connections)) {
				flow.Connections[n].DestCEPID = answered.Connections[n].DestCEPID
			}
			flow.DestinationPortID = answered.DestinationPortID
		}
	}
	i.set(StateConnectionUpdateRequested, flow)
	if err := i.a.kernel.UpdateConnection(flow.Connections[flow.CurrentConnection]); err != nil {
		i.fail(fmt.Errorf("%w: %v", ErrKernel, err))
	}
}

// retry schedules another CREATE(Flow) if the retry policy allows it.
func (i *Instance) retry() bool {
	if i.backoff == nil || i.flow.CreateFlowRetries >= i.flow.MaxCreateFlowRetries {
		return false
	}
	delay, stop := i.backoff.Next()
	if stop {
		return false
	}
	flow := i.flow.clone()
	flow.CreateFlowRetries++
	i.set(i.state, flow)
	i.log.Info().Int("attempt", flow.CreateFlowRetries).Dur("delay", delay).Msg("flow refused; retrying")
	i.arm(delay, func() {
		if i.state == StateMessageToPeerSent {
			i.sendCreate()
		}
	})
	return true
}

func (i *Instance) connectionUpdated(result int32) {
	if i.state != StateConnectionUpdateRequested {
		i.ignore("connection updated")
		return
	}
	if result != 0 {
		i.fail(errKernel("update connection", result))
		return
	}
	flow := i.flow.clone()
	flow.State = FlowAllocated
	i.set(StateFlowAllocated, flow)
	i.publish()
	i.log.Info().Str("flow", i.objectName).Msg("flow allocated")
	i.a.manager.AllocateFlowRequestResult(i.req, i.port, nil)
}

// fail ends a requester that has not reached FLOW_ALLOCATED and reports err as the allocation result.
func (i *Instance) fail(err error) {
	i.log.Warn().Err(err).Msg("flow allocation failed")
	i.terminate()
	i.a.manager.AllocateFlowRequestResult(i.req, i.port, err)
}

//#endregion requester

//#region responder

// CreateFlowRequestMessageReceived starts the responder side of a flow from a peer's CREATE(Flow).
func (i *Instance) CreateFlowRequestMessageReceived(flow Flow, r *rib.Remote) {
	i.q.Do(func() { i.createFlowRequest(flow, r) })
}

func (i *Instance) createFlowRequest(flow Flow, r *rib.Remote) {
	if i.state != StateNull || i.requester {
		i.ignore("create flow request")
		return
	}
	if flow.DestinationAddress == 0 {
		flow.setDestinationAddress(i.a.router.Address())
	}
	flow.DestinationPortID = i.port
	flow.Source = false
	i.remote, i.underlying = r, r.PortID()
	i.objectName = r.Message.ObjName
	if i.objectName == "" {
		i.objectName = flow.ObjectName()
	}
	i.set(StateConnectionCreateRequested, flow)
	if err := i.a.kernel.CreateConnectionArrived(i.localConnection()); err != nil {
		i.refuse(fmt.Errorf("%w: %v", ErrKernel, err))
	}
}

// connectionArrivedCreated notifies the local application once the kernel holds the endpoint.
func (i *Instance) connectionArrivedCreated(cepID int32) {
	if i.state != StateConnectionCreateRequested || i.requester {
		i.ignore("connection arrived created")
		return
	}
	if cepID < 0 {
		i.refuse(errKernel("create connection", cepID))
		return
	}
	flow := i.flow.clone()
	flow.Connections[flow.CurrentConnection].DestCEPID = cepID
	i.connected = true
	i.set(StateAppNotified, flow)
	i.a.manager.AllocateFlowRequestArrived(flow.clone(), i.port)
}

func (i *Instance) submitAllocateResponse(accept bool, reason string) {
	if i.state != StateAppNotified {
		i.ignore("allocate response")
		return
	}
	if !accept {
		i.refuse(fmt.Errorf("%w by application: %s", ErrRejected, reason))
		return
	}
	flow := i.flow.clone()
	flow.State = FlowAllocated
	if err := i.remote.Reply(0, "", flow); err != nil {
		i.log.Error().Err(err).Msg("failed to answer CREATE(Flow)")
		i.terminate()
		i.a.manager.FlowDeallocated(i.port)
		return
	}
	i.set(StateFlowAllocated, flow)
	i.publish()
	i.log.Info().Str("flow", i.objectName).Msg("flow allocated")
}

// refuse answers CREATE(Flow) negatively and ends the responder.
func (i *Instance) refuse(err error) {
	i.log.Info().Err(err).Msg("refusing flow")
	if rerr := i.remote.Reply(int32(rib.CodeResourceUnavailable), err.Error(), nil); rerr != nil {
		i.log.Warn().Err(rerr).Msg("failed to answer CREATE(Flow)")
	}
	i.terminate()
}

//#endregion responder

//#region teardown

// submitDeallocate tells the peer and starts the 2*MPL wait.
func (i *Instance) submitDeallocate() {
	if i.state != StateFlowAllocated {
		i.ignore("deallocate")
		return
	}
	if _, err := i.a.d.SendRequest(i.underlying, cdap.Delete, rib.Target{Class: FlowClass, Name: i.objectName}, nil, nil); err != nil {
		i.log.Warn().Err(err).Msg("failed to send DELETE(Flow)")
	}
	i.waitBeforeTeardown()
}

// deleteFlowRequestMessageReceived starts the 2*MPL wait on the peer's DELETE(Flow).
func (i *Instance) deleteFlowRequestMessageReceived() {
	if i.state != StateFlowAllocated {
		i.ignore("delete flow request")
		return
	}
	i.waitBeforeTeardown()
	i.a.manager.FlowDeallocated(i.port)
}

func (i *Instance) waitBeforeTeardown() {
	flow := i.flow.clone()
	flow.State = FlowWaiting2MPLBeforeTearingDown
	i.set(StateWaiting2MPLBeforeTeardown, flow)
	i.arm(2*i.a.mpl, i.teardown)
}

func (i *Instance) teardown() {
	if i.state != StateWaiting2MPLBeforeTeardown {
		i.ignore("teardown")
		return
	}
	i.terminate()
	i.log.Info().Str("flow", i.objectName).Msg("flow torn down")
}

// abort ends the instance because the management flow to its peer is gone.
func (i *Instance) abort(cause error) {
	switch {
	case i.state == StateNull:
		return
	case i.state == StateFlowAllocated:
		i.terminate()
		i.a.manager.FlowDeallocated(i.port)
	case i.state == StateWaiting2MPLBeforeTeardown || !i.requester:
		i.terminate()
	default:
		i.fail(cause)
	}
}

// terminate releases everything the instance holds and removes it from the allocator.
func (i *Instance) terminate() {
	i.cancel()
	if i.connected {
		if err := i.a.kernel.DestroyConnection(i.localConnection()); err != nil {
			i.log.Warn().Err(err).Msg("failed to destroy connection")
		}
		i.connected = false
	}
	if i.obj != nil {
		if err := i.a.d.RemoveObject(i.objectName); err != nil {
			i.log.Warn().Err(err).Msg("failed to remove flow object")
		}
		i.obj = nil
	}
	i.a.manager.DeallocatePortID(i.port)
	i.a.forget(i)
	flow := i.flow.clone()
	flow.State = FlowDeallocated
	i.set(StateNull, flow)
}

//#endregion teardown

// publish adds the flow to the RIB.
func (i *Instance) publish() {
	o := rib.NewObject(FlowClass, i.objectName, i.flow.clone(),
		rib.WithLocal(rib.OpRead, func(o *rib.Object, _ rib.LocalRequest) (any, error) {
			return o.Value(), nil
		}),
		rib.WithRemote(rib.OpRead, func(o *rib.Object, r *rib.Remote) error {
			return r.Reply(0, "", o.Value())
		}),
		rib.WithRemote(rib.OpDelete, func(_ *rib.Object, r *rib.Remote) error {
			i.q.Do(i.deleteFlowRequestMessageReceived)
			return r.Reply(0, "", nil)
		}),
	)
	if err := i.a.d.AddObject(o); err != nil {
		i.log.Warn().Err(err).Str("flow", i.objectName).Msg("failed to publish flow")
		return
	}
	i.obj = o
}
