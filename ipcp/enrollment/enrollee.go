package enrollment

import (
	"errors"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/rib"
)

// File enrollee.go holds the steps of the side joining the DIF.

// initiate opens the management connection once the N-1 flow to the enroller is allocated.
func (m *Machine) initiate() {
	if m.state != StateNull {
		m.abort(errBadState("flow allocated", m.state))
		return
	}
	peer := m.Neighbor()
	msg, err := cdap.NewMessage(cdap.Connect, m.t.d.Sessions().NewInvokeID(), cdap.Fields{
		Src:  m.t.localName(),
		Dst:  ipcp.NamingInfo{ProcessName: peer.Name.ProcessName, ProcessInstance: peer.Name.ProcessInstance, EntityName: ipcp.ManagementAE},
		Auth: m.t.credentials,
	})
	if err == nil {
		err = m.t.d.Send(msg, m.key.Port, nil)
	}
	if err != nil {
		if msg != nil {
			m.t.d.Sessions().FreeInvokeID(msg.InvokeID)
		}
		m.abort(err)
		return
	}
	m.set(StateWaitConnectResponse)
	m.arm("CONNECT_R")
}

// connectResponse handles CONNECT_R.
func (m *Machine) connectResponse(msg *cdap.Message) {
	if m.role != RoleEnrollee || m.state != StateWaitConnectResponse {
		m.abort(errBadState("CONNECT_R", m.state))
		return
	}
	m.cancel()
	if msg.Result != 0 {
		m.abort(errRejected("CONNECT", msg.Result, msg.ResultReason))
		return
	}
	if msg.Src.ProcessInstance != "" {
		m.updatePeer(func(n *Neighbor) { n.Name.ProcessInstance = msg.Src.ProcessInstance })
	}

	info := EnrollmentInformation{Address: m.t.Address()}
	m.wasMember = info.Address != 0
	if sup := m.Neighbor().SupportingDIF; sup != "" {
		info.SupportingDIFs = []string{sup}
	}
	target := rib.Target{Class: EnrollmentInfoClass, Name: EnrollmentInfoName}
	if _, err := m.t.d.SendRequest(m.key.Port, cdap.Start, target, info, m); err != nil {
		m.abort(err)
		return
	}
	m.set(StateWaitStartEnrollmentResponse)
	m.arm("START_R(enrollment)")
}

// startEnrollmentResponse handles START_R(enrollment). Its value, if any, carries the address the enroller
// assigned and the name of the DIF.
func (m *Machine) startEnrollmentResponse(msg *cdap.Message) {
	if m.state != StateWaitStartEnrollmentResponse {
		m.abort(errBadState("START_R", m.state))
		return
	}
	m.cancel()
	if msg.Result != 0 {
		m.abort(errRejected("START(enrollment)", msg.Result, msg.ResultReason))
		return
	}
	if !msg.ObjValue.IsZero() {
		var info EnrollmentInformation
		if err := m.t.d.DecodeValue(msg.ObjValue, &info); err != nil {
			m.abort(err)
			return
		}
		if info.Address != 0 {
			if err := m.t.d.Write(rib.Target{Name: AddressName}, info.Address, nil); err != nil {
				m.abort(err)
				return
			}
			if m.wasMember {
				m.log.Info().Uint64("address", info.Address).Msg("enroller replaced our address")
			}
		}
		m.t.setDIFName(info.DIFName)
	}
	if m.t.Address() == 0 {
		m.abort(ErrNoAddress)
		return
	}
	m.set(StateWaitStopEnrollment)
	m.arm("STOP(enrollment)")
}

// stopEnrollment handles STOP(enrollment): the enroller has pushed what it had to push.
// Its value says whether we may start before START(operational status).
func (m *Machine) stopEnrollment(r *rib.Remote) {
	if m.role != RoleEnrollee || m.state != StateWaitStopEnrollment {
		_ = r.ReplyError(rib.Errorf(rib.CodeOperationNotAllowed, "not expecting STOP in state %v", m.state))
		m.abort(errBadState("STOP(enrollment)", m.state))
		return
	}
	m.cancel()
	if r.Message.ObjValue.IsZero() {
		_ = r.ReplyError(rib.Errorf(rib.CodeInvalidArguments, "STOP carries no value"))
		m.abort(errors.New("STOP(enrollment) without a value"))
		return
	}
	var early bool
	if err := r.Decode(&early); err != nil {
		_ = r.ReplyError(err)
		m.abort(err)
		return
	}
	m.startEarly, m.stop = early, r
	m.requestMoreOrStart()
}

// missing returns the next object the enrollee still lacks and has not asked for yet.
func (m *Machine) missing() (rib.Target, bool) {
	switch {
	case m.t.DataTransferConstants().IsZero() && !m.read[DataTransferConstantsName]:
		return rib.Target{Class: DataTransferConstantsClass, Name: DataTransferConstantsName}, true
	case len(m.t.QoSCubes()) == 0 && !m.read[QoSCubeSetName]:
		return rib.Target{Class: QoSCubeSetClass, Name: QoSCubeSetName}, true
	case len(m.t.neighbors.List()) == 0 && !m.read[NeighborSetName]:
		return rib.Target{Class: NeighborSetClass, Name: NeighborSetName}, true
	}
	return rib.Target{}, false
}

// requestMoreOrStart reads whatever the enroller did not push, then answers the pending STOP.
func (m *Machine) requestMoreOrStart() {
	if t, ok := m.missing(); ok {
		m.read[t.Name] = true
		if _, err := m.t.d.SendRequest(m.key.Port, cdap.Read, t, nil, m); err != nil {
			m.answerStop(err)
			m.abort(err)
			return
		}
		m.set(StateWaitReadResponse)
		m.arm("READ_R " + t.Name)
		return
	}
	if !m.startEarly {
		m.answerStop(nil)
		m.set(StateWaitStart)
		m.arm("START(operational status)")
		return
	}
	if err := m.commit(); err != nil {
		m.answerStop(err)
		m.abort(err)
		return
	}
	m.answerStop(nil)
	m.completed()
}

func (m *Machine) answerStop(cause error) {
	if m.stop == nil {
		return
	}
	var err error
	if cause != nil {
		err = m.stop.ReplyError(cause)
	} else {
		err = m.stop.Reply(0, "", nil)
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to answer STOP")
	}
	m.stop = nil
}

// readResponse handles the READ_R of an object requested by requestMoreOrStart.
func (m *Machine) readResponse(msg *cdap.Message, desc cdap.Descriptor) {
	if m.state != StateWaitReadResponse {
		m.abort(errBadState("READ_R", m.state))
		return
	}
	m.cancel()
	if msg.Result != 0 || msg.ObjValue.IsZero() {
		err := errRejected("READ "+msg.ObjName, msg.Result, msg.ResultReason)
		m.answerStop(err)
		m.abort(err)
		return
	}
	if err := m.t.d.Absorb(msg, desc); err != nil {
		m.log.Warn().Err(err).Str("object", msg.ObjName).Msg("failed to apply read object")
	}
	m.requestMoreOrStart()
}
