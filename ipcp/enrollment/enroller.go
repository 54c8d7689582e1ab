package enrollment

import (
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/flowalloc"
	"github.com/rflandau/rina/ipcp/rib"
)

// File enroller.go holds the steps of the member admitting a process into the DIF.

// connect accepts the CONNECT that opened the machine.
func (m *Machine) connect(msg *cdap.Message) {
	if m.state != StateNull {
		m.abort(errBadState("CONNECT", m.state))
		return
	}
	resp, err := msg.Reply(0, "", nil)
	if err != nil {
		m.abort(err)
		return
	}
	// let the enrollee learn our instance
	resp.Src = m.t.localName()
	if err := m.t.d.Send(resp, m.key.Port, nil); err != nil {
		m.abort(err)
		return
	}
	m.set(StateWaitStartEnrollment)
	m.arm("START(enrollment)")
}

// startEnrollment handles START(enrollment): the enrollee states its address (if any), which is checked and
// replaced when unusable. The DIF's objects are then pushed and the enrollment closed with a STOP.
func (m *Machine) startEnrollment(r *rib.Remote) {
	if m.role != RoleEnroller || m.state != StateWaitStartEnrollment {
		_ = r.ReplyError(rib.Errorf(rib.CodeOperationNotAllowed, "not expecting START in state %v", m.state))
		m.abort(errBadState("START(enrollment)", m.state))
		return
	}
	m.cancel()

	var info EnrollmentInformation
	initialize := r.Message.ObjValue.IsZero()
	if !initialize {
		if err := r.Decode(&info); err != nil {
			_ = r.ReplyError(err)
			m.abort(err)
			return
		}
		initialize = !m.t.validAddress(m.Neighbor().Name, info.Address)
	}
	reply := EnrollmentInformation{DIFName: m.t.DIFName()}
	if initialize {
		addr := m.t.nextAddress(m.Neighbor().Name)
		if addr == 0 {
			_ = r.Reply(int32(rib.CodeResourceUnavailable), ErrNoAddress.Error(), nil)
			m.abort(ErrNoAddress)
			return
		}
		m.log.Info().Uint64("proposed", info.Address).Uint64("assigned", addr).Msg("assigning address")
		info.Address = addr
		reply.Address = addr
	}
	var value any
	if reply.Address != 0 || reply.DIFName != "" {
		value = reply
	}
	if err := r.Reply(0, "", value); err != nil {
		m.abort(err)
		return
	}
	m.updatePeer(func(n *Neighbor) {
		n.Address = info.Address
		if len(info.SupportingDIFs) > 0 {
			n.SupportingDIF = info.SupportingDIFs[0]
		}
	})

	// a process that never was a member gets the DIF's static configuration
	if initialize {
		for _, name := range []string{WhatevercastSetName, DataTransferConstantsName, QoSCubeSetName} {
			m.t.pushObject(m.key.Port, name)
		}
	}
	m.t.pushObject(m.key.Port, flowalloc.DirectoryName)
	m.pushNeighbors()

	stop := rib.Target{Class: EnrollmentInfoClass, Name: EnrollmentInfoName}
	if _, err := m.t.d.SendRequest(m.key.Port, cdap.Stop, stop, cdap.BoolValue(m.t.startEarly), m); err != nil {
		m.abort(err)
		return
	}
	m.set(StateWaitStopEnrollmentResponse)
	m.arm("STOP_R(enrollment)")
}

// pushNeighbors sends the enrollee our neighbors, ourselves first.
func (m *Machine) pushNeighbors() {
	list := append([]Neighbor{{Name: m.t.localName(), Address: m.t.Address(), Enrolled: true}}, m.t.neighbors.List()...)
	for i := range list {
		list[i].Name.EntityName, list[i].Name.EntityInstance = "", ""
	}
	t := rib.Target{Class: NeighborSetClass, Name: NeighborSetName}
	if _, err := m.t.d.SendRequest(m.key.Port, cdap.Create, t, list, nil); err != nil {
		m.log.Warn().Err(err).Msg("failed to push neighbors")
	}
}

// stopEnrollmentResponse handles STOP_R(enrollment) and lets the enrollee start.
func (m *Machine) stopEnrollmentResponse(msg *cdap.Message) {
	if m.state != StateWaitStopEnrollmentResponse {
		m.abort(errBadState("STOP_R", m.state))
		return
	}
	m.cancel()
	if msg.Result != 0 {
		m.abort(errRejected("STOP(enrollment)", msg.Result, msg.ResultReason))
		return
	}
	start := rib.Target{Class: OperationalStatusClass, Name: OperationalStatusName}
	if _, err := m.t.d.SendRequest(m.key.Port, cdap.Start, start, nil, nil); err != nil {
		m.log.Warn().Err(err).Msg("failed to send START(operational status)")
	}
	m.completed()
}
