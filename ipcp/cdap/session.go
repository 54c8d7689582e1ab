package cdap

import (
	"time"

	"github.com/rflandau/rina/ipcp"
	"github.com/rs/zerolog"
)

// State is the sequencing state of a session.
type State uint8

const (
	StateNone State = iota
	StateAwaitConnectR
	StateConnected
	StateAwaitReleaseR
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateAwaitConnectR:
		return "AWAIT_CONNECT_R"
	case StateConnected:
		return "CONNECTED"
	case StateAwaitReleaseR:
		return "AWAIT_RELEASE_R"
	}
	return "UNKNOWN"
}

// Descriptor is the addressing metadata of a session, resolved from its CONNECT.
// Src always names this process and Dst the peer, regardless of which side sent the CONNECT.
type Descriptor struct {
	PortID    ipcp.PortID
	AbsSyntax int32
	Version   int64
	Auth      Auth
	Src       ipcp.NamingInfo
	Dst       ipcp.NamingInfo
}

// opKey identifies an outstanding operation.
// Local is true for requests this process issued; peers pick their invoke ids independently of ours.
type opKey struct {
	invokeID int32
	local    bool
}

// Session is the sequencing state of the CDAP exchange riding one flow.
// Sessions are owned by a Manager; every field is guarded by the manager's lock.
type Session struct {
	m           *Manager
	portID      ipcp.PortID
	state       State
	timer       *time.Timer        // open or close timer; only one can be pending
	pending     map[opKey]Opcode   // outstanding requests -> request opcode
	cancelReads map[opKey]struct{} // outstanding CANCELREADs
	descriptor  Descriptor
}

func newSession(m *Manager, port ipcp.PortID) *Session {
	return &Session{
		m:           m,
		portID:      port,
		pending:     make(map[opKey]Opcode),
		cancelReads: make(map[opKey]struct{}),
		descriptor:  Descriptor{PortID: port},
	}
}

//#region getters

// PortID returns the port id of the flow the session rides.
func (s *Session) PortID() ipcp.PortID {
	return s.portID
}

// State returns the current sequencing state.
func (s *Session) State() State {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return s.state
}

// Descriptor returns a copy of the session's addressing metadata.
func (s *Session) Descriptor() Descriptor {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return s.descriptor
}

// Pending returns the number of outstanding requests (in either direction).
func (s *Session) Pending() int {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return len(s.pending)
}

//#endregion getters

// Zerolog attaches the session's state to the event.
// The caller must hold the manager's lock.
func (s *Session) Zerolog(e *zerolog.Event) {
	e.Int32("port", s.portID).
		Stringer("state", s.state).
		Int("pending", len(s.pending)).
		Str("peer", s.descriptor.Dst.String())
}

// check reports whether msg may be sent (local) or received (!local) in the current state.
// It does not modify the session.
func (s *Session) check(msg *Message, local bool) error {
	op, id := msg.Opcode, msg.InvokeID
	switch op {
	case Connect:
		if s.state != StateNone {
			if !local {
				return ErrAlreadyOpen
			}
			return errBadState(op, s.state)
		}
	case ConnectR:
		if s.state != StateAwaitConnectR {
			return errBadState(op, s.state)
		}
	case Release:
		// a peer may release while our own release is outstanding
		if s.state != StateConnected && (local || s.state != StateAwaitReleaseR) {
			return errBadState(op, s.state)
		}
	case ReleaseR:
		if s.state != StateAwaitReleaseR {
			return errBadState(op, s.state)
		}
	default:
		if s.state != StateConnected {
			return errBadState(op, s.state)
		}
	}

	switch {
	case op == CancelRead:
		if s.pending[opKey{id, local}] != Read {
			return errNoPendingRequest(op, id)
		}
		if _, dup := s.cancelReads[opKey{id, local}]; dup {
			return errInvokeIDInUse(op, id)
		}
	case op == CancelReadR:
		if _, found := s.cancelReads[opKey{id, !local}]; !found {
			return errNoPendingRequest(op, id)
		}
	case op.IsRequest():
		if _, found := s.pending[opKey{id, local}]; id != 0 && found {
			return errInvokeIDInUse(op, id)
		}
	case op.IsResponse():
		if s.pending[opKey{id, !local}] != op.Request() {
			return errNoPendingRequest(op, id)
		}
	}
	return nil
}

// apply advances the session after msg was sent (local) or received (!local).
// msg must have passed check.
// Returns true if the session is finished and must be removed from the manager.
func (s *Session) apply(msg *Message, local bool) (closed bool) {
	op, id := msg.Opcode, msg.InvokeID
	switch op {
	case Connect:
		s.state = StateAwaitConnectR
		s.populateDescriptor(msg, local)
		if local {
			s.arm(StateAwaitConnectR)
		}
	case ConnectR:
		s.stopTimer()
		if msg.Result != 0 {
			// refused; nothing is left to release
			return true
		}
		s.state = StateConnected
	case Release:
		if id == 0 {
			return true
		}
		if !local && s.state == StateAwaitReleaseR {
			// simultaneous release: both sides are closing
			return true
		}
		s.state = StateAwaitReleaseR
		if local {
			s.arm(StateAwaitReleaseR)
		}
	case ReleaseR:
		return true
	}

	switch {
	case op == CancelRead:
		s.cancelReads[opKey{id, local}] = struct{}{}
	case op == CancelReadR:
		delete(s.cancelReads, opKey{id, !local})
		s.complete(opKey{id, !local})
	case op.IsRequest():
		if id != 0 {
			s.pending[opKey{id, local}] = op
			if local {
				s.m.reserved[id] = struct{}{}
			}
		}
	case op.IsResponse():
		if op == ReadR && msg.Flags == FRdIncomplete {
			break
		}
		s.complete(opKey{id, !local})
		if op == ReadR && !local {
			// the read finished before our CANCELREAD was answered
			delete(s.cancelReads, opKey{id, true})
		}
	}
	return false
}

// complete drops an outstanding operation, releasing its invoke id if we issued it.
func (s *Session) complete(k opKey) {
	delete(s.pending, k)
	if k.local {
		delete(s.m.reserved, k.invokeID)
	}
}

func (s *Session) populateDescriptor(msg *Message, local bool) {
	d := &s.descriptor
	d.AbsSyntax, d.Version, d.Auth = msg.AbsSyntax, msg.Version, msg.Auth
	if local {
		d.Src, d.Dst = msg.Src, msg.Dst
	} else {
		d.Src, d.Dst = msg.Dst, msg.Src
	}
}

// arm starts the open/close timer. If the session is still in state when it fires, the session is reset.
func (s *Session) arm(state State) {
	s.stopTimer()
	s.timer = time.AfterFunc(s.m.timeout, func() { s.m.expire(s, state) })
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// release frees everything the session holds. The caller must hold the manager's lock.
func (s *Session) release() {
	s.stopTimer()
	for k := range s.pending {
		s.complete(k)
	}
	clear(s.cancelReads)
	s.state = StateNone
}
