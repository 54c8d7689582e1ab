package enrollment

import (
	"fmt"
	"sync"
	"time"

	"github.com/rflandau/rina/internal/serial"
	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rflandau/rina/ipcp/flowalloc"
	"github.com/rflandau/rina/ipcp/rib"
	"github.com/rs/zerolog"
)

// State is the protocol state of an enrollment state machine.
type State uint8

const (
	StateNull State = iota
	// enrollee
	StateWaitConnectResponse
	StateWaitStartEnrollmentResponse
	StateWaitStopEnrollment
	StateWaitReadResponse
	StateWaitStart
	// enroller
	StateWaitStartEnrollment
	StateWaitStopEnrollmentResponse

	StateEnrolled
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateWaitConnectResponse:
		return "WAIT_CONNECT_RESPONSE"
	case StateWaitStartEnrollmentResponse:
		return "WAIT_START_ENROLLMENT_RESPONSE"
	case StateWaitStopEnrollment:
		return "WAIT_STOP_ENROLLMENT"
	case StateWaitReadResponse:
		return "WAIT_READ_RESPONSE"
	case StateWaitStart:
		return "WAIT_START"
	case StateWaitStartEnrollment:
		return "WAIT_START_ENROLLMENT"
	case StateWaitStopEnrollmentResponse:
		return "WAIT_STOP_ENROLLMENT_RESPONSE"
	case StateEnrolled:
		return "ENROLLED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Role is the side of the enrollment a machine plays.
type Role uint8

const (
	// RoleEnrollee joins the DIF.
	RoleEnrollee Role = iota
	// RoleEnroller is already a member and admits the enrollee.
	RoleEnroller
)

func (r Role) String() string {
	if r == RoleEnroller {
		return "enroller"
	}
	return "enrollee"
}

// Key identifies a machine: the peer it enrolls with and the management flow it runs over.
type Key struct {
	Neighbor string
	Port     ipcp.PortID
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Neighbor, k.Port)
}

// Machine drives one enrollment, from either side.
//
// Every entry point (CDAP message, flow callback, timer) is a step run on the machine's serial queue.
// Unlike flow allocator instances, a step that arrives in a state it does not expect aborts the enrollment.
type Machine struct {
	t    *Task
	log  zerolog.Logger
	key  Key
	role Role
	q    serial.Queue

	mu    sync.RWMutex // guards state and peer for readers outside the queue
	state State
	peer  Neighbor

	// owned by the queue
	req        *Request    // enrollee started through Task.Enroll
	stop       *rib.Remote // STOP being answered (enrollee)
	startEarly bool        // the enroller allowed us to start without waiting for START
	read       map[string]bool
	wasMember  bool // the enrollee held an address before this enrollment
	finished   bool // aborted or reset; the machine is gone from the task
	timer      *time.Timer
	gen        uint64
}

func newMachine(t *Task, role Role, key Key, peer Neighbor) *Machine {
	return &Machine{
		t:    t,
		key:  key,
		role: role,
		peer: peer,
		read: make(map[string]bool),
		log: t.log.With().Str("sublogger", "enrollment").Stringer("role", role).
			Str("neighbor", key.Neighbor).Int32("port", key.Port).Logger(),
	}
}

//#region getters

// Key returns the machine's key.
func (m *Machine) Key() Key {
	return m.key
}

// Role returns the side of the enrollment the machine plays.
func (m *Machine) Role() Role {
	return m.role
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Neighbor returns what the machine knows about its peer.
func (m *Machine) Neighbor() Neighbor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peer
}

// Zerolog attaches the machine's state to the event.
func (m *Machine) Zerolog(e *zerolog.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e.Stringer("role", m.role).Stringer("key", m.key).Stringer("state", m.state).
		Uint64("peer address", m.peer.Address)
}

//#endregion getters

// step runs f on the queue unless the machine is already finished.
func (m *Machine) step(f func()) {
	m.q.Do(func() {
		if m.finished {
			m.log.Debug().Msg("dropping step of finished machine")
			return
		}
		f()
	})
}

func (m *Machine) set(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("state transition")
	}
}

func (m *Machine) updatePeer(f func(*Neighbor)) {
	m.mu.Lock()
	f(&m.peer)
	m.mu.Unlock()
}

// arm replaces the pending timer (if any) with one aborting the machine once the task's timeout passes
// without the awaited message.
func (m *Machine) arm(awaited string) {
	m.cancel()
	gen := m.gen
	m.timer = time.AfterFunc(m.t.timeout, func() {
		m.step(func() {
			if gen != m.gen {
				return
			}
			m.timer = nil
			m.abort(errTimeout(awaited))
		})
	})
}

func (m *Machine) cancel() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Response receives the responses to the requests the machine sends.
func (m *Machine) Response(msg *cdap.Message, desc cdap.Descriptor) {
	m.step(func() {
		switch {
		case m.role == RoleEnrollee && msg.Opcode == cdap.StartR:
			m.startEnrollmentResponse(msg)
		case m.role == RoleEnrollee && msg.Opcode == cdap.ReadR:
			m.readResponse(msg, desc)
		case m.role == RoleEnroller && msg.Opcode == cdap.StopR:
			m.stopEnrollmentResponse(msg)
		default:
			m.abort(errBadState(msg.Opcode.String(), m.state))
		}
	})
}

// startOperation handles START(operational status).
func (m *Machine) startOperation(r *rib.Remote) {
	switch {
	case m.role != RoleEnrollee:
		m.abort(errBadState("START(operational status)", m.state))
	case m.state == StateEnrolled:
		// the enroller always sends it; we started early
		m.log.Debug().Msg("already operational")
	case m.state == StateWaitStart:
		m.cancel()
		if err := m.commit(); err != nil {
			_ = r.ReplyError(err)
			m.abort(err)
			return
		}
		if err := r.Reply(0, "", nil); err != nil {
			m.log.Warn().Err(err).Msg("failed to answer START")
		}
		m.completed()
	default:
		m.abort(errBadState("START(operational status)", m.state))
	}
}

// commit makes this process an operational member of the DIF.
func (m *Machine) commit() error {
	return m.t.d.Start(rib.Target{Name: OperationalStatusName}, nil)
}

// completed moves the machine to ENROLLED and records the peer as an enrolled neighbor.
func (m *Machine) completed() {
	m.cancel()
	m.set(StateEnrolled)
	m.updatePeer(func(n *Neighbor) {
		n.Enrolled = true
		n.UnderlyingPort = m.key.Port
		n.LastHeardFrom = time.Now().UnixMilli()
		n.EnrollmentAttempts = 0
		// the enroller lists itself among the neighbors it pushes
		if cur, found := m.t.neighbors.Get(n.Key()); found {
			if n.Address == 0 {
				n.Address = cur.Address
			}
			n.AverageRTT = cur.AverageRTT
		}
	})
	peer := m.Neighbor()
	if err := m.t.neighbors.Put(peer); err != nil {
		m.log.Error().Err(err).Msg("failed to record enrolled neighbor")
	}
	m.log.Info().Func(m.Zerolog).Msg("enrollment completed")
	if m.role == RoleEnrollee {
		m.t.pushObject(m.key.Port, flowalloc.DirectoryName)
	}
	m.t.publish(Event{Kind: EventEnrollmentCompleted, Neighbor: peer, Port: m.key.Port, Role: m.role})
	if m.req != nil {
		m.t.respond(*m.req, []Neighbor{peer}, nil)
		m.req = nil
	}
}

// abort gives up on the enrollment: the management connection is released, the flow deallocated, and the
// failure reported.
func (m *Machine) abort(cause error) {
	if m.finished {
		return
	}
	m.finished = true
	m.cancel()
	prev := m.state
	m.set(StateNull)
	m.t.forget(m)
	m.log.Warn().Err(cause).Stringer("state", prev).Msg("enrollment aborted")
	m.t.release(m.key.Port)
	m.failed(cause)
}

// reset drops the machine after the peer released the connection or the flow went away.
// Nothing is sent to the peer.
func (m *Machine) reset(cause error) {
	if m.finished {
		return
	}
	m.finished = true
	m.cancel()
	prev := m.state
	m.set(StateNull)
	m.t.forget(m)
	if prev == StateEnrolled {
		m.log.Info().Err(cause).Msg("enrollment ended")
		return
	}
	m.log.Warn().Err(cause).Stringer("state", prev).Msg("enrollment interrupted")
	m.failed(cause)
}

func (m *Machine) failed(cause error) {
	m.t.publish(Event{Kind: EventEnrollmentFailed, Neighbor: m.Neighbor(), Port: m.key.Port, Role: m.role, Err: cause})
	if m.req != nil {
		m.t.respond(*m.req, nil, cause)
		m.req = nil
	}
}
