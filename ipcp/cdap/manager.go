package cdap

import (
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rflandau/rina/ipcp"
	"github.com/rs/zerolog"
)

// Manager is the registry of CDAP sessions, keyed by the port id of the flow each rides.
// All message encoding and decoding flows through it so session state always reflects what was sent and received.
//
// Manager performs no I/O. The expected pattern for sending is:
//
//	b, err := m.EncodeNextMessageToBeSent(msg, port)
//	// write b to the flow
//	err = m.MessageSent(msg, port)
//
// and for receiving, MessageReceived on every SDU read from a management flow.
type Manager struct {
	log     *zerolog.Logger
	codec   Codec
	timeout time.Duration

	mu           sync.RWMutex
	sessions     map[ipcp.PortID]*Session
	lastInvokeID int32
	reserved     map[int32]struct{} // invoke ids handed out or in use by our outstanding requests
	onClosed     []func(port ipcp.PortID)
}

// NewManager returns a session manager with no sessions.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		codec:    WireCodec{},
		timeout:  DefaultTimeout,
		sessions: make(map[ipcp.PortID]*Session),
		reserved: make(map[int32]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = ipcp.DefaultLogger("cdap")
	}
	return m
}

// NewInvokeID reserves and returns an invoke id for a request.
// Ids are strictly increasing, skip any id still in use, and wrap from math.MaxInt32 to 1.
// The id stays reserved until the request's final response is sent or received, its session is removed,
// or FreeInvokeID is called.
func (m *Manager) NewInvokeID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range math.MaxInt32 {
		if m.lastInvokeID == math.MaxInt32 {
			m.lastInvokeID = 0
		}
		m.lastInvokeID++
		if _, used := m.reserved[m.lastInvokeID]; !used {
			m.reserved[m.lastInvokeID] = struct{}{}
			return m.lastInvokeID
		}
	}
	// every id is outstanding; nothing sane can be done
	panic("cdap: invoke id space exhausted")
}

// FreeInvokeID releases an id obtained from NewInvokeID that was never sent.
func (m *Manager) FreeInvokeID(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, id)
}

// InvokeIDInUse reports whether id is reserved by NewInvokeID or by one of our outstanding requests.
func (m *Manager) InvokeIDInUse(id int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, used := m.reserved[id]
	return used
}

// OnSessionClosed registers f to be called whenever a session is destroyed, however it ended.
// f is called on its own goroutine, so it may call back into the manager.
func (m *Manager) OnSessionClosed(f func(port ipcp.PortID)) {
	m.mu.Lock()
	m.onClosed = append(m.onClosed, f)
	m.mu.Unlock()
}

// EncodeNextMessageToBeSent validates msg against the schema and the state of the session on port and encodes it.
// The session is not advanced until MessageSent.
// If no session exists on port, one is created for a CONNECT once it is encoded; any other opcode fails with
// ErrNoSession.
func (m *Manager) EncodeNextMessageToBeSent(msg *Message, port ipcp.PortID) ([]byte, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}
	if errs := msg.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[port]
	if !found {
		if msg.Opcode != Connect {
			return nil, errNoSession(port)
		}
		s = newSession(m, port)
	}
	if err := s.check(msg, true); err != nil {
		return nil, err
	}
	b, err := m.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	if !found {
		m.sessions[port] = s
		m.log.Debug().Int32("port", port).Msg("session created for outbound CONNECT")
	}
	return b, nil
}

// MessageSent advances the session on port after msg was written to the flow.
func (m *Manager) MessageSent(msg *Message, port ipcp.PortID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[port]
	if !found {
		return errNoSession(port)
	}
	return m.advance(s, msg, true)
}

// MessageReceived decodes an SDU read from the flow on port and advances the session accordingly.
// If no session exists on port, one is created for a CONNECT; any other opcode fails with ErrNoSession.
//
// On failure, the (possibly partial) decoded message is returned alongside the error whenever one could be
// decoded, so the caller can answer requests that carried an invoke id.
func (m *Manager) MessageReceived(b []byte, port ipcp.PortID) (*Message, error) {
	msg, err := m.codec.Decode(b)
	if err != nil {
		return msg, err
	}
	if errs := msg.Validate(); len(errs) > 0 {
		return msg, errors.Join(errs...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[port]
	if !found {
		if msg.Opcode != Connect {
			return msg, errNoSession(port)
		}
		s = newSession(m, port)
		m.sessions[port] = s
		m.log.Debug().Int32("port", port).Msg("session created for inbound CONNECT")
	}
	return msg, m.advance(s, msg, false)
}

// advance checks and applies msg to s. The caller must hold mu.
func (m *Manager) advance(s *Session, msg *Message, local bool) error {
	if err := s.check(msg, local); err != nil {
		return err
	}
	if closed := s.apply(msg, local); closed {
		m.remove(s)
		m.log.Debug().Int32("port", s.portID).Stringer("opcode", msg.Opcode).Msg("session closed")
	}
	return nil
}

// Encode serializes msg without consulting or advancing any session.
// Used for negative responses to messages that never made it into a session.
func (m *Manager) Encode(msg *Message) ([]byte, error) {
	return m.codec.Encode(msg)
}

// Decode parses b without consulting or advancing any session.
func (m *Manager) Decode(b []byte) (*Message, error) {
	return m.codec.Decode(b)
}

// Remove destroys the session on port (if one exists), cancelling its timers and releasing its invoke ids.
// Used when the underlying flow is lost.
func (m *Manager) Remove(port ipcp.PortID) (found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[port]
	if found {
		m.remove(s)
	}
	return found
}

// remove destroys s and notifies OnSessionClosed listeners. The caller must hold mu.
func (m *Manager) remove(s *Session) {
	s.release()
	if m.sessions[s.portID] != s {
		return
	}
	delete(m.sessions, s.portID)
	for _, f := range m.onClosed {
		go f(s.portID)
	}
}

// expire is called by a session's open/close timer.
func (m *Manager) expire(s *Session, awaited State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.portID] != s || s.state != awaited {
		return // superseded
	}
	m.log.Warn().Func(s.Zerolog).Dur("timeout", m.timeout).Msg("response not received in time; resetting session")
	m.remove(s)
}

// Session returns the session on port.
func (m *Manager) Session(port ipcp.PortID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, found := m.sessions[port]
	return s, found
}

// Sessions returns every session, ordered by port id.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return int(a.portID) - int(b.portID) })
	return out
}

// ConnectedPorts returns the port ids of every session in the CONNECTED state, in ascending order.
func (m *Manager) ConnectedPorts() []ipcp.PortID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ipcp.PortID, 0, len(m.sessions))
	for p, s := range m.sessions {
		if s.state == StateConnected {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// PortIDOf returns the port id of the session whose peer process is apName.
func (m *Manager) PortIDOf(apName string) (ipcp.PortID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for p, s := range m.sessions {
		if s.descriptor.Dst.ProcessName == apName {
			return p, true
		}
	}
	return 0, false
}
