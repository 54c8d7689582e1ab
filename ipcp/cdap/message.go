// Package cdap implements the Common Distributed Application Protocol session engine:
// the message record and its per-opcode schema, a GPB-compatible wire codec, and the session manager that
// enforces per-connection sequencing and correlates invoke ids.
//
// The Manager is the single point through which messages are encoded, decoded, sent, and received.
// It does not perform any I/O; callers (the RIB daemon) write the bytes it produces and feed it the bytes they read.
package cdap

import (
	"errors"
	"strconv"

	"github.com/rflandau/rina/ipcp"
	"github.com/rs/zerolog"
)

const (
	// AbsSyntax is the abstract syntax identifier carried by CONNECT and CONNECT_R.
	AbsSyntax int32 = 115
	// Version is the CDAP protocol version carried by CONNECT and CONNECT_R.
	Version int64 = 1
)

// ValueKind identifies which member of an ObjectValue is set.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindInt32
	KindSInt32
	KindInt64
	KindSInt64
	KindString
	KindBytes
	KindFloat
	KindDouble
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInt32:
		return "int32"
	case KindSInt32:
		return "sint32"
	case KindInt64:
		return "int64"
	case KindSInt64:
		return "sint64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// ObjectValue is the typed value union a message can carry.
// Integers of every width share Int; both float widths share Float.
type ObjectValue struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Bool  bool
}

func Int32Value(v int32) *ObjectValue    { return &ObjectValue{Kind: KindInt32, Int: int64(v)} }
func SInt32Value(v int32) *ObjectValue   { return &ObjectValue{Kind: KindSInt32, Int: int64(v)} }
func Int64Value(v int64) *ObjectValue    { return &ObjectValue{Kind: KindInt64, Int: v} }
func SInt64Value(v int64) *ObjectValue   { return &ObjectValue{Kind: KindSInt64, Int: v} }
func StringValue(v string) *ObjectValue  { return &ObjectValue{Kind: KindString, Str: v} }
func BytesValue(v []byte) *ObjectValue   { return &ObjectValue{Kind: KindBytes, Bytes: v} }
func FloatValue(v float32) *ObjectValue  { return &ObjectValue{Kind: KindFloat, Float: float64(v)} }
func DoubleValue(v float64) *ObjectValue { return &ObjectValue{Kind: KindDouble, Float: v} }
func BoolValue(v bool) *ObjectValue      { return &ObjectValue{Kind: KindBool, Bool: v} }

// IsZero reports whether no member of the union is set.
func (v *ObjectValue) IsZero() bool {
	return v == nil || v.Kind == KindNone
}

// Auth is the authentication policy proposed on CONNECT.
type Auth struct {
	Mech     AuthMech
	Name     string
	Password string
	Other    []byte
}

// IsZero reports whether no authentication was proposed.
func (a Auth) IsZero() bool {
	return a.Mech == AuthNone && !a.hasValue()
}

func (a Auth) hasValue() bool {
	return a.Name != "" || a.Password != "" || len(a.Other) > 0
}

// Fields are everything a message carries except its opcode and invoke id.
// Which fields are allowed or required depends on the opcode; see Message.Validate.
type Fields struct {
	Flags     Flags
	AbsSyntax int32
	Version   int64
	// Src and Dst name the communicating application processes/entities. CONNECT(_R) only.
	Src, Dst ipcp.NamingInfo
	Auth     Auth

	ObjClass string
	ObjName  string
	ObjInst  int64
	ObjValue *ObjectValue

	Result       int32
	ResultReason string

	Scope  int32
	Filter []byte
}

// Message is a single CDAP message.
// Messages are not modified once handed to the Manager.
type Message struct {
	Opcode Opcode
	// InvokeID correlates a request to its response.
	// 0 marks a request that expects no response.
	InvokeID int32
	Fields
}

// NewMessage builds a message of the given opcode and validates it against the opcode's schema.
// Zero AbsSyntax and Version on CONNECT and CONNECT_R are defaulted to AbsSyntax and Version.
//
// If the message violates the schema, it is returned alongside the joined violations.
func NewMessage(op Opcode, invokeID int32, f Fields) (*Message, error) {
	m := &Message{Opcode: op, InvokeID: invokeID, Fields: f}
	if connectOps.has(op) {
		if m.AbsSyntax == 0 {
			m.AbsSyntax = AbsSyntax
		}
		if m.Version == 0 {
			m.Version = Version
		}
	}
	return m, errors.Join(m.Validate()...)
}

// Reply builds the response to request m.
// The response echoes the invoke id and, where the schema allows, the object descriptor.
// CONNECT_R swaps source and destination naming so it reads from the replier's point of view.
func (m *Message) Reply(result int32, reason string, value *ObjectValue) (*Message, error) {
	if !m.Opcode.IsRequest() {
		return nil, errors.Join(ErrInvalidMessage, errors.New("cannot reply to "+m.Opcode.String()))
	}
	op := m.Opcode.Response()
	f := Fields{Result: result, ResultReason: reason, ObjValue: value}
	switch {
	case op == ConnectR:
		f.AbsSyntax, f.Version = m.AbsSyntax, m.Version
		f.Src, f.Dst = m.Dst, m.Src
		f.Auth.Mech = m.Auth.Mech
	case objectOps.has(op):
		f.ObjClass, f.ObjName, f.ObjInst = m.ObjClass, m.ObjName, m.ObjInst
	}
	return NewMessage(op, m.InvokeID, f)
}

// IsFireAndForget reports whether m is a request that expects no response.
func (m *Message) IsFireAndForget() bool {
	return m.Opcode.IsRequest() && m.InvokeID == 0
}

// MarshalZerologObject writes the identifying fields of the message.
// Values and authentication material are never logged.
func (m *Message) MarshalZerologObject(e *zerolog.Event) {
	e.Stringer("opcode", m.Opcode).Int32("invoke_id", m.InvokeID)
	if m.Flags != FNoFlags {
		e.Stringer("flags", m.Flags)
	}
	if connectOps.has(m.Opcode) {
		e.Str("src", m.Src.String()).Str("dst", m.Dst.String())
	}
	if m.ObjClass != "" {
		e.Str("class", m.ObjClass)
	}
	if m.ObjName != "" {
		e.Str("name", m.ObjName)
	}
	if m.ObjInst != 0 {
		e.Int64("instance", m.ObjInst)
	}
	if !m.ObjValue.IsZero() {
		e.Stringer("value_kind", m.ObjValue.Kind)
	}
	if m.Opcode.IsResponse() {
		e.Int32("result", m.Result)
		if m.ResultReason != "" {
			e.Str("reason", m.ResultReason)
		}
	}
}
