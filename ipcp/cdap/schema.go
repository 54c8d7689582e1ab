package cdap

import "fmt"

// fieldRule describes where a single message field may and must appear.
type fieldRule struct {
	field    string
	present  func(*Message) bool
	allowed  opSet
	required opSet
}

// schema is the opcode -> field table every message is validated against.
var schema = []fieldRule{
	{"abs_syntax", func(m *Message) bool { return m.AbsSyntax != 0 }, connectOps, connectOps},
	{"auth_mech", func(m *Message) bool { return m.Auth.Mech != AuthNone }, connectOps, 0},
	{"auth_value", func(m *Message) bool { return m.Auth.hasValue() }, connectOps, 0},
	{"dst_ae_inst", func(m *Message) bool { return m.Dst.EntityInstance != "" }, connectOps, 0},
	{"dst_ae_name", func(m *Message) bool { return m.Dst.EntityName != "" }, connectOps, 0},
	{"dst_ap_inst", func(m *Message) bool { return m.Dst.ProcessInstance != "" }, connectOps, 0},
	{"dst_ap_name", func(m *Message) bool { return m.Dst.ProcessName != "" }, connectOps, ops(Connect)},
	{"src_ae_inst", func(m *Message) bool { return m.Src.EntityInstance != "" }, connectOps, 0},
	{"src_ae_name", func(m *Message) bool { return m.Src.EntityName != "" }, connectOps, 0},
	{"src_ap_inst", func(m *Message) bool { return m.Src.ProcessInstance != "" }, connectOps, 0},
	{"src_ap_name", func(m *Message) bool { return m.Src.ProcessName != "" }, connectOps, ops(Connect)},
	{"filter", func(m *Message) bool { return len(m.Filter) > 0 }, objectReqOps, 0},
	{"scope", func(m *Message) bool { return m.Scope != 0 }, objectReqOps, 0},
	{"invoke_id", func(m *Message) bool { return m.InvokeID != 0 }, allOps, responseOps | ops(Connect, CancelRead)},
	{"flags", func(m *Message) bool { return m.Flags == FRdIncomplete }, ops(ReadR), 0},
	{"obj_class", func(m *Message) bool { return m.ObjClass != "" }, objectOps, 0},
	{"obj_name", func(m *Message) bool { return m.ObjName != "" }, objectOps, 0},
	{"obj_inst", func(m *Message) bool { return m.ObjInst != 0 }, objectOps, 0},
	{"obj_value", func(m *Message) bool { return !m.ObjValue.IsZero() },
		ops(Create, CreateR, Delete, Read, ReadR, Write, WriteR, Start, StartR, Stop, StopR), ops(Write)},
	{"result", func(m *Message) bool { return m.Result != 0 }, responseOps, 0},
	{"result_reason", func(m *Message) bool { return m.ResultReason != "" }, responseOps | ops(CancelRead), 0},
	{"version", func(m *Message) bool { return m.Version != 0 }, connectOps, connectOps},
}

// Validate checks m against the opcode schema, returning one error per violated rule.
// A nil (empty) slice means the message is well formed.
func (m *Message) Validate() []error {
	if !m.Opcode.Valid() {
		return []error{fmt.Errorf("%w: unknown opcode %v", ErrInvalidMessage, m.Opcode)}
	}
	var errs []error
	for _, r := range schema {
		present := r.present(m)
		if present && !r.allowed.has(m.Opcode) {
			errs = append(errs, fmt.Errorf("%w: %s is not allowed on %v", ErrInvalidMessage, r.field, m.Opcode))
		} else if !present && r.required.has(m.Opcode) {
			errs = append(errs, fmt.Errorf("%w: %s is required on %v", ErrInvalidMessage, r.field, m.Opcode))
		}
	}
	// class and name describe the same object; one without the other is ambiguous
	if (m.ObjClass == "") != (m.ObjName == "") {
		errs = append(errs, fmt.Errorf("%w: obj_class and obj_name must be set together", ErrInvalidMessage))
	}
	if m.ObjValue != nil && m.ObjValue.Kind > KindBool {
		errs = append(errs, fmt.Errorf("%w: unknown value kind %v", ErrInvalidMessage, m.ObjValue.Kind))
	}
	if m.Auth.Mech > AuthSSHDSA {
		errs = append(errs, fmt.Errorf("%w: unknown auth mechanism %v", ErrInvalidMessage, m.Auth.Mech))
	}
	return errs
}
