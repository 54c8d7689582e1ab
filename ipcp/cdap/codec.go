package cdap

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// A Codec turns messages into bytes and back.
type Codec interface {
	Encode(*Message) ([]byte, error)
	// Decode parses b.
	// On failure it returns whatever prefix of the message it managed to parse (possibly nil) along with the error,
	// so the caller can still answer a malformed request that carried an invoke id.
	Decode(b []byte) (*Message, error)
}

// WireCodec encodes messages in the GPB layout of CDAP.proto (message CDAPMessage, objVal_t, authValue_t).
// Zero-valued fields are omitted.
type WireCodec struct{}

var _ Codec = WireCodec{}

// CDAPMessage field numbers
const (
	fAbsSyntax    protowire.Number = 1
	fOpcode       protowire.Number = 2
	fInvokeID     protowire.Number = 3
	fFlags        protowire.Number = 4
	fObjClass     protowire.Number = 5
	fObjName      protowire.Number = 6
	fObjInst      protowire.Number = 7
	fObjValue     protowire.Number = 8
	fResult       protowire.Number = 9
	fScope        protowire.Number = 10
	fFilter       protowire.Number = 11
	fResultReason protowire.Number = 12
	fAuthMech     protowire.Number = 13
	fAuthValue    protowire.Number = 14
	fDstAEInst    protowire.Number = 15
	fDstAEName    protowire.Number = 16
	fDstApInst    protowire.Number = 17
	fDstApName    protowire.Number = 18
	fSrcAEInst    protowire.Number = 19
	fSrcAEName    protowire.Number = 20
	fSrcApInst    protowire.Number = 21
	fSrcApName    protowire.Number = 22
	fVersion      protowire.Number = 23
)

// authValue_t field numbers
const (
	fAuthName     protowire.Number = 1
	fAuthPassword protowire.Number = 2
	fAuthOther    protowire.Number = 3
)

//#region encode

// Encode serializes m. It does not validate m against the schema.
func (WireCodec) Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if !m.Opcode.Valid() {
		return nil, fmt.Errorf("%w: unknown opcode %v", ErrInvalidMessage, m.Opcode)
	}
	var b []byte
	b = appendInt(b, fAbsSyntax, int64(m.AbsSyntax))
	// opcode is required and its first enum value is 0, so it is always written
	b = protowire.AppendTag(b, fOpcode, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Opcode.wire())
	b = appendInt(b, fInvokeID, int64(m.InvokeID))
	b = appendInt(b, fFlags, int64(m.Flags))
	b = appendString(b, fObjClass, m.ObjClass)
	b = appendString(b, fObjName, m.ObjName)
	b = appendInt(b, fObjInst, m.ObjInst)
	if !m.ObjValue.IsZero() {
		v, err := encodeValue(m.ObjValue)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fObjValue, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	b = appendInt(b, fResult, int64(m.Result))
	b = appendInt(b, fScope, int64(m.Scope))
	if len(m.Filter) > 0 {
		b = protowire.AppendTag(b, fFilter, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Filter)
	}
	b = appendString(b, fResultReason, m.ResultReason)
	b = appendInt(b, fAuthMech, int64(m.Auth.Mech))
	if m.Auth.hasValue() {
		var a []byte
		a = appendString(a, fAuthName, m.Auth.Name)
		a = appendString(a, fAuthPassword, m.Auth.Password)
		if len(m.Auth.Other) > 0 {
			a = protowire.AppendTag(a, fAuthOther, protowire.BytesType)
			a = protowire.AppendBytes(a, m.Auth.Other)
		}
		b = protowire.AppendTag(b, fAuthValue, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	b = appendString(b, fDstAEInst, m.Dst.EntityInstance)
	b = appendString(b, fDstAEName, m.Dst.EntityName)
	b = appendString(b, fDstApInst, m.Dst.ProcessInstance)
	b = appendString(b, fDstApName, m.Dst.ProcessName)
	b = appendString(b, fSrcAEInst, m.Src.EntityInstance)
	b = appendString(b, fSrcAEName, m.Src.EntityName)
	b = appendString(b, fSrcApInst, m.Src.ProcessInstance)
	b = appendString(b, fSrcApName, m.Src.ProcessName)
	b = appendInt(b, fVersion, m.Version)
	return b, nil
}

// appendInt writes a non-zero int32/int64/enum field.
// Negative values are sign extended to ten bytes, as GPB does for int32.
func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// encodeValue serializes an objVal_t.
func encodeValue(v *ObjectValue) ([]byte, error) {
	var b []byte
	switch v.Kind {
	case KindInt32:
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(int32(v.Int))))
	case KindSInt32:
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(int32(v.Int))))
	case KindInt64:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.Int))
	case KindSInt64:
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.Int))
	case KindString:
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, v.Str)
	case KindBytes:
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Bytes)
	case KindFloat:
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(v.Float)))
	case KindDouble:
		b = protowire.AppendTag(b, 8, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.Float))
	case KindBool:
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.Bool))
	default:
		return nil, fmt.Errorf("%w: unknown value kind %v", ErrInvalidMessage, v.Kind)
	}
	return b, nil
}

//#endregion encode

//#region decode

// Decode parses a CDAPMessage. Unknown fields are skipped.
func (WireCodec) Decode(b []byte) (*Message, error) {
	m := &Message{}
	var opcodeSeen bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		var err error
		switch num {
		case fOpcode:
			var v uint64
			if v, n, err = consumeVarint(num, typ, b); err != nil {
				break
			}
			if m.Opcode = opcodeFromWire(v); m.Opcode == 0 {
				err = fmt.Errorf("unknown opcode %d", v)
			}
			opcodeSeen = true
		case fAbsSyntax, fInvokeID, fFlags, fObjInst, fResult, fScope, fAuthMech, fVersion:
			var v uint64
			if v, n, err = consumeVarint(num, typ, b); err == nil {
				setVarint(m, num, v)
			}
		case fObjClass, fObjName, fResultReason, fDstAEInst, fDstAEName, fDstApInst, fDstApName,
			fSrcAEInst, fSrcAEName, fSrcApInst, fSrcApName:
			var v []byte
			if v, n, err = consumeBytes(num, typ, b); err == nil {
				setString(m, num, string(v))
			}
		case fFilter:
			var v []byte
			if v, n, err = consumeBytes(num, typ, b); err == nil {
				m.Filter = append([]byte(nil), v...)
			}
		case fObjValue:
			var v []byte
			if v, n, err = consumeBytes(num, typ, b); err == nil {
				m.ObjValue, err = decodeValue(v)
			}
		case fAuthValue:
			var v []byte
			if v, n, err = consumeBytes(num, typ, b); err == nil {
				err = decodeAuth(v, &m.Auth)
			}
		default:
			n, err = skipField(num, typ, b)
		}
		if err != nil {
			return m, malformed(err)
		}
		b = b[n:]
	}
	if !opcodeSeen {
		return m, malformed(fmt.Errorf("missing opcode"))
	}
	return m, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}

// consumeVarint consumes a varint field value, failing if the field was written with another wire type.
func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("field %d: expected varint, found wire type %d", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
	}
	return v, n, nil
}

// consumeBytes consumes a length-delimited field value, failing if the field was written with another wire type.
func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("field %d: expected bytes, found wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
	}
	return v, n, nil
}

// skipField consumes a field value of any type.
func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
	}
	return n, nil
}

func setVarint(m *Message, num protowire.Number, v uint64) {
	switch num {
	case fAbsSyntax:
		m.AbsSyntax = int32(v)
	case fInvokeID:
		m.InvokeID = int32(v)
	case fFlags:
		m.Flags = Flags(v)
	case fObjInst:
		m.ObjInst = int64(v)
	case fResult:
		m.Result = int32(v)
	case fScope:
		m.Scope = int32(v)
	case fAuthMech:
		m.Auth.Mech = AuthMech(v)
	case fVersion:
		m.Version = int64(v)
	}
}

func setString(m *Message, num protowire.Number, s string) {
	switch num {
	case fObjClass:
		m.ObjClass = s
	case fObjName:
		m.ObjName = s
	case fResultReason:
		m.ResultReason = s
	case fDstAEInst:
		m.Dst.EntityInstance = s
	case fDstAEName:
		m.Dst.EntityName = s
	case fDstApInst:
		m.Dst.ProcessInstance = s
	case fDstApName:
		m.Dst.ProcessName = s
	case fSrcAEInst:
		m.Src.EntityInstance = s
	case fSrcAEName:
		m.Src.EntityName = s
	case fSrcApInst:
		m.Src.ProcessInstance = s
	case fSrcApName:
		m.Src.ProcessName = s
	}
}

func decodeValue(b []byte) (*ObjectValue, error) {
	v := &ObjectValue{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var (
			x   uint64
			raw []byte
			err error
		)
		switch num {
		case 1, 2, 3, 4, 9:
			if x, n, err = consumeVarint(num, typ, b); err != nil {
				return nil, err
			}
			switch num {
			case 1:
				v.Kind, v.Int = KindInt32, int64(int32(x))
			case 2:
				v.Kind, v.Int = KindSInt32, int64(int32(protowire.DecodeZigZag(x&math.MaxUint32)))
			case 3:
				v.Kind, v.Int = KindInt64, int64(x)
			case 4:
				v.Kind, v.Int = KindSInt64, protowire.DecodeZigZag(x)
			case 9:
				v.Kind, v.Bool = KindBool, protowire.DecodeBool(x)
			}
		case 5, 6:
			if raw, n, err = consumeBytes(num, typ, b); err != nil {
				return nil, err
			}
			if num == 5 {
				v.Kind, v.Str = KindString, string(raw)
			} else {
				v.Kind, v.Bytes = KindBytes, append([]byte(nil), raw...)
			}
		case 7:
			if typ != protowire.Fixed32Type {
				return nil, fmt.Errorf("field %d: expected fixed32, found wire type %d", num, typ)
			}
			f, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			v.Kind, v.Float, n = KindFloat, float64(math.Float32frombits(f)), m
		case 8:
			if typ != protowire.Fixed64Type {
				return nil, fmt.Errorf("field %d: expected fixed64, found wire type %d", num, typ)
			}
			f, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			v.Kind, v.Float, n = KindDouble, math.Float64frombits(f), m
		default:
			if n, err = skipField(num, typ, b); err != nil {
				return nil, err
			}
		}
		b = b[n:]
	}
	return v, nil
}

func decodeAuth(b []byte, a *Auth) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if num < fAuthName || num > fAuthOther {
			n, err := skipField(num, typ, b)
			if err != nil {
				return err
			}
			b = b[n:]
			continue
		}
		v, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch num {
		case fAuthName:
			a.Name = string(v)
		case fAuthPassword:
			a.Password = string(v)
		case fAuthOther:
			a.Other = append([]byte(nil), v...)
		}
	}
	return nil
}

//#endregion decode
