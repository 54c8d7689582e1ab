package rib

import (
	"github.com/fxamacker/cbor/v2"
)

// An Encoder turns RIB object values into the bytes carried in a CDAP object value, and back.
type Encoder interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte, into any) error
}

// CBOREncoder encodes values as canonical CBOR.
// Struct tags (`cbor:"1,keyasint"`) keep the encoding compact and tolerant of added fields.
type CBOREncoder struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Encoder = (*CBOREncoder)(nil)

// NewCBOREncoder returns an encoder using canonical CBOR encoding options.
func NewCBOREncoder() (*CBOREncoder, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBOREncoder{enc: enc, dec: dec}, nil
}

func (c *CBOREncoder) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBOREncoder) Decode(b []byte, into any) error {
	return c.dec.Unmarshal(b, into)
}
