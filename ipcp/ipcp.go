// Package ipcp is the parent package of the IPC process control plane.
// It contains child packages cdap (session engine), rib (resource information base and its daemon),
// flowalloc (flow allocator), enrollment (DIF join protocol and neighbor liveness), and the supporting
// transport, console, and composition packages.
// Child packages are mostly self-contained; the parent package provides the few shared types.
package ipcp

import (
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Address is the DIF-wide address of an IPC process.
// 0 is never a valid address; it marks "not yet assigned".
type Address = uint64

// PortID identifies a flow endpoint (and the CDAP session riding it).
// Negative values are used by the kernel to signal failure.
type PortID = int32

// ManagementAE is the application entity name used by IPC processes for their management flows.
const ManagementAE = "Management"

var ErrNilCtx = errors.New("do not pass nil contexts; use context.TODO or context.Background instead")

// NamingInfo is the application naming information of a process or entity.
type NamingInfo struct {
	ProcessName     string `cbor:"1,keyasint,omitempty" json:"process_name"`
	ProcessInstance string `cbor:"2,keyasint,omitempty" json:"process_instance,omitempty"`
	EntityName      string `cbor:"3,keyasint,omitempty" json:"entity_name,omitempty"`
	EntityInstance  string `cbor:"4,keyasint,omitempty" json:"entity_instance,omitempty"`
}

// IsZero reports whether no field of the naming info is set.
func (n NamingInfo) IsZero() bool {
	return n == NamingInfo{}
}

// String returns the encoded form of the naming info (name-instance-entity-entityInstance).
// Trailing empty components are dropped.
func (n NamingInfo) String() string {
	parts := []string{n.ProcessName, n.ProcessInstance, n.EntityName, n.EntityInstance}
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "-")
}

//#region DIF parameters

// DataTransferConstants are the DIF-wide sizes and limits used by the data transfer protocol.
// They are pushed to new members during enrollment.
type DataTransferConstants struct {
	AddressLength        uint16 `cbor:"1,keyasint" json:"address_length"`
	CEPIDLength          uint16 `cbor:"2,keyasint" json:"cep_id_length"`
	LengthLength         uint16 `cbor:"3,keyasint" json:"length_length"`
	PortIDLength         uint16 `cbor:"4,keyasint" json:"port_id_length"`
	QoSIDLength          uint16 `cbor:"5,keyasint" json:"qos_id_length"`
	SequenceNumberLength uint16 `cbor:"6,keyasint" json:"sequence_number_length"`
	MaxPDUSize           uint32 `cbor:"7,keyasint" json:"max_pdu_size"`
	MaxPDULifetimeMillis uint32 `cbor:"8,keyasint" json:"max_pdu_lifetime_ms"`
	DIFIntegrity         bool   `cbor:"9,keyasint" json:"dif_integrity"`
}

// IsZero reports whether the constants have been initialized.
func (c DataTransferConstants) IsZero() bool {
	return c == DataTransferConstants{}
}

// QoSCube is a class of service the DIF offers.
type QoSCube struct {
	ID                uint32  `cbor:"1,keyasint" json:"id"`
	Name              string  `cbor:"2,keyasint" json:"name"`
	AverageBandwidth  uint64  `cbor:"3,keyasint,omitempty" json:"average_bandwidth,omitempty"`
	Delay             uint32  `cbor:"4,keyasint,omitempty" json:"delay,omitempty"`
	Jitter            uint32  `cbor:"5,keyasint,omitempty" json:"jitter,omitempty"`
	MaxAllowableGap   int32   `cbor:"6,keyasint,omitempty" json:"max_allowable_gap,omitempty"`
	OrderedDelivery   bool    `cbor:"7,keyasint,omitempty" json:"ordered_delivery,omitempty"`
	PartialDelivery   bool    `cbor:"8,keyasint,omitempty" json:"partial_delivery,omitempty"`
	UndetectedBitRate float64 `cbor:"9,keyasint,omitempty" json:"undetected_bit_error_rate,omitempty"`
}

// WhatevercastName maps a set-name (e.g. "all members") to the members it resolves to.
type WhatevercastName struct {
	Name    string   `cbor:"1,keyasint" json:"name"`
	Rule    string   `cbor:"2,keyasint,omitempty" json:"rule,omitempty"`
	Members []string `cbor:"3,keyasint,omitempty" json:"members,omitempty"`
}

//#endregion DIF parameters

// DefaultLogger returns the console logger used by components that were not handed one.
// component is attached to every line.
func DefaultLogger(component string) *zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{"component"},
		TimeFormat:  "15:04:05",
	}).With().
		Str("component", component).
		Timestamp().
		Caller().
		Logger().Level(zerolog.WarnLevel)
	return &l
}
