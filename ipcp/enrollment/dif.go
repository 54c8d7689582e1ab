package enrollment

import (
	"strconv"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/rib"
)

// Names and classes of the RIB objects enrollment owns.
const (
	WhatevercastSetName   = "/daf/management/naming/whatevercastnames"
	WhatevercastSetClass  = "whatevercastname set"
	WhatevercastNameClass = "whatevercastname"

	DataTransferConstantsName  = "/dif/ipc/datatransfer/constants"
	DataTransferConstantsClass = "datatransfercons"

	QoSCubeSetName  = "/dif/management/flowallocator/qoscubes"
	QoSCubeSetClass = "qoscube set"
	QoSCubeClass    = "qoscube"

	AddressName  = "/daf/management/naming/address"
	AddressClass = "address"

	OperationalStatusName  = "/daf/management/operationalStatus"
	OperationalStatusClass = "operationstatus"

	EnrollmentInfoName  = "/daf/management/enrollment"
	EnrollmentInfoClass = "enrollment information"
)

// EnrollmentInformation is the value of the START that opens an enrollment and of its response.
// The enrollee proposes its current address (0 if it has none); the enroller answers with the address to use
// when it had to assign one, and with the name of the DIF.
type EnrollmentInformation struct {
	Address        ipcp.Address `cbor:"1,keyasint,omitempty" json:"address,omitempty"`
	SupportingDIFs []string     `cbor:"2,keyasint,omitempty" json:"supporting_difs,omitempty"`
	DIFName        string       `cbor:"3,keyasint,omitempty" json:"dif_name,omitempty"`
}

// DIF is the static configuration of a DIF. Members hand it to the processes they enroll.
type DIF struct {
	Name                  string                     `json:"name"`
	DataTransferConstants ipcp.DataTransferConstants `json:"data_transfer_constants"`
	QoSCubes              []ipcp.QoSCube             `json:"qos_cubes"`
	WhatevercastNames     []ipcp.WhatevercastName    `json:"whatevercast_names,omitempty"`
}

func cubeKey(c ipcp.QoSCube) string {
	return strconv.FormatUint(uint64(c.ID), 10)
}

func whatevercastKey(w ipcp.WhatevercastName) string {
	return w.Name
}

// addObjects adds the DIF and enrollment objects to t's RIB.
func (t *Task) addObjects() error {
	objects := []*rib.Object{
		rib.NewSetObject(WhatevercastSetClass, WhatevercastSetName, WhatevercastNameClass, whatevercastKey),
		rib.NewValueObject(DataTransferConstantsClass, DataTransferConstantsName, ipcp.DataTransferConstants{}),
		rib.NewSetObject(QoSCubeSetClass, QoSCubeSetName, QoSCubeClass, cubeKey),
		// peers may read the address, never set it
		rib.NewObject(AddressClass, AddressName, ipcp.Address(0),
			rib.WithLocal(rib.OpRead, func(o *rib.Object, _ rib.LocalRequest) (any, error) {
				return o.Value(), nil
			}),
			rib.WithLocal(rib.OpWrite, func(o *rib.Object, req rib.LocalRequest) (any, error) {
				addr, ok := req.Value.(ipcp.Address)
				if !ok {
					return nil, rib.Errorf(rib.CodeInvalidArguments, "an address is a %T, not a %T", addr, req.Value)
				}
				o.SetValue(addr)
				t.log.Info().Uint64("address", addr).Msg("address set")
				return nil, nil
			}),
			rib.WithRemote(rib.OpRead, func(o *rib.Object, r *rib.Remote) error {
				return r.Reply(0, "", o.Value())
			}),
		),
		rib.NewObject(OperationalStatusClass, OperationalStatusName, false,
			rib.WithLocal(rib.OpRead, func(o *rib.Object, _ rib.LocalRequest) (any, error) {
				return o.Value(), nil
			}),
			rib.WithLocal(rib.OpStart, func(o *rib.Object, _ rib.LocalRequest) (any, error) {
				o.SetValue(true)
				return nil, nil
			}),
			rib.WithLocal(rib.OpStop, func(o *rib.Object, _ rib.LocalRequest) (any, error) {
				o.SetValue(false)
				return nil, nil
			}),
			rib.WithRemote(rib.OpRead, func(o *rib.Object, r *rib.Remote) error {
				return r.Reply(0, "", o.Value())
			}),
			rib.WithRemote(rib.OpStart, func(_ *rib.Object, r *rib.Remote) error {
				return t.onMachine(r, func(m *Machine) { m.startOperation(r) })
			}),
		),
		rib.NewObject(EnrollmentInfoClass, EnrollmentInfoName, nil,
			rib.WithRemote(rib.OpStart, func(_ *rib.Object, r *rib.Remote) error {
				return t.onMachine(r, func(m *Machine) { m.startEnrollment(r) })
			}),
			rib.WithRemote(rib.OpStop, func(_ *rib.Object, r *rib.Remote) error {
				return t.onMachine(r, func(m *Machine) { m.stopEnrollment(r) })
			}),
		),
	}
	for _, o := range objects {
		if err := t.d.AddObject(o); err != nil {
			return err
		}
	}
	return nil
}

// Bootstrap makes this process the first member of a DIF: it takes addr and the DIF's static configuration
// and becomes operational without enrolling with anyone.
func (t *Task) Bootstrap(addr ipcp.Address, dif DIF) error {
	if addr == 0 {
		return ErrNoAddress
	}
	if err := t.d.Write(rib.Target{Name: AddressName}, addr, nil); err != nil {
		return err
	}
	if err := t.d.Write(rib.Target{Name: DataTransferConstantsName}, dif.DataTransferConstants, nil); err != nil {
		return err
	}
	if err := t.d.Write(rib.Target{Name: QoSCubeSetName}, dif.QoSCubes, nil); err != nil {
		return err
	}
	if err := t.d.Write(rib.Target{Name: WhatevercastSetName}, dif.WhatevercastNames, nil); err != nil {
		return err
	}
	t.setDIFName(dif.Name)
	if err := t.d.Start(rib.Target{Name: OperationalStatusName}, nil); err != nil {
		return err
	}
	t.log.Info().Uint64("address", addr).Str("dif", dif.Name).Msg("bootstrapped DIF")
	return nil
}

// Address returns this process's address in the DIF (0 before enrollment).
func (t *Task) Address() ipcp.Address {
	o, found := t.d.Object(AddressName)
	if !found {
		return 0
	}
	addr, _ := rib.ValueAs[ipcp.Address](o)
	return addr
}

// Operational reports whether this process has been started as a member of the DIF.
func (t *Task) Operational() bool {
	o, found := t.d.Object(OperationalStatusName)
	if !found {
		return false
	}
	v, _ := rib.ValueAs[bool](o)
	return v
}

// DataTransferConstants returns the DIF's data transfer constants (zero until known).
func (t *Task) DataTransferConstants() ipcp.DataTransferConstants {
	o, found := t.d.Object(DataTransferConstantsName)
	if !found {
		return ipcp.DataTransferConstants{}
	}
	c, _ := rib.ValueAs[ipcp.DataTransferConstants](o)
	return c
}

// QoSCubes returns the DIF's QoS cubes.
func (t *Task) QoSCubes() []ipcp.QoSCube {
	o, found := t.d.Object(QoSCubeSetName)
	if !found {
		return nil
	}
	return rib.SetElements[ipcp.QoSCube](o)
}
