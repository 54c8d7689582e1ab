package cdap

import "strconv"

// Opcode is the operation a CDAP message carries.
// Requests and their responses are adjacent: a request is always odd and its response is request+1.
// The zero value is not a valid opcode.
type Opcode uint8

const (
	Connect Opcode = iota + 1
	ConnectR
	Release
	ReleaseR
	Create
	CreateR
	Delete
	DeleteR
	Read
	ReadR
	CancelRead
	CancelReadR
	Write
	WriteR
	Start
	StartR
	Stop
	StopR
)

// number of valid opcodes
const opcodeCount = int(StopR)

var opcodeNames = [...]string{
	"INVALID",
	"CONNECT", "CONNECT_R",
	"RELEASE", "RELEASE_R",
	"CREATE", "CREATE_R",
	"DELETE", "DELETE_R",
	"READ", "READ_R",
	"CANCELREAD", "CANCELREAD_R",
	"WRITE", "WRITE_R",
	"START", "START_R",
	"STOP", "STOP_R",
}

func (op Opcode) String() string {
	if !op.Valid() {
		return "UNKNOWN(" + strconv.Itoa(int(op)) + ")"
	}
	return opcodeNames[op]
}

// Valid reports whether op is one of the 18 CDAP opcodes.
func (op Opcode) Valid() bool {
	return op >= Connect && op <= StopR
}

// IsRequest reports whether op begins an exchange (CONNECT, CREATE, ...).
func (op Opcode) IsRequest() bool {
	return op.Valid() && op%2 == 1
}

// IsResponse reports whether op answers a request (CONNECT_R, CREATE_R, ...).
func (op Opcode) IsResponse() bool {
	return op.Valid() && op%2 == 0
}

// Response returns the response opcode of a request.
// Responses are returned unchanged.
func (op Opcode) Response() Opcode {
	if op.IsRequest() {
		return op + 1
	}
	return op
}

// Request returns the request opcode a response answers.
// Requests are returned unchanged.
func (op Opcode) Request() Opcode {
	if op.IsResponse() {
		return op - 1
	}
	return op
}

// IsConnectionFamily reports whether op belongs to the CONNECT or RELEASE pairs, which open and close sessions.
func (op Opcode) IsConnectionFamily() bool {
	return op >= Connect && op <= ReleaseR
}

// wire maps op onto its GPB enum value.
func (op Opcode) wire() uint64 {
	return uint64(op - 1)
}

func opcodeFromWire(v uint64) Opcode {
	if v >= uint64(opcodeCount) {
		return 0
	}
	return Opcode(v + 1)
}

// opSet is a bitmask of opcodes.
type opSet uint32

func ops(codes ...Opcode) opSet {
	var s opSet
	for _, c := range codes {
		s |= 1 << c
	}
	return s
}

func (s opSet) has(op Opcode) bool {
	return s&(1<<op) != 0
}

var (
	allOps       = ops(Connect, ConnectR, Release, ReleaseR, Create, CreateR, Delete, DeleteR, Read, ReadR, CancelRead, CancelReadR, Write, WriteR, Start, StartR, Stop, StopR)
	connectOps   = ops(Connect, ConnectR)
	responseOps  = ops(ConnectR, ReleaseR, CreateR, DeleteR, ReadR, CancelReadR, WriteR, StartR, StopR)
	objectReqOps = ops(Create, Delete, Read, Write, Start, Stop)
	objectOps    = objectReqOps | ops(CreateR, DeleteR, ReadR, WriteR, StartR, StopR)
)

// Flags modify how a message is processed.
type Flags uint8

const (
	FNoFlags Flags = iota
	// FSync asks the receiver to process the request synchronously.
	FSync
	// FRdIncomplete marks a READ_R that will be followed by further READ_Rs for the same invoke id.
	FRdIncomplete
)

func (f Flags) String() string {
	switch f {
	case FNoFlags:
		return "F_NO_FLAGS"
	case FSync:
		return "F_SYNC"
	case FRdIncomplete:
		return "F_RD_INCOMPLETE"
	}
	return "UNKNOWN(" + strconv.Itoa(int(f)) + ")"
}

// AuthMech is the authentication mechanism proposed on CONNECT.
type AuthMech uint8

const (
	AuthNone AuthMech = iota
	AuthPassword
	AuthSSHRSA
	AuthSSHDSA
)

func (a AuthMech) String() string {
	switch a {
	case AuthNone:
		return "AUTH_NONE"
	case AuthPassword:
		return "AUTH_PASSWD"
	case AuthSSHRSA:
		return "AUTH_SSHRSA"
	case AuthSSHDSA:
		return "AUTH_SSHDSA"
	}
	return "UNKNOWN(" + strconv.Itoa(int(a)) + ")"
}
