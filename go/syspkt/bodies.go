package syspkt

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
	"github.com/palmemu/poser/go/slp"
)

const (
	TotalBreakpoints = 6
	TotalTrapBreaks  = 5
	// the last breakpoint slot is the debugger's temporary breakpoint
	TempBPIndex = TotalBreakpoints - 1

	StateRspInstWords = 15
	MaxNameLen        = 32

	// data that fits in a body after command, filler and a small header
	MaxDataLen = slp.MaxBodySize - 16
)

// Body headers, big-endian with 68K alignment. Variable data follows
// where noted.

type EmptyRsp struct {
	Command uint8
	Filler  uint8
}

type Breakpoint struct {
	Addr      uint32
	Enabled   bool
	Installed bool
}

type StateRsp struct {
	Command      uint8
	Filler       uint8
	Resetted     bool
	Pad0         uint8
	ExceptionID  uint16
	Regs         cpu.RegSet
	Inst         [StateRspInstWords]uint16
	BP           [TotalBreakpoints]Breakpoint
	StartAddr    uint32
	EndAddr      uint32
	Name         [MaxNameLen]byte
	TrapTableRev uint8
	Pad1         uint8
}

// ReadMemCmd is answered with EmptyRsp followed by NumBytes of data.
type ReadMemCmd struct {
	Command  uint8
	Filler   uint8
	Address  uint32
	NumBytes uint16
}

// WriteMemCmd is followed by NumBytes of data.
type WriteMemCmd struct {
	Command  uint8
	Filler   uint8
	Address  uint32
	NumBytes uint16
}

type RtnNameCmd struct {
	Command uint8
	Filler  uint8
	Address uint32
}

type RtnNameRsp struct {
	Command   uint8
	Filler    uint8
	Address   uint32
	StartAddr uint32
	EndAddr   uint32
	Name      [MaxNameLen]byte
}

type RegsBody struct {
	Command uint8
	Filler  uint8
	Regs    cpu.RegSet
}

type ContinueCmd struct {
	Command    uint8
	Filler     uint8
	Regs       cpu.RegSet
	StepSpy    bool
	Pad0       uint8
	SSAddr     uint32
	SSCount    uint32
	SSCheckSum uint32
}

// RPCHead is followed by NumParams parameters.
type RPCHead struct {
	Command   uint8
	Filler    uint8
	TrapWord  uint16
	ResultD0  uint32
	ResultA0  uint32
	NumParams uint16
}

// RPC2Head is followed by one long per bit set in the register masks, a
// parameter count and the parameters.
type RPC2Head struct {
	Command         uint8
	Filler          uint8
	TrapWord        uint16
	ResultD0        uint32
	ResultA0        uint32
	ResultException uint16
	DRegMask        uint8
	ARegMask        uint8
}

// ParamHead is followed by Size bytes, padded to even.
type ParamHead struct {
	ByRef bool
	Size  uint8
}

type BreakpointsBody struct {
	Command uint8
	Filler  uint8
	BP      [TotalBreakpoints]Breakpoint
}

type ToggleBreakRsp struct {
	Command  uint8
	Filler   uint8
	NewState bool
	Pad0     uint8
}

type TrapWordsBody struct {
	Command uint8
	Filler  uint8
	Words   [TotalTrapBreaks]uint16
}

// FindCmd is followed by NumBytes of pattern.
type FindCmd struct {
	Command         uint8
	Filler          uint8
	FirstAddr       uint32
	LastAddr        uint32
	NumBytes        uint16
	CaseInsensitive bool
	Pad0            uint8
}

type FindRsp struct {
	Command uint8
	Filler  uint8
	Addr    uint32
	Found   bool
	Pad0    uint8
}

var ErrShortBody = errors.New("syspkt: body too short")

// unpack reads v from the front of body and returns what follows it.
func unpack(body []byte, v interface{}) ([]byte, error) {
	n, err := struc.Sizeof(v)
	if err != nil {
		return nil, errors.Wrap(err, "sizeof")
	}
	if len(body) < n {
		return nil, ErrShortBody
	}
	if err := struc.Unpack(bytes.NewReader(body[:n]), v); err != nil {
		return nil, errors.Wrapf(err, "unpack %T", v)
	}
	return body[n:], nil
}

func pack(v interface{}, tail ...[]byte) []byte {
	var buf bytes.Buffer
	// fixed layouts only; packing into memory cannot fail
	struc.Pack(&buf, v)
	for _, t := range tail {
		buf.Write(t)
	}
	return buf.Bytes()
}

func sizeof(v interface{}) int {
	n, _ := struc.Sizeof(v)
	return n
}
