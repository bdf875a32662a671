package cpu

import (
	"fmt"
)

// status register bits
const (
	SR_TRACE1     = 0x8000
	SR_TRACE0     = 0x4000
	SR_SUPERVISOR = 0x2000
	SR_MASTER     = 0x1000
)

// RegSet is the register layout exchanged with a debugger: eight data
// registers, A0-A6, both stack pointers, PC and SR. A7 is not carried; it is
// whichever of USP/SSP the S bit selects.
type RegSet struct {
	D   [8]uint32
	A   [7]uint32
	USP uint32
	SSP uint32
	PC  uint32
	SR  uint16
}

// RegSetSize is the packed size of a RegSet.
const RegSetSize = 8*4 + 7*4 + 4 + 4 + 4 + 2

func (r *RegSet) Supervisor() bool {
	return r.SR&SR_SUPERVISOR != 0
}

// SP is the stack pointer the CPU is using right now.
func (r *RegSet) SP() uint32 {
	if r.Supervisor() {
		return r.SSP
	}
	return r.USP
}

func (r *RegSet) Names() []string {
	names := make([]string, 0, 19)
	for i := 0; i < 8; i++ {
		names = append(names, fmt.Sprintf("d%d", i))
	}
	for i := 0; i < 7; i++ {
		names = append(names, fmt.Sprintf("a%d", i))
	}
	return append(names, "usp", "ssp", "pc", "sr")
}

// Values lines up with Names.
func (r *RegSet) Values() []uint32 {
	vals := make([]uint32, 0, 19)
	vals = append(vals, r.D[:]...)
	vals = append(vals, r.A[:]...)
	return append(vals, r.USP, r.SSP, r.PC, uint32(r.SR))
}

// Assign sets a register by its Names() name.
func (r *RegSet) Assign(name string, val uint32) bool {
	var n int
	if _, err := fmt.Sscanf(name, "d%d", &n); err == nil && n >= 0 && n < 8 && len(name) == 2 {
		r.D[n] = val
		return true
	}
	if _, err := fmt.Sscanf(name, "a%d", &n); err == nil && n >= 0 && n < 7 && len(name) == 2 {
		r.A[n] = val
		return true
	}
	switch name {
	case "usp":
		r.USP = val
	case "ssp":
		r.SSP = val
	case "pc":
		r.PC = val
	case "sr":
		r.SR = uint16(val)
	default:
		return false
	}
	return true
}

// M68KRegs is a live 68K register file. A7 is the active stack pointer and
// the inactive one is parked in usp or ssp.
type M68KRegs struct {
	D   [8]uint32
	A   [8]uint32
	PC  uint32
	SR  uint16
	usp uint32
	ssp uint32
}

// Get reports the debugger view: the active stack pointer comes from A7.
func (m *M68KRegs) Get() RegSet {
	r := RegSet{D: m.D, PC: m.PC, SR: m.SR, USP: m.usp, SSP: m.ssp}
	copy(r.A[:], m.A[:7])
	if m.SR&SR_SUPERVISOR != 0 {
		r.SSP = m.A[7]
	} else {
		r.USP = m.A[7]
	}
	return r
}

// Set loads a debugger register set. A7 is reloaded from the stack pointer
// selected by the S bit of the new SR, not the old one.
func (m *M68KRegs) Set(r RegSet) {
	m.D = r.D
	copy(m.A[:7], r.A[:])
	m.PC = r.PC
	m.SR = r.SR
	m.usp, m.ssp = r.USP, r.SSP
	if r.Supervisor() {
		m.A[7] = r.SSP
	} else {
		m.A[7] = r.USP
	}
}

// SetSR switches stack pointers when the S bit changes, the way a MOVE to
// SR or an exception entry does.
func (m *M68KRegs) SetSR(sr uint16) {
	was, now := m.SR&SR_SUPERVISOR != 0, sr&SR_SUPERVISOR != 0
	if was != now {
		if was {
			m.ssp, m.A[7] = m.A[7], m.usp
		} else {
			m.usp, m.A[7] = m.A[7], m.ssp
		}
	}
	m.SR = sr
}

// TraceArmed reports whether the T1 bit is set. A trace exception fires
// after the next instruction completes, so a debugger that single-steps by
// setting it must expect the stop one boundary later.
func (m *M68KRegs) TraceArmed() bool {
	return m.SR&SR_TRACE1 != 0
}
