package syspkt

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
	"github.com/palmemu/poser/go/session"
)

// Param is one RPC parameter. A by-value parameter of 1, 2 or 4 bytes
// carries Value; a by-reference one is copied into emulated memory from
// Data, passed as a pointer and copied back into Data after the call.
type Param struct {
	ByRef bool
	Size  int
	Value uint32
	Data  []byte
}

// Call is a trap invocation. Params are pushed in order, so the last C
// parameter comes first. DRegs and ARegs are loaded by register number.
type Call struct {
	Trap   uint16
	Params []Param
	DRegs  map[int]uint32
	ARegs  map[int]uint32
}

type TrapCaller interface {
	CallTrap(c *Call) (d0, a0 uint32, err error)
}

const (
	// DefaultCallArea is unused by the Palm memory map.
	DefaultCallArea = 0x7fff0000
	CallAreaSize    = 0x10000

	stubSize     = 0x10
	scratchStart = 0x100
	// the stack grows down from the end of the area toward the scratch
	// data, which gets at most half
	scratchEnd = CallAreaSize / 2
)

// ROMCaller runs a trap on the emulated CPU. It keeps a private stack and
// a TRAP #15 stub in a call area it maps on first use, and runs the CPU on
// the calling goroutine until the stub is returned to. The caller must
// hold a permit.
type ROMCaller struct {
	s    *session.Session
	Base uint32
}

func NewROMCaller(s *session.Session) *ROMCaller {
	return &ROMCaller{s: s, Base: DefaultCallArea}
}

func (r *ROMCaller) mapArea(m cpu.Cpu) error {
	if m.RangeValid(uint64(r.Base), CallAreaSize) {
		return nil
	}
	return errors.Wrap(m.MemMap(uint64(r.Base), CallAreaSize, cpu.PROT_ALL, "trap call area"), "map call area")
}

func (r *ROMCaller) CallTrap(c *Call) (uint32, uint32, error) {
	m := r.s.Cpu()
	if err := r.mapArea(m); err != nil {
		return 0, 0, err
	}
	old := m.Registers()
	defer m.SetRegisters(old)

	regs := old
	sp := r.Base + CallAreaSize - 4
	for n, v := range c.DRegs {
		if n >= 0 && n < 8 {
			regs.D[n] = v
		}
	}
	for n, v := range c.ARegs {
		switch {
		case n >= 0 && n < 7:
			regs.A[n] = v
		case n == 7:
			sp = v
		}
	}

	var b [4]byte
	put := func(addr uint32, p []byte) error {
		return errors.Wrapf(m.MemWrite(uint64(addr), p), "write %#x", addr)
	}
	scratch := r.Base + scratchStart
	refs := make([]uint32, len(c.Params))
	for i := range c.Params {
		p := &c.Params[i]
		switch {
		case p.ByRef:
			if scratch+uint32(len(p.Data)) > r.Base+scratchEnd {
				return 0, 0, errors.New("by-reference parameters overflow the call area")
			}
			if err := put(scratch, p.Data); err != nil {
				return 0, 0, err
			}
			refs[i] = scratch
			sp -= 4
			binary.BigEndian.PutUint32(b[:], scratch)
			scratch += (uint32(len(p.Data)) + 1) &^ 1
			if err := put(sp, b[:4]); err != nil {
				return 0, 0, err
			}
		case p.Size == 1:
			// the byte goes at SP, the high half of its word
			sp -= 2
			if err := put(sp, []byte{uint8(p.Value), 0}); err != nil {
				return 0, 0, err
			}
		case p.Size == 2:
			sp -= 2
			binary.BigEndian.PutUint16(b[:], uint16(p.Value))
			if err := put(sp, b[:2]); err != nil {
				return 0, 0, err
			}
		default:
			sp -= 4
			binary.BigEndian.PutUint32(b[:], p.Value)
			if err := put(sp, b[:4]); err != nil {
				return 0, 0, err
			}
		}
	}

	stub := []byte{
		cpu.OpTrap15 >> 8, cpu.OpTrap15 & 0xff,
		uint8(c.Trap >> 8), uint8(c.Trap),
		cpu.OpNop >> 8, cpu.OpNop & 0xff,
	}
	if err := put(r.Base, stub); err != nil {
		return 0, 0, err
	}
	ret := uint64(r.Base + 4)
	hh, err := m.HookAdd(cpu.HOOK_CODE, func(cpu.Cpu, uint64, uint32) {
		r.s.ScheduleSuspendSubroutineReturn()
	}, ret, ret)
	if err != nil {
		return 0, 0, errors.Wrap(err, "hook call return")
	}
	defer m.HookDel(hh)

	regs.PC = r.Base
	if regs.Supervisor() {
		regs.SSP = sp
	} else {
		regs.USP = sp
	}
	m.SetRegisters(regs)
	if err := r.s.ExecuteSubroutine(); err != nil {
		return 0, 0, err
	}
	result := m.Registers()
	for i, p := range c.Params {
		if p.ByRef {
			if err := m.MemReadInto(p.Data, uint64(refs[i])); err != nil {
				return 0, 0, errors.Wrap(err, "read back parameter")
			}
		}
	}
	return result.D[0], result.A[0], nil
}
