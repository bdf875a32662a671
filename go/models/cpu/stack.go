package cpu

import (
	"encoding/binary"
)

// StackArgs walks a Palm OS call frame. Byte and word parameters occupy a
// 2-byte slot, longs and pointers a 4-byte slot. The first read error
// sticks in Err and later reads return zero.
type StackArgs struct {
	Cpu  Cpu
	Addr uint64
	Err  error
}

// NewStackArgs starts at the current stack pointer.
func NewStackArgs(c Cpu) *StackArgs {
	regs := c.Registers()
	return &StackArgs{Cpu: c, Addr: uint64(regs.SP())}
}

func (s *StackArgs) slot(n uint64) []byte {
	if s.Err != nil {
		return make([]byte, n)
	}
	b, err := s.Cpu.MemRead(s.Addr, n)
	if err != nil {
		s.Err = err
		return make([]byte, n)
	}
	s.Addr += n
	return b
}

// U8 reads a byte parameter. A pushed byte still takes a word; the value
// sits in the high byte, at the stack pointer.
func (s *StackArgs) U8() uint8 {
	return s.slot(2)[0]
}

func (s *StackArgs) U16() uint16 {
	return binary.BigEndian.Uint16(s.slot(2))
}

func (s *StackArgs) U32() uint32 {
	return binary.BigEndian.Uint32(s.slot(4))
}

// SetResult stores a native's return value in D0.
func SetResult(c Cpu, d0 uint32) {
	regs := c.Registers()
	regs.D[0] = d0
	c.SetRegisters(regs)
}
