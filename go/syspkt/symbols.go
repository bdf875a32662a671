package syspkt

import (
	"github.com/palmemu/poser/go/models/cpu"
)

const (
	opADD = 0x0697 // ADD.L #x,(A7)
	opRTE = 0x4e73
	opRTD = 0x4e74
	opRTS = 0x4e75
	opJMP = 0x4ed0 // JMP (A0)

	// how far to scan for a function boundary
	scanLimit = 0x2000
)

// Symbol is a ROM routine located by its MacsBug name.
type Symbol struct {
	Name       string
	Start, End uint32
}

func (s Symbol) Contains(addr uint32) bool {
	return s.Start <= addr && (addr < s.End || s.End == 0)
}

type memReader struct {
	cpu.Cpu
}

func (m memReader) u8(addr uint32) (uint8, bool) {
	var b [1]byte
	if m.MemReadInto(b[:], uint64(addr)) != nil {
		return 0, false
	}
	return b[0], true
}

func (m memReader) u16(addr uint32) (uint16, bool) {
	var b [2]byte
	if m.MemReadInto(b[:], uint64(addr)) != nil {
		return 0, false
	}
	return uint16(b[0])<<8 | uint16(b[1]), true
}

// endOfFunction matches the opcodes CodeWarrior ends a function with. An
// RTS preceded by ADD.L #x,(A7) is a long relative jump, not a return.
func (m memReader) endOfFunction(addr uint32) bool {
	op, _ := m.u16(addr)
	switch op {
	case opRTS:
		prev, _ := m.u16(addr - 6)
		return prev != opADD
	case opRTE, opJMP, opRTD:
		return true
	}
	return false
}

// FindFunction finds the routine around addr and its MacsBug name. Fields
// it cannot determine are left zero.
func FindFunction(c cpu.Cpu, addr uint32) Symbol {
	m := memReader{c}
	var sym Symbol
	sym.Start = m.functionStart(addr)
	if end := m.functionEnd(addr); end != 0 {
		sym.End = end
		sym.Name, _ = m.macsbugInfo(end)
	}
	return sym
}

func (m memReader) functionStart(addr uint32) uint32 {
	begin := addr - scanLimit
	for addr -= 2; addr >= begin && addr < begin+scanLimit; addr -= 2 {
		if !m.RangeValid(uint64(addr), 2) {
			return 0
		}
		if m.endOfFunction(addr) {
			// skip the previous function's name and constants
			_, next := m.macsbugInfo(addr + 2)
			return next
		}
	}
	return 0
}

func (m memReader) functionEnd(addr uint32) uint32 {
	for end := addr + scanLimit; addr < end; addr += 2 {
		if !m.RangeValid(uint64(addr), 2) {
			return 0
		}
		if m.endOfFunction(addr) {
			return addr + 2
		}
	}
	return 0
}

// macsbugLength decodes the three MacsBug name forms: a variable length
// name with a $80-$9F length byte (0 means the length follows), or a fixed
// 8 or 16 character name telling the two apart by the second byte's high
// bit.
func (m memReader) macsbugLength(addr uint32) (length int, fixed bool, name uint32) {
	b, _ := m.u8(addr)
	if b < 0x20 {
		return 0, true, addr
	}
	b &= 0x7f
	if b >= 0x20 {
		if second, _ := m.u8(addr + 1); second < 0x80 {
			return 8, true, addr
		}
		return 16, true, addr
	}
	addr++
	if b == 0 {
		b, _ = m.u8(addr)
		addr++
	}
	return int(b), false, addr
}

func validMacsbugChar(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	}
	return ch == '_' || ch == '%' || ch == '.'
}

// macsbugInfo reads the name following the function ending at eof and
// returns where the next function starts. A malformed name reads as "".
func (m memReader) macsbugInfo(eof uint32) (string, uint32) {
	length, fixed, p := m.macsbugLength(eof)
	next := p + uint32(length)
	if !fixed {
		next = (next + 1) &^ 1
		constData, _ := m.u16(next)
		next = (next + uint32(constData) + 2 + 1) &^ 1
	}
	name := make([]byte, 0, length)
	for i := 0; i < length; i++ {
		ch, _ := m.u8(p + uint32(i))
		ch &= 0x7f
		if fixed && ch == ' ' {
			// padding must run to the end
			for j := i + 1; j < length; j++ {
				if c, _ := m.u8(p + uint32(j)); c&0x7f != ' ' {
					return "", next
				}
			}
			break
		}
		if !validMacsbugChar(ch) {
			return "", next
		}
		name = append(name, ch)
	}
	return string(name), next
}
