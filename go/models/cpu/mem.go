package cpu

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// AddrMask bounds the 68K's 32-bit address bus.
const AddrMask = 0xffffffff

// Mem is the emulated address space: a MemSim plus hook dispatch and the
// 68K's big-endian word access.
type Mem struct {
	// set when passing *Mem to NewHooks()
	hooks *Hooks
	sim   MemSim
}

func NewMem() *Mem {
	return &Mem{}
}

func (m *Mem) MemMap(addr, size uint64, prot int, desc string) error {
	if addr+size-1 > AddrMask || addr+size < addr {
		return errors.Errorf("region %#x+%#x outside the address space", addr, size)
	}
	m.sim.Map(addr, size, prot, desc)
	return nil
}

func (m *Mem) MemProt(addr, size uint64, prot int) error {
	if mapped, _ := m.sim.RangeValid(addr, size, 0); !mapped {
		return errors.New("range not mapped")
	}
	m.sim.Prot(addr, size, prot)
	return nil
}

func (m *Mem) MemUnmap(addr, size uint64) error {
	if mapped, _ := m.sim.RangeValid(addr, size, 0); !mapped {
		return errors.New("range not mapped")
	}
	m.sim.Unmap(addr, size)
	return nil
}

// Mappings returns the live page list; callers must not modify it.
func (m *Mem) Mappings() Pages {
	return m.sim.Mem
}

// RangeValid reports whether every byte of [addr, addr+size) is mapped.
func (m *Mem) RangeValid(addr, size uint64) bool {
	ok, _ := m.sim.RangeValid(addr, size, 0)
	return ok
}

func (m *Mem) MemReadInto(p []byte, addr uint64) error {
	return m.sim.Read(addr, p, 0)
}

func (m *Mem) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := m.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

// MemWrite ignores protections; it is the debugger's view of memory.
func (m *Mem) MemWrite(addr uint64, p []byte) error {
	return m.sim.Write(addr, p, 0)
}

// ReadProt checks protections and dispatches fetch/read/fault hooks. This
// is the interpreter's view of memory.
func (m *Mem) ReadProt(addr, size uint64, prot int) ([]byte, error) {
	p := make([]byte, size)
	if err := m.sim.Read(addr, p, prot); err != nil {
		if merr, ok := err.(*MemError); ok && m.hooks != nil {
			m.hooks.OnFault(merr.Enum, addr, int(size), 0)
		}
		return nil, err
	}
	if m.hooks != nil {
		access := MEM_READ
		if prot&PROT_EXEC != 0 {
			access = MEM_FETCH
		}
		m.hooks.OnMem(access, addr, int(size), 0)
	}
	return p, nil
}

func (m *Mem) ReadUint(addr uint64, size, prot int) (uint32, error) {
	p, err := m.ReadProt(addr, uint64(size), prot)
	if err != nil {
		return 0, err
	}
	switch size {
	case 4:
		return binary.BigEndian.Uint32(p), nil
	case 2:
		return uint32(binary.BigEndian.Uint16(p)), nil
	case 1:
		return uint32(p[0]), nil
	}
	return 0, errors.Errorf("unsupported uint size: %d", size)
}

// WriteUint is the only write path that fires write hooks, since it is the
// only one that knows the value.
func (m *Mem) WriteUint(addr uint64, size, prot int, val uint32) error {
	var buf [4]byte
	switch size {
	case 4:
		binary.BigEndian.PutUint32(buf[:], val)
	case 2:
		binary.BigEndian.PutUint16(buf[:], uint16(val))
	case 1:
		buf[0] = byte(val)
	default:
		return errors.Errorf("unsupported uint size: %d", size)
	}
	err := m.sim.Write(addr, buf[:size], prot)
	if m.hooks == nil {
		return err
	}
	if merr, ok := err.(*MemError); ok {
		m.hooks.OnFault(merr.Enum, addr, size, int64(val))
	} else if err == nil {
		m.hooks.OnMem(MEM_WRITE, addr, size, int64(val))
	}
	return err
}

// Get32 and Put32 are the unchecked accessors packet handlers use once a
// range has been validated.
func (m *Mem) Get32(addr uint64) uint32 {
	var b [4]byte
	if m.sim.Read(addr, b[:], 0) != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (m *Mem) Put32(addr uint64, val uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], val)
	m.sim.Write(addr, b[:], 0)
}

func (m *Mem) Get8(addr uint64) uint8 {
	var b [1]byte
	if m.sim.Read(addr, b[:], 0) != nil {
		return 0
	}
	return b[0]
}
