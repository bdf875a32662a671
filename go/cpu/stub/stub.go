package stub

import (
	"encoding/binary"
	"runtime"

	"github.com/palmemu/poser/go/models/cpu"
)

// DefaultCycleLen is the number of opcodes between end-of-cycle checks.
const DefaultCycleLen = 64

type Builder struct {
	// CycleLen is the number of opcodes per cycle.
	CycleLen int
	// SysCallEvery plants a synthetic TRAP #15 every n opcodes. 0 disables.
	SysCallEvery int
	// SysCallTrap is the trap word reported for synthetic system calls.
	SysCallTrap uint16
	Natives     *cpu.Natives
}

func (b *Builder) New() (*StubCpu, error) {
	c := &StubCpu{
		Mem:          cpu.NewMem(),
		Natives:      b.Natives,
		CycleLen:     b.CycleLen,
		SysCallEvery: b.SysCallEvery,
		SysCallTrap:  b.SysCallTrap,
	}
	if c.CycleLen <= 0 {
		c.CycleLen = DefaultCycleLen
	}
	if c.Natives == nil {
		c.Natives = &cpu.Natives{}
	}
	c.Hooks = cpu.NewHooks(c, c.Mem)
	return c, nil
}

// StubCpu treats everything but TRAP #15 and TRAP #8 as a two byte no-op.
// It exists to drive the session machinery deterministically without a
// ROM. The trace bit is honoured; no exception vectors are.
type StubCpu struct {
	*cpu.Hooks
	*cpu.Mem

	Natives      *cpu.Natives
	CycleLen     int
	SysCallEvery int
	SysCallTrap  uint16

	// opcodes retired since the last reset
	Executed uint64
	Resets   int

	regs cpu.M68KRegs
}

func (c *StubCpu) Registers() cpu.RegSet {
	return c.regs.Get()
}

func (c *StubCpu) SetRegisters(r cpu.RegSet) {
	c.regs.Set(r)
}

// Reset loads SSP and PC from the first two vectors, as the 68K does.
func (c *StubCpu) Reset(hard bool) error {
	c.regs = cpu.M68KRegs{}
	c.regs.SetSR(0x2700)
	if c.RangeValid(0, 8) {
		c.regs.A[7] = c.Get32(0)
		c.regs.PC = c.Get32(4)
	}
	c.Executed = 0
	c.Resets++
	return nil
}

func (c *StubCpu) Execute(cp cpu.Checkpoints) error {
	for n := 1; ; n++ {
		if cp.CheckForBreak() {
			return nil
		}
		traced := c.regs.TraceArmed()
		if stop, err := c.step(cp); err != nil || stop {
			return err
		}
		if traced {
			c.trace(cp)
		}
		if _, err := cp.ExecuteSpecial(true); err != nil {
			return err
		}
		if n%c.CycleLen == 0 {
			if _, err := cp.ExecuteSpecial(false); err != nil {
				return err
			}
			runtime.Gosched()
		}
	}
}

// step runs one opcode. It reports stop when a checkpoint asked to break
// before the opcode ran; PC is left on it.
func (c *StubCpu) step(cp cpu.Checkpoints) (bool, error) {
	pc := uint64(c.regs.PC)
	op, trap, size := uint16(cpu.OpNop), uint16(0), uint32(2)
	if b, err := c.MemRead(pc, 4); err == nil {
		op = binary.BigEndian.Uint16(b)
		if op == cpu.OpTrap15 {
			trap, size = binary.BigEndian.Uint16(b[2:]), 4
		}
	}
	if op != cpu.OpTrap15 && c.SysCallEvery > 0 && (c.Executed+1)%uint64(c.SysCallEvery) == 0 {
		op, trap = cpu.OpTrap15, c.SysCallTrap
	}

	c.OnCode(pc, size)
	// code hooks may request a break at this address
	if cp.CheckForBreak() {
		return true, nil
	}
	if op == cpu.OpTrap8 {
		// a DbgBreak the debugger takes is stepped over; otherwise it is a
		// no-op like everything else
		cp.Exception(cpu.DbgBreakVector)
		c.regs.PC += size
		c.Executed++
		return false, nil
	}
	if op == cpu.OpTrap15 {
		if err := cp.SysCall(trap); err != nil {
			return false, err
		}
		if cp.CheckForBreak() {
			return true, nil
		}
		c.regs.PC += size
		c.OnIntr(cpu.TrapVector)
		err := c.native(trap)
		c.OnIntrExit(cpu.TrapVector)
		c.Executed++
		return false, err
	}
	c.regs.PC += size
	c.Executed++
	return false, nil
}

// trace takes the trace exception after an instruction that started with
// T1 set. Exception entry clears T1.
func (c *StubCpu) trace(cp cpu.Checkpoints) {
	c.regs.SetSR(c.regs.SR &^ cpu.SR_TRACE1)
	cp.Exception(cpu.TraceVector)
}

func (c *StubCpu) native(trap uint16) error {
	if fn, ok := c.Natives.Lookup(trap); ok {
		return fn(c)
	}
	c.regs.D[0] = 0
	return nil
}

func (c *StubCpu) Close() error {
	return nil
}
