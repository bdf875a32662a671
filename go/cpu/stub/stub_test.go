package stub

import (
	"testing"

	"github.com/palmemu/poser/go/models/cpu"
)

// checkpoints stops after a fixed number of opcode boundaries.
type checkpoints struct {
	limit   int
	checks  int
	special int
	traps   []uint16
	breakOn uint16

	// vectors offered through Exception; a taken one stops at the next poll
	vectors []int
	take    bool
}

func (c *checkpoints) CheckForBreak() bool {
	c.checks++
	return c.checks > c.limit
}

func (c *checkpoints) ExecuteSpecial(checkOnly bool) (bool, error) {
	if !checkOnly {
		c.special++
	}
	return false, nil
}

func (c *checkpoints) SysCall(trap uint16) error {
	c.traps = append(c.traps, trap)
	if trap == c.breakOn {
		c.limit = 0
	}
	return nil
}

func (c *checkpoints) Exception(vector int) bool {
	c.vectors = append(c.vectors, vector)
	if c.take {
		c.limit = 0
	}
	return c.take
}

func makeStub(t *testing.T, b *Builder) *StubCpu {
	c, err := b.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MemMap(0, 0x2000, cpu.PROT_ALL, "ram"); err != nil {
		t.Fatal(err)
	}
	c.Put32(0, 0x1800)
	c.Put32(4, 0x1000)
	c.Reset(true)
	return c
}

func TestResetVectors(t *testing.T) {
	c := makeStub(t, &Builder{})
	regs := c.Registers()
	if regs.PC != 0x1000 || regs.SP() != 0x1800 || !regs.Supervisor() {
		t.Fatalf("bad reset state: pc=%#x sp=%#x sr=%#x", regs.PC, regs.SP(), regs.SR)
	}
}

func TestNopsAndCycles(t *testing.T) {
	c := makeStub(t, &Builder{CycleLen: 4})
	// every boundary polls twice: before the opcode and after its code hooks
	cp := &checkpoints{limit: 20}
	if err := c.Execute(cp); err != nil {
		t.Fatal(err)
	}
	if c.Executed != 10 {
		t.Fatalf("executed %d", c.Executed)
	}
	if c.Registers().PC != 0x1000+20 {
		t.Fatalf("pc %#x", c.Registers().PC)
	}
	if cp.special != 2 {
		t.Fatalf("end of cycle ran %d times", cp.special)
	}
}

func TestTrapNative(t *testing.T) {
	natives := &cpu.Natives{}
	var args []uint32
	natives.Register(0xa340, func(c cpu.Cpu) error {
		a := cpu.NewStackArgs(c)
		args = append(args, uint32(a.U16()), a.U32())
		cpu.SetResult(c, 0x1234)
		return a.Err
	})
	c := makeStub(t, &Builder{Natives: natives})
	c.MemWrite(0x1000, []byte{0x4e, 0x4f, 0xa3, 0x40})
	c.MemWrite(0x1004, []byte{0x4e, 0x4f, 0xa0, 0x01})
	regs := c.Registers()
	regs.SSP = 0x1700
	regs.D[0] = 0xffff
	c.SetRegisters(regs)
	c.MemWrite(0x1700, []byte{0x07, 0x05, 0xde, 0xad, 0xbe, 0xef})

	var intr []uint32
	c.HookAdd(cpu.HOOK_INTR, func(_ cpu.Cpu, n uint32) { intr = append(intr, n) }, 1, 0)

	cp := &checkpoints{limit: 1 << 20, breakOn: 0xa001}
	if err := c.Execute(cp); err != nil {
		t.Fatal(err)
	}
	if len(args) != 2 || args[0] != 0x0705 || args[1] != 0xdeadbeef {
		t.Fatalf("native saw %x", args)
	}
	regs = c.Registers()
	if regs.D[0] != 0x1234 {
		t.Fatalf("d0 = %#x", regs.D[0])
	}
	// the breaking trap has not run yet
	if regs.PC != 0x1004 {
		t.Fatalf("pc = %#x", regs.PC)
	}
	if len(intr) != 1 || intr[0] != cpu.TrapVector {
		t.Fatalf("interrupts %v", intr)
	}
	if len(cp.traps) != 2 || cp.traps[0] != 0xa340 || cp.traps[1] != 0xa001 {
		t.Fatalf("syscalls %x", cp.traps)
	}
}

func TestUnknownTrapClearsD0(t *testing.T) {
	c := makeStub(t, &Builder{})
	c.MemWrite(0x1000, []byte{0x4e, 0x4f, 0xa0, 0x02})
	regs := c.Registers()
	regs.D[0] = 7
	c.SetRegisters(regs)
	// the trap polls a third time before it runs
	c.Execute(&checkpoints{limit: 3})
	if regs := c.Registers(); regs.D[0] != 0 || regs.PC != 0x1004 {
		t.Fatalf("d0=%d pc=%#x", regs.D[0], regs.PC)
	}
}

func TestSyntheticSysCalls(t *testing.T) {
	c := makeStub(t, &Builder{SysCallEvery: 3, SysCallTrap: 0xa0ba})
	// six plain opcodes poll twice, three traps poll three times
	cp := &checkpoints{limit: 6*2 + 3*3}
	c.Execute(cp)
	if len(cp.traps) != 3 {
		t.Fatalf("syscalls %x", cp.traps)
	}
	for _, trap := range cp.traps {
		if trap != 0xa0ba {
			t.Fatalf("syscall trap %#x", trap)
		}
	}
}

func TestTraceStopsAfterNextOpcode(t *testing.T) {
	c := makeStub(t, &Builder{})
	regs := c.Registers()
	regs.SR |= cpu.SR_TRACE1
	c.SetRegisters(regs)

	cp := &checkpoints{limit: 1 << 20, take: true}
	if err := c.Execute(cp); err != nil {
		t.Fatal(err)
	}
	if c.Executed != 1 {
		t.Fatalf("executed %d opcodes under trace", c.Executed)
	}
	regs = c.Registers()
	if regs.PC != 0x1002 {
		t.Fatalf("pc = %#x", regs.PC)
	}
	if regs.SR&cpu.SR_TRACE1 != 0 {
		t.Fatal("trace bit survived the exception")
	}
	if len(cp.vectors) != 1 || cp.vectors[0] != cpu.TraceVector {
		t.Fatalf("vectors %v", cp.vectors)
	}
}

func TestTraceBitSetMidRun(t *testing.T) {
	c := makeStub(t, &Builder{})
	// arm T1 while the opcode at 0x1004 is running; the trace fires after
	// the one at 0x1006
	c.HookAdd(cpu.HOOK_CODE, func(m cpu.Cpu, addr uint64, size uint32) {
		r := m.Registers()
		r.SR |= cpu.SR_TRACE1
		m.SetRegisters(r)
	}, 0x1004, 0x1004)

	cp := &checkpoints{limit: 1 << 20, take: true}
	c.Execute(cp)
	if pc := c.Registers().PC; pc != 0x1008 {
		t.Fatalf("stopped at %#x", pc)
	}
}

func TestDbgBreak(t *testing.T) {
	c := makeStub(t, &Builder{})
	c.MemWrite(0x1002, []byte{0x4e, 0x48})

	cp := &checkpoints{limit: 1 << 20, take: true}
	c.Execute(cp)
	if len(cp.vectors) != 1 || cp.vectors[0] != cpu.DbgBreakVector {
		t.Fatalf("vectors %v", cp.vectors)
	}
	// the taken break is stepped over
	if pc := c.Registers().PC; pc != 0x1004 {
		t.Fatalf("pc = %#x", pc)
	}

	// untaken, it runs on like a no-op
	c.Reset(true)
	cp = &checkpoints{limit: 8}
	c.Execute(cp)
	if len(cp.vectors) != 1 || c.Executed != 4 {
		t.Fatalf("vectors %v executed %d", cp.vectors, c.Executed)
	}
}
