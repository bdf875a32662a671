package unicorn

import (
	"testing"

	"github.com/palmemu/poser/go/models/cpu"
)

type checkpoints struct {
	stop    func() bool
	traps   []uint16
	vectors []int
	take    bool
}

func (c *checkpoints) CheckForBreak() bool               { return c.stop() }
func (c *checkpoints) ExecuteSpecial(bool) (bool, error) { return false, nil }
func (c *checkpoints) SysCall(trap uint16) error         { c.traps = append(c.traps, trap); return nil }
func (c *checkpoints) Exception(vector int) bool {
	c.vectors = append(c.vectors, vector)
	return c.take
}

func newCpu(t *testing.T) *UnicornCpu {
	c, err := (&Builder{CycleLen: 16}).New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.MemMap(0, 0x10000, cpu.PROT_ALL, "ram"); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestResetAndRegisters(t *testing.T) {
	c := newCpu(t)
	c.MemWrite(0, []byte{0, 0, 0x80, 0, 0, 0, 0x10, 0})
	if err := c.Reset(true); err != nil {
		t.Fatal(err)
	}
	r := c.Registers()
	if r.PC != 0x1000 || r.SSP != 0x8000 || !r.Supervisor() {
		t.Fatalf("after reset: %+v", r)
	}
	r.USP = 0x4000
	r.D[5] = 0xcafe
	c.SetRegisters(r)
	got := c.Registers()
	if got.USP != 0x4000 || got.D[5] != 0xcafe || got.SSP != 0x8000 {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestMappings(t *testing.T) {
	c := newCpu(t)
	if !c.RangeValid(0xff00, 0x100) || c.RangeValid(0xff00, 0x101) {
		t.Fatal("RangeValid disagrees with the mapping")
	}
	if err := c.MemMap(0x20000, 0x1000, cpu.PROT_READ, "rom"); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Mappings()); n != 2 {
		t.Fatalf("%d mappings", n)
	}
	if err := c.MemUnmap(0x20000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if _, err := c.MemRead(0x20000, 4); err == nil {
		t.Fatal("read of unmapped memory succeeded")
	}
}

func TestNativeTrap(t *testing.T) {
	c := newCpu(t)
	// nop; nop; trap #15 / 0xa123; nop
	code := []byte{0x4e, 0x71, 0x4e, 0x71, 0x4e, 0x4f, 0xa1, 0x23, 0x4e, 0x71}
	c.MemWrite(0x1000, code)
	c.MemWrite(0, []byte{0, 0, 0x80, 0, 0, 0, 0x10, 0})
	c.Reset(true)

	ran := false
	c.Natives.Register(0xa123, func(m cpu.Cpu) error {
		ran = true
		cpu.SetResult(m, 99)
		return nil
	})
	cp := &checkpoints{}
	cp.stop = func() bool { return ran }
	if err := c.Execute(cp); err != nil {
		t.Fatal(err)
	}
	if len(cp.traps) != 1 || cp.traps[0] != 0xa123 {
		t.Fatalf("traps = %x", cp.traps)
	}
	r := c.Registers()
	if r.D[0] != 99 || r.PC != 0x1008 {
		t.Fatalf("after trap: d0=%d pc=%#x", r.D[0], r.PC)
	}
}

func bootAt(t *testing.T, code []byte) *UnicornCpu {
	c := newCpu(t)
	c.MemWrite(0x1000, code)
	c.MemWrite(0, []byte{0, 0, 0x80, 0, 0, 0, 0x10, 0})
	if err := c.Reset(true); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTraceStepsOneInstruction(t *testing.T) {
	c := bootAt(t, []byte{0x4e, 0x71, 0x4e, 0x71, 0x4e, 0x71})
	r := c.Registers()
	r.SR |= cpu.SR_TRACE1
	c.SetRegisters(r)

	cp := &checkpoints{take: true}
	cp.stop = func() bool { return len(cp.vectors) > 0 }
	if err := c.Execute(cp); err != nil {
		t.Fatal(err)
	}
	r = c.Registers()
	if r.PC != 0x1002 || r.SR&cpu.SR_TRACE1 != 0 {
		t.Fatalf("after trace: pc=%#x sr=%#x", r.PC, r.SR)
	}
	if len(cp.vectors) != 1 || cp.vectors[0] != cpu.TraceVector {
		t.Fatalf("vectors %v", cp.vectors)
	}
}

func TestDbgBreakSteppedOver(t *testing.T) {
	// nop; trap #8; nop
	c := bootAt(t, []byte{0x4e, 0x71, 0x4e, 0x48, 0x4e, 0x71})
	cp := &checkpoints{take: true}
	cp.stop = func() bool { return len(cp.vectors) > 0 }
	if err := c.Execute(cp); err != nil {
		t.Fatal(err)
	}
	if pc := c.Registers().PC; pc != 0x1004 {
		t.Fatalf("pc = %#x", pc)
	}
	if len(cp.vectors) != 1 || cp.vectors[0] != cpu.DbgBreakVector {
		t.Fatalf("vectors %v", cp.vectors)
	}
}
