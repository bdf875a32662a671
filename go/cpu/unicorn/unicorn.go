package unicorn

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/palmemu/poser/go/models/cpu"
)

// DefaultCycleLen is the number of instructions between end-of-cycle
// checks.
const DefaultCycleLen = 256

type Builder struct {
	CycleLen int
	Natives  *cpu.Natives
}

func (b *Builder) New() (*UnicornCpu, error) {
	u, err := uc.NewUnicorn(uc.ARCH_M68K, uc.MODE_BIG_ENDIAN)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	c := &UnicornCpu{Unicorn: u, CycleLen: b.CycleLen, Natives: b.Natives}
	if c.CycleLen <= 0 {
		c.CycleLen = DefaultCycleLen
	}
	if c.Natives == nil {
		c.Natives = &cpu.Natives{}
	}
	return c, nil
}

var dRegs = [8]int{
	uc.M68K_REG_D0, uc.M68K_REG_D1, uc.M68K_REG_D2, uc.M68K_REG_D3,
	uc.M68K_REG_D4, uc.M68K_REG_D5, uc.M68K_REG_D6, uc.M68K_REG_D7,
}

var aRegs = [8]int{
	uc.M68K_REG_A0, uc.M68K_REG_A1, uc.M68K_REG_A2, uc.M68K_REG_A3,
	uc.M68K_REG_A4, uc.M68K_REG_A5, uc.M68K_REG_A6, uc.M68K_REG_A7,
}

// UnicornCpu runs 68K code on Unicorn. Unicorn only exposes the active
// stack pointer, so the inactive one is whatever SetRegisters last gave.
type UnicornCpu struct {
	uc.Unicorn

	CycleLen int
	Natives  *cpu.Natives

	mu      sync.Mutex
	pages   cpu.Pages
	otherSP uint32

	// owned by the goroutine in Execute
	cp       cpu.Checkpoints
	pending  *trapCall
	breakNow bool
	stepping bool
}

type trapCall struct {
	trap uint16
	pc   uint32
	// dbgBreak marks a TRAP #8 rather than a system call
	dbgBreak bool
}

func (u *UnicornCpu) MemMap(addr, size uint64, prot int, desc string) error {
	if err := u.Unicorn.MemMapProt(addr, size, prot); err != nil {
		return errors.Wrapf(err, "map %#x+%#x", addr, size)
	}
	u.mu.Lock()
	u.pages = append(u.pages, &cpu.Page{Addr: addr, Size: size, Prot: prot, Desc: desc})
	sort.Sort(u.pages)
	u.mu.Unlock()
	return nil
}

func (u *UnicornCpu) MemUnmap(addr, size uint64) error {
	if err := u.Unicorn.MemUnmap(addr, size); err != nil {
		return errors.Wrapf(err, "unmap %#x+%#x", addr, size)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	var out cpu.Pages
	end := addr + size
	for _, p := range u.pages {
		if _, _, ok := p.Intersect(addr, size); !ok {
			out = append(out, p)
			continue
		}
		if p.Addr < addr {
			out = append(out, &cpu.Page{Addr: p.Addr, Size: addr - p.Addr, Prot: p.Prot, Desc: p.Desc})
		}
		if p.End() > end {
			out = append(out, &cpu.Page{Addr: end, Size: p.End() - end, Prot: p.Prot, Desc: p.Desc})
		}
	}
	u.pages = out
	return nil
}

// Mappings lists mapped regions. Pages carry no Data; read through the
// CPU.
func (u *UnicornCpu) Mappings() cpu.Pages {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append(cpu.Pages(nil), u.pages...)
}

func (u *UnicornCpu) RangeValid(addr, size uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, p := range u.pages {
		if addr >= p.End() {
			continue
		}
		if addr < p.Addr {
			return false
		}
		if addr+size <= p.End() {
			return true
		}
		size -= p.End() - addr
		addr = p.End()
	}
	return size == 0
}

func (u *UnicornCpu) MemReadInto(p []byte, addr uint64) error {
	if !u.RangeValid(addr, uint64(len(p))) {
		return errors.Errorf("read %#x+%#x: not mapped", addr, len(p))
	}
	return u.Unicorn.MemReadInto(p, addr)
}

func (u *UnicornCpu) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := u.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

func (u *UnicornCpu) MemWrite(addr uint64, p []byte) error {
	if !u.RangeValid(addr, uint64(len(p))) {
		return errors.Errorf("write %#x+%#x: not mapped", addr, len(p))
	}
	return u.Unicorn.MemWrite(addr, p)
}

func (u *UnicornCpu) reg(enum int) uint32 {
	v, _ := u.Unicorn.RegRead(enum)
	return uint32(v)
}

func (u *UnicornCpu) Registers() cpu.RegSet {
	var r cpu.RegSet
	for i, enum := range dRegs {
		r.D[i] = u.reg(enum)
	}
	for i := range r.A {
		r.A[i] = u.reg(aRegs[i])
	}
	r.PC = u.reg(uc.M68K_REG_PC)
	r.SR = uint16(u.reg(uc.M68K_REG_SR))
	a7 := u.reg(uc.M68K_REG_A7)

	u.mu.Lock()
	other := u.otherSP
	u.mu.Unlock()
	if r.Supervisor() {
		r.SSP, r.USP = a7, other
	} else {
		r.USP, r.SSP = a7, other
	}
	return r
}

func (u *UnicornCpu) SetRegisters(r cpu.RegSet) {
	for i, enum := range dRegs {
		u.Unicorn.RegWrite(enum, uint64(r.D[i]))
	}
	for i, v := range r.A {
		u.Unicorn.RegWrite(aRegs[i], uint64(v))
	}
	u.Unicorn.RegWrite(uc.M68K_REG_SR, uint64(r.SR))
	u.Unicorn.RegWrite(uc.M68K_REG_PC, uint64(r.PC))
	u.mu.Lock()
	if r.Supervisor() {
		u.Unicorn.RegWrite(uc.M68K_REG_A7, uint64(r.SSP))
		u.otherSP = r.USP
	} else {
		u.Unicorn.RegWrite(uc.M68K_REG_A7, uint64(r.USP))
		u.otherSP = r.SSP
	}
	u.mu.Unlock()
}

// Reset loads SSP and PC from the first two vectors.
func (u *UnicornCpu) Reset(hard bool) error {
	var r cpu.RegSet
	r.SR = 0x2700
	var vec [8]byte
	if err := u.MemReadInto(vec[:], 0); err == nil {
		r.SSP = binary.BigEndian.Uint32(vec[:])
		r.PC = binary.BigEndian.Uint32(vec[4:])
	}
	u.SetRegisters(r)
	return nil
}

// onCode runs before every instruction. It polls for breaks and stops
// emulation in front of a TRAP #15 or TRAP #8 so either can be handled
// outside of Unicorn.
func (u *UnicornCpu) onCode(_ uc.Unicorn, addr uint64, size uint32) {
	if u.stepping {
		return
	}
	if u.cp.CheckForBreak() {
		u.breakNow = true
		u.Unicorn.Stop()
		return
	}
	var op [4]byte
	if u.Unicorn.MemReadInto(op[:2], addr) != nil {
		return
	}
	switch binary.BigEndian.Uint16(op[:]) {
	case cpu.OpTrap8:
		u.pending = &trapCall{pc: uint32(addr), dbgBreak: true}
		u.Unicorn.Stop()
		return
	case cpu.OpTrap15:
	default:
		return
	}
	if u.Unicorn.MemReadInto(op[2:], addr+2) != nil {
		return
	}
	u.pending = &trapCall{trap: binary.BigEndian.Uint16(op[2:]), pc: uint32(addr)}
	u.Unicorn.Stop()
}

// Execute runs in slices of CycleLen instructions with end-of-cycle work
// between them. While T1 is set a slice is one instruction, followed by
// the trace exception.
func (u *UnicornCpu) Execute(cp cpu.Checkpoints) error {
	u.cp = cp
	hook, err := u.Unicorn.HookAdd(uc.HOOK_CODE, u.onCode, 1, 0)
	if err != nil {
		return errors.Wrap(err, "add code hook")
	}
	defer u.Unicorn.HookDel(hook)

	for {
		u.breakNow, u.pending = false, nil
		pc := u.reg(uc.M68K_REG_PC)
		traced := u.reg(uc.M68K_REG_SR)&cpu.SR_TRACE1 != 0
		count := uint64(u.CycleLen)
		if traced {
			count = 1
		}
		err := u.Unicorn.StartWithOptions(uint64(pc), 0, &uc.UcOptions{Count: count})
		if u.breakNow {
			return nil
		}
		switch {
		case u.pending != nil && u.pending.dbgBreak:
			if stop, err := u.dbgBreak(cp, u.pending); err != nil || stop {
				return err
			}
		case u.pending != nil:
			if stop, err := u.sysCall(cp, u.pending); err != nil || stop {
				return err
			}
		case err != nil:
			return errors.Wrapf(err, "emulation failed at %#x", u.reg(uc.M68K_REG_PC))
		}
		if traced {
			u.Unicorn.RegWrite(uc.M68K_REG_SR, uint64(u.reg(uc.M68K_REG_SR)&^cpu.SR_TRACE1))
			if cp.Exception(cpu.TraceVector) && cp.CheckForBreak() {
				return nil
			}
		}
		if _, err := cp.ExecuteSpecial(false); err != nil {
			return err
		}
	}
}

// sysCall runs a native for a trap when one is registered; otherwise the
// TRAP #15 is left for the ROM to take.
func (u *UnicornCpu) sysCall(cp cpu.Checkpoints, t *trapCall) (bool, error) {
	if err := cp.SysCall(t.trap); err != nil {
		return false, err
	}
	if cp.CheckForBreak() {
		return true, nil
	}
	fn, ok := u.Natives.Lookup(t.trap)
	if !ok {
		return false, u.stepOver(t.pc)
	}
	u.Unicorn.RegWrite(uc.M68K_REG_PC, uint64(t.pc+4))
	return false, fn(u)
}

// dbgBreak offers a TRAP #8 to the debugger. A taken break is stepped
// over; otherwise the ROM's handler runs.
func (u *UnicornCpu) dbgBreak(cp cpu.Checkpoints, t *trapCall) (bool, error) {
	if !cp.Exception(cpu.DbgBreakVector) {
		return false, u.stepOver(t.pc)
	}
	u.Unicorn.RegWrite(uc.M68K_REG_PC, uint64(t.pc+2))
	return cp.CheckForBreak(), nil
}

// stepOver executes the single instruction at pc without the code hook
// stopping in front of it again.
func (u *UnicornCpu) stepOver(pc uint32) error {
	u.stepping = true
	defer func() { u.stepping = false }()
	err := u.Unicorn.StartWithOptions(uint64(pc), 0, &uc.UcOptions{Count: 1})
	return errors.Wrap(err, "trap")
}

func (u *UnicornCpu) HookAdd(htype int, cb interface{}, begin, end uint64, extra ...int) (cpu.Hook, error) {
	var wrap interface{}
	switch htype {
	case cpu.HOOK_BLOCK, cpu.HOOK_CODE:
		cbc := cb.(func(cpu.Cpu, uint64, uint32))
		wrap = func(_ uc.Unicorn, addr uint64, size uint32) { cbc(u, addr, size) }

	case cpu.HOOK_MEM_READ, cpu.HOOK_MEM_WRITE, cpu.HOOK_MEM_READ | cpu.HOOK_MEM_WRITE:
		cbc := cb.(func(cpu.Cpu, int, uint64, int, int64))
		wrap = func(_ uc.Unicorn, access int, addr uint64, size int, val int64) { cbc(u, access, addr, size, val) }

	case cpu.HOOK_INTR:
		cbc := cb.(func(cpu.Cpu, uint32))
		wrap = func(_ uc.Unicorn, intno uint32) { cbc(u, intno) }

	case cpu.HOOK_MEM_ERR:
		cbc := cb.(func(cpu.Cpu, int, uint64, int, int64) bool)
		wrap = func(_ uc.Unicorn, access int, addr uint64, size int, val int64) bool {
			return cbc(u, access, addr, size, val)
		}

	default:
		return nil, errors.Errorf("unsupported hook type %d", htype)
	}
	return u.Unicorn.HookAdd(htype, wrap, begin, end, extra...)
}

func (u *UnicornCpu) HookDel(hh cpu.Hook) error {
	h, ok := hh.(uc.Hook)
	if !ok {
		return errors.Errorf("not a unicorn hook: %T", hh)
	}
	return u.Unicorn.HookDel(h)
}

func (u *UnicornCpu) Close() error {
	return u.Unicorn.Close()
}
