package syspkt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
	"github.com/palmemu/poser/go/session"
	"github.com/palmemu/poser/go/slp"
)

// 68K exception vectors reported in a StateRsp, which carries vector*4.
const (
	ExcBusErr    = 2
	ExcAddrErr   = 3
	ExcIllegal   = 4
	ExcDivZero   = 5
	ExcTrace     = 9
	ExcTrap0     = 32
	ExcSoftBreak = ExcTrap0 + 0 // TRAP #0, compiled-in and debugger breaks
	ExcHardBreak = ExcTrap0 + 8 // TRAP #8, DbgBreak
	ExcTrap15    = ExcTrap0 + 15
)

const (
	TrapSysReset = 0xA08C

	sysTrapBase    = 0xA000
	sysLibTrapBase = 0xA800
)

// IsSystemTrap reports whether trap is an OS trap rather than a library
// dispatch.
func IsSystemTrap(trap uint16) bool {
	return trap-sysTrapBase < sysLibTrapBase-sysTrapBase
}

func TrapIndex(trap uint16) uint16 {
	return trap - sysTrapBase
}

var ErrNoDebugger = errors.New("no debugger connected")

// LowMem locates OS globals the debugger maintains. A zero address is
// skipped.
type LowMem struct {
	// Checksum receives the sum of the exception vectors after a write to
	// low memory.
	Checksum uint32
	// DispatchTableRev is reported in every StateRsp.
	DispatchTableRev uint32
}

type Option func(*Debugger)

func WithLogger(l *slog.Logger) Option {
	return func(d *Debugger) { d.log = l }
}

func WithLowMem(lm LowMem) Option {
	return func(d *Debugger) { d.lowMem = lm }
}

// WithTrapCaller replaces the ROM caller used by RPC and RPC2.
func WithTrapCaller(tc TrapCaller) Option {
	return func(d *Debugger) { d.caller = tc }
}

// Debugger answers system packets on the debugger and console sockets and
// keeps the debugger's view of the machine: breakpoints, trap breaks, the
// watchpoint and step spy, and why the CPU last stopped.
type Debugger struct {
	s      *session.Session
	log    *slog.Logger
	lowMem LowMem
	caller TrapCaller

	mu   sync.Mutex
	conn slp.Transport

	firstEntrance bool
	excType       uint16

	bp              [TotalBreakpoints]Breakpoint
	bpCond          [TotalBreakpoints]*Condition
	bpHook          [TotalBreakpoints]cpu.Hook
	memHook         cpu.Hook
	ignoreDbgBreaks bool

	trapBreak       [TotalTrapBreaks]uint16
	trapParam       [TotalTrapBreaks]uint16
	breakingOnATrap bool

	continueOverBP      bool
	continueOverATrap   bool
	checkTrapWordOnExit bool
	trapWord            uint16
	refNum              uint16

	watchEnabled bool
	watchAddr    uint32
	watchBytes   uint32

	stepSpy bool
	ssAddr  uint32
	ssValue uint32
}

// New attaches a debugger to s. It registers for instruction and data
// breaks, system calls, exceptions, stop errors and resets.
func New(s *session.Session, opts ...Option) *Debugger {
	d := &Debugger{s: s, firstEntrance: true}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = s.Logger()
	}
	d.log = d.log.With("component", "debugger")
	if d.caller == nil {
		d.caller = NewROMCaller(s)
	}
	s.AddInstructionBreakHandlers(d.installBreaks, d.removeBreaks, d.HandleInstructionBreak)
	s.AddDataBreakHandlers(d.installWatch, d.removeWatch, d.HandleDataBreak)
	s.AddSysCallHandler(d.HandleSystemCall)
	s.AddExceptionHandler(d.HandleException)
	s.AddErrorHandler(d.HandleError)
	s.AddResetter(d)
	return d
}

func (d *Debugger) Session() *session.Session {
	return d.s
}

// Attach makes t the connection unsolicited state reports go to.
func (d *Debugger) Attach(t slp.Transport) {
	d.mu.Lock()
	d.conn = t
	d.mu.Unlock()
}

// Detach forgets t if it is the attached connection.
func (d *Debugger) Detach(t slp.Transport) {
	d.mu.Lock()
	if d.conn == t {
		d.conn = nil
	}
	d.mu.Unlock()
}

func (d *Debugger) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

func (d *Debugger) Reset(kind session.ResetKind) error {
	d.mu.Lock()
	d.firstEntrance = true
	d.excType = 0
	d.mu.Unlock()
	return nil
}

// HandleNewPacket serves the debugger and console sockets. Until the CPU
// is stopped in the debugger, a debugger socket only gets an answer to
// State, which also stops it there.
func (d *Debugger) HandleNewPacket(ctx context.Context, p *slp.Packet, st *session.Stopper) error {
	m, err := st.Machine()
	if err != nil {
		return err
	}
	cmd := p.Command()
	if p.Header().Dest == slp.SocketDebugger {
		d.Attach(p.Transport())
		if d.s.SuspendState().Debugger == 0 {
			if cmd == slp.CmdState {
				return d.EnterDebugger(ExcSoftBreak, p)
			}
			d.log.Debug("ignoring packet outside the debugger", "cmd", cmd)
			return nil
		}
	}

	switch cmd {
	case slp.CmdState:
		return d.SendState(p, m)
	case slp.CmdReadMem:
		return d.ReadMem(p, m)
	case slp.CmdWriteMem:
		return d.WriteMem(p, m)
	case slp.CmdGetRtnName:
		return d.SendRoutineName(p, m)
	case slp.CmdReadRegs:
		return d.ReadRegs(p, m)
	case slp.CmdWriteRegs:
		return d.WriteRegs(p, m)
	case slp.CmdContinue:
		return d.Continue(p, m)
	case slp.CmdRPC:
		return d.RPC(p, m)
	case slp.CmdRPC2:
		return d.RPC2(p, m)
	case slp.CmdGetBreakpoints:
		return d.GetBreakpoints(p)
	case slp.CmdSetBreakpoints:
		return d.SetBreakpoints(p)
	case slp.CmdDbgBreakToggle:
		return d.ToggleBreak(p)
	case slp.CmdGetTrapBreaks:
		return d.GetTrapBreaks(p)
	case slp.CmdSetTrapBreaks:
		return d.SetTrapBreaks(p)
	case slp.CmdGetTrapConditions:
		return d.GetTrapConditions(p)
	case slp.CmdSetTrapConditions:
		return d.SetTrapConditions(p)
	case slp.CmdFind:
		return d.Find(p, m)
	case slp.CmdRemoteMsg:
		// only ever sent to clear a serial line
		text := p.Body()[min(2, len(p.Body())):]
		if i := bytes.IndexByte(text, 0); i >= 0 {
			text = text[:i]
		}
		d.log.Debug("remote message from debugger", "text", string(text))
		return nil
	}
	d.log.Debug("unsupported command", "cmd", cmd)
	return nil
}

// EnterDebugger reports the CPU state and stops the CPU in the debugger.
// The report answers p, or with p nil goes to the attached connection.
func (d *Debugger) EnterDebugger(reason int, p *slp.Packet) error {
	d.mu.Lock()
	d.excType = uint16(reason * 4)
	conn := d.conn
	d.mu.Unlock()

	if p == nil {
		if conn == nil {
			return ErrNoDebugger
		}
		p = slp.NewPacket(conn, nil)
	}
	if err := d.SendState(p, d.s.Cpu()); err != nil {
		return err
	}
	d.s.ScheduleSuspendException()
	d.log.Info("entered debugger", "exception", reason)
	return nil
}

// ExitDebugger lets the CPU go. Whatever stopped it is stepped over once
// so it does not stop again immediately.
func (d *Debugger) ExitDebugger(m cpu.Cpu) error {
	pc := m.Registers().PC
	d.mu.Lock()
	for _, bp := range d.bp {
		if bp.Enabled && bp.Addr == pc {
			d.continueOverBP = true
			break
		}
	}
	if d.checkTrapWordOnExit {
		d.checkTrapWordOnExit = false
		if d.mustBreakLocked(d.trapWord, d.refNum) {
			d.continueOverATrap = true
		}
	}
	d.excType = 0
	d.mu.Unlock()
	d.s.ClearDebuggerSuspend()
	d.log.Info("exited debugger", "pc", fmt.Sprintf("%#x", pc))
	return nil
}

// HandleSystemCall breaks into the debugger on a trap break.
func (d *Debugger) HandleSystemCall(trap uint16) error {
	var refNum uint16
	if !IsSystemTrap(trap) {
		// a library's refNum is its first parameter
		refNum = cpu.NewStackArgs(d.s.Cpu()).U16()
	}
	d.mu.Lock()
	doBreak := !d.continueOverATrap && d.breakingOnATrap && d.mustBreakLocked(trap, refNum)
	d.continueOverATrap = false
	d.mu.Unlock()

	if !doBreak {
		return nil
	}
	if err := d.EnterDebugger(ExcSoftBreak, nil); err != nil {
		d.log.Debug("trap break with no debugger", "trap", fmt.Sprintf("%#04x", trap), "err", err)
		return nil
	}
	d.mu.Lock()
	d.checkTrapWordOnExit = true
	d.trapWord = trap
	d.refNum = refNum
	d.mu.Unlock()
	return nil
}

// MustBreakOnTrapSystemCall reports whether a trap break matches trap.
// Library traps also match on refNum.
func (d *Debugger) MustBreakOnTrapSystemCall(trap, refNum uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mustBreakLocked(trap, refNum)
}

func (d *Debugger) mustBreakLocked(trap, refNum uint16) bool {
	idx := TrapIndex(trap)
	system := IsSystemTrap(trap)
	for i, w := range d.trapBreak {
		if w == 0 || TrapIndex(w) != idx {
			continue
		}
		if system || refNum == d.trapParam[i] {
			return true
		}
	}
	return false
}

// HandleInstructionBreak is reached at an installed breakpoint.
func (d *Debugger) HandleInstructionBreak() {
	if d.s.IsNested() {
		return
	}
	d.mu.Lock()
	if d.continueOverBP {
		d.continueOverBP = false
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.ConditionalBreak()
}

// ConditionalBreak enters the debugger if an enabled breakpoint at PC has
// no condition or a true one. The temporary breakpoint disables itself.
func (d *Debugger) ConditionalBreak() {
	m := d.s.Cpu()
	pc := m.Registers().PC
	hit := false
	d.mu.Lock()
	for i := range d.bp {
		bp := &d.bp[i]
		if !bp.Enabled || bp.Addr != pc {
			continue
		}
		if c := d.bpCond[i]; c != nil && !c.Evaluate(m) {
			continue
		}
		if i == TempBPIndex {
			bp.Enabled = false
		}
		hit = true
		break
	}
	d.mu.Unlock()
	if !hit {
		return
	}
	if err := d.EnterDebugger(ExcSoftBreak, nil); err != nil {
		d.log.Debug("breakpoint with no debugger", "pc", fmt.Sprintf("%#x", pc), "err", err)
	}
}

// HandleException takes the trace exception and DbgBreak.
func (d *Debugger) HandleException(vector int) bool {
	switch vector {
	case cpu.TraceVector:
		return d.EnterDebugger(ExcTrace, nil) == nil
	case cpu.DbgBreakVector:
		return d.HandleTrap8()
	}
	return false
}

// HandleError stops in the debugger for a watchpoint or step spy hit and
// tells it why. Other errors are left to the session.
func (d *Debugger) HandleError(err error) bool {
	var we *WatchpointError
	var se *StepSpyError
	if !errors.As(err, &we) && !errors.As(err, &se) {
		return false
	}
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := d.SendMessage(slp.NewPacket(conn, nil), err.Error()+"\n"); err != nil {
		d.log.Warn("remote message", "err", err)
	}
	if err := d.EnterDebugger(ExcSoftBreak, nil); err != nil {
		d.log.Warn("could not enter debugger", "err", err)
		return false
	}
	return true
}

// HandleTrap8 is the DbgBreak path. It reports whether the debugger took
// it.
func (d *Debugger) HandleTrap8() bool {
	if d.s.IsNested() {
		return false
	}
	d.mu.Lock()
	ignore := d.ignoreDbgBreaks
	d.mu.Unlock()
	if ignore {
		return false
	}
	return d.EnterDebugger(ExcHardBreak, nil) == nil
}

func (d *Debugger) SetBreakpoint(i int, addr uint32, c *Condition) error {
	if i < 0 || i >= TotalBreakpoints {
		return errors.Errorf("breakpoint %d out of range", i)
	}
	d.s.RemoveInstructionBreaks()
	d.mu.Lock()
	d.bp[i] = Breakpoint{Addr: addr, Enabled: true}
	d.bpCond[i] = c
	d.mu.Unlock()
	d.s.InstallInstructionBreaks()
	return nil
}

func (d *Debugger) ClearBreakpoint(i int) error {
	if i < 0 || i >= TotalBreakpoints {
		return errors.Errorf("breakpoint %d out of range", i)
	}
	d.s.RemoveInstructionBreaks()
	d.mu.Lock()
	d.bp[i] = Breakpoint{}
	d.bpCond[i] = nil
	d.mu.Unlock()
	d.s.InstallInstructionBreaks()
	return nil
}

func (d *Debugger) Breakpoints() [TotalBreakpoints]Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bp
}

func (d *Debugger) installBreaks() {
	m := d.s.Cpu()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.bp {
		bp := &d.bp[i]
		if !bp.Enabled || d.bpHook[i] != nil {
			continue
		}
		hh, err := m.HookAdd(cpu.HOOK_CODE, func(cpu.Cpu, uint64, uint32) {
			d.s.HandleInstructionBreak()
		}, uint64(bp.Addr), uint64(bp.Addr))
		if err != nil {
			d.log.Error("install breakpoint", "addr", fmt.Sprintf("%#x", bp.Addr), "err", err)
			continue
		}
		d.bpHook[i] = hh
		bp.Installed = true
	}
}

func (d *Debugger) removeBreaks() {
	m := d.s.Cpu()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.bpHook {
		if d.bpHook[i] != nil {
			m.HookDel(d.bpHook[i])
			d.bpHook[i] = nil
		}
		d.bp[i].Installed = false
	}
}

// SetDataBreak watches [addr, addr+size) for writes.
func (d *Debugger) SetDataBreak(addr, size uint32) {
	d.removeWatch()
	d.mu.Lock()
	d.watchEnabled, d.watchAddr, d.watchBytes = true, addr, size
	d.mu.Unlock()
	d.installWatch()
}

func (d *Debugger) ClearDataBreak() {
	d.removeWatch()
	d.mu.Lock()
	d.watchEnabled = false
	d.mu.Unlock()
	d.installWatch()
}

func (d *Debugger) installWatch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memHook != nil || !d.watchEnabled && !d.stepSpy {
		return
	}
	hh, err := d.s.Cpu().HookAdd(cpu.HOOK_MEM_WRITE, func(_ cpu.Cpu, _ int, addr uint64, size int, _ int64) {
		d.s.HandleDataBreak(uint32(addr), size, false)
	}, 1, 0)
	if err != nil {
		d.log.Error("install watch", "err", err)
		return
	}
	d.memHook = hh
}

func (d *Debugger) removeWatch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memHook != nil {
		d.s.Cpu().HookDel(d.memHook)
		d.memHook = nil
	}
}

// HandleDataBreak checks a CPU write against the watchpoint and step spy.
func (d *Debugger) HandleDataBreak(addr uint32, size int, forRead bool) {
	if forRead {
		return
	}
	d.mu.Lock()
	watch, spy := d.watchEnabled, d.stepSpy
	d.mu.Unlock()
	if watch {
		d.DoCheckWatchpoint(addr, size)
	}
	if spy {
		d.DoCheckStepSpy(addr, size)
	}
}

// WatchpointError stops the CPU after a write into the watched range.
type WatchpointError struct {
	Addr, Size           uint32
	WatchAddr, WatchSize uint32
}

func (e *WatchpointError) Error() string {
	return fmt.Sprintf("write of %d bytes at %#x hit the watchpoint at %#x (%d bytes)", e.Size, e.Addr, e.WatchAddr, e.WatchSize)
}

// StepSpyError stops the CPU after a write changed the spied long.
type StepSpyError struct {
	Addr, Size uint32
	SpyAddr    uint32
	Old, New   uint32
}

func (e *StepSpyError) Error() string {
	return fmt.Sprintf("write of %d bytes at %#x changed %#x from %#x to %#x", e.Size, e.Addr, e.SpyAddr, e.Old, e.New)
}

func (d *Debugger) DoCheckWatchpoint(addr uint32, size int) {
	d.mu.Lock()
	wa, wb := d.watchAddr, d.watchBytes
	d.mu.Unlock()
	if uint64(addr)+uint64(size) <= uint64(wa) || uint64(addr) >= uint64(wa)+uint64(wb) {
		return
	}
	e := &WatchpointError{Addr: addr, Size: uint32(size), WatchAddr: wa, WatchSize: wb}
	d.s.ScheduleDeferredError(func() error { return e })
}

func (d *Debugger) DoCheckStepSpy(addr uint32, size int) {
	d.mu.Lock()
	sa, old := d.ssAddr, d.ssValue
	d.mu.Unlock()
	b, err := d.s.Cpu().MemRead(uint64(sa), 4)
	if err != nil {
		return
	}
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if v == old {
		return
	}
	e := &StepSpyError{Addr: addr, Size: uint32(size), SpyAddr: sa, Old: old, New: v}
	d.s.ScheduleDeferredError(func() error { return e })
}

// IgnoreDbgBreaks reports whether DbgBreak is currently ignored.
func (d *Debugger) IgnoreDbgBreaks() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ignoreDbgBreaks
}

func (d *Debugger) TrapBreaks() (words, params [TotalTrapBreaks]uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trapBreak, d.trapParam
}

func (d *Debugger) BreakingOnATrap() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breakingOnATrap
}
