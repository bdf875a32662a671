package hostctl

import (
	"time"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
)

var errUnhandled = errors.New("selector not handled by this family")

// Waiters is the RPC side of host signals.
type Waiters interface {
	HandlingPacket() bool
	DeferCurrentPacket(timeout time.Duration)
	SignalWaiters(signal uint32)
}

// Resumer lets the CPU go after a signal suspended it.
type Resumer interface {
	ScheduleResumeExternal()
}

// SignalFamily lets a script on the device and an RPC client wait for
// each other.
type SignalFamily struct {
	Session Resumer
	RPC     Waiters
}

func (f *SignalFamily) Selectors() []Selector {
	return []Selector{SelSignalSend, SelSignalWait, SelSignalResume}
}

func (f *SignalFamily) Call(sel Selector, m cpu.Cpu, args *cpu.StackArgs) error {
	switch sel {
	case SelSignalSend:
		signal := args.U32()
		if args.Err != nil {
			return args.Err
		}
		f.RPC.SignalWaiters(signal)
	case SelSignalWait:
		timeout := args.U32()
		if args.Err != nil {
			return args.Err
		}
		// unblock the CPU if a previous send suspended it
		f.Session.ScheduleResumeExternal()
		if f.RPC.HandlingPacket() {
			f.RPC.DeferCurrentPacket(time.Duration(int32(timeout)) * time.Millisecond)
		}
	case SelSignalResume:
		f.Session.ScheduleResumeExternal()
	default:
		return errUnhandled
	}
	cpu.SetResult(m, ErrNone)
	return nil
}

type DataBreaker interface {
	SetDataBreak(addr, size uint32)
	ClearDataBreak()
}

// DebugFamily sets the debugger's watchpoint.
type DebugFamily struct {
	Debugger DataBreaker
}

func (f *DebugFamily) Selectors() []Selector {
	return []Selector{SelDbgSetDataBreak, SelDbgClearDataBreak}
}

func (f *DebugFamily) Call(sel Selector, m cpu.Cpu, args *cpu.StackArgs) error {
	switch sel {
	case SelDbgSetDataBreak:
		addr, size := args.U32(), args.U32()
		if args.Err != nil {
			return args.Err
		}
		if addr == 0 || size == 0 {
			cpu.SetResult(m, ErrInvalidParameter)
			return nil
		}
		f.Debugger.SetDataBreak(addr, size)
	case SelDbgClearDataBreak:
		f.Debugger.ClearDataBreak()
	default:
		return errUnhandled
	}
	cpu.SetResult(m, ErrNone)
	return nil
}

// host ids and platforms
const (
	HostIDEmulator  = 0
	HostIDSimulator = 1

	PlatformPalmOS    = 0
	PlatformWindows   = 1
	PlatformMacintosh = 2
	PlatformUnix      = 3
)

// ROM version stages
const (
	StageDevelopment = iota
	StageAlpha
	StageBeta
	StageRelease
)

// MakeVersion packs a version the way the ROM encodes its own.
func MakeVersion(major, minor, fix, stage, build int) uint32 {
	return uint32(major&0xff)<<24 | uint32(minor&0xff)<<16 | uint32(fix&0xf)<<12 |
		uint32(stage&0xf)<<8 | uint32(build&0xff)
}

// HostFamily describes the emulator to the device.
type HostFamily struct {
	Version  uint32
	ID       uint32
	Platform uint32
	// Dispatcher answers IsSelectorImplemented.
	Dispatcher *Dispatcher
}

func (f *HostFamily) Selectors() []Selector {
	return []Selector{SelGetHostVersion, SelGetHostID, SelGetHostPlatform, SelIsSelectorImplemented}
}

func (f *HostFamily) Call(sel Selector, m cpu.Cpu, args *cpu.StackArgs) error {
	switch sel {
	case SelGetHostVersion:
		cpu.SetResult(m, f.Version)
	case SelGetHostID:
		cpu.SetResult(m, f.ID)
	case SelGetHostPlatform:
		cpu.SetResult(m, f.Platform)
	case SelIsSelectorImplemented:
		q := args.U32()
		if args.Err != nil {
			return args.Err
		}
		cpu.SetResult(m, boolResult(f.Dispatcher != nil && f.Dispatcher.Implemented(Selector(q))))
	default:
		return errUnhandled
	}
	return nil
}
