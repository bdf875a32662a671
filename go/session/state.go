package session

import (
	"fmt"
	"strings"
)

// State is the coarse lifecycle of the CPU thread.
type State int

const (
	// Stopped is terminal: the thread exited or never started.
	Stopped State = iota
	Running
	Suspended
	// BlockedOnUI means the CPU thread is parked in BlockOnDialog.
	BlockedOnUI
)

var stateNames = []string{"stopped", "running", "suspended", "blocked-on-ui"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StopMethod says how hard a suspend request pushes.
type StopMethod int

const (
	StopNone StopMethod = iota
	// StopNow always succeeds, stopping at the next opcode boundary or
	// accepting a thread blocked on the UI.
	StopNow
	// StopOnCycle fails if the thread is blocked on the UI.
	StopOnCycle
	// StopOnSysCall waits for the next system call checkpoint. It may wait
	// forever if the program never calls into the OS.
	StopOnSysCall
)

var stopNames = []string{"none", "now", "on-cycle", "on-syscall"}

func (m StopMethod) String() string {
	if int(m) < len(stopNames) {
		return stopNames[m]
	}
	return fmt.Sprintf("StopMethod(%d)", int(m))
}

// SuspendState holds one field per requester. Each requester only touches
// its own field; the CPU may run iff Any() is false.
type SuspendState struct {
	UI       int
	Debugger int
	// External may dip below zero inside a nested call, where a resume can
	// arrive before the matching suspend is merged back in.
	External int

	Timeout          bool
	SysCall          bool
	SubroutineReturn bool
}

func (s SuspendState) Any() bool {
	return s.UI != 0 || s.Debugger != 0 || s.External != 0 ||
		s.Timeout || s.SysCall || s.SubroutineReturn
}

func (s SuspendState) String() string {
	var parts []string
	add := func(name string, n int) {
		if n != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", name, n))
		}
	}
	flag := func(name string, b bool) {
		if b {
			parts = append(parts, name)
		}
	}
	add("ui", s.UI)
	add("debugger", s.Debugger)
	add("external", s.External)
	flag("timeout", s.Timeout)
	flag("syscall", s.SysCall)
	flag("subroutine-return", s.SubroutineReturn)
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// ResetKind combines a reset type with the no-extensions modifier.
type ResetKind int

const (
	// ResetSys resets session state without touching hardware registers.
	ResetSys ResetKind = 1
	// ResetSoft also resets hardware registers.
	ResetSoft ResetKind = 2
	// ResetHard holds the power key through boot to wipe the storage heap.
	ResetHard ResetKind = 3
	// ResetDebug holds page-down through boot to enter the debugger.
	ResetDebug ResetKind = 4

	ResetTypeMask ResetKind = 0x07
	// ResetNoExt holds page-up through boot to skip extensions.
	ResetNoExt   ResetKind = 0x08
	ResetExtMask ResetKind = 0x08
)

func (k ResetKind) Type() ResetKind {
	return k & ResetTypeMask
}

func (k ResetKind) String() string {
	var s string
	switch k.Type() {
	case ResetSys:
		s = "sys"
	case ResetSoft:
		s = "soft"
	case ResetHard:
		s = "hard"
	case ResetDebug:
		s = "debug"
	default:
		s = fmt.Sprintf("reset(%d)", int(k.Type()))
	}
	if k&ResetExtMask == ResetNoExt {
		s += "+noext"
	}
	return s
}
