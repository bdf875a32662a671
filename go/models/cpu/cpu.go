package cpu

// Checkpoints is what the interpreter calls back into while it runs. The
// session implements it.
type Checkpoints interface {
	// CheckForBreak is the cheap test made before each opcode.
	CheckForBreak() bool
	// ExecuteSpecial runs scheduled end-of-cycle work. With checkOnly only
	// a pending reset is handled.
	ExecuteSpecial(checkOnly bool) (bool, error)
	// SysCall is reached when the instruction stream enters the OS through
	// a trap.
	SysCall(trap uint16) error
	// Exception offers a trace or DbgBreak exception to the host before
	// the CPU takes it. It reports whether the host consumed it.
	Exception(vector int) bool
}

// Cpu is the emulated 68K as the session core sees it.
type Cpu interface {
	MemMap(addr, size uint64, prot int, desc string) error
	MemUnmap(addr, size uint64) error
	Mappings() Pages
	RangeValid(addr, size uint64) bool
	MemRead(addr, size uint64) ([]byte, error)
	MemReadInto(p []byte, addr uint64) error
	MemWrite(addr uint64, p []byte) error

	Registers() RegSet
	SetRegisters(r RegSet)

	// Execute runs until CheckForBreak reports true at a poll point, or a
	// checkpoint returns an error (such as a reset request).
	Execute(cp Checkpoints) error
	// Reset puts the CPU in its power-on state. hard also resets hardware
	// registers.
	Reset(hard bool) error

	HookAdd(htype int, cb interface{}, begin, end uint64, extra ...int) (Hook, error)
	HookDel(hook Hook) error

	Close() error
}
