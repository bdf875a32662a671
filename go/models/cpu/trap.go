package cpu

import (
	"sync"
)

const (
	// OpTrap15 is TRAP #15, the Palm OS system call instruction. The trap
	// word selecting the routine follows it.
	OpTrap15 = 0x4e4f
	// OpTrap8 is TRAP #8, which DbgBreak compiles to.
	OpTrap8 = 0x4e48
	OpNop   = 0x4e71
	OpRts   = 0x4e75

	// TrapVector is the exception vector TRAP #15 raises.
	TrapVector = 47
	// TraceVector is taken after an instruction that started with T1 set.
	TraceVector = 9
	// DbgBreakVector is TRAP #8.
	DbgBreakVector = 40
)

// Native is a trap implemented in Go. It finds its parameters on the stack
// as the caller pushed them and leaves its result in D0 (A0 for pointers).
type Native func(c Cpu) error

// Natives maps trap words to native routines. Backends consult it when a
// TRAP #15 executes.
type Natives struct {
	mu sync.RWMutex
	m  map[uint16]Native
}

func (n *Natives) Register(trap uint16, fn Native) {
	n.mu.Lock()
	if n.m == nil {
		n.m = make(map[uint16]Native)
	}
	n.m[trap] = fn
	n.mu.Unlock()
}

func (n *Natives) Unregister(trap uint16) {
	n.mu.Lock()
	delete(n.m, trap)
	n.mu.Unlock()
}

func (n *Natives) Lookup(trap uint16) (Native, bool) {
	if n == nil {
		return nil, false
	}
	n.mu.RLock()
	fn, ok := n.m[trap]
	n.mu.RUnlock()
	return fn, ok
}
