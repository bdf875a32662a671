package cpu

import (
	"github.com/pkg/errors"
)

type Hook interface{}

type hookInfo struct {
	htype int
	start uint64
	end   uint64
}

func (h *hookInfo) Type() int {
	return h.htype
}

// start > end means "everywhere"
func (h *hookInfo) Contains(addr uint64) bool {
	return h.start > h.end || addr >= h.start && addr <= h.end
}

type hinfo interface {
	Type() int
}

type codeHook struct {
	hookInfo
	cb func(Cpu, uint64, uint32)
}

type intrHook struct {
	hookInfo
	cb func(Cpu, uint32)
}

type memHook struct {
	hookInfo
	cb func(Cpu, int, uint64, int, int64)
}

type memFaultHook struct {
	hookInfo
	cb func(Cpu, int, uint64, int, int64) bool
}

// Hooks holds the instrumentation callbacks an interpreter fires at its
// checkpoints: before each instruction, on interrupt entry and exit, and
// around memory access.
type Hooks struct {
	cpu Cpu

	code     []*codeHook
	block    []*codeHook
	intr     []*intrHook
	intrExit []*intrHook
	mem      []*memHook
	memFault []*memFaultHook

	// nesting depth of interrupt handlers, maintained by OnIntr/OnIntrExit
	depth int
}

// NewHooks optionally attaches to a *Mem so it dispatches memory hooks.
func NewHooks(cpu Cpu, mem *Mem) *Hooks {
	h := &Hooks{cpu: cpu}
	if mem != nil {
		mem.hooks = h
	}
	return h
}

func (h *Hooks) HookAdd(htype int, cb interface{}, start uint64, end uint64, extra ...int) (Hook, error) {
	info := hookInfo{htype, start, end}
	var hook Hook
	var ok bool
	switch htype {
	case HOOK_BLOCK, HOOK_CODE:
		var fn func(Cpu, uint64, uint32)
		if fn, ok = cb.(func(Cpu, uint64, uint32)); ok {
			hh := &codeHook{info, fn}
			if htype == HOOK_BLOCK {
				h.block = append(h.block, hh)
			} else {
				h.code = append(h.code, hh)
			}
			hook = hh
		}
	case HOOK_INTR, HOOK_INTR_EXIT:
		var fn func(Cpu, uint32)
		if fn, ok = cb.(func(Cpu, uint32)); ok {
			hh := &intrHook{info, fn}
			if htype == HOOK_INTR {
				h.intr = append(h.intr, hh)
			} else {
				h.intrExit = append(h.intrExit, hh)
			}
			hook = hh
		}
	case HOOK_MEM_READ, HOOK_MEM_WRITE, HOOK_MEM_READ | HOOK_MEM_WRITE:
		var fn func(Cpu, int, uint64, int, int64)
		if fn, ok = cb.(func(Cpu, int, uint64, int, int64)); ok {
			hh := &memHook{info, fn}
			h.mem, hook = append(h.mem, hh), hh
		}
	case HOOK_MEM_ERR:
		var fn func(Cpu, int, uint64, int, int64) bool
		if fn, ok = cb.(func(Cpu, int, uint64, int, int64) bool); ok {
			hh := &memFaultHook{info, fn}
			h.memFault, hook = append(h.memFault, hh), hh
		}
	default:
		return nil, errors.Errorf("unknown hook type %d", htype)
	}
	if !ok {
		return nil, errors.Errorf("wrong callback type %T for hook type %d", cb, htype)
	}
	return hook, nil
}

func removeHook[T comparable](list []T, hh T) []T {
	out := list[:0]
	for _, v := range list {
		if v != hh {
			out = append(out, v)
		}
	}
	return out
}

func (h *Hooks) HookDel(hh Hook) error {
	info, ok := hh.(hinfo)
	if !ok {
		return errors.Errorf("not a hook: %T", hh)
	}
	switch info.Type() {
	case HOOK_BLOCK:
		h.block = removeHook(h.block, hh.(*codeHook))
	case HOOK_CODE:
		h.code = removeHook(h.code, hh.(*codeHook))
	case HOOK_INTR:
		h.intr = removeHook(h.intr, hh.(*intrHook))
	case HOOK_INTR_EXIT:
		h.intrExit = removeHook(h.intrExit, hh.(*intrHook))
	case HOOK_MEM_READ, HOOK_MEM_WRITE, HOOK_MEM_READ | HOOK_MEM_WRITE:
		h.mem = removeHook(h.mem, hh.(*memHook))
	case HOOK_MEM_ERR:
		h.memFault = removeHook(h.memFault, hh.(*memFaultHook))
	}
	return nil
}

func (h *Hooks) OnBlock(addr uint64, size uint32) {
	for _, v := range h.block {
		if v.Contains(addr) {
			v.cb(h.cpu, addr, size)
		}
	}
}

func (h *Hooks) OnCode(addr uint64, size uint32) {
	for _, v := range h.code {
		if v.Contains(addr) {
			v.cb(h.cpu, addr, size)
		}
	}
}

func (h *Hooks) OnIntr(intno uint32) {
	h.depth++
	for _, v := range h.intr {
		v.cb(h.cpu, intno)
	}
}

func (h *Hooks) OnIntrExit(intno uint32) {
	if h.depth > 0 {
		h.depth--
	}
	for _, v := range h.intrExit {
		v.cb(h.cpu, intno)
	}
}

// InInterrupt reports whether an interrupt handler is active.
func (h *Hooks) InInterrupt() bool {
	return h.depth > 0
}

func (h *Hooks) OnMem(access int, addr uint64, size int, val int64) {
	for _, v := range h.mem {
		if v.Contains(addr) {
			if access == MEM_WRITE && v.htype&HOOK_MEM_WRITE == 0 {
				continue
			}
			if access != MEM_WRITE && v.htype&HOOK_MEM_READ == 0 {
				continue
			}
			v.cb(h.cpu, access, addr, size, val)
		}
	}
}

// OnFault returns true if any hook handled the fault.
func (h *Hooks) OnFault(access int, addr uint64, size int, val int64) bool {
	for _, v := range h.memFault {
		if v.Contains(addr) && v.cb(h.cpu, access, addr, size, val) {
			return true
		}
	}
	return false
}
