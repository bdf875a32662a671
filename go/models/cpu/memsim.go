package cpu

import (
	"fmt"
	"sort"
)

type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_FETCH_UNMAPPED:
		reason = "unmapped fetch"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	case MEM_FETCH_PROT:
		reason = "protected exec"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// MemSim is a sparse page list. It does no locking; the session guarantees a
// single writer (the CPU goroutine, or a handler holding a stop permit).
type MemSim struct {
	Mem Pages
}

// RangeValid reports whether [addr, addr+size) is fully mapped, and whether
// every page in it carries all of prot.
func (m *MemSim) RangeValid(addr, size uint64, prot int) (mapped bool, protOK bool) {
	i := m.Mem.bsearch(addr)
	if i < 0 {
		return false, false
	}
	protOK = true
	end := addr + size
	if end < addr {
		return false, false
	}
	for _, pg := range m.Mem[i:] {
		if !pg.Contains(addr) {
			break
		}
		if prot > 0 && pg.Prot&prot != prot {
			protOK = false
		}
		addr = pg.End()
		if addr >= end {
			break
		}
	}
	return addr >= end, protOK
}

// Map creates a zeroed mapping, replacing anything it overlaps.
func (m *MemSim) Map(addr, size uint64, prot int, desc string) *Page {
	m.Unmap(addr, size)
	page := &Page{Addr: addr, Size: size, Prot: prot, Data: make([]byte, size), Desc: desc}
	m.Mem = append(m.Mem, page)
	sort.Sort(m.Mem)
	return page
}

// Unmap drops [addr, addr+size), splitting any page that straddles an edge.
func (m *MemSim) Unmap(addr, size uint64) {
	m.rewrite(addr, size, func(mid *Page) *Page { return nil })
}

// Prot changes the protection of [addr, addr+size) without touching data.
func (m *MemSim) Prot(addr, size uint64, prot int) {
	m.rewrite(addr, size, func(mid *Page) *Page {
		mid.Prot = prot
		return mid
	})
}

func (m *MemSim) rewrite(addr, size uint64, fn func(mid *Page) *Page) {
	out := make(Pages, 0, len(m.Mem)+2)
	for _, pg := range m.Mem {
		oaddr, osize, ok := pg.Intersect(addr, size)
		if !ok {
			out = append(out, pg)
			continue
		}
		left, right := pg.carve(oaddr, osize)
		if left != nil {
			out = append(out, left)
		}
		o := oaddr - pg.Addr
		mid := &Page{Addr: oaddr, Size: osize, Prot: pg.Prot, Data: pg.Data[o : o+osize], Desc: pg.Desc}
		if mid = fn(mid); mid != nil {
			out = append(out, mid)
		}
		if right != nil {
			out = append(out, right)
		}
	}
	m.Mem = out
}

func (m *MemSim) check(addr uint64, n int, prot int, unmapped, denied int) error {
	mapped, ok := m.RangeValid(addr, uint64(n), prot)
	if !mapped {
		return &MemError{Addr: addr, Size: n, Enum: unmapped}
	} else if !ok {
		return &MemError{Addr: addr, Size: n, Enum: denied}
	}
	return nil
}

// walk calls fn with each page slice backing [addr, addr+n).
func (m *MemSim) walk(addr uint64, n int, fn func(b []byte) int) {
	i := m.Mem.bsearch(addr)
	if i < 0 {
		return
	}
	for _, pg := range m.Mem[i:] {
		if n <= 0 || !pg.Contains(addr) {
			break
		}
		c := fn(pg.Data[addr-pg.Addr:])
		addr += uint64(c)
		n -= c
	}
}

// Read fails without copying anything unless the whole range is valid.
func (m *MemSim) Read(addr uint64, p []byte, prot int) error {
	unmapped, denied := MEM_READ_UNMAPPED, MEM_READ_PROT
	if prot&PROT_EXEC != 0 {
		unmapped, denied = MEM_FETCH_UNMAPPED, MEM_FETCH_PROT
	}
	if err := m.check(addr, len(p), prot, unmapped, denied); err != nil {
		return err
	}
	off := 0
	m.walk(addr, len(p), func(b []byte) int {
		n := copy(p[off:], b)
		off += n
		return n
	})
	return nil
}

// Write fails without mutating anything unless the whole range is valid.
func (m *MemSim) Write(addr uint64, p []byte, prot int) error {
	if err := m.check(addr, len(p), prot, MEM_WRITE_UNMAPPED, MEM_WRITE_PROT); err != nil {
		return err
	}
	off := 0
	m.walk(addr, len(p), func(b []byte) int {
		n := copy(b, p[off:])
		off += n
		return n
	})
	return nil
}
