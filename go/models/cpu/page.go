package cpu

import (
	"fmt"
	"strings"
)

// Page is one contiguous mapping of emulated memory.
type Page struct {
	Addr uint64
	Size uint64
	Prot int
	Data []byte

	Desc string
}

func (p *Page) String() string {
	prot := []byte("---")
	for i, c := range "rwx" {
		if p.Prot&(1<<uint(i)) != 0 {
			prot[i] = byte(c)
		}
	}
	desc := fmt.Sprintf("0x%08x-0x%08x %s", p.Addr, p.Addr+p.Size, prot)
	if p.Desc != "" {
		desc += fmt.Sprintf(" [%s]", p.Desc)
	}
	return desc
}

func (p *Page) End() uint64 {
	return p.Addr + p.Size
}

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.End()
}

// Intersect returns the overlap of the page with [addr, addr+size).
func (p *Page) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start, end := p.Addr, p.End()
	if addr > start {
		start = addr
	}
	if e := addr + size; e < end {
		end = e
	}
	if end <= start {
		return 0, 0, false
	}
	return start, end - start, true
}

// carve removes [addr, addr+size) from the page and returns the pieces left on
// either side, sharing the page's backing data.
func (p *Page) carve(addr, size uint64) (left, right *Page) {
	if addr > p.Addr {
		n := addr - p.Addr
		left = &Page{Addr: p.Addr, Size: n, Prot: p.Prot, Data: p.Data[:n], Desc: p.Desc}
	}
	if end := addr + size; end < p.End() {
		o := end - p.Addr
		right = &Page{Addr: end, Size: p.End() - end, Prot: p.Prot, Data: p.Data[o:], Desc: p.Desc}
	}
	return left, right
}

// Pages is kept sorted by address.
type Pages []*Page

func (p Pages) Len() int           { return len(p) }
func (p Pages) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Pages) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Pages) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// index of the page containing addr, or -1
func (p Pages) bsearch(addr uint64) int {
	l, r := 0, len(p)-1
	for l <= r {
		mid := (l + r) / 2
		e := p[mid]
		switch {
		case addr < e.Addr:
			r = mid - 1
		case addr >= e.End():
			l = mid + 1
		default:
			return mid
		}
	}
	return -1
}

func (p Pages) Find(addr uint64) *Page {
	if i := p.bsearch(addr); i >= 0 {
		return p[i]
	}
	return nil
}
