package cpu

import (
	"testing"
)

func TestPageString(t *testing.T) {
	p := &Page{Addr: 0x10000000, Size: 0x1000, Prot: PROT_READ | PROT_EXEC, Desc: "rom"}
	if s := p.String(); s != "0x10000000-0x10001000 r-x [rom]" {
		t.Fatalf("bad page string: %q", s)
	}
}

func TestPageIntersect(t *testing.T) {
	p := &Page{Addr: 0x1000, Size: 0x1000}
	tests := []struct {
		addr, size, start, n uint64
		ok                   bool
	}{
		{0x0, 0x1000, 0, 0, false},
		{0x800, 0x1000, 0x1000, 0x800, true},
		{0x1100, 0x100, 0x1100, 0x100, true},
		{0x1800, 0x1000, 0x1800, 0x800, true},
		{0x2000, 0x10, 0, 0, false},
	}
	for _, v := range tests {
		start, n, ok := p.Intersect(v.addr, v.size)
		if ok != v.ok || start != v.start || n != v.n {
			t.Errorf("Intersect(%#x, %#x) = %#x, %#x, %v", v.addr, v.size, start, n, ok)
		}
	}
}

func TestPagesFind(t *testing.T) {
	pages := Pages{
		{Addr: 0x0, Size: 0x100},
		{Addr: 0x1000, Size: 0x1000},
		{Addr: 0x10000000, Size: 0x200000},
	}
	if p := pages.Find(0x1fff); p != pages[1] {
		t.Fatal("did not find 0x1fff")
	}
	if p := pages.Find(0x100); p != nil {
		t.Fatal("found unmapped 0x100")
	}
	if p := pages.Find(0x101fffff); p != pages[2] {
		t.Fatal("did not find the last byte of rom")
	}
}
