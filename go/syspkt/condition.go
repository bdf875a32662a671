package syspkt

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
)

var ErrBadCondition = errors.New("cannot parse breakpoint condition")

var compares = []struct {
	op string
	fn func(a, b uint32) bool
}{
	// longest first so ">=" is not read as ">"
	{"==", func(a, b uint32) bool { return a == b }},
	{"!=", func(a, b uint32) bool { return a != b }},
	{">=", func(a, b uint32) bool { return a >= b }},
	{"<=", func(a, b uint32) bool { return a <= b }},
	{">", func(a, b uint32) bool { return a > b }},
	{"<", func(a, b uint32) bool { return a < b }},
}

// Condition gates a breakpoint on a register, or on memory addressed by
// one:
//
//	d0 == 5
//	a1.w != 0x10
//	8(a6).l >= 100
type Condition struct {
	Source string

	addrReg  bool
	reg      int
	indirect bool
	offset   uint32
	size     int
	compare  func(a, b uint32) bool
	value    uint32
}

func NewCondition(src string) (*Condition, error) {
	c := &Condition{Source: src, size: 4}
	s := strings.TrimSpace(src)
	fail := func(what string) (*Condition, error) {
		return nil, errors.Wrapf(ErrBadCondition, "%q: %s", src, what)
	}

	if s != "" && s[0] >= '0' && s[0] <= '9' {
		i := strings.IndexByte(s, '(')
		if i < 0 {
			return fail("missing (")
		}
		off, err := strconv.ParseUint(strings.TrimSpace(s[:i]), 0, 32)
		if err != nil {
			return fail("bad offset")
		}
		c.indirect, c.offset = true, uint32(off)
		s = strings.TrimSpace(s[i+1:])
	}

	if s == "" {
		return fail("missing register")
	}
	switch s[0] {
	case 'd', 'D':
	case 'a', 'A':
		c.addrReg = true
	default:
		return fail("bad register")
	}
	s = strings.TrimSpace(s[1:])
	if s == "" || s[0] < '0' || s[0] > '7' {
		return fail("bad register number")
	}
	c.reg = int(s[0] - '0')
	s = strings.TrimSpace(s[1:])

	if c.indirect {
		if !strings.HasPrefix(s, ")") {
			return fail("missing )")
		}
		s = strings.TrimSpace(s[1:])
	}
	if strings.HasPrefix(s, ".") {
		if len(s) < 2 {
			return fail("bad size")
		}
		switch s[1] {
		case 'b':
			c.size = 1
		case 'w':
			c.size = 2
		case 'l':
			c.size = 4
		default:
			return fail("bad size")
		}
		s = strings.TrimSpace(s[2:])
	}

	for _, cmp := range compares {
		if strings.HasPrefix(s, cmp.op) {
			c.compare = cmp.fn
			s = strings.TrimSpace(s[len(cmp.op):])
			break
		}
	}
	if c.compare == nil {
		return fail("bad operator")
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return fail("bad value")
	}
	c.value = uint32(v)
	return c, nil
}

func (c *Condition) String() string {
	return c.Source
}

// Evaluate tests the condition against the CPU as it stands. Unreadable
// memory compares as zero.
func (c *Condition) Evaluate(m cpu.Cpu) bool {
	regs := m.Registers()
	var r uint32
	switch {
	case !c.addrReg:
		r = regs.D[c.reg]
	case c.reg == 7:
		r = regs.SP()
	default:
		r = regs.A[c.reg]
	}
	if c.indirect {
		b := make([]byte, 4)
		if m.MemReadInto(b[:c.size], uint64(r+c.offset)) != nil {
			b = make([]byte, 4)
		}
		switch c.size {
		case 1:
			r = uint32(b[0])
		case 2:
			r = uint32(binary.BigEndian.Uint16(b))
		default:
			r = binary.BigEndian.Uint32(b)
		}
	} else {
		switch c.size {
		case 1:
			r = uint32(uint8(r))
		case 2:
			r = uint32(uint16(r))
		}
	}
	return c.compare(r, c.value)
}
