package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/mgutz/ansi"

	"github.com/palmemu/poser/go/models/cpu"
)

var chSame = ansi.ColorCode("default:default")
var chNew = ansi.ColorCode("default+bu:default")

func colorPad(s, color string, pad int) string {
	length := len(s)
	s = color + s + ansi.Reset
	if length < pad {
		s = strings.Repeat(" ", pad-length) + s
	}
	return s
}

// ChangeMask is a run of hex digits that either all changed or all stayed.
type ChangeMask struct {
	Old, New string
	Changed  bool
}

type Change struct {
	Old, New uint32
	Name     string
}

func (c *Change) Changed() bool {
	return c.Old != c.New
}

func (c *Change) Mask() []ChangeMask {
	s1, s2 := fmt.Sprintf("%08x", c.New), fmt.Sprintf("%08x", c.Old)
	pos := 0
	matching := true
	var masks []ChangeMask
	for i := range s1 {
		if (s1[i] == s2[i]) != matching {
			if i > pos {
				masks = append(masks, ChangeMask{New: s1[pos:i], Old: s2[pos:i], Changed: !matching})
				pos = i
			}
			matching = !matching
		}
	}
	if pos < len(s1) {
		masks = append(masks, ChangeMask{New: s1[pos:], Old: s2[pos:], Changed: !matching})
	}
	return masks
}

func (c *Change) String(color bool) string {
	lineStart := fmt.Sprintf(" %4s 0x", c.Name)
	if !c.Changed() {
		return fmt.Sprintf("%s%08x", lineStart, c.New)
	}
	if !color {
		return fmt.Sprintf("+%s%08x", lineStart, c.New)
	}
	out := []string{fmt.Sprintf(" %s 0x", colorPad(c.Name, chNew, 4))}
	for _, mask := range c.Mask() {
		col := chSame
		if mask.Changed {
			col = chNew
		}
		out = append(out, col+mask.New)
	}
	out = append(out, ansi.Reset)
	return strings.Join(out, "")
}

type Changes []*Change

// String lays the registers out column-wise, four to a row.
func (cs Changes) String(color bool) string {
	var out []string
	const cols = 4
	rows := (len(cs) + cols - 1) / cols
	for i := 0; i < rows; i++ {
		var row []string
		for j := 0; j < cols; j++ {
			if k := j*rows + i; k < len(cs) {
				row = append(row, cs[k].String(color))
			}
		}
		out = append(out, strings.Join(row, " "))
	}
	return strings.Join(out, "\n")
}

func (cs Changes) Count() int {
	n := 0
	for _, c := range cs {
		if c.Changed() {
			n++
		}
	}
	return n
}

// StatusDiff compares each register set with the one before it.
type StatusDiff struct {
	old map[string]uint32
}

func (s *StatusDiff) Changes(regs cpu.RegSet, onlyChanged bool) Changes {
	names, vals := regs.Names(), regs.Values()
	cs := make(Changes, 0, len(names))
	next := make(map[string]uint32, len(names))
	for i, name := range names {
		old, seen := s.old[name]
		if !seen {
			old = vals[i]
		}
		c := &Change{Name: name, Old: old, New: vals[i]}
		if !onlyChanged || c.Changed() {
			cs = append(cs, c)
		}
		next[name] = vals[i]
	}
	s.old = next
	sort.SliceStable(cs, func(i, j int) bool { return sortorder.NaturalLess(cs[i].Name, cs[j].Name) })
	return cs
}
