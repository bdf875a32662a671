package cmd

import (
	"bytes"
	"encoding/binary"

	"github.com/palmemu/poser/go/syspkt"
)

var excNames = map[uint16]string{
	syspkt.ExcBusErr:    "bus error",
	syspkt.ExcAddrErr:   "address error",
	syspkt.ExcIllegal:   "illegal instruction",
	syspkt.ExcDivZero:   "divide by zero",
	syspkt.ExcTrace:     "trace",
	syspkt.ExcSoftBreak: "breakpoint",
	syspkt.ExcHardBreak: "hard break",
	syspkt.ExcTrap15:    "trap 15",
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// PrintState shows where the emulator stopped and which registers
// changed since the last state.
func (c *Context) PrintState(st *syspkt.StateRsp) {
	exc, ok := excNames[st.ExceptionID/4]
	if !ok {
		exc = "exception"
	}
	if st.Resetted {
		c.Printf("(reset)\n")
	}
	c.Printf("stopped: %s (0x%x)\n", exc, st.ExceptionID)
	if name := cstring(st.Name[:]); name != "" {
		c.Printf("in %s [0x%08x-0x%08x] +0x%x\n", name, st.StartAddr, st.EndAddr, st.Regs.PC-st.StartAddr)
	}
	c.Printf("%s\n", c.status.Changes(st.Regs, false).String(c.Color))
	var inst [syspkt.StateRspInstWords * 2]byte
	for i, w := range st.Inst {
		binary.BigEndian.PutUint16(inst[i*2:], w)
	}
	for _, line := range HexDump(st.Regs.PC, inst[:16]) {
		c.Printf("  %s\n", line)
	}
}

var StateCmd = cmd(&Command{
	Name: "state",
	Desc: "Show where the emulator is stopped.",
	Run: func(c *Context) error {
		st, err := c.C.State()
		if err != nil {
			return err
		}
		c.PrintState(st)
		return nil
	},
})

var NameCmd = cmd(&Command{
	Name: "name",
	Desc: "Find the routine containing an address.",
	Args: "<addr>",
	Run: func(c *Context, addr uint32) error {
		r, err := c.C.RoutineName(addr)
		if err != nil {
			return err
		}
		name := cstring(r.Name[:])
		if name == "" {
			name = "?"
		}
		c.Printf("%s [0x%08x-0x%08x]\n", name, r.StartAddr, r.EndAddr)
		return nil
	},
})
