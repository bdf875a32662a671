package cmd

import (
	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/syspkt"
)

var BreaksCmd = cmd(&Command{
	Name: "breaks",
	Desc: "List breakpoints.",
	Run: func(c *Context) error {
		bps, err := c.C.Breakpoints()
		if err != nil {
			return err
		}
		for i, bp := range bps {
			if bp.Enabled {
				c.Printf("  %d: 0x%08x\n", i, bp.Addr)
			}
		}
		return nil
	},
})

func setBreak(c *Context, i int, bp syspkt.Breakpoint) error {
	if i < 0 || i >= syspkt.TotalBreakpoints {
		return errors.Errorf("breakpoint index must be 0-%d", syspkt.TotalBreakpoints-1)
	}
	bps, err := c.C.Breakpoints()
	if err != nil {
		return err
	}
	bps[i] = bp
	return c.C.SetBreakpoints(bps)
}

var BreakCmd = cmd(&Command{
	Name: "break",
	Desc: "Set a breakpoint.",
	Args: "<index> <addr>",
	Run: func(c *Context, i int, addr uint32) error {
		return setBreak(c, i, syspkt.Breakpoint{Addr: addr, Enabled: true})
	},
})

var ClearCmd = cmd(&Command{
	Name: "clear",
	Desc: "Clear a breakpoint.",
	Args: "<index>",
	Run: func(c *Context, i int) error {
		return setBreak(c, i, syspkt.Breakpoint{})
	},
})
