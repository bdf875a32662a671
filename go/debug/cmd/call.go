package cmd

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/hostctl"
	"github.com/palmemu/poser/go/slp"
	"github.com/palmemu/poser/go/syspkt"
)

var CallCmd = cmd(&Command{
	Name: "call",
	Desc: "Call a system trap over RPC with long arguments.",
	Args: "<trap> [arg...]",
	Raw:  true,
	Run: func(c *Context, args []string) error {
		if len(args) == 0 {
			return errors.New("usage: call <trap> [arg...]")
		}
		trap, err := strconv.ParseUint(args[0], 0, 16)
		if err != nil {
			return errors.Wrap(err, "trap")
		}
		params := make([]*syspkt.Param, 0, len(args)-1)
		for _, a := range args[1:] {
			v, err := strconv.ParseUint(a, 0, 32)
			if err != nil {
				return errors.Wrapf(err, "arg %q", a)
			}
			params = append(params, &syspkt.Param{Size: 4, Value: uint32(v)})
		}
		d0, a0, err := c.C.Call(slp.SocketRPC, uint16(trap), params...)
		if err != nil {
			return err
		}
		c.Printf("d0 0x%08x a0 0x%08x\n", d0, a0)
		return nil
	},
})

// HostCmd calls a HostControl selector. Arguments are pushed after the
// selector, the way the host control glue does.
var HostCmd = cmd(&Command{
	Name: "host",
	Desc: "Call a HostControl selector.",
	Args: "<selector> [arg]",
	Raw:  true,
	Run: func(c *Context, args []string) error {
		if len(args) == 0 || len(args) > 2 {
			return errors.New("usage: host <selector> [arg]")
		}
		sel, err := strconv.ParseUint(args[0], 0, 16)
		if err != nil {
			return errors.Wrap(err, "selector")
		}
		var params []*syspkt.Param
		if len(args) == 2 {
			v, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return errors.Wrap(err, "arg")
			}
			params = append(params, &syspkt.Param{Size: 4, Value: uint32(v)})
		}
		params = append(params, &syspkt.Param{Size: 2, Value: uint32(sel)})
		d0, _, err := c.C.Call(slp.SocketRPC, hostctl.TrapHostControl, params...)
		if err != nil {
			return err
		}
		c.Printf("%v: 0x%08x\n", hostctl.Selector(sel), d0)
		return nil
	},
})
