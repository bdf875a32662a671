package cmd

import (
	"regexp"
	"strconv"
	"strings"
)

var strEqNumRe = regexp.MustCompile(`^([a-z]+[0-9]?)=((-|0|0x|0b)?[0-9a-fA-F]+)$`)

var RegCmd = cmd(&Command{
	Name: "reg",
	Desc: "Read/write regs.",
	Args: "[name[=value]...]",
	Raw:  true,
	Run: func(c *Context, args []string) error {
		regs, err := c.C.ReadRegs()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			c.Printf("%s\n", c.status.Changes(regs, false).String(c.Color))
			return nil
		}
		dirty := false
		names, vals := regs.Names(), regs.Values()
		for _, v := range args {
			reg := strings.ToLower(v)
			match := strEqNumRe.FindStringSubmatch(reg)
			if len(match) == 0 {
				found := false
				for i, name := range names {
					if name == reg {
						c.Printf("%s 0x%08x\n", name, vals[i])
						found = true
					}
				}
				if !found {
					if strings.Contains(reg, "=") {
						c.Printf("invalid assignment: %s\n", v)
					} else {
						c.Printf("reg %s not found\n", v)
					}
				}
				continue
			}
			var value uint32
			if match[2][0] == '-' {
				n, err := strconv.ParseInt(match[2], 0, 32)
				if err != nil {
					c.Printf("error parsing %s value: %v\n", match[1], err)
					continue
				}
				value = uint32(n)
			} else {
				n, err := strconv.ParseUint(match[2], 0, 32)
				if err != nil {
					c.Printf("error parsing %s value: %v\n", match[1], err)
					continue
				}
				value = uint32(n)
			}
			if !regs.Assign(match[1], value) {
				c.Printf("reg %s not found\n", match[1])
				continue
			}
			dirty = true
		}
		if dirty {
			return c.C.WriteRegs(regs)
		}
		return nil
	},
})

var ContCmd = cmd(&Command{
	Name: "cont",
	Desc: "Leave the debugger.",
	Run: func(c *Context) error {
		regs, err := c.C.ReadRegs()
		if err != nil {
			return err
		}
		return c.C.Continue(regs)
	},
})
