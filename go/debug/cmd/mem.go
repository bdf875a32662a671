package cmd

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/slp"
	"github.com/palmemu/poser/go/syspkt"
)

var MemCmd = cmd(&Command{
	Name: "mem",
	Desc: "Dump memory.",
	Args: "<addr> <size>",
	Run: func(c *Context, addr, size uint32) error {
		for off := uint32(0); off < size; {
			n := size - off
			if n > syspkt.MaxDataLen {
				n = syspkt.MaxDataLen
			}
			mem, err := c.C.ReadMem(slp.SocketDebugger, addr+off, int(n))
			if err != nil {
				return err
			}
			for _, line := range HexDump(addr+off, mem) {
				c.Printf("  %s\n", line)
			}
			off += n
		}
		return nil
	},
})

var WriteCmd = cmd(&Command{
	Name: "write",
	Desc: "Write hex bytes to memory.",
	Args: "<addr> <hex>",
	Run: func(c *Context, addr uint32, data string) error {
		b, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
		if err != nil {
			return errors.Wrap(err, "bad hex")
		}
		if len(b) > syspkt.MaxDataLen {
			return errors.Errorf("at most %d bytes", syspkt.MaxDataLen)
		}
		return c.C.WriteMem(slp.SocketDebugger, addr, b)
	},
})

func find(c *Context, first, last uint32, pat string, fold bool) error {
	addr, ok, err := c.C.Find(first, last, []byte(pat), fold)
	if err != nil {
		return err
	}
	if ok {
		c.Printf("found at 0x%08x\n", addr)
	} else {
		c.Printf("not found\n")
	}
	return nil
}

var FindCmd = cmd(&Command{
	Name: "find",
	Desc: "Search memory for text.",
	Args: "<first> <last> <text>",
	Run: func(c *Context, first, last uint32, pat string) error {
		return find(c, first, last, pat, false)
	},
})

var FindICmd = cmd(&Command{
	Name: "findi",
	Desc: "Search memory for text, ignoring case.",
	Args: "<first> <last> <text>",
	Run: func(c *Context, first, last uint32, pat string) error {
		return find(c, first, last, pat, true)
	},
})
