package cmd

import (
	"time"

	"github.com/palmemu/poser/go/debug"
	"github.com/palmemu/poser/go/slp"
)

// Notify prints a packet the emulator sent on its own: a state report
// when it stops, or a console message.
func (c *Context) Notify(h slp.Header, body []byte) {
	if len(body) == 0 {
		return
	}
	switch slp.Command(body[0]) {
	case slp.CmdState.Response():
		st, err := debug.ParseState(body)
		if err != nil {
			c.Printf("bad state report: %v\n", err)
			return
		}
		c.PrintState(st)
	case slp.CmdRemoteMsg:
		if len(body) > 2 {
			c.Printf("%s\n", cstring(body[2:]))
		}
	}
}

var WaitCmd = cmd(&Command{
	Name: "wait",
	Desc: "Wait for the emulator to stop.",
	Args: "<seconds>",
	Run: func(c *Context, secs int) error {
		h, body, err := c.C.Next(time.Duration(secs) * time.Second)
		if err != nil {
			return err
		}
		c.Notify(h, body)
		return nil
	},
})
