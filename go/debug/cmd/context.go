package cmd

import (
	"fmt"
	"io"

	"github.com/palmemu/poser/go/debug"
)

type Context struct {
	io.Writer
	C     debug.Remote
	Color bool

	status StatusDiff
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c, format, a...)
}
