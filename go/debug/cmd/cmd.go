package cmd

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/lunixbochs/argjoy"
	"github.com/mattn/go-shellwords"
)

type Command struct {
	Name string
	Desc string
	Args string
	// Run takes a *Context and one typed argument per word, or with Raw
	// set, a *Context and the words as a []string.
	Run interface{}
	Raw bool
}

var Commands = make(map[string]*Command)

func cmd(c *Command) *Command {
	fn := reflect.ValueOf(c.Run)
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		panic(fmt.Sprintf("Command.Run must be a func: got (%T) %#v\n", c.Run, c.Run))
	}
	if c.Raw {
		if _, ok := c.Run.(func(*Context, []string) error); !ok {
			panic(fmt.Sprintf("raw command %s has the wrong signature: %T", c.Name, c.Run))
		}
	}
	Commands[c.Name] = c
	return c
}

// wordCodec converts one command word into a typed argument.
func wordCodec(arg interface{}, vals []interface{}) error {
	s, ok := vals[0].(string)
	if !ok {
		if ctx, ok := vals[0].(*Context); ok {
			if v, ok := arg.(**Context); ok {
				*v = ctx
				return nil
			}
		}
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *string:
		*v = s
	case *bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*v = b
	case *int:
		n, err := strconv.ParseInt(s, 0, 0)
		if err != nil {
			return err
		}
		*v = int(n)
	case *uint8:
		n, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return err
		}
		*v = uint8(n)
	case *uint16:
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return err
		}
		*v = uint16(n)
	case *uint32:
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return err
		}
		*v = uint32(n)
	default:
		return argjoy.NoMatch
	}
	return nil
}

var aj = argjoy.NewArgjoy()

func init() {
	aj.Register(wordCodec)
}

func Run(c *Context, line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	cmd, ok := Commands[name]
	if !ok {
		c.Printf("command not found.\n")
		return nil
	}
	if cmd.Raw {
		if err := cmd.Run.(func(*Context, []string) error)(c, args); err != nil {
			c.Printf("error: %v\n", err)
		}
		return nil
	}
	vals := make([]interface{}, 0, len(args)+1)
	vals = append(vals, c)
	for _, a := range args {
		vals = append(vals, a)
	}
	out, err := aj.Call(cmd.Run, vals...)
	if err != nil {
		c.Printf("error: %v\n", err)
		c.Printf("usage: %s %s\n", cmd.Name, cmd.Args)
	}
	if len(out) > 0 {
		if err, ok := out[0].(error); ok && err != nil {
			c.Printf("error: %v\n", err)
		}
	}
	return nil
}

var HelpCmd = cmd(&Command{
	Name: "help",
	Desc: "List commands.",
	Raw:  true,
	Run: func(c *Context, args []string) error {
		names := make([]string, 0, len(Commands))
		for name := range Commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cmd := Commands[name]
			c.Printf("  %-8s %-24s %s\n", cmd.Name, cmd.Args, cmd.Desc)
		}
		return nil
	},
})
