package console

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/lunixbochs/vtclean"
	"github.com/shibukawa/configdir"

	"github.com/palmemu/poser/go/cmd"
	"github.com/palmemu/poser/go/debug"
	dcmd "github.com/palmemu/poser/go/debug/cmd"
)

// plainWriter strips terminal codes from output that is not a terminal.
type plainWriter struct {
	io.Writer
}

func (w plainWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.Writer, vtclean.Clean(string(p), false)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func historyFile() string {
	configDirs := configdir.New("poser", "console")
	cache := configDirs.QueryCacheFolder()
	if err := cache.MkdirAll(); err != nil {
		return ""
	}
	return filepath.Join(cache.Path, "history")
}

func Main(args []string) {
	fs := flag.NewFlagSet(args[0], flag.ExitOnError)
	addr := fs.String("addr", fmt.Sprintf("localhost:%d", debug.DefaultDebuggerPort), "emulator debugger address")
	short := fs.Bool("short", false, "omit packet footers")
	color := fs.Bool("color", true, "highlight changed registers")
	fs.Parse(args[1:])

	client, err := debug.Dial(*addr, *short)
	if err != nil {
		cmd.PrintError(err)
		os.Exit(1)
	}
	defer client.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "poser> ",
		InterruptPrompt: "\n",
		HistoryFile:     historyFile(),
	})
	if err != nil {
		cmd.PrintError(err)
		os.Exit(1)
	}
	defer rl.Close()

	var out io.Writer = rl.Stdout()
	if !readline.DefaultIsTerminal() {
		out = plainWriter{out}
		*color = false
	}
	ctx := &dcmd.Context{Writer: out, C: client, Color: *color}
	client.Notify = ctx.Notify
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err != nil {
			break
		}
		if err := dcmd.Run(ctx, line); err != nil {
			cmd.PrintError(err)
			break
		}
	}
}

func init() {
	cmd.Register("console", "attach to an emulator's debugger port", Main)
}
