package serve

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shibukawa/configdir"
	"import.name/confi"

	"github.com/palmemu/poser/go/cmd"
)

type Config struct {
	Log struct {
		Level string
		JSON  bool
	}

	CPU struct {
		// Backend is unicorn or stub.
		Backend           string
		CycleLen          int
		IncrementalCycles int
	}

	Memory struct {
		RAMSize uint64
		ROM     string
		ROMBase uint64
	}

	Debugger struct {
		Addr            string
		ShortPacketHack bool
		ByteswapHack    bool
		LowMemChecksum  uint32
	}

	RPC struct {
		Addr string
		// milliseconds
		SysCallTimeout int
		IdleInterval   int
		RejectUnserved bool
	}

	Snapshot struct {
		Dir        string
		Load       bool
		SaveOnExit bool
	}
}

func DefaultConfig() *Config {
	c := new(Config)
	c.Log.Level = "info"
	c.CPU.Backend = "unicorn"
	c.Memory.RAMSize = 8 << 20
	c.Memory.ROMBase = 0x10c00000
	c.Debugger.Addr = fmt.Sprintf("localhost:%d", 6414)
	c.RPC.Addr = fmt.Sprintf("localhost:%d", 6415)
	c.RPC.SysCallTimeout = 5000
	c.RPC.IdleInterval = 10
	c.RPC.RejectUnserved = true
	return c
}

// configFiles are read before any given with -f.
func configFiles() []string {
	var files []string
	for _, dir := range configdir.New("poser", "serve").QueryFolders(configdir.All) {
		path := filepath.Join(dir.Path, "serve.toml")
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files
}

func Main(args []string) {
	os.Exit(mainResult(args))
}

func mainResult(args []string) int {
	c := DefaultConfig()
	fs := flag.NewFlagSet(args[0], flag.ExitOnError)
	b := confi.NewBuffer(configFiles()...)
	fs.Var(b.FileReplacer(), "F", "replace previous configuration with this file")
	fs.Var(b.FileReader(), "f", "read a configuration file")
	fs.Var(b.Assigner(), "o", "set a configuration option (path.to.key=value)")
	fs.Usage = confi.FlagUsage(nil, c)
	fs.Parse(args[1:])
	if err := b.Flush(c, false); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		return 2
	}

	log, err := cmd.NewLogger(os.Stderr, c.Log.Level, c.Log.JSON)
	if err != nil {
		cmd.PrintError(err)
		return 2
	}
	e, err := newEmulator(c, log)
	if err != nil {
		cmd.PrintError(err)
		return 1
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := e.run(ctx, c); err != nil {
		cmd.PrintError(err)
		return 1
	}
	return 0
}

func init() {
	cmd.Register("serve", "run an emulator session and serve the debugger and RPC ports", Main)
}
