package serve

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/cpu/stub"
	"github.com/palmemu/poser/go/cpu/unicorn"
	"github.com/palmemu/poser/go/debug"
	"github.com/palmemu/poser/go/hostctl"
	"github.com/palmemu/poser/go/models/cpu"
	"github.com/palmemu/poser/go/rpc"
	"github.com/palmemu/poser/go/savestate"
	"github.com/palmemu/poser/go/session"
	"github.com/palmemu/poser/go/slp"
	"github.com/palmemu/poser/go/syspkt"
)

const pageSize = 0x1000

// the version HostGetHostVersion reports
var hostVersion = hostctl.MakeVersion(3, 5, 0, hostctl.StageRelease, 0)

// emulator is one session with everything wired to it.
type emulator struct {
	log     *slog.Logger
	cpu     cpu.Cpu
	session *session.Session
	debug   *syspkt.Debugger
	rpc     *rpc.Manager
	router  *slp.Router
	store   *savestate.Store
}

func newCPU(c *Config, natives *cpu.Natives) (cpu.Cpu, error) {
	switch c.CPU.Backend {
	case "unicorn":
		return (&unicorn.Builder{CycleLen: c.CPU.CycleLen, Natives: natives}).New()
	case "stub":
		return (&stub.Builder{CycleLen: c.CPU.CycleLen, Natives: natives}).New()
	}
	return nil, errors.Errorf("unknown cpu backend %q", c.CPU.Backend)
}

func align(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// loadMemory maps RAM at zero and the ROM above it. The ROM's first two
// longs double as the reset vectors.
func loadMemory(c *Config, m cpu.Cpu) error {
	if err := m.MemMap(0, align(c.Memory.RAMSize), cpu.PROT_ALL, "ram"); err != nil {
		return err
	}
	if c.Memory.ROM == "" {
		return nil
	}
	rom, err := os.ReadFile(c.Memory.ROM)
	if err != nil {
		return errors.Wrap(err, "read rom")
	}
	if len(rom) < 8 {
		return errors.Errorf("%s: rom too small", c.Memory.ROM)
	}
	if err := m.MemMap(c.Memory.ROMBase, align(uint64(len(rom))), cpu.PROT_READ|cpu.PROT_EXEC, "rom"); err != nil {
		return err
	}
	if err := m.MemWrite(c.Memory.ROMBase, rom); err != nil {
		return errors.Wrap(err, "write rom")
	}
	return errors.Wrap(m.MemWrite(0, rom[:8]), "reset vectors")
}

func newEmulator(c *Config, log *slog.Logger) (*emulator, error) {
	natives := &cpu.Natives{}
	m, err := newCPU(c, natives)
	if err != nil {
		return nil, err
	}
	if err := loadMemory(c, m); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.Reset(true); err != nil {
		m.Close()
		return nil, err
	}

	e := &emulator{log: log, cpu: m}
	opts := []session.Option{session.WithLogger(log)}
	if c.CPU.IncrementalCycles > 0 {
		opts = append(opts, session.WithIncrementalCycles(c.CPU.IncrementalCycles))
	}
	e.store = savestate.NewStore(m, c.Snapshot.Dir, log)
	opts = append(opts, session.WithSnapshotter(e.store))
	e.session = session.New(m, opts...)

	var lowMem syspkt.LowMem
	lowMem.Checksum = c.Debugger.LowMemChecksum
	e.debug = syspkt.New(e.session, syspkt.WithLogger(log), syspkt.WithLowMem(lowMem))
	e.rpc = rpc.New(e.debug, rpc.WithLogger(log))

	disp := hostctl.NewDispatcher(log,
		&hostctl.SignalFamily{Session: e.session, RPC: e.rpc},
		&hostctl.DebugFamily{Debugger: e.debug},
	)
	disp.Register(&hostctl.HostFamily{
		Version:    hostVersion,
		ID:         hostctl.HostIDEmulator,
		Platform:   hostctl.PlatformUnix,
		Dispatcher: disp,
	})
	disp.Install(natives)

	e.router = slp.NewRouter(e.session,
		slp.WithLogger(log),
		slp.WithRejectUnserved(c.RPC.RejectUnserved),
		slp.WithSysCallTimeout(time.Duration(c.RPC.SysCallTimeout)*time.Millisecond),
	)
	e.router.Handle(slp.SocketDebugger, e.debug)
	e.router.Handle(slp.SocketConsole, e.debug)
	e.router.Handle(slp.SocketRPC, e.rpc)
	return e, nil
}

// run starts the CPU, serves both ports and ticks the RPC manager until
// ctx ends.
func (e *emulator) run(ctx context.Context, c *Config) error {
	if c.Snapshot.Load {
		if err := e.store.LoadRoot(); err != nil {
			return errors.Wrap(err, "load root snapshot")
		}
	}
	e.session.CreateThread(false)
	defer e.session.DestroyThread()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listeners := []struct {
		addr string
		l    *debug.Listener
	}{
		{c.Debugger.Addr, &debug.Listener{OnConnect: e.debug}},
		{c.RPC.Addr, &debug.Listener{}},
	}
	errs := make(chan error, len(listeners))
	var wg sync.WaitGroup
	for _, ln := range listeners {
		if ln.addr == "" {
			continue
		}
		l := ln.l
		l.Router, l.Log = e.router, e.log
		l.OnClose = []debug.Disconnecter{e.rpc}
		l.ShortPacketHack = c.Debugger.ShortPacketHack
		l.ByteswapHack = c.Debugger.ByteswapHack
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := l.ListenAndServe(ctx, addr); err != nil {
				errs <- err
				cancel()
			}
		}(ln.addr)
	}

	tick := time.NewTicker(time.Duration(c.RPC.IdleInterval) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			e.rpc.Idle()
		case <-ctx.Done():
			wg.Wait()
			select {
			case err := <-errs:
				return err
			default:
			}
			if c.Snapshot.SaveOnExit {
				if err := e.session.WithStopped(context.Background(), session.StopNow, func(*session.Stopper) error {
					return e.store.SaveRoot()
				}); err != nil {
					e.log.Error("saving snapshot", "err", err)
				}
			}
			return nil
		}
	}
}

func (e *emulator) close() error {
	return e.cpu.Close()
}
