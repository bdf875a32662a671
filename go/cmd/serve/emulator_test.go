package serve

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/palmemu/poser/go/debug"
	"github.com/palmemu/poser/go/hostctl"
	"github.com/palmemu/poser/go/slp"
	"github.com/palmemu/poser/go/syspkt"
)

func testConfig(t *testing.T) *Config {
	rom := make([]byte, 0x100)
	binary.BigEndian.PutUint32(rom, 0x8000)
	binary.BigEndian.PutUint32(rom[4:], 0x10c00010)
	path := filepath.Join(t.TempDir(), "test.rom")
	require.NoError(t, os.WriteFile(path, rom, 0644))

	c := DefaultConfig()
	c.CPU.Backend = "stub"
	c.Memory.RAMSize = 0x10000
	c.Memory.ROM = path
	return c
}

func TestUnknownBackend(t *testing.T) {
	c := DefaultConfig()
	c.CPU.Backend = "z80"
	_, err := newEmulator(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestEmulatorBootsFromROM(t *testing.T) {
	e, err := newEmulator(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer e.close()

	regs := e.cpu.Registers()
	require.Equal(t, uint32(0x10c00010), regs.PC)
	require.Equal(t, uint32(0x8000), regs.SSP)
	require.False(t, e.cpu.RangeValid(0x10c00000, 0x1001))
}

func TestHostVersionThroughDebugger(t *testing.T) {
	e, err := newEmulator(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer e.close()
	e.session.CreateThread(false)
	defer e.session.DestroyThread()

	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- slp.Serve(ctx, debug.NewSocket(a, false, false), e.router) }()
	client := debug.NewClient(b, false)
	defer func() {
		client.Close()
		cancel()
		<-done
	}()

	_, err = client.State()
	require.NoError(t, err)
	d0, _, err := client.Call(slp.SocketDebugger, hostctl.TrapHostControl,
		&syspkt.Param{Size: 2, Value: uint32(hostctl.SelGetHostVersion)})
	require.NoError(t, err)
	require.Equal(t, hostVersion, d0)
}
