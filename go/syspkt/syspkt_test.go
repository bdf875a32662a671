package syspkt

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/palmemu/poser/go/cpu/stub"
	"github.com/palmemu/poser/go/models/cpu"
	"github.com/palmemu/poser/go/session"
	"github.com/palmemu/poser/go/slp"
)

type fakeTransport struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (f *fakeTransport) Read(p []byte) (int, error)  { return f.in.Read(p) }
func (f *fakeTransport) Write(p []byte) (int, error) { return f.out.Write(p) }
func (f *fakeTransport) ShortPacketHack() bool       { return false }
func (f *fakeTransport) ByteswapHack() bool          { return false }

func makeDebugger(t *testing.T, opts ...Option) (*Debugger, *stub.StubCpu, *session.Session) {
	c, err := (&stub.Builder{}).New()
	require.NoError(t, err)
	require.NoError(t, c.MemMap(0, 0x10000, cpu.PROT_ALL, "ram"))
	c.Put32(0, 0x8000)
	c.Put32(4, 0x1000)
	c.Reset(true)
	s := session.New(c)
	return New(s, opts...), c, s
}

// request builds a received packet on the debugger socket.
func request(tr *fakeTransport, body []byte) *slp.Packet {
	return slp.NewReceived(tr, slp.Header{Dest: slp.SocketDebugger, Src: slp.SocketDebugger}, body)
}

func reply(t *testing.T, tr *fakeTransport) []byte {
	_, body, _, err := slp.ReadFrame(&tr.out, false)
	require.NoError(t, err)
	return body
}

func readMem(addr uint32, n uint16) []byte {
	return pack(&ReadMemCmd{Command: uint8(slp.CmdReadMem), Address: addr, NumBytes: n})
}

func TestLoggerComponent(t *testing.T) {
	var buf bytes.Buffer
	c, err := (&stub.Builder{}).New()
	require.NoError(t, err)
	s := session.New(c, session.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	d := New(s)
	tr := &fakeTransport{}
	d.Attach(tr)
	require.NoError(t, d.EnterDebugger(ExcSoftBreak, nil))

	out := buf.String()
	i := strings.Index(out, "entered debugger")
	require.GreaterOrEqual(t, i, 0)
	line, _, _ := strings.Cut(out[i:], "\n")
	require.Equal(t, 1, strings.Count(line, "component="))
	require.Contains(t, line, "component=debugger")
}

func TestReadMem(t *testing.T) {
	d, c, _ := makeDebugger(t)
	require.NoError(t, c.MemWrite(0x2000, []byte("palmpilot")))
	tr := &fakeTransport{}

	require.NoError(t, d.ReadMem(request(tr, readMem(0x2000, 4)), c))
	require.Equal(t, append([]byte{0x81, 0}, "palm"...), reply(t, tr))

	// unmapped, and straddling the end of RAM
	ff := bytes.Repeat([]byte{0xff}, 8)
	for _, addr := range []uint32{0x20000, 0xfffc} {
		require.NoError(t, d.ReadMem(request(tr, readMem(addr, 8)), c))
		require.Equal(t, ff, reply(t, tr)[2:], "addr %#x", addr)
	}

	require.NoError(t, d.ReadMem(request(tr, readMem(0x2000, 0)), c))
	require.Equal(t, []byte{0x81, 0}, reply(t, tr))
}

func TestWriteMem(t *testing.T) {
	d, c, _ := makeDebugger(t)
	tr := &fakeTransport{}
	write := func(addr uint32, data string) {
		body := pack(&WriteMemCmd{Command: uint8(slp.CmdWriteMem), Address: addr, NumBytes: uint16(len(data))}, []byte(data))
		require.NoError(t, d.WriteMem(request(tr, body), c))
		require.Equal(t, []byte{0x82, 0}, reply(t, tr))
	}

	write(0x3000, "abcd")
	got, err := c.MemRead(0x3000, 4)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(got))

	before, err := c.MemRead(0xfffe, 2)
	require.NoError(t, err)
	write(0xfffe, "wxyz")
	after, err := c.MemRead(0xfffe, 2)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestLowMemChecksum(t *testing.T) {
	d, c, _ := makeDebugger(t, WithLowMem(LowMem{Checksum: 0x400}))
	for off := uint64(8); off < 0x100; off += 4 {
		c.Put32(off, uint32(off))
	}
	body := pack(&WriteMemCmd{Command: uint8(slp.CmdWriteMem), Address: 0x10, NumBytes: 4}, []byte{0, 0, 1, 0})
	require.NoError(t, d.WriteMem(request(&fakeTransport{}, body), c))

	var want uint32
	for off := uint64(0); off < 0x100; off += 4 {
		if off == 0x24 || off == 0x80 || off == 0xbc {
			continue
		}
		want += c.Get32(off)
	}
	require.Equal(t, want, c.Get32(0x400))

	// writes above low memory leave it alone
	c.Put32(0x400, 0)
	body = pack(&WriteMemCmd{Command: uint8(slp.CmdWriteMem), Address: 0x100, NumBytes: 4}, []byte{1, 2, 3, 4})
	require.NoError(t, d.WriteMem(request(&fakeTransport{}, body), c))
	require.Zero(t, c.Get32(0x400))
}

func TestRegsRoundTrip(t *testing.T) {
	d, c, _ := makeDebugger(t)
	tr := &fakeTransport{}
	regs := c.Registers()
	regs.D[3] = 0xcafef00d
	regs.A[2] = 0x2222
	regs.USP = 0x7000
	regs.PC = 0x1234

	require.NoError(t, d.WriteRegs(request(tr, pack(&RegsBody{Command: uint8(slp.CmdWriteRegs), Regs: regs})), c))
	require.Equal(t, []byte{0x86, 0}, reply(t, tr))

	require.NoError(t, d.ReadRegs(request(tr, []byte{byte(slp.CmdReadRegs), 0}), c))
	var got RegsBody
	_, err := unpack(reply(t, tr), &got)
	require.NoError(t, err)
	require.Equal(t, uint8(0x85), got.Command)
	require.Equal(t, regs, got.Regs)
}

func TestFind(t *testing.T) {
	d, c, _ := makeDebugger(t)
	require.NoError(t, c.MemWrite(0x4000, []byte("Hello, Palm")))
	tr := &fakeTransport{}
	find := func(first, last uint32, pat string, nocase bool) FindRsp {
		body := pack(&FindCmd{
			Command:         uint8(slp.CmdFind),
			FirstAddr:       first,
			LastAddr:        last,
			NumBytes:        uint16(len(pat)),
			CaseInsensitive: nocase,
		}, []byte(pat))
		require.NoError(t, d.Find(request(tr, body), c))
		var r FindRsp
		_, err := unpack(reply(t, tr), &r)
		require.NoError(t, err)
		return r
	}

	r := find(0x3000, 0x5000, "pALM", true)
	require.True(t, r.Found)
	require.Equal(t, uint32(0x4007), r.Addr)

	require.False(t, find(0x3000, 0x5000, "pALM", false).Found)
	require.True(t, find(0x4000, 0x4000, "Hello", false).Found)
	require.False(t, find(0x4001, 0x5000, "Hello", false).Found)
	// runs off the end of RAM without matching
	require.False(t, find(0xfff0, 0x10010, "zz", false).Found)
}

func TestTrapBreaks(t *testing.T) {
	d, _, _ := makeDebugger(t)
	tr := &fakeTransport{}
	set := func(cmd slp.Command, words ...uint16) {
		var b TrapWordsBody
		b.Command = uint8(cmd)
		copy(b.Words[:], words)
		handle := d.SetTrapBreaks
		if cmd == slp.CmdSetTrapConditions {
			handle = d.SetTrapConditions
		}
		require.NoError(t, handle(request(tr, pack(&b))))
		require.Equal(t, []byte{uint8(cmd.Response()), 0}, reply(t, tr))
	}

	require.False(t, d.BreakingOnATrap())
	set(slp.CmdSetTrapBreaks, 0xa0ba, 0xa805)
	set(slp.CmdSetTrapConditions, 0, 3)
	require.True(t, d.BreakingOnATrap())

	require.True(t, d.MustBreakOnTrapSystemCall(0xa0ba, 99))
	require.True(t, d.MustBreakOnTrapSystemCall(0xa805, 3))
	require.False(t, d.MustBreakOnTrapSystemCall(0xa805, 4))
	require.False(t, d.MustBreakOnTrapSystemCall(0xa0bb, 0))

	require.NoError(t, d.GetTrapBreaks(request(tr, []byte{byte(slp.CmdGetTrapBreaks), 0})))
	var got TrapWordsBody
	_, err := unpack(reply(t, tr), &got)
	require.NoError(t, err)
	require.Equal(t, [TotalTrapBreaks]uint16{0xa0ba, 0xa805}, got.Words)

	set(slp.CmdSetTrapBreaks)
	require.False(t, d.BreakingOnATrap())
}

func TestToggleBreak(t *testing.T) {
	d, _, _ := makeDebugger(t)
	tr := &fakeTransport{}
	for _, want := range []bool{true, false} {
		require.NoError(t, d.ToggleBreak(request(tr, []byte{byte(slp.CmdDbgBreakToggle), 0})))
		var r ToggleBreakRsp
		_, err := unpack(reply(t, tr), &r)
		require.NoError(t, err)
		require.Equal(t, want, r.NewState)
		require.Equal(t, want, d.IgnoreDbgBreaks())
	}
}

func TestConditions(t *testing.T) {
	_, c, _ := makeDebugger(t)
	regs := c.Registers()
	regs.D[0] = 5
	regs.D[1] = 0x12345678
	regs.A[6] = 0x6000
	c.SetRegisters(regs)
	c.Put32(0x6008, 0x00100020)

	for src, want := range map[string]bool{
		"d0 == 5":           true,
		"d0==6":             false,
		"D0 >= 5":           true,
		"d0 < 5":            false,
		"d1.w == 0x5678":    true,
		"d1.b != 0x78":      false,
		"8(a6).w == 16":     true,
		"8(a6) > 0x100":     true,
		"10(a6).w <= 0x1f":  false,
		"0(a7).l == 0x8000": false,
	} {
		cond, err := NewCondition(src)
		require.NoError(t, err, src)
		require.Equal(t, want, cond.Evaluate(c), src)
	}

	for _, src := range []string{"", "x0 == 1", "d8 == 1", "d0 = 1", "d0 == ", "8(a6 == 1", "d0.q == 1"} {
		_, err := NewCondition(src)
		require.ErrorIs(t, err, ErrBadCondition, src)
	}
}

func TestFindFunction(t *testing.T) {
	_, c, _ := makeDebugger(t)
	code := []byte{
		0x4e, 0x56, 0x00, 0x00, // link
		0x4e, 0x71,
		0x4e, 0x5e, // unlk
		0x4e, 0x75, // rts
		0x88, 'M', 'y', 'R', 'o', 'u', 't', 'n', 'e', 0x00, // variable length name
		0x00, 0x00, // no constants
	}
	// the previous function ends just before this one
	require.NoError(t, c.MemWrite(0x5000, []byte{0x4e, 0x75, 0x84, 'P', 'r', 'e', 'v', 0, 0}))
	require.NoError(t, c.MemWrite(0x500a, code))

	sym := FindFunction(c, 0x500e)
	require.Equal(t, "MyRoutne", sym.Name)
	require.Equal(t, uint32(0x500a), sym.Start)
	require.Equal(t, uint32(0x5014), sym.End)
	require.True(t, sym.Contains(0x5010))
	require.False(t, sym.Contains(0x5020))
}

func TestRPCCallsTrap(t *testing.T) {
	d, c, _ := makeDebugger(t)
	var word uint16
	var long, ptr uint32
	c.Natives.Register(0xa123, func(m cpu.Cpu) error {
		args := cpu.NewStackArgs(m)
		ptr = args.U32()
		long = args.U32()
		word = args.U16()
		require.NoError(t, m.MemWrite(uint64(ptr), []byte{9, 8, 7, 6}))
		regs := m.Registers()
		regs.D[0] = 0x77
		regs.A[0] = ptr
		m.SetRegisters(regs)
		return nil
	})
	before := c.Registers()

	body := pack(&RPCHead{Command: uint8(slp.CmdRPC), TrapWord: 0xa123, NumParams: 3},
		[]byte{0, 2, 0x01, 0x02},
		[]byte{0, 4, 0xde, 0xad, 0xbe, 0xef},
		[]byte{1, 3, 1, 2, 3, 0},
	)
	tr := &fakeTransport{}
	require.NoError(t, d.RPC(request(tr, body), c))

	require.Equal(t, uint16(0x0102), word)
	require.Equal(t, uint32(0xdeadbeef), long)
	require.Equal(t, before, c.Registers())

	got := reply(t, tr)
	require.Len(t, got, len(body))
	var h RPCHead
	rest, err := unpack(got, &h)
	require.NoError(t, err)
	require.Equal(t, uint8(0x8a), h.Command)
	require.Equal(t, uint32(0x77), h.ResultD0)
	require.Equal(t, ptr, h.ResultA0)
	require.Equal(t, []byte{9, 8, 7}, rest[12:15])
}

func TestRPC2LoadsRegisters(t *testing.T) {
	d, c, _ := makeDebugger(t)
	var d2, a1 uint32
	var b uint8
	c.Natives.Register(0xa200, func(m cpu.Cpu) error {
		regs := m.Registers()
		d2, a1 = regs.D[2], regs.A[1]
		b = cpu.NewStackArgs(m).U8()
		cpu.SetResult(m, d2+a1)
		return nil
	})
	body := pack(&RPC2Head{Command: uint8(slp.CmdRPC2), TrapWord: 0xa200, ResultException: 7, DRegMask: 1 << 2, ARegMask: 1 << 1},
		[]byte{0, 0, 0, 0x10},
		[]byte{0, 0, 0, 0x20},
		[]byte{0, 1},
		[]byte{0, 1, 0x42, 0},
	)
	tr := &fakeTransport{}
	require.NoError(t, d.RPC2(request(tr, body), c))
	require.Equal(t, uint32(0x10), d2)
	require.Equal(t, uint32(0x20), a1)
	require.Equal(t, uint8(0x42), b)

	var h RPC2Head
	_, err := unpack(reply(t, tr), &h)
	require.NoError(t, err)
	require.Equal(t, uint8(0xf0), h.Command)
	require.Equal(t, uint32(0x30), h.ResultD0)
	require.Zero(t, h.ResultException)
}

func TestRPCSysResetResets(t *testing.T) {
	d, c, _ := makeDebugger(t)
	tr := &fakeTransport{}
	err := d.RPC(request(tr, pack(&RPCHead{Command: uint8(slp.CmdRPC), TrapWord: TrapSysReset})), c)
	rerr, ok := session.AsReset(err)
	require.True(t, ok)
	require.Equal(t, session.ResetSoft, rerr.Kind)
	require.Zero(t, tr.out.Len())
}

func TestWatchpoint(t *testing.T) {
	d, c, s := makeDebugger(t)
	d.SetDataBreak(0x5000, 4)

	require.NoError(t, c.WriteUint(0x4ffc, 4, cpu.PROT_WRITE, 1))
	_, err := s.ExecuteSpecial(true)
	require.NoError(t, err)

	require.NoError(t, c.WriteUint(0x5002, 2, cpu.PROT_WRITE, 1))
	_, err = s.ExecuteSpecial(true)
	var werr *WatchpointError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, uint32(0x5002), werr.Addr)

	d.ClearDataBreak()
	require.NoError(t, c.WriteUint(0x5000, 4, cpu.PROT_WRITE, 2))
	_, err = s.ExecuteSpecial(true)
	require.NoError(t, err)
}

func TestWatchpointEntersDebugger(t *testing.T) {
	d, c, s := makeDebugger(t)
	tr := &fakeTransport{}
	d.Attach(tr)
	d.SetDataBreak(0x5000, 4)
	c.HookAdd(cpu.HOOK_CODE, func(m cpu.Cpu, _ uint64, _ uint32) {
		m.(*stub.StubCpu).WriteUint(0x5002, 2, cpu.PROT_WRITE, 7)
	}, 0x1010, 0x1010)

	s.ExecuteIncremental()
	require.Equal(t, 1, s.SuspendState().Debugger)

	msg := reply(t, tr)
	require.Equal(t, uint8(slp.CmdRemoteMsg), msg[0])
	require.Contains(t, string(msg[2:]), "watchpoint at 0x5000")

	var st StateRsp
	_, err := unpack(reply(t, tr), &st)
	require.NoError(t, err)
	require.Equal(t, uint16(ExcSoftBreak*4), st.ExceptionID)
	require.Zero(t, tr.out.Len())
}

func TestWatchpointWithoutDebugger(t *testing.T) {
	d, c, s := makeDebugger(t)
	d.SetDataBreak(0x5000, 4)
	c.HookAdd(cpu.HOOK_CODE, func(m cpu.Cpu, _ uint64, _ uint32) {
		m.(*stub.StubCpu).WriteUint(0x5000, 4, cpu.PROT_WRITE, 7)
	}, 0x1010, 0x1010)

	// the session's own error stop
	s.ExecuteIncremental()
	require.Equal(t, 1, s.SuspendState().Debugger)
	require.False(t, d.Connected())
}

func TestTraceEntersDebugger(t *testing.T) {
	d, _, s := makeDebugger(t)
	s.CreateThread(false)
	t.Cleanup(s.DestroyThread)
	r := slp.NewRouter(s)
	r.Handle(slp.SocketDebugger, d)
	tr := &fakeTransport{}

	var st StateRsp
	_, err := unpack(serve(t, r, tr, byte(slp.CmdState), 0), &st)
	require.NoError(t, err)
	start := st.Regs.PC

	regs := st.Regs
	regs.SR |= cpu.SR_TRACE1
	require.Nil(t, serve(t, r, tr, pack(&ContinueCmd{Command: uint8(slp.CmdContinue), Regs: regs})...))

	waitFor(t, "trace", func() bool { return s.SuspendState().Debugger > 0 })
	_, err = unpack(reply(t, tr), &st)
	require.NoError(t, err)
	require.Equal(t, uint16(ExcTrace*4), st.ExceptionID)
	require.Equal(t, start+2, st.Regs.PC)
	require.Zero(t, st.Regs.SR&cpu.SR_TRACE1)
}

func TestDbgBreakTakenUnlessIgnored(t *testing.T) {
	d, c, s := makeDebugger(t)
	tr := &fakeTransport{}
	d.Attach(tr)
	require.NoError(t, c.MemWrite(0x1008, []byte{0x4e, 0x48}))

	s.ExecuteIncremental()
	require.Equal(t, 1, s.SuspendState().Debugger)
	require.Equal(t, uint32(0x100a), c.Registers().PC)
	var st StateRsp
	_, err := unpack(reply(t, tr), &st)
	require.NoError(t, err)
	require.Equal(t, uint16(ExcHardBreak*4), st.ExceptionID)

	// toggled off, DbgBreak runs on
	require.NoError(t, d.ToggleBreak(request(tr, []byte{byte(slp.CmdDbgBreakToggle), 0})))
	reply(t, tr)
	require.NoError(t, d.ExitDebugger(c))
	require.NoError(t, c.Reset(true))
	s.ExecuteIncremental()
	require.Zero(t, s.SuspendState().Debugger)
	require.Greater(t, c.Registers().PC, uint32(0x100a))
}

func TestStepSpy(t *testing.T) {
	d, c, s := makeDebugger(t)
	c.Put32(0x6000, 0xaaaa)
	d.mu.Lock()
	d.stepSpy, d.ssAddr, d.ssValue = true, 0x6000, 0xaaaa
	d.mu.Unlock()
	s.InstallDataBreaks()

	require.NoError(t, c.WriteUint(0x6100, 4, cpu.PROT_WRITE, 1))
	_, err := s.ExecuteSpecial(true)
	require.NoError(t, err)

	require.NoError(t, c.WriteUint(0x6002, 2, cpu.PROT_WRITE, 0xbbbb))
	_, err = s.ExecuteSpecial(true)
	var serr *StepSpyError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, uint32(0xbbbb), serr.New)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func serve(t *testing.T, r *slp.Router, tr *fakeTransport, body ...byte) []byte {
	tr.in.Write(slp.EncodeFrame(slp.Header{Dest: slp.SocketDebugger, Src: slp.SocketDebugger}, body, false))
	require.NoError(t, slp.NewPacket(tr, r).HandleDataReceived(context.Background()))
	if tr.out.Len() == 0 {
		return nil
	}
	return reply(t, tr)
}

func TestDebuggerSocketGate(t *testing.T) {
	d, _, s := makeDebugger(t)
	s.CreateThread(false)
	t.Cleanup(s.DestroyThread)
	r := slp.NewRouter(s)
	r.Handle(slp.SocketDebugger, d)
	tr := &fakeTransport{}

	require.Nil(t, serve(t, r, tr, byte(slp.CmdReadRegs), 0))

	got := serve(t, r, tr, byte(slp.CmdState), 0)
	var st StateRsp
	_, err := unpack(got, &st)
	require.NoError(t, err)
	require.Equal(t, uint8(0x80), st.Command)
	require.True(t, st.Resetted)
	require.Equal(t, uint16(ExcSoftBreak*4), st.ExceptionID)
	require.Equal(t, 1, s.SuspendState().Debugger)

	got = serve(t, r, tr, byte(slp.CmdState), 0)
	_, err = unpack(got, &st)
	require.NoError(t, err)
	require.False(t, st.Resetted)

	got = serve(t, r, tr, byte(slp.CmdReadRegs), 0)
	require.Equal(t, uint8(0x85), got[0])

	cont := pack(&ContinueCmd{Command: uint8(slp.CmdContinue), Regs: st.Regs})
	require.Nil(t, serve(t, r, tr, cont...))
	require.Zero(t, s.SuspendState().Debugger)
}

func TestBreakpointEntersDebugger(t *testing.T) {
	d, _, s := makeDebugger(t)
	tr := &fakeTransport{}
	d.Attach(tr)
	require.NoError(t, d.SetBreakpoint(TempBPIndex, 0x1010, nil))
	s.CreateThread(false)
	t.Cleanup(s.DestroyThread)

	waitFor(t, "breakpoint", func() bool { return s.SuspendState().Debugger > 0 })
	var st StateRsp
	_, err := unpack(reply(t, tr), &st)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1010), st.Regs.PC)
	require.False(t, d.Breakpoints()[TempBPIndex].Enabled)
}

func TestConditionalBreakpoint(t *testing.T) {
	d, c, s := makeDebugger(t)
	tr := &fakeTransport{}
	d.Attach(tr)
	cond, err := NewCondition("d0 == 1")
	require.NoError(t, err)
	require.NoError(t, d.SetBreakpoint(0, 0x1004, cond))
	require.True(t, d.Breakpoints()[0].Installed)

	s.ExecuteIncremental()
	require.Zero(t, s.SuspendState().Debugger)

	require.NoError(t, c.Reset(true))
	cpu.SetResult(c, 1)
	s.ExecuteIncremental()
	require.Equal(t, 1, s.SuspendState().Debugger)
	require.Equal(t, uint32(0x1004), c.Registers().PC)
	require.True(t, d.Breakpoints()[0].Enabled)
}

func TestBreakOnTrap(t *testing.T) {
	d, c, s := makeDebugger(t)
	tr := &fakeTransport{}
	d.Attach(tr)
	d.mu.Lock()
	d.trapBreak[0] = 0xa0c0
	d.breakingOnATrap = true
	d.mu.Unlock()
	c.Put32(0x1008, uint32(cpu.OpTrap15)<<16|0xa0c0)

	s.ExecuteIncremental()
	require.Equal(t, 1, s.SuspendState().Debugger)
	require.Equal(t, uint32(0x1008), c.Registers().PC)

	// continuing steps over the trap once
	require.NoError(t, d.ExitDebugger(c))
	s.ExecuteIncremental()
	require.Zero(t, s.SuspendState().Debugger)
	require.Greater(t, c.Registers().PC, uint32(0x100c))
}
