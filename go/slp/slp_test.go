package slp

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/palmemu/poser/go/cpu/stub"
	"github.com/palmemu/poser/go/models/cpu"
	"github.com/palmemu/poser/go/session"
)

type fakeTransport struct {
	in          bytes.Buffer
	out         bytes.Buffer
	short, swap bool
}

func (f *fakeTransport) Read(p []byte) (int, error)  { return f.in.Read(p) }
func (f *fakeTransport) Write(p []byte) (int, error) { return f.out.Write(p) }
func (f *fakeTransport) ShortPacketHack() bool       { return f.short }
func (f *fakeTransport) ByteswapHack() bool          { return f.swap }

func refSum(b []byte) uint8 {
	var n int
	for _, v := range b {
		n += int(v)
	}
	return uint8(n % 256)
}

// bit at a time, no table
func refCRC(crc uint16, b []byte) uint16 {
	for _, v := range b {
		for i := 7; i >= 0; i-- {
			bit := (v>>uint(i))&1 != 0
			top := crc&0x8000 != 0
			crc <<= 1
			if top != bit {
				crc ^= 0x1021
			}
		}
	}
	return crc
}

func TestCRCKnownValue(t *testing.T) {
	require.Equal(t, uint16(0x31c3), CRC16(0, []byte("123456789")))
}

func TestChecksumsRandom(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 64; i++ {
		body := make([]byte, 2+r.Intn(MaxBodySize-2))
		r.Read(body)
		h := Header{Dest: uint8(r.Intn(256)), Src: uint8(r.Intn(256)), TransID: uint8(r.Intn(256))}
		frame := EncodeFrame(h, body, false)

		require.Equal(t, refSum(frame[:9]), frame[9], "header checksum #%d", i)
		crc := uint16(frame[len(frame)-2])<<8 | uint16(frame[len(frame)-1])
		require.Equal(t, refCRC(0, frame[:HeaderSize+len(body)]), crc, "footer crc #%d", i)
		require.Equal(t, refCRC(refCRC(0, frame[:HeaderSize]), body), CRC16(CRC16(0, frame[:HeaderSize]), body))
	}
}

func TestFrameRoundTrip(t *testing.T) {
	body := []byte{byte(CmdReadMem), 0, 0, 0, 0x10, 0, 0, 16}
	frame := EncodeFrame(Header{Dest: SocketRPC, Src: 3, TransID: 9}, body, false)
	require.Len(t, frame, HeaderSize+len(body)+FooterSize)

	h, got, f, err := ReadFrame(bytes.NewReader(frame), false)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.Equal(t, uint8(SocketRPC), h.Dest)
	require.Equal(t, uint8(9), h.TransID)
	require.NoError(t, Verify(h, got, f, false))

	frame[HeaderSize] ^= 0xff
	h, got, f, err = ReadFrame(bytes.NewReader(frame), false)
	require.NoError(t, err)
	require.Equal(t, ErrBadCRC, Verify(h, got, f, false))
}

func TestShortFrames(t *testing.T) {
	body := []byte{byte(CmdState), 0}
	frame := EncodeFrame(Header{}, body, true)
	require.Len(t, frame, HeaderSize+len(body))
	_, got, _, err := ReadFrame(bytes.NewReader(frame), true)
	require.NoError(t, err)
	require.Equal(t, body, got)

	_, _, _, err = ReadFrame(bytes.NewReader(frame[:5]), true)
	require.Equal(t, ErrShortHeader, err)
	_, _, _, err = ReadFrame(bytes.NewReader(nil), true)
	require.Equal(t, io.EOF, err)
}

func TestBadHeaders(t *testing.T) {
	frame := EncodeFrame(Header{}, []byte{0, 0}, false)
	frame[0] = 0
	_, _, _, err := ReadFrame(bytes.NewReader(frame), false)
	require.Equal(t, ErrBadSignature, err)

	h := Header{Signature1: Signature1, Signature2: Signature2, BodySize: MaxBodySize + 1}
	h.Seal()
	_, _, _, err = ReadFrame(bytes.NewReader(h.Pack()), false)
	require.Equal(t, ErrBodyTooLarge, err)
}

func TestReplyHeader(t *testing.T) {
	tr := &fakeTransport{}
	tr.in.Write(EncodeFrame(Header{Dest: SocketRPC, Src: 3, TransID: 0x42}, []byte{0xff}, false))
	p := NewPacket(tr, nil)
	// a one-byte body is read but never routed
	require.NoError(t, p.HandleDataReceived(context.Background()))
	require.True(t, p.HavePacket())

	require.NoError(t, p.SendPacket([]byte{byte(CmdReadMem.Response()), 0}))
	h, _, f, err := ReadFrame(&tr.out, false)
	require.NoError(t, err)
	require.Equal(t, uint8(3), h.Dest)
	require.Equal(t, uint8(SocketRPC), h.Src)
	require.Equal(t, uint8(0x42), h.TransID)
	require.Equal(t, uint8(TypeSystem), h.Type)
	require.NotZero(t, f.CRC16)

	// unsolicited packets go debugger to debugger
	p = NewPacket(tr, nil)
	require.NoError(t, p.SendPacket([]byte{byte(CmdRemoteMsg), 0, 'h', 'i', 0}))
	h, _, _, err = ReadFrame(&tr.out, false)
	require.NoError(t, err)
	require.Equal(t, uint8(SocketDebugger), h.Dest)
	require.Equal(t, uint8(SocketDebugger), h.Src)
}

func TestDeferReply(t *testing.T) {
	tr := &fakeTransport{}
	p := NewPacket(tr, nil)
	p.DeferReply(true)
	require.NoError(t, p.SendPacket([]byte{0x80, 0}))
	require.Zero(t, tr.out.Len())
	p.DeferReply(false)
	require.NoError(t, p.SendPacket([]byte{0x80, 0}))
	require.NotZero(t, tr.out.Len())
}

func TestByteswapHack(t *testing.T) {
	tr := &fakeTransport{swap: true}
	p := NewPacket(tr, nil)
	body := []byte{byte(CmdRPC.Response()), 0, 0xa0, 0x01, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0, 0}
	require.NoError(t, p.SendPacket(body))
	_, got, _, err := ReadFrame(&tr.out, false)
	require.NoError(t, err)
	require.Equal(t, []byte{0x44, 0x33, 0x22, 0x11, 0x88, 0x77, 0x66, 0x55}, got[4:12])
	require.Equal(t, []byte{0xa0, 0x01}, got[2:4])
	// the caller's buffer is left alone
	require.Equal(t, byte(0x11), body[4])

	regs := make([]byte, 2+cpu.RegSetSize)
	regs[0] = byte(CmdReadRegs.Response())
	regs[2], regs[5] = 1, 2
	regs[74], regs[75] = 0x27, 0x00
	require.NoError(t, p.SendPacket(regs))
	_, got, _, err = ReadFrame(&tr.out, false)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0, 0, 1}, got[2:6])
	require.Equal(t, []byte{0x00, 0x27}, got[74:76])

	// other commands and RPC2 are sent as is
	rpc2 := append([]byte{byte(CmdRPC2.Response())}, body[1:]...)
	require.NoError(t, p.SendPacket(rpc2))
	_, got, _, err = ReadFrame(&tr.out, false)
	require.NoError(t, err)
	require.Equal(t, rpc2, got)
}

type recordingHandler struct {
	calls   int
	stopped bool
	err     error
	rejects int

	// failFirst is returned by the first call only
	failFirst error
}

func (h *recordingHandler) HandleNewPacket(ctx context.Context, p *Packet, st *session.Stopper) error {
	h.calls++
	h.stopped = st.Stopped()
	if h.calls == 1 && h.failFirst != nil {
		return h.failFirst
	}
	if h.err == nil {
		return p.SendPacket([]byte{byte(p.Command().Response()), 0})
	}
	return h.err
}

func (h *recordingHandler) Reject(p *Packet) error {
	h.rejects++
	return nil
}

func makeRouter(t *testing.T, opts ...RouterOption) (*Router, *stub.StubCpu) {
	c, err := (&stub.Builder{}).New()
	require.NoError(t, err)
	require.NoError(t, c.MemMap(0, 0x10000, cpu.PROT_ALL, "ram"))
	c.Put32(4, 0x1000)
	c.Reset(true)
	s := session.New(c)
	s.CreateThread(false)
	t.Cleanup(s.DestroyThread)
	return NewRouter(s, opts...), c
}

func send(tr *fakeTransport, dest uint8, body ...byte) {
	tr.in.Write(EncodeFrame(Header{Dest: dest, Src: 2}, body, tr.short))
}

func TestRouterDispatch(t *testing.T) {
	r, _ := makeRouter(t)
	dbg := &recordingHandler{}
	r.Handle(SocketDebugger, dbg)

	tr := &fakeTransport{}
	send(tr, SocketDebugger, byte(CmdState), 0)
	send(tr, 9, byte(CmdState), 0)
	send(tr, SocketDebugger, byte(CmdState))

	p := NewPacket(tr, r)
	require.NoError(t, p.HandleDataReceived(context.Background()))
	require.Equal(t, 1, dbg.calls)
	require.True(t, dbg.stopped)

	p = NewPacket(tr, r)
	require.Equal(t, ErrWrongDestSocket, p.HandleDataReceived(context.Background()))

	p = NewPacket(tr, r)
	require.NoError(t, p.HandleDataReceived(context.Background()))
	require.Equal(t, 1, dbg.calls, "undersized body was dispatched")

	_, body, _, err := ReadFrame(&tr.out, false)
	require.NoError(t, err)
	require.Equal(t, byte(CmdState.Response()), body[0])
	require.Zero(t, tr.out.Len())
}

func TestRouterResetsOnce(t *testing.T) {
	r, c := makeRouter(t)
	dbg := &recordingHandler{err: &session.ResetError{Kind: session.ResetSoft, Msg: "SysReset"}}
	r.Handle(SocketDebugger, dbg)

	resets := func() int {
		st, err := r.Session().Suspend(context.Background(), session.StopNow)
		require.NoError(t, err)
		defer st.Release()
		return c.Resets
	}
	before := resets()

	tr := &fakeTransport{}
	send(tr, SocketDebugger, byte(CmdRPC), 0)
	err := NewPacket(tr, r).HandleDataReceived(context.Background())
	_, ok := session.AsReset(err)
	require.True(t, ok, "reset error not passed up: %v", err)
	require.Equal(t, before+1, resets())

	// Serve reports the reset and moves on to the next packet
	send(tr, SocketDebugger, byte(CmdRPC), 0)
	send(tr, SocketDebugger, byte(CmdRPC), 0)
	require.NoError(t, Serve(context.Background(), tr, r))
	require.Equal(t, 3, dbg.calls)
	require.Equal(t, before+3, resets())
}

func TestMalformedBodyKeepsConnection(t *testing.T) {
	r, _ := makeRouter(t)
	dbg := &recordingHandler{failFirst: errors.New("param 0: by-value size 3")}
	r.Handle(SocketDebugger, dbg)

	tr := &fakeTransport{}
	send(tr, SocketDebugger, byte(CmdRPC), 0, 0xa0, 0x10, 0, 1, 0, 3, 1, 2, 3, 0)
	send(tr, SocketDebugger, byte(CmdReadMem), 0)
	require.NoError(t, Serve(context.Background(), tr, r))
	require.Equal(t, 2, dbg.calls)

	_, body, _, err := ReadFrame(&tr.out, false)
	require.NoError(t, err)
	require.Equal(t, byte(CmdReadMem.Response()), body[0])
	require.Zero(t, tr.out.Len(), "the malformed packet was answered")
}

type failingWriter struct {
	fakeTransport
}

func (f *failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSendFailureEndsServe(t *testing.T) {
	r, _ := makeRouter(t)
	r.Handle(SocketDebugger, &recordingHandler{})

	tr := &failingWriter{}
	tr.in.Write(EncodeFrame(Header{Dest: SocketDebugger, Src: 2}, []byte{byte(CmdState), 0}, false))
	err := Serve(context.Background(), tr, r)
	require.Error(t, err)
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestRouterDropsUnservedPackets(t *testing.T) {
	// the stub never reaches a system call
	r, _ := makeRouter(t, WithSysCallTimeout(20*time.Millisecond))
	rpc := &recordingHandler{}
	r.Handle(SocketRPC, rpc)

	tr := &fakeTransport{}
	send(tr, SocketRPC, byte(CmdReadMem), 0)
	require.NoError(t, NewPacket(tr, r).HandleDataReceived(context.Background()))
	require.Zero(t, rpc.calls)
	require.Zero(t, rpc.rejects)
	require.Zero(t, tr.out.Len())

	r.reject = true
	send(tr, SocketRPC, byte(CmdReadMem), 0)
	require.NoError(t, NewPacket(tr, r).HandleDataReceived(context.Background()))
	require.Zero(t, rpc.calls)
	require.Equal(t, 1, rpc.rejects)
}

func TestCommandNames(t *testing.T) {
	require.Equal(t, "ReadMem", CmdReadMem.String())
	require.Equal(t, "RPC2Rsp", CmdRPC2.Response().String())
	require.Equal(t, "RemoteMsg", CmdRemoteMsg.String())
	require.Equal(t, "Command(0x42)", Command(0x42).String())
}
