// Package rpc serves the RPC socket. A packet whose trap waits for a host
// signal is kept with its reply deferred until the signal arrives or its
// timeout runs out.
package rpc

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/palmemu/poser/go/session"
	"github.com/palmemu/poser/go/slp"
	"github.com/palmemu/poser/go/syspkt"
)

// HostErrTimeout is the D0 of a reply whose wait timed out.
const HostErrTimeout = 0x1C08

const (
	rpcD0     = 4
	rpcA0     = 8
	rpcParam0 = 14 // first parameter header
	rpc2Exc   = 12
	rpc2Regs  = 16 // register block after the masks
	rpc2DMask = 14
	rpc2AMask = 15
)

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock replaces time.Now for timeouts.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type waiter struct {
	p       *slp.Packet
	size    int
	start   time.Time
	timeout time.Duration
}

// Manager owns the packets waiting on a host signal.
type Manager struct {
	d   *syspkt.Debugger
	s   *session.Session
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	current *slp.Packet
	waiting []waiter
}

// New serves the RPC socket with d's handlers.
func New(d *syspkt.Debugger, opts ...Option) *Manager {
	m := &Manager{d: d, s: d.Session(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = m.s.Logger()
	}
	m.log = m.log.With("component", "rpc")
	return m
}

// HandleNewPacket answers ReadMem, WriteMem, RPC and RPC2. Other commands
// are ignored.
func (m *Manager) HandleNewPacket(ctx context.Context, p *slp.Packet, st *session.Stopper) error {
	cpu, err := st.Machine()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
	}()

	switch cmd := p.Command(); cmd {
	case slp.CmdReadMem:
		return m.d.ReadMem(p, cpu)
	case slp.CmdWriteMem:
		return m.d.WriteMem(p, cpu)
	case slp.CmdRPC:
		return m.d.RPC(p, cpu)
	case slp.CmdRPC2:
		return m.d.RPC2(p, cpu)
	default:
		m.log.Debug("ignoring command", "cmd", cmd)
	}
	return nil
}

// HandlingPacket reports whether an RPC packet is being handled, so a
// trap run for it can defer its reply.
func (m *Manager) HandlingPacket() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// DeferCurrentPacket holds back the reply to the packet being handled
// until a signal or timeout.
func (m *Manager) DeferCurrentPacket(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.current
	if p == nil {
		return
	}
	p.DeferReply(true)
	m.waiting = append(m.waiting, waiter{
		p:       p,
		size:    int(p.Header().BodySize),
		start:   m.now(),
		timeout: timeout,
	})
	m.log.Debug("deferred reply", "cmd", p.Command(), "timeout", timeout)
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// send replies to a waiting packet once its body has been filled in.
func (m *Manager) send(w waiter) error {
	w.p.DeferReply(false)
	body := w.p.Body()
	if w.size < len(body) {
		body = body[:w.size]
	}
	return w.p.SendPacket(body)
}

// Idle answers every packet whose wait has timed out with HostErrTimeout.
// A packet still being handled is left for the next pass.
func (m *Manager) Idle() {
	now := m.now()
	m.mu.Lock()
	var expired []waiter
	kept := m.waiting[:0]
	for _, w := range m.waiting {
		if w.p != m.current && now.Sub(w.start) > w.timeout {
			expired = append(expired, w)
		} else {
			kept = append(kept, w)
		}
	}
	m.waiting = kept
	m.mu.Unlock()

	for _, w := range expired {
		body := w.p.Body()
		binary.BigEndian.PutUint32(body[rpcD0:], HostErrTimeout)
		binary.BigEndian.PutUint32(body[rpcA0:], 0)
		if slp.Command(body[0]) == slp.CmdRPC2.Response() {
			binary.BigEndian.PutUint16(body[rpc2Exc:], 0)
		}
		if err := m.send(w); err != nil {
			m.log.Warn("timeout reply", "err", err)
		}
		m.log.Debug("wait timed out", "timeout", w.timeout)
	}
}

// signalOffset is where the signal goes in a reply: the first parameter's
// value for RPC, the first stack parameter after the registers for RPC2.
func signalOffset(body []byte) int {
	if slp.Command(body[0]) == slp.CmdRPC2.Response() {
		n := bits.OnesCount8(body[rpc2DMask]) + bits.OnesCount8(body[rpc2AMask])
		return rpc2Regs + 4*n + 2 + 2
	}
	return rpcParam0 + 2
}

// SignalWaiters answers every waiting packet with signal. The CPU is
// suspended for the client once any reply went out.
func (m *Manager) SignalWaiters(signal uint32) {
	m.mu.Lock()
	var waiting []waiter
	kept := m.waiting[:0]
	for _, w := range m.waiting {
		if w.p == m.current {
			kept = append(kept, w)
		} else {
			waiting = append(waiting, w)
		}
	}
	m.waiting = kept
	m.mu.Unlock()

	sent := false
	for _, w := range waiting {
		body := w.p.Body()
		binary.BigEndian.PutUint32(body[rpcD0:], 0)
		binary.BigEndian.PutUint32(body[rpcA0:], 0)
		if slp.Command(body[0]) == slp.CmdRPC2.Response() {
			binary.BigEndian.PutUint16(body[rpc2Exc:], 0)
		}
		if off := signalOffset(body); off+4 <= len(body) {
			binary.BigEndian.PutUint32(body[off:], signal)
		}
		if err := m.send(w); err != nil {
			m.log.Warn("signal reply", "signal", signal, "err", err)
			continue
		}
		sent = true
	}
	if sent {
		m.s.ScheduleSuspendExternal()
	}
}

// Disconnected drops the packets waiting on t.
func (m *Manager) Disconnected(t slp.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.waiting[:0]
	for _, w := range m.waiting {
		if w.p.Transport() != t {
			kept = append(kept, w)
		}
	}
	m.waiting = kept
}

// Reject answers an RPC packet the router could not serve as if its wait
// had timed out.
func (m *Manager) Reject(p *slp.Packet) error {
	body := p.Body()
	switch p.Command() {
	case slp.CmdRPC:
		if len(body) < rpcParam0 {
			return nil
		}
		body[0] = uint8(slp.CmdRPC.Response())
	case slp.CmdRPC2:
		if len(body) < rpc2Regs {
			return nil
		}
		body[0] = uint8(slp.CmdRPC2.Response())
		binary.BigEndian.PutUint16(body[rpc2Exc:], 0)
	default:
		return nil
	}
	binary.BigEndian.PutUint32(body[rpcD0:], HostErrTimeout)
	binary.BigEndian.PutUint32(body[rpcA0:], 0)
	return p.SendPacket(body)
}
