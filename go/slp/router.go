package slp

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/session"
)

// Handler serves packets for a socket. It runs while st holds the CPU.
type Handler interface {
	HandleNewPacket(ctx context.Context, p *Packet, st *session.Stopper) error
}

// Rejecter is implemented by handlers that can answer a packet they were
// not allowed to run.
type Rejecter interface {
	Reject(p *Packet) error
}

type RouterOption func(*Router)

func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// WithRejectUnserved answers packets whose suspend failed through the
// handler's Reject instead of dropping them.
func WithRejectUnserved(v bool) RouterOption {
	return func(r *Router) { r.reject = v }
}

// WithSysCallTimeout bounds how long a packet waits for a system call
// checkpoint. Zero waits until the connection goes away.
func WithSysCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.sysCallTimeout = d }
}

// Router suspends the session the way each socket requires and hands the
// packet to that socket's handler.
type Router struct {
	session  *session.Session
	log      *slog.Logger
	handlers map[uint8]Handler

	reject         bool
	sysCallTimeout time.Duration
}

// stopFor is how each socket stops the CPU. The debugger can always stop
// it; the console and RPC need the OS to be callable.
var stopFor = map[uint8]session.StopMethod{
	SocketDebugger: session.StopNow,
	SocketConsole:  session.StopOnSysCall,
	SocketRPC:      session.StopOnSysCall,
}

func NewRouter(s *session.Session, opts ...RouterOption) *Router {
	r := &Router{
		session:  s,
		log:      slog.Default(),
		handlers: make(map[uint8]Handler),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "slp")
	return r
}

// Handle registers h for one of the debugger, console or RPC sockets.
func (r *Router) Handle(socket uint8, h Handler) {
	r.handlers[socket] = h
}

func (r *Router) Session() *session.Session {
	return r.session
}

func (r *Router) Dispatch(ctx context.Context, p *Packet) error {
	h := p.Header()
	how, ok := stopFor[h.Dest]
	handler := r.handlers[h.Dest]
	if !ok || handler == nil {
		r.log.Warn("unknown destination", "dest", h.Dest, "src", h.Src)
		return ErrWrongDestSocket
	}
	r.log.Debug("received packet", "dest", h.Dest, "command", p.Command(), "trans", h.TransID)

	if how == session.StopOnSysCall && r.sysCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sysCallTimeout)
		defer cancel()
	}
	st, err := r.session.Suspend(ctx, how)
	defer st.Release()
	if !st.Stopped() {
		r.log.Warn("dropping packet", "dest", h.Dest, "command", p.Command(), "stop", how, "err", err)
		if rj, ok := handler.(Rejecter); ok && r.reject {
			return rj.Reject(p)
		}
		return nil
	}

	err = handler.HandleNewPacket(ctx, p, st)
	if err == nil {
		return nil
	}
	if rerr, ok := session.AsReset(err); ok {
		r.log.Warn("handler requested reset", "kind", rerr.Kind, "reason", rerr.Msg)
		if err := r.session.Reset(session.ResetSoft); err != nil {
			r.log.Error("reset failed", "err", err)
		}
		return err
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return err
	}
	// malformed bodies and failed calls cost only this packet
	r.log.Warn("dropping packet", "dest", h.Dest, "command", p.Command(), "trans", h.TransID, "err", err)
	return nil
}
