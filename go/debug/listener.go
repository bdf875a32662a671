package debug

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/slp"
)

const (
	DefaultDebuggerPort = 6414
	DefaultRPCPort      = 6415
)

// Attacher receives connections from an external debugger.
type Attacher interface {
	Attach(t slp.Transport)
	Detach(t slp.Transport)
}

// Disconnecter forgets everything it holds for a closed transport.
type Disconnecter interface {
	Disconnected(t slp.Transport)
}

// Listener accepts SLP connections and serves each on its own goroutine.
type Listener struct {
	Router *slp.Router
	Log    *slog.Logger

	// OnConnect and OnClose may be nil.
	OnConnect Attacher
	OnClose   []Disconnecter

	ShortPacketHack bool
	ByteswapHack    bool

	wg sync.WaitGroup
}

// ListenAndServe listens on addr and serves until ctx ends.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx ends, then closes ln and
// waits for open connections to finish.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	log := l.logger()
	log.Info("waiting for connections", "addr", ln.Addr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var conns sync.Map
	defer func() {
		conns.Range(func(k, _ interface{}) bool {
			k.(net.Conn).Close()
			return true
		})
		l.wg.Wait()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		conns.Store(c, struct{}{})
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer conns.Delete(c)
			l.serveConn(ctx, c)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, c net.Conn) {
	log := l.logger().With("remote", c.RemoteAddr())
	log.Info("connection opened")

	sock := NewSocket(c, l.ShortPacketHack, l.ByteswapHack)
	if l.OnConnect != nil {
		l.OnConnect.Attach(sock)
	}
	err := slp.Serve(ctx, sock, l.Router)
	if l.OnConnect != nil {
		l.OnConnect.Detach(sock)
	}
	for _, d := range l.OnClose {
		d.Disconnected(sock)
	}
	c.Close()
	if err != nil && ctx.Err() == nil {
		log.Warn("connection failed", "err", err)
		return
	}
	log.Info("connection closed")
}

func (l *Listener) logger() *slog.Logger {
	if l.Log == nil {
		return slog.Default()
	}
	return l.Log
}
