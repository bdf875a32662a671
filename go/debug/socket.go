package debug

import (
	"net"
	"sync"
)

// Socket carries SLP packets over a TCP connection. Writes are serialized
// since deferred RPC replies are sent from outside the connection's own
// goroutine.
type Socket struct {
	net.Conn
	wmu   sync.Mutex
	short bool
	swap  bool
}

func NewSocket(c net.Conn, short, swap bool) *Socket {
	return &Socket{Conn: c, short: short, swap: swap}
}

func (s *Socket) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.Conn.Write(p)
}

func (s *Socket) ShortPacketHack() bool { return s.short }
func (s *Socket) ByteswapHack() bool    { return s.swap }
