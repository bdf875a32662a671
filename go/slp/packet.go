package slp

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Transport is a byte stream carrying SLP packets. The two hacks keep old
// clients working: ShortPacketHack drops the footer in both directions and
// ByteswapHack re-introduces a byte order bug in some responses.
type Transport interface {
	io.ReadWriter
	ShortPacketHack() bool
	ByteswapHack() bool
}

// ReadFrame reads one packet. A clean EOF before the header is returned as
// io.EOF; a partial header is ErrShortHeader.
func ReadFrame(r io.Reader, short bool) (Header, []byte, Footer, error) {
	var footer Footer
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = ErrShortHeader
		}
		return Header{}, nil, footer, err
	}
	header, err := UnpackHeader(hbuf[:])
	if err != nil {
		return header, nil, footer, err
	}
	if err := header.Valid(); err != nil {
		return header, nil, footer, err
	}
	body := make([]byte, header.BodySize)
	if header.BodySize > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return header, nil, footer, errors.Wrap(err, "read body")
		}
	}
	if !short {
		var fbuf [FooterSize]byte
		if _, err := io.ReadFull(r, fbuf[:]); err != nil {
			return header, body, footer, errors.Wrap(err, "read footer")
		}
		footer.CRC16 = uint16(fbuf[0])<<8 | uint16(fbuf[1])
	}
	return header, body, footer, nil
}

// EncodeFrame fills in the signatures, size and checksum of h and returns
// header, body and (unless short) footer as one buffer.
func EncodeFrame(h Header, body []byte, short bool) []byte {
	h.Signature1, h.Signature2 = Signature1, Signature2
	h.BodySize = uint16(len(body))
	h.Seal()
	head := h.Pack()
	crc := CRC16(CRC16(0, head), body)

	out := make([]byte, 0, len(head)+len(body)+FooterSize)
	out = append(out, head...)
	out = append(out, body...)
	if !short {
		out = append(out, byte(crc>>8), byte(crc))
	}
	return out
}

// Verify checks the header checksum and, unless short, the footer CRC.
func Verify(h Header, body []byte, f Footer, short bool) error {
	head := h.Pack()
	if Checksum(0, head[:checksumOffset]) != h.Checksum {
		return ErrBadChecksum
	}
	if !short && CRC16(CRC16(0, head), body) != f.CRC16 {
		return ErrBadCRC
	}
	return nil
}

// Packet is one received packet and the means to answer it.
type Packet struct {
	t      Transport
	router *Router

	header Header
	body   []byte
	footer Footer

	have    bool
	noReply bool
}

func NewPacket(t Transport, r *Router) *Packet {
	return &Packet{t: t, router: r}
}

// NewReceived wraps a packet that was read elsewhere, such as one the RPC
// manager kept for a deferred reply.
func NewReceived(t Transport, h Header, body []byte) *Packet {
	return &Packet{t: t, header: h, body: body, have: true}
}

// HandleDataReceived reads one packet and dispatches it. Bodies shorter
// than a command and filler byte are read and ignored.
func (p *Packet) HandleDataReceived(ctx context.Context) error {
	header, body, footer, err := ReadFrame(p.t, p.t.ShortPacketHack())
	if err != nil {
		return err
	}
	p.header, p.body, p.footer, p.have = header, body, footer, true
	if header.BodySize < 2 {
		return nil
	}
	return p.HandleNewPacket(ctx)
}

// HandleNewPacket routes the packet by destination socket.
func (p *Packet) HandleNewPacket(ctx context.Context) error {
	if p.router == nil {
		return Internal(errors.New("slp: packet has no router"))
	}
	return p.router.Dispatch(ctx, p)
}

// SendPacket answers the packet with body. It does nothing while the reply
// is deferred.
func (p *Packet) SendPacket(body []byte) error {
	if p.noReply {
		return nil
	}
	var h Header
	h.Type = TypeSystem
	if p.have {
		h.Dest, h.Src, h.TransID = p.header.Src, p.header.Dest, p.header.TransID
	} else {
		h.Dest, h.Src = SocketDebugger, SocketDebugger
	}
	out := make([]byte, len(body))
	copy(out, body)
	if p.t.ByteswapHack() {
		byteswapHack(out)
	}
	_, err := p.t.Write(EncodeFrame(h, out, p.t.ShortPacketHack()))
	return Internal(errors.Wrap(err, "send packet"))
}

// DeferReply suppresses (or with false, re-enables) SendPacket.
func (p *Packet) DeferReply(v bool) {
	p.noReply = v
}

func (p *Packet) ReplyDeferred() bool {
	return p.noReply
}

func (p *Packet) HavePacket() bool {
	return p.have
}

func (p *Packet) Header() Header {
	return p.header
}

func (p *Packet) Footer() Footer {
	return p.footer
}

// Body is the received body. Handlers may build their response in place.
func (p *Packet) Body() []byte {
	return p.body
}

func (p *Packet) Command() Command {
	if len(p.body) == 0 {
		return 0
	}
	return Command(p.body[0])
}

func (p *Packet) Transport() Transport {
	return p.t
}

// byteswapHack reverses the RPC result registers and every ReadRegs
// register, which old clients expect in host order.
func byteswapHack(body []byte) {
	if len(body) == 0 {
		return
	}
	swap := func(off, n int) {
		if off+n > len(body) {
			return
		}
		b := body[off : off+n]
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
	}
	switch Command(body[0]) {
	case CmdRPC.Response():
		swap(4, 4)
		swap(8, 4)
	case CmdReadRegs.Response():
		// d0-d7, a0-a6, usp, ssp, pc
		for i := 0; i < 18; i++ {
			swap(2+4*i, 4)
		}
		swap(2+18*4, 2)
	}
}
