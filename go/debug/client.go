package debug

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
	"github.com/palmemu/poser/go/slp"
	"github.com/palmemu/poser/go/syspkt"
)

var ErrUnexpectedReply = errors.New("unexpected reply")

// Client talks to an emulator's debugger or RPC socket the way an
// external debugger would.
type Client struct {
	conn    net.Conn
	src     uint8
	short   bool
	Timeout time.Duration

	// Notify receives packets that arrive unasked, such as the state sent
	// when the emulator enters the debugger. It may be nil.
	Notify func(h slp.Header, body []byte)

	mu    sync.Mutex
	trans uint8
}

func Dial(addr string, short bool) (*Client, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to emulator")
	}
	return NewClient(c, short), nil
}

func NewClient(c net.Conn, short bool) *Client {
	return &Client{conn: c, src: slp.SocketDebugger, short: short, Timeout: 5 * time.Second}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Request sends body to dest and waits for the reply carrying the same
// transaction id.
func (c *Client) Request(dest uint8, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trans++
	if c.trans == 0 {
		c.trans = 1
	}
	h := slp.Header{Dest: dest, Src: c.src, Type: slp.TypeSystem, TransID: c.trans}
	if _, err := c.conn.Write(slp.EncodeFrame(h, body, c.short)); err != nil {
		return nil, errors.Wrap(err, "send")
	}
	for {
		rh, rbody, err := c.read()
		if err != nil {
			return nil, err
		}
		if rh.TransID == c.trans && len(rbody) > 0 && rbody[0] != uint8(slp.CmdRemoteMsg) {
			return rbody, nil
		}
		if c.Notify != nil {
			c.Notify(rh, rbody)
		}
	}
}

// Send writes body without waiting for a reply, for commands like
// Continue that have none.
func (c *Client) Send(dest uint8, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := slp.Header{Dest: dest, Src: c.src, Type: slp.TypeSystem}
	_, err := c.conn.Write(slp.EncodeFrame(h, body, c.short))
	return errors.Wrap(err, "send")
}

// Next waits up to d for an unsolicited packet.
func (c *Client) Next(d time.Duration) (slp.Header, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := c.Timeout
	c.Timeout = d
	defer func() { c.Timeout = saved }()
	return c.read()
}

func (c *Client) read() (slp.Header, []byte, error) {
	if c.Timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.Timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	h, body, f, err := slp.ReadFrame(c.conn, c.short)
	if err != nil {
		return h, nil, errors.Wrap(err, "read reply")
	}
	if err := slp.Verify(h, body, f, c.short); err != nil {
		return h, nil, err
	}
	return h, body, nil
}

func packBody(v interface{}, tail ...[]byte) []byte {
	var buf bytes.Buffer
	struc.Pack(&buf, v)
	for _, t := range tail {
		buf.Write(t)
	}
	return buf.Bytes()
}

func unpackBody(body []byte, cmd slp.Command, v interface{}) ([]byte, error) {
	if len(body) == 0 || body[0] != uint8(cmd.Response()) {
		return nil, errors.Wrapf(ErrUnexpectedReply, "want %v", cmd.Response())
	}
	n, err := struc.Sizeof(v)
	if err != nil {
		return nil, err
	}
	if len(body) < n {
		return nil, syspkt.ErrShortBody
	}
	if err := struc.Unpack(bytes.NewReader(body[:n]), v); err != nil {
		return nil, errors.Wrapf(err, "unpack %T", v)
	}
	return body[n:], nil
}

// ParseState decodes a State response, solicited or not.
func ParseState(body []byte) (*syspkt.StateRsp, error) {
	var r syspkt.StateRsp
	_, err := unpackBody(body, slp.CmdState, &r)
	return &r, err
}

func (c *Client) State() (*syspkt.StateRsp, error) {
	body, err := c.Request(slp.SocketDebugger, packBody(&syspkt.EmptyRsp{Command: uint8(slp.CmdState)}))
	if err != nil {
		return nil, err
	}
	return ParseState(body)
}

func (c *Client) ReadMem(dest uint8, addr uint32, n int) ([]byte, error) {
	body, err := c.Request(dest, packBody(&syspkt.ReadMemCmd{Command: uint8(slp.CmdReadMem), Address: addr, NumBytes: uint16(n)}))
	if err != nil {
		return nil, err
	}
	return unpackBody(body, slp.CmdReadMem, &syspkt.EmptyRsp{})
}

func (c *Client) WriteMem(dest uint8, addr uint32, data []byte) error {
	cmd := &syspkt.WriteMemCmd{Command: uint8(slp.CmdWriteMem), Address: addr, NumBytes: uint16(len(data))}
	body, err := c.Request(dest, packBody(cmd, data))
	if err != nil {
		return err
	}
	_, err = unpackBody(body, slp.CmdWriteMem, &syspkt.EmptyRsp{})
	return err
}

func (c *Client) ReadRegs() (cpu.RegSet, error) {
	body, err := c.Request(slp.SocketDebugger, packBody(&syspkt.EmptyRsp{Command: uint8(slp.CmdReadRegs)}))
	if err != nil {
		return cpu.RegSet{}, err
	}
	var r syspkt.RegsBody
	_, err = unpackBody(body, slp.CmdReadRegs, &r)
	return r.Regs, err
}

func (c *Client) WriteRegs(regs cpu.RegSet) error {
	body, err := c.Request(slp.SocketDebugger, packBody(&syspkt.RegsBody{Command: uint8(slp.CmdWriteRegs), Regs: regs}))
	if err != nil {
		return err
	}
	_, err = unpackBody(body, slp.CmdWriteRegs, &syspkt.EmptyRsp{})
	return err
}

func (c *Client) Continue(regs cpu.RegSet) error {
	return c.Send(slp.SocketDebugger, packBody(&syspkt.ContinueCmd{Command: uint8(slp.CmdContinue), Regs: regs}))
}

func (c *Client) RoutineName(addr uint32) (*syspkt.RtnNameRsp, error) {
	body, err := c.Request(slp.SocketDebugger, packBody(&syspkt.RtnNameCmd{Command: uint8(slp.CmdGetRtnName), Address: addr}))
	if err != nil {
		return nil, err
	}
	var r syspkt.RtnNameRsp
	_, err = unpackBody(body, slp.CmdGetRtnName, &r)
	return &r, err
}

func (c *Client) Breakpoints() ([syspkt.TotalBreakpoints]syspkt.Breakpoint, error) {
	var r syspkt.BreakpointsBody
	body, err := c.Request(slp.SocketDebugger, packBody(&syspkt.EmptyRsp{Command: uint8(slp.CmdGetBreakpoints)}))
	if err != nil {
		return r.BP, err
	}
	_, err = unpackBody(body, slp.CmdGetBreakpoints, &r)
	return r.BP, err
}

func (c *Client) SetBreakpoints(bp [syspkt.TotalBreakpoints]syspkt.Breakpoint) error {
	body, err := c.Request(slp.SocketDebugger, packBody(&syspkt.BreakpointsBody{Command: uint8(slp.CmdSetBreakpoints), BP: bp}))
	if err != nil {
		return err
	}
	_, err = unpackBody(body, slp.CmdSetBreakpoints, &syspkt.EmptyRsp{})
	return err
}

func (c *Client) Find(first, last uint32, pat []byte, fold bool) (uint32, bool, error) {
	cmd := &syspkt.FindCmd{
		Command:         uint8(slp.CmdFind),
		FirstAddr:       first,
		LastAddr:        last,
		NumBytes:        uint16(len(pat)),
		CaseInsensitive: fold,
	}
	body, err := c.Request(slp.SocketDebugger, packBody(cmd, pat))
	if err != nil {
		return 0, false, err
	}
	var r syspkt.FindRsp
	_, err = unpackBody(body, slp.CmdFind, &r)
	return r.Addr, r.Found, err
}

// Call runs trap through an RPC packet. By-reference parameters are
// updated from the reply.
func (c *Client) Call(dest uint8, trap uint16, params ...*syspkt.Param) (d0, a0 uint32, err error) {
	var tail bytes.Buffer
	for _, p := range params {
		data := p.Data
		if !p.ByRef {
			data = make([]byte, p.Size)
			switch p.Size {
			case 1:
				data[0] = uint8(p.Value)
			case 2:
				binary.BigEndian.PutUint16(data, uint16(p.Value))
			case 4:
				binary.BigEndian.PutUint32(data, p.Value)
			default:
				return 0, 0, errors.Errorf("by-value size %d", p.Size)
			}
		}
		struc.Pack(&tail, &syspkt.ParamHead{ByRef: p.ByRef, Size: uint8(len(data))})
		tail.Write(data)
		if len(data)&1 != 0 {
			tail.WriteByte(0)
		}
	}
	head := &syspkt.RPCHead{Command: uint8(slp.CmdRPC), TrapWord: trap, NumParams: uint16(len(params))}
	body, err := c.Request(dest, packBody(head, tail.Bytes()))
	if err != nil {
		return 0, 0, err
	}
	var r syspkt.RPCHead
	rest, err := unpackBody(body, slp.CmdRPC, &r)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range params {
		n := 2 + (len(p.Data)+1)&^1
		if !p.ByRef {
			n = 2 + (p.Size+1)&^1
		} else if len(rest) >= 2+len(p.Data) {
			copy(p.Data, rest[2:2+len(p.Data)])
		}
		if n > len(rest) {
			break
		}
		rest = rest[n:]
	}
	return r.ResultD0, r.ResultA0, nil
}

// Remote is the set of debugger requests a Client makes.
type Remote interface {
	State() (*syspkt.StateRsp, error)
	ReadMem(dest uint8, addr uint32, n int) ([]byte, error)
	WriteMem(dest uint8, addr uint32, data []byte) error
	ReadRegs() (cpu.RegSet, error)
	WriteRegs(regs cpu.RegSet) error
	Continue(regs cpu.RegSet) error
	RoutineName(addr uint32) (*syspkt.RtnNameRsp, error)
	Breakpoints() ([syspkt.TotalBreakpoints]syspkt.Breakpoint, error)
	SetBreakpoints(bp [syspkt.TotalBreakpoints]syspkt.Breakpoint) error
	Find(first, last uint32, pat []byte, fold bool) (uint32, bool, error)
	Call(dest uint8, trap uint16, params ...*syspkt.Param) (d0, a0 uint32, err error)
	Next(d time.Duration) (slp.Header, []byte, error)
}

var _ Remote = (*Client)(nil)
