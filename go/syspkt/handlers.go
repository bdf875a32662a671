package syspkt

import (
	"bytes"
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
	"github.com/palmemu/poser/go/session"
	"github.com/palmemu/poser/go/slp"
)

// low memory vectors left out of the low memory checksum, since the
// debugger itself patches them
const (
	vecTrace  = ExcTrace * 4
	vecTrap0  = ExcTrap0 * 4
	vecTrap15 = ExcTrap15 * 4

	lowMemSize = 0x100
)

func rsp(cmd slp.Command) uint8 {
	return uint8(cmd.Response())
}

// SendState reports registers, breakpoints, the instructions at PC and
// the routine around it.
func (d *Debugger) SendState(p *slp.Packet, m cpu.Cpu) error {
	r := StateRsp{Command: rsp(slp.CmdState)}
	d.mu.Lock()
	r.Resetted = d.firstEntrance
	d.firstEntrance = false
	r.ExceptionID = d.excType
	r.BP = d.bp
	lowMem := d.lowMem
	d.mu.Unlock()

	r.Regs = m.Registers()
	var inst [StateRspInstWords * 2]byte
	if m.MemReadInto(inst[:], uint64(r.Regs.PC)) == nil {
		for i := range r.Inst {
			r.Inst[i] = binary.BigEndian.Uint16(inst[i*2:])
		}
	}
	sym := FindFunction(m, r.Regs.PC&^1)
	r.StartAddr, r.EndAddr = sym.Start, sym.End
	copy(r.Name[:MaxNameLen-1], sym.Name)
	if lowMem.DispatchTableRev != 0 {
		if b, err := m.MemRead(uint64(lowMem.DispatchTableRev), 1); err == nil {
			r.TrapTableRev = b[0]
		}
	}
	return p.SendPacket(pack(&r))
}

// ReadMem answers with the requested bytes. A range that is not entirely
// readable comes back as 0xFF.
func (d *Debugger) ReadMem(p *slp.Packet, m cpu.Cpu) error {
	var c ReadMemCmd
	if _, err := unpack(p.Body(), &c); err != nil {
		return err
	}
	n := int(c.NumBytes)
	if max := slp.MaxBodySize - sizeof(&EmptyRsp{}); n > max {
		n = max
	}
	data := bytes.Repeat([]byte{0xff}, n)
	if n > 0 && m.RangeValid(uint64(c.Address), uint64(n)) {
		if err := m.MemReadInto(data, uint64(c.Address)); err != nil {
			data = bytes.Repeat([]byte{0xff}, n)
		}
	}
	return p.SendPacket(pack(&EmptyRsp{Command: rsp(slp.CmdReadMem)}, data))
}

// WriteMem writes only when the whole range is writable. Writes into low
// memory keep the OS's vector checksum current.
func (d *Debugger) WriteMem(p *slp.Packet, m cpu.Cpu) error {
	var c WriteMemCmd
	data, err := unpack(p.Body(), &c)
	if err != nil {
		return err
	}
	n := int(c.NumBytes)
	if n > 0 && n <= len(data) && m.RangeValid(uint64(c.Address), uint64(n)) {
		if err := m.MemWrite(uint64(c.Address), data[:n]); err != nil {
			return errors.Wrap(err, "write memory")
		}
		if c.Address < lowMemSize {
			d.updateLowMemChecksum(m)
		}
	}
	return d.SendResponse(p, slp.CmdWriteMem.Response())
}

func (d *Debugger) updateLowMemChecksum(m cpu.Cpu) {
	d.mu.Lock()
	addr := d.lowMem.Checksum
	d.mu.Unlock()
	if addr == 0 {
		return
	}
	low, err := m.MemRead(0, lowMemSize)
	if err != nil {
		return
	}
	var sum uint32
	for off := 0; off < lowMemSize; off += 4 {
		switch off {
		case vecTrace, vecTrap0, vecTrap15:
			continue
		}
		sum += binary.BigEndian.Uint32(low[off:])
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)
	if err := m.MemWrite(uint64(addr), b[:]); err != nil {
		d.log.Warn("low memory checksum", "err", err)
	}
}

func (d *Debugger) SendRoutineName(p *slp.Packet, m cpu.Cpu) error {
	var c RtnNameCmd
	if _, err := unpack(p.Body(), &c); err != nil {
		return err
	}
	sym := FindFunction(m, c.Address&^1)
	r := RtnNameRsp{
		Command:   rsp(slp.CmdGetRtnName),
		Address:   c.Address,
		StartAddr: sym.Start,
		EndAddr:   sym.End,
	}
	copy(r.Name[:MaxNameLen-1], sym.Name)
	return p.SendPacket(pack(&r))
}

func (d *Debugger) ReadRegs(p *slp.Packet, m cpu.Cpu) error {
	return p.SendPacket(pack(&RegsBody{Command: rsp(slp.CmdReadRegs), Regs: m.Registers()}))
}

// WriteRegs takes effect when the CPU resumes. A set trace bit breaks
// after the next instruction.
func (d *Debugger) WriteRegs(p *slp.Packet, m cpu.Cpu) error {
	var c RegsBody
	if _, err := unpack(p.Body(), &c); err != nil {
		return err
	}
	m.SetRegisters(c.Regs)
	return d.SendResponse(p, slp.CmdWriteRegs.Response())
}

// Continue loads registers, arms the step spy and leaves the debugger.
// It has no reply.
func (d *Debugger) Continue(p *slp.Packet, m cpu.Cpu) error {
	var c ContinueCmd
	if _, err := unpack(p.Body(), &c); err != nil {
		return err
	}
	m.SetRegisters(c.Regs)
	d.removeWatch()
	d.mu.Lock()
	d.stepSpy = c.StepSpy
	d.ssAddr = c.SSAddr
	d.ssValue = c.SSCheckSum
	d.mu.Unlock()
	d.installWatch()
	return d.ExitDebugger(m)
}

// parseParams reads n RPC parameters. By-reference data is left aliasing
// body so results can be written back in place. It returns the bytes
// consumed.
func parseParams(body []byte, n int) ([]Param, int, error) {
	params := make([]Param, 0, n)
	off := 0
	for i := 0; i < n; i++ {
		var h ParamHead
		rest, err := unpack(body[off:], &h)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "param %d", i)
		}
		size := int(h.Size)
		if size > len(rest) {
			return nil, 0, errors.Wrapf(ErrShortBody, "param %d", i)
		}
		p := Param{ByRef: h.ByRef, Size: size, Data: rest[:size]}
		if !p.ByRef {
			switch size {
			case 1:
				p.Value = uint32(p.Data[0])
			case 2:
				p.Value = uint32(binary.BigEndian.Uint16(p.Data))
			case 4:
				p.Value = binary.BigEndian.Uint32(p.Data)
			default:
				return nil, 0, errors.Errorf("param %d: by-value size %d", i, size)
			}
		}
		params = append(params, p)
		off += sizeof(&h) + (size+1)&^1
		if off > len(body) {
			off = len(body)
		}
	}
	return params, off, nil
}

// RPC calls a ROM trap and answers with the request, updated in place:
// results in D0 and A0 and by-reference parameters as the trap left them.
// SysReset is not called; it resets the machine instead.
func (d *Debugger) RPC(p *slp.Packet, m cpu.Cpu) error {
	body := p.Body()
	var h RPCHead
	rest, err := unpack(body, &h)
	if err != nil {
		return err
	}
	if h.TrapWord == TrapSysReset {
		return &session.ResetError{Kind: session.ResetSoft, Msg: "SysReset by RPC"}
	}
	params, n, err := parseParams(rest, int(h.NumParams))
	if err != nil {
		return err
	}
	d0, a0, err := d.caller.CallTrap(&Call{Trap: h.TrapWord, Params: params})
	if err != nil {
		return err
	}
	h.Command = rsp(slp.CmdRPC)
	h.Filler = 0
	h.ResultD0, h.ResultA0 = d0, a0
	copy(body, pack(&h))
	return p.SendPacket(body[:sizeof(&h)+n])
}

// RPC2 is RPC with registers loaded before the call.
func (d *Debugger) RPC2(p *slp.Packet, m cpu.Cpu) error {
	body := p.Body()
	var h RPC2Head
	rest, err := unpack(body, &h)
	if err != nil {
		return err
	}
	if h.TrapWord == TrapSysReset {
		return &session.ResetError{Kind: session.ResetSoft, Msg: "SysReset by RPC2"}
	}
	call := &Call{Trap: h.TrapWord, DRegs: map[int]uint32{}, ARegs: map[int]uint32{}}
	nregs := bits.OnesCount8(h.DRegMask) + bits.OnesCount8(h.ARegMask)
	if len(rest) < nregs*4+2 {
		return ErrShortBody
	}
	regs := rest
	load := func(mask uint8, into map[int]uint32) {
		for i := 0; i < 8; i++ {
			if mask&(1<<i) != 0 {
				into[i] = binary.BigEndian.Uint32(regs)
				regs = regs[4:]
			}
		}
	}
	load(h.DRegMask, call.DRegs)
	load(h.ARegMask, call.ARegs)
	numParams := binary.BigEndian.Uint16(regs)
	params, n, err := parseParams(regs[2:], int(numParams))
	if err != nil {
		return err
	}
	call.Params = params
	d0, a0, err := d.caller.CallTrap(call)
	if err != nil {
		return err
	}
	h.Command = rsp(slp.CmdRPC2)
	h.Filler = 0
	h.ResultD0, h.ResultA0 = d0, a0
	h.ResultException = 0
	copy(body, pack(&h))
	return p.SendPacket(body[:sizeof(&h)+nregs*4+2+n])
}

func (d *Debugger) GetBreakpoints(p *slp.Packet) error {
	return p.SendPacket(pack(&BreakpointsBody{Command: rsp(slp.CmdGetBreakpoints), BP: d.Breakpoints()}))
}

func (d *Debugger) SetBreakpoints(p *slp.Packet) error {
	var c BreakpointsBody
	if _, err := unpack(p.Body(), &c); err != nil {
		return err
	}
	for i, bp := range c.BP {
		var err error
		if bp.Enabled {
			err = d.SetBreakpoint(i, bp.Addr, nil)
		} else {
			err = d.ClearBreakpoint(i)
		}
		if err != nil {
			return err
		}
	}
	return d.SendResponse(p, slp.CmdSetBreakpoints.Response())
}

func (d *Debugger) ToggleBreak(p *slp.Packet) error {
	d.mu.Lock()
	d.ignoreDbgBreaks = !d.ignoreDbgBreaks
	state := d.ignoreDbgBreaks
	d.mu.Unlock()
	return p.SendPacket(pack(&ToggleBreakRsp{Command: rsp(slp.CmdDbgBreakToggle), NewState: state}))
}

func (d *Debugger) GetTrapBreaks(p *slp.Packet) error {
	d.mu.Lock()
	r := TrapWordsBody{Command: rsp(slp.CmdGetTrapBreaks), Words: d.trapBreak}
	d.mu.Unlock()
	return p.SendPacket(pack(&r))
}

func (d *Debugger) SetTrapBreaks(p *slp.Packet) error {
	var c TrapWordsBody
	if _, err := unpack(p.Body(), &c); err != nil {
		return err
	}
	d.mu.Lock()
	d.trapBreak = c.Words
	d.breakingOnATrap = false
	for _, w := range d.trapBreak {
		if w != 0 {
			d.breakingOnATrap = true
		}
	}
	d.mu.Unlock()
	return d.SendResponse(p, slp.CmdSetTrapBreaks.Response())
}

func (d *Debugger) GetTrapConditions(p *slp.Packet) error {
	d.mu.Lock()
	r := TrapWordsBody{Command: rsp(slp.CmdGetTrapConditions), Words: d.trapParam}
	d.mu.Unlock()
	return p.SendPacket(pack(&r))
}

func (d *Debugger) SetTrapConditions(p *slp.Packet) error {
	var c TrapWordsBody
	if _, err := unpack(p.Body(), &c); err != nil {
		return err
	}
	d.mu.Lock()
	d.trapParam = c.Words
	d.mu.Unlock()
	return d.SendResponse(p, slp.CmdSetTrapConditions.Response())
}

func foldASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}

// Find searches for the pattern starting at each address from FirstAddr
// through LastAddr. Unreadable memory never matches.
func (d *Debugger) Find(p *slp.Packet, m cpu.Cpu) error {
	var c FindCmd
	rest, err := unpack(p.Body(), &c)
	if err != nil {
		return err
	}
	n := int(c.NumBytes)
	if n > len(rest) {
		return ErrShortBody
	}
	pat := append([]byte(nil), rest[:n]...)
	if c.CaseInsensitive {
		for i := range pat {
			pat[i] = foldASCII(pat[i])
		}
	}
	r := FindRsp{Command: rsp(slp.CmdFind)}
	if n > 0 {
		buf := make([]byte, n)
		for a := uint64(c.FirstAddr); a <= uint64(c.LastAddr); a++ {
			if m.MemReadInto(buf, a) != nil {
				continue
			}
			if c.CaseInsensitive {
				for i := range buf {
					buf[i] = foldASCII(buf[i])
				}
			}
			if bytes.Equal(buf, pat) {
				r.Addr, r.Found = uint32(a), true
				break
			}
		}
	}
	return p.SendPacket(pack(&r))
}

// SendMessage writes text to the debugger's console.
func (d *Debugger) SendMessage(p *slp.Packet, msg string) error {
	body := append([]byte{uint8(slp.CmdRemoteMsg), 0}, msg...)
	return p.SendPacket(append(body, 0))
}

// SendResponse answers with a bare response code.
func (d *Debugger) SendResponse(p *slp.Packet, code slp.Command) error {
	return p.SendPacket(pack(&EmptyRsp{Command: uint8(code)}))
}
