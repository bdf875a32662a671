// Package savestate snapshots the emulated machine: registers and every
// mapped page.
//
// A snapshot is a header
//
//	[4]byte "PSNP"
//	uint32  format version
//	uint32  crc32 of the compressed body
//	uint32  length of the compressed body
//
// followed by a snappy stream holding the RegSet, a page count, and for
// each page its address, size, protection, description and contents.
package savestate

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
)

const Version = 1

var (
	Magic = [4]byte{'P', 'S', 'N', 'P'}

	ErrBadMagic   = errors.New("savestate: not a snapshot")
	ErrBadVersion = errors.New("savestate: unsupported version")
	ErrBadCRC     = errors.New("savestate: checksum mismatch")
)

type header struct {
	Magic   [4]byte
	Version uint32
	CRC     uint32
	Len     uint32
}

type pageHeader struct {
	Addr    uint32
	Size    uint32
	Prot    uint32
	DescLen int `struc:"uint16,sizeof=Desc"`
	Desc    string
}

func Save(c cpu.Cpu) ([]byte, error) {
	var body bytes.Buffer
	zw := snappy.NewBufferedWriter(&body)
	s := strucStream{w: zw, order: binary.BigEndian}

	regs := c.Registers()
	pages := c.Mappings()
	if err := s.Pack(&regs, uint32(len(pages))); err != nil {
		return nil, errors.Wrap(err, "pack registers")
	}
	for _, p := range pages {
		ph := pageHeader{Addr: uint32(p.Addr), Size: uint32(p.Size), Prot: uint32(p.Prot), Desc: p.Desc}
		if err := s.Pack(&ph); err != nil {
			return nil, errors.Wrap(err, "pack page")
		}
		mem, err := c.MemRead(p.Addr, p.Size)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		if _, err := zw.Write(mem); err != nil {
			return nil, errors.Wrapf(err, "compress %s", p)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compress")
	}

	var out bytes.Buffer
	h := header{Magic: Magic, Version: Version, CRC: crc32.ChecksumIEEE(body.Bytes()), Len: uint32(body.Len())}
	hs := strucStream{w: &out, order: binary.BigEndian}
	if err := hs.Pack(&h); err != nil {
		return nil, errors.Wrap(err, "pack header")
	}
	if _, err := body.WriteTo(&out); err != nil {
		return nil, errors.Wrap(err, "write body")
	}
	return out.Bytes(), nil
}

// Load replaces c's memory map and registers with the snapshot's.
func Load(c cpu.Cpu, data []byte) error {
	in := bytes.NewBuffer(data)
	var h header
	if err := (&strucStream{r: in, order: binary.BigEndian}).Unpack(&h); err != nil {
		return errors.Wrap(ErrBadMagic, err.Error())
	}
	switch {
	case h.Magic != Magic:
		return ErrBadMagic
	case h.Version != Version:
		return errors.Wrapf(ErrBadVersion, "version %d", h.Version)
	case int(h.Len) > in.Len():
		return errors.Wrap(ErrBadCRC, "truncated")
	}
	body := in.Bytes()[:h.Len]
	if crc32.ChecksumIEEE(body) != h.CRC {
		return ErrBadCRC
	}

	zr := snappy.NewReader(bytes.NewReader(body))
	s := strucStream{r: zr, order: binary.BigEndian}
	var regs cpu.RegSet
	var count uint32
	if err := s.Unpack(&regs, &count); err != nil {
		return errors.Wrap(err, "unpack registers")
	}

	old := append(cpu.Pages(nil), c.Mappings()...)
	for _, p := range old {
		if err := c.MemUnmap(p.Addr, p.Size); err != nil {
			return errors.Wrapf(err, "unmap %s", p)
		}
	}
	for i := uint32(0); i < count; i++ {
		var ph pageHeader
		if err := s.Unpack(&ph); err != nil {
			return errors.Wrapf(err, "unpack page %d", i)
		}
		mem := make([]byte, ph.Size)
		if _, err := io.ReadFull(zr, mem); err != nil {
			return errors.Wrapf(err, "page %d contents", i)
		}
		if err := c.MemMap(uint64(ph.Addr), uint64(ph.Size), int(ph.Prot), ph.Desc); err != nil {
			return errors.Wrapf(err, "map page %d", i)
		}
		if err := c.MemWrite(uint64(ph.Addr), mem); err != nil {
			return errors.Wrapf(err, "restore page %d", i)
		}
	}
	c.SetRegisters(regs)
	return nil
}
