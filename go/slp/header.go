package slp

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	Signature1 = 0xBEEF
	Signature2 = 0xED

	// TypeSystem is the only packet type the emulator speaks.
	TypeSystem = 0

	HeaderSize = 10
	FooterSize = 2

	// MaxBodySize bounds every system packet body.
	MaxBodySize = 272

	// checksumOffset is where the header checksum lives; it covers every
	// byte before it.
	checksumOffset = 9
)

// socket ids
const (
	SocketDebugger = 0
	SocketConsole  = 1
	// SocketRPC is the first dynamic socket (4) plus ten.
	SocketRPC = 14
)

var (
	ErrShortHeader     = errors.New("slp: short header")
	ErrBadSignature    = errors.New("slp: bad header signature")
	ErrBodyTooLarge    = errors.New("slp: body too large")
	ErrWrongDestSocket = errors.New("slp: wrong destination socket")
	ErrBadChecksum     = errors.New("slp: header checksum mismatch")
	ErrBadCRC          = errors.New("slp: footer crc mismatch")
)

// InternalError is a failure the connection cannot get past, such as a
// reply that could not be written. Dispatch passes it up; any other
// handler error only costs the packet.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return e.Err.Error() }
func (e *InternalError) Unwrap() error { return e.Err }

// Internal marks err as an InternalError. It returns nil for nil.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Err: err}
}

type Header struct {
	Signature1 uint16
	Signature2 uint8
	Dest       uint8
	Src        uint8
	Type       uint8
	BodySize   uint16
	TransID    uint8
	Checksum   uint8
}

type Footer struct {
	CRC16 uint16
}

func (h *Header) Pack() []byte {
	var buf bytes.Buffer
	// fixed-size struct of fixed-size fields
	struc.Pack(&buf, h)
	return buf.Bytes()
}

func UnpackHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrShortHeader
	}
	err := struc.Unpack(bytes.NewReader(b[:HeaderSize]), &h)
	return h, errors.Wrap(err, "unpack header")
}

// Seal fills in the checksum over the packed header.
func (h *Header) Seal() {
	h.Checksum = 0
	h.Checksum = Checksum(0, h.Pack()[:checksumOffset])
}

func (h *Header) Valid() error {
	if h.Signature1 != Signature1 || h.Signature2 != Signature2 {
		return ErrBadSignature
	}
	if h.BodySize > MaxBodySize {
		return ErrBodyTooLarge
	}
	return nil
}

// Checksum continues a byte sum from start.
func Checksum(start uint8, b []byte) uint8 {
	for _, v := range b {
		start += v
	}
	return start
}

var crcTable [256]uint16

func init() {
	for i := range crcTable {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 continues a CRC-16/CCITT (polynomial 0x1021, MSB first) from seed.
// The footer CRC is seeded with 0 over the header and continued over the
// body.
func CRC16(seed uint16, b []byte) uint16 {
	crc := seed
	for _, v := range b {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^v]
	}
	return crc
}
