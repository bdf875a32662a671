package savestate

import (
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
)

// strucStream packs onto w and unpacks from r. Either side may be nil when
// the stream only goes one way.
type strucStream struct {
	w     io.Writer
	r     io.Reader
	order binary.ByteOrder
}

func (s *strucStream) Pack(vals ...interface{}) error {
	for _, v := range vals {
		if err := struc.PackWithOrder(s.w, v, s.order); err != nil {
			return err
		}
	}
	return nil
}

func (s *strucStream) Unpack(vals ...interface{}) error {
	for _, v := range vals {
		if err := struc.UnpackWithOrder(s.r, v, s.order); err != nil {
			return err
		}
	}
	return nil
}
