package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotStopped is returned by a permit that does not hold the CPU.
	ErrNotStopped = errors.New("session is not stopped")
	// ErrStopped is returned when the CPU thread is gone.
	ErrStopped = errors.New("session thread is not running")
)

// ResetError asks whoever receives it to reset the emulated machine. It
// travels up through ordinary error returns to the top-level loop.
type ResetError struct {
	Kind ResetKind
	Msg  string
}

func (e *ResetError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s reset: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s reset", e.Kind)
}

// AsReset unwraps err to a *ResetError.
func AsReset(err error) (*ResetError, bool) {
	var rerr *ResetError
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}
