package session

import (
	"context"
	"sync"

	"github.com/palmemu/poser/go/models/cpu"
)

// Stopper is the permit to touch CPU state while the CPU thread is parked.
// Release it exactly once, usually with defer; extra calls are no-ops.
type Stopper struct {
	s        *Session
	how      StopMethod
	stopped  bool
	once     sync.Once
	released bool
}

// Stopped reports whether the suspend request was honored.
func (p *Stopper) Stopped() bool {
	return p.stopped
}

// CanCall reports whether emulated OS routines may be called: the CPU must
// have stopped at a system call.
func (p *Stopper) CanCall() bool {
	return p.stopped && !p.released && p.how == StopOnSysCall
}

func (p *Stopper) Method() StopMethod {
	return p.how
}

func (p *Stopper) Session() *Session {
	return p.s
}

// Machine hands out the CPU while the permit is live.
func (p *Stopper) Machine() (cpu.Cpu, error) {
	if !p.stopped || p.released {
		return nil, ErrNotStopped
	}
	return p.s.cpu, nil
}

// Release resumes the CPU if this permit stopped it.
func (p *Stopper) Release() {
	p.once.Do(func() {
		p.released = true
		if p.stopped {
			p.s.ResumeThread()
		}
	})
}

// WithStopped runs fn under a permit and releases it afterwards, even if fn
// panics. fn is not called if the stop did not succeed.
func (s *Session) WithStopped(ctx context.Context, how StopMethod, fn func(p *Stopper) error) error {
	p, err := s.Suspend(ctx, how)
	defer p.Release()
	if err != nil {
		return err
	}
	if !p.Stopped() {
		return ErrNotStopped
	}
	return fn(p)
}
