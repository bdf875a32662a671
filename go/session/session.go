package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/palmemu/poser/go/models/cpu"
)

// Resetter is a subsystem reset along with the emulated machine.
type Resetter interface {
	Reset(kind ResetKind) error
}

// BankResetter is implemented by memory models that can rebuild their bank
// handler tables without a full reset.
type BankResetter interface {
	ResetBanks() error
}

// Hardware receives the button presses that modify a boot sequence.
type Hardware interface {
	ButtonEvent(b Button, down bool)
}

// Snapshotter performs the snapshot actions scheduled for the end of a
// cycle.
type Snapshotter interface {
	AutoSave() error
	SaveRoot() error
	SaveSuspended() error
	LoadRoot() error
	LoadSuspended() error
	MinimizeLoad() error
}

// Hordes starts the next gremlin after a snapshot was loaded for it.
type Hordes interface {
	StartFromRoot() error
	StartFromSuspended() error
	TurnOn(on bool)
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithClock replaces time.Now for event throttling.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithHardware(hw Hardware) Option {
	return func(s *Session) { s.hw = hw }
}

// WithMemory sets the memory model, which is reset before the CPU.
func WithMemory(m Resetter) Option {
	return func(s *Session) { s.memory = m }
}

func WithSnapshotter(snap Snapshotter) Option {
	return func(s *Session) { s.snap = snap }
}

func WithHordes(h Hordes) Option {
	return func(s *Session) { s.hordes = h }
}

// WithIncrementalCycles sets how many cycles ExecuteIncremental runs.
func WithIncrementalCycles(n int) Option {
	return func(s *Session) { s.incrementalCycles = n }
}

// Session owns the emulated CPU and the thread that runs it. Other
// goroutines only touch the CPU through a Stopper.
type Session struct {
	cpu    cpu.Cpu
	log    *slog.Logger
	root   *slog.Logger
	now    func() time.Time
	hw     Hardware
	memory Resetter
	snap   Snapshotter
	hordes Hordes

	resetters         []Resetter
	syscallHandlers   []func(trap uint16) error
	excHandlers       []func(vector int) bool
	errHandlers       []func(err error) bool
	incrementalCycles int

	// guards everything down to dialogResult
	mu             sync.Mutex
	cond           waiter
	state          State
	suspend        SuspendState
	breakOnSysCall bool
	nest           int
	stop           bool
	threaded       bool
	done           chan struct{}
	quit           chan struct{}
	sliceLeft      int
	dialogResult   DialogResult

	sleepMu sync.Mutex
	sleep   waiter

	special atomic.Bool
	actions actions

	dialogs chan DialogRequest

	buttons  buttonQueue
	keys     queue[KeyEvent]
	pens     penQueue
	bootKeys uint32

	breaksMu   sync.Mutex
	insnBreaks []InstructionBreakHandlers
	dataBreaks []DataBreakHandlers
}

func New(c cpu.Cpu, opts ...Option) *Session {
	s := &Session{
		cpu:               c,
		log:               slog.Default(),
		now:               time.Now,
		incrementalCycles: 64,
		dialogs:           make(chan DialogRequest),
		state:             Stopped,
	}
	for _, o := range opts {
		o(s)
	}
	s.root = s.log
	s.log = s.log.With("component", "session")
	return s
}

// AddResetter registers a subsystem reset after the CPU. Call it before
// CreateThread.
func (s *Session) AddResetter(r Resetter) {
	s.resetters = append(s.resetters, r)
}

// AddSysCallHandler registers a callback for every system call checkpoint
// reached outside a nested call. Call it before CreateThread.
func (s *Session) AddSysCallHandler(fn func(trap uint16) error) {
	s.syscallHandlers = append(s.syscallHandlers, fn)
}

// AddExceptionHandler registers a taker for trace and DbgBreak exceptions.
// Handlers are asked in order until one consumes the exception. Call it
// before CreateThread.
func (s *Session) AddExceptionHandler(fn func(vector int) bool) {
	s.excHandlers = append(s.excHandlers, fn)
}

// AddErrorHandler registers a taker for errors that stop the CPU. A
// handler that returns true has dealt with the stop itself. Call it before
// CreateThread.
func (s *Session) AddErrorHandler(fn func(err error) bool) {
	s.errHandlers = append(s.errHandlers, fn)
}

// Cpu returns the emulated CPU without any stop guarantee. Packet handlers
// should use Stopper.Machine instead.
func (s *Session) Cpu() cpu.Cpu {
	return s.cpu
}

// Logger is the logger the session was built with, for collaborators to
// scope with their own component.
func (s *Session) Logger() *slog.Logger {
	return s.root
}

// CreateThread starts the CPU goroutine, optionally held by one UI suspend.
func (s *Session) CreateThread(suspended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threaded {
		return
	}
	s.stop = false
	s.suspend = SuspendState{}
	s.state = Running
	if suspended {
		s.suspend.UI = 1
		s.state = Suspended
	}
	s.threaded = true
	s.done = make(chan struct{})
	s.quit = make(chan struct{})
	s.log.Debug("thread created", "suspended", suspended)
	go s.run()
}

// DestroyThread stops the CPU goroutine and waits for it to exit.
func (s *Session) DestroyThread() {
	s.mu.Lock()
	if !s.threaded {
		s.mu.Unlock()
		return
	}
	s.stop = true
	s.suspend.UI++
	s.cond.Notify()
	close(s.quit)
	done := s.done
	s.mu.Unlock()
	s.wake()

	<-done
	s.mu.Lock()
	s.threaded = false
	s.mu.Unlock()
	s.log.Debug("thread destroyed")
}

// wait parks until the next Notify. s.mu is held on entry and exit.
func (s *Session) wait(ctx context.Context) error {
	ch := s.cond.Add()
	s.mu.Unlock()
	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.mu.Lock()
	return err
}

func (s *Session) run() {
	defer close(s.done)
	s.mu.Lock()
	for !s.stop {
		if s.suspend.Any() {
			// A nested call runs the CPU from the stopping goroutine; stay
			// parked until it is done even though the counters read zero.
			for s.nest > 0 || (s.suspend.Any() && !s.stop) {
				if s.nest == 0 {
					s.state = Suspended
				}
				s.cond.Notify()
				s.wait(ctxBackground)
			}
			if s.stop {
				continue
			}
			s.state = Running
		}
		if err := s.callCPU(); err != nil {
			s.mu.Unlock()
			s.handleTopLevel(err)
			s.mu.Lock()
		}
	}
	s.state = Stopped
	s.cond.Notify()
	s.mu.Unlock()
}

// callCPU runs the CPU with state forced to Running. s.mu is held on entry
// and exit but not while the CPU executes.
func (s *Session) callCPU() error {
	old := s.state
	s.state = Running
	s.mu.Unlock()
	err := s.cpu.Execute(s)
	s.mu.Lock()
	s.state = old
	return err
}

// handleTopLevel is the final stop for errors leaving the CPU loop.
func (s *Session) handleTopLevel(err error) {
	if rerr, ok := AsReset(err); ok {
		s.log.Warn("machine reset requested", "kind", rerr.Kind, "reason", rerr.Msg)
		if err := s.Reset(rerr.Kind); err != nil {
			s.log.Error("reset failed", "err", err)
		}
		return
	}
	for _, fn := range s.errHandlers {
		if fn(err) {
			s.log.Info("cpu stopped", "reason", err)
			return
		}
	}
	s.log.Error("cpu stopped on error", "err", err)
	s.ScheduleSuspendError()
}

// Suspend stops the CPU thread as asked and returns a permit. The permit is
// never nil, so callers can defer Release before checking the error. An
// unsuccessful stop leaves nothing to resume.
func (s *Session) Suspend(ctx context.Context, how StopMethod) (*Stopper, error) {
	p := &Stopper{s: s, how: how}
	ok, err := s.suspendThread(ctx, how)
	p.stopped = ok
	return p, err
}

func (s *Session) suspendThread(ctx context.Context, how StopMethod) (bool, error) {
	if how == StopNone {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.threaded || s.state == Stopped {
		return false, ErrStopped
	}
	if how == StopNow || how == StopOnCycle {
		s.suspend.UI++
	}
	desired := how == StopOnSysCall

	if s.state == Running {
		s.wake()
		for s.state == Running {
			// Reset clears breakOnSysCall, so re-assert it on every pass.
			s.breakOnSysCall = desired
			s.cond.Notify()
			if err := s.wait(ctx); err != nil && s.state == Running {
				s.abandon(how)
				return false, errors.Wrapf(err, "suspend %s", how)
			}
		}
	}
	if s.state == Stopped {
		s.abandon(how)
		return false, ErrStopped
	}

	ok := true
	switch how {
	case StopOnCycle:
		ok = s.state == Suspended
	case StopOnSysCall:
		ok = s.state == Suspended && s.suspend.SysCall
		if ok {
			s.suspend.UI++
		}
	}
	s.breakOnSysCall = false
	if !ok && how == StopOnCycle {
		s.resumeLocked()
	}
	s.log.Debug("suspend", "how", how, "stopped", ok, "state", s.state, "suspend", s.suspend)
	return ok, nil
}

// abandon undoes the request made by a suspend that gave up.
func (s *Session) abandon(how StopMethod) {
	s.breakOnSysCall = false
	if how == StopNow || how == StopOnCycle {
		s.resumeLocked()
	}
}

// ResumeThread drops one UI suspend.
func (s *Session) ResumeThread() {
	s.mu.Lock()
	s.resumeLocked()
	s.mu.Unlock()
}

func (s *Session) resumeLocked() {
	if s.suspend.UI <= 0 {
		s.log.Warn("resume without a matching suspend", "suspend", s.suspend)
		return
	}
	s.suspend.UI--
	if s.suspend.UI == 0 && s.suspend.External == 0 {
		s.suspend.SysCall = false
	}
	if !s.suspend.Any() && s.state == Suspended {
		s.state = Running
	}
	s.cond.Notify()
}

// Sleep idles the CPU thread until d passes or something wants its
// attention.
func (s *Session) Sleep(d time.Duration) {
	s.sleepMu.Lock()
	ch := s.sleep.Add()
	s.sleepMu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
}

func (s *Session) wake() {
	s.sleepMu.Lock()
	s.sleep.Notify()
	s.sleepMu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SuspendState() SuspendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspend
}

func (s *Session) SetSuspendState(st SuspendState) {
	s.mu.Lock()
	s.suspend = st
	s.cond.Notify()
	s.mu.Unlock()
}

func (s *Session) BreakOnSysCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakOnSysCall
}

func (s *Session) IsNested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nest > 0
}

var ctxBackground = context.Background()
