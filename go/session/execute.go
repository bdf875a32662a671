package session

import (
	"sync"

	"github.com/pkg/errors"
)

// CheckForBreak is polled by the CPU before each opcode.
func (s *Session) CheckForBreak() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.suspend
	// A nested call starts External at zero. A host call made inside it
	// may move it either way; leave that for ExecuteSubroutine to merge.
	if s.nest > 0 {
		st.External = 0
	}
	return st.Any()
}

// SysCall is the system call checkpoint.
func (s *Session) SysCall(trap uint16) error {
	s.mu.Lock()
	if s.breakOnSysCall {
		s.suspend.SysCall = true
	}
	nested := s.nest > 0
	s.mu.Unlock()
	if nested {
		return nil
	}
	for _, fn := range s.syscallHandlers {
		if err := fn(trap); err != nil {
			return err
		}
	}
	return nil
}

// Exception is the checkpoint for trace and DbgBreak exceptions. Nested
// calls take them the way the CPU would.
func (s *Session) Exception(vector int) bool {
	if s.IsNested() {
		return false
	}
	for _, fn := range s.excHandlers {
		if fn(vector) {
			return true
		}
	}
	return false
}

// ExecuteIncremental runs the CPU on the calling goroutine for a bounded
// number of cycles. It is for hosts that do not call CreateThread.
func (s *Session) ExecuteIncremental() {
	s.mu.Lock()
	s.suspend.Timeout = false
	if s.threaded || s.state == BlockedOnUI || s.suspend.Any() {
		s.mu.Unlock()
		return
	}
	if s.state == Stopped {
		s.state = Suspended
	}
	s.sliceLeft = s.incrementalCycles
	err := s.callCPU()
	s.sliceLeft = 0
	s.mu.Unlock()
	if err != nil {
		s.handleTopLevel(err)
	}
}

// ExecuteSubroutine runs the CPU on the calling goroutine until a call set
// up by the caller returns. The caller must hold a permit. Suspend requests
// raised during the call are folded back into the saved state.
func (s *Session) ExecuteSubroutine() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.suspend
	s.suspend = SuspendState{}
	var err error
	for !s.suspend.Any() {
		s.nest++
		s.cond.Notify()
		err = s.callCPU()
		s.nest--

		// Debugger and SubroutineReturn end the call; the rest are
		// remembered and the call continues.
		saved.UI += s.suspend.UI
		s.suspend.UI = 0
		saved.Debugger += s.suspend.Debugger
		saved.External += s.suspend.External
		s.suspend.External = 0
		s.suspend.SysCall = false
		saved.Timeout = saved.Timeout || s.suspend.Timeout
		s.suspend.Timeout = false
		if err != nil {
			break
		}
	}
	s.suspend = saved
	// HostSignalWait resumes as a courtesy, which can leave this negative.
	if s.suspend.External < 0 {
		s.suspend.External = 0
	}
	s.cond.Notify()
	return err
}

type actions struct {
	mu sync.Mutex

	reset         bool
	resetKind     ResetKind
	resetBanks    bool
	deferred      []func() error
	autoSave      bool
	saveRoot      bool
	saveSuspended bool
	loadRoot      bool
	gremlinRoot   bool
	gremlinSusp   bool
	minimizeLoad  bool
}

func (a *actions) pending() bool {
	return a.reset || a.resetBanks || len(a.deferred) > 0 || a.autoSave || a.saveRoot ||
		a.saveSuspended || a.loadRoot || a.gremlinRoot || a.gremlinSusp || a.minimizeLoad
}

func (s *Session) schedule(fn func(a *actions)) {
	s.actions.mu.Lock()
	fn(&s.actions)
	s.special.Store(true)
	s.actions.mu.Unlock()
}

// take removes and returns the work ExecuteSpecial should do now.
func (s *Session) take(checkOnly bool) actions {
	s.actions.mu.Lock()
	defer s.actions.mu.Unlock()
	a := &s.actions
	out := actions{reset: a.reset, resetKind: a.resetKind, resetBanks: a.resetBanks, deferred: a.deferred}
	a.reset, a.resetBanks, a.deferred = false, false, nil
	if !checkOnly {
		out.autoSave, out.saveRoot, out.saveSuspended = a.autoSave, a.saveRoot, a.saveSuspended
		out.loadRoot, out.gremlinRoot, out.gremlinSusp = a.loadRoot, a.gremlinRoot, a.gremlinSusp
		out.minimizeLoad = a.minimizeLoad
		a.autoSave, a.saveRoot, a.saveSuspended = false, false, false
		a.loadRoot, a.gremlinRoot, a.gremlinSusp = false, false, false
		a.minimizeLoad = false
	}
	s.special.Store(a.pending())
	return out
}

func (s *Session) clearActions() {
	s.actions.mu.Lock()
	s.actions = actions{}
	s.special.Store(false)
	s.actions.mu.Unlock()
}

// ExecuteSpecial runs the end-of-cycle work in fixed priority order. With
// checkOnly it stops after resets and deferred errors; the CPU calls it
// that way after every opcode.
func (s *Session) ExecuteSpecial(checkOnly bool) (bool, error) {
	if !checkOnly {
		s.tickSlice()
	}
	if !s.special.Load() {
		return false, nil
	}
	a := s.take(checkOnly)
	if a.reset {
		a.resetBanks = false
		if err := s.Reset(a.resetKind); err != nil {
			return false, err
		}
	}
	if a.resetBanks {
		if br, ok := s.memory.(BankResetter); ok {
			if err := br.ResetBanks(); err != nil {
				return false, errors.Wrap(err, "reset banks")
			}
		}
	}
	for _, fn := range a.deferred {
		if err := fn(); err != nil {
			return false, err
		}
	}
	if checkOnly {
		return false, nil
	}

	snap := func(name string, fn func(Snapshotter) error) error {
		if s.snap == nil {
			s.log.Warn("no snapshotter for scheduled action", "action", name)
			return errors.New("no snapshotter")
		}
		err := fn(s.snap)
		if err != nil {
			s.log.Warn("snapshot action failed", "action", name, "err", err)
		}
		return err
	}
	if a.autoSave {
		snap("auto-save", Snapshotter.AutoSave)
	}
	if a.saveRoot {
		snap("save-root", Snapshotter.SaveRoot)
	}
	if a.saveSuspended {
		snap("save-suspended", Snapshotter.SaveSuspended)
	}
	if a.loadRoot {
		snap("load-root", Snapshotter.LoadRoot)
	}
	if a.gremlinRoot {
		s.nextGremlin(snap("load-root", Snapshotter.LoadRoot), Hordes.StartFromRoot)
	}
	if a.gremlinSusp {
		s.nextGremlin(snap("load-suspended", Snapshotter.LoadSuspended), Hordes.StartFromSuspended)
	}
	if a.minimizeLoad {
		snap("minimize-load", Snapshotter.MinimizeLoad)
	}
	return false, nil
}

func (s *Session) nextGremlin(loadErr error, start func(Hordes) error) {
	if s.hordes == nil {
		return
	}
	if loadErr != nil {
		s.hordes.TurnOn(false)
		return
	}
	if err := start(s.hordes); err != nil {
		s.log.Warn("gremlin did not start", "err", err)
	}
}

// tickSlice counts down ExecuteIncremental's cycle budget.
func (s *Session) tickSlice() {
	s.mu.Lock()
	if s.sliceLeft > 0 {
		s.sliceLeft--
		if s.sliceLeft == 0 {
			s.suspend.Timeout = true
		}
	}
	s.mu.Unlock()
}

// Reset resets memory, then the CPU, then every registered subsystem, then
// the session's own bookkeeping. It must not be called while nested.
func (s *Session) Reset(kind ResetKind) error {
	if s.IsNested() {
		return errors.New("reset during a nested call")
	}
	hard := kind.Type() != ResetSys
	if s.memory != nil {
		if err := s.memory.Reset(kind); err != nil {
			return errors.Wrap(err, "memory reset")
		}
	}
	if err := s.cpu.Reset(hard); err != nil {
		return errors.Wrap(err, "cpu reset")
	}
	for _, r := range s.resetters {
		if err := r.Reset(kind); err != nil {
			return errors.Wrapf(err, "%T reset", r)
		}
	}

	s.mu.Lock()
	// UI and Timeout belong to whoever is waiting on them
	s.suspend.Debugger = 0
	s.suspend.External = 0
	s.suspend.SysCall = false
	s.suspend.SubroutineReturn = false
	s.breakOnSysCall = false
	s.nest = 0
	s.cond.Notify()
	s.mu.Unlock()
	s.clearActions()

	// A sys reset also happens between the small and big ROM, where a
	// pending button-up may still be needed.
	if kind.Type() != ResetSys {
		s.buttons.Clear()
		s.keys.Clear()
		s.pens.Clear()
	}
	s.pens.resetLast()

	s.InstallInstructionBreaks()
	s.InstallDataBreaks()

	s.pressBootKeys(kind)
	s.log.Info("machine reset", "kind", kind)
	return nil
}

func (s *Session) ScheduleReset(kind ResetKind) {
	s.schedule(func(a *actions) {
		a.reset = true
		a.resetKind = kind
	})
}

func (s *Session) ScheduleResetBanks() {
	s.schedule(func(a *actions) { a.resetBanks = true })
}

// ScheduleDeferredError queues fn for the next opcode boundary. An error
// from it leaves the CPU loop like a reset does.
func (s *Session) ScheduleDeferredError(fn func() error) {
	s.schedule(func(a *actions) { a.deferred = append(a.deferred, fn) })
}

func (s *Session) ScheduleAutoSaveState() {
	s.schedule(func(a *actions) { a.autoSave = true })
}

func (s *Session) ScheduleSaveRootState() {
	s.schedule(func(a *actions) { a.saveRoot = true })
}

func (s *Session) ScheduleSaveSuspendedState() {
	s.schedule(func(a *actions) { a.saveSuspended = true })
}

func (s *Session) ScheduleLoadRootState() {
	s.schedule(func(a *actions) { a.loadRoot = true })
}

func (s *Session) ScheduleNextGremlinFromRootState() {
	s.schedule(func(a *actions) { a.gremlinRoot = true })
}

func (s *Session) ScheduleNextGremlinFromSuspendedState() {
	s.schedule(func(a *actions) { a.gremlinSusp = true })
}

func (s *Session) ScheduleMinimizeLoadState() {
	s.schedule(func(a *actions) { a.minimizeLoad = true })
}

func (s *Session) update(fn func(st *SuspendState)) {
	s.mu.Lock()
	fn(&s.suspend)
	s.cond.Notify()
	s.mu.Unlock()
}

// ScheduleSuspendException stops the CPU for the debugger after an
// exception or breakpoint.
func (s *Session) ScheduleSuspendException() {
	s.update(func(st *SuspendState) { st.Debugger++ })
}

func (s *Session) ScheduleSuspendError() {
	s.update(func(st *SuspendState) { st.Debugger++ })
}

func (s *Session) ScheduleSuspendExternal() {
	s.update(func(st *SuspendState) {
		st.External++
		st.SysCall = true
	})
}

// ScheduleResumeExternal may take External below zero inside a nested
// call; ExecuteSubroutine clamps it on the way out.
func (s *Session) ScheduleResumeExternal() {
	s.update(func(st *SuspendState) { st.External-- })
}

func (s *Session) ScheduleSuspendTimeout() {
	s.update(func(st *SuspendState) { st.Timeout = true })
}

func (s *Session) ScheduleSuspendSysCall() {
	s.update(func(st *SuspendState) { st.SysCall = true })
}

func (s *Session) ScheduleSuspendSubroutineReturn() {
	s.update(func(st *SuspendState) { st.SubroutineReturn = true })
}

// ClearDebuggerSuspend drops every debugger suspend, as a continue does.
func (s *Session) ClearDebuggerSuspend() {
	s.update(func(st *SuspendState) { st.Debugger = 0 })
}
