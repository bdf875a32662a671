package session

// InstructionBreakHandlers lets a subsystem keep its instruction breaks
// installed across resets, which wipe them.
type InstructionBreakHandlers struct {
	Install func()
	Remove  func()
	Reached func()
}

type DataBreakHandlers struct {
	Install func()
	Remove  func()
	Reached func(addr uint32, size int, forRead bool)
}

func (s *Session) AddInstructionBreakHandlers(install, remove, reached func()) {
	s.breaksMu.Lock()
	s.insnBreaks = append(s.insnBreaks, InstructionBreakHandlers{install, remove, reached})
	s.breaksMu.Unlock()
}

func (s *Session) AddDataBreakHandlers(install, remove func(), reached func(addr uint32, size int, forRead bool)) {
	s.breaksMu.Lock()
	s.dataBreaks = append(s.dataBreaks, DataBreakHandlers{install, remove, reached})
	s.breaksMu.Unlock()
}

func (s *Session) insnHandlers() []InstructionBreakHandlers {
	s.breaksMu.Lock()
	defer s.breaksMu.Unlock()
	return append([]InstructionBreakHandlers(nil), s.insnBreaks...)
}

func (s *Session) dataHandlers() []DataBreakHandlers {
	s.breaksMu.Lock()
	defer s.breaksMu.Unlock()
	return append([]DataBreakHandlers(nil), s.dataBreaks...)
}

func (s *Session) InstallInstructionBreaks() {
	for _, h := range s.insnHandlers() {
		if h.Install != nil {
			h.Install()
		}
	}
}

func (s *Session) RemoveInstructionBreaks() {
	for _, h := range s.insnHandlers() {
		if h.Remove != nil {
			h.Remove()
		}
	}
}

// HandleInstructionBreak is called by the CPU when it reaches an installed
// instruction break.
func (s *Session) HandleInstructionBreak() {
	for _, h := range s.insnHandlers() {
		if h.Reached != nil {
			h.Reached()
		}
	}
}

func (s *Session) InstallDataBreaks() {
	for _, h := range s.dataHandlers() {
		if h.Install != nil {
			h.Install()
		}
	}
}

func (s *Session) RemoveDataBreaks() {
	for _, h := range s.dataHandlers() {
		if h.Remove != nil {
			h.Remove()
		}
	}
}

func (s *Session) HandleDataBreak(addr uint32, size int, forRead bool) {
	for _, h := range s.dataHandlers() {
		if h.Reached != nil {
			h.Reached(addr, size, forRead)
		}
	}
}
