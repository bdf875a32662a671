package session

import (
	"sync"
	"time"
)

// ButtonThreshold spaces out hardware button events so the OS has time to
// see each register change.
const ButtonThreshold = 100 * time.Millisecond

const maxQueued = 1000

type Button int

const (
	ButtonPower Button = iota
	ButtonUp
	ButtonDown
	ButtonApp1
	ButtonApp2
	ButtonApp3
	ButtonApp4
	ButtonCradle
	ButtonAntenna
	ButtonContrast
)

type ButtonEvent struct {
	Button Button
	Down   bool
}

type KeyEvent struct {
	Char      uint16
	KeyCode   uint16
	Modifiers uint16
}

type PenEvent struct {
	X, Y int
	Down bool
}

// queue is a bounded FIFO; when full the oldest event is dropped.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *queue[T]) Put(v T) {
	q.mu.Lock()
	if len(q.items) >= maxQueued {
		q.items = q.items[1:]
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
}

func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var v T
	if len(q.items) == 0 {
		return v, false
	}
	return q.items[0], true
}

func (q *queue[T]) Get() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var v T
	if len(q.items) == 0 {
		return v, false
	}
	v, q.items = q.items[0], q.items[1:]
	return v, true
}

func (q *queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

type buttonQueue struct {
	queue[ButtonEvent]
	// last dequeue, guarded by queue.mu
	last time.Time
}

type penQueue struct {
	queue[PenEvent]
	last     PenEvent
	haveLast bool
}

func (q *penQueue) resetLast() {
	q.mu.Lock()
	q.last = PenEvent{X: -1, Y: -1}
	q.haveLast = false
	q.mu.Unlock()
}

// PostButtonEvent queues a button change. With postNow the throttle is
// bypassed for the next dequeue.
func (s *Session) PostButtonEvent(ev ButtonEvent, postNow bool) {
	s.buttons.Put(ev)
	if postNow {
		s.buttons.mu.Lock()
		s.buttons.last = s.now().Add(-ButtonThreshold)
		s.buttons.mu.Unlock()
	}
}

// HasButtonEvent reports false while the previous button event is too
// recent, even if more are queued.
func (s *Session) HasButtonEvent() bool {
	now := s.now()
	s.buttons.mu.Lock()
	defer s.buttons.mu.Unlock()
	if now.Sub(s.buttons.last) < ButtonThreshold {
		return false
	}
	return len(s.buttons.items) > 0
}

func (s *Session) PeekButtonEvent() (ButtonEvent, bool) {
	return s.buttons.Peek()
}

func (s *Session) GetButtonEvent() (ButtonEvent, bool) {
	now := s.now()
	s.buttons.mu.Lock()
	s.buttons.last = now
	s.buttons.mu.Unlock()
	return s.buttons.Get()
}

// PostKeyEvent queues a key and wakes a sleeping CPU.
func (s *Session) PostKeyEvent(ev KeyEvent) {
	s.keys.Put(ev)
	s.wake()
}

func (s *Session) HasKeyEvent() bool {
	return s.keys.Len() > 0
}

func (s *Session) PeekKeyEvent() (KeyEvent, bool) {
	return s.keys.Peek()
}

func (s *Session) GetKeyEvent() (KeyEvent, bool) {
	return s.keys.Get()
}

// PostPenEvent drops a pen-down identical to the previous one.
func (s *Session) PostPenEvent(ev PenEvent) {
	s.pens.mu.Lock()
	if ev.Down && s.pens.haveLast && ev == s.pens.last {
		s.pens.mu.Unlock()
		return
	}
	s.pens.last, s.pens.haveLast = ev, true
	s.pens.mu.Unlock()
	s.pens.Put(ev)
	s.wake()
}

func (s *Session) HasPenEvent() bool {
	return s.pens.Len() > 0
}

func (s *Session) PeekPenEvent() (PenEvent, bool) {
	return s.pens.Peek()
}

func (s *Session) GetPenEvent() (PenEvent, bool) {
	return s.pens.Get()
}

func (s *Session) pressBootKeys(kind ResetKind) {
	s.buttons.mu.Lock()
	defer s.buttons.mu.Unlock()
	s.bootKeys = 0
	if s.hw == nil {
		return
	}
	press := func(b Button) {
		s.hw.ButtonEvent(b, true)
		s.bootKeys |= 1 << uint(b)
	}
	switch kind.Type() {
	case ResetHard:
		press(ButtonPower)
	case ResetDebug:
		press(ButtonDown)
	}
	if kind&ResetExtMask == ResetNoExt {
		press(ButtonUp)
	}
}

// ReleaseBootKeys lets go of the keys Reset held down. The hardware layer
// calls it once the boot code has sampled them.
func (s *Session) ReleaseBootKeys() {
	s.buttons.mu.Lock()
	defer s.buttons.mu.Unlock()
	for _, b := range []Button{ButtonPower, ButtonDown, ButtonUp} {
		if s.bootKeys&(1<<uint(b)) != 0 && s.hw != nil {
			s.hw.ButtonEvent(b, false)
		}
	}
	s.bootKeys = 0
}

// BootKeys reports the buttons held by the last reset.
func (s *Session) BootKeys() []Button {
	s.buttons.mu.Lock()
	defer s.buttons.mu.Unlock()
	var out []Button
	for b := ButtonPower; b <= ButtonContrast; b++ {
		if s.bootKeys&(1<<uint(b)) != 0 {
			out = append(out, b)
		}
	}
	return out
}
