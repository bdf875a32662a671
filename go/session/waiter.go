package session

// waiter is a broadcast condition that can be selected on. Callers hold the
// lock guarding the condition for Add and Notify.
type waiter struct {
	cb []chan struct{}
}

func (w *waiter) Add() <-chan struct{} {
	ret := make(chan struct{})
	w.cb = append(w.cb, ret)
	return ret
}

func (w *waiter) Notify() {
	for _, c := range w.cb {
		close(c)
	}
	w.cb = w.cb[:0]
}
