package session

// DialogResult is the item that dismissed a dialog.
type DialogResult int

const (
	dialogNone DialogResult = -2
	// DialogCancel is returned when the dialog was abandoned, for example
	// because the session is shutting down.
	DialogCancel DialogResult = -1
)

type DialogFunc func(params interface{}) DialogResult

// DialogRequest is a dialog the CPU thread wants the UI to run.
type DialogRequest struct {
	Fn     DialogFunc
	Params interface{}
}

// Dialogs delivers dialog requests from the CPU thread. The UI runs each
// one and answers with UnblockDialog.
func (s *Session) Dialogs() <-chan DialogRequest {
	return s.dialogs
}

// BlockOnDialog is called on the CPU thread. The session reads as
// BlockedOnUI until the UI answers or the thread is destroyed.
func (s *Session) BlockOnDialog(fn DialogFunc, params interface{}) DialogResult {
	s.mu.Lock()
	s.dialogResult = dialogNone
	old := s.state
	s.state = BlockedOnUI
	s.cond.Notify()
	quit := s.quit
	s.mu.Unlock()

	select {
	case s.dialogs <- DialogRequest{Fn: fn, Params: params}:
	case <-quit:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.dialogResult == dialogNone && !s.stop {
		s.wait(ctxBackground)
	}
	result := s.dialogResult
	if result == dialogNone {
		result = DialogCancel
	}
	s.state = old
	s.cond.Notify()
	return result
}

// UnblockDialog answers the pending BlockOnDialog.
func (s *Session) UnblockDialog(result DialogResult) {
	s.mu.Lock()
	s.dialogResult = result
	s.cond.Notify()
	s.mu.Unlock()
}
