package rdp

// Input is forwarded to the engine unchanged. Every method fails with
// ErrInputNotInitialized until the engine has handed over its input sink.

func (s *Session) SendInputSynchronizeEvent(flags uint32) error {
	if s.input == nil {
		return ErrInputNotInitialized
	}
	s.input.SendSynchronizeEvent(flags)
	return nil
}

func (s *Session) SendInputKeyboardEvent(flags, code uint16) error {
	if s.input == nil {
		return ErrInputNotInitialized
	}
	s.input.SendKeyboardEvent(flags, code)
	return nil
}

func (s *Session) SendInputUnicodeKeyboardEvent(flags, code uint16) error {
	if s.input == nil {
		return ErrInputNotInitialized
	}
	s.input.SendUnicodeKeyboardEvent(flags, code)
	return nil
}

func (s *Session) SendInputMouseEvent(flags, x, y uint16) error {
	if s.input == nil {
		return ErrInputNotInitialized
	}
	s.input.SendMouseEvent(flags, x, y)
	return nil
}

func (s *Session) SendInputExtendedMouseEvent(flags, x, y uint16) error {
	if s.input == nil {
		return ErrInputNotInitialized
	}
	s.input.SendExtendedMouseEvent(flags, x, y)
	return nil
}
