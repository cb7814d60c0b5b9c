package chat

import (
	"sync"
	"time"
)

// typingPhase is the signaler's explicit state: Idle -> Typing -> (quiet
// timeout | blur | send) -> Idle. A single timer handle drives the timeout;
// no state lives in closures.
type typingPhase int

const (
	typingIdle typingPhase = iota
	typingActive
)

const defaultTypingQuiet = 2 * time.Second

// TypingSignaler turns raw input activity into debounced typing on/off wire
// events. "on" is edge-triggered on the first keystroke after an idle period;
// "off" goes out at most once per active period, and only if "on" was
// actually sent.
type TypingSignaler struct {
	mu     sync.Mutex
	phase  typingPhase
	timer  *time.Timer
	quiet  time.Duration
	emit   func(isTyping bool)
	closed bool
}

// NewTypingSignaler creates a signaler emitting transitions through emit
// (typically Conn.SetTyping). quiet <= 0 falls back to the 2s default.
func NewTypingSignaler(quiet time.Duration, emit func(isTyping bool)) *TypingSignaler {
	if quiet <= 0 {
		quiet = defaultTypingQuiet
	}
	return &TypingSignaler{quiet: quiet, emit: emit}
}

// Keystroke registers input activity. The first one after idle emits
// "typing: on"; every one resets the quiet timer.
func (s *TypingSignaler) Keystroke() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	turnedOn := s.phase == typingIdle
	s.phase = typingActive
	if s.timer == nil {
		s.timer = time.AfterFunc(s.quiet, s.quietExpired)
	} else {
		s.timer.Stop()
		s.timer.Reset(s.quiet)
	}
	s.mu.Unlock()

	if turnedOn {
		s.emit(true)
	}
}

// Blur reports that the input lost focus.
func (s *TypingSignaler) Blur() {
	s.stop()
}

// MessageSent reports that the composed message went out.
func (s *TypingSignaler) MessageSent() {
	s.stop()
}

// Close silences the signaler; a final "off" is emitted if one is owed.
func (s *TypingSignaler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	turnedOff := s.phase == typingActive
	s.phase = typingIdle
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if turnedOff {
		s.emit(false)
	}
}

func (s *TypingSignaler) quietExpired() {
	s.stop()
}

// stop moves Active -> Idle and emits a single "off". Calling it while idle
// is a no-op, so back-to-back off/off never reaches the wire.
func (s *TypingSignaler) stop() {
	s.mu.Lock()
	if s.closed || s.phase == typingIdle {
		s.mu.Unlock()
		return
	}
	s.phase = typingIdle
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.emit(false)
}
