package chat

import (
	"context"
	"sync"
	"time"

	"github.com/eventchat/internal/logger"
	"github.com/eventchat/internal/model"
	"github.com/eventchat/internal/session"
	"github.com/eventchat/internal/ws"
)

// Config carries the engine's tunables and sinks. BaseURL and WSURL point at
// the platform's REST and live-channel endpoints.
type Config struct {
	BaseURL string
	WSURL   string

	SendTimeout    time.Duration
	TypingDebounce time.Duration
	DedupWindow    time.Duration
	SnapshotTTL    time.Duration
	HistoryTimeout time.Duration
	NearBottomPx   int

	// Store is the session snapshot cache; nil disables instant repaint.
	Store session.Store

	// OnListChange fires after every thread mutation with the force-scroll
	// decision already made. OnTyping fires with the filtered typing set.
	OnListChange func(eventID string, change ListChange, forceScroll bool)
	OnTyping     func(eventID string, users []ws.TypingUser)
}

// Manager owns at most one open Session at a time and guarantees that
// switching event ids cancels interest in the previous thread: its connection
// is torn down and an in-flight history fetch for it is discarded by epoch.
type Manager struct {
	cfg  Config
	self model.Member
	api  *APIClient

	mu      sync.Mutex
	epoch   uint64
	current *Session
}

func NewManager(cfg Config, self model.Member) *Manager {
	return &Manager{
		cfg:  cfg,
		self: self,
		api:  NewAPIClient(cfg.BaseURL, cfg.HistoryTimeout),
	}
}

// API exposes the REST client for roster and tag lookups.
func (m *Manager) API() *APIClient { return m.api }

// Open mounts the thread for eventID: any previous session is closed first,
// the session cache paints the provisional view, the live connection is
// established, and the history fetch seeds the list when it lands — unless
// the manager has moved on to another event id by then.
func (m *Manager) Open(ctx context.Context, eventID string) (*Session, error) {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	prev := m.current
	m.current = nil
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	s := &Session{
		eventID: eventID,
		manager: m,
		scroll:  NewReconciler(m.cfg.NearBottomPx),
	}
	s.thread = NewThread(eventID, m.self, nil, ThreadOptions{
		AckTimeout:  m.cfg.SendTimeout,
		DedupWindow: m.cfg.DedupWindow,
		SnapshotTTL: m.cfg.SnapshotTTL,
		Store:       m.cfg.Store,
		OnChange:    s.listChanged,
	})
	s.conn = NewConn(m.cfg.WSURL, eventID, m.self, s.thread, s.typingChanged)
	s.thread.out = s.conn
	s.typing = NewTypingSignaler(m.cfg.TypingDebounce, func(isTyping bool) {
		if err := s.conn.SetTyping(isTyping); err != nil {
			logger.Errorf("chat typing emit event=%s: %v", eventID, err)
		}
	})

	s.thread.PrimeFromSnapshot(ctx)

	if err := s.conn.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.epoch != epoch {
		// A newer Open raced us; this session is already stale.
		m.mu.Unlock()
		s.Close()
		return nil, context.Canceled
	}
	m.current = s
	m.mu.Unlock()

	go m.loadHistory(eventID, epoch, s)
	return s, nil
}

const (
	historyAttempts     = 3
	historyRetryBackoff = 250 * time.Millisecond
)

// loadHistory is the one suspension point of a thread open. The epoch check
// on completion discards a response that resolved after the manager switched
// to another event id. The fetch is retried with backoff; after the final
// failure the thread is seeded empty so live events buffered during the fetch
// still drain instead of piling up behind an unseeded list forever.
func (m *Manager) loadHistory(eventID string, epoch uint64, s *Session) {
	timeout := m.cfg.HistoryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var history []model.RawMessage
	backoff := historyRetryBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		h, err := m.api.History(ctx, eventID)
		cancel()
		if err == nil {
			history = h
			break
		}
		logger.Errorf("chat history event=%s attempt=%d: %v", eventID, attempt, err)
		if attempt >= historyAttempts {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if m.sessionStale(epoch, s) {
			return
		}
	}

	if m.sessionStale(epoch, s) {
		return
	}
	s.thread.Seed(history)
}

func (m *Manager) sessionStale(epoch uint64, s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch != epoch || m.current != s
}

// Close tears down the open session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	m.epoch++
	cur := m.current
	m.current = nil
	m.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
}

// Session is one mounted thread: the synchronizer, its live connection, the
// typing signaler and the scroll reconciler, all scoped to a single event id.
type Session struct {
	eventID string
	manager *Manager
	thread  *Thread
	conn    *Conn
	typing  *TypingSignaler
	scroll  *Reconciler

	typingMu    sync.Mutex
	typingUsers []ws.TypingUser

	closeOnce sync.Once
}

func (s *Session) EventID() string { return s.eventID }

// Thread exposes the message synchronizer.
func (s *Session) Thread() *Thread { return s.thread }

// Scroll exposes the viewport reconciler.
func (s *Session) Scroll() *Reconciler { return s.scroll }

// Messages returns the current list in insertion order.
func (s *Session) Messages() []model.Message {
	return s.thread.Messages()
}

// Send submits a message optimistically and resets the typing state, since a
// send always ends the composition.
func (s *Session) Send(text string, replyTo *model.Message) (model.Message, error) {
	m, err := s.thread.SendOptimistic(text, replyTo)
	if err != nil {
		return model.Message{}, err
	}
	s.typing.MessageSent()
	return m, nil
}

// Resend re-emits a failed entry under its original clientMsgId.
func (s *Session) Resend(clientMsgID string) error {
	return s.thread.Resend(clientMsgID)
}

// Delete requests a tombstone for a durable message.
func (s *Session) Delete(messageID string) error {
	return s.thread.Delete(messageID)
}

// Keystroke and Blur feed the typing signaler.
func (s *Session) Keystroke() { s.typing.Keystroke() }
func (s *Session) Blur()      { s.typing.Blur() }

// MarkAsRead reports the reader caught up; the server answers with read
// status updates for the affected messages.
func (s *Session) MarkAsRead() error {
	return s.conn.MarkAsRead()
}

// ViewportResized feeds a soft-keyboard open/close into the reconciler and
// reports whether to force-scroll.
func (s *Session) ViewportResized(shrank bool) bool {
	if shrank {
		return s.scroll.Apply(ScrollViewportShrank)
	}
	return s.scroll.Apply(ScrollViewportGrew)
}

// ObserveScroll feeds a raw scroll position observation into the reconciler.
func (s *Session) ObserveScroll(distanceFromBottomPx int) {
	s.scroll.ObserveScroll(distanceFromBottomPx)
}

// JumpToLatest is the manual affordance shown while scrolled up.
func (s *Session) JumpToLatest() bool {
	return s.scroll.Apply(ScrollJumpToLatest)
}

// TypingUsers returns the thread's typing set, minus the reader.
func (s *Session) TypingUsers() []ws.TypingUser {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	out := make([]ws.TypingUser, len(s.typingUsers))
	copy(out, s.typingUsers)
	return out
}

// Close unmounts the thread: the connection goes first so no late event can
// reach the thread after its own Close.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.typing.Close()
		s.conn.Close()
		s.thread.Close()
	})
}

func (s *Session) listChanged(change ListChange) {
	var ev ScrollEvent
	switch change {
	case ChangeSeeded:
		ev = ScrollThreadOpened
	case ChangeNewMessage:
		ev = ScrollNewMessage
	case ChangeOwnSend:
		ev = ScrollOwnSend
	default:
		// In-place updates never move the viewport.
		if s.manager.cfg.OnListChange != nil {
			s.manager.cfg.OnListChange(s.eventID, change, false)
		}
		return
	}
	force := s.scroll.Apply(ev)
	if s.manager.cfg.OnListChange != nil {
		s.manager.cfg.OnListChange(s.eventID, change, force)
	}
}

func (s *Session) typingChanged(users []ws.TypingUser) {
	filtered := make([]ws.TypingUser, 0, len(users))
	for _, u := range users {
		if u.UserID != s.manager.self.ID {
			filtered = append(filtered, u)
		}
	}
	s.typingMu.Lock()
	s.typingUsers = filtered
	s.typingMu.Unlock()

	if s.manager.cfg.OnTyping != nil {
		s.manager.cfg.OnTyping(s.eventID, filtered)
	}
}
