// Package chat implements the client-side synchronization engine for one
// event's chat thread: the message synchronizer, the live connection manager,
// the typing signaler and the scroll reconciler.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/eventchat/internal/logger"
	"github.com/eventchat/internal/model"
	"github.com/eventchat/internal/session"
)

var (
	// ErrEmptyText is returned when a send carries no text.
	ErrEmptyText = errors.New("chat: empty message text")
	// ErrTextTooLong is returned when the body exceeds model.MaxTextLen runes.
	ErrTextTooLong = errors.New("chat: message text too long")
	// ErrClosed is returned by operations on a closed thread.
	ErrClosed = errors.New("chat: thread closed")
	// ErrNotFailed is returned by Resend when the entry is not in failed state.
	ErrNotFailed = errors.New("chat: message is not failed")
)

// ListChange classifies a thread mutation for the scroll reconciler and the
// embedding UI.
type ListChange int

const (
	// ChangeSeeded: the list was replaced by REST history (first render).
	ChangeSeeded ListChange = iota
	// ChangeNewMessage: a message from another participant was appended.
	ChangeNewMessage
	// ChangeOwnSend: a local optimistic entry was appended or re-sent.
	ChangeOwnSend
	// ChangeUpdated: an entry was replaced in place (ack, status, tombstone,
	// failure); list length and order are unchanged.
	ChangeUpdated
)

// Outbound is the thread's sink for wire sends; the connection manager
// implements it. The thread never talks to the socket directly.
type Outbound interface {
	SendMessage(m model.Message) error
	DeleteMessage(messageID string) error
}

// heuristicScanDepth bounds the tail scan of dedup rule (c); threads close to
// the tail are the only place an uncorrelated duplicate can land.
const heuristicScanDepth = 50

// ThreadOptions tunes a Thread. Zero values fall back to the defaults below.
type ThreadOptions struct {
	// AckTimeout is the bounded wait before a pending send turns failed.
	AckTimeout time.Duration
	// DedupWindow is the same-sender/same-text window of dedup rule (c).
	DedupWindow time.Duration
	// SnapshotTTL bounds the lifetime of persisted session snapshots.
	SnapshotTTL time.Duration
	// Store receives a snapshot after every mutation; nil disables caching.
	Store session.Store
	// OnChange is invoked (outside the thread lock) after every mutation.
	OnChange func(ListChange)
	// Now is a clock hook for tests.
	Now func() time.Time
}

const (
	defaultAckTimeout  = 12 * time.Second
	defaultDedupWindow = 5 * time.Second
	defaultSnapshotTTL = 10 * time.Minute
)

// Thread maintains the authoritative, deduplicated, insertion-ordered message
// list for one event, fed by three sources: the session-cache replay, the REST
// history seed, and the live push stream. The list is never resorted; entries
// are only appended or replaced in place.
//
// Dedup is O(1) for rules (a) and (b): the list is indexed by durable id and
// by clientMsgId for pending entries. Rule (c) is a bounded tail scan.
type Thread struct {
	mu       sync.Mutex
	eventID  string
	self     model.Member
	out      Outbound
	opts     ThreadOptions

	msgs     []model.Message
	byID     map[string]int
	byClient map[string]int

	seeded  bool
	backlog []func() // inbound ops buffered until Seed; replayed under lock

	timers map[string]*time.Timer // clientMsgId -> ack-timeout timer
	closed bool
}

func NewThread(eventID string, self model.Member, out Outbound, opts ThreadOptions) *Thread {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = defaultSnapshotTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Thread{
		eventID:  eventID,
		self:     self,
		out:      out,
		opts:     opts,
		byID:     make(map[string]int),
		byClient: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// EventID returns the thread's event id.
func (t *Thread) EventID() string { return t.eventID }

// Messages returns a copy of the current list in insertion order.
func (t *Thread) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// PrimeFromSnapshot paints the thread from the session cache. It is only a
// provisional view: the next Seed replaces it wholesale. A failed or missing
// snapshot is not an error, the thread just starts blank.
func (t *Thread) PrimeFromSnapshot(ctx context.Context) {
	if t.opts.Store == nil {
		return
	}
	data, err := t.opts.Store.GetSnapshot(ctx, t.eventID)
	if err != nil {
		logger.Errorf("chat snapshot load event=%s: %v", t.eventID, err)
		return
	}
	if len(data) == 0 {
		return
	}
	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		logger.Errorf("chat snapshot decode event=%s: %v", t.eventID, err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seeded || len(t.msgs) > 0 || t.closed {
		return
	}
	for _, m := range msgs {
		// A pending entry's ack timer died with the previous mount; it cannot
		// be resolved anymore, only resent.
		if m.Status == model.StatusPending {
			m.Status = model.StatusFailed
		}
		t.appendLocked(m)
	}
}

// Seed replaces the list with the REST-loaded history, normalizing every
// entry. Local pending entries survive the seed, and inbound events that
// arrived during the fetch are replayed afterwards in arrival order.
func (t *Thread) Seed(history []model.RawMessage) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var localPending []model.Message
	for _, m := range t.msgs {
		if m.ClientMsgID != "" && (m.Status == model.StatusPending || m.Status == model.StatusFailed) {
			localPending = append(localPending, m)
		}
	}

	t.msgs = t.msgs[:0]
	t.byID = make(map[string]int, len(history))
	t.byClient = make(map[string]int)
	for i := range history {
		m := history[i].Normalize()
		if m.EventID == "" {
			m.EventID = t.eventID
		}
		if _, dup := t.byID[m.ID]; m.ID != "" && dup {
			continue
		}
		t.appendLocked(m)
	}

	// Re-append optimistic sends the history does not know about yet.
	for _, m := range localPending {
		if _, ok := t.byClient[m.ClientMsgID]; ok {
			continue
		}
		if _, ok := t.findByClientIDInHistoryLocked(m.ClientMsgID); ok {
			// The history already contains the acked form; drop the local copy.
			t.cancelTimerLocked(m.ClientMsgID)
			continue
		}
		t.appendLocked(m)
	}

	t.seeded = true
	backlog := t.backlog
	t.backlog = nil
	for _, op := range backlog {
		op()
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.notify(ChangeSeeded)
}

// findByClientIDInHistoryLocked reports whether a seeded entry already carries
// the clientMsgId (the ack landed server-side before the fetch).
func (t *Thread) findByClientIDInHistoryLocked(clientMsgID string) (*model.Message, bool) {
	for i := range t.msgs {
		if t.msgs[i].ClientMsgID == clientMsgID {
			return &t.msgs[i], true
		}
	}
	return nil, false
}

// IngestLive applies a pushed message, deduplicating it against the list:
//
//	(a) same durable id as an existing entry        -> dropped
//	(b) clientMsgId matching a pending entry        -> replaces it in place
//	(c) same sender + identical text within the dedup window, and the
//	    candidate carries no durable id             -> dropped
//
// Rule (c) is a heuristic against redundant delivery without id correlation;
// it deliberately skips candidates with an unknown durable id so that a
// legitimately repeated message is never dropped (false negatives preferred).
func (t *Thread) IngestLive(raw model.RawMessage) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if !t.seeded {
		t.backlog = append(t.backlog, func() { t.ingestLocked(raw) })
		t.mu.Unlock()
		return
	}
	change, mutated := t.ingestLocked(raw)
	var snap []byte
	if mutated {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if mutated {
		t.flush(snap)
		t.notify(change)
	}
}

func (t *Thread) ingestLocked(raw model.RawMessage) (ListChange, bool) {
	m := raw.Normalize()
	if m.EventID == "" {
		m.EventID = t.eventID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = t.opts.Now().UTC()
	}

	// (a) durable id already present.
	if m.ID != "" {
		if _, ok := t.byID[m.ID]; ok {
			return 0, false
		}
	}

	// (b) echo of an own optimistic send: replace in place, keep position.
	if m.ClientMsgID != "" {
		if i, ok := t.byClient[m.ClientMsgID]; ok {
			t.replaceLocked(i, m)
			t.cancelTimerLocked(m.ClientMsgID)
			return ChangeUpdated, true
		}
	}

	// (c) heuristic: no id correlation at all.
	if m.ID == "" && t.isRecentDuplicateLocked(m) {
		return 0, false
	}

	t.appendLocked(m)
	// A self-sender message with no pending entry to resolve was sent from
	// another tab: treat it as a regular arrival, it should not hijack this
	// viewport's scroll position.
	return ChangeNewMessage, true
}

func (t *Thread) isRecentDuplicateLocked(m model.Message) bool {
	start := len(t.msgs) - heuristicScanDepth
	if start < 0 {
		start = 0
	}
	for i := len(t.msgs) - 1; i >= start; i-- {
		e := &t.msgs[i]
		if e.SenderID != m.SenderID || e.Text != m.Text || e.IsDeleted {
			continue
		}
		d := m.Timestamp.Sub(e.Timestamp)
		if d < 0 {
			d = -d
		}
		if d <= t.opts.DedupWindow {
			return true
		}
	}
	return false
}

// SendOptimistic appends a pending entry with a fresh clientMsgId and emits
// the send over the connection manager. It returns immediately; the ack (or
// the ack timeout) resolves the entry's fate asynchronously.
func (t *Thread) SendOptimistic(text string, replyTo *model.Message) (model.Message, error) {
	if text == "" {
		return model.Message{}, ErrEmptyText
	}
	if utf8.RuneCountInString(text) > model.MaxTextLen {
		return model.Message{}, ErrTextTooLong
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return model.Message{}, ErrClosed
	}
	m := model.Message{
		ClientMsgID:  uuid.New().String(),
		EventID:      t.eventID,
		SenderID:     t.self.ID,
		SenderName:   t.self.Name,
		SenderAvatar: t.self.Avatar,
		Text:         text,
		ReplyTo:      replyTo.Reply(),
		Timestamp:    t.opts.Now().UTC(),
		Status:       model.StatusPending,
	}
	t.appendLocked(m)
	t.armTimerLocked(m.ClientMsgID)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.notify(ChangeOwnSend)

	if err := t.out.SendMessage(m); err != nil {
		// Transport trouble does not fail the entry: it stays pending until a
		// late ack arrives over a reconnect or the ack timeout fires.
		logger.Errorf("chat send event=%s client_msg_id=%s: %v", t.eventID, m.ClientMsgID, err)
	}
	return m, nil
}

// Resend re-emits a failed entry with its original clientMsgId, so a late
// arriving ack for the first attempt still reconciles correctly.
func (t *Thread) Resend(clientMsgID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	i, ok := t.byClient[clientMsgID]
	if !ok {
		t.mu.Unlock()
		return ErrNotFailed
	}
	if t.msgs[i].Status != model.StatusFailed {
		t.mu.Unlock()
		return ErrNotFailed
	}
	t.msgs[i].Status = model.StatusPending
	m := t.msgs[i]
	t.armTimerLocked(clientMsgID)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.notify(ChangeOwnSend)

	if err := t.out.SendMessage(m); err != nil {
		logger.Errorf("chat resend event=%s client_msg_id=%s: %v", t.eventID, clientMsgID, err)
	}
	return nil
}

// Delete emits a delete for a durable message. The tombstone itself is applied
// when the server's messageDeleted event comes back.
func (t *Thread) Delete(messageID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()
	return t.out.DeleteMessage(messageID)
}

// ApplyAck resolves a pending entry by clientMsgId, replacing it in place with
// the authoritative server record. With no matching pending entry (a send from
// another tab) the record is appended instead.
func (t *Thread) ApplyAck(raw model.RawMessage) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if !t.seeded {
		t.backlog = append(t.backlog, func() { t.applyAckLocked(raw) })
		t.mu.Unlock()
		return
	}
	change, mutated := t.applyAckLocked(raw)
	var snap []byte
	if mutated {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if mutated {
		t.flush(snap)
		t.notify(change)
	}
}

func (t *Thread) applyAckLocked(raw model.RawMessage) (ListChange, bool) {
	m := raw.Normalize()
	if m.EventID == "" {
		m.EventID = t.eventID
	}
	if m.Status == "" || m.Status == model.StatusPending {
		m.Status = model.StatusSent
	}

	if m.ClientMsgID != "" {
		if i, ok := t.byClient[m.ClientMsgID]; ok {
			// Keep at least "sent": the ack proves durability even if the
			// payload says otherwise.
			if !m.Status.Supersedes(model.StatusPending) {
				m.Status = model.StatusSent
			}
			t.replaceLocked(i, m)
			t.cancelTimerLocked(m.ClientMsgID)
			return ChangeUpdated, true
		}
	}
	if m.ID != "" {
		if _, ok := t.byID[m.ID]; ok {
			return 0, false
		}
	}
	t.appendLocked(m)
	// A send from another tab: treat it as a regular arrival, it should not
	// hijack this viewport's scroll position.
	return ChangeNewMessage, true
}

// ApplyStatusUpdate applies a monotonic sent -> delivered -> read transition.
// Downgrades and repeats are no-ops.
func (t *Thread) ApplyStatusUpdate(messageID string, status model.MessageStatus) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if !t.seeded {
		t.backlog = append(t.backlog, func() { t.applyStatusLocked(messageID, status) })
		t.mu.Unlock()
		return
	}
	mutated := t.applyStatusLocked(messageID, status)
	var snap []byte
	if mutated {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if mutated {
		t.flush(snap)
		t.notify(ChangeUpdated)
	}
}

func (t *Thread) applyStatusLocked(messageID string, status model.MessageStatus) bool {
	i, ok := t.byID[messageID]
	if !ok {
		return false
	}
	if !status.Supersedes(t.msgs[i].Status) {
		return false
	}
	t.msgs[i].Status = status
	return true
}

// ApplyTombstone marks a message deleted and clears its text; the entry keeps
// its list position. Applying it twice equals applying it once.
func (t *Thread) ApplyTombstone(messageID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if !t.seeded {
		t.backlog = append(t.backlog, func() { t.applyTombstoneLocked(messageID) })
		t.mu.Unlock()
		return
	}
	mutated := t.applyTombstoneLocked(messageID)
	var snap []byte
	if mutated {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if mutated {
		t.flush(snap)
		t.notify(ChangeUpdated)
	}
}

func (t *Thread) applyTombstoneLocked(messageID string) bool {
	i, ok := t.byID[messageID]
	if !ok {
		return false
	}
	if t.msgs[i].IsDeleted && t.msgs[i].Text == "" {
		return false
	}
	t.msgs[i].IsDeleted = true
	t.msgs[i].Text = ""
	return true
}

// Close stops all ack timers and turns every further operation into a no-op,
// so a late event from a torn-down connection cannot mutate the list.
func (t *Thread) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.backlog = nil
}

// --- internals ---

func (t *Thread) appendLocked(m model.Message) {
	t.msgs = append(t.msgs, m)
	i := len(t.msgs) - 1
	if m.ID != "" {
		t.byID[m.ID] = i
	}
	if m.ClientMsgID != "" && (m.Status == model.StatusPending || m.Status == model.StatusFailed) {
		t.byClient[m.ClientMsgID] = i
	}
}

// replaceLocked swaps the entry at i for m, preserving its position and
// re-pointing the indexes.
func (t *Thread) replaceLocked(i int, m model.Message) {
	old := t.msgs[i]
	if old.ID != "" {
		delete(t.byID, old.ID)
	}
	if old.ClientMsgID != "" {
		delete(t.byClient, old.ClientMsgID)
	}
	t.msgs[i] = m
	if m.ID != "" {
		t.byID[m.ID] = i
	}
	if m.ClientMsgID != "" && (m.Status == model.StatusPending || m.Status == model.StatusFailed) {
		t.byClient[m.ClientMsgID] = i
	}
}

func (t *Thread) armTimerLocked(clientMsgID string) {
	if timer, ok := t.timers[clientMsgID]; ok {
		timer.Stop()
	}
	t.timers[clientMsgID] = time.AfterFunc(t.opts.AckTimeout, func() {
		t.markFailed(clientMsgID)
	})
}

func (t *Thread) cancelTimerLocked(clientMsgID string) {
	if timer, ok := t.timers[clientMsgID]; ok {
		timer.Stop()
		delete(t.timers, clientMsgID)
	}
}

// markFailed is the ack-timeout path: pending -> failed. The entry stays in
// the list with a user-triggered resend as its only way out; the engine never
// retries on its own.
func (t *Thread) markFailed(clientMsgID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.timers, clientMsgID)
	i, ok := t.byClient[clientMsgID]
	if !ok || t.msgs[i].Status != model.StatusPending {
		t.mu.Unlock()
		return
	}
	t.msgs[i].Status = model.StatusFailed
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.flush(snap)
	t.notify(ChangeUpdated)
}

// snapshotLocked serializes the current list for the session cache.
func (t *Thread) snapshotLocked() []byte {
	if t.opts.Store == nil {
		return nil
	}
	data, err := json.Marshal(t.msgs)
	if err != nil {
		logger.Errorf("chat snapshot encode event=%s: %v", t.eventID, err)
		return nil
	}
	return data
}

// flush writes the snapshot outside the thread lock; the cache is
// last-writer-wins, so concurrent flushes need no ordering.
func (t *Thread) flush(snap []byte) {
	if snap == nil || t.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.opts.Store.SetSnapshot(ctx, t.eventID, snap, t.opts.SnapshotTTL); err != nil {
		logger.Errorf("chat snapshot store event=%s: %v", t.eventID, err)
	}
}

func (t *Thread) notify(change ListChange) {
	if t.opts.OnChange != nil {
		t.opts.OnChange(change)
	}
}
