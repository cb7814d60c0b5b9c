package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventchat/internal/model"
	"github.com/eventchat/internal/session/memory"
)

// fakeOutbound records wire sends without a socket.
type fakeOutbound struct {
	mu      sync.Mutex
	sent    []model.Message
	deleted []string
	err     error
}

func (f *fakeOutbound) SendMessage(m model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return f.err
}

func (f *fakeOutbound) DeleteMessage(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeOutbound) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeOutbound) lastSent() model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

var self = model.Member{ID: "u1", Name: "Ann"}

func newTestThread(t *testing.T, opts ThreadOptions) (*Thread, *fakeOutbound) {
	t.Helper()
	out := &fakeOutbound{}
	th := NewThread("e1", self, out, opts)
	t.Cleanup(th.Close)
	return th, out
}

func seeded(t *testing.T, opts ThreadOptions, history ...model.RawMessage) (*Thread, *fakeOutbound) {
	t.Helper()
	th, out := newTestThread(t, opts)
	th.Seed(history)
	return th, out
}

func TestSeedNormalizesAndOrders(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{},
		model.RawMessage{ID: "m1", SenderID: "u2", Text: "first"},
		model.RawMessage{ID: "m2", Sender: &model.SenderRef{ID: "u3", Name: "Bob"}, Text: "second"},
		model.RawMessage{ID: "m1", SenderID: "u2", Text: "first again"}, // duplicate id in history
	)

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "Bob", msgs[1].SenderName)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
}

func TestIngestDuplicateIDDropped(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{}, model.RawMessage{ID: "m1", SenderID: "u2", Text: "hi"})

	th.IngestLive(model.RawMessage{ID: "m1", SenderID: "u2", Text: "hi"})
	assert.Len(t, th.Messages(), 1)
}

func TestIngestHeuristicDedupWithoutID(t *testing.T) {
	now := time.Now().UTC()
	th, _ := seeded(t, ThreadOptions{DedupWindow: 5 * time.Second},
		model.RawMessage{ID: "m1", SenderID: "u2", Text: "hello", Timestamp: now})

	// No durable id, same sender, same text, within the window: dropped.
	th.IngestLive(model.RawMessage{SenderID: "u2", Text: "hello", Timestamp: now.Add(2 * time.Second)})
	assert.Len(t, th.Messages(), 1)

	// Same shape but with an unknown durable id: a legitimately repeated
	// message, kept.
	th.IngestLive(model.RawMessage{ID: "m9", SenderID: "u2", Text: "hello", Timestamp: now.Add(3 * time.Second)})
	assert.Len(t, th.Messages(), 2)

	// Outside the window: kept.
	th.IngestLive(model.RawMessage{SenderID: "u2", Text: "hello", Timestamp: now.Add(20 * time.Second)})
	assert.Len(t, th.Messages(), 3)
}

func TestIngestOtherTabSendIsNotOwnSend(t *testing.T) {
	var changes []ListChange
	th, _ := newTestThread(t, ThreadOptions{OnChange: func(c ListChange) { changes = append(changes, c) }})
	th.Seed(nil)

	// A broadcast of the reader's own message with no pending entry to resolve
	// came from another tab; it must not force-scroll this viewport.
	th.IngestLive(model.RawMessage{ID: "m1", SenderID: self.ID, Text: "from the other tab"})

	require.Len(t, th.Messages(), 1)
	assert.Equal(t, []ListChange{ChangeSeeded, ChangeNewMessage}, changes)
}

func TestOptimisticSendRoundTrip(t *testing.T) {
	var changes []ListChange
	th, out := newTestThread(t, ThreadOptions{OnChange: func(c ListChange) { changes = append(changes, c) }})
	th.Seed(nil)

	m, err := th.SendOptimistic("hello", nil)
	require.NoError(t, err)
	require.NotEmpty(t, m.ClientMsgID)
	assert.Equal(t, model.StatusPending, m.Status)
	assert.Equal(t, 1, out.sentCount())

	msgs := th.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusPending, msgs[0].Status)

	// The ack replaces the pending entry in place.
	th.ApplyAck(model.RawMessage{ID: "m1", ClientMsgID: m.ClientMsgID, SenderID: "u1", Text: "hello"})

	msgs = th.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
	assert.Equal(t, []ListChange{ChangeSeeded, ChangeOwnSend, ChangeUpdated}, changes)
}

func TestAckIsIdempotent(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{})
	m, err := th.SendOptimistic("hello", nil)
	require.NoError(t, err)

	ack := model.RawMessage{ID: "m1", ClientMsgID: m.ClientMsgID, SenderID: "u1", Text: "hello"}
	th.ApplyAck(ack)
	th.ApplyAck(ack)
	// The push echo of the same message is also a duplicate by id.
	th.IngestLive(ack)

	assert.Len(t, th.Messages(), 1)
}

func TestPushEchoResolvesPendingByClientMsgID(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{})
	m, err := th.SendOptimistic("hello", nil)
	require.NoError(t, err)

	// The broadcast can outrun the ack; it must still land in place.
	th.IngestLive(model.RawMessage{ID: "m1", ClientMsgID: m.ClientMsgID, SenderID: "u1", Text: "hello"})

	msgs := th.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestUnknownAckAppends(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{})

	// An ack with no matching pending entry (sent from another tab).
	th.ApplyAck(model.RawMessage{ID: "m1", ClientMsgID: "other-tab", SenderID: "u1", Text: "elsewhere"})

	msgs := th.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
}

func TestAckTimeoutMarksFailed(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{AckTimeout: 20 * time.Millisecond})
	m, err := th.SendOptimistic("hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return th.Messages()[0].Status == model.StatusFailed
	}, time.Second, 5*time.Millisecond)

	// A resend reuses the clientMsgId, so a late ack for either attempt
	// resolves the same entry.
	require.NoError(t, th.Resend(m.ClientMsgID))
	assert.Equal(t, model.StatusPending, th.Messages()[0].Status)

	th.ApplyAck(model.RawMessage{ID: "m1", ClientMsgID: m.ClientMsgID, SenderID: "u1", Text: "hello"})
	msgs := th.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
}

func TestResendRequiresFailedState(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{})
	m, err := th.SendOptimistic("hello", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, th.Resend(m.ClientMsgID), ErrNotFailed)
	assert.ErrorIs(t, th.Resend("nope"), ErrNotFailed)
}

func TestSendValidation(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{})

	_, err := th.SendOptimistic("", nil)
	assert.ErrorIs(t, err, ErrEmptyText)

	long := make([]rune, model.MaxTextLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = th.SendOptimistic(string(long), nil)
	assert.ErrorIs(t, err, ErrTextTooLong)
}

func TestStatusUpdateMonotonic(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{}, model.RawMessage{ID: "m1", SenderID: "u1", Text: "hi"})

	th.ApplyStatusUpdate("m1", model.StatusRead)
	assert.Equal(t, model.StatusRead, th.Messages()[0].Status)

	// Late, out-of-order delivered must not downgrade.
	th.ApplyStatusUpdate("m1", model.StatusDelivered)
	assert.Equal(t, model.StatusRead, th.Messages()[0].Status)

	// Unknown id is a no-op.
	th.ApplyStatusUpdate("nope", model.StatusRead)
}

func TestTombstoneIdempotent(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{},
		model.RawMessage{ID: "m1", SenderID: "u2", Text: "oops"},
		model.RawMessage{ID: "m2", SenderID: "u2", Text: "keep"},
	)

	th.ApplyTombstone("m1")
	th.ApplyTombstone("m1")

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Text)
	// Position is preserved.
	assert.Equal(t, "m2", msgs[1].ID)
	assert.False(t, msgs[1].IsDeleted)
}

func TestBacklogReplayedAfterSeed(t *testing.T) {
	th, _ := newTestThread(t, ThreadOptions{})

	// Events arriving while the history fetch is in flight are buffered.
	th.IngestLive(model.RawMessage{ID: "m3", SenderID: "u2", Text: "live one"})
	th.IngestLive(model.RawMessage{ID: "m4", SenderID: "u2", Text: "live two"})
	th.ApplyTombstone("m1")
	assert.Empty(t, th.Messages())

	th.Seed([]model.RawMessage{
		{ID: "m1", SenderID: "u2", Text: "old"},
		{ID: "m2", SenderID: "u2", Text: "older"},
	})

	msgs := th.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"},
		[]string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})
	// The buffered tombstone applied against the seeded entry.
	assert.True(t, msgs[0].IsDeleted)
}

func TestSeedPreservesLocalPending(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{})
	m, err := th.SendOptimistic("mine", nil)
	require.NoError(t, err)

	// A reconnect re-fetches history that does not know the pending send yet.
	th.Seed([]model.RawMessage{{ID: "m1", SenderID: "u2", Text: "theirs"}})

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, m.ClientMsgID, msgs[1].ClientMsgID)
	assert.Equal(t, model.StatusPending, msgs[1].Status)

	// If the re-fetched history already contains the acked form, the local
	// copy is dropped instead of duplicated.
	th.Seed([]model.RawMessage{
		{ID: "m1", SenderID: "u2", Text: "theirs"},
		{ID: "m2", ClientMsgID: m.ClientMsgID, SenderID: "u1", Text: "mine"},
	})
	msgs = th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestSnapshotPrimeAndDemotion(t *testing.T) {
	store := memory.New()
	th, _ := seeded(t, ThreadOptions{Store: store},
		model.RawMessage{ID: "m1", SenderID: "u2", Text: "hi"})
	_, err := th.SendOptimistic("pending one", nil)
	require.NoError(t, err)
	th.Close()

	// A fresh thread for the same event paints from the snapshot; the
	// restored pending entry has no live timer and demotes to failed.
	th2 := NewThread("e1", self, &fakeOutbound{}, ThreadOptions{Store: store})
	defer th2.Close()
	th2.PrimeFromSnapshot(context.Background())

	msgs := th2.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, model.StatusFailed, msgs[1].Status)

	// Priming never overwrites a non-empty list.
	th2.PrimeFromSnapshot(context.Background())
	assert.Len(t, th2.Messages(), 2)
}

func TestClosedThreadIgnoresEverything(t *testing.T) {
	th, _ := seeded(t, ThreadOptions{}, model.RawMessage{ID: "m1", SenderID: "u2", Text: "hi"})
	th.Close()

	th.IngestLive(model.RawMessage{ID: "m2", SenderID: "u2", Text: "late"})
	th.ApplyStatusUpdate("m1", model.StatusRead)
	th.ApplyTombstone("m1")

	msgs := th.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
	assert.False(t, msgs[0].IsDeleted)

	_, err := th.SendOptimistic("hello", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, th.Delete("m1"), ErrClosed)
}

func TestSendTransportErrorKeepsPending(t *testing.T) {
	out := &fakeOutbound{err: ErrNotConnected}
	th := NewThread("e1", self, out, ThreadOptions{AckTimeout: time.Hour})
	defer th.Close()
	th.Seed(nil)

	m, err := th.SendOptimistic("hello", nil)
	require.NoError(t, err)

	// Transport failure does not fail the entry; a late ack over a reconnect
	// still resolves it.
	assert.Equal(t, model.StatusPending, th.Messages()[0].Status)
	th.ApplyAck(model.RawMessage{ID: "m1", ClientMsgID: m.ClientMsgID, SenderID: "u1", Text: "hello"})
	assert.Equal(t, model.StatusSent, th.Messages()[0].Status)
}

func TestReplySnapshotEmbedded(t *testing.T) {
	th, out := seeded(t, ThreadOptions{}, model.RawMessage{ID: "m1", SenderID: "u2", SenderName: "Bob", Text: "original"})

	target := th.Messages()[0]
	m, err := th.SendOptimistic("agreed", &target)
	require.NoError(t, err)
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, "m1", m.ReplyTo.MessageID)
	assert.Equal(t, "original", m.ReplyTo.Text)

	// The snapshot survives deletion of the target.
	th.ApplyTombstone("m1")
	assert.Equal(t, "original", out.lastSent().ReplyTo.Text)
}
