package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendMessageAndMessagesFor(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	m1, err := store.AppendMessage(ctx, "alice", "bob", "hi")
	req.NoError(err)
	m2, err := store.AppendMessage(ctx, "bob", "alice", "hello")
	req.NoError(err)
	_, err = store.AppendMessage(ctx, "carol", "dave", "unrelated")
	req.NoError(err)
	m4, err := store.AppendMessage(ctx, "carol", "alice", "hey alice")
	req.NoError(err)

	req.Greater(m2.ID, m1.ID)
	req.False(m1.Timestamp.IsZero())

	forAlice, err := store.MessagesFor(ctx, "alice")
	req.NoError(err)
	req.Len(forAlice, 3)
	req.Equal([]int64{m1.ID, m2.ID, m4.ID}, []int64{forAlice[0].ID, forAlice[1].ID, forAlice[2].ID})
	req.Equal("hi", forAlice[0].Body)
	req.Equal("bob", forAlice[0].Receiver)
	req.True(forAlice[0].Timestamp.Equal(m1.Timestamp))

	forBob, err := store.MessagesFor(ctx, "bob")
	req.NoError(err)
	req.Len(forBob, 2)

	forNobody, err := store.MessagesFor(ctx, "nobody")
	req.NoError(err)
	req.Empty(forNobody)
}

func TestMessagesForOrdering(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := store.AppendMessage(ctx, "alice", "bob", fmt.Sprintf("m%d", i))
		req.NoError(err)
	}

	msgs, err := store.MessagesFor(ctx, "bob")
	req.NoError(err)
	req.Len(msgs, 20)
	for i, msg := range msgs {
		req.Equal(fmt.Sprintf("m%d", i), msg.Body)
		if i > 0 {
			req.False(msg.Timestamp.Before(msgs[i-1].Timestamp))
		}
	}
}

func TestMessagesForTimestampTieUsesInsertionOrder(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		_, err := store.db.Exec(
			`INSERT INTO chat_log (sender, receiver, message, timestamp) VALUES (?, ?, ?, ?)`,
			"alice", "bob", body, int64(42),
		)
		req.NoError(err)
	}

	msgs, err := store.MessagesFor(ctx, "alice")
	req.NoError(err)
	req.Len(msgs, 3)
	req.Equal("first", msgs[0].Body)
	req.Equal("second", msgs[1].Body)
	req.Equal("third", msgs[2].Body)
}

func TestLogTimestampsSurviveClockStepBack(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	first, err := store.AppendMessage(ctx, "alice", "bob", "before")
	req.NoError(err)
	clock = clock.Add(-time.Hour)
	second, err := store.AppendMessage(ctx, "alice", "bob", "after step back")
	req.NoError(err)
	entry, err := store.AppendAudit(ctx, "alice", AuditLogout)
	req.NoError(err)

	req.True(second.Timestamp.After(first.Timestamp))
	req.True(entry.Timestamp.After(second.Timestamp))

	msgs, err := store.MessagesFor(ctx, "bob")
	req.NoError(err)
	req.Equal([]string{"before", "after step back"}, []string{msgs[0].Body, msgs[1].Body})
}

func TestLogTimestampsContinueAfterReopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	first, err := Open(dir)
	req.NoError(err)
	first.now = func() time.Time { return future }
	stored, err := first.AppendMessage(ctx, "alice", "bob", "from the future")
	req.NoError(err)
	req.NoError(first.Close())

	second, err := Open(dir)
	req.NoError(err)
	t.Cleanup(func() { _ = second.Close() })
	later, err := second.AppendMessage(ctx, "alice", "bob", "after restart")
	req.NoError(err)
	req.True(later.Timestamp.After(stored.Timestamp))
}

func TestAppendMessageValidation(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendMessage(ctx, "", "bob", "x")
	req.Error(err)
	_, err = store.AppendMessage(ctx, "alice", "", "x")
	req.Error(err)

	// Empty bodies are valid messages.
	msg, err := store.AppendMessage(ctx, "alice", "bob", "")
	req.NoError(err)
	req.Equal("", msg.Body)
}

func TestMessageCounterpart(t *testing.T) {
	req := require.New(t)

	msg := Message{Sender: "alice", Receiver: "bob"}
	req.Equal("bob", msg.Counterpart("alice"))
	req.Equal("alice", msg.Counterpart("bob"))

	self := Message{Sender: "alice", Receiver: "alice"}
	req.Equal("alice", self.Counterpart("alice"))
}
