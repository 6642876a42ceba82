package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// clockedStore is a Store whose time source can be replaced.
type clockedStore interface {
	Store
	SetClock(func() time.Time)
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// forEachStore runs fn against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s clockedStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func generateTestID(prefix string, i int) string {
	return fmt.Sprintf("%s-%d", prefix, i)
}

func createTestThread(t *testing.T, s Store, participants ...string) *Thread {
	t.Helper()
	if len(participants) == 0 {
		participants = []string{"alice", "bob"}
	}
	thread := &Thread{
		Participants:    participants,
		Subject:         "check-in",
		RetentionPolicy: Retention30Days,
		CreatedBy:       participants[0],
	}
	require.NoError(t, s.CreateThread(context.Background(), thread, nil))
	return thread
}

func sendTestMessage(t *testing.T, s Store, threadID, sender, content string) *Message {
	t.Helper()
	msg := &Message{ThreadID: threadID, SenderID: sender, Content: content}
	require.NoError(t, s.SendMessage(context.Background(), msg, nil))
	return msg
}

func TestStore_CreateThread(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()

		thread := &Thread{
			Participants:    []string{"alice", "bob", "alice"},
			Subject:         "weekly plan",
			RetentionPolicy: "30days",
			CreatedBy:       "alice",
		}
		audit := &AuditEntry{ActorID: "alice", Action: AuditThreadCreated}
		require.NoError(t, s.CreateThread(ctx, thread, audit))
		assert.NotEmpty(t, thread.ID)

		got, err := s.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, got.Participants)
		assert.Equal(t, Retention30Days, got.RetentionPolicy)
		assert.Equal(t, "weekly plan", got.Subject)
		assert.False(t, got.Archived)

		entries, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, AuditThreadCreated, entries[0].Action)
		assert.Equal(t, thread.ID, entries[0].TargetID)
		assert.Equal(t, TargetThread, entries[0].TargetType)
	})
}

func TestStore_CreateThread_InvalidParticipants(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()

		for _, parts := range [][]string{nil, {"alice"}, {"alice", "alice"}, {"alice", " "}} {
			err := s.CreateThread(ctx, &Thread{Participants: parts, RetentionPolicy: Retention7Days}, nil)
			assert.ErrorIs(t, err, ErrInvalidParticipants)
			assert.ErrorIs(t, err, ErrValidation)
		}
	})
}

func TestStore_CreateThread_UnknownPolicy(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		err := s.CreateThread(context.Background(), &Thread{
			Participants:    []string{"alice", "bob"},
			RetentionPolicy: "forever-ish",
		}, nil)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestStore_GetThread_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		_, err := s.GetThread(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrThreadNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SendMessage_AssignsOrderAndCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s, "alice", "bob", "carol")

		m1 := sendTestMessage(t, s, thread.ID, "alice", "hello")
		m2 := sendTestMessage(t, s, thread.ID, "bob", "hi")

		assert.Equal(t, int64(1), m1.Seq)
		assert.Equal(t, int64(2), m2.Seq)
		assert.Equal(t, ModerationPending, m1.ModerationStatus)
		assert.False(t, m2.CreatedAt.Before(m1.CreatedAt))

		for user, want := range map[string]int{"alice": 1, "bob": 1, "carol": 2} {
			got, err := s.UnreadCount(ctx, thread.ID, user)
			require.NoError(t, err)
			assert.Equal(t, want, got, user)
		}

		got, err := s.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, m2.ID, got.LastMessageID)
		assert.Equal(t, int64(2), got.LastSeq)
	})
}

func TestStore_SendMessage_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)

		err := s.SendMessage(ctx, &Message{ThreadID: "missing", SenderID: "alice", Content: "x"}, nil)
		assert.ErrorIs(t, err, ErrThreadNotFound)

		err = s.SendMessage(ctx, &Message{ThreadID: thread.ID, SenderID: "mallory", Content: "x"}, nil)
		assert.ErrorIs(t, err, ErrForbidden)

		_, err = s.SetThreadArchived(ctx, thread.ID, true, nil)
		require.NoError(t, err)
		err = s.SendMessage(ctx, &Message{ThreadID: thread.ID, SenderID: "alice", Content: "x"}, nil)
		assert.ErrorIs(t, err, ErrThreadArchived)
		assert.ErrorIs(t, err, ErrInvalidState)

		// Reads still work on an archived thread.
		_, err = s.ListMessages(ctx, thread.ID, MessagePage{})
		assert.NoError(t, err)
	})
}

func TestStore_SendMessage_WritesOneAuditEntry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)

		msg := &Message{ThreadID: thread.ID, SenderID: "alice", Content: "hello"}
		audit := &AuditEntry{ActorID: "alice", Action: AuditMessageSent, IPAddress: "10.0.0.1", UserAgent: "test"}
		require.NoError(t, s.SendMessage(ctx, msg, audit))

		action := AuditMessageSent
		entries, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, msg.ID, entries[0].TargetID)
		assert.Equal(t, "10.0.0.1", entries[0].IPAddress)
		assert.Equal(t, "test", entries[0].UserAgent)
	})
}

// Concurrent sends get distinct positions and exact counters.
func TestStore_SendMessage_ConcurrentDistinctPositions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s, "alice", "bob", "carol")

		const perSender = 10
		senders := []string{"alice", "bob"}
		var wg sync.WaitGroup
		for _, sender := range senders {
			for i := 0; i < perSender; i++ {
				wg.Add(1)
				go func(sender string, i int) {
					defer wg.Done()
					msg := &Message{ThreadID: thread.ID, SenderID: sender, Content: fmt.Sprintf("%s-%d", sender, i)}
					assert.NoError(t, s.SendMessage(ctx, msg, nil))
				}(sender, i)
			}
		}
		wg.Wait()

		list, err := s.ListMessages(ctx, thread.ID, MessagePage{Limit: 100})
		require.NoError(t, err)
		require.Len(t, list.Messages, 2*perSender)

		seen := make(map[int64]bool)
		for i, m := range list.Messages {
			assert.False(t, seen[m.Seq], "duplicate position %d", m.Seq)
			seen[m.Seq] = true
			if i > 0 {
				assert.Less(t, m.Seq, list.Messages[i-1].Seq)
				assert.False(t, m.CreatedAt.After(list.Messages[i-1].CreatedAt))
			}
		}

		alice, err := s.UnreadCount(ctx, thread.ID, "alice")
		require.NoError(t, err)
		bob, err := s.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		carol, err := s.UnreadCount(ctx, thread.ID, "carol")
		require.NoError(t, err)
		assert.Equal(t, perSender, alice)
		assert.Equal(t, perSender, bob)
		assert.Equal(t, 2*perSender, carol)
	})
}

// Sends racing reads on the same counter must not lose either update.
func TestStore_ConcurrentSendsAndReads(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)

		const n = 15
		ids := make(chan string, n)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer close(ids)
			for i := 0; i < n; i++ {
				msg := &Message{ThreadID: thread.ID, SenderID: "alice", Content: "x"}
				if assert.NoError(t, s.SendMessage(ctx, msg, nil)) {
					ids <- msg.ID
				}
			}
		}()
		go func() {
			defer wg.Done()
			i := 0
			for id := range ids {
				if i%3 != 0 {
					_, err := s.MarkRead(ctx, id, "bob")
					assert.NoError(t, err)
				}
				i++
			}
		}()
		wg.Wait()

		count, err := s.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})
}

// The reader's count goes 1 -> 0, the sender's stays 0.
func TestStore_MarkRead_ClearsReaderCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := &Thread{Participants: []string{"coach", "client"}, Subject: "s", RetentionPolicy: "30days"}
		require.NoError(t, s.CreateThread(ctx, thread, nil))

		m1 := sendTestMessage(t, s, thread.ID, "coach", "welcome")

		before, err := s.UnreadCount(ctx, thread.ID, "client")
		require.NoError(t, err)
		assert.Equal(t, 1, before)
		senderCount, err := s.UnreadCount(ctx, thread.ID, "coach")
		require.NoError(t, err)
		assert.Equal(t, 0, senderCount)

		changed, err := s.MarkRead(ctx, m1.ID, "client")
		require.NoError(t, err)
		assert.True(t, changed)

		after, err := s.UnreadCount(ctx, thread.ID, "client")
		require.NoError(t, err)
		assert.Equal(t, 0, after)
		senderCount, err = s.UnreadCount(ctx, thread.ID, "coach")
		require.NoError(t, err)
		assert.Equal(t, 0, senderCount)
	})
}

func TestStore_MarkRead_Idempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		sendTestMessage(t, s, thread.ID, "alice", "one")
		m2 := sendTestMessage(t, s, thread.ID, "alice", "two")

		changed, err := s.MarkRead(ctx, m2.ID, "bob")
		require.NoError(t, err)
		assert.True(t, changed)
		first, err := s.GetMessage(ctx, m2.ID)
		require.NoError(t, err)

		changed, err = s.MarkRead(ctx, m2.ID, "bob")
		require.NoError(t, err)
		assert.False(t, changed)
		second, err := s.GetMessage(ctx, m2.ID)
		require.NoError(t, err)

		assert.Equal(t, first.ReadBy, second.ReadBy)
		require.Len(t, second.ReadBy, 1)
		assert.Equal(t, "bob", second.ReadBy[0].ReaderID)

		count, err := s.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestStore_MarkRead_ConcurrentSameReader(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		sendTestMessage(t, s, thread.ID, "alice", "one")
		m := sendTestMessage(t, s, thread.ID, "alice", "two")

		var wg sync.WaitGroup
		var mu sync.Mutex
		changes := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				changed, err := s.MarkRead(ctx, m.ID, "bob")
				assert.NoError(t, err)
				if changed {
					mu.Lock()
					changes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, changes)
		count, err := s.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestStore_MarkRead_BySenderDoesNotTouchCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		m := sendTestMessage(t, s, thread.ID, "alice", "one")

		_, err := s.MarkRead(ctx, m.ID, "alice")
		require.NoError(t, err)

		bob, err := s.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, bob)
		alice, err := s.UnreadCount(ctx, thread.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, alice)
	})
}

func TestStore_EditMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		m := sendTestMessage(t, s, thread.ID, "alice", "helo")

		_, err := s.TransitionModeration(ctx, m.ID, ModerationApproved, nil)
		require.NoError(t, err)

		_, err = s.EditMessage(ctx, m.ID, "bob", "hijack", nil)
		assert.ErrorIs(t, err, ErrForbidden)

		edited, err := s.EditMessage(ctx, m.ID, "alice", "hello", &AuditEntry{ActorID: "alice", Action: AuditMessageEdited})
		require.NoError(t, err)
		assert.Equal(t, "hello", edited.Content)
		require.NotNil(t, edited.EditedAt)
		assert.Equal(t, ModerationApproved, edited.ModerationStatus)
		assert.Equal(t, thread.ID, edited.ThreadID)
		assert.Equal(t, "alice", edited.SenderID)
	})
}

func TestStore_EditMessage_RemovedStaysUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		m := sendTestMessage(t, s, thread.ID, "alice", "you are awful")

		report := &Report{MessageID: m.ID, ReporterID: "bob", Reason: ReasonHarassment}
		require.NoError(t, s.CreateReport(ctx, report, 0, nil))
		_, err := s.ResolveReport(ctx, report.ID, "mod", ActionRemoved, nil)
		require.NoError(t, err)

		_, err = s.EditMessage(ctx, m.ID, "alice", "nothing to see", &AuditEntry{ActorID: "alice", Action: AuditMessageEdited})
		assert.ErrorIs(t, err, ErrMessageRemoved)
		assert.ErrorIs(t, err, ErrInvalidState)

		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "you are awful", got.Content)
		assert.Nil(t, got.EditedAt)
		assert.Equal(t, ModerationRemoved, got.ModerationStatus)

		action := AuditMessageEdited
		entries, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestStore_DeleteMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		keep := sendTestMessage(t, s, thread.ID, "alice", "keep")
		gone := sendTestMessage(t, s, thread.ID, "alice", "oops")

		assert.ErrorIs(t, s.DeleteMessage(ctx, gone.ID, "bob", nil), ErrForbidden)
		require.NoError(t, s.DeleteMessage(ctx, gone.ID, "alice", nil))
		assert.ErrorIs(t, s.DeleteMessage(ctx, gone.ID, "alice", nil), ErrInvalidState)

		list, err := s.ListMessages(ctx, thread.ID, MessagePage{})
		require.NoError(t, err)
		require.Len(t, list.Messages, 1)
		assert.Equal(t, keep.ID, list.Messages[0].ID)

		// The record itself is retained.
		got, err := s.GetMessage(ctx, gone.ID)
		require.NoError(t, err)
		assert.True(t, got.Deleted)

		count, err := s.UnreadCount(ctx, thread.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		_, err = s.MarkRead(ctx, gone.ID, "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// Round trip: the message just sent is the newest entry.
func TestStore_ListMessages_ReadAfterWrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		for i := 0; i < 3; i++ {
			sendTestMessage(t, s, thread.ID, "alice", generateTestID("msg", i))
		}
		latest := sendTestMessage(t, s, thread.ID, "bob", "latest")

		list, err := s.ListMessages(ctx, thread.ID, MessagePage{Limit: 1})
		require.NoError(t, err)
		require.Len(t, list.Messages, 1)
		assert.Equal(t, latest.ID, list.Messages[0].ID)
		assert.Equal(t, "latest", list.Messages[0].Content)
	})
}

func TestStore_ListMessages_Pagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		for i := 0; i < 5; i++ {
			sendTestMessage(t, s, thread.ID, "alice", generateTestID("msg", i))
		}

		page1, err := s.ListMessages(ctx, thread.ID, MessagePage{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page1.Messages, 2)
		require.NotEmpty(t, page1.NextCursor)
		assert.Equal(t, "msg-4", page1.Messages[0].Content)

		// A send between pages does not shift the next page.
		sendTestMessage(t, s, thread.ID, "bob", "interleaved")

		page2, err := s.ListMessages(ctx, thread.ID, MessagePage{Limit: 2, Cursor: page1.NextCursor})
		require.NoError(t, err)
		require.Len(t, page2.Messages, 2)
		assert.Equal(t, "msg-2", page2.Messages[0].Content)
		assert.Equal(t, "msg-1", page2.Messages[1].Content)

		page3, err := s.ListMessages(ctx, thread.ID, MessagePage{Limit: 2, Cursor: page2.NextCursor})
		require.NoError(t, err)
		require.Len(t, page3.Messages, 1)
		assert.Empty(t, page3.NextCursor)

		_, err = s.ListMessages(ctx, thread.ID, MessagePage{Cursor: "not-a-cursor!"})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = s.ListMessages(ctx, "missing", MessagePage{})
		assert.ErrorIs(t, err, ErrThreadNotFound)
	})
}

func TestStore_MuteAndArchiveToggle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		sendTestMessage(t, s, thread.ID, "alice", "hi")

		muted, err := s.SetThreadMuted(ctx, thread.ID, true, &AuditEntry{ActorID: "bob", Action: AuditThreadMuted})
		require.NoError(t, err)
		assert.True(t, muted.Muted)

		archived, err := s.SetThreadArchived(ctx, thread.ID, true, &AuditEntry{ActorID: "bob", Action: AuditThreadArchived})
		require.NoError(t, err)
		assert.True(t, archived.Archived)

		// Archiving is a flag; messages are untouched.
		list, err := s.ListMessages(ctx, thread.ID, MessagePage{})
		require.NoError(t, err)
		assert.Len(t, list.Messages, 1)

		restored, err := s.SetThreadArchived(ctx, thread.ID, false, nil)
		require.NoError(t, err)
		assert.False(t, restored.Archived)

		_, err = s.SetThreadMuted(ctx, "missing", true, nil)
		assert.ErrorIs(t, err, ErrThreadNotFound)
	})
}

func TestStore_ListThreadsForUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		clock := newTestClock(time.Now())
		s.SetClock(clock.Now)

		older := createTestThread(t, s, "alice", "bob")
		clock.Advance(time.Minute)
		newer := &Thread{Participants: []string{"alice", "carol"}, Subject: "nutrition plan", RetentionPolicy: Retention7Days}
		require.NoError(t, s.CreateThread(ctx, newer, nil))
		createTestThread(t, s, "bob", "carol")

		clock.Advance(time.Minute)
		sendTestMessage(t, s, older.ID, "bob", "see you tuesday")

		views, err := s.ListThreadsForUser(ctx, "alice", ThreadFilter{})
		require.NoError(t, err)
		require.Len(t, views, 2)
		assert.Equal(t, older.ID, views[0].ID)
		assert.Equal(t, 1, views[0].UnreadCount)
		require.NotNil(t, views[0].LastMessage)
		assert.Equal(t, "see you tuesday", views[0].LastMessage.Content)
		assert.Equal(t, newer.ID, views[1].ID)

		found, err := s.ListThreadsForUser(ctx, "alice", ThreadFilter{Search: "NUTRITION"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, newer.ID, found[0].ID)

		found, err = s.ListThreadsForUser(ctx, "alice", ThreadFilter{Search: "tuesday"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, older.ID, found[0].ID)

		_, err = s.SetThreadArchived(ctx, older.ID, true, nil)
		require.NoError(t, err)
		views, err = s.ListThreadsForUser(ctx, "alice", ThreadFilter{})
		require.NoError(t, err)
		assert.Len(t, views, 1)
		views, err = s.ListThreadsForUser(ctx, "alice", ThreadFilter{IncludeArchived: true})
		require.NoError(t, err)
		assert.Len(t, views, 2)
	})
}

func TestStore_ListThreads_Paging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			createTestThread(t, s)
		}

		var all []string
		after := ""
		for {
			page, err := s.ListThreads(ctx, after, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, th := range page {
				all = append(all, th.ID)
				assert.Len(t, th.Participants, 2)
			}
			after = page[len(page)-1].ID
		}
		assert.Len(t, all, 5)
	})
}

func TestStore_SearchMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		mine := createTestThread(t, s, "alice", "bob")
		other := createTestThread(t, s, "carol", "dave")

		sendTestMessage(t, s, mine.ID, "alice", "Protein targets for the week")
		sendTestMessage(t, s, mine.ID, "bob", "unrelated")
		sendTestMessage(t, s, other.ID, "carol", "protein shake recipe")
		hidden := sendTestMessage(t, s, mine.ID, "alice", "protein again")
		require.NoError(t, s.DeleteMessage(ctx, hidden.ID, "alice", nil))

		found, err := s.SearchMessages(ctx, "bob", "PROTEIN", 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "Protein targets for the week", found[0].Content)

		found, err = s.SearchMessages(ctx, "bob", "100%", 10)
		require.NoError(t, err)
		assert.Empty(t, found)

		_, err = s.SearchMessages(ctx, "bob", "  ", 10)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestStore_ExportJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)

		job := &ExportJob{ThreadID: thread.ID, RequestedBy: "alice"}
		require.NoError(t, s.CreateExportJob(ctx, job, &AuditEntry{ActorID: "alice", Action: AuditExportRequested}))
		assert.Equal(t, ExportQueued, job.Status)

		done := time.Now().UTC()
		job.Status = ExportCompleted
		job.ResultURL = "https://files.example.com/exports/" + job.ID + ".html"
		job.CompletedAt = &done
		require.NoError(t, s.UpdateExportJob(ctx, job))

		got, err := s.GetExportJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, ExportCompleted, got.Status)
		assert.Equal(t, job.ResultURL, got.ResultURL)
		require.NotNil(t, got.CompletedAt)

		err = s.CreateExportJob(ctx, &ExportJob{ThreadID: "missing", RequestedBy: "alice"}, nil)
		assert.ErrorIs(t, err, ErrThreadNotFound)
		_, err = s.GetExportJob(ctx, "missing")
		assert.ErrorIs(t, err, ErrExportNotFound)
	})
}

func TestSQLiteStore_SchemaVersion(t *testing.T) {
	s := setupTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "messaging.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	thread := createTestThread(t, s)
	sendTestMessage(t, s, thread.ID, "alice", "durable")
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	list, err := s.ListMessages(context.Background(), thread.ID, MessagePage{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "durable", list.Messages[0].Content)
}

func TestParseRetentionPolicy(t *testing.T) {
	cases := map[string]RetentionPolicy{
		"7d": Retention7Days, "7days": Retention7Days,
		"30d": Retention30Days, "30days": Retention30Days,
		"90days": Retention90Days, "1year": Retention1Year, "1y": Retention1Year,
		"permanent": RetentionPermanent, "": RetentionPermanent,
	}
	for in, want := range cases {
		got, err := ParseRetentionPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRetentionPolicy("2w")
	assert.ErrorIs(t, err, ErrValidation)

	w, ok := Retention30Days.Window()
	assert.True(t, ok)
	assert.Equal(t, 30*24*time.Hour, w)
	_, ok = RetentionPermanent.Window()
	assert.False(t, ok)
}

func TestCanTransition(t *testing.T) {
	all := []ModerationStatus{ModerationPending, ModerationApproved, ModerationFlagged, ModerationRemoved}
	legal := map[[2]ModerationStatus]bool{
		{ModerationPending, ModerationApproved}: true,
		{ModerationPending, ModerationFlagged}:  true,
		{ModerationFlagged, ModerationRemoved}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]ModerationStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTransient))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(ErrThreadArchived))
	assert.False(t, IsRetryable(ErrForbidden))
	assert.False(t, IsRetryable(nil))
}
