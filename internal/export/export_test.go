// ABOUTME: Tests for thread export rendering, sinks and the job lifecycle
// ABOUTME: Uses the mock store and an in-memory sink

package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messaging/internal/store"
)

type memorySink struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func newMemorySink() *memorySink {
	return &memorySink{files: make(map[string][]byte)}
}

func (s *memorySink) Write(ctx context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.files[name] = data
	return "https://exports.test/" + name, nil
}

func (s *memorySink) get(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.files[name])
}

func seedThread(t *testing.T, s *store.MockStore, n int) *store.Thread {
	t.Helper()
	ctx := context.Background()
	thread := &store.Thread{Participants: []string{"alice", "bob"}, Subject: "Launch <plan>", CreatedBy: "alice"}
	require.NoError(t, s.CreateThread(ctx, thread, nil))
	for i := 1; i <= n; i++ {
		msg := &store.Message{ThreadID: thread.ID, SenderID: "alice", Content: fmt.Sprintf("message-%02d", i)}
		require.NoError(t, s.SendMessage(ctx, msg, nil))
	}
	return thread
}

func waitForStatus(t *testing.T, e *Exporter, jobID string, want store.ExportStatus) *store.ExportJob {
	t.Helper()
	var job *store.ExportJob
	require.Eventually(t, func() bool {
		var err error
		job, err = e.Get(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestRender_EscapesContent(t *testing.T) {
	thread := &store.Thread{ID: "t1", Participants: []string{"alice", "bob"}, Subject: "Plans", RetentionPolicy: store.Retention30Days}
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	edited := at.Add(time.Minute)
	messages := []*store.Message{
		{SenderID: "alice", Content: "<script>alert(1)</script> **bold**\n# not a heading", CreatedAt: at},
		{SenderID: "bob", Content: "see file", CreatedAt: at.Add(2 * time.Hour), EditedAt: &edited,
			Attachments: []*store.Attachment{{Name: "deck.pdf", Size: 2_500_000, ScanStatus: store.ScanClean}}},
	}

	doc, err := Render(thread, messages, at.Add(24*time.Hour))
	require.NoError(t, err)
	html := string(doc)

	assert.Contains(t, html, "<title>Plans</title>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "**bold**")
	assert.NotContains(t, html, "<strong>bold</strong>")
	assert.NotContains(t, html, "<h1>not a heading</h1>")
	assert.Contains(t, html, "<h1>Plans</h1>")
	assert.Contains(t, html, "(edited)")
	assert.Contains(t, html, "deck.pdf (2.5 MB, clean)")
	assert.Contains(t, html, "Messages: 2")
	assert.Contains(t, html, "2 hours")
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b`, escapeMarkdown("a_b"))
	assert.Equal(t, "one\\\ntwo", escapeMarkdown("one\n\n  two  "))
	assert.Equal(t, "", escapeMarkdown("  \n "))
}

func TestExporter_CompletesJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	thread := seedThread(t, s, 5)
	sink := newMemorySink()

	e := New(s, sink, Config{PageSize: 2}, nil)
	e.Start(ctx)
	t.Cleanup(e.Stop)

	job, err := e.Request(ctx, thread.ID, "alice", &store.AuditEntry{ActorID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, store.ExportQueued, job.Status)

	done := waitForStatus(t, e, job.ID, store.ExportCompleted)
	assert.Equal(t, "https://exports.test/"+job.ID+".html", done.ResultURL)
	assert.NotNil(t, done.CompletedAt)

	html := sink.get(job.ID + ".html")
	assert.Contains(t, html, "Launch &lt;plan&gt;")
	last := -1
	for i := 1; i <= 5; i++ {
		idx := strings.Index(html, fmt.Sprintf("message\\-%02d", i))
		if idx < 0 {
			idx = strings.Index(html, fmt.Sprintf("message-%02d", i))
		}
		require.Greater(t, idx, last, "messages render oldest first across pages")
		last = idx
	}

	action := store.AuditExportRequested
	entries, err := s.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].ActorID)
}

func TestExporter_SinkFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	thread := seedThread(t, s, 1)
	sink := newMemorySink()
	sink.err = errors.New("bucket unavailable")

	e := New(s, sink, Config{}, nil)
	e.Start(ctx)
	t.Cleanup(e.Stop)

	job, err := e.Request(ctx, thread.ID, "alice", nil)
	require.NoError(t, err)

	failed := waitForStatus(t, e, job.ID, store.ExportFailed)
	assert.Contains(t, failed.Error, "bucket unavailable")
	assert.Empty(t, failed.ResultURL)
}

func TestExporter_UnknownThread(t *testing.T) {
	e := New(store.NewMockStore(), newMemorySink(), Config{}, nil)
	_, err := e.Request(context.Background(), "missing", "alice", nil)
	assert.ErrorIs(t, err, store.ErrThreadNotFound)
}

func TestExporter_QueueFull(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	thread := seedThread(t, s, 1)

	e := New(s, newMemorySink(), Config{QueueSize: 1}, nil)
	_, err := e.Request(ctx, thread.ID, "alice", nil)
	require.NoError(t, err)

	job, err := e.Request(ctx, thread.ID, "alice", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, store.ErrTransient)

	got, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExportFailed, got.Status)
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	sink, err := NewFileSink(dir, "https://files.example.com/exports/")
	require.NoError(t, err)

	url, err := sink.Write(context.Background(), "job-1.html", []byte("<p>hi</p>"))
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/exports/job-1.html", url)

	data, err := os.ReadFile(filepath.Join(dir, "job-1.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(data))

	_, err = sink.Write(context.Background(), "../escape.html", nil)
	assert.ErrorIs(t, err, store.ErrValidation)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	_, err = NewFileSink(dir, "not a url")
	assert.ErrorIs(t, err, store.ErrValidation)
}
