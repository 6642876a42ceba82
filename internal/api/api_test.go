// ABOUTME: Tests for the messaging HTTP API
// ABOUTME: Drives the routes through httptest with real JWTs and the mock store

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messaging/internal/auth"
	"github.com/2389/coven-messaging/internal/conversation"
	"github.com/2389/coven-messaging/internal/dedupe"
	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/moderation"
	"github.com/2389/coven-messaging/internal/notify"
	"github.com/2389/coven-messaging/internal/presence"
	"github.com/2389/coven-messaging/internal/store"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

type testAPI struct {
	handler  http.Handler
	api      *Handler
	verifier *auth.JWTVerifier
	metrics  *metrics.Metrics
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()

	s := store.NewMockStore()
	m := metrics.New()
	tracker := presence.NewMemoryTracker(time.Minute, nil)
	t.Cleanup(func() { _ = tracker.Close() })
	events := notify.NewBroadcaster(nil)
	t.Cleanup(events.Close)

	svc := conversation.New(conversation.Deps{
		Store:       s,
		Presence:    tracker,
		Moderation:  moderation.New(s, moderation.Config{}, m, nil),
		Authorizer:  auth.NewPolicyAuthorizer(),
		Notifier:    events,
		Subscriber:  events,
		Metrics:     m,
		Idempotency: dedupe.New(time.Hour, 100),
	}, conversation.Config{}, nil)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	opts.Verifier = verifier
	opts.Metrics = m
	if opts.Moderators == nil {
		opts.Moderators = []string{"mod"}
	}
	h := New(svc, opts, nil)
	return &testAPI{handler: h.Routes(), api: h, verifier: verifier, metrics: m}
}

func (a *testAPI) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := a.verifier.Generate(user, nil, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as user (empty for anonymous) and decodes a JSON
// response into out when out is non-nil.
func (a *testAPI) do(t *testing.T, user, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, user))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (a *testAPI) createThread(t *testing.T, participants ...string) ThreadResponse {
	t.Helper()
	var thread ThreadResponse
	rec := a.do(t, participants[0], http.MethodPost, "/api/threads", CreateThreadRequest{
		Participants: participants,
		Subject:      "plans",
	}, &thread)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return thread
}

func (a *testAPI) send(t *testing.T, user, threadID, content string) MessageResponse {
	t.Helper()
	var msg MessageResponse
	rec := a.do(t, user, http.MethodPost, "/api/threads/"+threadID+"/messages", SendMessageRequest{Content: content}, &msg)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return msg
}

func TestAPI_ThreadLifecycle(t *testing.T) {
	a := newTestAPI(t, Options{})

	thread := a.createThread(t, "alice", "bob")
	assert.Equal(t, []string{"alice", "bob"}, thread.Participants)
	assert.Equal(t, "permanent", thread.RetentionPolicy)

	m1 := a.send(t, "alice", thread.ID, "hello bob")
	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, "alice", m1.SenderID)

	var view ThreadResponse
	rec := a.do(t, "bob", http.MethodGet, "/api/threads/"+thread.ID, nil, &view)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, view.UnreadCount)
	assert.Equal(t, 1, *view.UnreadCount)
	require.NotNil(t, view.LastMessage)
	assert.Equal(t, m1.ID, view.LastMessage.ID)

	var read map[string]bool
	rec = a.do(t, "bob", http.MethodPut, "/api/messages/"+m1.ID+"/read", nil, &read)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, read["changed"])

	rec = a.do(t, "bob", http.MethodPut, "/api/messages/"+m1.ID+"/read", nil, &read)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, read["changed"])

	a.send(t, "bob", thread.ID, "hi alice")
	var list MessageListResponse
	rec = a.do(t, "alice", http.MethodGet, "/api/threads/"+thread.ID+"/messages?limit=1", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "hi alice", list.Messages[0].Content)
	require.NotEmpty(t, list.NextCursor)

	rec = a.do(t, "alice", http.MethodGet, "/api/threads/"+thread.ID+"/messages?limit=1&cursor="+list.NextCursor, nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "hello bob", list.Messages[0].Content)

	var threads struct {
		Threads []ThreadResponse `json:"threads"`
	}
	rec = a.do(t, "bob", http.MethodGet, "/api/threads", nil, &threads)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, threads.Threads, 1)
	assert.Equal(t, thread.ID, threads.Threads[0].ID)
}

func TestAPI_EditDeleteAndSearch(t *testing.T) {
	a := newTestAPI(t, Options{})
	thread := a.createThread(t, "alice", "bob")
	msg := a.send(t, "alice", thread.ID, "lunch at noon")

	rec := a.do(t, "bob", http.MethodPatch, "/api/messages/"+msg.ID, EditMessageRequest{Content: "hijack"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var edited MessageResponse
	rec = a.do(t, "alice", http.MethodPatch, "/api/messages/"+msg.ID, EditMessageRequest{Content: "lunch at one"}, &edited)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lunch at one", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	var found struct {
		Messages []MessageResponse `json:"messages"`
	}
	rec = a.do(t, "bob", http.MethodGet, "/api/search?q=lunch", nil, &found)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, found.Messages, 1)

	rec = a.do(t, "bob", http.MethodGet, "/api/search", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, "alice", http.MethodDelete, "/api/messages/"+msg.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, "bob", http.MethodGet, "/api/search?q=lunch", nil, &found)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, found.Messages)

	var atts struct {
		Attachments []AttachmentResponse `json:"attachments"`
	}
	m2 := a.send(t, "bob", thread.ID, "no files")
	rec = a.do(t, "alice", http.MethodGet, "/api/messages/"+m2.ID+"/attachments", nil, &atts)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, atts.Attachments)
}

func TestAPI_Authentication(t *testing.T) {
	a := newTestAPI(t, Options{})

	rec := a.do(t, "", http.MethodGet, "/api/threads", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Query token is accepted on GET only.
	req = httptest.NewRequest(http.MethodGet, "/api/threads?access_token="+a.token(t, "alice"), nil)
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/threads?access_token="+a.token(t, "alice"), strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	a := newTestAPI(t, Options{})
	thread := a.createThread(t, "alice", "bob")

	tests := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		want   int
	}{
		{"non participant", "mallory", http.MethodGet, "/api/threads/" + thread.ID, nil, http.StatusForbidden},
		{"unknown thread", "alice", http.MethodGet, "/api/threads/nope", nil, http.StatusForbidden},
		{"unknown thread moderator", "mod", http.MethodGet, "/api/threads/nope", nil, http.StatusNotFound},
		{"single participant", "alice", http.MethodPost, "/api/threads", CreateThreadRequest{Participants: []string{"alice"}}, http.StatusBadRequest},
		{"bad retention", "alice", http.MethodPost, "/api/threads", CreateThreadRequest{Participants: []string{"alice", "bob"}, RetentionPolicy: "2years"}, http.StatusBadRequest},
		{"bad limit", "alice", http.MethodGet, "/api/threads?limit=abc", nil, http.StatusBadRequest},
		{"empty message", "alice", http.MethodPost, "/api/threads/" + thread.ID + "/messages", SendMessageRequest{}, http.StatusBadRequest},
		{"moderator only", "alice", http.MethodGet, "/api/reports", nil, http.StatusForbidden},
		{"audit moderator only", "alice", http.MethodGet, "/api/audit", nil, http.StatusForbidden},
		{"export disabled", "alice", http.MethodPost, "/api/threads/" + thread.ID + "/export", nil, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, tt.user, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/threads", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+a.token(t, "alice"))
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrThreadNotFound, http.StatusNotFound},
		{store.ErrNotParticipant, http.StatusForbidden},
		{auth.ErrUnauthorized, http.StatusForbidden},
		{store.ErrInvalidParticipants, http.StatusBadRequest},
		{store.ErrAlreadyResolved, http.StatusConflict},
		{store.ErrConflict, http.StatusConflict},
		{fmt.Errorf("db busy: %w", store.ErrTransient), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestSendError_TransientSetsRetryAfter(t *testing.T) {
	h := New(nil, Options{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)

	rec := httptest.NewRecorder()
	h.sendError(rec, req, fmt.Errorf("store slow: %w", store.ErrTransient))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	h.sendError(rec, req, io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

// Through HTTP, a report resolved with removal hides the message.
func TestAPI_ModerationFlow(t *testing.T) {
	a := newTestAPI(t, Options{})
	thread := a.createThread(t, "alice", "bob")
	a.send(t, "alice", thread.ID, "first")
	bad := a.send(t, "alice", thread.ID, "spammy")

	var report ReportResponse
	rec := a.do(t, "bob", http.MethodPost, "/api/messages/"+bad.ID+"/reports", ReportRequest{Reason: "spam"}, &report)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", report.Status)

	rec = a.do(t, "bob", http.MethodPost, "/api/messages/"+bad.ID+"/reports", ReportRequest{Reason: "rude"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var reports struct {
		Reports []ReportResponse `json:"reports"`
	}
	rec = a.do(t, "mod", http.MethodGet, "/api/reports?status=pending", nil, &reports)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, reports.Reports, 1)

	rec = a.do(t, "mod", http.MethodPost, "/api/reports/"+report.ID+"/review", nil, &report)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reviewed", report.Status)

	rec = a.do(t, "mod", http.MethodPost, "/api/reports/"+report.ID+"/resolve", ResolveReportRequest{Action: "removed"}, &report)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "resolved", report.Status)
	assert.Equal(t, "removed", report.Action)

	rec = a.do(t, "mod", http.MethodPost, "/api/reports/"+report.ID+"/dismiss", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var list MessageListResponse
	rec = a.do(t, "bob", http.MethodGet, "/api/threads/"+thread.ID+"/messages", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "first", list.Messages[0].Content)

	var audit struct {
		Entries []AuditEntryResponse `json:"entries"`
	}
	rec = a.do(t, "mod", http.MethodGet, "/api/audit?action=moderation_action", nil, &audit)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, audit.Entries, 1)
	assert.Equal(t, "mod", audit.Entries[0].ActorID)
	assert.Equal(t, report.ID, audit.Entries[0].TargetID)

	rec = a.do(t, "mod", http.MethodGet, "/api/audit?since=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ThreadFlagsAndTyping(t *testing.T) {
	a := newTestAPI(t, Options{})
	thread := a.createThread(t, "alice", "bob")

	var updated ThreadResponse
	rec := a.do(t, "alice", http.MethodPut, "/api/threads/"+thread.ID+"/mute", FlagRequest{Value: true}, &updated)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, updated.Muted)

	rec = a.do(t, "bob", http.MethodPost, "/api/threads/"+thread.ID+"/typing", TypingRequest{Typing: true}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	var typing struct {
		Typing []string `json:"typing"`
	}
	rec = a.do(t, "alice", http.MethodGet, "/api/threads/"+thread.ID+"/typing", nil, &typing)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"bob"}, typing.Typing)

	rec = a.do(t, "alice", http.MethodPut, "/api/threads/"+thread.ID+"/archive", FlagRequest{Value: true}, &updated)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, updated.Archived)

	rec = a.do(t, "alice", http.MethodPost, "/api/threads/"+thread.ID+"/messages", SendMessageRequest{Content: "late"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_RateLimit(t *testing.T) {
	a := newTestAPI(t, Options{RateLimit: RateLimit{RequestsPerSecond: 0.001, Burst: 2}})

	for range 2 {
		rec := a.do(t, "alice", http.MethodGet, "/api/threads", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := a.do(t, "alice", http.MethodGet, "/api/threads", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Buckets are per caller.
	rec = a.do(t, "bob", http.MethodGet, "/api/threads", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Health(t *testing.T) {
	ready := error(nil)
	a := newTestAPI(t, Options{Ready: func(context.Context) error { return ready }})

	rec := a.do(t, "", http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = a.do(t, "", http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ready = fmt.Errorf("database closed")
	rec = a.do(t, "", http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_RecordsRequestMetrics(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.do(t, "alice", http.MethodGet, "/api/threads", nil, nil)
	a.do(t, "", http.MethodGet, "/nowhere", nil, nil)

	families, err := a.metrics.Registry().Gather()
	require.NoError(t, err)

	routes := map[string]bool{}
	for _, f := range families {
		if f.GetName() != "coven_messaging_http_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "route" {
					routes[l.GetValue()] = true
				}
			}
		}
	}
	assert.True(t, routes["GET /api/threads"])
	assert.True(t, routes["unmatched"])
}

func TestAPI_EventStream(t *testing.T) {
	a := newTestAPI(t, Options{})
	thread := a.createThread(t, "alice", "bob")

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := fmt.Sprintf("%s/api/threads/%s/events?access_token=%s", srv.URL, thread.ID, a.token(t, "bob"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, _ := readEvent()
	require.Equal(t, "subscribed", event)

	msg := a.send(t, "alice", thread.ID, "are you there?")

	event, data := readEvent()
	require.Equal(t, string(notify.EventMessageDelivered), event)
	var ev notify.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, thread.ID, ev.ThreadID)
	assert.Equal(t, msg.ID, ev.MessageID)
}

func TestAPI_EventStreamForbidden(t *testing.T) {
	a := newTestAPI(t, Options{})
	thread := a.createThread(t, "alice", "bob")

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	url := fmt.Sprintf("%s/api/threads/%s/events?access_token=%s", srv.URL, thread.ID, a.token(t, "mallory"))
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLimiterPool_Cleanup(t *testing.T) {
	p := newLimiterPool(RateLimit{})
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	assert.True(t, p.allow("alice"))
	now = now.Add(5 * time.Minute)
	assert.True(t, p.allow("bob"))
	assert.Equal(t, 2, p.len())

	now = now.Add(6 * time.Minute)
	p.cleanup()
	assert.Equal(t, 1, p.len())
}

func TestAPI_IdempotencyKey(t *testing.T) {
	a := newTestAPI(t, Options{})
	thread := a.createThread(t, "alice", "bob")

	post := func() MessageResponse {
		req := httptest.NewRequest(http.MethodPost, "/api/threads/"+thread.ID+"/messages", strings.NewReader(`{"content":"only once"}`))
		req.Header.Set("Authorization", "Bearer "+a.token(t, "alice"))
		req.Header.Set("Idempotency-Key", "client-retry-7")
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var msg MessageResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
		return msg
	}

	first := post()
	second := post()
	assert.Equal(t, first.ID, second.ID)

	var list MessageListResponse
	rec := a.do(t, "alice", http.MethodGet, "/api/threads/"+thread.ID+"/messages", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list.Messages, 1)
}
