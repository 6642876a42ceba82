// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same state machine rules

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockCounterKey struct {
	threadID string
	userID   string
}

// MockStore is an in-memory Store implementation for testing.
// A single mutex makes every method atomic, which stands in for the
// transactions of the SQLite store.
type MockStore struct {
	mu          sync.Mutex
	threads     map[string]*Thread             // keyed by thread ID
	messages    map[string]*Message            // keyed by message ID
	byThread    map[string][]string            // thread ID -> message IDs in seq order
	unread      map[mockCounterKey]int         // (thread, user) -> unread count
	attachments map[string]*Attachment         // keyed by attachment ID
	reports     map[string]*Report             // keyed by report ID
	audit       []AuditEntry                   // append order
	exports     map[string]*ExportJob          // keyed by job ID
	now         func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads:     make(map[string]*Thread),
		messages:    make(map[string]*Message),
		byThread:    make(map[string][]string),
		unread:      make(map[mockCounterKey]int),
		attachments: make(map[string]*Attachment),
		reports:     make(map[string]*Report),
		exports:     make(map[string]*ExportJob),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's time source.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MockStore) appendAuditLocked(e *AuditEntry) {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	if e.ActorID == "" {
		e.ActorID = SystemActor
	}
	m.audit = append(m.audit, copyAudit(*e))
}

func copyAudit(e AuditEntry) AuditEntry {
	if e.Detail != nil {
		d := make(map[string]any, len(e.Detail))
		for k, v := range e.Detail {
			d[k] = v
		}
		e.Detail = d
	}
	return e
}

func detail(audit *AuditEntry) map[string]any {
	if audit.Detail == nil {
		audit.Detail = map[string]any{}
	}
	return audit.Detail
}

func copyThread(t *Thread) *Thread {
	c := *t
	c.Participants = append([]string(nil), t.Participants...)
	return &c
}

func (m *MockStore) copyMessageLocked(msg *Message) *Message {
	c := *msg
	c.ReadBy = append([]ReadReceipt{}, msg.ReadBy...)
	c.Attachments = []*Attachment{}
	for _, a := range m.attachmentsOfLocked(msg.ID) {
		c.Attachments = append(c.Attachments, a)
	}
	return &c
}

func (m *MockStore) attachmentsOfLocked(messageID string) []*Attachment {
	var out []*Attachment
	for _, a := range m.attachments {
		if a.MessageID == messageID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CreateThread stores a new thread.
func (m *MockStore) CreateThread(ctx context.Context, thread *Thread, audit *AuditEntry) error {
	participants := distinctParticipants(thread.Participants)
	if len(participants) < 2 {
		return ErrInvalidParticipants
	}
	policy, err := ParseRetentionPolicy(string(thread.RetentionPolicy))
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if _, exists := m.threads[thread.ID]; exists {
		return fmt.Errorf("thread %s already exists: %w", thread.ID, ErrConflict)
	}
	thread.Participants = participants
	thread.RetentionPolicy = policy
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = thread.CreatedAt

	m.threads[thread.ID] = copyThread(thread)
	for _, p := range participants {
		m.unread[mockCounterKey{thread.ID, p}] = 0
	}
	fillAudit(audit, TargetThread, thread.ID, now)
	m.appendAuditLocked(audit)
	return nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return copyThread(t), nil
}

// ListThreadsForUser returns the user's threads, most recently active first.
func (m *MockStore) ListThreadsForUser(ctx context.Context, userID string, f ThreadFilter) ([]*ThreadView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	search := strings.ToLower(strings.TrimSpace(f.Search))
	views := []*ThreadView{}
	for _, t := range m.threads {
		if !t.HasParticipant(userID) || (t.Archived && !f.IncludeArchived) {
			continue
		}
		v := &ThreadView{Thread: *copyThread(t), UnreadCount: m.unread[mockCounterKey{t.ID, userID}]}
		if last, ok := m.messages[t.LastMessageID]; ok && last.Visible() {
			v.LastMessage = m.copyMessageLocked(last)
		}
		if search != "" {
			inSubject := strings.Contains(strings.ToLower(t.Subject), search)
			inLast := false
			if last, ok := m.messages[t.LastMessageID]; ok {
				inLast = strings.Contains(strings.ToLower(last.Content), search)
			}
			if !inSubject && !inLast {
				continue
			}
		}
		views = append(views, v)
	}

	activity := func(t *Thread) time.Time {
		if t.LastMessageAt != nil {
			return *t.LastMessageAt
		}
		return t.CreatedAt
	}
	sort.Slice(views, func(i, j int) bool {
		ai, aj := activity(&views[i].Thread), activity(&views[j].Thread)
		if ai.Equal(aj) {
			return views[i].ID < views[j].ID
		}
		return ai.After(aj)
	})

	if limit := normalizeLimit(f.Limit, 50, 200); len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// ListThreads pages through all threads in ID order.
func (m *MockStore) ListThreads(ctx context.Context, afterID string, limit int) ([]*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit = normalizeLimit(limit, 100, 1000); len(ids) > limit {
		ids = ids[:limit]
	}

	threads := make([]*Thread, 0, len(ids))
	for _, id := range ids {
		threads = append(threads, copyThread(m.threads[id]))
	}
	return threads, nil
}

func (m *MockStore) setThreadFlag(threadID string, set func(*Thread), audit *AuditEntry) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	now := m.now()
	set(t)
	t.UpdatedAt = now
	fillAudit(audit, TargetThread, threadID, now)
	m.appendAuditLocked(audit)
	return copyThread(t), nil
}

// SetThreadMuted sets the muted flag.
func (m *MockStore) SetThreadMuted(ctx context.Context, threadID string, muted bool, audit *AuditEntry) (*Thread, error) {
	return m.setThreadFlag(threadID, func(t *Thread) { t.Muted = muted }, audit)
}

// SetThreadArchived sets the archived flag.
func (m *MockStore) SetThreadArchived(ctx context.Context, threadID string, archived bool, audit *AuditEntry) (*Thread, error) {
	return m.setThreadFlag(threadID, func(t *Thread) { t.Archived = archived }, audit)
}

// UnreadCount returns the user's unread counter for a thread.
func (m *MockStore) UnreadCount(ctx context.Context, threadID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; !ok {
		return 0, ErrThreadNotFound
	}
	return m.unread[mockCounterKey{threadID, userID}], nil
}

// SendMessage appends a message to its thread.
func (m *MockStore) SendMessage(ctx context.Context, msg *Message, audit *AuditEntry) error {
	if strings.TrimSpace(msg.ThreadID) == "" || strings.TrimSpace(msg.SenderID) == "" {
		return fmt.Errorf("thread and sender are required: %w", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	t, ok := m.threads[msg.ThreadID]
	if !ok {
		return ErrThreadNotFound
	}
	if t.Archived {
		return ErrThreadArchived
	}
	if !t.HasParticipant(msg.SenderID) {
		return ErrNotParticipant
	}

	now := m.now()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Seq = t.LastSeq + 1
	msg.CreatedAt = now
	if t.LastMessageAt != nil && msg.CreatedAt.Before(*t.LastMessageAt) {
		msg.CreatedAt = *t.LastMessageAt
	}
	msg.ModerationStatus = ModerationPending
	msg.Deleted = false
	msg.EditedAt = nil
	msg.ReportCount = 0
	msg.ReadBy = nil
	msg.ArchivedAt = nil

	stored := *msg
	stored.Attachments = nil
	m.messages[msg.ID] = &stored
	m.byThread[msg.ThreadID] = append(m.byThread[msg.ThreadID], msg.ID)

	for _, p := range t.Participants {
		if p != msg.SenderID {
			m.unread[mockCounterKey{t.ID, p}]++
		}
	}
	at := msg.CreatedAt
	t.LastSeq = msg.Seq
	t.LastMessageID = msg.ID
	t.LastMessageAt = &at
	t.UpdatedAt = now

	fillAudit(audit, TargetMessage, msg.ID, msg.CreatedAt)
	m.appendAuditLocked(audit)
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return m.copyMessageLocked(msg), nil
}

// ListMessages returns one page of visible messages, newest first.
func (m *MockStore) ListMessages(ctx context.Context, threadID string, p MessagePage) (*MessageList, error) {
	limit := normalizeLimit(p.Limit, 50, 200)
	var before int64 = -1
	if p.Cursor != "" {
		seq, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		before = seq
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}

	result := &MessageList{Messages: []*Message{}}
	ids := m.byThread[threadID]
	for i := len(ids) - 1; i >= 0; i-- {
		msg := m.messages[ids[i]]
		if !msg.Visible() || (before > 0 && msg.Seq >= before) {
			continue
		}
		if len(result.Messages) == limit {
			result.NextCursor = encodeCursor(result.Messages[limit-1].Seq)
			break
		}
		result.Messages = append(result.Messages, m.copyMessageLocked(msg))
	}
	return result, nil
}

// MarkRead records a read receipt once per (message, reader).
func (m *MockStore) MarkRead(ctx context.Context, messageID, readerID string) (bool, error) {
	if strings.TrimSpace(readerID) == "" {
		return false, fmt.Errorf("reader is required: %w", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || !msg.Visible() {
		return false, ErrMessageNotFound
	}
	for _, r := range msg.ReadBy {
		if r.ReaderID == readerID {
			return false, nil
		}
	}
	msg.ReadBy = append(msg.ReadBy, ReadReceipt{ReaderID: readerID, ReadAt: m.now()})

	if readerID != msg.SenderID {
		key := mockCounterKey{msg.ThreadID, readerID}
		if m.unread[key] > 0 {
			m.unread[key]--
		}
	}
	return true, nil
}

// EditMessage replaces the content of a message.
func (m *MockStore) EditMessage(ctx context.Context, messageID, actorID, content string, audit *AuditEntry) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if msg.SenderID != actorID {
		return nil, ErrNotSender
	}
	if msg.Deleted {
		return nil, ErrMessageDeleted
	}
	if msg.ModerationStatus == ModerationRemoved {
		return nil, ErrMessageRemoved
	}

	now := m.now()
	msg.Content = content
	msg.EditedAt = &now
	fillAudit(audit, TargetMessage, messageID, now)
	m.appendAuditLocked(audit)
	return m.copyMessageLocked(msg), nil
}

// dropFromUnreadLocked removes a now-hidden message from unread counters.
func (m *MockStore) dropFromUnreadLocked(msg *Message) {
	read := make(map[string]bool, len(msg.ReadBy))
	for _, r := range msg.ReadBy {
		read[r.ReaderID] = true
	}
	t := m.threads[msg.ThreadID]
	if t == nil {
		return
	}
	for _, p := range t.Participants {
		if p == msg.SenderID || read[p] {
			continue
		}
		key := mockCounterKey{t.ID, p}
		if m.unread[key] > 0 {
			m.unread[key]--
		}
	}
}

// DeleteMessage soft-deletes a message.
func (m *MockStore) DeleteMessage(ctx context.Context, messageID, actorID string, audit *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.SenderID != actorID {
		return ErrNotSender
	}
	if msg.Deleted {
		return ErrMessageDeleted
	}

	if msg.ModerationStatus != ModerationRemoved {
		m.dropFromUnreadLocked(msg)
	}
	msg.Deleted = true
	fillAudit(audit, TargetMessage, messageID, m.now())
	m.appendAuditLocked(audit)
	return nil
}

// SearchMessages finds visible messages containing query.
func (m *MockStore) SearchMessages(ctx context.Context, userID, query string, limit int) ([]*Message, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, fmt.Errorf("search query is required: %w", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var found []*Message
	for _, msg := range m.messages {
		t := m.threads[msg.ThreadID]
		if t == nil || !t.HasParticipant(userID) || !msg.Visible() {
			continue
		}
		if strings.Contains(strings.ToLower(msg.Content), query) {
			found = append(found, m.copyMessageLocked(msg))
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].Seq > found[j].Seq
		}
		return found[i].CreatedAt.After(found[j].CreatedAt)
	})
	if limit = normalizeLimit(limit, 50, 200); len(found) > limit {
		found = found[:limit]
	}
	if found == nil {
		found = []*Message{}
	}
	return found, nil
}

func (m *MockStore) transitionLocked(msg *Message, to ModerationStatus) error {
	if !CanTransition(msg.ModerationStatus, to) {
		return fmt.Errorf("%s -> %s: %w", msg.ModerationStatus, to, ErrIllegalTransition)
	}
	if to == ModerationRemoved && !msg.Deleted {
		m.dropFromUnreadLocked(msg)
	}
	msg.ModerationStatus = to
	return nil
}

// TransitionModeration applies a reviewer's decision to a message.
func (m *MockStore) TransitionModeration(ctx context.Context, messageID string, to ModerationStatus, audit *AuditEntry) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	from := msg.ModerationStatus
	if err := m.transitionLocked(msg, to); err != nil {
		return nil, err
	}
	fillAudit(audit, TargetMessage, messageID, m.now())
	if audit != nil {
		detail(audit)["from"] = string(from)
		detail(audit)["to"] = string(to)
	}
	m.appendAuditLocked(audit)
	return m.copyMessageLocked(msg), nil
}

// CreateReport files a report against a message.
func (m *MockStore) CreateReport(ctx context.Context, r *Report, flagThreshold int, audit *AuditEntry) error {
	if _, err := ParseReportReason(string(r.Reason)); err != nil {
		return err
	}
	if strings.TrimSpace(r.ReporterID) == "" {
		return fmt.Errorf("reporter is required: %w", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[r.MessageID]
	if !ok {
		return ErrMessageNotFound
	}

	now := m.now()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.ThreadID = msg.ThreadID
	r.Status = ReportPending
	r.CreatedAt = now
	r.ModeratorID = ""
	r.Action = ""
	r.ReviewedAt = nil
	r.ResolvedAt = nil

	msg.ReportCount++
	flagged := false
	if flagThreshold > 0 && msg.ReportCount >= flagThreshold && msg.ModerationStatus == ModerationPending {
		msg.ModerationStatus = ModerationFlagged
		flagged = true
	}

	c := *r
	m.reports[r.ID] = &c
	fillAudit(audit, TargetReport, r.ID, now)
	if audit != nil {
		detail(audit)["message_id"] = r.MessageID
		detail(audit)["reason"] = string(r.Reason)
		detail(audit)["flagged"] = flagged
	}
	m.appendAuditLocked(audit)
	return nil
}

// GetReport retrieves a report by ID.
func (m *MockStore) GetReport(ctx context.Context, id string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	c := *r
	return &c, nil
}

// ListReports returns reports matching the filter, oldest first.
func (m *MockStore) ListReports(ctx context.Context, f ReportFilter) ([]*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reports := []*Report{}
	for _, r := range m.reports {
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.ThreadID != nil && r.ThreadID != *f.ThreadID {
			continue
		}
		if f.MessageID != nil && r.MessageID != *f.MessageID {
			continue
		}
		c := *r
		reports = append(reports, &c)
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].ID < reports[j].ID
		}
		return reports[i].CreatedAt.Before(reports[j].CreatedAt)
	})
	if limit := normalizeLimit(f.Limit, 100, 1000); len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

// ReviewReport moves a pending report to reviewed.
func (m *MockStore) ReviewReport(ctx context.Context, reportID, moderatorID string, audit *AuditEntry) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[reportID]
	if !ok {
		return nil, ErrReportNotFound
	}
	switch r.Status {
	case ReportPending:
	case ReportReviewed:
		return nil, fmt.Errorf("report already under review: %w", ErrInvalidState)
	default:
		return nil, ErrAlreadyResolved
	}

	now := m.now()
	r.Status = ReportReviewed
	r.ModeratorID = moderatorID
	r.ReviewedAt = &now
	fillAudit(audit, TargetReport, reportID, now)
	m.appendAuditLocked(audit)
	c := *r
	return &c, nil
}

// ResolveReport closes an open report with the moderator's action.
func (m *MockStore) ResolveReport(ctx context.Context, reportID, moderatorID string, action ModerationAction, audit *AuditEntry) (*Report, error) {
	if _, err := ParseModerationAction(string(action)); err != nil {
		return nil, err
	}
	return m.closeReport(reportID, moderatorID, ReportResolved, action, audit)
}

// DismissReport closes an open report with no action.
func (m *MockStore) DismissReport(ctx context.Context, reportID, moderatorID string, audit *AuditEntry) (*Report, error) {
	return m.closeReport(reportID, moderatorID, ReportDismissed, ActionNone, audit)
}

func (m *MockStore) closeReport(reportID, moderatorID string, status ReportStatus, action ModerationAction, audit *AuditEntry) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[reportID]
	if !ok {
		return nil, ErrReportNotFound
	}
	if !r.Status.Open() {
		return nil, ErrAlreadyResolved
	}

	removed := false
	if status == ReportResolved && action.RemovesContent() {
		if msg, ok := m.messages[r.MessageID]; ok && msg.ModerationStatus != ModerationRemoved {
			// Validate the whole walk before mutating anything.
			walk := true
			switch msg.ModerationStatus {
			case ModerationPending, ModerationFlagged:
			case ModerationApproved:
				if action == ActionRemoved {
					return nil, fmt.Errorf("%s -> %s: %w", msg.ModerationStatus, ModerationRemoved, ErrIllegalTransition)
				}
				walk = false
			default:
				return nil, fmt.Errorf("%s -> %s: %w", msg.ModerationStatus, ModerationRemoved, ErrIllegalTransition)
			}
			if walk {
				if msg.ModerationStatus == ModerationPending {
					msg.ModerationStatus = ModerationFlagged
				}
				if err := m.transitionLocked(msg, ModerationRemoved); err != nil {
					return nil, err
				}
				removed = true
			}
		}
	}

	now := m.now()
	r.Status = status
	r.ModeratorID = moderatorID
	r.Action = action
	r.ResolvedAt = &now

	fillAudit(audit, TargetReport, reportID, now)
	if audit != nil {
		detail(audit)["report_status"] = string(status)
		detail(audit)["action"] = string(action)
		detail(audit)["message_id"] = r.MessageID
		detail(audit)["content_removed"] = removed
	}
	m.appendAuditLocked(audit)
	c := *r
	return &c, nil
}

// CreateAttachment records a new attachment in pending state.
func (m *MockStore) CreateAttachment(ctx context.Context, a *Attachment, audit *AuditEntry) error {
	if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.MimeType) == "" || a.Size <= 0 {
		return fmt.Errorf("attachment needs a name, MIME type and positive size: %w", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[a.MessageID]; !ok {
		return ErrMessageNotFound
	}

	now := m.now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if _, exists := m.attachments[a.ID]; exists {
		return fmt.Errorf("attachment %s: %w", a.ID, ErrConflict)
	}
	if a.Attempt < 1 {
		a.Attempt = 1
	}
	a.Kind = KindForMIME(a.MimeType)
	a.ScanStatus = ScanPending
	a.ScanError = ""
	a.CDNURL = ""
	a.ThumbnailURL = ""
	a.ScannedAt = nil
	a.CreatedAt = now

	c := *a
	m.attachments[a.ID] = &c
	fillAudit(audit, TargetAttachment, a.ID, now)
	m.appendAuditLocked(audit)
	return nil
}

// GetAttachment retrieves an attachment by ID.
func (m *MockStore) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attachments[id]
	if !ok {
		return nil, ErrAttachmentNotFound
	}
	c := *a
	return &c, nil
}

// ListAttachments returns every attachment of a message.
func (m *MockStore) ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	atts := m.attachmentsOfLocked(messageID)
	if atts == nil {
		atts = []*Attachment{}
	}
	return atts, nil
}

// ListPendingAttachments returns attachments still waiting for a scan.
func (m *MockStore) ListPendingAttachments(ctx context.Context, limit int) ([]*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := []*Attachment{}
	for _, a := range m.attachments {
		if a.ScanStatus == ScanPending {
			c := *a
			pending = append(pending, &c)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit = normalizeLimit(limit, 100, 1000); len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// CompleteScan applies a terminal scan result to a pending attachment.
func (m *MockStore) CompleteScan(ctx context.Context, attachmentID string, r ScanResult) (bool, error) {
	if !r.Status.IsTerminal() {
		return false, fmt.Errorf("scan result %q is not terminal: %w", r.Status, ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attachments[attachmentID]
	if !ok {
		return false, ErrAttachmentNotFound
	}
	if a.ScanStatus != ScanPending {
		return false, nil
	}

	now := m.now()
	a.ScanStatus = r.Status
	a.ScanError = r.Error
	if r.Status == ScanClean {
		a.CDNURL = r.CDNURL
		a.ThumbnailURL = r.ThumbnailURL
	}
	a.ScannedAt = &now
	return true, nil
}

// ArchiveMessagesBefore marks messages created before cutoff as archived.
func (m *MockStore) ArchiveMessagesBefore(ctx context.Context, threadID string, cutoff time.Time, audit *AuditEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	archived := 0
	for _, id := range m.byThread[threadID] {
		msg := m.messages[id]
		if msg.ArchivedAt == nil && msg.CreatedAt.Before(cutoff) {
			at := now
			msg.ArchivedAt = &at
			archived++
		}
	}
	if archived > 0 && audit != nil {
		fillAudit(audit, TargetThread, threadID, now)
		detail(audit)["archived"] = archived
		detail(audit)["cutoff"] = formatTime(cutoff)
		m.appendAuditLocked(audit)
	}
	return archived, nil
}

func (m *MockStore) heldLocked(messageID string) bool {
	for _, r := range m.reports {
		if r.MessageID == messageID && r.Status.Open() {
			return true
		}
	}
	return false
}

// PurgeMessagesBefore deletes archived messages created before cutoff
// unless an open report holds them.
func (m *MockStore) PurgeMessagesBefore(ctx context.Context, threadID string, cutoff time.Time, audit *AuditEntry) (*PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &PurgeResult{ThreadID: threadID}
	var keep []string
	for _, id := range m.byThread[threadID] {
		msg := m.messages[id]
		old := msg.CreatedAt.Before(cutoff)
		held := old && m.heldLocked(id)
		if held {
			result.Held++
		}
		if !old || held || msg.ArchivedAt == nil {
			keep = append(keep, id)
			continue
		}
		if result.Purged == 0 {
			result.FirstSeq = msg.Seq
		}
		result.LastSeq = msg.Seq
		result.Purged++
		delete(m.messages, id)
		for aid, a := range m.attachments {
			if a.MessageID == id {
				delete(m.attachments, aid)
			}
		}
	}
	if result.Purged == 0 {
		return result, nil
	}
	m.byThread[threadID] = keep

	t := m.threads[threadID]
	if t != nil {
		for _, p := range t.Participants {
			count := 0
			for _, id := range keep {
				msg := m.messages[id]
				if msg.SenderID == p || !msg.Visible() {
					continue
				}
				read := false
				for _, r := range msg.ReadBy {
					if r.ReaderID == p {
						read = true
						break
					}
				}
				if !read {
					count++
				}
			}
			m.unread[mockCounterKey{threadID, p}] = count
		}
		if _, ok := m.messages[t.LastMessageID]; !ok {
			t.LastMessageID = ""
			t.LastMessageAt = nil
			if len(keep) > 0 {
				last := m.messages[keep[len(keep)-1]]
				at := last.CreatedAt
				t.LastMessageID = last.ID
				t.LastMessageAt = &at
			}
		}
	}

	if audit != nil {
		fillAudit(audit, TargetThread, threadID, m.now())
		detail(audit)["purged"] = result.Purged
		detail(audit)["first_seq"] = result.FirstSeq
		detail(audit)["last_seq"] = result.LastSeq
		detail(audit)["held"] = result.Held
		detail(audit)["cutoff"] = formatTime(cutoff)
		m.appendAuditLocked(audit)
	}
	return result, nil
}

// PurgeAuditBefore deletes audit entries older than cutoff.
func (m *MockStore) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audit[:0]
	purged := 0
	for _, e := range m.audit {
		if e.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return purged, nil
}

// AppendAuditLog appends a new entry to the audit log.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(e)
	return nil
}

// ListAuditLog returns audit entries matching the filter, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.ActorID != nil && e.ActorID != *f.ActorID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, copyAudit(e))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if limit := normalizeAuditLimit(f.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// CreateExportJob records a queued export for an existing thread.
func (m *MockStore) CreateExportJob(ctx context.Context, job *ExportJob, audit *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[job.ThreadID]; !ok {
		return ErrThreadNotFound
	}
	now := m.now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = ExportQueued
	job.CreatedAt = now
	job.CompletedAt = nil

	c := *job
	m.exports[job.ID] = &c
	fillAudit(audit, TargetExport, job.ID, now)
	if audit != nil {
		detail(audit)["thread_id"] = job.ThreadID
	}
	m.appendAuditLocked(audit)
	return nil
}

// UpdateExportJob saves an export job's progress.
func (m *MockStore) UpdateExportJob(ctx context.Context, job *ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.exports[job.ID]
	if !ok {
		return ErrExportNotFound
	}
	existing.Status = job.Status
	existing.ResultURL = job.ResultURL
	existing.Error = job.Error
	existing.CompletedAt = job.CompletedAt
	return nil
}

// GetExportJob retrieves an export job by ID.
func (m *MockStore) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.exports[id]
	if !ok {
		return nil, ErrExportNotFound
	}
	c := *j
	return &c, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
