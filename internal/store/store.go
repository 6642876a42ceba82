// ABOUTME: Store interface and data types for coven-messaging persistence
// ABOUTME: Defines threads, messages, attachments, reports, audit and export records

package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetentionPolicy names how long a thread's messages live before archival.
type RetentionPolicy string

const (
	Retention7Days     RetentionPolicy = "7d"
	Retention30Days    RetentionPolicy = "30d"
	Retention90Days    RetentionPolicy = "90d"
	Retention1Year     RetentionPolicy = "1y"
	RetentionPermanent RetentionPolicy = "permanent"
)

// ParseRetentionPolicy accepts the short forms plus the long forms used by
// older clients ("30days", "1year"). Empty input means permanent.
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "7d", "7days":
		return Retention7Days, nil
	case "30d", "30days":
		return Retention30Days, nil
	case "90d", "90days":
		return Retention90Days, nil
	case "1y", "1year", "365d":
		return Retention1Year, nil
	case "", "permanent":
		return RetentionPermanent, nil
	default:
		return "", fmt.Errorf("unknown retention policy %q: %w", s, ErrValidation)
	}
}

// Window returns the retention window. Permanent returns 0, false.
func (p RetentionPolicy) Window() (time.Duration, bool) {
	day := 24 * time.Hour
	switch p {
	case Retention7Days:
		return 7 * day, true
	case Retention30Days:
		return 30 * day, true
	case Retention90Days:
		return 90 * day, true
	case Retention1Year:
		return 365 * day, true
	default:
		return 0, false
	}
}

// Thread is a conversation between a fixed set of participants.
type Thread struct {
	ID              string
	Participants    []string // ordered, immutable after creation
	Subject         string
	RetentionPolicy RetentionPolicy
	Muted           bool
	Archived        bool
	LastMessageID   string
	LastMessageAt   *time.Time
	LastSeq         int64 // highest position ever assigned; never decreases
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasParticipant reports whether userID is part of the thread.
func (t *Thread) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ThreadView is a thread as seen by one reader.
type ThreadView struct {
	Thread
	UnreadCount int
	LastMessage *Message
}

// ThreadFilter narrows ListThreadsForUser.
type ThreadFilter struct {
	Search          string // matches subject or last message content
	IncludeArchived bool
	Limit           int // default 50, max 200
}

// ModerationStatus is a message's position in content review.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationFlagged  ModerationStatus = "flagged"
	ModerationRemoved  ModerationStatus = "removed"
)

// CanTransition reports whether from -> to is a legal moderation move.
func CanTransition(from, to ModerationStatus) bool {
	switch from {
	case ModerationPending:
		return to == ModerationApproved || to == ModerationFlagged
	case ModerationFlagged:
		return to == ModerationRemoved
	default:
		return false
	}
}

// ReadReceipt records that a reader has seen a message.
type ReadReceipt struct {
	ReaderID string
	ReadAt   time.Time
}

// Message is a single entry in a thread.
type Message struct {
	ID               string
	ThreadID         string
	Seq              int64 // position in the thread, assigned by SendMessage
	SenderID         string
	Content          string
	Attachments      []*Attachment
	CreatedAt        time.Time
	EditedAt         *time.Time
	Deleted          bool
	ModerationStatus ModerationStatus
	ReportCount      int
	ReadBy           []ReadReceipt
	ArchivedAt       *time.Time
}

// Visible reports whether the message is surfaced to participants.
func (m *Message) Visible() bool {
	return !m.Deleted && m.ModerationStatus != ModerationRemoved
}

// MessagePage requests one page of a thread, newest first.
type MessagePage struct {
	Limit  int    // default 50, max 200
	Cursor string // opaque, from a previous MessageList
}

// MessageList is one page of messages.
type MessageList struct {
	Messages   []*Message
	NextCursor string // empty when there are no older messages
}

// ScanStatus is the attachment safety-scan state.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanError    ScanStatus = "error"
)

// IsTerminal reports whether no further transition is legal.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanClean || s == ScanInfected || s == ScanError
}

// AttachmentKind is the coarse file category.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
	KindPDF      AttachmentKind = "pdf"
	KindDocument AttachmentKind = "document"
)

// KindForMIME derives the attachment kind from a MIME type.
func KindForMIME(mime string) AttachmentKind {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case mime == "application/pdf":
		return KindPDF
	default:
		return KindDocument
	}
}

// Attachment is a file attached to a message. Bytes live with the CDN.
type Attachment struct {
	ID           string
	MessageID    string
	Name         string
	MimeType     string
	Kind         AttachmentKind
	Size         int64
	ScanStatus   ScanStatus
	ScanError    string
	CDNURL       string
	ThumbnailURL string
	Attempt      int    // 1 for the first ingest
	RetryOf      string // attachment this one re-ingests, if any
	CreatedAt    time.Time
	ScannedAt    *time.Time
}

// ScanResult is the terminal outcome applied by CompleteScan.
type ScanResult struct {
	Status       ScanStatus
	CDNURL       string
	ThumbnailURL string
	Error        string
}

// ReportReason classifies a moderation report.
type ReportReason string

const (
	ReasonSpam          ReportReason = "spam"
	ReasonInappropriate ReportReason = "inappropriate"
	ReasonHarassment    ReportReason = "harassment"
	ReasonOther         ReportReason = "other"
)

// ParseReportReason validates a reason string.
func ParseReportReason(s string) (ReportReason, error) {
	switch r := ReportReason(s); r {
	case ReasonSpam, ReasonInappropriate, ReasonHarassment, ReasonOther:
		return r, nil
	default:
		return "", fmt.Errorf("unknown report reason %q: %w", s, ErrValidation)
	}
}

// ReportStatus is a report's workflow position.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportReviewed  ReportStatus = "reviewed"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

// Open reports whether the report still holds its message.
func (s ReportStatus) Open() bool {
	return s == ReportPending || s == ReportReviewed
}

// ModerationAction is the outcome a moderator records on a report.
type ModerationAction string

const (
	ActionNone      ModerationAction = "none"
	ActionWarned    ModerationAction = "warned"
	ActionRemoved   ModerationAction = "removed"
	ActionSuspended ModerationAction = "suspended"
	ActionBanned    ModerationAction = "banned"
)

// ParseModerationAction validates an action string.
func ParseModerationAction(s string) (ModerationAction, error) {
	switch a := ModerationAction(s); a {
	case ActionNone, ActionWarned, ActionRemoved, ActionSuspended, ActionBanned:
		return a, nil
	default:
		return "", fmt.Errorf("unknown moderation action %q: %w", s, ErrValidation)
	}
}

// RemovesContent reports whether the action takes the message down.
func (a ModerationAction) RemovesContent() bool {
	return a == ActionRemoved || a == ActionSuspended || a == ActionBanned
}

// Report is a participant's complaint about a message.
type Report struct {
	ID          string
	MessageID   string
	ThreadID    string
	ReporterID  string
	Reason      ReportReason
	Description string
	Status      ReportStatus
	ModeratorID string
	Action      ModerationAction
	CreatedAt   time.Time
	ReviewedAt  *time.Time
	ResolvedAt  *time.Time
}

// ReportFilter narrows ListReports.
type ReportFilter struct {
	Status    *ReportStatus
	ThreadID  *string
	MessageID *string
	Limit     int // default 100, max 1000
}

// ExportStatus is an export job's progress.
type ExportStatus string

const (
	ExportQueued    ExportStatus = "queued"
	ExportRunning   ExportStatus = "running"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
)

// ExportJob tracks an asynchronous thread export.
type ExportJob struct {
	ID          string
	ThreadID    string
	RequestedBy string
	Status      ExportStatus
	ResultURL   string
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// PurgeResult summarizes one thread's retention purge.
type PurgeResult struct {
	ThreadID string
	Purged   int
	Held     int // past cutoff but kept by an open report
	FirstSeq int64
	LastSeq  int64
}

// Store defines the interface for messaging persistence.
//
// Mutating methods take the audit entry describing the change and write it
// in the same transaction. A nil entry skips auditing (system-internal
// writes). Empty entry IDs, timestamps and target IDs are filled in.
type Store interface {
	// Threads
	CreateThread(ctx context.Context, thread *Thread, audit *AuditEntry) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreadsForUser(ctx context.Context, userID string, f ThreadFilter) ([]*ThreadView, error)
	ListThreads(ctx context.Context, afterID string, limit int) ([]*Thread, error)
	SetThreadMuted(ctx context.Context, threadID string, muted bool, audit *AuditEntry) (*Thread, error)
	SetThreadArchived(ctx context.Context, threadID string, archived bool, audit *AuditEntry) (*Thread, error)
	UnreadCount(ctx context.Context, threadID, userID string) (int, error)

	// Messages
	SendMessage(ctx context.Context, msg *Message, audit *AuditEntry) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, threadID string, p MessagePage) (*MessageList, error)
	MarkRead(ctx context.Context, messageID, readerID string) (bool, error)
	EditMessage(ctx context.Context, messageID, actorID, content string, audit *AuditEntry) (*Message, error)
	DeleteMessage(ctx context.Context, messageID, actorID string, audit *AuditEntry) error
	SearchMessages(ctx context.Context, userID, query string, limit int) ([]*Message, error)

	// Moderation
	TransitionModeration(ctx context.Context, messageID string, to ModerationStatus, audit *AuditEntry) (*Message, error)
	CreateReport(ctx context.Context, report *Report, flagThreshold int, audit *AuditEntry) error
	GetReport(ctx context.Context, id string) (*Report, error)
	ListReports(ctx context.Context, f ReportFilter) ([]*Report, error)
	ReviewReport(ctx context.Context, reportID, moderatorID string, audit *AuditEntry) (*Report, error)
	ResolveReport(ctx context.Context, reportID, moderatorID string, action ModerationAction, audit *AuditEntry) (*Report, error)
	DismissReport(ctx context.Context, reportID, moderatorID string, audit *AuditEntry) (*Report, error)

	// Attachments
	CreateAttachment(ctx context.Context, att *Attachment, audit *AuditEntry) error
	GetAttachment(ctx context.Context, id string) (*Attachment, error)
	ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error)
	ListPendingAttachments(ctx context.Context, limit int) ([]*Attachment, error)
	CompleteScan(ctx context.Context, attachmentID string, result ScanResult) (bool, error)

	// Retention
	ArchiveMessagesBefore(ctx context.Context, threadID string, cutoff time.Time, audit *AuditEntry) (int, error)
	PurgeMessagesBefore(ctx context.Context, threadID string, cutoff time.Time, audit *AuditEntry) (*PurgeResult, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Audit log (append-only)
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Export jobs
	CreateExportJob(ctx context.Context, job *ExportJob, audit *AuditEntry) error
	UpdateExportJob(ctx context.Context, job *ExportJob) error
	GetExportJob(ctx context.Context, id string) (*ExportJob, error)

	Close() error
}

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)

// normalizeLimit applies a default and a cap to a page size.
func normalizeLimit(limit, def, max int) int {
	switch {
	case limit <= 0:
		return def
	case limit > max:
		return max
	default:
		return limit
	}
}

// distinctParticipants returns ids with duplicates and blanks removed,
// preserving first-seen order.
func distinctParticipants(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
