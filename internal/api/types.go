// ABOUTME: JSON request and response bodies for the messaging HTTP API
// ABOUTME: Converts store entities into their wire representation

package api

import (
	"time"

	"github.com/2389/coven-messaging/internal/store"
)

// CreateThreadRequest is the JSON request body for POST /api/threads.
type CreateThreadRequest struct {
	Participants    []string `json:"participants"`
	Subject         string   `json:"subject,omitempty"`
	RetentionPolicy string   `json:"retention_policy,omitempty"`
}

// FileMetaRequest describes one attachment on a send.
type FileMetaRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// SendMessageRequest is the JSON request body for POST /api/threads/{id}/messages.
type SendMessageRequest struct {
	Content     string            `json:"content"`
	Attachments []FileMetaRequest `json:"attachments,omitempty"`
}

// EditMessageRequest is the JSON request body for PATCH /api/messages/{id}.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// FlagRequest toggles a thread flag (mute or archive).
type FlagRequest struct {
	Value bool `json:"value"`
}

// TypingRequest is the JSON request body for POST /api/threads/{id}/typing.
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// ReportRequest is the JSON request body for POST /api/messages/{id}/reports.
type ReportRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// ReviewMessageRequest is the JSON request body for POST /api/messages/{id}/review.
type ReviewMessageRequest struct {
	Approve bool `json:"approve"`
}

// ResolveReportRequest is the JSON request body for POST /api/reports/{id}/resolve.
type ResolveReportRequest struct {
	Action string `json:"action"`
}

// ThreadResponse is the JSON form of a thread.
type ThreadResponse struct {
	ID              string           `json:"id"`
	Participants    []string         `json:"participants"`
	Subject         string           `json:"subject,omitempty"`
	RetentionPolicy string           `json:"retention_policy"`
	Muted           bool             `json:"muted"`
	Archived        bool             `json:"archived"`
	LastMessageAt   *time.Time       `json:"last_message_at,omitempty"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	UnreadCount     *int             `json:"unread_count,omitempty"`
	LastMessage     *MessageResponse `json:"last_message,omitempty"`
}

// AttachmentResponse is the JSON form of an attachment.
type AttachmentResponse struct {
	ID           string     `json:"id"`
	MessageID    string     `json:"message_id"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mime_type"`
	Kind         string     `json:"kind"`
	Size         int64      `json:"size"`
	ScanStatus   string     `json:"scan_status"`
	ScanError    string     `json:"scan_error,omitempty"`
	CDNURL       string     `json:"cdn_url,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	Attempt      int        `json:"attempt"`
	RetryOf      string     `json:"retry_of,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ScannedAt    *time.Time `json:"scanned_at,omitempty"`
}

// ReadReceiptResponse is the JSON form of a read receipt.
type ReadReceiptResponse struct {
	ReaderID string    `json:"reader_id"`
	ReadAt   time.Time `json:"read_at"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID               string                `json:"id"`
	ThreadID         string                `json:"thread_id"`
	Seq              int64                 `json:"seq"`
	SenderID         string                `json:"sender_id"`
	Content          string                `json:"content"`
	Attachments      []AttachmentResponse  `json:"attachments,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	EditedAt         *time.Time            `json:"edited_at,omitempty"`
	Deleted          bool                  `json:"deleted,omitempty"`
	ModerationStatus string                `json:"moderation_status"`
	ReadBy           []ReadReceiptResponse `json:"read_by,omitempty"`
}

// MessageListResponse is the JSON response for GET /api/threads/{id}/messages.
type MessageListResponse struct {
	Messages   []MessageResponse `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// ReportResponse is the JSON form of a moderation report.
type ReportResponse struct {
	ID          string     `json:"id"`
	MessageID   string     `json:"message_id"`
	ThreadID    string     `json:"thread_id"`
	ReporterID  string     `json:"reporter_id"`
	Reason      string     `json:"reason"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	ModeratorID string     `json:"moderator_id,omitempty"`
	Action      string     `json:"action,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// AuditEntryResponse is the JSON form of an audit entry.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
}

// ExportJobResponse is the JSON form of an export job.
type ExportJobResponse struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	RequestedBy string     `json:"requested_by"`
	Status      string     `json:"status"`
	ResultURL   string     `json:"result_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func threadResponse(t *store.Thread) ThreadResponse {
	return ThreadResponse{
		ID:              t.ID,
		Participants:    t.Participants,
		Subject:         t.Subject,
		RetentionPolicy: string(t.RetentionPolicy),
		Muted:           t.Muted,
		Archived:        t.Archived,
		LastMessageAt:   t.LastMessageAt,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func threadViewResponse(v *store.ThreadView) ThreadResponse {
	resp := threadResponse(&v.Thread)
	unread := v.UnreadCount
	resp.UnreadCount = &unread
	if v.LastMessage != nil {
		last := messageResponse(v.LastMessage)
		resp.LastMessage = &last
	}
	return resp
}

func attachmentResponse(a *store.Attachment) AttachmentResponse {
	return AttachmentResponse{
		ID:           a.ID,
		MessageID:    a.MessageID,
		Name:         a.Name,
		MimeType:     a.MimeType,
		Kind:         string(a.Kind),
		Size:         a.Size,
		ScanStatus:   string(a.ScanStatus),
		ScanError:    a.ScanError,
		CDNURL:       a.CDNURL,
		ThumbnailURL: a.ThumbnailURL,
		Attempt:      a.Attempt,
		RetryOf:      a.RetryOf,
		CreatedAt:    a.CreatedAt,
		ScannedAt:    a.ScannedAt,
	}
}

func attachmentsResponse(atts []*store.Attachment) []AttachmentResponse {
	out := make([]AttachmentResponse, 0, len(atts))
	for _, a := range atts {
		out = append(out, attachmentResponse(a))
	}
	return out
}

func messageResponse(m *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:               m.ID,
		ThreadID:         m.ThreadID,
		Seq:              m.Seq,
		SenderID:         m.SenderID,
		Content:          m.Content,
		CreatedAt:        m.CreatedAt,
		EditedAt:         m.EditedAt,
		Deleted:          m.Deleted,
		ModerationStatus: string(m.ModerationStatus),
	}
	if len(m.Attachments) > 0 {
		resp.Attachments = attachmentsResponse(m.Attachments)
	}
	for _, rr := range m.ReadBy {
		resp.ReadBy = append(resp.ReadBy, ReadReceiptResponse{ReaderID: rr.ReaderID, ReadAt: rr.ReadAt})
	}
	return resp
}

func messagesResponse(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse(m))
	}
	return out
}

func reportResponse(r *store.Report) ReportResponse {
	return ReportResponse{
		ID:          r.ID,
		MessageID:   r.MessageID,
		ThreadID:    r.ThreadID,
		ReporterID:  r.ReporterID,
		Reason:      string(r.Reason),
		Description: r.Description,
		Status:      string(r.Status),
		ModeratorID: r.ModeratorID,
		Action:      string(r.Action),
		CreatedAt:   r.CreatedAt,
		ReviewedAt:  r.ReviewedAt,
		ResolvedAt:  r.ResolvedAt,
	}
}

func auditEntryResponse(e store.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:         e.ID,
		ActorID:    e.ActorID,
		Action:     string(e.Action),
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Timestamp:  e.Timestamp,
		Detail:     e.Detail,
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
	}
}

func exportJobResponse(j *store.ExportJob) ExportJobResponse {
	return ExportJobResponse{
		ID:          j.ID,
		ThreadID:    j.ThreadID,
		RequestedBy: j.RequestedBy,
		Status:      string(j.Status),
		ResultURL:   j.ResultURL,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}
