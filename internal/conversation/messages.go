// ABOUTME: Message-level gateway operations: send, list, read receipts, edits and attachments
// ABOUTME: Messages are recorded before their attachments are handed to the scan pipeline

package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-messaging/internal/attachments"
	"github.com/2389/coven-messaging/internal/auth"
	"github.com/2389/coven-messaging/internal/notify"
	"github.com/2389/coven-messaging/internal/store"
)

// SendMessageRequest is a new message with optional file attachments.
type SendMessageRequest struct {
	ThreadID    string
	Content     string
	Attachments []attachments.FileMeta

	// IdempotencyKey makes retries safe: a repeat send by the same caller to
	// the same thread with the same key returns the first message.
	IdempotencyKey string
}

// MaxIdempotencyKeyLength bounds client supplied idempotency keys.
const MaxIdempotencyKeyLength = 255

func validateContent(content string, allowEmpty bool) error {
	if !allowEmpty && strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content is required: %w", store.ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return fmt.Errorf("message longer than %d characters: %w", MaxContentLength, store.ErrValidation)
	}
	return nil
}

// SendMessage records the message in the thread's total order, then ingests
// its attachments. Attachment metadata is validated up front so an invalid
// file rejects the whole message.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (_ *store.Message, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if err := validateContent(req.Content, len(req.Attachments) > 0); err != nil {
		return nil, err
	}
	for _, meta := range req.Attachments {
		if err := s.attachments.ValidateMeta(meta); err != nil {
			return nil, err
		}
	}
	if _, err := s.authorizeThread(ctx, caller, auth.ActionMessageSend, req.ThreadID); err != nil {
		return nil, err
	}

	var idemKey string
	if req.IdempotencyKey != "" && s.idempotency != nil {
		if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
			return nil, fmt.Errorf("idempotency key longer than %d bytes: %w", MaxIdempotencyKeyLength, store.ErrValidation)
		}
		idemKey = caller.ID + "\x00" + req.ThreadID + "\x00" + req.IdempotencyKey
		unlock, err := s.sendLocks.Lock(ctx, idemKey)
		if err != nil {
			return nil, err
		}
		defer unlock()

		if id, ok := s.idempotency.Lookup(idemKey); ok {
			return s.replaySend(ctx, id)
		}
	}

	msg := &store.Message{ThreadID: req.ThreadID, SenderID: caller.ID, Content: req.Content}
	audit := s.audit(caller, store.AuditMessageSent)
	if len(req.Attachments) > 0 {
		audit.Detail = map[string]any{"attachments": len(req.Attachments)}
	}
	if err := s.store.SendMessage(ctx, msg, audit); err != nil {
		return nil, err
	}
	s.metrics.MessageSent()
	if idemKey != "" {
		s.idempotency.Remember(idemKey, msg.ID)
	}

	msg.Attachments = make([]*store.Attachment, 0, len(req.Attachments))
	for _, meta := range req.Attachments {
		att, err := s.attachments.Ingest(ctx, msg.ID, meta)
		if err != nil {
			// The message stands; the client sees the missing file in the
			// attachment list and can resend it.
			s.logger.Error("failed to ingest attachment",
				"message_id", msg.ID,
				"name", meta.Name,
				"error", err)
			continue
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	s.logger.Debug("message sent", "thread_id", msg.ThreadID, "message_id", msg.ID, "seq", msg.Seq, "sender", caller.ID)
	ev := notify.NewEvent(notify.EventMessageDelivered, msg.ThreadID)
	ev.MessageID = msg.ID
	ev.UserID = caller.ID
	ev.Payload = map[string]any{"seq": msg.Seq}
	s.publish(ctx, ev)
	return msg, nil
}

// replaySend returns the message an earlier send with the same idempotency
// key produced.
func (s *Service) replaySend(ctx context.Context, messageID string) (*store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Attachments, err = s.store.ListAttachments(ctx, messageID); err != nil {
		return nil, err
	}
	s.logger.Debug("replayed send", "thread_id", msg.ThreadID, "message_id", msg.ID)
	return msg, nil
}

// ListMessages returns a page of the thread, newest first.
func (s *Service) ListMessages(ctx context.Context, threadID string, page store.MessagePage) (_ *store.MessageList, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if _, err := s.authorizeThread(ctx, caller, auth.ActionMessageRead, threadID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, threadID, page)
}

// MarkRead records that the caller has read the message. It reports whether
// anything changed; repeating the call is a no-op.
func (s *Service) MarkRead(ctx context.Context, messageID string) (_ bool, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return false, err
	}

	msg, _, err := s.authorizeMessage(ctx, caller, auth.ActionMessageRead, messageID)
	if err != nil {
		return false, err
	}
	changed, err := s.store.MarkRead(ctx, messageID, caller.ID)
	if err != nil || !changed {
		return false, err
	}
	s.metrics.MessageRead()

	ev := notify.NewEvent(notify.EventMessageRead, msg.ThreadID)
	ev.MessageID = messageID
	ev.UserID = caller.ID
	s.publish(ctx, ev)
	return true, nil
}

// EditMessage replaces the content of the caller's own message.
func (s *Service) EditMessage(ctx context.Context, messageID, content string) (_ *store.Message, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if err := validateContent(content, false); err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeMessage(ctx, caller, auth.ActionMessageEdit, messageID); err != nil {
		return nil, err
	}
	msg, err := s.store.EditMessage(ctx, messageID, caller.ID, content, s.audit(caller, store.AuditMessageEdited))
	if err != nil {
		return nil, err
	}

	ev := notify.NewEvent(notify.EventThreadUpdated, msg.ThreadID)
	ev.MessageID = messageID
	ev.UserID = caller.ID
	ev.Payload = map[string]any{"change": "message_edited"}
	s.publish(ctx, ev)
	return msg, nil
}

// DeleteMessage soft-deletes the caller's own message.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) (err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return err
	}

	msg, _, err := s.authorizeMessage(ctx, caller, auth.ActionMessageDelete, messageID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, messageID, caller.ID, s.audit(caller, store.AuditMessageDeleted)); err != nil {
		return err
	}

	ev := notify.NewEvent(notify.EventThreadUpdated, msg.ThreadID)
	ev.MessageID = messageID
	ev.UserID = caller.ID
	ev.Payload = map[string]any{"change": "message_deleted"}
	s.publish(ctx, ev)
	return nil
}

// SearchMessages finds visible messages containing query in the caller's threads.
func (s *Service) SearchMessages(ctx context.Context, query string, limit int) (_ []*store.Message, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is required: %w", store.ErrValidation)
	}
	return s.store.SearchMessages(ctx, caller.ID, query, limit)
}

// ListAttachments returns the message's attachments with their scan state.
func (s *Service) ListAttachments(ctx context.Context, messageID string) (_ []*store.Attachment, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if _, _, err := s.authorizeMessage(ctx, caller, auth.ActionMessageRead, messageID); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, messageID)
}

// RetryAttachment re-ingests a file whose scan ended in error. Only the
// message's sender or a moderator may retry.
func (s *Service) RetryAttachment(ctx context.Context, attachmentID string) (_ *store.Attachment, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	att, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, concealMissing(caller, auth.ActionMessageSend, err)
	}
	msg, _, err := s.authorizeMessage(ctx, caller, auth.ActionMessageSend, att.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != caller.ID && !caller.IsModerator() {
		return nil, fmt.Errorf("only the sender may retry an attachment: %w", auth.ErrUnauthorized)
	}
	return s.attachments.Retry(ctx, attachmentID, caller.Audit())
}

// AttachmentScanned publishes the terminal scan state of an attachment. It
// is registered as the pipeline's terminal hook.
func (s *Service) AttachmentScanned(ctx context.Context, att *store.Attachment, threadID string) {
	if threadID == "" {
		return
	}
	ev := notify.NewEvent(notify.EventAttachmentScanned, threadID)
	ev.MessageID = att.MessageID
	ev.Payload = map[string]any{
		"attachment_id": att.ID,
		"scan_status":   string(att.ScanStatus),
	}
	s.publish(ctx, ev)
}
