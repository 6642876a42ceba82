// ABOUTME: Message storage for SQLiteStore: send, list, read receipts, edit and delete
// ABOUTME: SendMessage is the only write path that assigns a message's position in its thread

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const messageColumns = "id, thread_id, seq, sender_id, content, created_at, edited_at, deleted, moderation_status, report_count, archived_at"

// visibleMessage is the predicate for messages surfaced to participants.
const visibleMessage = "deleted = 0 AND moderation_status != 'removed'"

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var m Message
	var createdAt, status string
	var editedAt, archivedAt sql.NullString
	var deleted int

	if err := scanner.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.SenderID, &m.Content, &createdAt,
		&editedAt, &deleted, &status, &m.ReportCount, &archivedAt); err != nil {
		return nil, err
	}
	m.Deleted = deleted != 0
	m.ModerationStatus = ModerationStatus(status)

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.EditedAt, err = parseNullTime(editedAt); err != nil {
		return nil, fmt.Errorf("parsing edited_at: %w", err)
	}
	if m.ArchivedAt, err = parseNullTime(archivedAt); err != nil {
		return nil, fmt.Errorf("parsing archived_at: %w", err)
	}
	return &m, nil
}

// SendMessage appends msg to its thread. In one transaction it assigns the
// next position, bumps every other participant's unread counter, moves the
// thread's last-message pointer and writes the audit entry.
func (s *SQLiteStore) SendMessage(ctx context.Context, msg *Message, audit *AuditEntry) error {
	if strings.TrimSpace(msg.ThreadID) == "" || strings.TrimSpace(msg.SenderID) == "" {
		return fmt.Errorf("thread and sender are required: %w", ErrValidation)
	}

	unlock, err := s.lockThread(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	defer unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := s.now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		thread, err := getThread(ctx, tx, msg.ThreadID)
		if err != nil {
			return err
		}
		if thread.Archived {
			return ErrThreadArchived
		}
		if !thread.HasParticipant(msg.SenderID) {
			return ErrNotParticipant
		}

		msg.Seq = thread.LastSeq + 1
		msg.CreatedAt = now
		// Timestamps never go backwards within a thread, even if the clock does.
		if thread.LastMessageAt != nil && msg.CreatedAt.Before(*thread.LastMessageAt) {
			msg.CreatedAt = *thread.LastMessageAt
		}
		msg.ModerationStatus = ModerationPending
		msg.Deleted = false
		msg.EditedAt = nil
		msg.ReportCount = 0
		msg.ReadBy = nil
		fillAudit(audit, TargetMessage, msg.ID, msg.CreatedAt)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, seq, sender_id, content, created_at, moderation_status)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ThreadID, msg.Seq, msg.SenderID, msg.Content, formatTime(msg.CreatedAt), string(msg.ModerationStatus)); err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("message position taken: %w", ErrConflict)
			}
			return fmt.Errorf("inserting message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE unread_counters SET count = count + 1 WHERE thread_id = ? AND user_id != ?",
			msg.ThreadID, msg.SenderID); err != nil {
			return fmt.Errorf("incrementing unread counters: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET last_seq = ?, last_message_id = ?, last_message_at = ?, updated_at = ?
			WHERE id = ?
		`, msg.Seq, msg.ID, formatTime(msg.CreatedAt), formatTime(now), msg.ThreadID); err != nil {
			return fmt.Errorf("updating thread pointer: %w", err)
		}

		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return err
	}

	s.logAudit(audit)
	s.logger.Debug("message sent", "thread_id", msg.ThreadID, "message_id", msg.ID, "seq", msg.Seq)
	return nil
}

// GetMessage retrieves a message by ID with its attachments and receipts.
// Deleted and removed messages are returned; callers decide visibility.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	if err := s.hydrate(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// encodeCursor creates an opaque cursor from a thread position.
func encodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("seq:" + strconv.FormatInt(seq, 10)))
}

// decodeCursor parses an opaque cursor back into a thread position.
func decodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	v, ok := strings.CutPrefix(string(raw), "seq:")
	if !ok {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil || seq < 1 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// ListMessages returns one page of visible messages, newest first. Pages
// are keyed on thread position so concurrent sends never shift them.
// Archived messages are included with ArchivedAt set.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string, p MessagePage) (*MessageList, error) {
	limit := normalizeLimit(p.Limit, 50, 200)

	q := sq.Select(strings.Split(messageColumns, ", ")...).
		From("messages").
		Where(sq.Eq{"thread_id": threadID}).
		Where(visibleMessage).
		OrderBy("seq DESC").
		Limit(uint64(limit + 1))

	if p.Cursor != "" {
		before, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where(sq.Lt{"seq": before})
	}

	// Distinguish an empty thread from a missing one.
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message query: %w", err)
	}
	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	result := &MessageList{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		result.NextCursor = encodeCursor(msgs[len(msgs)-1].Seq)
	}
	if err := s.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	result.Messages = msgs
	return result, nil
}

// queryMessages runs query and scans every row, closing rows before return.
func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// loadMessagesByID fetches messages keyed by ID, without attachments.
func (s *SQLiteStore) loadMessagesByID(ctx context.Context, ids []string) (map[string]*Message, error) {
	out := make(map[string]*Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sq.Select(strings.Split(messageColumns, ", ")...).
		From("messages").
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message query: %w", err)
	}
	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ID] = m
	}
	return out, nil
}

// hydrate attaches attachments and read receipts to msgs in two batch queries.
func (s *SQLiteStore) hydrate(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	byID := make(map[string]*Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = m
		m.Attachments = []*Attachment{}
		m.ReadBy = []ReadReceipt{}
	}

	atts, err := s.queryAttachments(ctx, sq.Eq{"message_id": ids})
	if err != nil {
		return err
	}
	for _, a := range atts {
		if m, ok := byID[a.MessageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}

	query, args, err := sq.Select("message_id", "reader_id", "read_at").
		From("message_reads").
		Where(sq.Eq{"message_id": ids}).
		OrderBy("read_at", "reader_id").
		ToSql()
	if err != nil {
		return fmt.Errorf("building receipts query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var mid, reader, readAt string
		if err := rows.Scan(&mid, &reader, &readAt); err != nil {
			return fmt.Errorf("scanning receipt: %w", err)
		}
		at, err := parseTime(readAt)
		if err != nil {
			return fmt.Errorf("parsing read_at: %w", err)
		}
		if m, ok := byID[mid]; ok {
			m.ReadBy = append(m.ReadBy, ReadReceipt{ReaderID: reader, ReadAt: at})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating receipts: %w", err)
	}
	return nil
}

// MarkRead records that readerID has seen the message. Repeated calls are
// no-ops and report false. The reader's unread counter drops only when a
// receipt is actually added, and never below zero.
func (s *SQLiteStore) MarkRead(ctx context.Context, messageID, readerID string) (bool, error) {
	if strings.TrimSpace(readerID) == "" {
		return false, fmt.Errorf("reader is required: %w", ErrValidation)
	}

	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var threadID, senderID, status string
		var deleted int
		err := tx.QueryRowContext(ctx,
			"SELECT thread_id, sender_id, deleted, moderation_status FROM messages WHERE id = ?",
			messageID).Scan(&threadID, &senderID, &deleted, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}
		// Hidden messages already left every unread counter.
		if deleted != 0 || ModerationStatus(status) == ModerationRemoved {
			return ErrMessageNotFound
		}

		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_reads (message_id, reader_id, read_at) VALUES (?, ?, ?)",
			messageID, readerID, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("inserting receipt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		changed = true

		if readerID == senderID {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE unread_counters SET count = count - 1 WHERE thread_id = ? AND user_id = ? AND count > 0",
			threadID, readerID); err != nil {
			return fmt.Errorf("decrementing unread counter: %w", err)
		}
		return nil
	})
	return changed, err
}

// EditMessage replaces the content of a message. Only the sender may edit,
// and not once moderation has removed it. Moderation status is left as it was.
func (s *SQLiteStore) EditMessage(ctx context.Context, messageID, actorID, content string, audit *AuditEntry) (*Message, error) {
	now := s.now()
	fillAudit(audit, TargetMessage, messageID, now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var senderID, status string
		var deleted int
		err := tx.QueryRowContext(ctx, "SELECT sender_id, deleted, moderation_status FROM messages WHERE id = ?", messageID).
			Scan(&senderID, &deleted, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}
		if senderID != actorID {
			return ErrNotSender
		}
		if deleted != 0 {
			return ErrMessageDeleted
		}
		// A removed message is the moderation record and stays as it was.
		if ModerationStatus(status) == ModerationRemoved {
			return ErrMessageRemoved
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET content = ?, edited_at = ? WHERE id = ?",
			content, formatTime(now), messageID); err != nil {
			return fmt.Errorf("updating message: %w", err)
		}
		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(audit)
	return s.GetMessage(ctx, messageID)
}

// dropFromUnread removes a now-hidden message from the counters of every
// participant who had not read it.
func dropFromUnread(ctx context.Context, tx *sql.Tx, threadID, messageID, senderID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE unread_counters SET count = count - 1
		WHERE thread_id = ? AND user_id != ? AND count > 0
		  AND user_id NOT IN (SELECT reader_id FROM message_reads WHERE message_id = ?)
	`, threadID, senderID, messageID)
	if err != nil {
		return fmt.Errorf("adjusting unread counters: %w", err)
	}
	return nil
}

// DeleteMessage soft-deletes a message. The record stays for audit until
// retention purges it.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID, actorID string, audit *AuditEntry) error {
	now := s.now()
	fillAudit(audit, TargetMessage, messageID, now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var threadID, senderID, status string
		var deleted int
		err := tx.QueryRowContext(ctx,
			"SELECT thread_id, sender_id, deleted, moderation_status FROM messages WHERE id = ?", messageID).
			Scan(&threadID, &senderID, &deleted, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}
		if senderID != actorID {
			return ErrNotSender
		}
		if deleted != 0 {
			return ErrMessageDeleted
		}

		if _, err := tx.ExecContext(ctx, "UPDATE messages SET deleted = 1 WHERE id = ?", messageID); err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		if ModerationStatus(status) != ModerationRemoved {
			if err := dropFromUnread(ctx, tx, threadID, messageID, senderID); err != nil {
				return err
			}
		}
		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return err
	}
	s.logAudit(audit)
	return nil
}

// SearchMessages finds visible messages containing query (case-insensitive)
// across the threads userID participates in, newest first.
func (s *SQLiteStore) SearchMessages(ctx context.Context, userID, query string, limit int) ([]*Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is required: %w", ErrValidation)
	}

	cols := strings.Split(messageColumns, ", ")
	for i, c := range cols {
		cols[i] = "m." + c
	}
	q, args, err := sq.Select(cols...).
		From("messages m").
		Join("thread_participants p ON p.thread_id = m.thread_id AND p.user_id = ?", userID).
		Where("m.deleted = 0 AND m.moderation_status != 'removed'").
		Where(sq.Expr(`m.content LIKE ? ESCAPE '\'`, likePattern(query))).
		OrderBy("m.created_at DESC", "m.seq DESC").
		Limit(uint64(normalizeLimit(limit, 50, 200))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building search query: %w", err)
	}

	msgs, err := s.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
