// ABOUTME: Retention storage operations for SQLiteStore
// ABOUTME: Archives aged messages and purges archived ones not held by an open report

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// heldByReport matches messages with an open moderation report.
const heldByReport = `EXISTS (
	SELECT 1 FROM moderation_reports r
	WHERE r.message_id = messages.id AND r.status IN ('pending', 'reviewed')
)`

// ArchiveMessagesBefore marks the thread's messages created before cutoff
// as archived. Archived messages stay listable and recoverable.
func (s *SQLiteStore) ArchiveMessagesBefore(ctx context.Context, threadID string, cutoff time.Time, audit *AuditEntry) (int, error) {
	now := s.now()
	fillAudit(audit, TargetThread, threadID, now)

	var archived int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET archived_at = ?
			WHERE thread_id = ? AND archived_at IS NULL AND created_at < ?
		`, formatTime(now), threadID, formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("archiving messages: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		archived = int(n)
		if archived == 0 || audit == nil {
			return nil
		}
		if audit.Detail == nil {
			audit.Detail = map[string]any{}
		}
		audit.Detail["archived"] = archived
		audit.Detail["cutoff"] = formatTime(cutoff)
		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		s.logAudit(audit)
	}
	return archived, nil
}

// PurgeMessagesBefore permanently deletes archived messages created before
// cutoff, except those held by an open report. Attachments and receipts go
// with them; reports and audit entries stay. Unread counters are recomputed
// and a single audit entry records the count and position range.
func (s *SQLiteStore) PurgeMessagesBefore(ctx context.Context, threadID string, cutoff time.Time, audit *AuditEntry) (*PurgeResult, error) {
	unlock, err := s.lockThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	fillAudit(audit, TargetThread, threadID, now)
	result := &PurgeResult{ThreadID: threadID}
	cutoffStr := formatTime(cutoff)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var first, last sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*), MIN(seq), MAX(seq) FROM messages
			WHERE thread_id = ? AND archived_at IS NOT NULL AND created_at < ? AND NOT `+heldByReport,
			threadID, cutoffStr).Scan(&result.Purged, &first, &last)
		if err != nil {
			return fmt.Errorf("counting purgeable messages: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE thread_id = ? AND created_at < ? AND `+heldByReport,
			threadID, cutoffStr).Scan(&result.Held); err != nil {
			return fmt.Errorf("counting held messages: %w", err)
		}
		if result.Purged == 0 {
			return nil
		}
		result.FirstSeq = first.Int64
		result.LastSeq = last.Int64

		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE thread_id = ? AND archived_at IS NOT NULL AND created_at < ? AND NOT `+heldByReport,
			threadID, cutoffStr)
		if err != nil {
			return fmt.Errorf("purging messages: %w", err)
		}
		if n, _ := res.RowsAffected(); int(n) != result.Purged {
			return fmt.Errorf("purged %d messages, expected %d: %w", n, result.Purged, ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE unread_counters SET count = (
				SELECT COUNT(*) FROM messages m
				WHERE m.thread_id = unread_counters.thread_id
				  AND m.sender_id != unread_counters.user_id
				  AND m.deleted = 0 AND m.moderation_status != 'removed'
				  AND NOT EXISTS (
					SELECT 1 FROM message_reads r
					WHERE r.message_id = m.id AND r.reader_id = unread_counters.user_id
				  )
			)
			WHERE thread_id = ?
		`, threadID); err != nil {
			return fmt.Errorf("recomputing unread counters: %w", err)
		}

		// Repoint the cached last message if it was purged. last_seq stays
		// so positions are never reused.
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET
				last_message_id = (SELECT id FROM messages WHERE thread_id = threads.id ORDER BY seq DESC LIMIT 1),
				last_message_at = (SELECT created_at FROM messages WHERE thread_id = threads.id ORDER BY seq DESC LIMIT 1),
				updated_at = ?
			WHERE id = ? AND last_message_id NOT IN (SELECT id FROM messages WHERE thread_id = ?)
		`, formatTime(now), threadID, threadID); err != nil {
			return fmt.Errorf("updating thread pointer: %w", err)
		}

		if audit != nil {
			if audit.Detail == nil {
				audit.Detail = map[string]any{}
			}
			audit.Detail["purged"] = result.Purged
			audit.Detail["first_seq"] = result.FirstSeq
			audit.Detail["last_seq"] = result.LastSeq
			audit.Detail["held"] = result.Held
			audit.Detail["cutoff"] = cutoffStr
		}
		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	if result.Purged > 0 {
		s.logAudit(audit)
		s.logger.Info("purged messages",
			"thread_id", threadID,
			"purged", result.Purged,
			"first_seq", result.FirstSeq,
			"last_seq", result.LastSeq,
			"held", result.Held)
	}
	return result, nil
}
