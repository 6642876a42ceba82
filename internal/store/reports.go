// ABOUTME: Moderation persistence for SQLiteStore: message review state and reports
// ABOUTME: Enforces the moderation state machines with conditional updates inside transactions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// transitionMessage moves a message's moderation status inside tx. The
// update is conditional on the status read, so a racing writer surfaces as
// ErrConflict instead of a lost update.
func transitionMessage(ctx context.Context, tx *sql.Tx, messageID string, to ModerationStatus) (ModerationStatus, error) {
	var threadID, senderID, status string
	var deleted int
	err := tx.QueryRowContext(ctx,
		"SELECT thread_id, sender_id, moderation_status, deleted FROM messages WHERE id = ?", messageID).
		Scan(&threadID, &senderID, &status, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying message: %w", err)
	}

	from := ModerationStatus(status)
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE messages SET moderation_status = ? WHERE id = ? AND moderation_status = ?",
		string(to), messageID, status)
	if err != nil {
		return from, fmt.Errorf("updating moderation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return from, fmt.Errorf("moderation status changed concurrently: %w", ErrConflict)
	}

	if to == ModerationRemoved && deleted == 0 {
		if err := dropFromUnread(ctx, tx, threadID, messageID, senderID); err != nil {
			return from, err
		}
	}
	return from, nil
}

// TransitionModeration applies a reviewer's decision to a message.
func (s *SQLiteStore) TransitionModeration(ctx context.Context, messageID string, to ModerationStatus, audit *AuditEntry) (*Message, error) {
	now := s.now()
	fillAudit(audit, TargetMessage, messageID, now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		from, err := transitionMessage(ctx, tx, messageID, to)
		if err != nil {
			return err
		}
		if audit != nil {
			if audit.Detail == nil {
				audit.Detail = map[string]any{}
			}
			audit.Detail["from"] = string(from)
			audit.Detail["to"] = string(to)
		}
		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(audit)
	return s.GetMessage(ctx, messageID)
}

// CreateReport files a report against a message and bumps its report
// counter. When flagThreshold > 0 and the counter reaches it, a pending
// message is flagged for review in the same transaction.
func (s *SQLiteStore) CreateReport(ctx context.Context, r *Report, flagThreshold int, audit *AuditEntry) error {
	if _, err := ParseReportReason(string(r.Reason)); err != nil {
		return err
	}
	if strings.TrimSpace(r.ReporterID) == "" {
		return fmt.Errorf("reporter is required: %w", ErrValidation)
	}

	now := s.now()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = ReportPending
	r.CreatedAt = now
	r.ModeratorID = ""
	r.Action = ""
	r.ReviewedAt = nil
	r.ResolvedAt = nil
	fillAudit(audit, TargetReport, r.ID, now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var threadID, status string
		var count int
		err := tx.QueryRowContext(ctx,
			"SELECT thread_id, moderation_status, report_count FROM messages WHERE id = ?", r.MessageID).
			Scan(&threadID, &status, &count)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}
		r.ThreadID = threadID

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moderation_reports (id, message_id, thread_id, reporter_id, reason, description, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.MessageID, r.ThreadID, r.ReporterID, string(r.Reason), r.Description, string(r.Status), formatTime(now)); err != nil {
			return fmt.Errorf("inserting report: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET report_count = report_count + 1 WHERE id = ?", r.MessageID); err != nil {
			return fmt.Errorf("incrementing report count: %w", err)
		}

		flagged := false
		if flagThreshold > 0 && count+1 >= flagThreshold && ModerationStatus(status) == ModerationPending {
			if _, err := transitionMessage(ctx, tx, r.MessageID, ModerationFlagged); err != nil {
				return err
			}
			flagged = true
		}

		if audit != nil {
			if audit.Detail == nil {
				audit.Detail = map[string]any{}
			}
			audit.Detail["message_id"] = r.MessageID
			audit.Detail["reason"] = string(r.Reason)
			audit.Detail["flagged"] = flagged
		}
		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return err
	}
	s.logAudit(audit)
	return nil
}

const reportColumns = "id, message_id, thread_id, reporter_id, reason, description, status, moderator_id, action, created_at, reviewed_at, resolved_at"

func scanReport(scanner interface{ Scan(dest ...any) error }) (*Report, error) {
	var r Report
	var reason, status, createdAt string
	var moderator, action, reviewedAt, resolvedAt sql.NullString

	if err := scanner.Scan(&r.ID, &r.MessageID, &r.ThreadID, &r.ReporterID, &reason, &r.Description,
		&status, &moderator, &action, &createdAt, &reviewedAt, &resolvedAt); err != nil {
		return nil, err
	}
	r.Reason = ReportReason(reason)
	r.Status = ReportStatus(status)
	r.ModeratorID = moderator.String
	r.Action = ModerationAction(action.String)

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.ReviewedAt, err = parseNullTime(reviewedAt); err != nil {
		return nil, fmt.Errorf("parsing reviewed_at: %w", err)
	}
	if r.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	return &r, nil
}

func getReport(ctx context.Context, q querier, id string) (*Report, error) {
	r, err := scanReport(q.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM moderation_reports WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying report: %w", err)
	}
	return r, nil
}

// GetReport retrieves a report by ID.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*Report, error) {
	return getReport(ctx, s.db, id)
}

// ListReports returns reports matching the filter, oldest first so the
// review queue is worked in arrival order.
func (s *SQLiteStore) ListReports(ctx context.Context, f ReportFilter) ([]*Report, error) {
	q := sq.Select(strings.Split(reportColumns, ", ")...).
		From("moderation_reports").
		OrderBy("created_at", "id").
		Limit(uint64(normalizeLimit(f.Limit, 100, 1000)))
	if f.Status != nil {
		q = q.Where(sq.Eq{"status": string(*f.Status)})
	}
	if f.ThreadID != nil {
		q = q.Where(sq.Eq{"thread_id": *f.ThreadID})
	}
	if f.MessageID != nil {
		q = q.Where(sq.Eq{"message_id": *f.MessageID})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building report query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	reports := []*Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reports: %w", err)
	}
	return reports, nil
}

// ReviewReport moves a pending report to reviewed.
func (s *SQLiteStore) ReviewReport(ctx context.Context, reportID, moderatorID string, audit *AuditEntry) (*Report, error) {
	now := s.now()
	fillAudit(audit, TargetReport, reportID, now)

	var report *Report
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getReport(ctx, tx, reportID)
		if err != nil {
			return err
		}
		switch r.Status {
		case ReportPending:
		case ReportReviewed:
			return fmt.Errorf("report already under review: %w", ErrInvalidState)
		default:
			return ErrAlreadyResolved
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE moderation_reports SET status = ?, moderator_id = ?, reviewed_at = ? WHERE id = ? AND status = ?",
			string(ReportReviewed), moderatorID, formatTime(now), reportID, string(ReportPending)); err != nil {
			return fmt.Errorf("updating report: %w", err)
		}
		if err := writeAudit(ctx, tx, audit); err != nil {
			return err
		}
		report, err = getReport(ctx, tx, reportID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(audit)
	return report, nil
}

// ResolveReport closes an open report with the moderator's action. Actions
// that remove content walk the message to removed in the same transaction.
// A report whose message was already purged still resolves.
func (s *SQLiteStore) ResolveReport(ctx context.Context, reportID, moderatorID string, action ModerationAction, audit *AuditEntry) (*Report, error) {
	if _, err := ParseModerationAction(string(action)); err != nil {
		return nil, err
	}
	return s.closeReport(ctx, reportID, moderatorID, ReportResolved, action, audit)
}

// DismissReport closes an open report with no action.
func (s *SQLiteStore) DismissReport(ctx context.Context, reportID, moderatorID string, audit *AuditEntry) (*Report, error) {
	return s.closeReport(ctx, reportID, moderatorID, ReportDismissed, ActionNone, audit)
}

func (s *SQLiteStore) closeReport(ctx context.Context, reportID, moderatorID string, status ReportStatus, action ModerationAction, audit *AuditEntry) (*Report, error) {
	now := s.now()
	fillAudit(audit, TargetReport, reportID, now)

	var report *Report
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getReport(ctx, tx, reportID)
		if err != nil {
			return err
		}
		if !r.Status.Open() {
			return ErrAlreadyResolved
		}

		removed := false
		if status == ReportResolved && action.RemovesContent() {
			removed, err = removeMessage(ctx, tx, r.MessageID, action == ActionRemoved)
			if err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE moderation_reports SET status = ?, moderator_id = ?, action = ?, resolved_at = ?
			WHERE id = ? AND status IN ('pending', 'reviewed')
		`, string(status), moderatorID, string(action), formatTime(now), reportID)
		if err != nil {
			return fmt.Errorf("updating report: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("report closed concurrently: %w", ErrConflict)
		}

		if audit != nil {
			if audit.Detail == nil {
				audit.Detail = map[string]any{}
			}
			audit.Detail["report_status"] = string(status)
			audit.Detail["action"] = string(action)
			audit.Detail["message_id"] = r.MessageID
			audit.Detail["content_removed"] = removed
		}
		if err := writeAudit(ctx, tx, audit); err != nil {
			return err
		}
		report, err = getReport(ctx, tx, reportID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(audit)
	return report, nil
}

// removeMessage takes a message down, passing through flagged when it is
// still pending. It reports false when the message no longer exists or is
// already removed. An approved message cannot be removed: with strict set
// that is an error, otherwise the message is left up and false returned.
func removeMessage(ctx context.Context, tx *sql.Tx, messageID string, strict bool) (bool, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT moderation_status FROM messages WHERE id = ?", messageID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying message: %w", err)
	}

	switch ModerationStatus(status) {
	case ModerationRemoved:
		return false, nil
	case ModerationApproved:
		if !strict {
			return false, nil
		}
	case ModerationPending:
		if _, err := transitionMessage(ctx, tx, messageID, ModerationFlagged); err != nil {
			return false, err
		}
	}
	if _, err := transitionMessage(ctx, tx, messageID, ModerationRemoved); err != nil {
		return false, err
	}
	return true, nil
}
