// ABOUTME: Attachment storage for SQLiteStore
// ABOUTME: CompleteScan applies exactly one terminal scan result per attachment

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

const attachmentColumns = "id, message_id, name, mime_type, kind, size, scan_status, scan_error, cdn_url, thumbnail_url, attempt, retry_of, created_at, scanned_at"

func scanAttachment(scanner interface{ Scan(dest ...any) error }) (*Attachment, error) {
	var a Attachment
	var kind, status, createdAt string
	var scanErr, cdnURL, thumbURL, retryOf, scannedAt sql.NullString

	if err := scanner.Scan(&a.ID, &a.MessageID, &a.Name, &a.MimeType, &kind, &a.Size, &status,
		&scanErr, &cdnURL, &thumbURL, &a.Attempt, &retryOf, &createdAt, &scannedAt); err != nil {
		return nil, err
	}
	a.Kind = AttachmentKind(kind)
	a.ScanStatus = ScanStatus(status)
	a.ScanError = scanErr.String
	a.CDNURL = cdnURL.String
	a.ThumbnailURL = thumbURL.String
	a.RetryOf = retryOf.String

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.ScannedAt, err = parseNullTime(scannedAt); err != nil {
		return nil, fmt.Errorf("parsing scanned_at: %w", err)
	}
	return &a, nil
}

// CreateAttachment records a new attachment in pending state.
func (s *SQLiteStore) CreateAttachment(ctx context.Context, a *Attachment, audit *AuditEntry) error {
	if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.MimeType) == "" || a.Size <= 0 {
		return fmt.Errorf("attachment needs a name, MIME type and positive size: %w", ErrValidation)
	}

	now := s.now()
	if a.ID == "" {
		a.ID = uuid.New().String()
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
	fillAudit(audit, TargetAttachment, a.ID, now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", a.MessageID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, message_id, name, mime_type, kind, size, scan_status, attempt, retry_of, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.MessageID, a.Name, a.MimeType, string(a.Kind), a.Size, string(a.ScanStatus),
			a.Attempt, nullString(a.RetryOf), formatTime(now)); err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("attachment %s: %w", a.ID, ErrConflict)
			}
			return fmt.Errorf("inserting attachment: %w", err)
		}
		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return err
	}
	s.logAudit(audit)
	return nil
}

// GetAttachment retrieves an attachment by ID.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+attachmentColumns+" FROM attachments WHERE id = ?", id)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying attachment: %w", err)
	}
	return a, nil
}

// queryAttachments returns attachments matching pred in upload order.
func (s *SQLiteStore) queryAttachments(ctx context.Context, pred any) ([]*Attachment, error) {
	return s.queryAttachmentsLimit(ctx, pred, 0)
}

func (s *SQLiteStore) queryAttachmentsLimit(ctx context.Context, pred any, limit int) ([]*Attachment, error) {
	q := sq.Select(strings.Split(attachmentColumns, ", ")...).
		From("attachments").
		Where(pred).
		OrderBy("created_at", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building attachment query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	atts := []*Attachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		atts = append(atts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attachments: %w", err)
	}
	return atts, nil
}

// ListAttachments returns every attachment of a message, whatever its scan
// state, so failures stay queryable.
func (s *SQLiteStore) ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error) {
	return s.queryAttachments(ctx, sq.Eq{"message_id": messageID})
}

// ListPendingAttachments returns attachments still waiting for a scan,
// oldest first.
func (s *SQLiteStore) ListPendingAttachments(ctx context.Context, limit int) ([]*Attachment, error) {
	return s.queryAttachmentsLimit(ctx, sq.Eq{"scan_status": string(ScanPending)}, normalizeLimit(limit, 100, 1000))
}

// CompleteScan applies a terminal scan result. Only a pending attachment
// changes; a repeated or late result reports false and changes nothing.
func (s *SQLiteStore) CompleteScan(ctx context.Context, attachmentID string, r ScanResult) (bool, error) {
	if !r.Status.IsTerminal() {
		return false, fmt.Errorf("scan result %q is not terminal: %w", r.Status, ErrValidation)
	}
	if r.Status != ScanClean {
		r.CDNURL = ""
		r.ThumbnailURL = ""
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE attachments
		SET scan_status = ?, scan_error = ?, cdn_url = ?, thumbnail_url = ?, scanned_at = ?
		WHERE id = ? AND scan_status = 'pending'
	`, string(r.Status), nullString(r.Error), nullString(r.CDNURL), nullString(r.ThumbnailURL),
		formatTime(s.now()), attachmentID)
	if err != nil {
		return false, classify(fmt.Errorf("completing scan: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	if _, err := s.GetAttachment(ctx, attachmentID); err != nil {
		return false, err
	}
	return false, nil
}
