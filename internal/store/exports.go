// ABOUTME: Export job storage for SQLiteStore
// ABOUTME: Tracks asynchronous thread exports from queued through completion

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateExportJob records a queued export for an existing thread.
func (s *SQLiteStore) CreateExportJob(ctx context.Context, job *ExportJob, audit *AuditEntry) error {
	now := s.now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = ExportQueued
	job.CreatedAt = now
	job.CompletedAt = nil
	fillAudit(audit, TargetExport, job.ID, now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getThread(ctx, tx, job.ThreadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO export_jobs (id, thread_id, requested_by, status, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, job.ID, job.ThreadID, job.RequestedBy, string(job.Status), formatTime(now)); err != nil {
			return fmt.Errorf("inserting export job: %w", err)
		}
		if audit != nil {
			if audit.Detail == nil {
				audit.Detail = map[string]any{}
			}
			audit.Detail["thread_id"] = job.ThreadID
		}
		return writeAudit(ctx, tx, audit)
	})
	if err != nil {
		return err
	}
	s.logAudit(audit)
	return nil
}

// UpdateExportJob saves status, result URL, error and completion time.
func (s *SQLiteStore) UpdateExportJob(ctx context.Context, job *ExportJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = ?, result_url = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, string(job.Status), nullString(job.ResultURL), nullString(job.Error), formatTimePtr(job.CompletedAt), job.ID)
	if err != nil {
		return classify(fmt.Errorf("updating export job: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExportNotFound
	}
	return nil
}

// GetExportJob retrieves an export job by ID.
func (s *SQLiteStore) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	var j ExportJob
	var status, createdAt string
	var resultURL, errStr, completedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, requested_by, status, result_url, error, created_at, completed_at
		FROM export_jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.ThreadID, &j.RequestedBy, &status, &resultURL, &errStr, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying export job: %w", err)
	}

	j.Status = ExportStatus(status)
	j.ResultURL = resultURL.String
	j.Error = errStr.String
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &j, nil
}
