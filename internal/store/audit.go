// ABOUTME: Audit log entity and store methods for tracking sensitive actions
// ABOUTME: Append-only trail of who did what to which thread, message or report

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditThreadCreated     AuditAction = "thread_created"
	AuditThreadArchived    AuditAction = "thread_archived"
	AuditThreadUnarchived  AuditAction = "thread_unarchived"
	AuditThreadMuted       AuditAction = "user_muted"
	AuditThreadUnmuted     AuditAction = "user_unmuted"
	AuditMessageSent       AuditAction = "message_sent"
	AuditMessageEdited     AuditAction = "message_edited"
	AuditMessageDeleted    AuditAction = "message_deleted"
	AuditReportFiled       AuditAction = "report_filed"
	AuditReportReviewed    AuditAction = "report_reviewed"
	AuditModerationAction  AuditAction = "moderation_action"
	AuditAttachmentRetried AuditAction = "attachment_retried"
	AuditRetentionArchive  AuditAction = "retention_archive"
	AuditRetentionPurge    AuditAction = "retention_purge"
	AuditExportRequested   AuditAction = "export_requested"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditThreadCreated,
	AuditThreadArchived,
	AuditThreadUnarchived,
	AuditThreadMuted,
	AuditThreadUnmuted,
	AuditMessageSent,
	AuditMessageEdited,
	AuditMessageDeleted,
	AuditReportFiled,
	AuditReportReviewed,
	AuditModerationAction,
	AuditAttachmentRetried,
	AuditRetentionArchive,
	AuditRetentionPurge,
	AuditExportRequested,
}

// Audit target types.
const (
	TargetThread     = "thread"
	TargetMessage    = "message"
	TargetReport     = "report"
	TargetAttachment = "attachment"
	TargetExport     = "export"
)

// SystemActor is the actor recorded for background work.
const SystemActor = "system"

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	ActorID    string         // who performed the action
	Action     AuditAction    // what action was performed
	TargetType string         // "thread", "message", "report", ...
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
	IPAddress  string         // caller network metadata, if known
	UserAgent  string         // caller client metadata, if known
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time   // entries at or after this time
	Until      *time.Time   // entries at or before this time
	ActorID    *string      // filter by actor
	Action     *AuditAction // filter by action type
	TargetType *string      // filter by target type
	TargetID   *string      // filter by target ID
	Limit      int          // max results (default 100, max 1000)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if err := appendAudit(ctx, s.db, e); err != nil {
		return err
	}
	s.logAudit(e)
	return nil
}

// appendAudit writes e through ex, which may be a transaction.
func appendAudit(ctx context.Context, ex execer, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ActorID == "" {
		e.ActorID = SystemActor
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor_id, action, target_type, target_id, ts, detail_json, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ex.ExecContext(ctx, query,
		e.ID,
		e.ActorID,
		e.Action,
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
		nullString(e.IPAddress),
		nullString(e.UserAgent),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) logAudit(e *AuditEntry) {
	if e == nil {
		return
	}
	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	return normalizeLimit(limit, 100, 1000)
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON, ip, ua sql.NullString

	if err := scanner.Scan(
		&e.ID,
		&e.ActorID,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&detailJSON,
		&ip,
		&ua,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON.Valid {
		if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

// auditQuery builds the filtered audit select.
func auditQuery(f AuditFilter) sq.SelectBuilder {
	q := sq.Select("audit_id", "actor_id", "action", "target_type", "target_id", "ts", "detail_json", "ip_address", "user_agent").
		From("audit_log").
		OrderBy("ts DESC", "rowid DESC").
		Limit(uint64(normalizeAuditLimit(f.Limit)))

	if f.Since != nil {
		q = q.Where(sq.GtOrEq{"ts": formatTime(*f.Since)})
	}
	if f.Until != nil {
		q = q.Where(sq.LtOrEq{"ts": formatTime(*f.Until)})
	}
	if f.ActorID != nil {
		q = q.Where(sq.Eq{"actor_id": *f.ActorID})
	}
	if f.Action != nil {
		q = q.Where(sq.Eq{"action": string(*f.Action)})
	}
	if f.TargetType != nil {
		q = q.Where(sq.Eq{"target_type": *f.TargetType})
	}
	if f.TargetID != nil {
		q = q.Where(sq.Eq{"target_id": *f.TargetID})
	}
	return q
}

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	query, args, err := auditQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

// PurgeAuditBefore deletes audit entries older than cutoff. Only the
// retention enforcer calls this, and only when audit retention is configured.
func (s *SQLiteStore) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_log WHERE ts < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}
