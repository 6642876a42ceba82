// Package store provides persistent storage for coven-messaging using SQLite.
//
// # Architecture
//
// The Store interface covers threads, messages, read receipts, unread
// counters, attachments, moderation reports, the audit log and export jobs.
// SQLiteStore implements it on modernc.org/sqlite; MockStore implements it
// in memory with the same state machine rules.
//
// # Data Models
//
//   - Thread: participants (at least two, immutable), subject, retention
//     policy, muted/archived flags, cached last-message pointer
//   - Message: content, position (Seq) within its thread, moderation status,
//     soft-delete flag, report counter, read receipts
//   - Attachment: file metadata and scan status; URLs once clean
//   - Report: a participant's complaint and its review workflow
//   - AuditEntry: append-only record of every state change
//   - ExportJob: asynchronous thread export progress
//
// # Ordering and counters
//
// SendMessage is the only path that assigns Seq. It holds a per-thread lock
// and runs one transaction that inserts the message, increments every other
// participant's unread counter, moves the thread's last-message pointer and
// writes the audit entry. Counters are per (thread, reader) and change only
// through single SQL statements, so concurrent sends and reads never lose an
// update. MarkRead inserts the receipt with INSERT OR IGNORE and decrements
// only when a row was added.
//
// # Moderation
//
// Message status moves pending -> approved, pending -> flagged and
// flagged -> removed only. Reports move pending -> reviewed and from either
// of those to resolved or dismissed. Every transition is a conditional
// update; anything else is ErrInvalidState.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pool holds one connection. Never start a query while a *sql.Rows
// from the same store is still open.
//
// # Error Handling
//
// Errors wrap one of ErrNotFound, ErrForbidden, ErrInvalidState,
// ErrConflict, ErrTransient or ErrValidation. Use errors.Is on either the
// category or the specific error (ErrThreadArchived, ErrAlreadyResolved...).
//
// # Migrations
//
// Migrations are embedded from internal/store/migrations and applied with
// goose on open.
package store
