// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, applies embedded goose migrations and implements thread storage

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-messaging/internal/locks"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	threads *locks.Keyed
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// Migrations are applied on open. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; per-thread locks order sends.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys so purges cascade to attachments and receipts
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		threads: locks.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) provider() (*goose.Provider, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	return goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
}

// migrate applies every pending migration.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	p, err := s.provider()
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		s.logger.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// SchemaVersion returns the current migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int64, error) {
	p, err := s.provider()
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}

// SetClock overrides the store's time source. Intended for tests.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// lockThread takes the per-thread writer lock.
func (s *SQLiteStore) lockThread(ctx context.Context, threadID string) (func(), error) {
	unlock, err := s.threads.Lock(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("waiting for thread lock: %w: %w", ErrTransient, err)
	}
	return unlock, nil
}

// classify marks busy/locked database errors and expired contexts as transient.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// isConstraintViolation checks if an error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// fillAudit defaults the target of an audit entry.
func fillAudit(audit *AuditEntry, targetType, targetID string, at time.Time) {
	if audit == nil {
		return
	}
	if audit.TargetType == "" {
		audit.TargetType = targetType
	}
	if audit.TargetID == "" {
		audit.TargetID = targetID
	}
	if audit.Timestamp.IsZero() {
		audit.Timestamp = at
	}
}

// writeAudit appends audit inside tx when present.
func writeAudit(ctx context.Context, tx *sql.Tx, audit *AuditEntry) error {
	if audit == nil {
		return nil
	}
	return appendAudit(ctx, tx, audit)
}

// CreateThread stores a new thread with its participants and zeroed
// unread counters.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread, audit *AuditEntry) error {
	participants := distinctParticipants(thread.Participants)
	if len(participants) < 2 {
		return ErrInvalidParticipants
	}
	policy, err := ParseRetentionPolicy(string(thread.RetentionPolicy))
	if err != nil {
		return err
	}

	now := s.now()
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	thread.Participants = participants
	thread.RetentionPolicy = policy
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = thread.CreatedAt
	fillAudit(audit, TargetThread, thread.ID, now)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, subject, retention_policy, muted, archived, last_seq, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, thread.ID, thread.Subject, string(thread.RetentionPolicy), boolInt(thread.Muted), boolInt(thread.Archived),
			thread.CreatedBy, formatTime(thread.CreatedAt), formatTime(thread.UpdatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("thread %s already exists: %w", thread.ID, ErrConflict)
			}
			return fmt.Errorf("inserting thread: %w", err)
		}

		for i, p := range participants {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO thread_participants (thread_id, user_id, position) VALUES (?, ?, ?)",
				thread.ID, p, i); err != nil {
				return fmt.Errorf("inserting participant: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO unread_counters (thread_id, user_id, count) VALUES (?, ?, 0)",
				thread.ID, p); err != nil {
				return fmt.Errorf("inserting unread counter: %w", err)
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

const threadColumns = "id, subject, retention_policy, muted, archived, last_message_id, last_message_at, last_seq, created_by, created_at, updated_at"

func scanThread(scanner interface{ Scan(dest ...any) error }, extra ...any) (*Thread, error) {
	var t Thread
	var policy, createdAt, updatedAt string
	var muted, archived int
	var lastID, lastAt sql.NullString

	dest := []any{&t.ID, &t.Subject, &policy, &muted, &archived, &lastID, &lastAt, &t.LastSeq, &t.CreatedBy, &createdAt, &updatedAt}
	dest = append(dest, extra...)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	t.RetentionPolicy = RetentionPolicy(policy)
	t.Muted = muted != 0
	t.Archived = archived != 0
	t.LastMessageID = lastID.String
	var err error
	if t.LastMessageAt, err = parseNullTime(lastAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getThread loads one thread with participants through q.
func getThread(ctx context.Context, q querier, id string) (*Thread, error) {
	row := q.QueryRowContext(ctx, "SELECT "+threadColumns+" FROM threads WHERE id = ?", id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	parts, err := loadParticipants(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	t.Participants = parts[id]
	return t, nil
}

// loadParticipants returns participants per thread, in creation order.
func loadParticipants(ctx context.Context, q querier, threadIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(threadIDs))
	if len(threadIDs) == 0 {
		return out, nil
	}
	query, args, err := sq.Select("thread_id", "user_id").
		From("thread_participants").
		Where(sq.Eq{"thread_id": threadIDs}).
		OrderBy("thread_id", "position").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building participants query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tid, uid string
		if err := rows.Scan(&tid, &uid); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		out[tid] = append(out[tid], uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}
	return out, nil
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	return getThread(ctx, s.db, id)
}

// ListThreads pages through all threads in ID order. Used by sweeps.
func (s *SQLiteStore) ListThreads(ctx context.Context, afterID string, limit int) ([]*Thread, error) {
	limit = normalizeLimit(limit, 100, 1000)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+threadColumns+" FROM threads WHERE id > ? ORDER BY id LIMIT ?", afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}

	var threads []*Thread
	var ids []string
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		threads = append(threads, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating threads: %w", err)
	}
	_ = rows.Close()

	parts, err := loadParticipants(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range threads {
		t.Participants = parts[t.ID]
	}
	return threads, nil
}

// ListThreadsForUser returns the user's threads, most recently active first,
// each with that user's unread count and the last visible message.
func (s *SQLiteStore) ListThreadsForUser(ctx context.Context, userID string, f ThreadFilter) ([]*ThreadView, error) {
	cols := strings.Split(threadColumns, ", ")
	for i, c := range cols {
		cols[i] = "t." + c
	}
	cols = append(cols, "COALESCE(c.count, 0)")

	q := sq.Select(cols...).
		From("threads t").
		Join("thread_participants p ON p.thread_id = t.id AND p.user_id = ?", userID).
		LeftJoin("unread_counters c ON c.thread_id = t.id AND c.user_id = ?", userID).
		OrderBy("COALESCE(t.last_message_at, t.created_at) DESC", "t.id").
		Limit(uint64(normalizeLimit(f.Limit, 50, 200)))

	if !f.IncludeArchived {
		q = q.Where(sq.Eq{"t.archived": 0})
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		pattern := likePattern(search)
		q = q.Where(sq.Or{
			sq.Expr(`t.subject LIKE ? ESCAPE '\'`, pattern),
			sq.Expr(`EXISTS (SELECT 1 FROM messages m WHERE m.id = t.last_message_id AND m.content LIKE ? ESCAPE '\')`, pattern),
		})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building thread list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}

	var views []*ThreadView
	var ids, lastIDs []string
	for rows.Next() {
		var unread int
		t, err := scanThread(rows, &unread)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		views = append(views, &ThreadView{Thread: *t, UnreadCount: unread})
		ids = append(ids, t.ID)
		if t.LastMessageID != "" {
			lastIDs = append(lastIDs, t.LastMessageID)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating threads: %w", err)
	}
	_ = rows.Close()

	parts, err := loadParticipants(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	last, err := s.loadMessagesByID(ctx, lastIDs)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		v.Participants = parts[v.ID]
		if m, ok := last[v.LastMessageID]; ok && m.Visible() {
			v.LastMessage = m
		}
	}
	if views == nil {
		views = []*ThreadView{}
	}
	return views, nil
}

// setThreadFlag toggles one boolean column on a thread.
func (s *SQLiteStore) setThreadFlag(ctx context.Context, threadID, column string, value bool, audit *AuditEntry) (*Thread, error) {
	now := s.now()
	fillAudit(audit, TargetThread, threadID, now)

	var thread *Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE threads SET "+column+" = ?, updated_at = ? WHERE id = ?",
			boolInt(value), formatTime(now), threadID)
		if err != nil {
			return fmt.Errorf("updating thread: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrThreadNotFound
		}
		if err := writeAudit(ctx, tx, audit); err != nil {
			return err
		}
		thread, err = getThread(ctx, tx, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(audit)
	return thread, nil
}

// SetThreadMuted sets the muted flag.
func (s *SQLiteStore) SetThreadMuted(ctx context.Context, threadID string, muted bool, audit *AuditEntry) (*Thread, error) {
	return s.setThreadFlag(ctx, threadID, "muted", muted, audit)
}

// SetThreadArchived sets the archived flag. Messages are not touched.
func (s *SQLiteStore) SetThreadArchived(ctx context.Context, threadID string, archived bool, audit *AuditEntry) (*Thread, error) {
	return s.setThreadFlag(ctx, threadID, "archived", archived, audit)
}

// UnreadCount returns the user's unread counter for a thread.
func (s *SQLiteStore) UnreadCount(ctx context.Context, threadID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT count FROM unread_counters WHERE thread_id = ? AND user_id = ?",
		threadID, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.GetThread(ctx, threadID); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying unread count: %w", err)
	}
	return count, nil
}

// likePattern escapes LIKE wildcards and wraps s for substring matching.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
