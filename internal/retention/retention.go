// ABOUTME: Retention enforcer that archives and purges messages past their thread's window
// ABOUTME: Runs on a cron schedule with at most one sweep in flight

package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/store"
)

// DefaultCron sweeps every fifteen minutes.
const DefaultCron = "*/15 * * * *"

const (
	defaultGraceMultiplier = 2
	defaultPageSize        = 200
	retryAfterError        = 30 * time.Second
)

// ErrSweepInProgress is returned when a sweep is requested while one is running.
var ErrSweepInProgress = fmt.Errorf("retention sweep already running: %w", store.ErrConflict)

// Config tunes the enforcer.
type Config struct {
	Cron string

	// GraceMultiplier scales the thread window to get the purge cutoff.
	// Archived messages older than GraceMultiplier x window are purged.
	GraceMultiplier int

	// AuditRetention purges audit entries older than this. Zero keeps them forever.
	AuditRetention time.Duration

	PageSize int
}

func (c Config) withDefaults() Config {
	if c.Cron == "" {
		c.Cron = DefaultCron
	}
	if c.GraceMultiplier < 1 {
		c.GraceMultiplier = defaultGraceMultiplier
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	return c
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Threads     int           `json:"threads"`
	Archived    int           `json:"archived"`
	Purged      int           `json:"purged"`
	Held        int           `json:"held"`
	Failures    int           `json:"failures"`
	AuditPurged int           `json:"audit_purged"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// Enforcer applies thread retention policies.
type Enforcer struct {
	store   store.Store
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// New creates an enforcer. The cron expression is validated up front.
func New(s store.Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Enforcer, error) {
	cfg = cfg.withDefaults()
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron expression %q: %w", cfg.Cron, store.ErrValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		store:   s,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "retention"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source. Used by tests.
func (e *Enforcer) SetClock(now func() time.Time) {
	e.now = now
}

// Run sweeps on the cron schedule until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) {
	e.logger.Info("retention scheduler started", "cron", e.cfg.Cron, "grace_multiplier", e.cfg.GraceMultiplier)
	for {
		next, err := gronx.NextTickAfter(e.cfg.Cron, time.Now().UTC(), false)
		if err != nil {
			e.logger.Error("computing next retention tick", "cron", e.cfg.Cron, "error", err)
			next = time.Now().Add(retryAfterError)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("retention scheduler stopping")
			return
		case <-timer.C:
		}

		if _, err := e.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrSweepInProgress) {
				e.logger.Warn("skipping scheduled sweep, previous sweep still running")
				continue
			}
			e.logger.Error("retention sweep failed", "error", err)
		}
	}
}

// RunOnce performs a single sweep over every thread. Per-thread failures are
// logged and counted; only a failure to page through threads aborts the sweep.
func (e *Enforcer) RunOnce(ctx context.Context) (*SweepReport, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrSweepInProgress
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	start := time.Now()
	report := &SweepReport{StartedAt: e.now()}
	e.logger.Info("retention sweep started")

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("sweep interrupted: %w", err)
		}
		threads, err := e.store.ListThreads(ctx, after, e.cfg.PageSize)
		if err != nil {
			return report, fmt.Errorf("listing threads: %w", err)
		}
		for _, t := range threads {
			e.sweepThread(ctx, t, report)
		}
		if len(threads) < e.cfg.PageSize {
			break
		}
		after = threads[len(threads)-1].ID
	}

	if e.cfg.AuditRetention > 0 {
		n, err := e.store.PurgeAuditBefore(ctx, e.now().Add(-e.cfg.AuditRetention))
		if err != nil {
			report.Failures++
			e.logger.Error("purging audit log", "error", err)
		} else {
			report.AuditPurged = n
		}
	}

	report.Duration = time.Since(start)
	e.metrics.SweepCompleted(report.Purged, report.Held, report.Duration)
	e.logger.Info("retention sweep finished",
		"threads", report.Threads,
		"archived", report.Archived,
		"purged", report.Purged,
		"held", report.Held,
		"failures", report.Failures,
		"audit_purged", report.AuditPurged,
		"duration", report.Duration)
	return report, nil
}

func (e *Enforcer) sweepThread(ctx context.Context, t *store.Thread, report *SweepReport) {
	window, ok := t.RetentionPolicy.Window()
	if !ok {
		return
	}
	report.Threads++
	now := e.now()

	archived, err := e.store.ArchiveMessagesBefore(ctx, t.ID, now.Add(-window),
		&store.AuditEntry{ActorID: store.SystemActor, Action: store.AuditRetentionArchive})
	if err != nil {
		report.Failures++
		e.logger.Error("archiving thread", "thread_id", t.ID, "error", err)
		return
	}
	report.Archived += archived

	purgeCutoff := now.Add(-time.Duration(e.cfg.GraceMultiplier) * window)
	res, err := e.store.PurgeMessagesBefore(ctx, t.ID, purgeCutoff,
		&store.AuditEntry{ActorID: store.SystemActor, Action: store.AuditRetentionPurge})
	if err != nil {
		report.Failures++
		e.logger.Error("purging thread", "thread_id", t.ID, "error", err)
		return
	}
	report.Purged += res.Purged
	report.Held += res.Held

	if archived > 0 || res.Purged > 0 || res.Held > 0 {
		e.logger.Debug("thread swept",
			"thread_id", t.ID,
			"policy", t.RetentionPolicy,
			"archived", archived,
			"purged", res.Purged,
			"held", res.Held)
	}
}
