// ABOUTME: Asynchronous thread export jobs
// ABOUTME: Jobs move queued -> running -> completed|failed and are rendered by a worker pool

package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/coven-messaging/internal/store"
)

// Config tunes the exporter.
type Config struct {
	Workers   int
	QueueSize int
	PageSize  int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	return c
}

// ErrQueueFull is returned when an export cannot be scheduled.
var ErrQueueFull = fmt.Errorf("export queue full: %w", store.ErrTransient)

// Exporter renders thread transcripts in the background.
type Exporter struct {
	store  store.Store
	sink   Sink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	jobs   chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an exporter. Call Start to begin processing jobs.
func New(s store.Store, sink Sink, cfg Config, logger *slog.Logger) *Exporter {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		store:  s,
		sink:   sink,
		cfg:    cfg,
		logger: logger.With("component", "export"),
		now:    func() time.Time { return time.Now().UTC() },
		jobs:   make(chan string, cfg.QueueSize),
	}
}

// Start launches the worker pool.
func (e *Exporter) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for range e.cfg.Workers {
		e.wg.Go(func() { e.worker(ctx) })
	}
	e.logger.Info("export workers started", "workers", e.cfg.Workers)
}

// Stop cancels in-flight jobs and waits for the workers to exit.
func (e *Exporter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Request records a queued export of the thread and schedules it.
func (e *Exporter) Request(ctx context.Context, threadID, requestedBy string, audit *store.AuditEntry) (*store.ExportJob, error) {
	if audit == nil {
		audit = &store.AuditEntry{}
	}
	audit.Action = store.AuditExportRequested

	job := &store.ExportJob{ThreadID: threadID, RequestedBy: requestedBy}
	if err := e.store.CreateExportJob(ctx, job, audit); err != nil {
		return nil, fmt.Errorf("creating export job: %w", err)
	}

	select {
	case e.jobs <- job.ID:
	default:
		e.fail(context.WithoutCancel(ctx), job, ErrQueueFull)
		return job, ErrQueueFull
	}

	e.logger.Info("export requested", "job_id", job.ID, "thread_id", threadID, "requested_by", requestedBy)
	return job, nil
}

// Get returns the job's current state.
func (e *Exporter) Get(ctx context.Context, jobID string) (*store.ExportJob, error) {
	return e.store.GetExportJob(ctx, jobID)
}

func (e *Exporter) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.jobs:
			e.process(ctx, id)
		}
	}
}

func (e *Exporter) process(ctx context.Context, jobID string) {
	job, err := e.store.GetExportJob(ctx, jobID)
	if err != nil {
		e.logger.Error("loading export job", "job_id", jobID, "error", err)
		return
	}
	if job.Status != store.ExportQueued {
		return
	}

	job.Status = store.ExportRunning
	if err := e.store.UpdateExportJob(ctx, job); err != nil {
		e.logger.Error("marking export running", "job_id", jobID, "error", err)
		return
	}

	start := time.Now()
	url, err := e.run(ctx, job)
	if err != nil {
		e.fail(context.WithoutCancel(ctx), job, err)
		return
	}

	done := e.now()
	job.Status = store.ExportCompleted
	job.ResultURL = url
	job.CompletedAt = &done
	if err := e.store.UpdateExportJob(context.WithoutCancel(ctx), job); err != nil {
		e.logger.Error("marking export completed", "job_id", jobID, "error", err)
		return
	}
	e.logger.Info("export completed", "job_id", jobID, "thread_id", job.ThreadID, "url", url, "duration", time.Since(start))
}

func (e *Exporter) run(ctx context.Context, job *store.ExportJob) (string, error) {
	thread, err := e.store.GetThread(ctx, job.ThreadID)
	if err != nil {
		return "", err
	}
	messages, err := e.collect(ctx, job.ThreadID)
	if err != nil {
		return "", err
	}
	doc, err := Render(thread, messages, e.now())
	if err != nil {
		return "", err
	}
	return e.sink.Write(ctx, job.ID+".html", doc)
}

// collect pages through the thread newest first and returns the messages
// oldest first.
func (e *Exporter) collect(ctx context.Context, threadID string) ([]*store.Message, error) {
	var all []*store.Message
	cursor := ""
	for {
		page, err := e.store.ListMessages(ctx, threadID, store.MessagePage{Limit: e.cfg.PageSize, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}
		all = append(all, page.Messages...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	slices.Reverse(all)
	return all, nil
}

func (e *Exporter) fail(ctx context.Context, job *store.ExportJob, cause error) {
	done := e.now()
	job.Status = store.ExportFailed
	job.Error = cause.Error()
	job.CompletedAt = &done
	if err := e.store.UpdateExportJob(ctx, job); err != nil {
		e.logger.Error("marking export failed", "job_id", job.ID, "error", errors.Join(cause, err))
		return
	}
	e.logger.Warn("export failed", "job_id", job.ID, "thread_id", job.ThreadID, "error", cause)
}
