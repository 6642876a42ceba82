// ABOUTME: Asynchronous attachment pipeline: ingest, queue, scan workers and CDN publication
// ABOUTME: Each attachment reaches exactly one terminal state; pending ones survive restarts

package attachments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/store"
)

// Config tunes the pipeline. Zero values fall back to defaults.
type Config struct {
	Workers           int
	QueueSize         int
	MaxScanAttempts   int           // scanner calls per attachment before giving up
	MaxIngestAttempts int           // total ingests of one file, counting retries
	InitialBackoff    time.Duration // first delay between scan attempts
	MaxBackoff        time.Duration
	MaxSizeBytes      int64 // 0 means unlimited
	RecoverInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxScanAttempts <= 0 {
		c.MaxScanAttempts = 3
	}
	if c.MaxIngestAttempts <= 0 {
		c.MaxIngestAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.RecoverInterval <= 0 {
		c.RecoverInterval = time.Minute
	}
	return c
}

// FileMeta is the caller-declared description of an uploaded file.
type FileMeta struct {
	Name     string
	MimeType string
	Size     int64
}

// TerminalFunc is called once for every attachment whose terminal state
// this process applied.
type TerminalFunc func(ctx context.Context, att *store.Attachment, threadID string)

// Pipeline owns the scan queue and worker pool.
type Pipeline struct {
	store     store.Store
	scanner   Scanner
	publisher Publisher
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger

	queue chan string

	mu         sync.Mutex
	queued     map[string]struct{} // enqueued or in flight
	onTerminal TerminalFunc
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a pipeline. Pass nil metrics or logger for none/default.
func New(s store.Store, scanner Scanner, publisher Publisher, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		store:     s,
		scanner:   scanner,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "attachments"),
		queue:     make(chan string, cfg.QueueSize),
		queued:    make(map[string]struct{}),
	}
}

// OnTerminal registers the terminal-state hook. Call before Start.
func (p *Pipeline) OnTerminal(fn TerminalFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTerminal = fn
}

// ValidateMeta checks declared metadata against the pipeline limits.
func (p *Pipeline) ValidateMeta(meta FileMeta) error {
	if strings.TrimSpace(meta.Name) == "" {
		return fmt.Errorf("attachment name is required: %w", store.ErrValidation)
	}
	if strings.ContainsAny(meta.Name, "/\\") {
		return fmt.Errorf("attachment name must not contain path separators: %w", store.ErrValidation)
	}
	if strings.TrimSpace(meta.MimeType) == "" {
		return fmt.Errorf("attachment MIME type is required: %w", store.ErrValidation)
	}
	if meta.Size <= 0 {
		return fmt.Errorf("attachment size must be positive: %w", store.ErrValidation)
	}
	if p.cfg.MaxSizeBytes > 0 && meta.Size > p.cfg.MaxSizeBytes {
		return fmt.Errorf("attachment exceeds %d bytes: %w", p.cfg.MaxSizeBytes, store.ErrValidation)
	}
	return nil
}

// Ingest records a pending attachment on an existing message and schedules
// its scan. It never waits for the scan.
func (p *Pipeline) Ingest(ctx context.Context, messageID string, meta FileMeta) (*store.Attachment, error) {
	if err := p.ValidateMeta(meta); err != nil {
		return nil, err
	}

	att := &store.Attachment{
		MessageID: messageID,
		Name:      meta.Name,
		MimeType:  meta.MimeType,
		Size:      meta.Size,
	}
	if err := p.store.CreateAttachment(ctx, att, nil); err != nil {
		return nil, fmt.Errorf("recording attachment: %w", err)
	}

	p.enqueue(att.ID)
	return att, nil
}

// Retry re-ingests a file whose scan ended in error as a new attempt. The
// retry's ID is derived from the failed attachment, so concurrent retries
// of the same attachment collapse into one (the loser gets ErrConflict).
func (p *Pipeline) Retry(ctx context.Context, attachmentID string, audit *store.AuditEntry) (*store.Attachment, error) {
	prev, err := p.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	if prev.ScanStatus != store.ScanError {
		return nil, fmt.Errorf("attachment is %s, only failed scans can be retried: %w", prev.ScanStatus, store.ErrInvalidState)
	}
	if prev.Attempt >= p.cfg.MaxIngestAttempts {
		return nil, fmt.Errorf("attachment %s after %d attempts: %w", attachmentID, prev.Attempt, store.ErrRetriesExhausted)
	}

	att := &store.Attachment{
		ID:        retryID(prev.ID),
		MessageID: prev.MessageID,
		Name:      prev.Name,
		MimeType:  prev.MimeType,
		Size:      prev.Size,
		Attempt:   prev.Attempt + 1,
		RetryOf:   prev.ID,
	}
	if audit != nil {
		audit.Action = store.AuditAttachmentRetried
		if audit.Detail == nil {
			audit.Detail = map[string]any{}
		}
		audit.Detail["retry_of"] = prev.ID
		audit.Detail["attempt"] = att.Attempt
	}
	if err := p.store.CreateAttachment(ctx, att, audit); err != nil {
		return nil, fmt.Errorf("recording retry: %w", err)
	}

	p.logger.Info("retrying attachment",
		"attachment_id", att.ID,
		"retry_of", prev.ID,
		"attempt", att.Attempt)
	p.enqueue(att.ID)
	return att, nil
}

func retryID(prevID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("coven-attachment-retry:"+prevID)).String()
}

// enqueue schedules a scan unless one is already queued or running. A full
// queue leaves the attachment pending for the next recovery pass.
func (p *Pipeline) enqueue(id string) bool {
	p.mu.Lock()
	if _, ok := p.queued[id]; ok {
		p.mu.Unlock()
		return false
	}
	p.queued[id] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- id:
		p.metrics.SetScanQueueDepth(len(p.queue))
		return true
	default:
		p.done(id)
		p.logger.Warn("scan queue full, deferring to recovery", "attachment_id", id)
		return false
	}
}

func (p *Pipeline) done(id string) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()
}

// Recover enqueues every attachment still pending in the store. It runs at
// Start and then periodically, picking up work from crashed processes and
// from ingests that found the queue full.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	pending, err := p.store.ListPendingAttachments(ctx, p.cfg.QueueSize)
	if err != nil {
		return 0, fmt.Errorf("listing pending attachments: %w", err)
	}
	n := 0
	for _, att := range pending {
		if p.enqueue(att.ID) {
			n++
		}
	}
	if n > 0 {
		p.logger.Info("recovered pending attachments", "count", n)
	}
	return n, nil
}

// Start launches the workers and the recovery loop.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go p.recoverLoop(ctx)

	p.logger.Info("attachment pipeline started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Stop cancels the workers and waits for them. Scans interrupted by the
// shutdown stay pending and are recovered on the next start.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("attachment pipeline stopped")
}

// QueueDepth returns the number of attachments waiting for a worker.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

func (p *Pipeline) recoverLoop(ctx context.Context) {
	defer p.wg.Done()

	if _, err := p.Recover(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("failed to recover pending attachments", "error", err)
	}

	ticker := time.NewTicker(p.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.Recover(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("failed to recover pending attachments", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", n)

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.metrics.SetScanQueueDepth(len(p.queue))
			p.process(ctx, logger, id)
			p.done(id)
		}
	}
}

// process scans one attachment and applies its terminal state.
func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, id string) {
	started := time.Now()

	att, err := p.store.GetAttachment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Purged together with its message.
		return
	}
	if err != nil {
		logger.Error("failed to load attachment", "attachment_id", id, "error", err)
		return
	}
	if att.ScanStatus.IsTerminal() {
		return
	}

	result, err := p.scan(ctx, att)
	if err != nil {
		// Only shutdown gets here; leave the attachment pending.
		logger.Debug("scan interrupted", "attachment_id", id, "error", err)
		return
	}

	applied, err := p.store.CompleteScan(ctx, id, result)
	if err != nil {
		logger.Error("failed to record scan result", "attachment_id", id, "status", result.Status, "error", err)
		return
	}
	if !applied {
		logger.Debug("scan result already recorded", "attachment_id", id)
		return
	}

	p.metrics.ScanCompleted(string(result.Status), time.Since(started))
	logger.Info("attachment scanned",
		"attachment_id", id,
		"message_id", att.MessageID,
		"status", result.Status,
		"reason", result.Error)

	p.mu.Lock()
	hook := p.onTerminal
	p.mu.Unlock()
	if hook == nil {
		return
	}
	final, err := p.store.GetAttachment(ctx, id)
	if err != nil {
		logger.Warn("failed to reload scanned attachment", "attachment_id", id, "error", err)
		return
	}
	threadID := ""
	if msg, err := p.store.GetMessage(ctx, att.MessageID); err == nil {
		threadID = msg.ThreadID
	}
	hook(ctx, final, threadID)
}

// scan runs the scanner with bounded retries and, when clean, publishes.
// It returns an error only when ctx is cancelled.
func (p *Pipeline) scan(ctx context.Context, att *store.Attachment) (store.ScanResult, error) {
	var verdict Verdict
	err := p.retry(ctx, "scan", att.ID, func() error {
		v, err := p.scanner.Scan(ctx, att)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if ctx.Err() != nil {
		return store.ScanResult{}, ctx.Err()
	}
	if err != nil {
		return store.ScanResult{Status: store.ScanError, Error: "scan failed: " + err.Error()}, nil
	}

	switch verdict.Status {
	case store.ScanClean:
	case store.ScanInfected, store.ScanError:
		return store.ScanResult{Status: verdict.Status, Error: verdict.Reason}, nil
	default:
		return store.ScanResult{Status: store.ScanError, Error: fmt.Sprintf("scanner returned %q", verdict.Status)}, nil
	}

	var cdnURL, thumbURL string
	err = p.retry(ctx, "publish", att.ID, func() error {
		var err error
		cdnURL, thumbURL, err = p.publisher.Publish(ctx, att)
		return err
	})
	if ctx.Err() != nil {
		return store.ScanResult{}, ctx.Err()
	}
	if err != nil {
		return store.ScanResult{Status: store.ScanError, Error: "publish failed: " + err.Error()}, nil
	}
	return store.ScanResult{Status: store.ScanClean, CDNURL: cdnURL, ThumbnailURL: thumbURL}, nil
}

// retry runs op up to MaxScanAttempts times with exponential backoff.
// Only transient errors are retried.
func (p *Pipeline) retry(ctx context.Context, what, id string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialBackoff
	eb.MaxInterval = p.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxScanAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		p.logger.Warn("transient attachment failure, retrying",
			"step", what,
			"attachment_id", id,
			"wait", wait,
			"error", err)
	})
}
