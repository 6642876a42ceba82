// ABOUTME: Conversation gateway service composing store, presence, attachments, moderation and export
// ABOUTME: Every operation is bounded, authorized, audited and followed by a change event

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-messaging/internal/attachments"
	"github.com/2389/coven-messaging/internal/auth"
	"github.com/2389/coven-messaging/internal/dedupe"
	"github.com/2389/coven-messaging/internal/locks"
	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/moderation"
	"github.com/2389/coven-messaging/internal/notify"
	"github.com/2389/coven-messaging/internal/presence"
	"github.com/2389/coven-messaging/internal/store"
)

// DefaultRequestTimeout bounds each operation when no timeout is configured.
const DefaultRequestTimeout = 10 * time.Second

// MaxContentLength bounds message text, in characters.
const MaxContentLength = 10000

// Attachments is what the service needs from the attachment pipeline.
type Attachments interface {
	ValidateMeta(meta attachments.FileMeta) error
	Ingest(ctx context.Context, messageID string, meta attachments.FileMeta) (*store.Attachment, error)
	Retry(ctx context.Context, attachmentID string, audit *store.AuditEntry) (*store.Attachment, error)
}

// Exporter is what the service needs from the export worker.
type Exporter interface {
	Request(ctx context.Context, threadID, requestedBy string, audit *store.AuditEntry) (*store.ExportJob, error)
	Get(ctx context.Context, jobID string) (*store.ExportJob, error)
}

// Subscriber hands out live event streams per thread.
type Subscriber interface {
	Subscribe(ctx context.Context, threadID string) (<-chan *notify.Event, string)
	Unsubscribe(threadID, subID string)
}

// Config tunes the gateway.
type Config struct {
	RequestTimeout time.Duration

	// DefaultRetention applies to threads created without a policy.
	DefaultRetention store.RetentionPolicy
}

// Deps are the collaborators the gateway composes. Store, Presence,
// Attachments, Moderation and Authorizer are required.
type Deps struct {
	Store       store.Store
	Presence    presence.Tracker
	Attachments Attachments
	Moderation  *moderation.Service
	Exporter    Exporter
	Authorizer  auth.Authorizer
	Notifier    notify.Publisher
	Subscriber  Subscriber
	Metrics     *metrics.Metrics

	// Idempotency, when set, lets SendMessage honor idempotency keys.
	Idempotency *dedupe.Cache
}

// Service is the conversation gateway.
type Service struct {
	store       store.Store
	presence    presence.Tracker
	attachments Attachments
	moderation  *moderation.Service
	exporter    Exporter
	authz       auth.Authorizer
	notifier    notify.Publisher
	subscriber  Subscriber
	metrics     *metrics.Metrics
	idempotency *dedupe.Cache
	sendLocks   *locks.Keyed
	cfg         Config
	logger      *slog.Logger
}

// New creates the gateway. Pass nil logger for default.
func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DefaultRetention == "" {
		cfg.DefaultRetention = store.RetentionPermanent
	}
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:       deps.Store,
		presence:    deps.Presence,
		attachments: deps.Attachments,
		moderation:  deps.Moderation,
		exporter:    deps.Exporter,
		authz:       deps.Authorizer,
		notifier:    notifier,
		subscriber:  deps.Subscriber,
		metrics:     deps.Metrics,
		idempotency: deps.Idempotency,
		sendLocks:   locks.New(),
		cfg:         cfg,
		logger:      logger.With("component", "conversation"),
	}
}

// begin bounds the call and resolves the caller.
func (s *Service) begin(ctx context.Context) (context.Context, context.CancelFunc, *auth.Caller, error) {
	caller := auth.FromContext(ctx)
	if caller == nil || caller.ID == "" {
		return ctx, func() {}, nil, fmt.Errorf("no caller in context: %w", auth.ErrUnauthorized)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	return ctx, cancel, caller, nil
}

// finish maps a deadline into the retryable category.
func finish(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, store.ErrTransient) {
		return fmt.Errorf("%w: %w", store.ErrTransient, err)
	}
	return err
}

// concealMissing reports a missing resource to a non-moderator with the same
// error a non-participant gets, so unknown and inaccessible IDs look alike.
func concealMissing(caller *auth.Caller, action auth.Action, err error) error {
	if errors.Is(err, store.ErrNotFound) && !caller.IsModerator() {
		return fmt.Errorf("%s: caller is not a participant: %w", action, auth.ErrUnauthorized)
	}
	return err
}

// authorizeThread loads the thread and checks the caller may act on it.
func (s *Service) authorizeThread(ctx context.Context, caller *auth.Caller, action auth.Action, threadID string) (*store.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, concealMissing(caller, action, err)
	}
	if err := s.authz.Authorize(ctx, caller, action, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// authorizeMessage loads a message and its thread and checks the caller may
// act on it.
func (s *Service) authorizeMessage(ctx context.Context, caller *auth.Caller, action auth.Action, messageID string) (*store.Message, *store.Thread, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, concealMissing(caller, action, err)
	}
	thread, err := s.authorizeThread(ctx, caller, action, msg.ThreadID)
	if err != nil {
		return nil, nil, err
	}
	return msg, thread, nil
}

func (s *Service) audit(caller *auth.Caller, action store.AuditAction) *store.AuditEntry {
	e := caller.Audit()
	e.Action = action
	return e
}

// publish delivers an event. Failures are logged by the publisher and never
// fail the operation.
func (s *Service) publish(ctx context.Context, ev *notify.Event) {
	if err := s.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to publish event", "type", ev.Type, "thread_id", ev.ThreadID, "error", err)
	}
}
