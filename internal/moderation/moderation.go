// ABOUTME: Moderation workflow: report intake, reviewer decisions and message review
// ABOUTME: Every decision is persisted with its audit entry in one store transaction

package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/store"
)

// MaxDescriptionLength bounds the reporter's free-text description.
const MaxDescriptionLength = 2000

// Config tunes moderation behaviour.
type Config struct {
	// AutoFlagThreshold flags a pending message for review once it has this
	// many reports. Zero disables auto-flagging.
	AutoFlagThreshold int
}

// Service implements the reviewer workflow on top of the store.
type Service struct {
	store   store.Store
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a moderation service. Pass nil metrics or logger for none/default.
func New(s store.Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "moderation"),
	}
}

func withAction(audit *store.AuditEntry, action store.AuditAction) *store.AuditEntry {
	if audit == nil {
		audit = &store.AuditEntry{}
	}
	audit.Action = action
	return audit
}

// Report files a report against a message on behalf of a participant.
func (s *Service) Report(ctx context.Context, reporterID, messageID string, reason store.ReportReason, description string, audit *store.AuditEntry) (*store.Report, error) {
	reason, err := store.ParseReportReason(string(reason))
	if err != nil {
		return nil, err
	}
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return nil, fmt.Errorf("description longer than %d characters: %w", MaxDescriptionLength, store.ErrValidation)
	}

	r := &store.Report{
		MessageID:   messageID,
		ReporterID:  reporterID,
		Reason:      reason,
		Description: description,
	}
	if err := s.store.CreateReport(ctx, r, s.cfg.AutoFlagThreshold, withAction(audit, store.AuditReportFiled)); err != nil {
		return nil, fmt.Errorf("filing report: %w", err)
	}

	s.metrics.ReportFiled(string(reason))
	s.logger.Info("report filed",
		"report_id", r.ID,
		"message_id", messageID,
		"reporter", reporterID,
		"reason", reason)
	return r, nil
}

// Review marks a pending report as under review.
func (s *Service) Review(ctx context.Context, reportID, moderatorID string, audit *store.AuditEntry) (*store.Report, error) {
	r, err := s.store.ReviewReport(ctx, reportID, moderatorID, withAction(audit, store.AuditReportReviewed))
	if err != nil {
		return nil, err
	}
	s.logger.Info("report under review", "report_id", reportID, "moderator", moderatorID)
	return r, nil
}

// Resolve closes a report with an action. Removing actions take the
// referenced message down in the same transaction.
func (s *Service) Resolve(ctx context.Context, reportID, moderatorID string, action store.ModerationAction, audit *store.AuditEntry) (*store.Report, error) {
	action, err := store.ParseModerationAction(string(action))
	if err != nil {
		return nil, err
	}
	r, err := s.store.ResolveReport(ctx, reportID, moderatorID, action, withAction(audit, store.AuditModerationAction))
	if err != nil {
		return nil, err
	}

	s.metrics.ModerationAction(string(action))
	s.logger.Info("report resolved",
		"report_id", reportID,
		"message_id", r.MessageID,
		"moderator", moderatorID,
		"action", action)
	return r, nil
}

// Dismiss closes a report without action.
func (s *Service) Dismiss(ctx context.Context, reportID, moderatorID string, audit *store.AuditEntry) (*store.Report, error) {
	r, err := s.store.DismissReport(ctx, reportID, moderatorID, withAction(audit, store.AuditModerationAction))
	if err != nil {
		return nil, err
	}

	s.metrics.ModerationAction(string(store.ActionNone))
	s.logger.Info("report dismissed", "report_id", reportID, "moderator", moderatorID)
	return r, nil
}

// ReviewMessage records a reviewer's decision on a pending message:
// approve, or flag it for takedown.
func (s *Service) ReviewMessage(ctx context.Context, messageID, moderatorID string, approve bool, audit *store.AuditEntry) (*store.Message, error) {
	to := store.ModerationFlagged
	if approve {
		to = store.ModerationApproved
	}
	msg, err := s.store.TransitionModeration(ctx, messageID, to, withAction(audit, store.AuditModerationAction))
	if err != nil {
		return nil, err
	}
	s.logger.Info("message reviewed", "message_id", messageID, "moderator", moderatorID, "status", to)
	return msg, nil
}

// List returns reports matching the filter, oldest first.
func (s *Service) List(ctx context.Context, f store.ReportFilter) ([]*store.Report, error) {
	return s.store.ListReports(ctx, f)
}

// AuditLog returns audit entries matching the filter, newest first.
func (s *Service) AuditLog(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return s.store.ListAuditLog(ctx, f)
}
