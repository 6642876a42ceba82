// ABOUTME: Moderation operations exposed through the gateway
// ABOUTME: Participants file reports; reviewer actions are moderator-only

package conversation

import (
	"context"

	"github.com/2389/coven-messaging/internal/auth"
	"github.com/2389/coven-messaging/internal/notify"
	"github.com/2389/coven-messaging/internal/store"
)

// ReportMessage files a report against a message in one of the caller's threads.
func (s *Service) ReportMessage(ctx context.Context, messageID string, reason store.ReportReason, description string) (_ *store.Report, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if _, _, err := s.authorizeMessage(ctx, caller, auth.ActionMessageReport, messageID); err != nil {
		return nil, err
	}
	return s.moderation.Report(ctx, caller.ID, messageID, reason, description, caller.Audit())
}

// authorizeModerator checks the caller may review content.
func (s *Service) authorizeModerator(ctx context.Context, caller *auth.Caller) error {
	return s.authz.Authorize(ctx, caller, auth.ActionModerationReview, nil)
}

// ReviewReport moves a pending report under review.
func (s *Service) ReviewReport(ctx context.Context, reportID string) (_ *store.Report, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if err := s.authorizeModerator(ctx, caller); err != nil {
		return nil, err
	}
	return s.moderation.Review(ctx, reportID, caller.ID, caller.Audit())
}

// ResolveReport closes a report with an action. When the message was taken
// down, the thread's subscribers are told to refresh.
func (s *Service) ResolveReport(ctx context.Context, reportID string, action store.ModerationAction) (_ *store.Report, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if err := s.authorizeModerator(ctx, caller); err != nil {
		return nil, err
	}
	audit := caller.Audit()
	report, err := s.moderation.Resolve(ctx, reportID, caller.ID, action, audit)
	if err != nil {
		return nil, err
	}

	// A ban or suspension leaves an approved message up.
	if removed, _ := audit.Detail["content_removed"].(bool); removed {
		ev := notify.NewEvent(notify.EventModerationChanged, report.ThreadID)
		ev.MessageID = report.MessageID
		ev.Payload = map[string]any{"moderation_status": string(store.ModerationRemoved)}
		s.publish(ctx, ev)
	}
	return report, nil
}

// DismissReport closes a report without action.
func (s *Service) DismissReport(ctx context.Context, reportID string) (_ *store.Report, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if err := s.authorizeModerator(ctx, caller); err != nil {
		return nil, err
	}
	return s.moderation.Dismiss(ctx, reportID, caller.ID, caller.Audit())
}

// ReviewMessage records a moderator's approve or flag decision on a message.
func (s *Service) ReviewMessage(ctx context.Context, messageID string, approve bool) (_ *store.Message, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if err := s.authorizeModerator(ctx, caller); err != nil {
		return nil, err
	}
	msg, err := s.moderation.ReviewMessage(ctx, messageID, caller.ID, approve, caller.Audit())
	if err != nil {
		return nil, err
	}

	ev := notify.NewEvent(notify.EventModerationChanged, msg.ThreadID)
	ev.MessageID = messageID
	ev.Payload = map[string]any{"moderation_status": string(msg.ModerationStatus)}
	s.publish(ctx, ev)
	return msg, nil
}

// ListReports returns reports for moderators.
func (s *Service) ListReports(ctx context.Context, f store.ReportFilter) (_ []*store.Report, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if err := s.authorizeModerator(ctx, caller); err != nil {
		return nil, err
	}
	return s.moderation.List(ctx, f)
}

// ListAuditLog returns audit entries for moderators, newest first.
func (s *Service) ListAuditLog(ctx context.Context, f store.AuditFilter) (_ []store.AuditEntry, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if err := s.authz.Authorize(ctx, caller, auth.ActionAuditRead, nil); err != nil {
		return nil, err
	}
	return s.moderation.AuditLog(ctx, f)
}
