// ABOUTME: Thread-level gateway operations: lifecycle flags, typing, live events and export
// ABOUTME: Authorization is checked against the thread's participant list

package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/2389/coven-messaging/internal/auth"
	"github.com/2389/coven-messaging/internal/notify"
	"github.com/2389/coven-messaging/internal/store"
)

// CreateThreadRequest describes a new thread.
type CreateThreadRequest struct {
	Participants    []string
	Subject         string
	RetentionPolicy string // empty uses the configured default
}

// CreateThread starts a thread. The caller must be one of the participants.
func (s *Service) CreateThread(ctx context.Context, req CreateThreadRequest) (_ *store.Thread, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	policy := s.cfg.DefaultRetention
	if strings.TrimSpace(req.RetentionPolicy) != "" {
		if policy, err = store.ParseRetentionPolicy(req.RetentionPolicy); err != nil {
			return nil, err
		}
	}

	thread := &store.Thread{
		Participants:    slices.Clone(req.Participants),
		Subject:         strings.TrimSpace(req.Subject),
		RetentionPolicy: policy,
		CreatedBy:       caller.ID,
	}
	if err := s.authz.Authorize(ctx, caller, auth.ActionThreadCreate, thread); err != nil {
		return nil, err
	}
	if err := s.store.CreateThread(ctx, thread, s.audit(caller, store.AuditThreadCreated)); err != nil {
		return nil, err
	}

	s.logger.Info("thread created", "thread_id", thread.ID, "created_by", caller.ID, "participants", len(thread.Participants))
	ev := notify.NewEvent(notify.EventThreadUpdated, thread.ID)
	ev.UserID = caller.ID
	ev.Payload = map[string]any{"change": "created"}
	s.publish(ctx, ev)
	return thread, nil
}

// GetThread returns the thread as seen by the caller, with their unread count.
func (s *Service) GetThread(ctx context.Context, threadID string) (_ *store.ThreadView, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	thread, err := s.authorizeThread(ctx, caller, auth.ActionThreadRead, threadID)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.UnreadCount(ctx, threadID, caller.ID)
	if err != nil {
		return nil, err
	}
	view := &store.ThreadView{Thread: *thread, UnreadCount: unread}
	if thread.LastMessageID != "" {
		if last, err := s.store.GetMessage(ctx, thread.LastMessageID); err == nil && last.Visible() {
			view.LastMessage = last
		}
	}
	return view, nil
}

// ListThreads returns the caller's threads ordered by last activity.
func (s *Service) ListThreads(ctx context.Context, f store.ThreadFilter) (_ []*store.ThreadView, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}
	return s.store.ListThreadsForUser(ctx, caller.ID, f)
}

// MuteThread sets or clears the thread's muted flag.
func (s *Service) MuteThread(ctx context.Context, threadID string, muted bool) (*store.Thread, error) {
	action := store.AuditThreadUnmuted
	if muted {
		action = store.AuditThreadMuted
	}
	return s.setFlag(ctx, threadID, "muted", muted, action, s.store.SetThreadMuted)
}

// ArchiveThread sets or clears the thread's archived flag. Archived threads
// reject new messages; nothing is purged.
func (s *Service) ArchiveThread(ctx context.Context, threadID string, archived bool) (*store.Thread, error) {
	action := store.AuditThreadUnarchived
	if archived {
		action = store.AuditThreadArchived
	}
	return s.setFlag(ctx, threadID, "archived", archived, action, s.store.SetThreadArchived)
}

type flagSetter func(ctx context.Context, threadID string, value bool, audit *store.AuditEntry) (*store.Thread, error)

func (s *Service) setFlag(ctx context.Context, threadID, flag string, value bool, action store.AuditAction, set flagSetter) (_ *store.Thread, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if _, err := s.authorizeThread(ctx, caller, auth.ActionThreadManage, threadID); err != nil {
		return nil, err
	}
	thread, err := set(ctx, threadID, value, s.audit(caller, action))
	if err != nil {
		return nil, err
	}

	s.logger.Info("thread flag changed", "thread_id", threadID, "flag", flag, "value", value, "actor", caller.ID)
	ev := notify.NewEvent(notify.EventThreadUpdated, threadID)
	ev.UserID = caller.ID
	ev.Payload = map[string]any{"change": flag, "value": value}
	s.publish(ctx, ev)
	return thread, nil
}

// SetTyping records the caller's typing state in the thread.
func (s *Service) SetTyping(ctx context.Context, threadID string, isTyping bool) (err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return err
	}

	if _, err := s.authorizeThread(ctx, caller, auth.ActionThreadWrite, threadID); err != nil {
		return err
	}
	if err := s.presence.SetTyping(ctx, caller.ID, threadID, isTyping); err != nil {
		return err
	}

	ev := notify.NewEvent(notify.EventTypingChanged, threadID)
	ev.UserID = caller.ID
	ev.Payload = map[string]any{"is_typing": isTyping}
	s.publish(ctx, ev)
	return nil
}

// ListTyping returns the other participants currently typing in the thread.
func (s *Service) ListTyping(ctx context.Context, threadID string) (_ []string, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}

	if _, err := s.authorizeThread(ctx, caller, auth.ActionThreadRead, threadID); err != nil {
		return nil, err
	}
	return s.presence.ListTyping(ctx, threadID, caller.ID)
}

// Subscribe opens a live event stream for the thread. The stream ends when
// ctx is cancelled or the returned cancel function is called.
func (s *Service) Subscribe(ctx context.Context, threadID string) (<-chan *notify.Event, func(), error) {
	caller := auth.FromContext(ctx)
	if caller == nil || caller.ID == "" {
		return nil, nil, fmt.Errorf("no caller in context: %w", auth.ErrUnauthorized)
	}
	if s.subscriber == nil {
		return nil, nil, fmt.Errorf("live events are not enabled: %w", store.ErrInvalidState)
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	_, err := s.authorizeThread(checkCtx, caller, auth.ActionThreadRead, threadID)
	cancel()
	if err != nil {
		return nil, nil, finish(err)
	}

	events, subID := s.subscriber.Subscribe(ctx, threadID)
	return events, func() { s.subscriber.Unsubscribe(threadID, subID) }, nil
}

// ExportThread schedules a transcript export of the thread.
func (s *Service) ExportThread(ctx context.Context, threadID string) (_ *store.ExportJob, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, fmt.Errorf("export is not enabled: %w", store.ErrInvalidState)
	}

	if _, err := s.authorizeThread(ctx, caller, auth.ActionExportCreate, threadID); err != nil {
		return nil, err
	}
	return s.exporter.Request(ctx, threadID, caller.ID, caller.Audit())
}

// GetExportJob returns an export job to a caller who may read its thread.
func (s *Service) GetExportJob(ctx context.Context, jobID string) (_ *store.ExportJob, err error) {
	ctx, cancel, caller, err := s.begin(ctx)
	defer cancel()
	defer func() { err = finish(err) }()
	if err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, fmt.Errorf("export is not enabled: %w", store.ErrInvalidState)
	}

	job, err := s.exporter.Get(ctx, jobID)
	if err != nil {
		return nil, concealMissing(caller, auth.ActionThreadRead, err)
	}
	if _, err := s.authorizeThread(ctx, caller, auth.ActionThreadRead, job.ThreadID); err != nil {
		return nil, err
	}
	return job, nil
}
