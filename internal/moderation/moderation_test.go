// ABOUTME: Tests for the moderation workflow service
// ABOUTME: Covers report intake, resolution with takedown, dismissal and message review

package moderation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/store"
)

func setup(t *testing.T, threshold int) (*Service, *store.MockStore, *store.Message) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMockStore()

	thread := &store.Thread{Participants: []string{"alice", "bob", "carol"}, Subject: "group", CreatedBy: "alice"}
	require.NoError(t, s.CreateThread(ctx, thread, nil))
	msg := &store.Message{ThreadID: thread.ID, SenderID: "alice", Content: "hello"}
	require.NoError(t, s.SendMessage(ctx, msg, nil))

	return New(s, Config{AutoFlagThreshold: threshold}, metrics.New(), nil), s, msg
}

func TestService_ReportAndResolveWithRemoval(t *testing.T) {
	svc, s, msg := setup(t, 0)
	ctx := context.Background()

	r, err := svc.Report(ctx, "bob", msg.ID, store.ReasonHarassment, "  keeps insulting me ", &store.AuditEntry{ActorID: "bob", IPAddress: "198.51.100.7"})
	require.NoError(t, err)
	assert.Equal(t, store.ReportPending, r.Status)
	assert.Equal(t, "keeps insulting me", r.Description)

	resolved, err := svc.Resolve(ctx, r.ID, "mod-1", store.ActionBanned, &store.AuditEntry{ActorID: "mod-1"})
	require.NoError(t, err)
	assert.Equal(t, store.ReportResolved, resolved.Status)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModerationRemoved, got.ModerationStatus)

	entries, err := svc.AuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditModerationAction, entries[0].Action)
	assert.Equal(t, "mod-1", entries[0].ActorID)
	assert.Equal(t, store.AuditReportFiled, entries[1].Action)
	assert.Equal(t, "198.51.100.7", entries[1].IPAddress)

	_, err = svc.Resolve(ctx, r.ID, "mod-2", store.ActionWarned, nil)
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)
}

func TestService_ReviewThenDismiss(t *testing.T) {
	svc, s, msg := setup(t, 0)
	ctx := context.Background()

	r, err := svc.Report(ctx, "bob", msg.ID, store.ReasonSpam, "", nil)
	require.NoError(t, err)

	reviewed, err := svc.Review(ctx, r.ID, "mod-1", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ReportReviewed, reviewed.Status)

	dismissed, err := svc.Dismiss(ctx, r.ID, "mod-1", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ReportDismissed, dismissed.Status)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModerationPending, got.ModerationStatus)

	action := store.AuditReportReviewed
	entries, err := svc.AuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestService_ReportValidation(t *testing.T) {
	svc, _, msg := setup(t, 0)
	ctx := context.Background()

	_, err := svc.Report(ctx, "bob", msg.ID, "rude", "", nil)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.Report(ctx, "bob", msg.ID, store.ReasonOther, strings.Repeat("x", MaxDescriptionLength+1), nil)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.Report(ctx, "bob", "missing", store.ReasonSpam, "", nil)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)

	_, err = svc.Resolve(ctx, "missing", "mod", "erase", nil)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestService_AutoFlag(t *testing.T) {
	svc, s, msg := setup(t, 2)
	ctx := context.Background()

	_, err := svc.Report(ctx, "bob", msg.ID, store.ReasonSpam, "", nil)
	require.NoError(t, err)
	_, err = svc.Report(ctx, "carol", msg.ID, store.ReasonSpam, "", nil)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModerationFlagged, got.ModerationStatus)

	pending := store.ReportPending
	open, err := svc.List(ctx, store.ReportFilter{Status: &pending})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestService_ReviewMessage(t *testing.T) {
	svc, s, msg := setup(t, 0)
	ctx := context.Background()

	approved, err := svc.ReviewMessage(ctx, msg.ID, "mod-1", true, nil)
	require.NoError(t, err)
	assert.Equal(t, store.ModerationApproved, approved.ModerationStatus)

	// Approved is final.
	_, err = svc.ReviewMessage(ctx, msg.ID, "mod-1", false, nil)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)

	other := &store.Message{ThreadID: msg.ThreadID, SenderID: "bob", Content: "hmm"}
	require.NoError(t, s.SendMessage(ctx, other, nil))
	flagged, err := svc.ReviewMessage(ctx, other.ID, "mod-1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, store.ModerationFlagged, flagged.ModerationStatus)
}
