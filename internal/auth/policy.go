// ABOUTME: Authorization policy for gateway operations
// ABOUTME: Moderators may do anything; everyone else is limited to their own threads

package auth

import (
	"context"
	"fmt"

	"github.com/2389/coven-messaging/internal/store"
)

// Action names an authorizable operation.
type Action string

const (
	ActionThreadCreate     Action = "thread.create"
	ActionThreadRead       Action = "thread.read"
	ActionThreadWrite      Action = "thread.write"
	ActionThreadManage     Action = "thread.manage"
	ActionMessageSend      Action = "message.send"
	ActionMessageRead      Action = "message.read"
	ActionMessageEdit      Action = "message.edit"
	ActionMessageDelete    Action = "message.delete"
	ActionMessageReport    Action = "message.report"
	ActionModerationReview Action = "moderation.review"
	ActionAuditRead        Action = "audit.read"
	ActionExportCreate     Action = "export.create"
)

// ErrUnauthorized is returned when the policy denies an action.
var ErrUnauthorized = fmt.Errorf("unauthorized: %w", store.ErrForbidden)

// Authorizer decides whether a caller may perform an action. thread is the
// thread the action touches (the proposed thread for thread.create) and is
// nil for actions that are not scoped to a thread.
type Authorizer interface {
	Authorize(ctx context.Context, caller *Caller, action Action, thread *store.Thread) error
}

// PolicyAuthorizer implements the participation-based policy.
type PolicyAuthorizer struct{}

// NewPolicyAuthorizer creates the default authorizer.
func NewPolicyAuthorizer() *PolicyAuthorizer {
	return &PolicyAuthorizer{}
}

// Authorize implements Authorizer.
func (PolicyAuthorizer) Authorize(ctx context.Context, caller *Caller, action Action, thread *store.Thread) error {
	if caller == nil || caller.ID == "" {
		return fmt.Errorf("no caller: %w", ErrUnauthorized)
	}
	if caller.IsModerator() {
		return nil
	}

	switch action {
	case ActionModerationReview, ActionAuditRead:
		return fmt.Errorf("%s requires a moderator: %w", action, ErrUnauthorized)
	case ActionThreadCreate, ActionThreadRead, ActionThreadWrite, ActionThreadManage,
		ActionMessageSend, ActionMessageRead, ActionMessageEdit, ActionMessageDelete,
		ActionMessageReport, ActionExportCreate:
		if thread == nil || !thread.HasParticipant(caller.ID) {
			return fmt.Errorf("%s: caller is not a participant: %w", action, ErrUnauthorized)
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q: %w", action, ErrUnauthorized)
	}
}

var _ Authorizer = PolicyAuthorizer{}
